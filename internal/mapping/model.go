package mapping

// MessageMapping links a message to its mirrored copy in the other channel.
type MessageMapping struct {
	ID               int64 `gorm:"column:id;primaryKey;autoIncrement"`
	SourceChannel    int64 `gorm:"column:source_channel;not null;uniqueIndex:idx_mapping_forward,priority:1;index:idx_mapping_backward,priority:3"`
	SourceMessageID  int64 `gorm:"column:source_message_id;not null;uniqueIndex:idx_mapping_forward,priority:2"`
	TargetChannel    int64 `gorm:"column:target_channel;not null;uniqueIndex:idx_mapping_forward,priority:3;index:idx_mapping_backward,priority:1"`
	TargetMessageID  int64 `gorm:"column:target_message_id;not null;index:idx_mapping_backward,priority:2"`
	CreatedAtSeconds int64 `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (MessageMapping) TableName() string {
	return "message_mappings"
}
