package journal

import (
	"encoding/json"

	"github.com/MarcoPoloResearchLab/channel-mirror/internal/mirror"
	"github.com/MarcoPoloResearchLab/channel-mirror/internal/reactions"
)

// Entry is the last observed shape of a channel message. Rows created only
// from a reaction update have ContentKnown unset until the message itself is seen.
type Entry struct {
	ChannelID         int64  `gorm:"column:channel_id;primaryKey;autoIncrement:false"`
	MessageID         int64  `gorm:"column:message_id;primaryKey;autoIncrement:false"`
	Text              string `gorm:"column:text;type:text;not null;default:''"`
	Caption           string `gorm:"column:caption;type:text;not null;default:''"`
	HasMedia          bool   `gorm:"column:has_media;not null;default:false"`
	ContentKnown      bool   `gorm:"column:content_known;not null;default:false"`
	ReactionsJSON     string `gorm:"column:reactions_json;type:text;not null;default:''"`
	ObservedAtSeconds int64  `gorm:"column:observed_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "observed_messages"
}

func (e Entry) toObserved() (mirror.ObservedMessage, error) {
	observed := mirror.ObservedMessage{
		Channel:  e.ChannelID,
		ID:       e.MessageID,
		Text:     e.Text,
		Caption:  e.Caption,
		HasMedia: e.HasMedia,
	}
	if e.ReactionsJSON == "" {
		return observed, nil
	}
	var decoded []reactions.Reaction
	if err := json.Unmarshal([]byte(e.ReactionsJSON), &decoded); err != nil {
		return observed, err
	}
	observed.Reactions = decoded
	return observed, nil
}
