package reactions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

const (
	opStoreNew     = "reactions.snapshots.new"
	opSnapshotGet  = "reactions.snapshots.get"
	opSnapshotPut  = "reactions.snapshots.put"
	fieldChannelID = "channel_id"
	fieldMessageID = "message_id"
	queryMessage   = "channel_id = ? AND message_id = ?"
)

// StoreError carries an operation.reason code alongside the cause.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code.
func (e *StoreError) Code() string {
	return e.code
}

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: operation + "." + reason, err: cause}
}

// Snapshot is the last known merged tally of one message.
type Snapshot struct {
	ChannelID        int64  `gorm:"column:channel_id;primaryKey;autoIncrement:false"`
	MessageID        int64  `gorm:"column:message_id;primaryKey;autoIncrement:false"`
	TallyJSON        string `gorm:"column:tally_json;type:text;not null"`
	LastUpdatedAtSec int64  `gorm:"column:last_updated_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Snapshot) TableName() string {
	return "reaction_snapshots"
}

// SnapshotStoreConfig describes the dependencies of a SnapshotStore.
type SnapshotStoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// SnapshotStore persists per-message tallies keyed by (channel, message).
type SnapshotStore struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewSnapshotStore validates cfg and returns a store.
func NewSnapshotStore(cfg SnapshotStoreConfig) (*SnapshotStore, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &SnapshotStore{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Get returns the stored tally, or an empty tally when none is stored.
func (s *SnapshotStore) Get(ctx context.Context, channelID, messageID int64) (Tally, error) {
	var snapshot Snapshot
	err := s.db.WithContext(ctx).Where(queryMessage, channelID, messageID).Take(&snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Tally{}, nil
	}
	if err != nil {
		s.logError(opSnapshotGet, "query_failed", err, channelID, messageID)
		return Tally{}, newStoreError(opSnapshotGet, "query_failed", err)
	}
	tally := Tally{}
	if err := json.Unmarshal([]byte(snapshot.TallyJSON), &tally); err != nil {
		s.logError(opSnapshotGet, "decode_failed", err, channelID, messageID)
		return Tally{}, newStoreError(opSnapshotGet, "decode_failed", err)
	}
	return tally, nil
}

// Put overwrites the stored tally for the message.
func (s *SnapshotStore) Put(ctx context.Context, channelID, messageID int64, tally Tally) error {
	if tally == nil {
		tally = Tally{}
	}
	payload, err := json.Marshal(tally)
	if err != nil {
		s.logError(opSnapshotPut, "encode_failed", err, channelID, messageID)
		return newStoreError(opSnapshotPut, "encode_failed", err)
	}
	snapshot := Snapshot{
		ChannelID:        channelID,
		MessageID:        messageID,
		TallyJSON:        string(payload),
		LastUpdatedAtSec: s.clock().UTC().Unix(),
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: fieldChannelID}, {Name: fieldMessageID}},
		DoUpdates: clause.AssignmentColumns([]string{"tally_json", "last_updated_s"}),
	}).Create(&snapshot).Error
	if err != nil {
		s.logError(opSnapshotPut, "upsert_failed", err, channelID, messageID)
		return newStoreError(opSnapshotPut, "upsert_failed", err)
	}
	return nil
}

func (s *SnapshotStore) logError(operation, reason string, err error, channelID, messageID int64) {
	s.logger.Error("reaction snapshot store error",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
		zap.Int64(fieldChannelID, channelID),
		zap.Int64(fieldMessageID, messageID))
}
