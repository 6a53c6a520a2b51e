package mapping

import (
	"context"
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
	opStoreNew        = "mapping.store.new"
	opPut             = "mapping.put"
	opResolveForward  = "mapping.resolve_forward"
	opResolveBackward = "mapping.resolve_backward"
	opCount           = "mapping.count"

	columnSourceMessageID = "source_message_id"
	columnTargetMessageID = "target_message_id"
	queryForward          = "source_channel = ? AND source_message_id = ? AND target_channel = ?"
	queryBackward         = "target_channel = ? AND target_message_id = ? AND source_channel = ?"
	reasonQueryFailed     = "query_failed"
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

// StoreConfig describes the dependencies of a Store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store is the append-only bidirectional index between mirrored messages.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore validates cfg and returns a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
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
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Put records that sourceMessageID in sourceChannel was mirrored as
// targetMessageID in targetChannel. A second Put for the same source and
// target channel replaces the earlier target.
func (s *Store) Put(ctx context.Context, sourceChannel, sourceMessageID, targetChannel, targetMessageID int64) error {
	record := MessageMapping{
		SourceChannel:    sourceChannel,
		SourceMessageID:  sourceMessageID,
		TargetChannel:    targetChannel,
		TargetMessageID:  targetMessageID,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "source_channel"},
			{Name: columnSourceMessageID},
			{Name: "target_channel"},
		},
		DoUpdates: clause.AssignmentColumns([]string{columnTargetMessageID, "created_at_s"}),
	}).Create(&record).Error
	if err != nil {
		s.logError(opPut, "insert_failed", err,
			zap.Int64("source_channel", sourceChannel),
			zap.Int64("source_message_id", sourceMessageID),
			zap.Int64("target_channel", targetChannel),
			zap.Int64("target_message_id", targetMessageID))
		return newStoreError(opPut, "insert_failed", err)
	}
	return nil
}

// ResolveForward returns the copy of an original message.
func (s *Store) ResolveForward(ctx context.Context, sourceChannel, sourceMessageID, targetChannel int64) (int64, bool, error) {
	var record MessageMapping
	err := s.db.WithContext(ctx).
		Select(columnTargetMessageID).
		Where(queryForward, sourceChannel, sourceMessageID, targetChannel).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		s.logError(opResolveForward, reasonQueryFailed, err,
			zap.Int64("source_channel", sourceChannel),
			zap.Int64("source_message_id", sourceMessageID),
			zap.Int64("target_channel", targetChannel))
		return 0, false, newStoreError(opResolveForward, reasonQueryFailed, err)
	}
	return record.TargetMessageID, true, nil
}

// ResolveBackward returns the original of a mirrored copy.
func (s *Store) ResolveBackward(ctx context.Context, targetChannel, targetMessageID, sourceChannel int64) (int64, bool, error) {
	var record MessageMapping
	err := s.db.WithContext(ctx).
		Select(columnSourceMessageID).
		Where(queryBackward, targetChannel, targetMessageID, sourceChannel).
		Order("id DESC").
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		s.logError(opResolveBackward, reasonQueryFailed, err,
			zap.Int64("target_channel", targetChannel),
			zap.Int64("target_message_id", targetMessageID),
			zap.Int64("source_channel", sourceChannel))
		return 0, false, newStoreError(opResolveBackward, reasonQueryFailed, err)
	}
	return record.SourceMessageID, true, nil
}

// ResolveEither returns the counterpart of messageID (posted in channelA)
// inside channelB, whichever side of the mapping the message sits on.
func (s *Store) ResolveEither(ctx context.Context, channelA, messageID, channelB int64) (int64, bool, error) {
	counterpart, found, err := s.ResolveForward(ctx, channelA, messageID, channelB)
	if err != nil || found {
		return counterpart, found, err
	}
	return s.ResolveBackward(ctx, channelA, messageID, channelB)
}

// Count returns the number of stored mappings.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var total int64
	if err := s.db.WithContext(ctx).Model(&MessageMapping{}).Count(&total).Error; err != nil {
		s.logError(opCount, reasonQueryFailed, err)
		return 0, newStoreError(opCount, reasonQueryFailed, err)
	}
	return total, nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("mapping store error", attrs...)
}
