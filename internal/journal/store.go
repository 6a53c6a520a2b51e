package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarcoPoloResearchLab/channel-mirror/internal/mirror"
	"github.com/MarcoPoloResearchLab/channel-mirror/internal/reactions"
)

const defaultPageSize = 50

var (
	// ErrMissingDatabase indicates the store was built without a database handle.
	ErrMissingDatabase = errors.New("journal: database connection required")
	// ErrInvalidMessage indicates a channel or message id of zero.
	ErrInvalidMessage = errors.New("journal: invalid message reference")
)

// StoreConfig describes the dependencies of a Store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
	PageSize int
}

// Store records what the bot observes in both channels and serves it back as
// the read side of reconciliation.
type Store struct {
	db       *gorm.DB
	now      func() time.Time
	logger   *zap.Logger
	pageSize int
}

// NewStore constructs a journal store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, ErrMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &Store{db: cfg.Database, now: clock, logger: logger, pageSize: pageSize}, nil
}

// RecordMessage stores the content of a message, keeping any reactions
// already recorded for it.
func (s *Store) RecordMessage(ctx context.Context, message mirror.ObservedMessage) error {
	if message.Channel == 0 || message.ID == 0 {
		return ErrInvalidMessage
	}
	entry := Entry{
		ChannelID:         message.Channel,
		MessageID:         message.ID,
		Text:              message.Text,
		Caption:           message.Caption,
		HasMedia:          message.HasMedia,
		ContentKnown:      true,
		ObservedAtSeconds: s.now().UTC().Unix(),
	}
	columns := []string{"text", "caption", "has_media", "content_known", "observed_at_s"}
	if message.Reactions != nil {
		encoded, err := json.Marshal(message.Reactions)
		if err != nil {
			return fmt.Errorf("journal: encode reactions: %w", err)
		}
		entry.ReactionsJSON = string(encoded)
		columns = append(columns, "reactions_json")
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "channel_id"}, {Name: "message_id"}},
		DoUpdates: clause.AssignmentColumns(columns),
	}).Create(&entry).Error
	if err != nil {
		return fmt.Errorf("journal: record message %d/%d: %w", message.Channel, message.ID, err)
	}
	return nil
}

// RecordReactions replaces the reaction breakdown of a message.
func (s *Store) RecordReactions(ctx context.Context, channelID, messageID int64, observed []reactions.Reaction) error {
	if channelID == 0 || messageID == 0 {
		return ErrInvalidMessage
	}
	if observed == nil {
		observed = []reactions.Reaction{}
	}
	encoded, err := json.Marshal(observed)
	if err != nil {
		return fmt.Errorf("journal: encode reactions: %w", err)
	}
	entry := Entry{
		ChannelID:         channelID,
		MessageID:         messageID,
		ReactionsJSON:     string(encoded),
		ObservedAtSeconds: s.now().UTC().Unix(),
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "channel_id"}, {Name: "message_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"reactions_json", "observed_at_s"}),
	}).Create(&entry).Error
	if err != nil {
		return fmt.Errorf("journal: record reactions %d/%d: %w", channelID, messageID, err)
	}
	return nil
}

// RecordCopy registers a message the bot published as a copy of source,
// carrying over the source content when it is known.
func (s *Store) RecordCopy(ctx context.Context, source mirror.SourceRef, channelID, messageID int64) error {
	original, found, err := s.FetchByID(ctx, source.Channel, source.MessageID)
	if err != nil {
		return err
	}
	if !found {
		s.logger.Debug("copy source not journaled",
			zap.Int64("channel_id", source.Channel),
			zap.Int64("message_id", source.MessageID))
		return nil
	}
	return s.RecordMessage(ctx, mirror.ObservedMessage{
		Channel:  channelID,
		ID:       messageID,
		Text:     original.Text,
		Caption:  original.Caption,
		HasMedia: original.HasMedia,
	})
}

// RecordEdit applies a text or caption edit to a journaled message.
func (s *Store) RecordEdit(ctx context.Context, channelID, messageID int64, body string, caption bool) error {
	if channelID == 0 || messageID == 0 {
		return ErrInvalidMessage
	}
	updates := map[string]any{
		"content_known": true,
		"observed_at_s": s.now().UTC().Unix(),
	}
	if caption {
		updates["caption"] = body
	} else {
		updates["text"] = body
	}
	result := s.db.WithContext(ctx).
		Model(&Entry{}).
		Where("channel_id = ? AND message_id = ?", channelID, messageID).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("journal: record edit %d/%d: %w", channelID, messageID, result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}
	message := mirror.ObservedMessage{Channel: channelID, ID: messageID, HasMedia: caption}
	if caption {
		message.Caption = body
	} else {
		message.Text = body
	}
	return s.RecordMessage(ctx, message)
}

// FetchByID returns the journaled message when its content has been observed.
func (s *Store) FetchByID(ctx context.Context, channelID, messageID int64) (mirror.ObservedMessage, bool, error) {
	var entry Entry
	err := s.db.WithContext(ctx).
		Where("channel_id = ? AND message_id = ? AND content_known = ?", channelID, messageID, true).
		Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return mirror.ObservedMessage{}, false, nil
	}
	if err != nil {
		return mirror.ObservedMessage{}, false, fmt.Errorf("journal: fetch %d/%d: %w", channelID, messageID, err)
	}
	observed, err := entry.toObserved()
	if err != nil {
		s.logger.Warn("journal reactions unreadable",
			zap.Int64("channel_id", channelID),
			zap.Int64("message_id", messageID),
			zap.Error(err))
	}
	return observed, true, nil
}

// ListRecent yields up to limit messages of channelID, freshest first. Rows
// are read a page at a time so no connection is held while the consumer runs.
func (s *Store) ListRecent(ctx context.Context, channelID int64, limit int) iter.Seq2[mirror.ObservedMessage, error] {
	return func(yield func(mirror.ObservedMessage, error) bool) {
		if limit <= 0 {
			return
		}
		var cursor int64
		yielded := 0
		for yielded < limit {
			pageSize := min(s.pageSize, limit-yielded)
			query := s.db.WithContext(ctx).
				Where("channel_id = ? AND content_known = ?", channelID, true)
			if cursor != 0 {
				query = query.Where("message_id < ?", cursor)
			}
			var page []Entry
			if err := query.Order("message_id DESC").Limit(pageSize).Find(&page).Error; err != nil {
				yield(mirror.ObservedMessage{}, fmt.Errorf("journal: list recent %d: %w", channelID, err))
				return
			}
			for _, entry := range page {
				observed, err := entry.toObserved()
				if err != nil {
					s.logger.Warn("journal reactions unreadable",
						zap.Int64("channel_id", entry.ChannelID),
						zap.Int64("message_id", entry.MessageID),
						zap.Error(err))
				}
				if !yield(observed, nil) {
					return
				}
				cursor = entry.MessageID
				yielded++
			}
			if len(page) < pageSize {
				return
			}
		}
	}
}

// Count returns the number of journaled messages.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var total int64
	if err := s.db.WithContext(ctx).Model(&Entry{}).Count(&total).Error; err != nil {
		return 0, fmt.Errorf("journal: count: %w", err)
	}
	return total, nil
}
