package journal

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/channel-mirror/internal/mirror"
	"github.com/MarcoPoloResearchLab/channel-mirror/internal/reactions"
)

const (
	channelA int64 = -1001000000001
	channelB int64 = -1001000000002
)

func newTestStore(t *testing.T, pageSize int) *Store {
	t.Helper()
	database, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "journal.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	// a single connection makes a held cursor deadlock the page queries
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := database.AutoMigrate(&Entry{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	store, err := NewStore(StoreConfig{
		Database: database,
		Clock:    func() time.Time { return time.Unix(1760000000, 0) },
		PageSize: pageSize,
	})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	return store
}

func TestRecordMessageAndReactionsMerge(t *testing.T) {
	store := newTestStore(t, 0)
	ctx := context.Background()

	thumbs := []reactions.Reaction{{Type: reactions.TypeEmoji, Emoji: "👍", Count: 2}}
	if err := store.RecordReactions(ctx, channelA, 10, thumbs); err != nil {
		t.Fatalf("record reactions failed: %v", err)
	}
	if _, found, err := store.FetchByID(ctx, channelA, 10); err != nil || found {
		t.Fatalf("expected reaction-only entry to stay hidden, found=%v err=%v", found, err)
	}

	if err := store.RecordMessage(ctx, mirror.ObservedMessage{Channel: channelA, ID: 10, Text: "hello"}); err != nil {
		t.Fatalf("record message failed: %v", err)
	}
	message, found, err := store.FetchByID(ctx, channelA, 10)
	if err != nil || !found {
		t.Fatalf("expected entry, found=%v err=%v", found, err)
	}
	if message.Text != "hello" {
		t.Fatalf("unexpected text %q", message.Text)
	}
	if len(message.Reactions) != 1 || message.Reactions[0] != thumbs[0] {
		t.Fatalf("expected reactions preserved, got %+v", message.Reactions)
	}
}

func TestRecordCopyCarriesSourceShape(t *testing.T) {
	store := newTestStore(t, 0)
	ctx := context.Background()

	if err := store.RecordMessage(ctx, mirror.ObservedMessage{Channel: channelA, ID: 10, Caption: "sunset", HasMedia: true}); err != nil {
		t.Fatalf("record message failed: %v", err)
	}
	if err := store.RecordCopy(ctx, mirror.SourceRef{Channel: channelA, MessageID: 10}, channelB, 501); err != nil {
		t.Fatalf("record copy failed: %v", err)
	}
	copied, found, err := store.FetchByID(ctx, channelB, 501)
	if err != nil || !found {
		t.Fatalf("expected copy entry, found=%v err=%v", found, err)
	}
	if !copied.HasMedia || copied.Caption != "sunset" || !copied.UsesCaption() {
		t.Fatalf("unexpected copy shape %+v", copied)
	}

	if err := store.RecordCopy(ctx, mirror.SourceRef{Channel: channelA, MessageID: 99}, channelB, 502); err != nil {
		t.Fatalf("record copy of unknown source failed: %v", err)
	}
	if _, found, _ := store.FetchByID(ctx, channelB, 502); found {
		t.Fatalf("expected no entry for an unknown source")
	}
}

func TestRecordEditUpdatesBody(t *testing.T) {
	store := newTestStore(t, 0)
	ctx := context.Background()

	if err := store.RecordMessage(ctx, mirror.ObservedMessage{Channel: channelB, ID: 501, Text: "hello"}); err != nil {
		t.Fatalf("record message failed: %v", err)
	}
	if err := store.RecordEdit(ctx, channelB, 501, "hello v2", false); err != nil {
		t.Fatalf("record edit failed: %v", err)
	}
	if err := store.RecordEdit(ctx, channelB, 777, "caption", true); err != nil {
		t.Fatalf("record edit of unseen message failed: %v", err)
	}

	edited, _, _ := store.FetchByID(ctx, channelB, 501)
	if edited.Text != "hello v2" {
		t.Fatalf("expected edited text, got %q", edited.Text)
	}
	created, found, _ := store.FetchByID(ctx, channelB, 777)
	if !found || created.Caption != "caption" || !created.HasMedia {
		t.Fatalf("expected caption entry, got %+v found=%v", created, found)
	}
}

func TestListRecentPagesFreshestFirst(t *testing.T) {
	store := newTestStore(t, 2)
	ctx := context.Background()

	for id := int64(1); id <= 7; id++ {
		if err := store.RecordMessage(ctx, mirror.ObservedMessage{Channel: channelA, ID: id, Text: "m"}); err != nil {
			t.Fatalf("record message failed: %v", err)
		}
	}
	if err := store.RecordMessage(ctx, mirror.ObservedMessage{Channel: channelB, ID: 100, Text: "other"}); err != nil {
		t.Fatalf("record message failed: %v", err)
	}

	tests := []struct {
		name     string
		limit    int
		expected []int64
	}{
		{name: "limited", limit: 5, expected: []int64{7, 6, 5, 4, 3}},
		{name: "exhausted", limit: 100, expected: []int64{7, 6, 5, 4, 3, 2, 1}},
		{name: "zero", limit: 0, expected: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ids []int64
			for message, err := range store.ListRecent(ctx, channelA, tt.limit) {
				if err != nil {
					t.Fatalf("list recent failed: %v", err)
				}
				// touching the database mid-iteration must not block
				if _, _, err := store.FetchByID(ctx, channelA, message.ID); err != nil {
					t.Fatalf("fetch during iteration failed: %v", err)
				}
				ids = append(ids, message.ID)
			}
			if len(ids) != len(tt.expected) {
				t.Fatalf("got %v, want %v", ids, tt.expected)
			}
			for index := range ids {
				if ids[index] != tt.expected[index] {
					t.Fatalf("got %v, want %v", ids, tt.expected)
				}
			}
		})
	}
}

func TestListRecentStopsWhenConsumerBreaks(t *testing.T) {
	store := newTestStore(t, 2)
	ctx := context.Background()
	for id := int64(1); id <= 5; id++ {
		if err := store.RecordMessage(ctx, mirror.ObservedMessage{Channel: channelA, ID: id, Text: "m"}); err != nil {
			t.Fatalf("record message failed: %v", err)
		}
	}

	seen := 0
	for range store.ListRecent(ctx, channelA, 5) {
		seen++
		if seen == 3 {
			break
		}
	}
	if seen != 3 {
		t.Fatalf("expected to stop at 3, saw %d", seen)
	}
}

func TestRecordRejectsInvalidReferences(t *testing.T) {
	store := newTestStore(t, 0)
	ctx := context.Background()

	if err := store.RecordMessage(ctx, mirror.ObservedMessage{Channel: channelA}); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
	if err := store.RecordReactions(ctx, 0, 1, nil); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
	if _, err := NewStore(StoreConfig{}); !errors.Is(err, ErrMissingDatabase) {
		t.Fatalf("expected ErrMissingDatabase, got %v", err)
	}
}
