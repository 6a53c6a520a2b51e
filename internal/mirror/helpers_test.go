package mirror

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/channel-mirror/internal/mapping"
)

const (
	channelA int64 = -1001000000001
	channelB int64 = -1001000000002
)

var (
	testPair  = Pair{First: channelA, Second: channelB}
	errRefuse = errors.New("refused by platform")
)

func fixedClock() time.Time {
	return time.Date(2026, time.March, 3, 12, 0, 0, 0, time.UTC)
}

type copyCall struct {
	Target  int64
	Source  SourceRef
	ReplyTo int64
}

type forwardCall struct {
	Target int64
	Source SourceRef
}

type batchCall struct {
	Target  int64
	Items   []MediaItem
	ReplyTo int64
}

type editCall struct {
	Channel   int64
	MessageID int64
	Body      string
	Caption   bool
}

type fakePublisher struct {
	mu sync.Mutex

	nextID   int64
	copies   []copyCall
	forwards []forwardCall
	batches  []batchCall
	edits    []editCall

	copyErr        error
	forwardErr     error
	batchErr       error
	batchLimit     int
	editErr        error
	forwardFailFor map[int64]bool
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{nextID: 500, forwardFailFor: make(map[int64]bool)}
}

func (p *fakePublisher) issue() int64 {
	p.nextID++
	return p.nextID
}

func (p *fakePublisher) SendCopy(_ context.Context, target int64, source SourceRef, replyTo int64) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.copyErr != nil {
		return 0, NewDeliveryError("copy", target, source.MessageID, p.copyErr)
	}
	p.copies = append(p.copies, copyCall{Target: target, Source: source, ReplyTo: replyTo})
	return p.issue(), nil
}

func (p *fakePublisher) Forward(_ context.Context, target int64, source SourceRef) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.forwardErr != nil || p.forwardFailFor[source.MessageID] {
		return 0, NewDeliveryError("forward", target, source.MessageID, errRefuse)
	}
	p.forwards = append(p.forwards, forwardCall{Target: target, Source: source})
	return p.issue(), nil
}

func (p *fakePublisher) SendMediaBatch(_ context.Context, target int64, items []MediaItem, replyTo int64) ([]int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.batchErr != nil {
		return nil, NewDeliveryError("media_batch", target, 0, p.batchErr)
	}
	p.batches = append(p.batches, batchCall{Target: target, Items: append([]MediaItem(nil), items...), ReplyTo: replyTo})
	count := len(items)
	if p.batchLimit > 0 {
		count = min(count, p.batchLimit)
	}
	published := make([]int64, count)
	for index := range published {
		published[index] = p.issue()
	}
	return published, nil
}

func (p *fakePublisher) EditText(_ context.Context, channel, messageID int64, text string) error {
	return p.recordEdit(channel, messageID, text, false)
}

func (p *fakePublisher) EditCaption(_ context.Context, channel, messageID int64, caption string) error {
	return p.recordEdit(channel, messageID, caption, true)
}

func (p *fakePublisher) recordEdit(channel, messageID int64, body string, caption bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.editErr != nil {
		return NewDeliveryError("edit", channel, messageID, p.editErr)
	}
	p.edits = append(p.edits, editCall{Channel: channel, MessageID: messageID, Body: body, Caption: caption})
	return nil
}

func (p *fakePublisher) snapshot() (copies []copyCall, forwards []forwardCall, batches []batchCall, edits []editCall) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]copyCall(nil), p.copies...),
		append([]forwardCall(nil), p.forwards...),
		append([]batchCall(nil), p.batches...),
		append([]editCall(nil), p.edits...)
}

type fakeReader struct {
	messages map[SourceRef]ObservedMessage
	err      error
}

func (r *fakeReader) FetchByID(_ context.Context, channel, messageID int64) (ObservedMessage, bool, error) {
	if r.err != nil {
		return ObservedMessage{}, false, r.err
	}
	message, ok := r.messages[SourceRef{Channel: channel, MessageID: messageID}]
	return message, ok, nil
}

type manualTimer struct {
	scheduler *manualScheduler
	delay     time.Duration
	callback  func()
	stopped   bool
	fired     bool
}

func (t *manualTimer) Stop() bool {
	t.scheduler.mu.Lock()
	defer t.scheduler.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// manualScheduler only runs callbacks when a test fires them.
type manualScheduler struct {
	mu     sync.Mutex
	timers []*manualTimer
}

func (s *manualScheduler) AfterFunc(delay time.Duration, callback func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	timer := &manualTimer{scheduler: s, delay: delay, callback: callback}
	s.timers = append(s.timers, timer)
	return timer
}

// fire runs every pending, unstopped timer registered with delay.
func (s *manualScheduler) fire(delay time.Duration) int {
	s.mu.Lock()
	due := make([]*manualTimer, 0)
	for _, timer := range s.timers {
		if timer.delay == delay && !timer.stopped && !timer.fired {
			timer.fired = true
			due = append(due, timer)
		}
	}
	s.mu.Unlock()
	for _, timer := range due {
		timer.callback()
	}
	return len(due)
}

func (s *manualScheduler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *manualScheduler) stoppedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	stopped := 0
	for _, timer := range s.timers {
		if timer.stopped {
			stopped++
		}
	}
	return stopped
}

type sequenceIDs struct {
	mu   sync.Mutex
	next int
}

func (p *sequenceIDs) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return "generation-" + strconv.Itoa(p.next), nil
}

type recordingObserver struct {
	mu     sync.Mutex
	events []Event
}

func (o *recordingObserver) Notify(event Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, event)
}

func (o *recordingObserver) types() []EventType {
	o.mu.Lock()
	defer o.mu.Unlock()
	types := make([]EventType, 0, len(o.events))
	for _, event := range o.events {
		types = append(types, event.Type)
	}
	return types
}

func newMappingStore(t *testing.T) *mapping.Store {
	t.Helper()
	database, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "mirror.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := database.AutoMigrate(&mapping.MessageMapping{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	store, err := mapping.NewStore(mapping.StoreConfig{Database: database, Clock: fixedClock})
	if err != nil {
		t.Fatalf("failed to build mapping store: %v", err)
	}
	return store
}

type aggregatorFixture struct {
	aggregator *Aggregator
	publisher  *fakePublisher
	mappings   *mapping.Store
	scheduler  *manualScheduler
	observer   *recordingObserver
}

func newAggregatorFixture(t *testing.T, logger *zap.Logger) aggregatorFixture {
	t.Helper()
	if logger == nil {
		logger = zap.NewNop()
	}
	fixture := aggregatorFixture{
		publisher: newFakePublisher(),
		mappings:  newMappingStore(t),
		scheduler: &manualScheduler{},
		observer:  &recordingObserver{},
	}
	aggregator, err := NewAggregator(AggregatorConfig{
		Publisher:  fixture.publisher,
		Mappings:   fixture.mappings,
		Scheduler:  fixture.scheduler,
		Clock:      fixedClock,
		IDProvider: &sequenceIDs{},
		Logger:     logger,
		Observer:   fixture.observer,
	})
	if err != nil {
		t.Fatalf("failed to build aggregator: %v", err)
	}
	fixture.aggregator = aggregator
	return fixture
}

func photoPost(channel, messageID int64, groupID string) Post {
	return Post{
		Channel:      channel,
		MessageID:    messageID,
		Kind:         KindPhoto,
		Media:        &MediaRef{Type: MediaPhoto, FileID: "file-" + strconv.FormatInt(messageID, 10)},
		MediaGroupID: groupID,
	}
}

func mustResolveForward(t *testing.T, store *mapping.Store, source, messageID, target int64) int64 {
	t.Helper()
	copyID, found, err := store.ResolveForward(context.Background(), source, messageID, target)
	if err != nil {
		t.Fatalf("resolve forward failed: %v", err)
	}
	if !found {
		t.Fatalf("expected mapping for %d/%d", source, messageID)
	}
	return copyID
}
