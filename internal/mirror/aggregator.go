package mirror

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultFlushDelay    = 2 * time.Second
	DefaultFallbackDelay = 5 * time.Second

	opAggregatorNew = "mirror.aggregator.new"
)

var (
	errMissingPublisher    = errors.New("publisher is required")
	errMissingMappings     = errors.New("mapping store is required")
	errFallbackNotLater    = errors.New("fallback delay must be greater than flush delay")
	errBatchLengthMismatch = errors.New("batch publish returned a different number of messages")
)

type groupState int32

const (
	stateCollecting groupState = iota
	stateProcessed
	stateFallbackSent
)

func (s groupState) String() string {
	switch s {
	case stateCollecting:
		return "collecting"
	case stateProcessed:
		return "processed"
	case stateFallbackSent:
		return "fallback_sent"
	default:
		return "unknown"
	}
}

// groupBuffer collects the items of one media group until a timer settles it.
type groupBuffer struct {
	key           string
	groupID       string
	generation    string
	sourceChannel int64
	targetChannel int64
	createdAt     time.Time

	state atomic.Int32

	mu            sync.Mutex
	posts         []Post
	flushTimer    Timer
	fallbackTimer Timer
}

func (b *groupBuffer) currentState() groupState {
	return groupState(b.state.Load())
}

// settle moves the buffer out of collecting. Only one caller ever wins.
func (b *groupBuffer) settle(to groupState) bool {
	return b.state.CompareAndSwap(int32(stateCollecting), int32(to))
}

// tryAppend adds post unless the buffer was already settled.
func (b *groupBuffer) tryAppend(post Post) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.currentState() != stateCollecting {
		return false
	}
	b.posts = append(b.posts, post)
	return true
}

// drain returns the buffered posts in ascending message id order.
func (b *groupBuffer) drain() []Post {
	b.mu.Lock()
	defer b.mu.Unlock()
	posts := slices.Clone(b.posts)
	b.posts = nil
	slices.SortStableFunc(posts, func(left, right Post) int {
		switch {
		case left.MessageID < right.MessageID:
			return -1
		case left.MessageID > right.MessageID:
			return 1
		default:
			return 0
		}
	})
	return posts
}

func (b *groupBuffer) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.posts)
}

func (b *groupBuffer) stopFlushTimer() {
	b.mu.Lock()
	timer := b.flushTimer
	b.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}
}

func (b *groupBuffer) stopFallbackTimer() {
	b.mu.Lock()
	timer := b.fallbackTimer
	b.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}
}

// GroupStatus is a point-in-time view of an active media group buffer.
type GroupStatus struct {
	GroupID       string    `json:"group_id"`
	Generation    string    `json:"generation"`
	SourceChannel int64     `json:"source_channel_id"`
	TargetChannel int64     `json:"target_channel_id"`
	Items         int       `json:"items"`
	State         string    `json:"state"`
	CreatedAt     time.Time `json:"created_at"`
}

// AggregatorConfig describes the dependencies of an Aggregator.
type AggregatorConfig struct {
	Publisher     Publisher
	Mappings      Mappings
	Scheduler     Scheduler
	FlushDelay    time.Duration
	FallbackDelay time.Duration
	Clock         func() time.Time
	IDProvider    IDProvider
	Logger        *zap.Logger
	Observer      Observer
}

// Aggregator batches album items into a single publish, falling back to
// forwarding each item when the batch cannot be sent in time.
type Aggregator struct {
	publisher     Publisher
	mappings      Mappings
	scheduler     Scheduler
	flushDelay    time.Duration
	fallbackDelay time.Duration
	clock         func() time.Time
	idProvider    IDProvider
	logger        *zap.Logger
	observer      Observer
	replies       replyResolver

	mu      sync.Mutex
	buffers map[string]*groupBuffer
}

// NewAggregator validates cfg and returns an Aggregator.
func NewAggregator(cfg AggregatorConfig) (*Aggregator, error) {
	if cfg.Publisher == nil {
		return nil, newServiceError(opAggregatorNew, "missing_publisher", errMissingPublisher)
	}
	if cfg.Mappings == nil {
		return nil, newServiceError(opAggregatorNew, "missing_mappings", errMissingMappings)
	}
	flushDelay := cfg.FlushDelay
	if flushDelay <= 0 {
		flushDelay = DefaultFlushDelay
	}
	fallbackDelay := cfg.FallbackDelay
	if fallbackDelay <= 0 {
		fallbackDelay = DefaultFallbackDelay
	}
	if fallbackDelay <= flushDelay {
		return nil, newServiceError(opAggregatorNew, "invalid_delays", errFallbackNotLater)
	}
	scheduler := cfg.Scheduler
	if scheduler == nil {
		scheduler = NewRealScheduler()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	observer := cfg.Observer
	if observer == nil {
		observer = NopObserver()
	}
	return &Aggregator{
		publisher:     cfg.Publisher,
		mappings:      cfg.Mappings,
		scheduler:     scheduler,
		flushDelay:    flushDelay,
		fallbackDelay: fallbackDelay,
		clock:         clock,
		idProvider:    idProvider,
		logger:        logger,
		observer:      observer,
		replies:       replyResolver{mappings: cfg.Mappings, logger: logger},
		buffers:       make(map[string]*groupBuffer),
	}, nil
}

func groupKey(channel int64, groupID string) string {
	return strconv.FormatInt(channel, 10) + ":" + groupID
}

// Add buffers post for its media group. The first item of a group schedules
// the flush and fallback timers.
func (a *Aggregator) Add(ctx context.Context, post Post, targetChannel int64) {
	key := groupKey(post.Channel, post.MediaGroupID)
	for {
		a.mu.Lock()
		buffer, ok := a.buffers[key]
		if !ok {
			buffer = a.startBuffer(ctx, key, post, targetChannel)
			a.buffers[key] = buffer
			a.mu.Unlock()
			return
		}
		a.mu.Unlock()

		if buffer.tryAppend(post) {
			a.logger.Debug("media group item buffered",
				zap.String("group_id", buffer.groupID),
				zap.String("generation", buffer.generation),
				zap.Int64("channel_id", post.Channel),
				zap.Int64("message_id", post.MessageID))
			return
		}

		// The buffer settled while this item was in flight; detach it so the
		// item opens a new generation.
		a.mu.Lock()
		if a.buffers[key] == buffer {
			delete(a.buffers, key)
		}
		a.mu.Unlock()
	}
}

func (a *Aggregator) startBuffer(ctx context.Context, key string, post Post, targetChannel int64) *groupBuffer {
	generation, err := a.idProvider.NewID()
	if err != nil {
		a.logger.Warn("media group generation id unavailable",
			zap.String("group_id", post.MediaGroupID),
			zap.Error(err))
	}
	buffer := &groupBuffer{
		key:           key,
		groupID:       post.MediaGroupID,
		generation:    generation,
		sourceChannel: post.Channel,
		targetChannel: targetChannel,
		createdAt:     a.clock().UTC(),
		posts:         []Post{post},
	}
	timerCtx := context.WithoutCancel(ctx)

	buffer.mu.Lock()
	buffer.flushTimer = a.scheduler.AfterFunc(a.flushDelay, func() {
		a.onFlush(timerCtx, buffer)
	})
	buffer.fallbackTimer = a.scheduler.AfterFunc(a.fallbackDelay, func() {
		a.onFallback(timerCtx, buffer)
	})
	buffer.mu.Unlock()

	a.logger.Debug("media group started",
		zap.String("group_id", buffer.groupID),
		zap.String("generation", buffer.generation),
		zap.Int64("channel_id", post.Channel),
		zap.Int64("message_id", post.MessageID),
		zap.Int64("target_channel_id", targetChannel))
	return buffer
}

func (a *Aggregator) remove(buffer *groupBuffer) {
	a.mu.Lock()
	if a.buffers[buffer.key] == buffer {
		delete(a.buffers, buffer.key)
	}
	a.mu.Unlock()
}

func (a *Aggregator) onFlush(ctx context.Context, buffer *groupBuffer) {
	if !buffer.settle(stateProcessed) {
		return
	}
	buffer.stopFallbackTimer()
	defer a.remove(buffer)

	posts := buffer.drain()
	if len(posts) == 0 {
		return
	}
	items, err := batchItems(posts)
	if err == nil {
		err = a.publishBatch(ctx, buffer, posts, items)
	}
	if err != nil {
		a.logger.Warn("media group batch failed, forwarding items individually",
			zap.String("group_id", buffer.groupID),
			zap.String("generation", buffer.generation),
			zap.Int64("channel_id", buffer.sourceChannel),
			zap.Int64("target_channel_id", buffer.targetChannel),
			zap.Int("items", len(posts)),
			zap.Error(err))
		a.forwardEach(ctx, buffer, posts)
	}
}

func (a *Aggregator) onFallback(ctx context.Context, buffer *groupBuffer) {
	if !buffer.settle(stateFallbackSent) {
		return
	}
	buffer.stopFlushTimer()
	defer a.remove(buffer)

	posts := buffer.drain()
	if len(posts) == 0 {
		return
	}
	a.logger.Info("media group fallback fired",
		zap.String("group_id", buffer.groupID),
		zap.String("generation", buffer.generation),
		zap.Int64("channel_id", buffer.sourceChannel),
		zap.Int("items", len(posts)))
	a.forwardEach(ctx, buffer, posts)
}

func (a *Aggregator) publishBatch(ctx context.Context, buffer *groupBuffer, posts []Post, items []MediaItem) error {
	replyTo := a.replies.resolve(ctx, posts[0], buffer.targetChannel)
	published, err := a.publisher.SendMediaBatch(ctx, buffer.targetChannel, items, replyTo)
	if err != nil {
		return err
	}
	if len(published) == 0 {
		return errBatchLengthMismatch
	}
	if len(published) != len(posts) {
		a.logger.Warn("media group batch returned a different number of messages",
			zap.String("group_id", buffer.groupID),
			zap.Int("items", len(posts)),
			zap.Int("published", len(published)),
			zap.Error(errBatchLengthMismatch))
	}
	pairs := min(len(published), len(posts))
	for index := 0; index < pairs; index++ {
		a.recordMapping(ctx, buffer, posts[index], published[index])
	}
	a.observer.Notify(Event{
		Type:            EventGroupFlushed,
		Channel:         buffer.sourceChannel,
		MessageID:       posts[0].MessageID,
		TargetChannel:   buffer.targetChannel,
		TargetMessageID: published[0],
		GroupID:         buffer.groupID,
		Items:           pairs,
		Timestamp:       a.clock().UTC(),
	})
	if pairs < len(posts) {
		a.forwardEach(ctx, buffer, posts[pairs:])
	}
	return nil
}

// forwardEach forwards posts one by one. Failed items are logged and skipped.
func (a *Aggregator) forwardEach(ctx context.Context, buffer *groupBuffer, posts []Post) {
	forwarded := 0
	for _, post := range posts {
		published, err := a.publisher.Forward(ctx, buffer.targetChannel, post.Ref())
		if err != nil {
			a.logger.Error("media group item forward failed",
				zap.String("group_id", buffer.groupID),
				zap.String("generation", buffer.generation),
				zap.Int64("channel_id", post.Channel),
				zap.Int64("message_id", post.MessageID),
				zap.Int64("target_channel_id", buffer.targetChannel),
				zap.Error(err))
			continue
		}
		a.recordMapping(ctx, buffer, post, published)
		forwarded++
	}
	a.observer.Notify(Event{
		Type:          EventGroupFallback,
		Channel:       buffer.sourceChannel,
		TargetChannel: buffer.targetChannel,
		GroupID:       buffer.groupID,
		Items:         forwarded,
		Timestamp:     a.clock().UTC(),
	})
}

func (a *Aggregator) recordMapping(ctx context.Context, buffer *groupBuffer, post Post, published int64) {
	if err := a.mappings.Put(ctx, post.Channel, post.MessageID, buffer.targetChannel, published); err != nil {
		a.logger.Error("media group mapping write failed",
			zap.String("group_id", buffer.groupID),
			zap.Int64("channel_id", post.Channel),
			zap.Int64("message_id", post.MessageID),
			zap.Int64("target_channel_id", buffer.targetChannel),
			zap.Int64("target_message_id", published),
			zap.Error(err))
	}
}

// Pending lists the buffers that have not been removed yet, oldest first.
func (a *Aggregator) Pending() []GroupStatus {
	a.mu.Lock()
	buffers := make([]*groupBuffer, 0, len(a.buffers))
	for _, buffer := range a.buffers {
		buffers = append(buffers, buffer)
	}
	a.mu.Unlock()

	statuses := make([]GroupStatus, 0, len(buffers))
	for _, buffer := range buffers {
		statuses = append(statuses, GroupStatus{
			GroupID:       buffer.groupID,
			Generation:    buffer.generation,
			SourceChannel: buffer.sourceChannel,
			TargetChannel: buffer.targetChannel,
			Items:         buffer.size(),
			State:         buffer.currentState().String(),
			CreatedAt:     buffer.createdAt,
		})
	}
	slices.SortFunc(statuses, func(left, right GroupStatus) int {
		return left.CreatedAt.Compare(right.CreatedAt)
	})
	return statuses
}

func batchItems(posts []Post) ([]MediaItem, error) {
	items := make([]MediaItem, 0, len(posts))
	for _, post := range posts {
		if post.Media == nil || post.Media.FileID == "" {
			return nil, ErrNoBatchableMedia
		}
		switch post.Media.Type {
		case MediaPhoto, MediaVideo, MediaAudio, MediaDocument:
		default:
			return nil, ErrNoBatchableMedia
		}
		items = append(items, MediaItem{
			Source:  post.Ref(),
			Media:   *post.Media,
			Caption: post.Caption,
		})
	}
	return items, nil
}
