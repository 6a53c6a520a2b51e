package mirror

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

const (
	opEngineNew  = "mirror.engine.new"
	opHandlePost = "mirror.handle_post"
	opHandleEdit = "mirror.handle_edit"
)

var errMissingAggregator = errors.New("media group aggregator is required")

// EngineConfig describes the dependencies of an Engine.
type EngineConfig struct {
	Channels   Pair
	Publisher  Publisher
	Reader     Reader
	Mappings   Mappings
	Aggregator *Aggregator
	Dispatch   DispatchTable
	Clock      func() time.Time
	Logger     *zap.Logger
	Observer   Observer
}

// Engine mirrors new and edited posts between the two channels of a Pair.
type Engine struct {
	channels   Pair
	publisher  Publisher
	reader     Reader
	mappings   Mappings
	aggregator *Aggregator
	dispatch   DispatchTable
	clock      func() time.Time
	logger     *zap.Logger
	observer   Observer
	replies    replyResolver
}

// NewEngine validates cfg and returns an Engine. Reader is optional; without
// it edits follow the shape of the edited post.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if err := cfg.Channels.Validate(); err != nil {
		return nil, newServiceError(opEngineNew, "invalid_channels", err)
	}
	if cfg.Publisher == nil {
		return nil, newServiceError(opEngineNew, "missing_publisher", errMissingPublisher)
	}
	if cfg.Mappings == nil {
		return nil, newServiceError(opEngineNew, "missing_mappings", errMissingMappings)
	}
	if cfg.Aggregator == nil {
		return nil, newServiceError(opEngineNew, "missing_aggregator", errMissingAggregator)
	}
	dispatch := cfg.Dispatch
	if dispatch == nil {
		dispatch = DefaultDispatchTable()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	observer := cfg.Observer
	if observer == nil {
		observer = NopObserver()
	}
	return &Engine{
		channels:   cfg.Channels,
		publisher:  cfg.Publisher,
		reader:     cfg.Reader,
		mappings:   cfg.Mappings,
		aggregator: cfg.Aggregator,
		dispatch:   dispatch,
		clock:      clock,
		logger:     logger,
		observer:   observer,
		replies:    replyResolver{mappings: cfg.Mappings, logger: logger},
	}, nil
}

// HandlePost mirrors a new post into the other channel. Delivery failures are
// logged and returned; the caller has nothing further to do with them.
func (e *Engine) HandlePost(ctx context.Context, post Post) error {
	target, err := e.channels.Other(post.Channel)
	if err != nil {
		e.logger.Debug("ignoring post from unmonitored channel",
			zap.Int64("channel_id", post.Channel),
			zap.Int64("message_id", post.MessageID))
		return nil
	}

	_, isCopy, err := e.mappings.ResolveBackward(ctx, post.Channel, post.MessageID, target)
	if err != nil {
		e.logError(opHandlePost, "echo_lookup_failed", err, post, target)
		return newServiceError(opHandlePost, "echo_lookup_failed", err)
	}
	if isCopy {
		e.logger.Debug("ignoring mirrored copy",
			zap.Int64("channel_id", post.Channel),
			zap.Int64("message_id", post.MessageID))
		return nil
	}

	if post.InMediaGroup() {
		e.aggregator.Add(ctx, post, target)
		return nil
	}

	replyTo := e.replies.resolve(ctx, post, target)
	strategy := e.dispatch.StrategyFor(post.Kind)
	published, err := strategy.publish(ctx, e.publisher, target, post, replyTo)
	if err != nil {
		e.logger.Warn("publish failed, retrying as plain forward",
			zap.String("strategy", string(strategy)),
			zap.String("kind", string(post.Kind)),
			zap.Int64("channel_id", post.Channel),
			zap.Int64("message_id", post.MessageID),
			zap.Int64("target_channel_id", target),
			zap.Error(err))
		published, err = e.publisher.Forward(ctx, target, post.Ref())
	}
	if err != nil {
		e.logError(opHandlePost, "publish_failed", err, post, target)
		e.observer.Notify(Event{
			Type:          EventMirrorFailed,
			Channel:       post.Channel,
			MessageID:     post.MessageID,
			TargetChannel: target,
			Timestamp:     e.clock().UTC(),
		})
		return err
	}

	if err := e.mappings.Put(ctx, post.Channel, post.MessageID, target, published); err != nil {
		e.logError(opHandlePost, "mapping_write_failed", err, post, target,
			zap.Int64("target_message_id", published))
		return newServiceError(opHandlePost, "mapping_write_failed", err)
	}

	e.logger.Info("post mirrored",
		zap.Int64("channel_id", post.Channel),
		zap.Int64("message_id", post.MessageID),
		zap.Int64("target_channel_id", target),
		zap.Int64("target_message_id", published))
	e.observer.Notify(Event{
		Type:            EventMirrored,
		Channel:         post.Channel,
		MessageID:       post.MessageID,
		TargetChannel:   target,
		TargetMessageID: published,
		Timestamp:       e.clock().UTC(),
	})
	return nil
}

// HandleEdit propagates an edited post to its mirrored copy.
func (e *Engine) HandleEdit(ctx context.Context, post Post) error {
	target, err := e.channels.Other(post.Channel)
	if err != nil {
		return nil
	}

	mirrored, found, err := e.mappings.ResolveForward(ctx, post.Channel, post.MessageID, target)
	if err != nil {
		e.logError(opHandleEdit, "lookup_failed", err, post, target)
		return newServiceError(opHandleEdit, "lookup_failed", err)
	}
	if !found {
		e.logger.Debug("edited post has no mirrored copy",
			zap.Int64("channel_id", post.Channel),
			zap.Int64("message_id", post.MessageID))
		return nil
	}

	useCaption := post.UsesCaption()
	if e.reader != nil {
		current, ok, readErr := e.reader.FetchByID(ctx, target, mirrored)
		switch {
		case readErr != nil:
			e.logger.Warn("mirrored message lookup failed, using edited post shape",
				zap.Int64("channel_id", target),
				zap.Int64("message_id", mirrored),
				zap.Error(readErr))
		case ok:
			useCaption = current.UsesCaption()
		}
	}

	body := post.Body()
	if useCaption {
		err = e.publisher.EditCaption(ctx, target, mirrored, body)
	} else {
		err = e.publisher.EditText(ctx, target, mirrored, body)
	}
	if err != nil {
		e.logError(opHandleEdit, "edit_failed", err, post, target,
			zap.Int64("target_message_id", mirrored),
			zap.Bool("caption", useCaption))
		return err
	}

	e.observer.Notify(Event{
		Type:            EventEdited,
		Channel:         post.Channel,
		MessageID:       post.MessageID,
		TargetChannel:   target,
		TargetMessageID: mirrored,
		Timestamp:       e.clock().UTC(),
	})
	return nil
}

// Channels returns the monitored pair.
func (e *Engine) Channels() Pair {
	return e.channels
}

// Aggregator exposes the media group aggregator for status reporting.
func (e *Engine) Aggregator() *Aggregator {
	return e.aggregator
}

func (e *Engine) logError(operation, reason string, err error, post Post, target int64, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Int64("channel_id", post.Channel),
		zap.Int64("message_id", post.MessageID),
		zap.Int64("target_channel_id", target),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	e.logger.Error("mirror engine error", attrs...)
}
