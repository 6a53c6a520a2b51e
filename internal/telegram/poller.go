package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/channel-mirror/internal/mirror"
)

const (
	methodGetUpdates      = "getUpdates"
	defaultPollTimeout    = 25
	defaultRetryDelay     = 3 * time.Second
	maxRetryAfterDuration = time.Minute
)

var errMissingHandler = errors.New("telegram: post handler required")

// Handler consumes new and edited channel posts.
type Handler interface {
	HandlePost(ctx context.Context, post mirror.Post) error
	HandleEdit(ctx context.Context, post mirror.Post) error
}

// PollerConfig describes the dependencies of a Poller.
type PollerConfig struct {
	Client      Client
	Handler     Handler
	Journal     Recorder
	Channels    mirror.Pair
	PollTimeout int
	RetryDelay  time.Duration
	Logger      *zap.Logger
}

// Poller long-polls getUpdates and feeds the monitored channels' posts to the
// handler one at a time.
type Poller struct {
	client      Client
	handler     Handler
	journal     Recorder
	channels    mirror.Pair
	pollTimeout int
	retryDelay  time.Duration
	logger      *zap.Logger
}

// NewPoller validates cfg and returns a Poller. Journal is optional.
func NewPoller(cfg PollerConfig) (*Poller, error) {
	if cfg.Client == nil {
		return nil, ErrMissingClient
	}
	if cfg.Handler == nil {
		return nil, errMissingHandler
	}
	if err := cfg.Channels.Validate(); err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	pollTimeout := cfg.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = defaultPollTimeout
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		client:      cfg.Client,
		handler:     cfg.Handler,
		journal:     cfg.Journal,
		channels:    cfg.Channels,
		pollTimeout: pollTimeout,
		retryDelay:  retryDelay,
		logger:      logger,
	}, nil
}

type fetchResult struct {
	updates []Update
	err     error
}

// Run polls until ctx is done. A long poll in flight when ctx ends is
// abandoned and its updates are redelivered on the next start.
func (p *Poller) Run(ctx context.Context) error {
	offset := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		results := make(chan fetchResult, 1)
		go func(offset int) {
			updates, err := p.fetch(offset)
			results <- fetchResult{updates: updates, err: err}
		}(offset)

		var result fetchResult
		select {
		case <-ctx.Done():
			return nil
		case result = <-results:
		}
		if result.err != nil {
			delay := p.backoff(result.err)
			p.logger.Warn("getUpdates failed",
				zap.Int("offset", offset),
				zap.Duration("retry_in", delay),
				zap.Error(result.err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			continue
		}
		offset = p.Dispatch(ctx, result.updates, offset)
	}
}

// Dispatch handles updates in order and returns the next offset.
func (p *Poller) Dispatch(ctx context.Context, updates []Update, offset int) int {
	for _, update := range updates {
		if update.UpdateID >= offset {
			offset = update.UpdateID + 1
		}
		p.dispatch(ctx, update)
	}
	return offset
}

func (p *Poller) fetch(offset int) ([]Update, error) {
	params := tgbotapi.Params{}
	params.AddNonZero("offset", offset)
	params.AddNonZero("timeout", p.pollTimeout)
	if err := params.AddInterface("allowed_updates", allowedUpdates); err != nil {
		return nil, err
	}
	response, err := p.client.MakeRequest(methodGetUpdates, params)
	if err != nil {
		return nil, err
	}
	var updates []Update
	if err := json.Unmarshal(response.Result, &updates); err != nil {
		return nil, fmt.Errorf("telegram: decode updates: %w", err)
	}
	return updates, nil
}

func (p *Poller) backoff(err error) time.Duration {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		return min(time.Duration(apiErr.RetryAfter)*time.Second, maxRetryAfterDuration)
	}
	return p.retryDelay
}

func (p *Poller) dispatch(ctx context.Context, update Update) {
	switch {
	case update.ChannelPost != nil:
		if !p.observe(ctx, update.ChannelPost) {
			return
		}
		post := toPost(update.ChannelPost)
		if err := p.handler.HandlePost(ctx, post); err != nil {
			p.logger.Debug("channel post not mirrored",
				zap.Int("update_id", update.UpdateID),
				zap.Int64("channel_id", post.Channel),
				zap.Int64("message_id", post.MessageID),
				zap.Error(err))
		}
	case update.EditedChannelPost != nil:
		if !p.observe(ctx, update.EditedChannelPost) {
			return
		}
		post := toPost(update.EditedChannelPost)
		if err := p.handler.HandleEdit(ctx, post); err != nil {
			p.logger.Debug("channel edit not mirrored",
				zap.Int("update_id", update.UpdateID),
				zap.Int64("channel_id", post.Channel),
				zap.Int64("message_id", post.MessageID),
				zap.Error(err))
		}
	case update.MessageReactionCount != nil:
		counts := update.MessageReactionCount
		if !p.channels.Contains(counts.Chat.ID) || p.journal == nil {
			return
		}
		if err := p.journal.RecordReactions(ctx, counts.Chat.ID, int64(counts.MessageID), counts.breakdown()); err != nil {
			p.logger.Warn("journal write failed",
				zap.Int64("channel_id", counts.Chat.ID),
				zap.Int("message_id", counts.MessageID),
				zap.Error(err))
		}
	}
}

// observe journals a post from a monitored channel and reports whether it
// should be handled.
func (p *Poller) observe(ctx context.Context, message *ChannelMessage) bool {
	if message.Chat == nil || !p.channels.Contains(message.Chat.ID) {
		return false
	}
	if p.journal != nil {
		if err := p.journal.RecordMessage(ctx, observedFromMessage(message)); err != nil {
			p.logger.Warn("journal write failed",
				zap.Int64("channel_id", message.Chat.ID),
				zap.Int("message_id", message.MessageID),
				zap.Error(err))
		}
	}
	return true
}
