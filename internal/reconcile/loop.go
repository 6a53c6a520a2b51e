package reconcile

import (
	"context"
	"errors"
	"iter"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/channel-mirror/internal/mirror"
	"github.com/MarcoPoloResearchLab/channel-mirror/internal/reactions"
)

const (
	DefaultInterval    = 30 * time.Second
	DefaultRecentLimit = 100
)

var (
	// ErrMissingDependency indicates a required collaborator was not configured.
	ErrMissingDependency = errors.New("reconcile: missing dependency")
)

// Reader lists and fetches channel messages with their raw reactions.
type Reader interface {
	mirror.Reader
	ListRecent(ctx context.Context, channel int64, limit int) iter.Seq2[mirror.ObservedMessage, error]
}

// Snapshots persists the merged tally of each message.
type Snapshots interface {
	Get(ctx context.Context, channelID, messageID int64) (reactions.Tally, error)
	Put(ctx context.Context, channelID, messageID int64, tally reactions.Tally) error
}

// Config describes the dependencies of a Loop.
type Config struct {
	Channels    mirror.Pair
	Reader      Reader
	Publisher   mirror.Publisher
	Mappings    mirror.Mappings
	Snapshots   Snapshots
	Resolver    *reactions.Resolver
	Interval    time.Duration
	RecentLimit int
	Clock       func() time.Time
	Logger      *zap.Logger
	Observer    mirror.Observer
	IDProvider  mirror.IDProvider
}

// CycleReport summarizes one reconciliation pass.
type CycleReport struct {
	CycleID      string    `json:"cycle_id"`
	Scanned      int       `json:"scanned"`
	Changed      int       `json:"changed"`
	Unpaired     int       `json:"unpaired"`
	Edited       int       `json:"edited"`
	EditFailures int       `json:"edit_failures"`
	Errors       int       `json:"errors"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

// Loop keeps the reaction summary of every mirrored pair in step with the
// combined tallies observed on both sides.
type Loop struct {
	channels    mirror.Pair
	reader      Reader
	publisher   mirror.Publisher
	mappings    mirror.Mappings
	snapshots   Snapshots
	resolver    *reactions.Resolver
	interval    time.Duration
	recentLimit int
	clock       func() time.Time
	logger      *zap.Logger
	observer    mirror.Observer
	idProvider  mirror.IDProvider

	cycleMu sync.Mutex
	// messages whose summary is not yet on both copies; revisited even when
	// their tally is unchanged
	retry map[mirror.SourceRef]struct{}
}

// New validates cfg and returns a Loop.
func New(cfg Config) (*Loop, error) {
	if err := cfg.Channels.Validate(); err != nil {
		return nil, err
	}
	switch {
	case cfg.Reader == nil:
		return nil, errors.Join(ErrMissingDependency, errors.New("reader"))
	case cfg.Publisher == nil:
		return nil, errors.Join(ErrMissingDependency, errors.New("publisher"))
	case cfg.Mappings == nil:
		return nil, errors.Join(ErrMissingDependency, errors.New("mappings"))
	case cfg.Snapshots == nil:
		return nil, errors.Join(ErrMissingDependency, errors.New("snapshots"))
	}
	resolver := cfg.Resolver
	if resolver == nil {
		resolver = reactions.NewResolver(reactions.ResolverConfig{})
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	recentLimit := cfg.RecentLimit
	if recentLimit <= 0 {
		recentLimit = DefaultRecentLimit
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
		observer = mirror.NopObserver()
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = mirror.NewUUIDProvider()
	}
	return &Loop{
		channels:    cfg.Channels,
		reader:      cfg.Reader,
		publisher:   cfg.Publisher,
		mappings:    cfg.Mappings,
		snapshots:   cfg.Snapshots,
		resolver:    resolver,
		interval:    interval,
		recentLimit: recentLimit,
		clock:       clock,
		logger:      logger,
		observer:    observer,
		idProvider:  idProvider,
		retry:       make(map[mirror.SourceRef]struct{}),
	}, nil
}

// Run reconciles immediately and then on every interval until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		if ctx.Err() != nil {
			return nil
		}
		report := l.RunOnce(ctx)
		l.logger.Info("reaction reconciliation cycle finished",
			zap.String("cycle_id", report.CycleID),
			zap.Int("scanned", report.Scanned),
			zap.Int("changed", report.Changed),
			zap.Int("edited", report.Edited),
			zap.Int("edit_failures", report.EditFailures),
			zap.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)))
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce performs one pass over the recent messages of both channels.
// Concurrent calls are serialized.
func (l *Loop) RunOnce(ctx context.Context) CycleReport {
	l.cycleMu.Lock()
	defer l.cycleMu.Unlock()

	cycleID, err := l.idProvider.NewID()
	if err != nil {
		l.logger.Warn("cycle id unavailable", zap.Error(err))
	}
	report := CycleReport{CycleID: cycleID, StartedAt: l.clock().UTC()}
	logger := l.logger.With(zap.String("cycle_id", cycleID))

	for _, channel := range l.channels.Channels() {
		peer, _ := l.channels.Other(channel)
		for message, err := range l.reader.ListRecent(ctx, channel, l.recentLimit) {
			if err != nil {
				logger.Error("listing recent messages failed",
					zap.Int64("channel_id", channel),
					zap.Error(err))
				report.Errors++
				break
			}
			if ctx.Err() != nil {
				break
			}
			report.Scanned++
			if !message.HasReactions() {
				continue
			}
			l.reconcileMessage(ctx, logger, channel, peer, message, &report)
		}
	}

	report.FinishedAt = l.clock().UTC()
	return report
}

func (l *Loop) reconcileMessage(ctx context.Context, logger *zap.Logger, channel, peer int64, message mirror.ObservedMessage, report *CycleReport) {
	logger = logger.With(zap.Int64("channel_id", channel), zap.Int64("message_id", message.ID))

	observed := l.resolver.Extract(message.Reactions)
	stored, err := l.snapshots.Get(ctx, channel, message.ID)
	if err != nil {
		logger.Error("reading reaction snapshot failed", zap.Error(err))
		report.Errors++
		return
	}
	key := mirror.SourceRef{Channel: channel, MessageID: message.ID}
	_, retrying := l.retry[key]
	changed := !reactions.Equal(observed, stored)
	if !changed && !retrying {
		return
	}
	merged := reactions.Merge(stored, observed)
	if changed {
		// a short read leaves the stored tally as is but still refreshes both copies
		if !reactions.Equal(merged, stored) {
			if err := l.snapshots.Put(ctx, channel, message.ID, merged); err != nil {
				logger.Error("writing reaction snapshot failed", zap.Error(err))
				report.Errors++
				return
			}
		}
		report.Changed++
	}
	// cleared once both copies carry the new summary
	l.retry[key] = struct{}{}

	counterpart, found, err := l.mappings.ResolveEither(ctx, channel, message.ID, peer)
	if err != nil {
		logger.Error("resolving counterpart failed", zap.Error(err))
		report.Errors++
		return
	}
	if !found {
		logger.Debug("no corresponding message for reacted post")
		report.Unpaired++
		delete(l.retry, key)
		return
	}
	logger = logger.With(zap.Int64("counterpart_channel_id", peer), zap.Int64("counterpart_message_id", counterpart))

	peerTally, err := l.snapshots.Get(ctx, peer, counterpart)
	if err != nil {
		logger.Error("reading counterpart snapshot failed", zap.Error(err))
		report.Errors++
		return
	}
	summary := reactions.Render(reactions.Combine(merged, peerTally))

	settled := l.rewrite(ctx, logger, message, summary, report)

	counterpartMessage, ok, err := l.reader.FetchByID(ctx, peer, counterpart)
	switch {
	case err != nil:
		logger.Error("fetching counterpart failed", zap.Error(err))
		report.Errors++
		settled = false
	case !ok:
		logger.Warn("counterpart content unknown, leaving it untouched")
	default:
		settled = l.rewrite(ctx, logger, counterpartMessage, summary, report) && settled
	}
	if settled {
		delete(l.retry, key)
	}

	l.observer.Notify(mirror.Event{
		Type:            mirror.EventReactionsUpdated,
		Channel:         channel,
		MessageID:       message.ID,
		TargetChannel:   peer,
		TargetMessageID: counterpart,
		Summary:         summary,
		Timestamp:       l.clock().UTC(),
	})
}

// rewrite replaces the summary line of message and reports whether the
// message now carries it. Failures are left for the next cycle, which starts
// from the already merged snapshot.
func (l *Loop) rewrite(ctx context.Context, logger *zap.Logger, message mirror.ObservedMessage, summary string, report *CycleReport) bool {
	current := message.Body()
	decorated := reactions.Decorate(current, summary)
	if decorated == current {
		return true
	}
	var err error
	if message.UsesCaption() {
		err = l.publisher.EditCaption(ctx, message.Channel, message.ID, decorated)
	} else {
		err = l.publisher.EditText(ctx, message.Channel, message.ID, decorated)
	}
	if err != nil {
		logger.Warn("summary edit failed",
			zap.Int64("edited_channel_id", message.Channel),
			zap.Int64("edited_message_id", message.ID),
			zap.Error(err))
		report.EditFailures++
		return false
	}
	report.Edited++
	return true
}
