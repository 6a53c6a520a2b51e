package mirror

import "context"

// Strategy names the publish primitive used for a content kind.
type Strategy string

const (
	StrategyCopy    Strategy = "copy"
	StrategyForward Strategy = "forward"
)

func (s Strategy) publish(ctx context.Context, publisher Publisher, targetChannel int64, post Post, replyTo int64) (int64, error) {
	if s == StrategyForward {
		return publisher.Forward(ctx, targetChannel, post.Ref())
	}
	return publisher.SendCopy(ctx, targetChannel, post.Ref(), replyTo)
}

// DispatchTable maps content kinds to publish strategies. Kinds absent from
// the table are copied.
type DispatchTable map[ContentKind]Strategy

// DefaultDispatchTable forwards polls and already-forwarded posts, whose
// semantics do not survive a copy.
func DefaultDispatchTable() DispatchTable {
	return DispatchTable{
		KindPoll:      StrategyForward,
		KindForwarded: StrategyForward,
	}
}

// StrategyFor returns the strategy registered for kind.
func (t DispatchTable) StrategyFor(kind ContentKind) Strategy {
	if strategy, ok := t[kind]; ok {
		return strategy
	}
	return StrategyCopy
}
