package mirror

import "context"

// Publisher posts and edits messages in a channel. Every failure is a *DeliveryError.
type Publisher interface {
	SendCopy(ctx context.Context, targetChannel int64, source SourceRef, replyTo int64) (int64, error)
	Forward(ctx context.Context, targetChannel int64, source SourceRef) (int64, error)
	SendMediaBatch(ctx context.Context, targetChannel int64, items []MediaItem, replyTo int64) ([]int64, error)
	EditText(ctx context.Context, channel, messageID int64, text string) error
	EditCaption(ctx context.Context, channel, messageID int64, caption string) error
}

// Reader looks up the current shape of a single message.
type Reader interface {
	FetchByID(ctx context.Context, channel, messageID int64) (ObservedMessage, bool, error)
}

// Mappings is the bidirectional message index.
type Mappings interface {
	Put(ctx context.Context, sourceChannel, sourceMessageID, targetChannel, targetMessageID int64) error
	ResolveForward(ctx context.Context, sourceChannel, sourceMessageID, targetChannel int64) (int64, bool, error)
	ResolveBackward(ctx context.Context, targetChannel, targetMessageID, sourceChannel int64) (int64, bool, error)
	ResolveEither(ctx context.Context, channelA, messageID, channelB int64) (int64, bool, error)
}

// IDProvider issues opaque identifiers for log correlation.
type IDProvider interface {
	NewID() (string, error)
}
