package mirror

import (
	"context"

	"go.uber.org/zap"
)

// replyResolver finds the counterpart of a reply target inside the mirror channel.
type replyResolver struct {
	mappings Mappings
	logger   *zap.Logger
}

// resolve returns the message id to reply to in targetChannel, or zero when
// the post is not a reply or its target has no counterpart.
func (r replyResolver) resolve(ctx context.Context, post Post, targetChannel int64) int64 {
	if !post.IsReply() {
		return 0
	}
	counterpart, found, err := r.mappings.ResolveEither(ctx, post.Channel, post.ReplyToMessageID, targetChannel)
	if err != nil {
		r.logger.Warn("reply target lookup failed",
			zap.Int64("channel_id", post.Channel),
			zap.Int64("message_id", post.MessageID),
			zap.Int64("reply_to_message_id", post.ReplyToMessageID),
			zap.Int64("target_channel_id", targetChannel),
			zap.Error(err))
		return 0
	}
	if !found {
		r.logger.Info("no corresponding message for reply target",
			zap.Int64("channel_id", post.Channel),
			zap.Int64("message_id", post.MessageID),
			zap.Int64("reply_to_message_id", post.ReplyToMessageID),
			zap.Int64("target_channel_id", targetChannel))
		return 0
	}
	return counterpart
}
