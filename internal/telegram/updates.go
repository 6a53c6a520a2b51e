package telegram

import (
	"bytes"
	"encoding/json"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/MarcoPoloResearchLab/channel-mirror/internal/mirror"
	"github.com/MarcoPoloResearchLab/channel-mirror/internal/reactions"
)

const (
	updateChannelPost          = "channel_post"
	updateEditedChannelPost    = "edited_channel_post"
	updateMessageReactionCount = "message_reaction_count"
)

var allowedUpdates = []string{updateChannelPost, updateEditedChannelPost, updateMessageReactionCount}

// Update is a getUpdates entry including the anonymous reaction counts that
// channels report.
type Update struct {
	UpdateID             int                   `json:"update_id"`
	ChannelPost          *ChannelMessage       `json:"channel_post,omitempty"`
	EditedChannelPost    *ChannelMessage       `json:"edited_channel_post,omitempty"`
	MessageReactionCount *MessageReactionCount `json:"message_reaction_count,omitempty"`
}

// ChannelMessage is a channel post with the forward_origin field that
// replaced the forward_* fields of older API versions.
type ChannelMessage struct {
	tgbotapi.Message
	ForwardOrigin json.RawMessage `json:"forward_origin,omitempty"`
}

// MessageReactionCount carries the current reaction totals of a channel message.
type MessageReactionCount struct {
	Chat      tgbotapi.Chat   `json:"chat"`
	MessageID int             `json:"message_id"`
	Date      int             `json:"date"`
	Reactions []ReactionCount `json:"reactions"`
}

// ReactionCount is the total for one reaction type.
type ReactionCount struct {
	Type       ReactionType `json:"type"`
	TotalCount int          `json:"total_count"`
}

// ReactionType identifies an emoji, custom emoji or paid reaction.
type ReactionType struct {
	Type          string `json:"type"`
	Emoji         string `json:"emoji,omitempty"`
	CustomEmojiID string `json:"custom_emoji_id,omitempty"`
}

func (c MessageReactionCount) breakdown() []reactions.Reaction {
	converted := make([]reactions.Reaction, 0, len(c.Reactions))
	for _, reaction := range c.Reactions {
		converted = append(converted, reactions.Reaction{
			Type:          reaction.Type.Type,
			Emoji:         reaction.Type.Emoji,
			CustomEmojiID: reaction.Type.CustomEmojiID,
			Count:         reaction.TotalCount,
		})
	}
	return converted
}

func isForwarded(message *ChannelMessage) bool {
	if origin := bytes.TrimSpace(message.ForwardOrigin); len(origin) > 0 && !bytes.Equal(origin, []byte("null")) {
		return true
	}
	return message.ForwardDate != 0 || message.ForwardFromChat != nil || message.ForwardFrom != nil || message.ForwardSenderName != ""
}

func largestPhoto(sizes []tgbotapi.PhotoSize) tgbotapi.PhotoSize {
	largest := sizes[0]
	for _, size := range sizes[1:] {
		if size.Width*size.Height > largest.Width*largest.Height {
			largest = size
		}
	}
	return largest
}

// classify returns the content kind of message and the batchable media it carries, if any.
func classify(message *ChannelMessage) (mirror.ContentKind, *mirror.MediaRef) {
	var kind mirror.ContentKind
	var media *mirror.MediaRef
	switch {
	case message.Poll != nil:
		return mirror.KindPoll, nil
	case len(message.Photo) > 0:
		kind = mirror.KindPhoto
		media = &mirror.MediaRef{Type: mirror.MediaPhoto, FileID: largestPhoto(message.Photo).FileID}
	case message.Video != nil:
		kind = mirror.KindVideo
		media = &mirror.MediaRef{Type: mirror.MediaVideo, FileID: message.Video.FileID}
	case message.Audio != nil:
		kind = mirror.KindAudio
		media = &mirror.MediaRef{Type: mirror.MediaAudio, FileID: message.Audio.FileID}
	case message.Animation != nil:
		// animations also populate Document
		kind = mirror.KindAnimation
	case message.Document != nil:
		kind = mirror.KindDocument
		media = &mirror.MediaRef{Type: mirror.MediaDocument, FileID: message.Document.FileID}
	case message.Voice != nil:
		kind = mirror.KindVoice
	case message.Sticker != nil:
		kind = mirror.KindSticker
	case message.Text != "":
		kind = mirror.KindText
	default:
		kind = mirror.KindOther
	}
	if isForwarded(message) {
		kind = mirror.KindForwarded
	}
	return kind, media
}

func toPost(message *ChannelMessage) mirror.Post {
	kind, media := classify(message)
	post := mirror.Post{
		MessageID:    int64(message.MessageID),
		Kind:         kind,
		Text:         message.Text,
		Caption:      message.Caption,
		Media:        media,
		MediaGroupID: message.MediaGroupID,
		ReceivedAt:   time.Unix(int64(message.Date), 0).UTC(),
	}
	if message.Chat != nil {
		post.Channel = message.Chat.ID
	}
	if message.ReplyToMessage != nil {
		post.ReplyToMessageID = int64(message.ReplyToMessage.MessageID)
	}
	return post
}

func observedFromMessage(message *ChannelMessage) mirror.ObservedMessage {
	post := toPost(message)
	return mirror.ObservedMessage{
		Channel:  post.Channel,
		ID:       post.MessageID,
		Text:     post.Text,
		Caption:  post.Caption,
		HasMedia: post.Media != nil || post.Kind.IsMedia(),
	}
}
