package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/channel-mirror/internal/mirror"
	"github.com/MarcoPoloResearchLab/channel-mirror/internal/reactions"
)

const (
	opCopy        = "telegram.copy_message"
	opForward     = "telegram.forward_message"
	opMediaGroup  = "telegram.send_media_group"
	opEditText    = "telegram.edit_message_text"
	opEditCaption = "telegram.edit_message_caption"

	notModifiedMarker = "message is not modified"
)

var (
	// ErrMissingClient indicates the gateway or poller was built without a bot client.
	ErrMissingClient = errors.New("telegram: bot client required")
	errEmptyBatch    = errors.New("telegram: empty media batch")
)

// Client is the subset of *tgbotapi.BotAPI the service uses.
type Client interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	CopyMessage(config tgbotapi.CopyMessageConfig) (tgbotapi.MessageID, error)
	SendMediaGroup(config tgbotapi.MediaGroupConfig) ([]tgbotapi.Message, error)
	MakeRequest(endpoint string, params tgbotapi.Params) (*tgbotapi.APIResponse, error)
}

// Recorder keeps the read-side journal in step with what the bot sees and sends.
type Recorder interface {
	RecordMessage(ctx context.Context, message mirror.ObservedMessage) error
	RecordReactions(ctx context.Context, channelID, messageID int64, observed []reactions.Reaction) error
	RecordCopy(ctx context.Context, source mirror.SourceRef, channelID, messageID int64) error
	RecordEdit(ctx context.Context, channelID, messageID int64, body string, caption bool) error
}

// GatewayConfig describes the dependencies of a Gateway.
type GatewayConfig struct {
	Client  Client
	Journal Recorder
	Logger  *zap.Logger
}

// Gateway publishes through the Bot API and journals every message it creates or edits.
type Gateway struct {
	client  Client
	journal Recorder
	logger  *zap.Logger
}

// NewGateway validates cfg and returns a Gateway. Journal is optional.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.Client == nil {
		return nil, ErrMissingClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{client: cfg.Client, journal: cfg.Journal, logger: logger}, nil
}

// SendCopy copies source into targetChannel, optionally as a reply.
func (g *Gateway) SendCopy(ctx context.Context, targetChannel int64, source mirror.SourceRef, replyTo int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, mirror.NewDeliveryError(opCopy, targetChannel, source.MessageID, err)
	}
	config := tgbotapi.NewCopyMessage(targetChannel, source.Channel, int(source.MessageID))
	if replyTo != 0 {
		config.ReplyToMessageID = int(replyTo)
		config.AllowSendingWithoutReply = true
	}
	result, err := g.client.CopyMessage(config)
	if err != nil {
		return 0, mirror.NewDeliveryError(opCopy, targetChannel, source.MessageID, err)
	}
	published := int64(result.MessageID)
	if g.journal != nil {
		if err := g.journal.RecordCopy(ctx, source, targetChannel, published); err != nil {
			g.journalFailed(err, targetChannel, published)
		}
	}
	return published, nil
}

// Forward forwards source into targetChannel.
func (g *Gateway) Forward(ctx context.Context, targetChannel int64, source mirror.SourceRef) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, mirror.NewDeliveryError(opForward, targetChannel, source.MessageID, err)
	}
	message, err := g.client.Send(tgbotapi.NewForward(targetChannel, source.Channel, int(source.MessageID)))
	if err != nil {
		return 0, mirror.NewDeliveryError(opForward, targetChannel, source.MessageID, err)
	}
	g.recordSent(ctx, &message)
	return int64(message.MessageID), nil
}

// SendMediaBatch sends items as a single album and returns the new message
// ids in item order.
func (g *Gateway) SendMediaBatch(ctx context.Context, targetChannel int64, items []mirror.MediaItem, replyTo int64) ([]int64, error) {
	if len(items) == 0 {
		return nil, mirror.NewDeliveryError(opMediaGroup, targetChannel, 0, errEmptyBatch)
	}
	if err := ctx.Err(); err != nil {
		return nil, mirror.NewDeliveryError(opMediaGroup, targetChannel, items[0].Source.MessageID, err)
	}
	files := make([]interface{}, 0, len(items))
	for _, item := range items {
		media, err := inputMedia(item)
		if err != nil {
			return nil, mirror.NewDeliveryError(opMediaGroup, targetChannel, item.Source.MessageID, err)
		}
		files = append(files, media)
	}
	config := tgbotapi.NewMediaGroup(targetChannel, files)
	if replyTo != 0 {
		config.ReplyToMessageID = int(replyTo)
	}
	messages, err := g.client.SendMediaGroup(config)
	if err != nil {
		return nil, mirror.NewDeliveryError(opMediaGroup, targetChannel, items[0].Source.MessageID, err)
	}
	published := make([]int64, 0, len(messages))
	for index := range messages {
		g.recordSent(ctx, &messages[index])
		published = append(published, int64(messages[index].MessageID))
	}
	return published, nil
}

// EditText replaces the text of a message. An edit that changes nothing succeeds.
func (g *Gateway) EditText(ctx context.Context, channel, messageID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return mirror.NewDeliveryError(opEditText, channel, messageID, err)
	}
	if _, err := g.client.Request(tgbotapi.NewEditMessageText(channel, int(messageID), text)); err != nil && !isNotModified(err) {
		return mirror.NewDeliveryError(opEditText, channel, messageID, err)
	}
	g.recordEdit(ctx, channel, messageID, text, false)
	return nil
}

// EditCaption replaces the caption of a media message. An edit that changes nothing succeeds.
func (g *Gateway) EditCaption(ctx context.Context, channel, messageID int64, caption string) error {
	if err := ctx.Err(); err != nil {
		return mirror.NewDeliveryError(opEditCaption, channel, messageID, err)
	}
	if _, err := g.client.Request(tgbotapi.NewEditMessageCaption(channel, int(messageID), caption)); err != nil && !isNotModified(err) {
		return mirror.NewDeliveryError(opEditCaption, channel, messageID, err)
	}
	g.recordEdit(ctx, channel, messageID, caption, true)
	return nil
}

func (g *Gateway) recordSent(ctx context.Context, message *tgbotapi.Message) {
	if g.journal == nil || message.Chat == nil {
		return
	}
	if err := g.journal.RecordMessage(ctx, observedFromMessage(&ChannelMessage{Message: *message})); err != nil {
		g.journalFailed(err, message.Chat.ID, int64(message.MessageID))
	}
}

func (g *Gateway) recordEdit(ctx context.Context, channel, messageID int64, body string, caption bool) {
	if g.journal == nil {
		return
	}
	if err := g.journal.RecordEdit(ctx, channel, messageID, body, caption); err != nil {
		g.journalFailed(err, channel, messageID)
	}
}

func (g *Gateway) journalFailed(err error, channel, messageID int64) {
	g.logger.Warn("journal write failed",
		zap.Int64("channel_id", channel),
		zap.Int64("message_id", messageID),
		zap.Error(err))
}

func inputMedia(item mirror.MediaItem) (interface{}, error) {
	file := tgbotapi.FileID(item.Media.FileID)
	switch item.Media.Type {
	case mirror.MediaPhoto:
		media := tgbotapi.NewInputMediaPhoto(file)
		media.Caption = item.Caption
		return media, nil
	case mirror.MediaVideo:
		media := tgbotapi.NewInputMediaVideo(file)
		media.Caption = item.Caption
		return media, nil
	case mirror.MediaAudio:
		media := tgbotapi.NewInputMediaAudio(file)
		media.Caption = item.Caption
		return media, nil
	case mirror.MediaDocument:
		media := tgbotapi.NewInputMediaDocument(file)
		media.Caption = item.Caption
		return media, nil
	default:
		return nil, fmt.Errorf("%w: %q", mirror.ErrNoBatchableMedia, item.Media.Type)
	}
}

func isNotModified(err error) bool {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		return strings.Contains(apiErr.Message, notModifiedMarker)
	}
	return strings.Contains(err.Error(), notModifiedMarker)
}
