package mirror

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/channel-mirror/internal/reactions"
)

var (
	errChannelUnset   = errors.New("both channels must be set")
	errChannelsMatch  = errors.New("channels must differ")
	errUnknownChannel = errors.New("channel is not monitored")
)

// ContentKind tags the shape of a post so a publish strategy can be chosen for it.
type ContentKind string

const (
	KindText      ContentKind = "text"
	KindPhoto     ContentKind = "photo"
	KindVideo     ContentKind = "video"
	KindAudio     ContentKind = "audio"
	KindDocument  ContentKind = "document"
	KindAnimation ContentKind = "animation"
	KindVoice     ContentKind = "voice"
	KindSticker   ContentKind = "sticker"
	KindPoll      ContentKind = "poll"
	KindForwarded ContentKind = "forwarded"
	KindOther     ContentKind = "other"
)

// IsMedia reports whether posts of this kind carry a caption instead of text.
func (k ContentKind) IsMedia() bool {
	switch k {
	case KindPhoto, KindVideo, KindAudio, KindDocument, KindAnimation, KindVoice:
		return true
	default:
		return false
	}
}

// MediaType is the subset of media that can travel inside a batch.
type MediaType string

const (
	MediaPhoto    MediaType = "photo"
	MediaVideo    MediaType = "video"
	MediaAudio    MediaType = "audio"
	MediaDocument MediaType = "document"
)

// MediaRef points at an uploaded file by its platform identifier.
type MediaRef struct {
	Type   MediaType
	FileID string
}

// SourceRef identifies a message the publisher copies or forwards from.
type SourceRef struct {
	Channel   int64
	MessageID int64
}

// Post is an inbound new or edited channel post.
type Post struct {
	Channel          int64
	MessageID        int64
	Kind             ContentKind
	Text             string
	Caption          string
	Media            *MediaRef
	MediaGroupID     string
	ReplyToMessageID int64
	ReceivedAt       time.Time
}

// Ref returns the post as a publish source.
func (p Post) Ref() SourceRef {
	return SourceRef{Channel: p.Channel, MessageID: p.MessageID}
}

// IsReply reports whether the post replies to another message of its channel.
func (p Post) IsReply() bool {
	return p.ReplyToMessageID != 0
}

// InMediaGroup reports whether the post is one item of an album.
func (p Post) InMediaGroup() bool {
	return p.MediaGroupID != ""
}

// UsesCaption reports whether the post body lives in the caption.
func (p Post) UsesCaption() bool {
	if p.Media != nil || p.Kind.IsMedia() {
		return true
	}
	return p.Text == "" && p.Caption != ""
}

// Body returns the caption for media posts and the text otherwise.
func (p Post) Body() string {
	if p.UsesCaption() {
		return p.Caption
	}
	return p.Text
}

// MediaItem is one ordered entry of a batch publish.
type MediaItem struct {
	Source  SourceRef
	Media   MediaRef
	Caption string
}

// ObservedMessage is the read-side view of a channel message.
type ObservedMessage struct {
	Channel   int64
	ID        int64
	Text      string
	Caption   string
	HasMedia  bool
	Reactions []reactions.Reaction
}

// UsesCaption reports whether edits to this message must target the caption.
func (m ObservedMessage) UsesCaption() bool {
	if m.HasMedia {
		return true
	}
	return m.Text == "" && m.Caption != ""
}

// Body returns the editable content of the message.
func (m ObservedMessage) Body() string {
	if m.UsesCaption() {
		return m.Caption
	}
	return m.Text
}

// HasReactions reports whether any reaction data was observed.
func (m ObservedMessage) HasReactions() bool {
	return len(m.Reactions) > 0
}

// Pair is the two monitored channels mirrored into each other.
type Pair struct {
	First  int64
	Second int64
}

// Validate checks that both channels are set and distinct.
func (p Pair) Validate() error {
	if p.First == 0 || p.Second == 0 {
		return errChannelUnset
	}
	if p.First == p.Second {
		return errChannelsMatch
	}
	return nil
}

// Contains reports whether channel is one of the pair.
func (p Pair) Contains(channel int64) bool {
	return channel != 0 && (channel == p.First || channel == p.Second)
}

// Other returns the mirror target of channel.
func (p Pair) Other(channel int64) (int64, error) {
	switch channel {
	case 0:
		return 0, errUnknownChannel
	case p.First:
		return p.Second, nil
	case p.Second:
		return p.First, nil
	default:
		return 0, errUnknownChannel
	}
}

// Channels returns both channels in configuration order.
func (p Pair) Channels() []int64 {
	return []int64{p.First, p.Second}
}
