package reactions

import "strings"

// Reaction type identifiers as reported by the channel platform.
const (
	TypeEmoji       = "emoji"
	TypeCustomEmoji = "custom_emoji"
	TypePaid        = "paid"
)

const (
	// DefaultPlaceholder stands in for custom emoji missing from the table.
	DefaultPlaceholder = "хз"
	// DefaultUnknownSymbol stands in for reaction types that carry no emoji at all.
	DefaultUnknownSymbol = "✡"
)

// DefaultCustomEmoji is the identifier to display-symbol table shipped with
// the service. Operators extend it through configuration.
var DefaultCustomEmoji = map[string]string{
	"5224647090734375337": "(B)",
	"5307977565175029928": "[токнау]",
	"5305776162507596250": "(токнау)",
	"5307935766553304360": "𝕋𝕒𝕝",
	"5305747476421027973": "𝕜ℕ",
	"5305495104142713367": "𝕠𝕨",
	"5307801694854191826": "𝐓𝐚𝐥",
	"5308050107172659858": "𝐤𝐍",
	"5305459232575857422": "𝐨𝐰",
	"5307972372559568260": "юрец",
	"5262944983400334596": "гол",
	"5262983208609269585": "гоол",
	"5263001522349819939": "гооол",
	"4978814394050806930": "натер",
}

// Reaction is one raw entry of a message's reaction breakdown.
type Reaction struct {
	Type          string `json:"type"`
	Emoji         string `json:"emoji,omitempty"`
	CustomEmojiID string `json:"custom_emoji_id,omitempty"`
	Count         int    `json:"count"`
}

// ResolverConfig configures a Resolver. Zero values fall back to defaults.
type ResolverConfig struct {
	CustomEmoji   map[string]string
	Placeholder   string
	UnknownSymbol string
}

// Resolver turns raw reactions into display kinds.
type Resolver struct {
	customEmoji   map[string]string
	placeholder   string
	unknownSymbol string
}

// NewResolver builds a Resolver whose table is the default table overlaid
// with cfg.CustomEmoji.
func NewResolver(cfg ResolverConfig) *Resolver {
	table := make(map[string]string, len(DefaultCustomEmoji)+len(cfg.CustomEmoji))
	for id, symbol := range DefaultCustomEmoji {
		table[id] = symbol
	}
	for id, symbol := range cfg.CustomEmoji {
		id = strings.TrimSpace(id)
		symbol = strings.TrimSpace(symbol)
		if id == "" || symbol == "" {
			continue
		}
		table[id] = symbol
	}
	placeholder := strings.TrimSpace(cfg.Placeholder)
	if placeholder == "" {
		placeholder = DefaultPlaceholder
	}
	unknown := strings.TrimSpace(cfg.UnknownSymbol)
	if unknown == "" {
		unknown = DefaultUnknownSymbol
	}
	return &Resolver{
		customEmoji:   table,
		placeholder:   placeholder,
		unknownSymbol: unknown,
	}
}

// Kind returns the display kind for a single reaction.
func (r *Resolver) Kind(reaction Reaction) string {
	switch reaction.Type {
	case TypeEmoji:
		if reaction.Emoji != "" {
			return reaction.Emoji
		}
	case TypeCustomEmoji:
		if symbol, ok := r.customEmoji[reaction.CustomEmojiID]; ok {
			return symbol
		}
		return r.placeholder
	}
	return r.unknownSymbol
}

// Extract builds a tally from a raw breakdown. Reactions resolving to the
// same display kind are summed.
func (r *Resolver) Extract(breakdown []Reaction) Tally {
	tally := make(Tally, len(breakdown))
	for _, reaction := range breakdown {
		if reaction.Count <= 0 {
			continue
		}
		tally[r.Kind(reaction)] += reaction.Count
	}
	return tally
}
