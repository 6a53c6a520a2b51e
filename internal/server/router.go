package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/channel-mirror/internal/auth"
	"github.com/MarcoPoloResearchLab/channel-mirror/internal/mirror"
	"github.com/MarcoPoloResearchLab/channel-mirror/internal/reactions"
	"github.com/MarcoPoloResearchLab/channel-mirror/internal/reconcile"
)

const (
	subjectContextKey        = "mirrorbot_subject"
	accessTokenQueryKey      = "access_token"
	defaultHeartbeatInterval = 15 * time.Second
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingMappings       = errors.New("mapping lookup dependency required")
	errMissingSnapshots      = errors.New("snapshot reader dependency required")
	errMissingGroups         = errors.New("media group lister dependency required")
	errMissingReconciler     = errors.New("reconciler dependency required")
	errMissingEventFeed      = errors.New("event feed dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

type TokenValidator interface {
	ValidateRequest(r *http.Request) (auth.AdminClaims, error)
	ValidateToken(token string) (auth.AdminClaims, error)
}

type MappingLookup interface {
	ResolveEither(ctx context.Context, channelA, messageID, channelB int64) (int64, bool, error)
	Count(ctx context.Context) (int64, error)
}

type SnapshotReader interface {
	Get(ctx context.Context, channelID, messageID int64) (reactions.Tally, error)
}

type GroupLister interface {
	Pending() []mirror.GroupStatus
}

type Reconciler interface {
	RunOnce(ctx context.Context) reconcile.CycleReport
}

// MessageCounter reports how many messages the journal holds. Optional.
type MessageCounter interface {
	Count(ctx context.Context) (int64, error)
}

type Dependencies struct {
	Tokens            TokenValidator
	Channels          mirror.Pair
	Mappings          MappingLookup
	Snapshots         SnapshotReader
	Groups            GroupLister
	Reconciler        Reconciler
	Events            *EventFeed
	Journal           MessageCounter
	HeartbeatInterval time.Duration
	Clock             func() time.Time
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.Tokens == nil:
		return nil, errMissingTokenValidator
	case deps.Mappings == nil:
		return nil, errMissingMappings
	case deps.Snapshots == nil:
		return nil, errMissingSnapshots
	case deps.Groups == nil:
		return nil, errMissingGroups
	case deps.Reconciler == nil:
		return nil, errMissingReconciler
	case deps.Events == nil:
		return nil, errMissingEventFeed
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		tokens:     deps.Tokens,
		channels:   deps.Channels,
		mappings:   deps.Mappings,
		snapshots:  deps.Snapshots,
		groups:     deps.Groups,
		reconciler: deps.Reconciler,
		events:     deps.Events,
		journal:    deps.Journal,
		heartbeat:  heartbeat,
		clock:      clock,
		logger:     logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/api")
	protected.Use(handler.authorizeRequest)
	protected.GET("/stats", handler.handleStats)
	protected.GET("/mappings/:channel/:message", handler.handleMapping)
	protected.GET("/reactions/:channel/:message", handler.handleReactions)
	protected.GET("/media-groups", handler.handleMediaGroups)
	protected.POST("/reconcile", handler.handleReconcile)
	protected.GET("/events", handler.handleEvents)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "Last-Event-ID"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	tokens     TokenValidator
	channels   mirror.Pair
	mappings   MappingLookup
	snapshots  SnapshotReader
	groups     GroupLister
	reconciler Reconciler
	events     *EventFeed
	journal    MessageCounter
	heartbeat  time.Duration
	clock      func() time.Time
	logger     *zap.Logger
}

type mappingResponsePayload struct {
	ChannelID     int64 `json:"channel_id"`
	MessageID     int64 `json:"message_id"`
	PeerChannelID int64 `json:"peer_channel_id"`
	PeerMessageID int64 `json:"peer_message_id"`
}

type tallyPayload struct {
	ChannelID int64           `json:"channel_id"`
	MessageID int64           `json:"message_id"`
	Tally     reactions.Tally `json:"tally"`
}

type reactionsResponsePayload struct {
	tallyPayload
	Peer     *tallyPayload   `json:"peer,omitempty"`
	Combined reactions.Tally `json:"combined"`
	Summary  string          `json:"summary"`
}

type statsResponsePayload struct {
	Mappings         int64 `json:"mappings"`
	JournalMessages  int64 `json:"journal_messages"`
	PendingGroups    int   `json:"pending_groups"`
	EventSubscribers int   `json:"event_subscribers"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleStats(c *gin.Context) {
	ctx := c.Request.Context()
	mappings, err := h.mappings.Count(ctx)
	if err != nil {
		h.logger.Error("failed to count mappings", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stats_failed"})
		return
	}
	response := statsResponsePayload{
		Mappings:         mappings,
		PendingGroups:    len(h.groups.Pending()),
		EventSubscribers: h.events.Subscribers(),
	}
	if h.journal != nil {
		messages, err := h.journal.Count(ctx)
		if err != nil {
			h.logger.Error("failed to count journal messages", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "stats_failed"})
			return
		}
		response.JournalMessages = messages
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleMapping(c *gin.Context) {
	channel, message, ok := parseMessagePath(c)
	if !ok {
		return
	}
	peer, ok := h.peerChannel(c, channel)
	if !ok {
		return
	}
	peerMessage, found, err := h.mappings.ResolveEither(c.Request.Context(), channel, message, peer)
	if err != nil {
		h.logger.Error("mapping lookup failed",
			zap.Int64("channel_id", channel),
			zap.Int64("message_id", message),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	c.JSON(http.StatusOK, mappingResponsePayload{
		ChannelID:     channel,
		MessageID:     message,
		PeerChannelID: peer,
		PeerMessageID: peerMessage,
	})
}

func (h *httpHandler) handleReactions(c *gin.Context) {
	channel, message, ok := parseMessagePath(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	tally, err := h.snapshots.Get(ctx, channel, message)
	if err != nil {
		h.logger.Error("snapshot lookup failed",
			zap.Int64("channel_id", channel),
			zap.Int64("message_id", message),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
		return
	}
	response := reactionsResponsePayload{
		tallyPayload: tallyPayload{ChannelID: channel, MessageID: message, Tally: tally},
		Combined:     tally.Clone(),
	}

	if peer, err := h.channels.Other(channel); err == nil {
		peerMessage, found, err := h.mappings.ResolveEither(ctx, channel, message, peer)
		if err != nil {
			h.logger.Error("mapping lookup failed",
				zap.Int64("channel_id", channel),
				zap.Int64("message_id", message),
				zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
			return
		}
		if found {
			peerTally, err := h.snapshots.Get(ctx, peer, peerMessage)
			if err != nil {
				h.logger.Error("snapshot lookup failed",
					zap.Int64("channel_id", peer),
					zap.Int64("message_id", peerMessage),
					zap.Error(err))
				c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
				return
			}
			response.Peer = &tallyPayload{ChannelID: peer, MessageID: peerMessage, Tally: peerTally}
			response.Combined = reactions.Combine(tally, peerTally)
		}
	}
	response.Summary = reactions.Render(response.Combined)
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleMediaGroups(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"groups": h.groups.Pending()})
}

func (h *httpHandler) handleReconcile(c *gin.Context) {
	report := h.reconciler.RunOnce(c.Request.Context())
	h.logger.Info("reconcile cycle triggered",
		zap.String("subject", c.GetString(subjectContextKey)),
		zap.String("cycle_id", report.CycleID))
	c.JSON(http.StatusOK, report)
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	var channel int64
	if raw := strings.TrimSpace(c.Query("channel")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_channel"})
			return
		}
		channel = parsed
	}

	ctx := c.Request.Context()
	stream, cleanup := h.events.Subscribe(ctx, channel)
	defer cleanup()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("ready", gin.H{"source": realtimeSourceBackend, "timestamp": h.clock().UTC()})
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Stream(func(_ io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event := <-stream:
			c.SSEvent(string(event.Type), event)
			return true
		case <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"source": realtimeSourceBackend, "timestamp": h.clock().UTC()})
			return true
		}
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.tokens.ValidateRequest(c.Request)
	if errors.Is(err, auth.ErrMissingSessionToken) {
		if token := strings.TrimSpace(c.Query(accessTokenQueryKey)); token != "" {
			claims, err = h.tokens.ValidateToken(token)
		} else if c.GetHeader("Authorization") == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
			return
		}
	}
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(subjectContextKey, claims.Subject)
	c.Next()
}

func (h *httpHandler) peerChannel(c *gin.Context, channel int64) (int64, bool) {
	if raw := strings.TrimSpace(c.Query("peer")); raw != "" {
		peer, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || peer == 0 || peer == channel {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_peer"})
			return 0, false
		}
		return peer, true
	}
	peer, err := h.channels.Other(channel)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_channel"})
		return 0, false
	}
	return peer, true
}

func parseMessagePath(c *gin.Context) (int64, int64, bool) {
	channel, err := strconv.ParseInt(c.Param("channel"), 10, 64)
	if err != nil || channel == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_channel"})
		return 0, 0, false
	}
	message, err := strconv.ParseInt(c.Param("message"), 10, 64)
	if err != nil || message <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_message"})
		return 0, 0, false
	}
	return channel, message, true
}
