package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/channel-mirror/internal/auth"
	"github.com/MarcoPoloResearchLab/channel-mirror/internal/database"
	"github.com/MarcoPoloResearchLab/channel-mirror/internal/journal"
	"github.com/MarcoPoloResearchLab/channel-mirror/internal/mapping"
	"github.com/MarcoPoloResearchLab/channel-mirror/internal/mirror"
	"github.com/MarcoPoloResearchLab/channel-mirror/internal/reactions"
	"github.com/MarcoPoloResearchLab/channel-mirror/internal/reconcile"
)

// journalingPublisher stands in for the Bot API gateway: it assigns ids and
// writes what it publishes back to the journal.
type journalingPublisher struct {
	mu      sync.Mutex
	nextID  int64
	journal *journal.Store
}

func (p *journalingPublisher) SendCopy(ctx context.Context, targetChannel int64, source mirror.SourceRef, _ int64) (int64, error) {
	p.mu.Lock()
	p.nextID++
	published := p.nextID
	p.mu.Unlock()
	return published, p.journal.RecordCopy(ctx, source, targetChannel, published)
}

func (p *journalingPublisher) Forward(ctx context.Context, targetChannel int64, source mirror.SourceRef) (int64, error) {
	return p.SendCopy(ctx, targetChannel, source, 0)
}

func (p *journalingPublisher) SendMediaBatch(context.Context, int64, []mirror.MediaItem, int64) ([]int64, error) {
	return nil, mirror.ErrNoBatchableMedia
}

func (p *journalingPublisher) EditText(ctx context.Context, channel, messageID int64, text string) error {
	return p.journal.RecordEdit(ctx, channel, messageID, text, false)
}

func (p *journalingPublisher) EditCaption(ctx context.Context, channel, messageID int64, caption string) error {
	return p.journal.RecordEdit(ctx, channel, messageID, caption, true)
}

type sseEvent struct {
	name string
	data string
}

func readSSEEvent(t *testing.T, reader *bufio.Reader) sseEvent {
	t.Helper()
	var event sseEvent
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("failed to read event stream: %v", err)
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if event.name != "" {
				return event
			}
		case strings.HasPrefix(line, "event:"):
			event.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			event.data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
}

func TestAdminAPIFollowsMirroringAndReconciliation(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	channels := mirror.Pair{First: testFirstChannel, Second: testSecondChannel}

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "mirror.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	mappings, err := mapping.NewStore(mapping.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build mapping store: %v", err)
	}
	snapshots, err := reactions.NewSnapshotStore(reactions.SnapshotStoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build snapshot store: %v", err)
	}
	observed, err := journal.NewStore(journal.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build journal: %v", err)
	}

	feed := NewEventFeed()
	publisher := &journalingPublisher{nextID: 900, journal: observed}
	aggregator, err := mirror.NewAggregator(mirror.AggregatorConfig{Publisher: publisher, Mappings: mappings, Observer: feed})
	if err != nil {
		t.Fatalf("failed to build aggregator: %v", err)
	}
	engine, err := mirror.NewEngine(mirror.EngineConfig{
		Channels:   channels,
		Publisher:  publisher,
		Reader:     observed,
		Mappings:   mappings,
		Aggregator: aggregator,
		Observer:   feed,
	})
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}
	loop, err := reconcile.New(reconcile.Config{
		Channels:  channels,
		Reader:    observed,
		Publisher: publisher,
		Mappings:  mappings,
		Snapshots: snapshots,
		Observer:  feed,
	})
	if err != nil {
		t.Fatalf("failed to build reconcile loop: %v", err)
	}

	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte(testSigningSecret), TokenTTL: time.Minute})
	if err != nil {
		t.Fatalf("failed to build issuer: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{SigningSecret: []byte(testSigningSecret)})
	if err != nil {
		t.Fatalf("failed to build validator: %v", err)
	}
	token, _, err := issuer.IssueAdminToken(ctx, "integration")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Tokens:     validator,
		Channels:   channels,
		Mappings:   mappings,
		Snapshots:  snapshots,
		Groups:     aggregator,
		Reconciler: loop,
		Events:     feed,
		Journal:    observed,
		Logger:     zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	streamCtx, cancelStream := context.WithCancel(ctx)
	t.Cleanup(cancelStream)
	streamRequest, err := http.NewRequestWithContext(streamCtx, http.MethodGet, server.URL+"/api/events?access_token="+token, http.NoBody)
	if err != nil {
		t.Fatalf("failed to construct stream request: %v", err)
	}
	streamResponse, err := http.DefaultClient.Do(streamRequest)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	t.Cleanup(func() {
		_ = streamResponse.Body.Close()
	})
	if streamResponse.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status: %d", streamResponse.StatusCode)
	}
	stream := bufio.NewReader(streamResponse.Body)
	if ready := readSSEEvent(t, stream); ready.name != "ready" {
		t.Fatalf("expected ready event, got %+v", ready)
	}

	post := mirror.Post{Channel: testFirstChannel, MessageID: 10, Kind: mirror.KindText, Text: "hello", ReceivedAt: time.Now()}
	if err := observed.RecordMessage(ctx, mirror.ObservedMessage{Channel: testFirstChannel, ID: 10, Text: "hello"}); err != nil {
		t.Fatalf("failed to journal post: %v", err)
	}
	if err := engine.HandlePost(ctx, post); err != nil {
		t.Fatalf("handle post failed: %v", err)
	}

	mirrored := readSSEEvent(t, stream)
	if mirrored.name != string(mirror.EventMirrored) {
		t.Fatalf("expected mirrored event, got %+v", mirrored)
	}
	var event mirror.Event
	if err := json.Unmarshal([]byte(mirrored.data), &event); err != nil {
		t.Fatalf("failed to decode event: %v", err)
	}
	if event.TargetChannel != testSecondChannel || event.TargetMessageID != 901 {
		t.Fatalf("unexpected mirrored event %+v", event)
	}

	get := func(path string) *http.Response {
		request, err := http.NewRequest(http.MethodGet, server.URL+path, http.NoBody)
		if err != nil {
			t.Fatalf("failed to build request: %v", err)
		}
		request.Header.Set("Authorization", "Bearer "+token)
		response, err := http.DefaultClient.Do(request)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		t.Cleanup(func() { _ = response.Body.Close() })
		return response
	}

	var pair mappingResponsePayload
	if err := json.NewDecoder(get("/api/mappings/-1002/901").Body).Decode(&pair); err != nil {
		t.Fatalf("failed to decode mapping: %v", err)
	}
	if pair.PeerChannelID != testFirstChannel || pair.PeerMessageID != 10 {
		t.Fatalf("unexpected mapping %+v", pair)
	}

	if err := observed.RecordReactions(ctx, testFirstChannel, 10, []reactions.Reaction{{Type: reactions.TypeEmoji, Emoji: "👍", Count: 2}}); err != nil {
		t.Fatalf("failed to journal reactions: %v", err)
	}
	if err := observed.RecordReactions(ctx, testSecondChannel, 901, []reactions.Reaction{{Type: reactions.TypeEmoji, Emoji: "👍", Count: 3}}); err != nil {
		t.Fatalf("failed to journal reactions: %v", err)
	}

	reconcileRequest, err := http.NewRequest(http.MethodPost, server.URL+"/api/reconcile", http.NoBody)
	if err != nil {
		t.Fatalf("failed to build reconcile request: %v", err)
	}
	reconcileRequest.Header.Set("Authorization", "Bearer "+token)
	reconcileResponse, err := http.DefaultClient.Do(reconcileRequest)
	if err != nil {
		t.Fatalf("reconcile request failed: %v", err)
	}
	defer reconcileResponse.Body.Close()
	var report reconcile.CycleReport
	if err := json.NewDecoder(reconcileResponse.Body).Decode(&report); err != nil {
		t.Fatalf("failed to decode report: %v", err)
	}
	if report.Changed != 2 || report.EditFailures != 0 || report.Edited == 0 {
		t.Fatalf("unexpected cycle report %+v", report)
	}

	var tallies reactionsResponsePayload
	if err := json.NewDecoder(get("/api/reactions/-1002/901").Body).Decode(&tallies); err != nil {
		t.Fatalf("failed to decode reactions: %v", err)
	}
	if tallies.Combined["👍"] != 5 {
		t.Fatalf("unexpected combined tally %+v", tallies)
	}

	copyBody, found, err := observed.FetchByID(ctx, testSecondChannel, 901)
	if err != nil || !found {
		t.Fatalf("expected journaled copy, found=%t err=%v", found, err)
	}
	if copyBody.Text != reactions.Decorate("hello", tallies.Summary) {
		t.Fatalf("expected decorated copy, got %q", copyBody.Text)
	}
}
