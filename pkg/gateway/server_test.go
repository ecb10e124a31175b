package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/icified/icebot/pkg/bus"
	"github.com/icified/icebot/pkg/dedupe"
	"github.com/icified/icebot/pkg/delivery"
	"github.com/icified/icebot/pkg/normalize"
	"github.com/icified/icebot/pkg/pool"
	"github.com/icified/icebot/pkg/router"
)

// plainNormalizer accepts {"id","conversation","text"} payloads. It
// stands in for a provider-specific normalizer in pipeline tests.
type plainNormalizer struct{}

func (plainNormalizer) Source() string { return "plain" }

func (plainNormalizer) Normalize(raw []byte) (bus.Command, error) {
	var in struct {
		ID           string `json:"id"`
		Conversation string `json:"conversation"`
		Text         string `json:"text"`
	}
	if err := json.Unmarshal(raw, &in); err != nil || in.ID == "" || in.Conversation == "" {
		return bus.Command{}, fmt.Errorf("%w: bad plain payload", normalize.ErrMalformedPayload)
	}
	fields := strings.Fields(in.Text)
	name := "/message"
	var args []string
	if len(fields) > 0 && strings.HasPrefix(fields[0], "/") {
		name = fields[0]
		args = fields[1:]
	} else {
		args = fields
	}
	return bus.Command{
		Name: name,
		Args: args,
		Event: bus.Event{
			ID:             "plain:" + in.ID,
			Source:         "plain",
			ConversationID: "plain:" + in.Conversation,
			Payload:        raw,
			ReceivedAt:     time.Now(),
		},
	}, nil
}

type recordingTransport struct {
	mu    sync.Mutex
	sends []bus.OutboundMessage
}

func (r *recordingTransport) Send(ctx context.Context, msg bus.OutboundMessage) delivery.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sends = append(r.sends, msg)
	return delivery.Delivered
}

func (r *recordingTransport) sent() []bus.OutboundMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]bus.OutboundMessage, len(r.sends))
	copy(out, r.sends)
	return out
}

type pipeline struct {
	handler   http.Handler
	transport *recordingTransport
}

func newPipeline(t *testing.T, maxPayload int64) *pipeline {
	t.Helper()

	table := router.NewTable()
	_ = table.Register("/ping", func(ctx context.Context, cmd bus.Command) ([]bus.OutboundMessage, error) {
		return bus.Reply(cmd, "pong"), nil
	})
	table.Seal()

	transport := &recordingTransport{}
	queue := delivery.NewQueue(transport, delivery.Options{})
	execPool := pool.New(table, queue, pool.Options{Workers: 2, Timeout: time.Second})
	execPool.Start()
	t.Cleanup(func() {
		execPool.Stop()
		queue.Stop()
	})

	registry := normalize.NewRegistry(maxPayload)
	registry.Register(plainNormalizer{})
	registry.Register(normalize.NewSlackNormalizer())

	guard := dedupe.NewGuard(time.Hour)
	server := NewServer("127.0.0.1", 0, registry, guard, execPool)

	return &pipeline{handler: server.Handler(), transport: transport}
}

func (p *pipeline) post(t *testing.T, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader([]byte(body)))
	rec := httptest.NewRecorder()
	p.handler.ServeHTTP(rec, req)
	return rec
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestWebhookAcceptedAndHandled(t *testing.T) {
	p := newPipeline(t, 1<<20)

	rec := p.post(t, "/webhook/plain", `{"id":"e1","conversation":"c1","text":"/ping"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "accepted") {
		t.Fatalf("body = %q, want accepted ack", rec.Body.String())
	}

	waitFor(t, func() bool { return len(p.transport.sent()) == 1 })
	got := p.transport.sent()[0]
	if got.Body != "pong" || got.ConversationID != "plain:c1" {
		t.Fatalf("delivered %+v, want pong to plain:c1", got)
	}
}

// TestDuplicateEventHandledOnce verifies a retried delivery is acked
// but never re-invokes the handler.
func TestDuplicateEventHandledOnce(t *testing.T) {
	p := newPipeline(t, 1<<20)
	payload := `{"id":"e1","conversation":"c1","text":"/ping"}`

	first := p.post(t, "/webhook/plain", payload)
	if first.Code != http.StatusOK {
		t.Fatalf("first status = %d", first.Code)
	}
	waitFor(t, func() bool { return len(p.transport.sent()) == 1 })

	second := p.post(t, "/webhook/plain", payload)
	if second.Code != http.StatusOK {
		t.Fatalf("duplicate status = %d, want 200", second.Code)
	}
	if !strings.Contains(second.Body.String(), "duplicate") {
		t.Fatalf("duplicate body = %q", second.Body.String())
	}

	time.Sleep(100 * time.Millisecond)
	if n := len(p.transport.sent()); n != 1 {
		t.Fatalf("sends = %d, want exactly 1", n)
	}
}

func TestUnroutedCommandIsAckedWithoutOutput(t *testing.T) {
	p := newPipeline(t, 1<<20)

	rec := p.post(t, "/webhook/plain", `{"id":"e2","conversation":"c1","text":"/unknown"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	time.Sleep(100 * time.Millisecond)
	if n := len(p.transport.sent()); n != 0 {
		t.Fatalf("sends = %d, want 0 for unrouted command", n)
	}
}

func TestOversizedPayloadRejected(t *testing.T) {
	p := newPipeline(t, 64)

	big := `{"id":"e3","conversation":"c1","text":"` + strings.Repeat("x", 200) + `"}`
	rec := p.post(t, "/webhook/plain", big)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
}

func TestMalformedPayloadRejected(t *testing.T) {
	p := newPipeline(t, 1<<20)

	rec := p.post(t, "/webhook/plain", "{{{ nope")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestUnsupportedSourceRejected(t *testing.T) {
	p := newPipeline(t, 1<<20)

	rec := p.post(t, "/webhook/carrierpigeon", `{"id":"e4","conversation":"c1","text":"hi"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

// TestUnhandledProviderUpdateIsAccepted verifies update types the bot
// has no feature for are acked with 200 so the provider stops
// redelivering them.
func TestUnhandledProviderUpdateIsAccepted(t *testing.T) {
	p := newPipeline(t, 1<<20)
	payload := `{
		"token": "tok",
		"team_id": "T100",
		"api_app_id": "A100",
		"type": "event_callback",
		"event_id": "Ev300",
		"event_time": 1700000000,
		"event": {
			"type": "reaction_added",
			"user": "U200",
			"reaction": "fire",
			"item": {"type": "message", "channel": "C500", "ts": "1700000000.000100"},
			"event_ts": "1700000000.000200"
		}
	}`

	rec := p.post(t, "/webhook/slack", payload)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "accepted") {
		t.Fatalf("body = %q, want accepted ack", rec.Body.String())
	}

	time.Sleep(100 * time.Millisecond)
	if n := len(p.transport.sent()); n != 0 {
		t.Fatalf("sends = %d, want 0 for unhandled update", n)
	}
}

// TestSlackChallengeAnsweredInline verifies endpoint registration
// handshakes are echoed without entering the pipeline.
func TestSlackChallengeAnsweredInline(t *testing.T) {
	p := newPipeline(t, 1<<20)

	rec := p.post(t, "/webhook/slack", `{"type":"url_verification","challenge":"3eZbrw1a"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body struct {
		Challenge string `json:"challenge"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body.Challenge != "3eZbrw1a" {
		t.Fatalf("challenge = %q", body.Challenge)
	}
}

func TestHealthz(t *testing.T) {
	p := newPipeline(t, 1<<20)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	p.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
