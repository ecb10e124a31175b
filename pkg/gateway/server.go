package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/icified/icebot/pkg/dedupe"
	"github.com/icified/icebot/pkg/logger"
	"github.com/icified/icebot/pkg/normalize"
	"github.com/icified/icebot/pkg/pool"
	"github.com/icified/icebot/pkg/utils"
)

// Server is the single inbound listener. Webhook POSTs are normalized,
// deduplicated, and handed to the execution pool; the provider gets an
// immediate acknowledgment either way, so its connection never waits on
// handler execution.
type Server struct {
	registry *normalize.Registry
	guard    *dedupe.Guard
	pool     *pool.Pool
	srv      *http.Server
}

func NewServer(host string, port int, registry *normalize.Registry, guard *dedupe.Guard, p *pool.Pool) *Server {
	s := &Server{
		registry: registry,
		guard:    guard,
		pool:     p,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook/{source}", s.handleWebhook)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	s.srv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", host, port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the route table for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Start blocks serving until Shutdown. Failing to bind the port is the
// only fatal startup condition; it is returned to the caller.
func (s *Server) Start() error {
	logger.InfoCF("gateway", "Listening for webhooks", map[string]interface{}{
		"addr": s.srv.Addr,
	})
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	source := r.PathValue("source")

	limit := s.registry.MaxPayloadBytes()
	if limit <= 0 {
		limit = 1 << 20
	}
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "payload too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}

	// Slack's endpoint registration handshake is answered inline and
	// never enters the pipeline.
	if source == "slack" {
		if challenge, ok := normalize.ChallengeResponse(raw); ok {
			writeJSON(w, http.StatusOK, map[string]string{"challenge": challenge})
			return
		}
	}

	cmd, err := s.registry.Normalize(source, raw)
	if err != nil {
		s.rejectNormalize(w, source, err)
		return
	}

	if !s.guard.Admit(cmd.Event.ID) {
		// Duplicates are the provider retrying; they get a success ack
		// and no handler invocation.
		logger.DebugCF("gateway", "Duplicate event suppressed", map[string]interface{}{
			"event_id": cmd.Event.ID,
			"source":   source,
		})
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}

	if !s.pool.Dispatch(cmd) {
		// Shed under overload: release the id so the provider retry is
		// admitted next time around.
		s.guard.Forget(cmd.Event.ID)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "overloaded"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (s *Server) rejectNormalize(w http.ResponseWriter, source string, err error) {
	switch {
	case errors.Is(err, normalize.ErrPayloadTooLarge):
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "payload too large"})
	case errors.Is(err, normalize.ErrUnsupportedSource):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unsupported source"})
	default:
		logger.DebugCF("gateway", "Rejected malformed payload", map[string]interface{}{
			"source": source,
			"error":  utils.Truncate(err.Error(), 200),
		})
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed payload"})
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
