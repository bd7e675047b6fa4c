package webhook

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"lukechampine.com/blake3"

	gwmiddleware "cardcredit/gateway/middleware"
)

// Handler is the decision core's inbound contract: given a validated Event,
// produce the JSON-serialisable response body and an idempotency
// duplicate flag. The ingress package never mutates debt itself — it only
// verifies, deduplicates, and hands off.
type Handler interface {
	Handle(ctx context.Context, evt Event, idempotencyKey string) (response any, duplicate bool, err error)
}

// Config bundles the ingress server's tunables.
type Config struct {
	Secret           []byte
	FreshnessWindow  time.Duration
	ReplayTTL        time.Duration
	IdempotencyTTL   time.Duration
	RateLimitPerSec  float64
	RateLimitBurst   int
}

// Server wires HMAC verification, replay/idempotency checks, and rate
// limiting in front of Handler, using the same chi router and
// gateway/middleware stack as the rest of this codebase's HTTP surfaces.
type Server struct {
	cfg          Config
	replay       ReplaySet
	idempotency  IdempotencyStore
	handler      Handler
	logger       *slog.Logger
	observability *gwmiddleware.Observability
	rateLimiter  *gwmiddleware.RateLimiter
	router       chi.Router
}

func NewServer(cfg Config, replay ReplaySet, idempotency IdempotencyStore, handler Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FreshnessWindow <= 0 {
		cfg.FreshnessWindow = DefaultFreshnessWindow
	}
	s := &Server{
		cfg:         cfg,
		replay:      replay,
		idempotency: idempotency,
		handler:     handler,
		logger:      logger,
	}
	s.observability = gwmiddleware.NewObservability(gwmiddleware.ObservabilityConfig{
		ServiceName:   "cardcredit-webhookd",
		MetricsPrefix: "webhook",
		LogRequests:   true,
		Enabled:       true,
	}, nil)
	perSec := cfg.RateLimitPerSec
	if perSec <= 0 {
		perSec = 50
	}
	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = 100
	}
	s.rateLimiter = gwmiddleware.NewRateLimiter(map[string]gwmiddleware.RateLimit{
		"ingress": {RatePerSecond: perSec, Burst: burst},
	}, nil)

	r := chi.NewRouter()
	r.With(s.rateLimiter.Middleware("ingress"), s.observability.Middleware("/webhooks/card")).
		Post("/webhooks/card", s.handleWebhook)
	r.Get("/metrics", s.observability.MetricsHandler().ServeHTTP)
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "PROCESSING_ERROR")
		return
	}

	timestampHeader := r.Header.Get("webhook-timestamp")
	signatureHeader := r.Header.Get("webhook-signature")

	if err := VerifySignature(s.cfg.Secret, timestampHeader, signatureHeader, body); err != nil {
		s.logger.Warn("webhook: signature rejected", "error", err)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if err := CheckFreshness(timestampHeader, time.Now(), s.cfg.FreshnessWindow); err != nil {
		s.logger.Warn("webhook: stale timestamp rejected", "error", err)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	replayKey := replayKeyFor(timestampHeader, signatureHeader)
	seen, err := s.replay.CheckAndInsert(ctx, replayKey, s.cfg.ReplayTTL)
	if err != nil {
		s.logger.Error("webhook: replay set error", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "PROCESSING_ERROR")
		return
	}
	if seen {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]any{"received": false, "decline_reason": "REPLAY_DETECTED"})
		return
	}

	evt, err := ParseEvent(body)
	if err != nil {
		s.logger.Warn("webhook: event parse failed", "error", err)
		writeJSONError(w, http.StatusBadRequest, "PROCESSING_ERROR")
		return
	}

	idempotencyKey := idempotencyKeyFor(evt.AuthID(), evt.Type)
	if cached, found, err := s.idempotency.Get(ctx, idempotencyKey); err == nil && found {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(appendDuplicateMarker(cached.Response))
		return
	}

	response, _, err := s.handler.Handle(ctx, evt, idempotencyKey)
	if err != nil {
		s.logger.Error("webhook: handler error", "event", evt.Type, "error", err)
		writeJSONError(w, http.StatusOK, "PROCESSING_ERROR")
		return
	}

	encoded, err := json.Marshal(response)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "PROCESSING_ERROR")
		return
	}
	_ = s.idempotency.Put(ctx, idempotencyKey, IdempotencyEntry{Response: encoded, Completed: true}, s.cfg.IdempotencyTTL)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(encoded)
}

func replayKeyFor(timestampHeader, signatureHeader string) string {
	sum := blake3.Sum256([]byte(timestampHeader + "|" + signatureHeader))
	return hex.EncodeToString(sum[:])
}

// idempotencyKeyFor derives hash(auth_id, type).
func idempotencyKeyFor(authID string, eventType EventType) string {
	sum := blake3.Sum256([]byte(authID + "|" + string(eventType)))
	return hex.EncodeToString(sum[:])
}

func appendDuplicateMarker(response []byte) []byte {
	var generic map[string]any
	if err := json.Unmarshal(response, &generic); err != nil {
		return response
	}
	generic["duplicate"] = true
	out, err := json.Marshal(generic)
	if err != nil {
		return response
	}
	return out
}

func writeJSONError(w http.ResponseWriter, status int, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"received": false, "decline_reason": reason})
}
