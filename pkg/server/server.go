package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/callmonitor-labs/orchestrator/pkg/api"
	"github.com/callmonitor-labs/orchestrator/pkg/auth"
	"github.com/callmonitor-labs/orchestrator/pkg/observability"
	"github.com/callmonitor-labs/orchestrator/pkg/webhook"
)

// Options configures the HTTP surface.
type Options struct {
	// JWTSecret signs operator API tokens. Empty fails all API requests closed.
	JWTSecret string
	// RateLimitRPS and RateLimitBurst tune the per-IP limiter.
	RateLimitRPS   int
	RateLimitBurst int
	// IdempotencyTTL bounds how long Idempotency-Key replays are honored.
	IdempotencyTTL time.Duration
	// CORSOrigins is the allowed origin list. Empty allows all (development).
	CORSOrigins []string
	// Metrics records RED metrics for every request when set.
	Metrics *observability.Provider
}

// DefaultOptions returns production-leaning defaults.
func DefaultOptions() Options {
	return Options{
		RateLimitRPS:   50,
		RateLimitBurst: 100,
		IdempotencyTTL: 24 * time.Hour,
	}
}

// New assembles the full handler chain: request id, CORS, rate limiting,
// idempotent replay, bearer auth, then routing. Webhooks and the scheduler
// tick sit behind their own credentials and bypass bearer auth.
func New(calls *CallService, gateway *webhook.Gateway, opts Options, log *slog.Logger) http.Handler {
	if log == nil {
		log = slog.Default()
	}

	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/calls", calls.HandleCreate)
	mux.HandleFunc("GET /v1/calls/{id}", calls.HandleGet)
	mux.HandleFunc("POST /v1/calls/{id}/cancel", calls.HandleCancel)
	mux.HandleFunc("GET /v1/calls/{id}/manifest", calls.HandleManifest)
	mux.HandleFunc("GET /v1/calls/{id}/timeline", calls.HandleTimeline)

	mux.HandleFunc("POST /webhooks/telephony", gateway.HandleTelephony)
	mux.HandleFunc("POST /webhooks/transcription", gateway.HandleTranscription)

	mux.HandleFunc("POST /internal/scheduler/tick", calls.HandleSchedulerTick)
	mux.HandleFunc("GET /health", calls.HandleHealth)

	limiter := api.NewGlobalRateLimiter(opts.RateLimitRPS, opts.RateLimitBurst)
	idempotency := api.IdempotencyMiddleware(api.NewIdempotencyStore(opts.IdempotencyTTL))
	authn := auth.NewMiddleware(auth.NewJWTValidator(opts.JWTSecret))
	cors := auth.CORSMiddleware(opts.CORSOrigins)

	var handler http.Handler = mux
	handler = authn(handler)
	handler = idempotency(handler)
	handler = limiter.Middleware(handler)
	handler = cors(handler)
	if opts.Metrics != nil {
		handler = opts.Metrics.Middleware(handler)
	}
	handler = auth.RequestIDMiddleware(handler)
	return handler
}
