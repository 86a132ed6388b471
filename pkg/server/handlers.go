// Package server wires the HTTP surface: the operator call API, the provider
// webhook endpoints, and the middleware chain around them.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/callmonitor-labs/orchestrator/pkg/api"
	"github.com/callmonitor-labs/orchestrator/pkg/auth"
	"github.com/callmonitor-labs/orchestrator/pkg/call"
	"github.com/callmonitor-labs/orchestrator/pkg/store"
)

// Engine is the write path into the call state machine.
type Engine interface {
	Submit(ctx context.Context, ev call.Event) (*call.Call, error)
	Get(ctx context.Context, callID string) (*call.Call, error)
}

// Ticker forces a scheduler scan, used by the internal tick endpoint.
type Ticker interface {
	Scan(ctx context.Context) error
}

// CallService exposes the call lifecycle over HTTP.
type CallService struct {
	engine     Engine
	store      *store.CallStore
	ticker     Ticker
	tickSecret string
	clock      func() time.Time
}

// NewCallService creates the call API service.
func NewCallService(engine Engine, s *store.CallStore, ticker Ticker, tickSecret string) *CallService {
	return &CallService{
		engine:     engine,
		store:      s,
		ticker:     ticker,
		tickSecret: tickSecret,
		clock:      time.Now,
	}
}

// CreateCallRequest is the POST /v1/calls body.
type CreateCallRequest struct {
	Targets     []string                `json:"targets"`
	Record      bool                    `json:"record"`
	Transcribe  bool                    `json:"transcribe"`
	Translation *call.TranslationConfig `json:"translation,omitempty"`
	ScheduledAt *time.Time              `json:"scheduled_at,omitempty"`
}

// HandleCreate handles POST /v1/calls. The caller's org comes from the
// authenticated principal, never from the body.
func (s *CallService) HandleCreate(w http.ResponseWriter, r *http.Request) {
	orgID, err := auth.GetOrgID(r.Context())
	if err != nil {
		api.WriteUnauthorized(w, "")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req CreateCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteBadRequest(w, "Invalid request body")
		return
	}
	if len(req.Targets) == 0 {
		api.WriteBadRequest(w, "Missing required field: targets")
		return
	}

	now := s.clock().UTC()
	callID := uuid.New().String()
	c, err := s.engine.Submit(r.Context(), call.Event{
		Kind:       call.EventManualCreate,
		CallID:     callID,
		OccurredAt: now,
		Create: &call.CreatePayload{
			CallID:      callID,
			OrgID:       orgID,
			Targets:     req.Targets,
			Record:      req.Record,
			Transcribe:  req.Transcribe,
			Translation: req.Translation,
			ScheduledAt: req.ScheduledAt,
		},
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(c)
}

// HandleGet handles GET /v1/calls/{id}. Calls outside the caller's org are
// indistinguishable from missing ones.
func (s *CallService) HandleGet(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadScoped(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(c)
}

// HandleCancel handles POST /v1/calls/{id}/cancel. Legal only before the call
// leaves the queue.
func (s *CallService) HandleCancel(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadScoped(w, r)
	if !ok {
		return
	}

	next, err := s.engine.Submit(r.Context(), call.Event{
		Kind:       call.EventManualCancel,
		CallID:     c.ID,
		OccurredAt: s.clock().UTC(),
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(next)
}

// ManifestResponse wraps the sealed manifest with its integrity hash.
type ManifestResponse struct {
	ManifestID   string          `json:"manifest_id"`
	ManifestHash string          `json:"manifest_hash"`
	CreatedAt    time.Time       `json:"created_at"`
	Content      json.RawMessage `json:"content"`
}

// HandleManifest handles GET /v1/calls/{id}/manifest.
func (s *CallService) HandleManifest(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadScoped(w, r)
	if !ok {
		return
	}

	m, err := s.store.GetManifest(r.Context(), c.ID)
	if err != nil {
		if errors.Is(err, store.ErrManifestNotFound) {
			api.WriteNotFound(w, "No manifest sealed for this call yet")
			return
		}
		api.WriteInternal(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ManifestResponse{
		ManifestID:   m.ManifestID,
		ManifestHash: m.ManifestHash,
		CreatedAt:    m.CreatedAt,
		Content:      json.RawMessage(m.Content),
	})
}

// HandleTimeline handles GET /v1/calls/{id}/timeline.
func (s *CallService) HandleTimeline(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadScoped(w, r)
	if !ok {
		return
	}

	timeline, err := s.store.Timeline(r.Context(), c.ID)
	if err != nil {
		api.WriteInternal(w, err)
		return
	}
	if timeline == nil {
		timeline = []call.Event{}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(timeline)
}

// HandleSchedulerTick handles POST /internal/scheduler/tick, authenticated by
// the shared operator secret rather than a bearer token.
func (s *CallService) HandleSchedulerTick(w http.ResponseWriter, r *http.Request) {
	secret := r.Header.Get("X-Scheduler-Secret")
	if s.tickSecret == "" || subtle.ConstantTimeCompare([]byte(secret), []byte(s.tickSecret)) != 1 {
		api.WriteUnauthorized(w, "")
		return
	}
	if s.ticker == nil {
		api.WriteInternal(w, errors.New("scheduler not configured"))
		return
	}

	if err := s.ticker.Scan(r.Context()); err != nil {
		api.WriteInternal(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "scanned"})
}

// HandleHealth handles GET /health.
func (s *CallService) HandleHealth(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CountByState(r.Context())
	if err != nil {
		api.WriteError(w, http.StatusServiceUnavailable, "Service Unavailable", "store unreachable")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"calls":  counts,
	})
}

// loadScoped loads the path call and enforces org scoping.
func (s *CallService) loadScoped(w http.ResponseWriter, r *http.Request) (*call.Call, bool) {
	orgID, err := auth.GetOrgID(r.Context())
	if err != nil {
		api.WriteUnauthorized(w, "")
		return nil, false
	}

	c, err := s.engine.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, call.ErrNotFound) {
			api.WriteNotFound(w, "Call not found")
			return nil, false
		}
		api.WriteInternal(w, err)
		return nil, false
	}
	if c.OrgID != orgID {
		api.WriteNotFound(w, "Call not found")
		return nil, false
	}
	return c, true
}

func (s *CallService) writeEngineError(w http.ResponseWriter, err error) {
	if r := call.RejectionOf(err); r != nil {
		switch r.Code {
		case call.RejectCapabilityDenied:
			api.WriteForbidden(w, r.Detail)
		case call.RejectStaleVersion:
			api.WriteConflict(w, r.Detail)
		default:
			api.WriteUnprocessable(w, r.Detail)
		}
		return
	}
	if errors.Is(err, call.ErrNotFound) {
		api.WriteNotFound(w, "Call not found")
		return
	}
	if errors.Is(err, call.ErrCallExists) {
		api.WriteConflict(w, "Call already exists")
		return
	}
	api.WriteInternal(w, err)
}
