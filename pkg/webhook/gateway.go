package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/callmonitor-labs/orchestrator/pkg/call"
	"github.com/callmonitor-labs/orchestrator/pkg/dedup"
)

// Signature headers carried on every provider delivery.
const (
	HeaderTimestamp = "X-Callmonitor-Timestamp"
	HeaderSignature = "X-Callmonitor-Signature"
)

// maxBodyBytes caps webhook body reads.
const maxBodyBytes = 1 << 20

// Submitter is the engine-facing write path.
type Submitter interface {
	Submit(ctx context.Context, ev call.Event) (*call.Call, error)
}

// CallResolver maps a provider call SID back to the call record, for
// deliveries that only carry the provider's identifier.
type CallResolver interface {
	FindByProviderRef(ctx context.Context, providerRef string) (*call.Call, error)
}

// Gateway terminates provider callbacks. An HTTP 200 means the delivery's
// outcome is durable (applied, buffered, already processed, or recorded as
// rejected); providers stop redelivering on 200, so it is never returned
// before the store has the result.
type Gateway struct {
	verifier *Verifier
	parser   *Parser
	dedup    *dedup.Deduplicator
	engine   Submitter
	resolver CallResolver
	log      *slog.Logger
}

// NewGateway wires the ingestion gateway.
func NewGateway(v *Verifier, p *Parser, d *dedup.Deduplicator, engine Submitter, resolver CallResolver, log *slog.Logger) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{verifier: v, parser: p, dedup: d, engine: engine, resolver: resolver, log: log}
}

// HandleTelephony terminates telephony status and recording callbacks.
func (g *Gateway) HandleTelephony(w http.ResponseWriter, r *http.Request) {
	body, ok := g.authenticate(w, r)
	if !ok {
		return
	}

	ev, callSID, err := g.parser.ParseTelephony(body)
	if err != nil {
		g.rejectParse(w, "telephony", err)
		return
	}

	if ev.CallID == "" {
		c, err := g.resolver.FindByProviderRef(r.Context(), callSID)
		if err != nil {
			if errors.Is(err, call.ErrNotFound) {
				g.log.Warn("telephony callback for unknown call sid", "call_sid", callSID)
				ack(w, "ignored")
				return
			}
			httpError(w, http.StatusInternalServerError)
			return
		}
		ev.CallID = c.ID
	}

	g.process(w, r, ev)
}

// HandleTranscription terminates transcription completion callbacks.
func (g *Gateway) HandleTranscription(w http.ResponseWriter, r *http.Request) {
	body, ok := g.authenticate(w, r)
	if !ok {
		return
	}

	ev, err := g.parser.ParseTranscription(body)
	if err != nil {
		g.rejectParse(w, "transcription", err)
		return
	}

	g.process(w, r, ev)
}

// authenticate reads the body and verifies the signature. Failures answer 401
// with no detail about which check failed.
func (g *Gateway) authenticate(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		httpError(w, http.StatusBadRequest)
		return nil, false
	}

	if err := g.verifier.Verify(r.Header.Get(HeaderTimestamp), r.Header.Get(HeaderSignature), body); err != nil {
		g.log.Warn("webhook signature rejected", "path", r.URL.Path, "error", err)
		httpError(w, http.StatusUnauthorized)
		return nil, false
	}
	return body, true
}

func (g *Gateway) rejectParse(w http.ResponseWriter, source string, err error) {
	if errors.Is(err, ErrUnsupportedEvent) {
		// Valid delivery for an event the engine does not consume. Ack so the
		// provider stops redelivering it.
		g.log.Info("unsupported webhook event acked", "source", source, "error", err)
		ack(w, "ignored")
		return
	}
	g.log.Warn("malformed webhook payload", "source", source, "error", err)
	httpError(w, http.StatusBadRequest)
}

func (g *Gateway) process(w http.ResponseWriter, r *http.Request, ev call.Event) {
	ctx := r.Context()

	dup, err := g.dedup.IsDuplicate(ctx, ev.Provider, ev.SourceID)
	if err != nil {
		httpError(w, http.StatusInternalServerError)
		return
	}
	if dup {
		ack(w, "duplicate")
		return
	}

	if _, err := g.engine.Submit(ctx, ev); err != nil {
		if r := call.RejectionOf(err); r != nil {
			// The rejection is final and audited; redelivery cannot change it.
			ack(w, "rejected")
			return
		}
		if errors.Is(err, call.ErrNotFound) {
			g.log.Warn("webhook for unknown call", "call_id", ev.CallID, "kind", ev.Kind)
			ack(w, "ignored")
			return
		}
		g.log.Error("webhook processing failed", "call_id", ev.CallID, "kind", ev.Kind, "error", err)
		httpError(w, http.StatusInternalServerError)
		return
	}

	// The durable mark committed with the transition; warming the cache is
	// best effort.
	g.dedup.Remember(ctx, ev.Provider, ev.SourceID)
	ack(w, "accepted")
}

func ack(w http.ResponseWriter, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
}

func httpError(w http.ResponseWriter, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": http.StatusText(code)})
}
