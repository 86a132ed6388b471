// Package provider holds the outbound telephony boundary. Dispatch is
// idempotent per call id: the provider is expected to collapse repeated
// dispatches for the same id onto one live call.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/callmonitor-labs/orchestrator/pkg/call"
	"github.com/callmonitor-labs/orchestrator/pkg/retry"
)

// Dispatcher invokes the telephony provider to place a call. Returns the
// provider's call SID on success.
type Dispatcher interface {
	Dispatch(ctx context.Context, c *call.Call) (string, error)
}

// Profile is one provider connection, loaded from the provider profile file.
type Profile struct {
	Name        string `yaml:"name"`
	BaseURL     string `yaml:"base_url"`
	ProjectID   string `yaml:"project_id"`
	AuthToken   string `yaml:"auth_token"`
	From        string `yaml:"from"`
	CallbackURL string `yaml:"callback_url"`
}

// HTTPDispatcher places calls through a SignalWire-style REST API, retrying
// transient failures on a deterministic backoff schedule.
type HTTPDispatcher struct {
	Profile Profile
	Client  *http.Client
	Policy  retry.Policy
	Log     *slog.Logger
}

// NewHTTPDispatcher creates a dispatcher for the given provider profile.
func NewHTTPDispatcher(p Profile, log *slog.Logger) *HTTPDispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &HTTPDispatcher{
		Profile: p,
		Client:  &http.Client{Timeout: 15 * time.Second},
		Policy:  retry.Policy{BaseMs: 200, MaxMs: 5_000, MaxJitterMs: 200, MaxAttempts: 4},
		Log:     log,
	}
}

type dispatchRequest struct {
	CallID      string   `json:"call_id"` // carried through so callbacks correlate
	To          []string `json:"to"`
	From        string   `json:"from"`
	Record      bool     `json:"record"`
	Transcribe  bool     `json:"transcribe"`
	CallbackURL string   `json:"callback_url"`
}

type dispatchResponse struct {
	CallSID string `json:"call_sid"`
}

// Dispatch places the call. Transient failures (network errors, 5xx) are
// retried within the policy budget; a 4xx is returned immediately.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, c *call.Call) (string, error) {
	body, err := json.Marshal(dispatchRequest{
		CallID:      c.ID,
		To:          c.Targets,
		From:        d.Profile.From,
		Record:      c.Record,
		Transcribe:  c.Transcribe,
		CallbackURL: d.Profile.CallbackURL,
	})
	if err != nil {
		return "", err
	}

	var lastErr error
	for attempt := 0; !retry.Exhausted(attempt, d.Policy); attempt++ {
		if attempt > 0 {
			delay := retry.Backoff(retry.Params{CallID: c.ID, Stage: "provider_dispatch", AttemptIndex: attempt}, d.Policy)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		sid, retryable, err := d.attempt(ctx, body)
		if err == nil {
			return sid, nil
		}
		lastErr = err
		if !retryable {
			return "", err
		}
		d.Log.Warn("provider dispatch attempt failed",
			"call_id", c.ID, "attempt", attempt, "error", err)
	}
	return "", fmt.Errorf("provider dispatch exhausted retries: %w", lastErr)
}

func (d *HTTPDispatcher) attempt(ctx context.Context, body []byte) (sid string, retryable bool, err error) {
	endpoint := fmt.Sprintf("%s/api/laml/2010-04-01/Accounts/%s/Calls",
		d.Profile.BaseURL, d.Profile.ProjectID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(d.Profile.ProjectID, d.Profile.AuthToken)

	resp, err := d.Client.Do(req)
	if err != nil {
		return "", true, fmt.Errorf("provider request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var out dispatchResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", false, fmt.Errorf("provider response decode failed: %w", err)
		}
		if out.CallSID == "" {
			return "", false, fmt.Errorf("provider accepted dispatch without a call sid")
		}
		return out.CallSID, false, nil
	case resp.StatusCode >= 500:
		return "", true, fmt.Errorf("provider returned status %d", resp.StatusCode)
	default:
		return "", false, fmt.Errorf("provider rejected dispatch with status %d", resp.StatusCode)
	}
}
