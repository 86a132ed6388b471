package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// Gate is the synchronous entitlement check consulted before plan-gated
// transitions. Implementations must be safe for concurrent use.
type Gate interface {
	Has(ctx context.Context, orgID string, c Capability) (bool, error)
}

// PlanResolver maps an org to its current plan.
type PlanResolver interface {
	PlanFor(ctx context.Context, orgID string) (PlanID, error)
}

// StaticPlanResolver is a fixed org→plan table, used in tests and
// single-tenant deployments.
type StaticPlanResolver struct {
	mu    sync.RWMutex
	plans map[string]PlanID
}

// NewStaticPlanResolver builds a resolver from a fixed table. Unknown orgs
// resolve to the free plan (fail toward the narrowest entitlement).
func NewStaticPlanResolver(plans map[string]PlanID) *StaticPlanResolver {
	cp := make(map[string]PlanID, len(plans))
	for k, v := range plans {
		cp[k] = v
	}
	return &StaticPlanResolver{plans: cp}
}

func (r *StaticPlanResolver) PlanFor(_ context.Context, orgID string) (PlanID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.plans[orgID]; ok {
		return p, nil
	}
	return PlanFree, nil
}

// SetPlan updates the plan for an org.
func (r *StaticPlanResolver) SetPlan(orgID string, plan PlanID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plans[orgID] = plan
}

// PlanGate answers capability checks from the local plan catalog.
type PlanGate struct {
	Resolver PlanResolver
}

// NewPlanGate creates a gate backed by the given resolver.
func NewPlanGate(r PlanResolver) *PlanGate {
	return &PlanGate{Resolver: r}
}

func (g *PlanGate) Has(ctx context.Context, orgID string, c Capability) (bool, error) {
	planID, err := g.Resolver.PlanFor(ctx, orgID)
	if err != nil {
		return false, fmt.Errorf("resolve plan for org %s: %w", orgID, err)
	}
	plan := GetPlan(planID)
	if plan == nil {
		// Unknown plan fails closed.
		return false, nil
	}
	return plan.Has(c), nil
}

// HTTPGate consults the external capability collaborator. The response shape
// matches the platform's call-capabilities endpoint:
//
//	{"success": true, "capabilities": {"record": true, "translate": false, ...}}
type HTTPGate struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPGate creates a gate calling the collaborator at baseURL.
func NewHTTPGate(baseURL string) *HTTPGate {
	return &HTTPGate{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 5 * time.Second},
	}
}

type capabilitiesResponse struct {
	Success      bool            `json:"success"`
	Capabilities map[string]bool `json:"capabilities"`
}

func (g *HTTPGate) Has(ctx context.Context, orgID string, c Capability) (bool, error) {
	endpoint := fmt.Sprintf("%s/api/call-capabilities?orgId=%s", g.BaseURL, url.QueryEscape(orgID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, err
	}

	resp, err := g.Client.Do(req)
	if err != nil {
		return false, fmt.Errorf("capability lookup failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("capability lookup returned status %d", resp.StatusCode)
	}

	var body capabilitiesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("capability lookup decode failed: %w", err)
	}
	if !body.Success {
		return false, fmt.Errorf("capability lookup reported failure")
	}
	return body.Capabilities[string(c)], nil
}
