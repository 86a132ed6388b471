// Package capability decides whether an organization's plan entitles it to a
// call feature. The engine only enforces that the decision was checked before
// a gated transition proceeds; the decision itself belongs to the plan catalog
// or an external collaborator.
package capability

// Capability names a plan-gated call feature.
type Capability string

const (
	CapabilityRecord          Capability = "record"
	CapabilityTranscribe      Capability = "transcribe"
	CapabilityTranslate       Capability = "translate"
	CapabilitySurvey          Capability = "survey"
	CapabilitySyntheticCaller Capability = "synthetic_caller"
)

// PlanID identifies a product plan.
type PlanID string

const (
	PlanFree       PlanID = "free"
	PlanPaid       PlanID = "paid"
	PlanEnterprise PlanID = "enterprise"
)

// Plan maps a plan to its entitled capabilities.
type Plan struct {
	ID           PlanID
	Name         string
	Capabilities []Capability
}

var (
	Free = Plan{
		ID:           PlanFree,
		Name:         "Free",
		Capabilities: []Capability{CapabilityRecord},
	}

	Paid = Plan{
		ID:   PlanPaid,
		Name: "Paid",
		Capabilities: []Capability{
			CapabilityRecord,
			CapabilityTranscribe,
			CapabilityTranslate,
			CapabilitySurvey,
		},
	}

	Enterprise = Plan{
		ID:   PlanEnterprise,
		Name: "Enterprise",
		Capabilities: []Capability{
			CapabilityRecord,
			CapabilityTranscribe,
			CapabilityTranslate,
			CapabilitySurvey,
			CapabilitySyntheticCaller,
		},
	}

	// AllPlans contains all available plans.
	AllPlans = map[PlanID]Plan{
		PlanFree:       Free,
		PlanPaid:       Paid,
		PlanEnterprise: Enterprise,
	}
)

// GetPlan returns a plan by ID, or nil if not found.
func GetPlan(id PlanID) *Plan {
	plan, ok := AllPlans[id]
	if !ok {
		return nil
	}
	return &plan
}

// Has checks if a plan includes a capability.
func (p *Plan) Has(c Capability) bool {
	for _, have := range p.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}
