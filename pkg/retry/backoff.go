// Package retry computes deterministic retry schedules for provider dispatch
// and evidence assembly. Jitter is a PRF of the call id and stage so that a
// restarted worker recomputes the identical schedule.
package retry

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// Params identify one retried operation.
type Params struct {
	CallID       string
	Stage        string // e.g. "evidence_assembly", "provider_dispatch"
	AttemptIndex int
}

// Policy bounds a retry schedule.
type Policy struct {
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
	MaxAttempts int
}

// Backoff returns the delay before the given attempt using exponential
// backoff capped at MaxMs, plus deterministic jitter.
func Backoff(params Params, policy Policy) time.Duration {
	factor := int64(1)
	if params.AttemptIndex > 0 {
		if params.AttemptIndex > 30 {
			// cap exponent to avoid overflow
			factor = 1 << 30
		} else {
			factor = 1 << params.AttemptIndex
		}
	}

	delay := policy.BaseMs * factor
	if delay > policy.MaxMs {
		delay = policy.MaxMs
	}

	return time.Duration(delay+jitter(params, policy)) * time.Millisecond
}

func jitter(params Params, policy Policy) int64 {
	if policy.MaxJitterMs == 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%s:%d", params.CallID, params.Stage, params.AttemptIndex)
	sum := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(sum[:8])
	return int64(basis % uint64(policy.MaxJitterMs)) //nolint:gosec // MaxJitterMs is always positive
}

// Exhausted reports whether the attempt index has consumed the policy budget.
func Exhausted(attempt int, policy Policy) bool {
	return attempt >= policy.MaxAttempts
}
