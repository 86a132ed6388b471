package call

import (
	"errors"
	"fmt"
)

// RejectionCode classifies why a transition was refused.
type RejectionCode string

const (
	RejectIllegalTransition RejectionCode = "ILLEGAL_TRANSITION"
	RejectStaleVersion      RejectionCode = "STALE_VERSION"
	RejectCapabilityDenied  RejectionCode = "CAPABILITY_DENIED"
	RejectLateEvent         RejectionCode = "LATE_EVENT"
)

// Rejection is returned when the state machine refuses an event. It carries
// no partial state: a rejected transition leaves the call untouched.
type Rejection struct {
	Code   RejectionCode
	Detail string
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return string(r.Code)
	}
	return fmt.Sprintf("%s: %s", r.Code, r.Detail)
}

// Reject builds a Rejection with a formatted detail message.
func Reject(code RejectionCode, format string, args ...any) *Rejection {
	return &Rejection{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// RejectionOf extracts a Rejection from err, or nil.
func RejectionOf(err error) *Rejection {
	var r *Rejection
	if errors.As(err, &r) {
		return r
	}
	return nil
}

// IsRejection reports whether err is a Rejection with the given code.
func IsRejection(err error, code RejectionCode) bool {
	r := RejectionOf(err)
	return r != nil && r.Code == code
}

// Store-level sentinel errors shared across packages.
var (
	ErrNotFound     = errors.New("call not found")
	ErrCallExists   = errors.New("call already exists")
	ErrStaleVersion = errors.New("stale call version")
)
