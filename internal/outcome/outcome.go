// Package outcome defines the canonical result type returned by every
// normalized backend operation. A backend call terminates with exactly one
// Outcome: success with a value, a classified failure, or an unknown-shape
// result the caller must decide how to treat.
package outcome

import (
	"encoding/json"
	"fmt"
)

// =============================================================================
// Error Taxonomy
// =============================================================================

// Kind classifies a failure.
type Kind int

const (
	// KindNone marks a non-failure outcome.
	KindNone Kind = iota
	// KindTransientReferential is a write or read rejected because a row
	// created by a prior call is not yet visible to the backend replica
	// serving this call. Retryable.
	KindTransientReferential
	// KindValidation is a caller-side input error. No network call was made.
	KindValidation
	// KindParse is a malformed nested payload.
	KindParse
	// KindBackend is an explicit remote failure. Not retryable.
	KindBackend
	// KindNotFound is a missing entity.
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindTransientReferential:
		return "transient_referential"
	case KindValidation:
		return "validation"
	case KindParse:
		return "parse"
	case KindBackend:
		return "backend"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// =============================================================================
// State
// =============================================================================

// State is the terminal disposition of a backend call.
type State int

const (
	// StateSuccess carries a decoded value.
	StateSuccess State = iota
	// StateFailure carries a Kind and a detail string.
	StateFailure
	// StateUnknown carries the raw result: the response matched none of the
	// known shapes. The observed system treated this as success; surfacing
	// it separately lets each caller choose its own policy.
	StateUnknown
)

func (s State) String() string {
	switch s {
	case StateSuccess:
		return "success"
	case StateFailure:
		return "failure"
	case StateUnknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// =============================================================================
// Result (untyped, produced by normalization)
// =============================================================================

// Result is the canonical, untyped outcome of a normalized backend call.
// The payload is the extracted logical content; typed decoding happens at
// the call site via Decode.
type Result struct {
	state   State
	payload json.RawMessage
	kind    Kind
	detail  string
}

// OK reports whether the call succeeded.
func (r Result) OK() bool { return r.state == StateSuccess }

// Unknown reports whether the response matched no known shape.
func (r Result) Unknown() bool { return r.state == StateUnknown }

// Failed reports whether the call failed.
func (r Result) Failed() bool { return r.state == StateFailure }

// State returns the disposition of the call.
func (r Result) State() State { return r.state }

// Payload returns the extracted logical content. For StateUnknown it is the
// raw, unrecognized response.
func (r Result) Payload() json.RawMessage { return r.payload }

// Kind returns the failure classification, KindNone unless Failed.
func (r Result) Kind() Kind { return r.kind }

// Detail returns the failure detail string.
func (r Result) Detail() string { return r.detail }

// Err renders the failure as an error, nil unless Failed.
func (r Result) Err() error {
	if r.state != StateFailure {
		return nil
	}
	return fmt.Errorf("%s: %s", r.kind, r.detail)
}

// OKResult builds a success Result around an extracted payload.
func OKResult(payload json.RawMessage) Result {
	return Result{state: StateSuccess, payload: payload}
}

// FailResult builds a failure Result.
func FailResult(kind Kind, detail string) Result {
	return Result{state: StateFailure, kind: kind, detail: detail}
}

// UnknownResult builds a Result for a response matching no known shape.
func UnknownResult(raw json.RawMessage) Result {
	return Result{state: StateUnknown, payload: raw}
}

// =============================================================================
// Outcome (typed, returned by public operations)
// =============================================================================

// Outcome is the typed result of a public operation.
type Outcome[T any] struct {
	state  State
	value  T
	raw    json.RawMessage
	kind   Kind
	detail string
}

// Success builds a successful Outcome.
func Success[T any](v T) Outcome[T] {
	return Outcome[T]{state: StateSuccess, value: v}
}

// Fail builds a failed Outcome.
func Fail[T any](kind Kind, detail string) Outcome[T] {
	return Outcome[T]{state: StateFailure, kind: kind, detail: detail}
}

// Failf builds a failed Outcome with a formatted detail.
func Failf[T any](kind Kind, format string, args ...any) Outcome[T] {
	return Fail[T](kind, fmt.Sprintf(format, args...))
}

// Unknown builds an unknown-shape Outcome carrying the raw response.
func Unknown[T any](raw json.RawMessage) Outcome[T] {
	return Outcome[T]{state: StateUnknown, raw: raw}
}

// FailFrom carries a Result's failure (or unknown state) into a typed
// Outcome. Calling it with a success Result is a programming error; the
// payload is not decoded.
func FailFrom[T any](r Result) Outcome[T] {
	switch r.state {
	case StateUnknown:
		return Unknown[T](r.payload)
	default:
		return Fail[T](r.kind, r.detail)
	}
}

// Decode unmarshals a success Result's payload into T.
func Decode[T any](r Result) (T, error) {
	var v T
	if len(r.payload) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(r.payload, &v); err != nil {
		return v, fmt.Errorf("decode payload: %w", err)
	}
	return v, nil
}

// OK reports whether the operation succeeded.
func (o Outcome[T]) OK() bool { return o.state == StateSuccess }

// Unknown reports whether the backend response matched no known shape.
func (o Outcome[T]) Unknown() bool { return o.state == StateUnknown }

// Failed reports whether the operation failed.
func (o Outcome[T]) Failed() bool { return o.state == StateFailure }

// State returns the disposition.
func (o Outcome[T]) State() State { return o.state }

// Value returns the success value. Zero unless OK.
func (o Outcome[T]) Value() T { return o.value }

// Raw returns the unrecognized response for StateUnknown.
func (o Outcome[T]) Raw() json.RawMessage { return o.raw }

// Kind returns the failure classification, KindNone unless Failed.
func (o Outcome[T]) Kind() Kind { return o.kind }

// Detail returns the failure detail string.
func (o Outcome[T]) Detail() string { return o.detail }

// Err renders the failure as an error, nil unless Failed.
func (o Outcome[T]) Err() error {
	if o.state != StateFailure {
		return nil
	}
	return fmt.Errorf("%s: %s", o.kind, o.detail)
}
