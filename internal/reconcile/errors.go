package reconcile

import (
	"context"
	"errors"

	"github.com/haricheung/replan/internal/access"
	"github.com/haricheung/replan/internal/llm"
	"github.com/haricheung/replan/internal/store"
	"github.com/haricheung/replan/internal/suggest"
)

// Kind classifies a failed reconciliation.
type Kind string

const (
	KindEntitlement    Kind = "entitlement_required"
	KindPolicyRefused  Kind = "policy_refused"
	KindResponseFormat Kind = "response_format"
	KindTechnical      Kind = "technical"
	KindConflict       Kind = "conflict"
	KindInvalidInput   Kind = "invalid_input"
)

// User-facing messages. These are the only texts a caller may show;
// provider diagnostics stay in Failure.Err.
const (
	msgEntitlement    = "Rescheduling with the assistant requires an active subscription."
	msgPolicyRefused  = `Your instruction tripped the assistant's content-safety filter. Try more neutral wording, for example "I don't have time today".`
	msgResponseFormat = "The assistant returned a plan that could not be read. Nothing was changed; please try again."
	msgTechnical      = "The assistant is unavailable right now. Nothing was changed; please try again later."
	msgCancelled      = "The request was cancelled. Nothing was changed."
	msgConflict       = "Some tasks were edited while the assistant was working. Nothing was changed; please try again."
	msgBlankPrompt    = "Please write a question for the assistant."
)

// Failure is the only error type returned by Engine operations.
// Error() yields the user-safe Message; Unwrap exposes the internal cause.
type Failure struct {
	Kind    Kind
	Message string
	Err     error
}

func (f *Failure) Error() string { return f.Message }

func (f *Failure) Unwrap() error { return f.Err }

// AsFailure extracts a *Failure from err.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	ok := errors.As(err, &f)
	return f, ok
}

// classify maps an internal error onto the failure taxonomy.
//
// Expectations:
//   - access.ErrEntitlementRequired → KindEntitlement
//   - llm.ErrPolicyRefused → KindPolicyRefused with the neutral-wording hint
//   - *suggest.FormatError → KindResponseFormat
//   - store.ErrConflict and store.ErrOwnerChange → KindConflict
//   - context cancellation → KindTechnical with the cancelled message
//   - anything else, llm.ErrEmptyResponse included → KindTechnical
func classify(err error) *Failure {
	switch {
	case errors.Is(err, access.ErrEntitlementRequired):
		return &Failure{Kind: KindEntitlement, Message: msgEntitlement, Err: err}
	case errors.Is(err, llm.ErrPolicyRefused):
		return &Failure{Kind: KindPolicyRefused, Message: msgPolicyRefused, Err: err}
	case suggest.IsFormatError(err):
		return &Failure{Kind: KindResponseFormat, Message: msgResponseFormat, Err: err}
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrOwnerChange):
		return &Failure{Kind: KindConflict, Message: msgConflict, Err: err}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &Failure{Kind: KindTechnical, Message: msgCancelled, Err: err}
	default:
		return &Failure{Kind: KindTechnical, Message: msgTechnical, Err: err}
	}
}
