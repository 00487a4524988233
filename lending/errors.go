package lending

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so flows can branch deterministically.
type Kind string

const (
	KindUnavailable     Kind = "unavailable"
	KindStale           Kind = "stale"
	KindValidation      Kind = "validation"
	KindSimulatedRevert Kind = "simulated_revert"
	KindOnChainRevert   Kind = "onchain_revert"
	KindTransport       Kind = "transport"
)

// Remedy names the action a user can take to clear a blocking error.
type Remedy string

const (
	RemedyNone          Remedy = ""
	RemedyRefreshPrice  Remedy = "refresh_price"
	RemedyWaitForOracle Remedy = "wait_for_oracle"
	RemedyTopUpBalance  Remedy = "top_up_balance"
	RemedyApproveAgain  Remedy = "approve_again"
	RemedyReduceAmount  Remedy = "reduce_amount"
	RemedyRetry         Remedy = "retry"
)

var (
	ErrUnavailable     = errors.New("lending: data unavailable")
	ErrStale           = errors.New("lending: data stale")
	ErrValidation      = errors.New("lending: validation failed")
	ErrSimulatedRevert = errors.New("lending: simulation predicted revert")
	ErrOnChainRevert   = errors.New("lending: transaction reverted on-chain")
	ErrTransport       = errors.New("lending: transport failure")
)

var kindSentinels = map[Kind]error{
	KindUnavailable:     ErrUnavailable,
	KindStale:           ErrStale,
	KindValidation:      ErrValidation,
	KindSimulatedRevert: ErrSimulatedRevert,
	KindOnChainRevert:   ErrOnChainRevert,
	KindTransport:       ErrTransport,
}

// FlowError is the user-facing failure of a flow step. Every blocking error
// carries either a Remedy or a Reason explaining why no action is possible.
type FlowError struct {
	Kind   Kind
	Remedy Remedy
	Reason string
	Err    error
}

// NewFlowError builds a FlowError wrapping cause, which may be nil.
func NewFlowError(kind Kind, remedy Remedy, reason string, cause error) *FlowError {
	return &FlowError{Kind: kind, Remedy: remedy, Reason: reason, Err: cause}
}

func (e *FlowError) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	if e.Remedy != RemedyNone {
		msg += fmt.Sprintf(" (remedy: %s)", e.Remedy)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FlowError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches the package sentinel for the error's Kind.
func (e *FlowError) Is(target error) bool {
	if e == nil {
		return false
	}
	sentinel, ok := kindSentinels[e.Kind]
	return ok && sentinel == target
}

// Retryable reports whether repeating the same operation may succeed without
// changing inputs.
func (e *FlowError) Retryable() bool {
	if e == nil {
		return false
	}
	return e.Kind == KindOnChainRevert || e.Kind == KindTransport
}

// KindOf extracts the Kind of err when it is or wraps a FlowError.
func KindOf(err error) (Kind, bool) {
	var flowErr *FlowError
	if errors.As(err, &flowErr) {
		return flowErr.Kind, true
	}
	return "", false
}

// RemedyOf extracts the Remedy attached to err, if any.
func RemedyOf(err error) Remedy {
	var flowErr *FlowError
	if errors.As(err, &flowErr) {
		return flowErr.Remedy
	}
	return RemedyNone
}
