package txflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"lendclient/contracts"
	"lendclient/lending"
)

// State is a step of an allowance-gated flow.
type State string

const (
	StateInput         State = "INPUT"
	StateNeedsApproval State = "NEEDS_APPROVAL"
	StateApproved      State = "APPROVED"
	StateSubmitting    State = "SUBMITTING"
	StateDone          State = "DONE"
	StateError         State = "ERROR"
)

// Event drives a State change.
type Event string

const (
	EventAllowanceShort      Event = "allowance_short"
	EventAllowanceSufficient Event = "allowance_sufficient"
	EventApprovalConfirmed   Event = "approval_confirmed"
	EventSubmit              Event = "submit"
	EventConfirmed           Event = "confirmed"
	EventReverted            Event = "reverted"
	EventFail                Event = "fail"
	EventReset               Event = "reset"
)

// ApprovalBufferBps is the margin added on top of the required allowance.
const ApprovalBufferBps = 100

// DefaultAllowanceRetryDelay is how long to wait before re-reading an
// allowance that does not yet reflect a confirmed approval.
const DefaultAllowanceRetryDelay = 2 * time.Second

// ErrInvalidTransition is returned when an event does not apply to the
// current state.
var ErrInvalidTransition = errors.New("txflow: invalid state transition")

var transitions = map[State]map[Event]State{
	StateInput: {
		EventAllowanceShort:      StateNeedsApproval,
		EventAllowanceSufficient: StateApproved,
	},
	StateNeedsApproval: {
		EventAllowanceShort:      StateNeedsApproval,
		EventAllowanceSufficient: StateApproved,
		EventApprovalConfirmed:   StateApproved,
		EventReverted:            StateInput,
	},
	StateApproved: {
		EventAllowanceShort:      StateNeedsApproval,
		EventAllowanceSufficient: StateApproved,
		EventSubmit:              StateSubmitting,
	},
	StateSubmitting: {
		EventConfirmed: StateDone,
		EventReverted:  StateInput,
	},
}

// transition returns the state that follows from after ev. ERROR is reachable
// from every non-terminal state and reset always returns to INPUT.
func transition(from State, ev Event) (State, error) {
	switch ev {
	case EventReset:
		return StateInput, nil
	case EventFail:
		if from == StateDone || from == StateError {
			return from, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, ev, from)
		}
		return StateError, nil
	}
	if next, ok := transitions[from][ev]; ok {
		return next, nil
	}
	return from, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, ev, from)
}

// ApprovalRequest is an action that spends Required of Token through Spender.
type ApprovalRequest struct {
	Token    contracts.Token
	Spender  common.Address
	Required lending.Amount
	// CheckBalance also verifies the owner holds Required before approving
	// and before submitting.
	CheckBalance bool
	Action       Request
}

// ApprovalAmount is the allowance requested for required: one percent more,
// rounded up, and never less than required.
func ApprovalAmount(required lending.Amount) lending.Amount {
	margin, ok := required.MulDivFloor(lending.NewAmount(ApprovalBufferBps), lending.NewAmount(10_000))
	if !ok {
		return required
	}
	if back, ok := margin.MulDivFloor(lending.NewAmount(10_000), lending.NewAmount(ApprovalBufferBps)); ok && back.Cmp(required) != 0 {
		margin, _ = margin.Add(lending.NewAmount(1))
	}
	total, overflow := required.Add(margin)
	if overflow {
		return required
	}
	return total
}

// Approval walks one ApprovalRequest through INPUT, NEEDS_APPROVAL, APPROVED,
// SUBMITTING and DONE. Allowance and balance are always read from chain,
// never from a cache.
type Approval struct {
	mu         sync.Mutex
	preflight  *Preflight
	req        ApprovalRequest
	state      State
	retryDelay time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
	guard      func() error
	logger     *slog.Logger
}

// ApprovalOption customises an Approval.
type ApprovalOption func(*Approval)

// WithRetryDelay sets the wait before the single allowance re-read.
func WithRetryDelay(d time.Duration) ApprovalOption {
	return func(a *Approval) {
		if d >= 0 {
			a.retryDelay = d
		}
	}
}

// WithGuard installs a check run before each broadcast. A non-nil error
// resets the flow to INPUT and is returned unchanged.
func WithGuard(guard func() error) ApprovalOption {
	return func(a *Approval) {
		a.guard = guard
	}
}

// NewApproval builds the state machine for req in INPUT.
func NewApproval(p *Preflight, req ApprovalRequest, opts ...ApprovalOption) *Approval {
	a := &Approval{
		preflight:  p,
		req:        req,
		state:      StateInput,
		retryDelay: DefaultAllowanceRetryDelay,
		sleep:      sleepContext,
		logger:     slog.Default(),
	}
	if p != nil {
		a.logger = p.logger
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// State returns the current step.
func (a *Approval) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Reset returns the flow to INPUT.
func (a *Approval) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fire(EventReset)
}

func (a *Approval) fire(ev Event) error {
	next, err := transition(a.state, ev)
	if err != nil {
		return err
	}
	if next != a.state {
		a.preflight.metrics.RecordTransition(string(a.state), string(next))
		a.logger.Debug("approval transition",
			slog.String("flow", a.req.Action.Flow),
			slog.String("state", string(next)),
			slog.String("event", string(ev)))
	}
	a.state = next
	return nil
}

func (a *Approval) fail(cause error) error {
	_ = a.fire(EventFail)
	return cause
}

// Evaluate re-reads the allowance and routes INPUT to NEEDS_APPROVAL or
// APPROVED. Only an allowance of at least Required skips approval.
func (a *Approval) Evaluate(ctx context.Context) (State, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch a.state {
	case StateInput, StateNeedsApproval, StateApproved:
	default:
		return a.state, fmt.Errorf("%w: evaluate in %s", ErrInvalidTransition, a.state)
	}
	if a.req.Required.IsZero() {
		return a.state, lending.NewFlowError(lending.KindValidation, lending.RemedyNone, "amount must be greater than zero", nil)
	}
	if err := a.checkBalance(ctx); err != nil {
		return a.state, err
	}
	allowance, err := a.allowance(ctx)
	if err != nil {
		return a.state, a.fail(err)
	}
	ev := EventAllowanceShort
	if allowance.Gte(a.req.Required) {
		ev = EventAllowanceSufficient
	}
	if err := a.fire(ev); err != nil {
		return a.state, err
	}
	return a.state, nil
}

// Approve submits an approval for ApprovalAmount(Required) and advances to
// APPROVED only once a fresh read shows the allowance in place. The read is
// retried once after the retry delay.
func (a *Approval) Approve(ctx context.Context) (Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != StateNeedsApproval {
		return Result{}, fmt.Errorf("%w: approve in %s", ErrInvalidTransition, a.state)
	}
	if err := a.checkGuard(); err != nil {
		return Result{}, err
	}
	amount := ApprovalAmount(a.req.Required)
	res, err := a.preflight.Execute(ctx, Request{
		Flow:    "approve",
		Session: a.req.Action.Session,
		Call:    a.req.Token.Approve(a.req.Spender, amount),
	})
	if err != nil {
		if res.Outcome == OutcomeReverted {
			_ = a.fire(EventReverted)
			return res, err
		}
		return res, a.fail(err)
	}

	allowance, err := a.allowance(ctx)
	if err != nil {
		return res, a.fail(err)
	}
	if allowance.Lt(a.req.Required) {
		a.logger.Info("allowance not yet visible after approval; retrying",
			slog.String("tx_hash", res.Hash.Hex()),
			slog.Duration("delay", a.retryDelay))
		if err := a.sleep(ctx, a.retryDelay); err != nil {
			return res, a.fail(lending.NewFlowError(lending.KindTransport, lending.RemedyRetry, "allowance check cancelled", err))
		}
		if allowance, err = a.allowance(ctx); err != nil {
			return res, a.fail(err)
		}
	}
	if allowance.Lt(a.req.Required) {
		return res, a.fail(lending.NewFlowError(lending.KindValidation, lending.RemedyApproveAgain,
			fmt.Sprintf("allowance %s still below required %s after approval", allowance, a.req.Required), nil))
	}
	if err := a.fire(EventApprovalConfirmed); err != nil {
		return res, err
	}
	return res, nil
}

// Submit re-verifies the allowance and executes the gated action. A mined
// revert returns the flow to INPUT with a retryable error.
func (a *Approval) Submit(ctx context.Context) (Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != StateApproved {
		return Result{}, fmt.Errorf("%w: submit in %s", ErrInvalidTransition, a.state)
	}
	if err := a.checkBalance(ctx); err != nil {
		return Result{}, err
	}
	allowance, err := a.allowance(ctx)
	if err != nil {
		return Result{}, a.fail(err)
	}
	if allowance.Lt(a.req.Required) {
		_ = a.fire(EventAllowanceShort)
		return Result{}, lending.NewFlowError(lending.KindValidation, lending.RemedyApproveAgain,
			"allowance dropped below the required amount", nil)
	}
	if err := a.checkGuard(); err != nil {
		return Result{}, err
	}
	if err := a.fire(EventSubmit); err != nil {
		return Result{}, err
	}
	res, err := a.preflight.Execute(ctx, a.req.Action)
	switch {
	case err == nil:
		_ = a.fire(EventConfirmed)
	case res.Outcome == OutcomeReverted:
		_ = a.fire(EventReverted)
	default:
		_ = a.fire(EventFail)
	}
	return res, err
}

// Run evaluates, approves when needed, and submits.
func (a *Approval) Run(ctx context.Context) (Result, error) {
	state, err := a.Evaluate(ctx)
	if err != nil {
		return Result{}, err
	}
	if state == StateNeedsApproval {
		if res, err := a.Approve(ctx); err != nil {
			return res, err
		}
	}
	return a.Submit(ctx)
}

func (a *Approval) checkGuard() error {
	if a.guard == nil {
		return nil
	}
	if err := a.guard(); err != nil {
		_ = a.fire(EventReset)
		return err
	}
	return nil
}

func (a *Approval) allowance(ctx context.Context) (lending.Amount, error) {
	call := a.req.Token.Allowance(a.preflight.Sender(), a.req.Spender)
	data, _, err := a.preflight.node.Read(ctx, call)
	if err != nil {
		return lending.Amount{}, lending.NewFlowError(lending.KindTransport, lending.RemedyRetry, "allowance read failed", err)
	}
	value, err := contracts.DecodeAmount(call, data)
	if err != nil {
		return lending.Amount{}, lending.NewFlowError(lending.KindTransport, lending.RemedyRetry, "allowance decode failed", err)
	}
	return value, nil
}

func (a *Approval) checkBalance(ctx context.Context) error {
	if !a.req.CheckBalance {
		return nil
	}
	call := a.req.Token.BalanceOf(a.preflight.Sender())
	data, _, err := a.preflight.node.Read(ctx, call)
	if err != nil {
		return lending.NewFlowError(lending.KindTransport, lending.RemedyRetry, "balance read failed", err)
	}
	balance, err := contracts.DecodeAmount(call, data)
	if err != nil {
		return lending.NewFlowError(lending.KindTransport, lending.RemedyRetry, "balance decode failed", err)
	}
	if balance.IsZero() {
		return lending.NewFlowError(lending.KindValidation, lending.RemedyTopUpBalance, "no balance", nil)
	}
	if balance.Lt(a.req.Required) {
		return lending.NewFlowError(lending.KindValidation, lending.RemedyTopUpBalance,
			fmt.Sprintf("balance %s below required %s", balance, a.req.Required), nil)
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
