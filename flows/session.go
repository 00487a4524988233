// Package flows composes prices, terms, collateral math, preflight and
// approval into the end-to-end borrower and lender flows: accept offer,
// accept fiat offer, create request, repay, cancel and listings.
package flows

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"lendclient/txflow"
)

// ErrSessionClosed is returned when a result arrives for a session that was
// closed or replaced. The result is dropped.
var ErrSessionClosed = errors.New("flows: session closed")

// Session is one open flow for one subject, such as repaying loan 7. It owns
// the transient state of the flow; Close discards all of it.
type Session struct {
	mu      sync.Mutex
	id      string
	flow    string
	subject string
	closed  bool

	approval *txflow.Approval
	quote    any
	result   *txflow.Result
}

func newSession(flow, subject string) *Session {
	return &Session{id: uuid.NewString(), flow: flow, subject: subject}
}

// ID is the unique session identity used for journal entries and guards.
func (s *Session) ID() string { return s.id }

// Flow names the flow the session runs.
func (s *Session) Flow() string { return s.flow }

// Subject identifies what the flow acts on.
func (s *Session) Subject() string { return s.subject }

// Active reports whether results may still be applied.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Step is the approval state of the flow, or INPUT before one exists.
func (s *Session) Step() txflow.State {
	s.mu.Lock()
	approval := s.approval
	s.mu.Unlock()
	if approval == nil {
		return txflow.StateInput
	}
	return approval.State()
}

// Quote returns the last derived quote applied to the session.
func (s *Session) Quote() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quote
}

// Result returns the last transaction result applied to the session.
func (s *Session) Result() (txflow.Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result == nil {
		return txflow.Result{}, false
	}
	return *s.result, true
}

// Close abandons the flow and resets its transient state. Work still in
// flight completes but its results are not applied.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.quote = nil
	s.result = nil
	s.approval = nil
}

// guard fails with ErrSessionClosed once the session is closed, so no new
// transaction is broadcast for an abandoned flow.
func (s *Session) guard() error {
	if !s.Active() {
		return ErrSessionClosed
	}
	return nil
}

// apply runs fn under the session lock unless the session is closed.
func (s *Session) apply(fn func()) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	fn()
	return nil
}

// Sessions tracks the current session per flow. Opening a flow closes the
// previous session of the same flow so a late response for another subject
// cannot leak into it.
type Sessions struct {
	mu      sync.Mutex
	current map[string]*Session
}

// NewSessions returns an empty tracker.
func NewSessions() *Sessions {
	return &Sessions{current: make(map[string]*Session)}
}

// Open starts a new session for flow and subject.
func (t *Sessions) Open(flow, subject string) *Session {
	s := newSession(flow, subject)
	t.mu.Lock()
	previous := t.current[flow]
	t.current[flow] = s
	t.mu.Unlock()
	if previous != nil {
		previous.Close()
	}
	return s
}

// Current returns the open session for flow.
func (t *Sessions) Current(flow string) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.current[flow]
	if !ok || !s.Active() {
		return nil, false
	}
	return s, true
}

// Close closes the current session of flow, if any.
func (t *Sessions) Close(flow string) {
	t.mu.Lock()
	s := t.current[flow]
	delete(t.current, flow)
	t.mu.Unlock()
	if s != nil {
		s.Close()
	}
}
