package crack

import (
	"fmt"
	"time"
)

// Status is the per-item cracking state. Transitions are monotonic:
// Pending may move to Cracked, Exhausted, or Error; terminal states never
// change.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCracked   Status = "cracked"
	StatusExhausted Status = "exhausted"
	StatusError     Status = "error"
)

// Terminal reports whether the status admits no further transition.
func (s Status) Terminal() bool { return s != StatusPending }

// Outcome is the cracking result for one item.
type Outcome struct {
	Identity        string        `json:"identity"`
	Status          Status        `json:"status"`
	RecoveredSecret string        `json:"recovered_secret,omitempty"`
	Elapsed         time.Duration `json:"elapsed,omitempty"`
	Error           string        `json:"error,omitempty"`
}

// OutcomeSet tracks one Outcome per item identity with monotonic state
// transitions. Owned by the cracking stage; the reconciler only reads it.
// Not safe for concurrent mutation; the monitor loop is the single writer.
type OutcomeSet struct {
	byIdentity map[string]*Outcome
	order      []string
}

// NewOutcomeSet creates a set with every identity Pending.
func NewOutcomeSet(identities []string) *OutcomeSet {
	s := &OutcomeSet{byIdentity: make(map[string]*Outcome, len(identities))}
	for _, id := range identities {
		if _, ok := s.byIdentity[id]; ok {
			continue
		}
		s.byIdentity[id] = &Outcome{Identity: id, Status: StatusPending}
		s.order = append(s.order, id)
	}
	return s
}

// RebuildOutcomeSet reconstructs a set from persisted outcomes, e.g. when
// resuming a session.
func RebuildOutcomeSet(outcomes []Outcome) *OutcomeSet {
	s := &OutcomeSet{byIdentity: make(map[string]*Outcome, len(outcomes))}
	for i := range outcomes {
		o := outcomes[i]
		if _, ok := s.byIdentity[o.Identity]; ok {
			continue
		}
		s.byIdentity[o.Identity] = &o
		s.order = append(s.order, o.Identity)
	}
	return s
}

// Get returns a copy of the outcome for identity.
func (s *OutcomeSet) Get(identity string) (Outcome, bool) {
	o, ok := s.byIdentity[identity]
	if !ok {
		return Outcome{}, false
	}
	return *o, true
}

// All returns copies of every outcome in insertion order.
func (s *OutcomeSet) All() []Outcome {
	out := make([]Outcome, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.byIdentity[id])
	}
	return out
}

// Len returns the number of tracked identities.
func (s *OutcomeSet) Len() int { return len(s.order) }

// MarkCracked transitions identity to Cracked with the recovered secret.
// Re-marking with the same secret is a no-op (the engine's show output is
// re-read on every poll); any other transition out of a terminal state is
// an error.
func (s *OutcomeSet) MarkCracked(identity, secret string, elapsed time.Duration) error {
	o, ok := s.byIdentity[identity]
	if !ok {
		return fmt.Errorf("unknown identity %q", identity)
	}
	if o.Status == StatusCracked {
		if o.RecoveredSecret != secret {
			return fmt.Errorf("identity %q already cracked with a different secret", identity)
		}
		return nil
	}
	if o.Status.Terminal() {
		return fmt.Errorf("identity %q is %s, cannot transition to cracked", identity, o.Status)
	}
	o.Status = StatusCracked
	o.RecoveredSecret = secret
	o.Elapsed = elapsed
	return nil
}

// MarkError transitions identity to Error with a message. A no-op for
// identities already terminal: a cracked result is never downgraded.
func (s *OutcomeSet) MarkError(identity, msg string) {
	o, ok := s.byIdentity[identity]
	if !ok || o.Status.Terminal() {
		return
	}
	o.Status = StatusError
	o.Error = msg
}

// FinishExhausted transitions every remaining Pending identity to
// Exhausted. Called when the engine ran its search space to completion.
func (s *OutcomeSet) FinishExhausted(elapsed time.Duration) {
	for _, id := range s.order {
		o := s.byIdentity[id]
		if o.Status == StatusPending {
			o.Status = StatusExhausted
			o.Elapsed = elapsed
		}
	}
}

// FailPending transitions every remaining Pending identity to Error.
// Called when the engine itself failed to launch or crashed, so absence of
// a recovery says nothing about the search space.
func (s *OutcomeSet) FailPending(msg string) {
	for _, id := range s.order {
		o := s.byIdentity[id]
		if o.Status == StatusPending {
			o.Status = StatusError
			o.Error = msg
		}
	}
}

// Counts returns totals per status.
func (s *OutcomeSet) Counts() (pending, cracked, exhausted, errored int) {
	for _, o := range s.byIdentity {
		switch o.Status {
		case StatusPending:
			pending++
		case StatusCracked:
			cracked++
		case StatusExhausted:
			exhausted++
		case StatusError:
			errored++
		}
	}
	return
}
