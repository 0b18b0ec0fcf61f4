// Package session holds the durable per-batch run state: which items
// were discovered, which hashes were extracted, how far the run got, and
// every terminal outcome. A session survives process restarts so an
// interrupted batch resumes instead of repeating finished work.
package session

import (
	"fmt"
	"time"

	"github.com/keyreap/keyreap/internal/crack"
	"github.com/keyreap/keyreap/internal/extract"
	"github.com/keyreap/keyreap/internal/scan"
)

// Phase is the lifecycle stage of a batch session. Phases advance
// monotonically through the pipeline order; Done and Failed are terminal.
type Phase string

const (
	PhaseScanning    Phase = "scanning"
	PhaseExtracting  Phase = "extracting"
	PhaseCracking    Phase = "cracking"
	PhaseReconciling Phase = "reconciling"
	PhaseDone        Phase = "done"
	PhaseFailed      Phase = "failed"
)

// phaseRank orders the forward pipeline phases. Failed is outside the
// order: it is reachable from any non-terminal phase.
var phaseRank = map[Phase]int{
	PhaseScanning:    0,
	PhaseExtracting:  1,
	PhaseCracking:    2,
	PhaseReconciling: 3,
	PhaseDone:        4,
}

// Terminal reports whether the phase admits no further transition.
func (p Phase) Terminal() bool { return p == PhaseDone || p == PhaseFailed }

// Before reports whether p precedes q in the forward pipeline order.
// False when either phase is outside that order (Failed).
func (p Phase) Before(q Phase) bool {
	pr, pok := phaseRank[p]
	qr, qok := phaseRank[q]
	return pok && qok && pr < qr
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	if p == PhaseFailed {
		return true
	}
	_, ok := phaseRank[p]
	return ok
}

// BatchSession is the persisted state of one batch run. Field names are
// stable: sessions written by older builds must keep loading, so fields
// are only ever added.
type BatchSession struct {
	ID       string    `json:"id"`
	RootPath string    `json:"root_path"`
	Mode     scan.Mode `json:"mode,omitempty"`

	Attack crack.Attack `json:"attack"`

	Phase Phase `json:"phase"`
	// Failure carries the fatal error message when Phase is Failed.
	Failure string `json:"failure,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	// Timings records elapsed wall time per completed phase, keyed by
	// phase name.
	Timings map[string]time.Duration `json:"timings,omitempty"`

	Items []scan.Item `json:"items,omitempty"`
	// Records are the extracted hash records in corpus insertion order.
	Records []extract.HashRecord `json:"records,omitempty"`
	// ExtractErrors maps an item identity to its extraction failure
	// message. Items listed here have no record and no outcome.
	ExtractErrors map[string]string `json:"extract_errors,omitempty"`

	Outcomes []crack.Outcome `json:"outcomes,omitempty"`

	CorpusPath  string `json:"corpus_path,omitempty"`
	PotfilePath string `json:"potfile_path,omitempty"`
}

// New creates a session at the Scanning phase.
func New(id, rootPath string, attack crack.Attack, now time.Time) *BatchSession {
	return &BatchSession{
		ID:        id,
		RootPath:  rootPath,
		Attack:    attack,
		Phase:     PhaseScanning,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AdvanceTo moves the session forward to next. Only forward transitions
// in pipeline order are legal; skipping phases is allowed (a resumed
// corpus-only run enters at Cracking directly), moving backwards or out
// of a terminal phase is not.
func (s *BatchSession) AdvanceTo(next Phase, now time.Time) error {
	if s.Phase.Terminal() {
		return fmt.Errorf("session %s is %s, cannot advance to %s", s.ID, s.Phase, next)
	}
	nextRank, ok := phaseRank[next]
	if !ok {
		return fmt.Errorf("session %s: not a forward phase: %q", s.ID, next)
	}
	if nextRank <= phaseRank[s.Phase] {
		return fmt.Errorf("session %s: cannot move %s back to %s", s.ID, s.Phase, next)
	}
	s.Phase = next
	s.UpdatedAt = now
	return nil
}

// Fail moves the session to Failed with a message. A no-op on a session
// that is already Done: a completed run is never retroactively failed.
func (s *BatchSession) Fail(msg string, now time.Time) {
	if s.Phase == PhaseDone {
		return
	}
	s.Phase = PhaseFailed
	s.Failure = msg
	s.UpdatedAt = now
}

// RecordTiming stores elapsed wall time for a completed phase.
func (s *BatchSession) RecordTiming(phase Phase, elapsed time.Duration) {
	if s.Timings == nil {
		s.Timings = make(map[string]time.Duration)
	}
	s.Timings[string(phase)] = elapsed
}

// Corpus reconstructs the consolidated hash corpus from the persisted
// records.
func (s *BatchSession) Corpus() (*extract.Corpus, error) {
	return extract.RebuildCorpus(s.Records)
}

// OutcomeSet reconstructs the outcome tracker from the persisted
// outcomes. When the session has never reached the cracking phase the
// set is seeded Pending from the records instead.
func (s *BatchSession) OutcomeSet() *crack.OutcomeSet {
	if len(s.Outcomes) > 0 {
		return crack.RebuildOutcomeSet(s.Outcomes)
	}
	ids := make([]string, 0, len(s.Records))
	for _, rec := range s.Records {
		ids = append(ids, rec.Identity)
	}
	return crack.NewOutcomeSet(ids)
}
