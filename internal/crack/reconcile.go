package crack

import (
	"fmt"
	"time"

	"github.com/keyreap/keyreap/internal/extract"
)

// CorrelationError means an engine-reported recovered hash line matched no
// known corpus record. It signals corpus/engine desync and must surface
// loudly: a silently dropped recovery would produce a wrong report.
type CorrelationError struct {
	Hash string
}

func (e *CorrelationError) Error() string {
	preview := e.Hash
	if len(preview) > 48 {
		preview = preview[:48] + "..."
	}
	return fmt.Sprintf("recovered hash line matches no corpus record: %q", preview)
}

// Reconcile applies engine-reported recoveries to the outcome set by exact
// hash-line match against the corpus. A line shared by several identities
// (identical keystores) cracks all of them.
//
// Safe to call repeatedly with overlapping input: re-marking a cracked
// identity with the same secret is a no-op, which is what makes the
// poll-tick incremental reconcile and the final authoritative show-mode
// reconcile composable.
func Reconcile(corpus *extract.Corpus, recovered []Recovered, outcomes *OutcomeSet, elapsed time.Duration) error {
	for _, rec := range recovered {
		identities := corpus.IdentitiesForLine(rec.Hash)
		if len(identities) == 0 {
			return &CorrelationError{Hash: rec.Hash}
		}
		for _, id := range identities {
			if err := outcomes.MarkCracked(id, rec.Secret, elapsed); err != nil {
				return fmt.Errorf("reconcile %s: %w", id, err)
			}
		}
	}
	return nil
}
