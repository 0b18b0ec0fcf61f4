package extract

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// HashRecord associates an item identity with its extracted hash line.
// Immutable after creation; the consolidated corpus holds at most one
// record per identity.
type HashRecord struct {
	Identity  string    `json:"identity"`
	Hash      string    `json:"hash"`
	Algorithm Algorithm `json:"algorithm"`
}

// Corpus is the consolidated set of hash records for one batch run, keyed
// by item identity, with insertion order preserved for the flat corpus
// file the engine consumes.
//
// The engine's output carries only the hash line, never the orchestrator's
// identity, so Corpus also maintains the reverse hash-line index used for
// reconciliation. Two items with byte-identical keystores legitimately
// share one hash line; the index therefore maps a line to all identities
// carrying it.
//
// Corpus is not safe for concurrent mutation; the controller owns writes
// (workers return records that are merged after the pool barrier).
type Corpus struct {
	byIdentity map[string]HashRecord
	byLine     map[string][]string
	order      []string
}

// NewCorpus returns an empty corpus.
func NewCorpus() *Corpus {
	return &Corpus{
		byIdentity: make(map[string]HashRecord),
		byLine:     make(map[string][]string),
	}
}

// Add inserts a record. Re-adding an identical record is a no-op so
// extraction is safe to retry; a conflicting hash for an existing identity
// is an error.
func (c *Corpus) Add(rec HashRecord) error {
	if existing, ok := c.byIdentity[rec.Identity]; ok {
		if existing.Hash == rec.Hash && existing.Algorithm == rec.Algorithm {
			return nil
		}
		return fmt.Errorf("conflicting hash for identity %q", rec.Identity)
	}
	c.byIdentity[rec.Identity] = rec
	c.byLine[rec.Hash] = append(c.byLine[rec.Hash], rec.Identity)
	c.order = append(c.order, rec.Identity)
	return nil
}

// Has reports whether an identity already has a record.
func (c *Corpus) Has(identity string) bool {
	_, ok := c.byIdentity[identity]
	return ok
}

// Record returns the record for an identity.
func (c *Corpus) Record(identity string) (HashRecord, bool) {
	rec, ok := c.byIdentity[identity]
	return rec, ok
}

// IdentitiesForLine returns every identity whose record carries the exact
// hash line. Empty when the line is unknown.
func (c *Corpus) IdentitiesForLine(line string) []string {
	return c.byLine[line]
}

// Len returns the number of records.
func (c *Corpus) Len() int { return len(c.byIdentity) }

// Records returns all records in insertion order.
func (c *Corpus) Records() []HashRecord {
	out := make([]HashRecord, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byIdentity[id])
	}
	return out
}

// Lines returns the corpus hash lines in insertion order, one line per
// record. Duplicate lines are preserved; the engine deduplicates on its
// side, and reconciliation maps a line back to every identity.
func (c *Corpus) Lines() []string {
	lines := make([]string, 0, len(c.order))
	for _, id := range c.order {
		lines = append(lines, c.byIdentity[id].Hash)
	}
	return lines
}

// Modes returns the distinct engine hash-type modes present in the corpus,
// in first-seen order. A healthy corpus has exactly one.
func (c *Corpus) Modes() []string {
	seen := make(map[string]bool)
	var modes []string
	for _, id := range c.order {
		m := c.byIdentity[id].Algorithm.EngineMode()
		if !seen[m] {
			seen[m] = true
			modes = append(modes, m)
		}
	}
	return modes
}

// WriteFile serializes the corpus lines to path atomically (temp file then
// rename), producing the flat text artifact the engine consumes.
func (c *Corpus) WriteFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create corpus dir: %w", err)
	}

	var b strings.Builder
	for _, line := range c.Lines() {
		b.WriteString(line)
		b.WriteByte('\n')
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write corpus temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace corpus file: %w", err)
	}
	return nil
}

// RebuildCorpus reconstructs a corpus from persisted records, e.g. when a
// session is resumed. Records must not conflict.
func RebuildCorpus(records []HashRecord) (*Corpus, error) {
	c := NewCorpus()
	for _, rec := range records {
		if err := c.Add(rec); err != nil {
			return nil, err
		}
	}
	return c, nil
}
