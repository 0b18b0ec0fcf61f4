// Package extract drives the external hash-extraction tool over discovered
// items and consolidates the recognized hash lines into the corpus the
// cracking engine consumes.
//
// Extraction calls are independent per item, so the stage fans out over a
// bounded worker pool. Per-item failures are captured in the item's result
// and never abort the batch; the controller merges successful records into
// the corpus after the pool barrier so the corpus has a single writer.
package extract

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/keyreap/keyreap/internal/execx"
	"github.com/keyreap/keyreap/internal/scan"
)

// Tool is the configured extraction command. The item's keystore path is
// appended as the final argument, per the tool boundary contract.
type Tool struct {
	Path string
	Args []string
}

// ItemResult is the extraction log entry for one attempted item. Exactly
// one result is produced per item, including failures, for diagnosability.
type ItemResult struct {
	Identity string
	Record   *HashRecord // nil on failure or skip
	Skipped  bool        // identity already present in the corpus
	Err      error
	Elapsed  time.Duration
}

// Stage runs the extraction tool over items with a bounded worker pool.
type Stage struct {
	Tool    Tool
	Timeout time.Duration
	// Workers bounds the pool; 0 means NumCPU-1, minimum 1.
	Workers int
	Logger  *slog.Logger
	// run is the subprocess entry point, overridable in tests.
	run func(ctx context.Context, spec execx.Spec) execx.Result
}

// DefaultWorkers is the pool bound used when none is configured:
// available cores minus one, minimum one.
func DefaultWorkers() int {
	if n := runtime.NumCPU() - 1; n > 1 {
		return n
	}
	return 1
}

func (s *Stage) workers() int {
	if s.Workers > 0 {
		return s.Workers
	}
	return DefaultWorkers()
}

func (s *Stage) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Stage) runner() func(context.Context, execx.Spec) execx.Result {
	if s.run != nil {
		return s.run
	}
	return execx.Run
}

// Run extracts hashes for every item not already present in corpus and
// returns one result per item in item order. The corpus itself is not
// mutated here; the caller merges successful records after the barrier.
//
// Context cancellation stops scheduling new items; in-flight invocations
// are killed through their context.
func (s *Stage) Run(ctx context.Context, items []scan.Item, corpus *Corpus) []ItemResult {
	results := make([]ItemResult, len(items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers())

	for i, item := range items {
		if corpus != nil && corpus.Has(item.Identity) {
			results[i] = ItemResult{Identity: item.Identity, Skipped: true}
			s.logger().Debug("extraction skipped, corpus already has record",
				"identity", item.Identity)
			continue
		}

		i, item := i, item
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				results[i] = ItemResult{Identity: item.Identity, Err: err}
				return nil
			}
			results[i] = s.extractOne(gctx, item)
			return nil
		})
	}

	// Workers never return errors; per-item failures live in the results.
	_ = g.Wait()
	return results
}

// extractOne invokes the tool for a single item and parses its output.
func (s *Stage) extractOne(ctx context.Context, item scan.Item) ItemResult {
	spec := execx.Spec{
		Path:    s.Tool.Path,
		Args:    append(append([]string{}, s.Tool.Args...), item.FilePath),
		Timeout: s.Timeout,
	}

	res := s.runner()(ctx, spec)
	out := ItemResult{Identity: item.Identity, Elapsed: res.Elapsed}

	switch res.State {
	case execx.Success:
		hash, algo, err := ParseOutput(res.Stdout)
		if err != nil {
			out.Err = fmt.Errorf("extract %s: %w", item.Identity, err)
			break
		}
		out.Record = &HashRecord{Identity: item.Identity, Hash: hash, Algorithm: algo}
	case execx.TimedOut:
		out.Err = fmt.Errorf("extract %s: tool timed out after %s", item.Identity, s.Timeout)
	case execx.LaunchFailure:
		out.Err = fmt.Errorf("extract %s: tool launch failed: %w", item.Identity, res.Err)
	default:
		out.Err = fmt.Errorf("extract %s: tool exited %d: %s",
			item.Identity, res.ExitCode, firstLine(res.Stderr))
	}

	if out.Err != nil {
		s.logger().Warn("hash extraction failed", "identity", item.Identity, "error", out.Err)
	} else {
		s.logger().Debug("hash extracted", "identity", item.Identity,
			"algorithm", out.Record.Algorithm, "elapsed", out.Elapsed)
	}
	return out
}

func firstLine(b []byte) string {
	for i, c := range b {
		if c == '\n' {
			return string(b[:i])
		}
	}
	return string(b)
}
