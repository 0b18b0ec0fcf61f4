// Package pipeline sequences the batch recovery stages: scan, hash
// extraction, engine cracking, reconciliation, enrichment, and report
// generation. One control goroutine owns the session; stage concurrency
// lives inside the stages themselves.
//
// The session is persisted before and after every phase so an interrupted
// run resumes from its last durable state instead of repeating work.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/keyreap/keyreap/internal/archive"
	"github.com/keyreap/keyreap/internal/certinfo"
	"github.com/keyreap/keyreap/internal/config"
	"github.com/keyreap/keyreap/internal/crack"
	"github.com/keyreap/keyreap/internal/execx"
	"github.com/keyreap/keyreap/internal/extract"
	"github.com/keyreap/keyreap/internal/report"
	"github.com/keyreap/keyreap/internal/scan"
	"github.com/keyreap/keyreap/internal/session"
)

// Controller runs batches end to end.
type Controller struct {
	Config   config.Config
	Sessions *session.Store
	// Archive is the cross-run history and pot store; nil disables it.
	Archive *archive.Archive
	// IDs generates session identifiers (UUIDv7 in production).
	IDs session.IDGenerator
	// Now is the clock, overridable for deterministic tests.
	Now    func() time.Time
	Logger *slog.Logger
	// Progress receives live engine snapshots for display; optional.
	Progress func(crack.Snapshot)
}

func (c *Controller) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Controller) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c *Controller) engine() *crack.Engine {
	return &crack.Engine{
		Bin:          c.Config.Engine.Path,
		StatusTimer:  c.Config.StatusTimer,
		PollInterval: c.Config.PollInterval,
		GPUTuning:    c.Config.GPUTuning,
		Logger:       c.logger(),
	}
}

func (c *Controller) pollInterval() time.Duration {
	if c.Config.PollInterval > 0 {
		return c.Config.PollInterval
	}
	return time.Second
}

// Run executes the full pipeline over root and returns the final report.
// The returned session reflects the last persisted state even on failure.
func (c *Controller) Run(ctx context.Context, root string) (*report.Report, *session.BatchSession, error) {
	attack := crack.Attack{Mask: c.Config.Mask, Wordlist: c.Config.Wordlist, Rules: c.Config.Rules}
	s := session.New(c.IDs.Generate(), root, attack, c.now())

	outDir := filepath.Join(c.Config.OutputDir, s.ID)
	s.CorpusPath = filepath.Join(outDir, "all.hash")
	s.PotfilePath = filepath.Join(outDir, "run.potfile")

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, s, stageErr(session.PhaseScanning, CodePersistenceWriteFailure,
			fmt.Errorf("create output dir: %w", err))
	}
	if err := c.checkpoint(ctx, s); err != nil {
		return nil, s, err
	}

	c.logger().Info("batch run started", "session", s.ID, "root", root)

	// Scan.
	scanStart := c.now()
	scanner := &scan.Scanner{Now: c.Now, Logger: c.logger()}
	res, err := scanner.Scan(root)
	if err != nil {
		return nil, s, c.fail(ctx, s, stageErr(session.PhaseScanning, CodeInputNotFound, err))
	}
	s.Mode = res.Mode
	s.Items = res.Items
	s.RecordTiming(session.PhaseScanning, c.now().Sub(scanStart))

	if len(s.Items) == 0 {
		c.logger().Warn("scan discovered no keystore items", "root", root)
		if err := s.AdvanceTo(session.PhaseDone, c.now()); err != nil {
			return nil, s, stageErr(session.PhaseScanning, CodePersistenceWriteFailure, err)
		}
		if err := c.checkpoint(ctx, s); err != nil {
			return nil, s, err
		}
		return report.Build(s, nil, nil, c.now()), s, nil
	}

	// Extract.
	if err := c.advance(ctx, s, session.PhaseExtracting); err != nil {
		return nil, s, err
	}
	corpus, serr := c.extractStage(ctx, s, extract.NewCorpus())
	if serr != nil {
		return nil, s, c.fail(ctx, s, serr)
	}
	if err := ctx.Err(); err != nil {
		_ = c.checkpoint(ctx, s)
		return nil, s, err
	}

	rep, err := c.crackAndReport(ctx, s, corpus, outDir)
	return rep, s, err
}

// CrackCorpus runs the cracking stages over an existing engine-format
// corpus file, without scanning or extraction. Identities are synthesized
// per line, so the report correlates recoveries to line positions.
func (c *Controller) CrackCorpus(ctx context.Context, corpusPath string) (*report.Report, *session.BatchSession, error) {
	attack := crack.Attack{Mask: c.Config.Mask, Wordlist: c.Config.Wordlist, Rules: c.Config.Rules}
	s := session.New(c.IDs.Generate(), corpusPath, attack, c.now())

	outDir := filepath.Join(c.Config.OutputDir, s.ID)
	s.CorpusPath = filepath.Join(outDir, "all.hash")
	s.PotfilePath = filepath.Join(outDir, "run.potfile")

	data, err := os.ReadFile(corpusPath)
	if err != nil {
		return nil, s, stageErr(session.PhaseScanning, CodeInputNotFound,
			fmt.Errorf("read corpus: %w", err))
	}

	corpus := extract.NewCorpus()
	for i, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		hash, algo, err := extract.ParseOutput([]byte(line))
		if err != nil {
			return nil, s, stageErr(session.PhaseScanning, CodeHashFormatMismatch,
				fmt.Errorf("corpus line %d: %w", i+1, err))
		}
		rec := extract.HashRecord{
			Identity:  fmt.Sprintf("line-%04d", i+1),
			Hash:      hash,
			Algorithm: algo,
		}
		if err := corpus.Add(rec); err != nil {
			return nil, s, stageErr(session.PhaseScanning, CodeHashFormatMismatch,
				fmt.Errorf("corpus line %d: %w", i+1, err))
		}
		s.Items = append(s.Items, scan.Item{Identity: rec.Identity, FilePath: corpusPath, DiscoveredAt: c.now()})
	}
	if corpus.Len() == 0 {
		return nil, s, stageErr(session.PhaseScanning, CodeNoItemsDiscovered,
			fmt.Errorf("corpus %s contains no hash lines", corpusPath))
	}
	s.Records = corpus.Records()

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, s, stageErr(session.PhaseScanning, CodePersistenceWriteFailure,
			fmt.Errorf("create output dir: %w", err))
	}
	if err := c.checkpoint(ctx, s); err != nil {
		return nil, s, err
	}

	rep, rerr := c.crackAndReport(ctx, s, corpus, outDir)
	return rep, s, rerr
}

// extractStage runs the extraction pool over the session's items and
// folds its results into corpus. Items already present in corpus (a
// resumed session) are skipped by the stage.
func (c *Controller) extractStage(ctx context.Context, s *session.BatchSession, corpus *extract.Corpus) (*extract.Corpus, *StageError) {
	start := c.now()
	stage := &extract.Stage{
		Tool:    c.Config.ExtractorTool(),
		Timeout: c.Config.ExtractTimeout,
		Workers: c.Config.Workers,
		Logger:  c.logger(),
	}

	results := stage.Run(ctx, s.Items, corpus)

	var firstErr error
	for _, r := range results {
		switch {
		case r.Record != nil:
			if err := corpus.Add(*r.Record); err != nil {
				return nil, stageErr(session.PhaseExtracting, CodeHashFormatMismatch, err)
			}
			delete(s.ExtractErrors, r.Identity)
		case r.Err != nil:
			if s.ExtractErrors == nil {
				s.ExtractErrors = make(map[string]string)
			}
			s.ExtractErrors[r.Identity] = r.Err.Error()
			if firstErr == nil {
				firstErr = r.Err
			}
		}
	}
	s.Records = corpus.Records()
	s.RecordTiming(session.PhaseExtracting, c.now().Sub(start))

	if corpus.Len() == 0 && ctx.Err() == nil {
		code := CodeToolNonZeroExit
		if firstErr != nil {
			code = classifyToolErr(firstErr)
		}
		return nil, stageErr(session.PhaseExtracting, code,
			fmt.Errorf("no hashes extracted from %d item(s)", len(s.Items)))
	}

	if err := corpus.WriteFile(s.CorpusPath); err != nil {
		return nil, stageErr(session.PhaseExtracting, CodePersistenceWriteFailure, err)
	}
	return corpus, nil
}

// crackAndReport drives the engine over the corpus, reconciles, enriches,
// and renders the report. Shared by the full pipeline and corpus-only runs.
func (c *Controller) crackAndReport(ctx context.Context, s *session.BatchSession, corpus *extract.Corpus, outDir string) (*report.Report, error) {
	if err := c.ensure(ctx, s, session.PhaseCracking); err != nil {
		return nil, err
	}

	if err := c.seedPotfile(ctx, s, corpus); err != nil {
		c.logger().Warn("potfile pre-seed failed", "error", err)
	}

	outcomes := s.OutcomeSet()
	crackStart := c.now()
	engine := c.engine()

	type modeJob struct {
		job       crack.Job
		exhausted bool
	}
	var jobs []modeJob

	for _, mode := range corpus.Modes() {
		job, serr := c.modeJob(s, corpus, outDir, mode)
		if serr != nil {
			return nil, c.fail(ctx, s, serr)
		}

		run, err := engine.Start(ctx, job)
		if err != nil {
			outcomes.FailPending(err.Error())
			s.Outcomes = outcomes.All()
			return nil, c.fail(ctx, s, stageErr(session.PhaseCracking, CodeToolLaunchFailure, err))
		}
		snapDone := make(chan struct{})
		go func() {
			defer close(snapDone)
			for snap := range run.Snapshots() {
				if c.Progress != nil {
					c.Progress(snap)
				}
			}
		}()

		// Poll the potfile while the engine runs so recoveries reach the
		// session checkpoint before the process exits.
		ticker := time.NewTicker(c.pollInterval())
		lastFlushed, _ := count(outcomes)
		for live := true; live; {
			select {
			case <-snapDone:
				live = false
			case <-ticker.C:
				lastFlushed = c.flushLiveRecoveries(ctx, s, corpus, outcomes, job.PotfilePath, crackStart, lastFlushed)
			}
		}
		ticker.Stop()

		res := run.Wait()
		switch res.State {
		case crack.RunStopped:
			// Un-judged items stay pending; the session resumes later.
			s.Outcomes = outcomes.All()
			s.RecordTiming(session.PhaseCracking, c.now().Sub(crackStart))
			_ = c.checkpoint(ctx, s)
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return nil, res.Err
		case crack.RunFailed:
			outcomes.FailPending(fmt.Sprintf("engine failed: exit %d", res.ExitCode))
			s.Outcomes = outcomes.All()
			return nil, c.fail(ctx, s, stageErr(session.PhaseCracking, classifyRunFailure(res),
				fmt.Errorf("engine run for mode %s: %w", job.HashMode, res.Err)))
		}
		jobs = append(jobs, modeJob{job: job, exhausted: res.State == crack.RunExhausted})
	}
	crackElapsed := c.now().Sub(crackStart)
	s.RecordTiming(session.PhaseCracking, crackElapsed)

	// Reconcile.
	if err := c.ensure(ctx, s, session.PhaseReconciling); err != nil {
		return nil, err
	}
	var allRecovered []crack.Recovered
	for _, mj := range jobs {
		recovered, err := engine.Show(ctx, mj.job)
		if err != nil {
			return nil, c.fail(ctx, s, stageErr(session.PhaseReconciling, CodeToolNonZeroExit, err))
		}
		if err := crack.Reconcile(corpus, recovered, outcomes, crackElapsed); err != nil {
			return nil, c.fail(ctx, s, stageErr(session.PhaseReconciling, CodeEngineCorrelationFailure, err))
		}
		allRecovered = append(allRecovered, recovered...)
	}
	outcomes.FinishExhausted(crackElapsed)
	s.Outcomes = outcomes.All()
	if err := c.checkpoint(ctx, s); err != nil {
		return nil, err
	}

	if c.Archive != nil {
		if err := c.Archive.AddSecrets(ctx, s.ID, allRecovered, c.now()); err != nil {
			c.logger().Warn("archive pot update failed", "error", err)
		}
	}

	// Enrich cracked items that have real keystore files behind them.
	var infos map[string]*certinfo.Info
	var enrichErrs map[string]string
	if c.Config.Enrich && s.Mode != "" {
		infos, enrichErrs = c.enrich(ctx, s, outcomes)
	}

	rep := report.Build(s, infos, enrichErrs, c.now())
	if err := rep.WriteJSONFile(filepath.Join(outDir, "report.json")); err != nil {
		return rep, c.fail(ctx, s, stageErr(session.PhaseReconciling, CodePersistenceWriteFailure, err))
	}
	if err := rep.WriteXLSX(filepath.Join(outDir, "report.xlsx")); err != nil {
		return rep, c.fail(ctx, s, stageErr(session.PhaseReconciling, CodePersistenceWriteFailure, err))
	}

	if err := s.AdvanceTo(session.PhaseDone, c.now()); err != nil {
		return rep, stageErr(session.PhaseReconciling, CodePersistenceWriteFailure, err)
	}
	if err := c.checkpoint(ctx, s); err != nil {
		return rep, err
	}

	cracked, _ := count(outcomes)
	c.logger().Info("batch run complete",
		"session", s.ID, "items", len(s.Items), "cracked", cracked)
	return rep, nil
}

// modeJob writes the per-mode corpus slice and assembles the engine job.
func (c *Controller) modeJob(s *session.BatchSession, corpus *extract.Corpus, outDir, mode string) (crack.Job, *StageError) {
	var lines []string
	for _, rec := range corpus.Records() {
		if rec.Algorithm.EngineMode() == mode {
			lines = append(lines, rec.Hash)
		}
	}
	path := filepath.Join(outDir, "corpus-"+mode+".hash")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		return crack.Job{}, stageErr(session.PhaseCracking, CodePersistenceWriteFailure,
			fmt.Errorf("write mode corpus: %w", err))
	}
	return crack.Job{
		CorpusPath:  path,
		PotfilePath: s.PotfilePath,
		SessionName: s.ID + "-" + mode,
		HashMode:    mode,
		Attack:      s.Attack,
		Timeout:     c.Config.CrackTimeout,
	}, nil
}

// flushLiveRecoveries folds the engine's potfile into the outcome set
// and checkpoints the session when the cracked count grew, so an
// orchestrator crash mid-run loses at most one poll interval of
// recoveries and `sessions show` tracks a live run. The post-run show
// pass stays authoritative: anything the poll cannot correlate yet is
// left for it, and checkpoint failures here only warn.
func (c *Controller) flushLiveRecoveries(ctx context.Context, s *session.BatchSession, corpus *extract.Corpus, outcomes *crack.OutcomeSet, potPath string, started time.Time, lastCracked int) int {
	recovered, err := crack.ReadPotfile(potPath)
	if err != nil {
		c.logger().Warn("potfile poll failed", "error", err)
		return lastCracked
	}
	if len(recovered) == 0 {
		return lastCracked
	}
	if err := crack.Reconcile(corpus, recovered, outcomes, c.now().Sub(started)); err != nil {
		c.logger().Warn("potfile poll reconcile deferred to show pass", "error", err)
		return lastCracked
	}
	cracked, _ := count(outcomes)
	if cracked == lastCracked {
		return lastCracked
	}
	s.Outcomes = outcomes.All()
	if err := c.checkpoint(ctx, s); err != nil {
		c.logger().Warn("live recovery checkpoint failed", "error", err)
	}
	return cracked
}

// seedPotfile merges previously recovered secrets for this corpus into
// the run potfile, so the engine treats them as already cracked. Existing
// potfile entries are kept: an interrupted run's recoveries are not
// archived yet, and truncating them here would force re-cracking on
// resume.
func (c *Controller) seedPotfile(ctx context.Context, s *session.BatchSession, corpus *extract.Corpus) error {
	if c.Archive == nil {
		return nil
	}
	known, err := c.Archive.KnownSecrets(ctx, corpus.Lines())
	if err != nil {
		return err
	}
	if len(known) == 0 {
		return nil
	}

	existing, err := crack.ReadPotfile(s.PotfilePath)
	if err != nil {
		return err
	}
	have := make(map[string]bool, len(existing))
	for _, r := range existing {
		have[r.Hash] = true
	}

	var b strings.Builder
	seeded := 0
	for _, r := range existing {
		b.WriteString(r.Hash)
		b.WriteByte(':')
		b.WriteString(r.Secret)
		b.WriteByte('\n')
	}
	for _, r := range known {
		if have[r.Hash] {
			continue
		}
		b.WriteString(r.Hash)
		b.WriteByte(':')
		b.WriteString(r.Secret)
		b.WriteByte('\n')
		seeded++
	}
	if seeded == 0 {
		return nil
	}
	if err := os.WriteFile(s.PotfilePath, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write seeded potfile: %w", err)
	}
	c.logger().Info("potfile pre-seeded from archive", "session", s.ID, "secrets", seeded)
	return nil
}

// enrich extracts certificate metadata for every cracked item.
func (c *Controller) enrich(ctx context.Context, s *session.BatchSession, outcomes *crack.OutcomeSet) (map[string]*certinfo.Info, map[string]string) {
	paths := make(map[string]string, len(s.Items))
	for _, item := range s.Items {
		paths[item.Identity] = item.FilePath
	}

	var targets []certinfo.Target
	for _, o := range outcomes.All() {
		if o.Status != crack.StatusCracked {
			continue
		}
		targets = append(targets, certinfo.Target{
			Identity: o.Identity,
			FilePath: paths[o.Identity],
			Password: o.RecoveredSecret,
		})
	}
	if len(targets) == 0 {
		return nil, nil
	}

	enricher := &certinfo.Extractor{
		KeytoolPath: c.Config.Keytool.Path,
		Workers:     c.Config.Workers,
		Logger:      c.logger(),
	}

	infos := make(map[string]*certinfo.Info)
	errs := make(map[string]string)
	for _, r := range enricher.EnrichAll(ctx, targets) {
		if r.Err != nil {
			errs[r.Identity] = r.Err.Error()
			continue
		}
		infos[r.Identity] = r.Info
	}
	return infos, errs
}

// Resume continues a previously interrupted session from its last
// persisted phase. Finished work is not repeated: items with records are
// not re-extracted, and archived recoveries seed the engine potfile.
func (c *Controller) Resume(ctx context.Context, id string) (*report.Report, *session.BatchSession, error) {
	s, err := c.Sessions.Load(id)
	if err != nil {
		return nil, nil, stageErr(session.PhaseScanning, CodeInputNotFound, err)
	}
	if s.Phase.Terminal() {
		return nil, s, fmt.Errorf("session %s is already %s", s.ID, s.Phase)
	}

	c.logger().Info("session resumed", "session", s.ID, "phase", s.Phase)

	outDir := filepath.Join(c.Config.OutputDir, s.ID)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, s, stageErr(s.Phase, CodePersistenceWriteFailure,
			fmt.Errorf("create output dir: %w", err))
	}

	if len(s.Items) == 0 {
		scanner := &scan.Scanner{Now: c.Now, Logger: c.logger()}
		res, err := scanner.Scan(s.RootPath)
		if err != nil {
			return nil, s, c.fail(ctx, s, stageErr(session.PhaseScanning, CodeInputNotFound, err))
		}
		s.Mode = res.Mode
		s.Items = res.Items
	}

	corpus, err := s.Corpus()
	if err != nil {
		return nil, s, stageErr(s.Phase, CodeHashFormatMismatch, err)
	}

	if s.Phase.Before(session.PhaseCracking) {
		if err := c.ensure(ctx, s, session.PhaseExtracting); err != nil {
			return nil, s, err
		}
		var serr *StageError
		corpus, serr = c.extractStage(ctx, s, corpus)
		if serr != nil {
			return nil, s, c.fail(ctx, s, serr)
		}
		if err := ctx.Err(); err != nil {
			_ = c.checkpoint(ctx, s)
			return nil, s, err
		}
	}

	rep, rerr := c.crackAndReport(ctx, s, corpus, outDir)
	return rep, s, rerr
}

// ensure advances the session to next when it has not reached it yet; a
// resumed session already at or past next keeps its phase.
func (c *Controller) ensure(ctx context.Context, s *session.BatchSession, next session.Phase) error {
	if s.Phase.Before(next) {
		return c.advance(ctx, s, next)
	}
	return nil
}

// advance moves the session forward and persists the transition before
// the next stage starts.
func (c *Controller) advance(ctx context.Context, s *session.BatchSession, next session.Phase) error {
	if err := s.AdvanceTo(next, c.now()); err != nil {
		return stageErr(next, CodePersistenceWriteFailure, err)
	}
	return c.checkpoint(ctx, s)
}

// checkpoint persists the session to the store and mirrors it into the
// archive.
func (c *Controller) checkpoint(ctx context.Context, s *session.BatchSession) error {
	if err := c.Sessions.Save(s); err != nil {
		return stageErr(s.Phase, CodePersistenceWriteFailure, err)
	}
	if c.Archive != nil {
		if err := c.Archive.RecordSession(ctx, s); err != nil {
			c.logger().Warn("archive session record failed", "session", s.ID, "error", err)
		}
	}
	return nil
}

// fail marks the session failed, persists it best-effort, and returns err.
func (c *Controller) fail(ctx context.Context, s *session.BatchSession, err *StageError) error {
	s.Fail(err.Error(), c.now())
	if serr := c.checkpoint(ctx, s); serr != nil {
		c.logger().Error("failed session could not be persisted", "session", s.ID, "error", serr)
	}
	return err
}

func count(outcomes *crack.OutcomeSet) (cracked, exhausted int) {
	_, cracked, exhausted, _ = outcomes.Counts()
	return
}

// Doctor reports availability of the configured external tools.
type DoctorCheck struct {
	Name      string
	Path      string
	Available bool
}

// Doctor probes every configured tool on the invoker's lookup rules.
func (c *Controller) Doctor() []DoctorCheck {
	checks := []struct {
		name string
		path string
	}{
		{"engine", c.Config.Engine.Path},
		{"extractor", c.Config.Extractor.Path},
		{"keytool", c.Config.Keytool.Path},
	}

	out := make([]DoctorCheck, 0, len(checks))
	for _, chk := range checks {
		out = append(out, DoctorCheck{
			Name:      chk.name,
			Path:      chk.path,
			Available: execx.Available(chk.path),
		})
	}
	return out
}
