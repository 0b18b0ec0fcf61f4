package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyreap/keyreap/internal/archive"
	"github.com/keyreap/keyreap/internal/config"
	"github.com/keyreap/keyreap/internal/crack"
	"github.com/keyreap/keyreap/internal/extract"
	"github.com/keyreap/keyreap/internal/session"
	"github.com/keyreap/keyreap/internal/testutil"
)

// fakeScript writes an executable shell script into dir.
func fakeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

// crackAllEngine cracks every corpus line with the password "hunter1".
// Run mode fills the potfile and exits 0; show mode prints it.
const crackAllEngine = `
pot=""
last1=""
last2=""
args="$*"
while [ $# -gt 0 ]; do
  [ "$1" = "--potfile-path" ] && pot="$2"
  last2="$last1"
  last1="$1"
  shift
done
case "$args" in
*--show*)
  cat "$pot" 2>/dev/null
  exit 0
  ;;
esac
corpus="$last2"
while IFS= read -r line; do
  [ -n "$line" ] && printf '%s:hunter1\n' "$line" >> "$pot"
done < "$corpus"
exit 0
`

// exhaustEngine recovers nothing and reports an exhausted search space.
const exhaustEngine = `
case "$*" in
*--show*) exit 0 ;;
esac
exit 1
`

// jksExtractor emits a per-file hash line; files named "broken" fail.
const jksExtractor = `
case "$1" in
*broken*) echo "not a keystore" >&2; exit 2 ;;
esac
printf '$jksprivk$*64*aa*0102*%s\n' "$(basename "$1")"
exit 0
`

// batchTree builds a batch root with one keystore per child dir.
func batchTree(t *testing.T, identities ...string) string {
	t.Helper()
	root := filepath.Join(t.TempDir(), "batch")
	for _, id := range identities {
		dir := filepath.Join(root, id)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, id+".keystore"), []byte("ks"), 0o644))
	}
	return root
}

func newController(t *testing.T, engineScript, extractorScript string) *Controller {
	t.Helper()
	work := t.TempDir()
	bin := filepath.Join(work, "bin")
	require.NoError(t, os.MkdirAll(bin, 0o755))

	cfg := config.Default()
	cfg.Engine.Path = fakeScript(t, bin, "engine.sh", engineScript)
	cfg.Extractor = config.Tool{Path: fakeScript(t, bin, "extract.sh", extractorScript)}
	cfg.OutputDir = filepath.Join(work, "out")
	cfg.SessionDir = filepath.Join(work, "sessions")
	cfg.PollInterval = 20 * time.Millisecond
	cfg.ExtractTimeout = 10 * time.Second
	cfg.Workers = 2
	cfg.GPUTuning = false
	cfg.Enrich = false

	store, err := session.NewStore(cfg.SessionDir)
	require.NoError(t, err)

	return &Controller{
		Config:   cfg,
		Sessions: store,
		IDs:      session.NewFixedGenerator("sess-1", "sess-2", "sess-3"),
		Now:      testutil.NewClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), time.Second).Now,
	}
}

func TestRun_FullPipelineAllCracked(t *testing.T) {
	c := newController(t, crackAllEngine, jksExtractor)
	root := batchTree(t, "signer-a", "signer-b")

	rep, s, err := c.Run(context.Background(), root)
	require.NoError(t, err)
	require.NotNil(t, rep)

	assert.Equal(t, session.PhaseDone, s.Phase)
	assert.Equal(t, 2, rep.Summary.Total)
	assert.Equal(t, 2, rep.Summary.Cracked)
	for _, rec := range rep.Records {
		assert.Equal(t, crack.StatusCracked, rec.Status)
		assert.Equal(t, "hunter1", rec.RecoveredSecret)
	}

	// Artifacts on disk.
	outDir := filepath.Join(c.Config.OutputDir, s.ID)
	for _, name := range []string{"all.hash", "report.json", "report.xlsx"} {
		_, err := os.Stat(filepath.Join(outDir, name))
		assert.NoError(t, err, name)
	}

	// Durable session reflects the terminal state.
	loaded, err := c.Sessions.Load(s.ID)
	require.NoError(t, err)
	assert.Equal(t, session.PhaseDone, loaded.Phase)
	assert.Len(t, loaded.Outcomes, 2)
}

func TestRun_ExhaustedIsSuccess(t *testing.T) {
	c := newController(t, exhaustEngine, jksExtractor)
	root := batchTree(t, "signer-a")

	rep, s, err := c.Run(context.Background(), root)
	require.NoError(t, err, "an exhausted search space is a completed batch")

	assert.Equal(t, session.PhaseDone, s.Phase)
	assert.Equal(t, 1, rep.Summary.Exhausted)
	assert.Equal(t, 0, rep.Summary.Cracked)
}

func TestRun_PartialExtractionFailure(t *testing.T) {
	c := newController(t, crackAllEngine, jksExtractor)
	root := batchTree(t, "signer-a", "broken", "signer-c")

	rep, s, err := c.Run(context.Background(), root)
	require.NoError(t, err, "one bad keystore must not fail the batch")

	assert.Equal(t, session.PhaseDone, s.Phase)
	assert.Equal(t, 3, rep.Summary.Total)
	assert.Equal(t, 2, rep.Summary.Cracked)
	assert.Equal(t, 1, rep.Summary.Errored)

	// The failed item carries the tool's diagnostic.
	var found bool
	for _, rec := range rep.Records {
		if rec.Identity == "broken" {
			found = true
			assert.Equal(t, crack.StatusError, rec.Status)
			assert.Contains(t, rec.Error, "exited 2")
		}
	}
	assert.True(t, found)
}

func TestRun_AllExtractionFailed(t *testing.T) {
	c := newController(t, crackAllEngine, jksExtractor)
	root := batchTree(t, "broken")

	_, s, err := c.Run(context.Background(), root)
	require.Error(t, err)

	var serr *StageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, CodeToolNonZeroExit, serr.Code)
	assert.Equal(t, session.PhaseFailed, s.Phase)
}

func TestRun_InputNotFound(t *testing.T) {
	c := newController(t, crackAllEngine, jksExtractor)

	_, _, err := c.Run(context.Background(), filepath.Join(t.TempDir(), "absent"))
	var serr *StageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, CodeInputNotFound, serr.Code)
	assert.True(t, serr.InvalidInput())
}

func TestRun_EmptyRootCompletesWithNothing(t *testing.T) {
	c := newController(t, crackAllEngine, jksExtractor)
	root := filepath.Join(t.TempDir(), "empty")
	require.NoError(t, os.MkdirAll(root, 0o755))

	rep, s, err := c.Run(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, session.PhaseDone, s.Phase)
	assert.Equal(t, 0, rep.Summary.Total)
}

func TestRun_EngineLaunchFailure(t *testing.T) {
	c := newController(t, crackAllEngine, jksExtractor)
	c.Config.Engine.Path = filepath.Join(t.TempDir(), "no-such-engine")
	root := batchTree(t, "signer-a")

	_, s, err := c.Run(context.Background(), root)
	var serr *StageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, CodeToolLaunchFailure, serr.Code)
	assert.Equal(t, session.PhaseFailed, s.Phase)

	// Pending items were classified as errors, not lost.
	loaded, err := c.Sessions.Load(s.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Outcomes, 1)
	assert.Equal(t, crack.StatusError, loaded.Outcomes[0].Status)
}

func TestRun_CancelDuringCrackPersistsPending(t *testing.T) {
	slowEngine := `
case "$*" in
*--show*) exit 0 ;;
esac
sleep 30
exit 1
`
	c := newController(t, slowEngine, jksExtractor)
	root := batchTree(t, "signer-a")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(300 * time.Millisecond)
		cancel()
	}()

	_, s, err := c.Run(ctx, root)
	require.Error(t, err)

	// Interrupted, not failed: the session can be resumed.
	assert.Equal(t, session.PhaseCracking, s.Phase)
	loaded, lerr := c.Sessions.Load(s.ID)
	require.NoError(t, lerr)
	require.Len(t, loaded.Outcomes, 1)
	assert.Equal(t, crack.StatusPending, loaded.Outcomes[0].Status)
}

func TestResume_ContinuesInterruptedSession(t *testing.T) {
	slowEngine := `
case "$*" in
*--show*) exit 0 ;;
esac
sleep 30
exit 1
`
	c := newController(t, slowEngine, jksExtractor)
	root := batchTree(t, "signer-a")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(300 * time.Millisecond)
		cancel()
	}()
	_, s, err := c.Run(ctx, root)
	require.Error(t, err)
	require.Equal(t, session.PhaseCracking, s.Phase)

	// Second attempt with a working engine picks the session back up.
	c.Config.Engine.Path = fakeScript(t, t.TempDir(), "engine.sh", crackAllEngine)
	rep, resumed, err := c.Resume(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, session.PhaseDone, resumed.Phase)
	assert.Equal(t, 1, rep.Summary.Cracked)
}

func TestResume_TerminalSessionRefused(t *testing.T) {
	c := newController(t, crackAllEngine, jksExtractor)
	root := batchTree(t, "signer-a")

	_, s, err := c.Run(context.Background(), root)
	require.NoError(t, err)

	_, _, err = c.Resume(context.Background(), s.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already done")
}

func TestCrackCorpus_SyntheticIdentities(t *testing.T) {
	c := newController(t, crackAllEngine, jksExtractor)

	corpusPath := filepath.Join(t.TempDir(), "input.hash")
	require.NoError(t, os.WriteFile(corpusPath, []byte(
		"$jksprivk$*64*aa*0102*one\n$jksprivk$*64*bb*0102*two\n"), 0o644))

	rep, s, err := c.CrackCorpus(context.Background(), corpusPath)
	require.NoError(t, err)

	assert.Equal(t, session.PhaseDone, s.Phase)
	require.Len(t, rep.Records, 2)
	assert.Equal(t, "line-0001", rep.Records[0].Identity)
	assert.Equal(t, crack.StatusCracked, rep.Records[0].Status)
	assert.Equal(t, "hunter1", rep.Records[0].RecoveredSecret)
}

func TestCrackCorpus_RejectsUnrecognizedLines(t *testing.T) {
	c := newController(t, crackAllEngine, jksExtractor)

	corpusPath := filepath.Join(t.TempDir(), "input.hash")
	require.NoError(t, os.WriteFile(corpusPath, []byte("not-a-hash-line\n"), 0o644))

	_, _, err := c.CrackCorpus(context.Background(), corpusPath)
	var serr *StageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, CodeHashFormatMismatch, serr.Code)
}

func TestRun_ArchiveRecordsSessionAndPot(t *testing.T) {
	c := newController(t, crackAllEngine, jksExtractor)
	a, err := archive.Open(filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	defer a.Close()
	c.Archive = a

	root := batchTree(t, "signer-a")
	_, s, err := c.Run(context.Background(), root)
	require.NoError(t, err)

	rows, err := a.ListSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, s.ID, rows[0].ID)
	assert.Equal(t, "done", rows[0].Phase)
	assert.Equal(t, 1, rows[0].Cracked)

	n, err := a.PotSize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRun_PotfileSeededFromArchive(t *testing.T) {
	a, err := archive.Open(filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	defer a.Close()

	// Engine that recovers nothing itself: any recovery in show output
	// can only come from the seeded potfile.
	seedOnlyEngine := `
pot=""
args="$*"
while [ $# -gt 0 ]; do
  [ "$1" = "--potfile-path" ] && pot="$2"
  shift
done
case "$args" in
*--show*) cat "$pot" 2>/dev/null; exit 0 ;;
esac
exit 1
`
	c := newController(t, seedOnlyEngine, jksExtractor)
	c.Archive = a

	// Prior run recovered this exact hash line.
	require.NoError(t, a.AddSecrets(context.Background(), "old-sess", []crack.Recovered{
		{Hash: "$jksprivk$*64*aa*0102*signer-a.keystore", Secret: "fromthepot"},
	}, time.Now()))

	root := batchTree(t, "signer-a")
	rep, _, err := c.Run(context.Background(), root)
	require.NoError(t, err)

	require.Len(t, rep.Records, 1)
	assert.Equal(t, crack.StatusCracked, rep.Records[0].Status)
	assert.Equal(t, "fromthepot", rep.Records[0].RecoveredSecret)
}

func TestDoctor(t *testing.T) {
	c := newController(t, crackAllEngine, jksExtractor)
	c.Config.Keytool.Path = filepath.Join(t.TempDir(), "missing-keytool")

	checks := c.Doctor()
	require.Len(t, checks, 3)

	byName := map[string]DoctorCheck{}
	for _, chk := range checks {
		byName[chk.Name] = chk
	}
	assert.True(t, byName["engine"].Available)
	assert.True(t, byName["extractor"].Available)
	assert.False(t, byName["keytool"].Available)
}

func TestStageError_Formatting(t *testing.T) {
	err := stageErr(session.PhaseCracking, CodeToolTimeout, assert.AnError)
	assert.Contains(t, err.Error(), "cracking")
	assert.Contains(t, err.Error(), "tool_timeout")
	assert.ErrorIs(t, err, assert.AnError)
}

func TestRun_LiveRecoveriesCheckpointedDuringEngineRun(t *testing.T) {
	// Engine that recovers everything immediately but keeps running:
	// the cracked outcomes must reach the session checkpoint while the
	// process is still alive, not only after the show pass.
	lingeringEngine := `
pot=""
last1=""
last2=""
args="$*"
while [ $# -gt 0 ]; do
  [ "$1" = "--potfile-path" ] && pot="$2"
  last2="$last1"
  last1="$1"
  shift
done
case "$args" in
*--show*) cat "$pot" 2>/dev/null; exit 0 ;;
esac
corpus="$last2"
while IFS= read -r line; do
  [ -n "$line" ] && printf '%s:hunter1\n' "$line" >> "$pot"
done < "$corpus"
sleep 2
exit 0
`
	c := newController(t, lingeringEngine, jksExtractor)
	root := batchTree(t, "signer-a")

	runDone := make(chan error, 1)
	go func() {
		_, _, err := c.Run(context.Background(), root)
		runDone <- err
	}()

	observed := false
	var observedPhase session.Phase
	deadline := time.After(30 * time.Second)
	poll := time.NewTicker(25 * time.Millisecond)
	defer poll.Stop()
loop:
	for {
		select {
		case err := <-runDone:
			require.NoError(t, err)
			break loop
		case <-deadline:
			t.Fatal("run did not finish")
		case <-poll.C:
			if observed {
				continue
			}
			s, err := c.Sessions.Load("sess-1")
			if err != nil {
				continue
			}
			for _, o := range s.Outcomes {
				if o.Status == crack.StatusCracked {
					observed = true
					observedPhase = s.Phase
				}
			}
		}
	}

	require.True(t, observed, "cracked outcome must be checkpointed before the engine exits")
	assert.Equal(t, session.PhaseCracking, observedPhase)
}

func TestRun_EngineCrashMidRunFailsPending(t *testing.T) {
	crashEngine := `
case "$*" in
*--show*) exit 0 ;;
esac
sleep 1
exit 3
`
	c := newController(t, crashEngine, jksExtractor)
	root := batchTree(t, "signer-a", "signer-b")

	_, s, err := c.Run(context.Background(), root)
	var serr *StageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, CodeToolNonZeroExit, serr.Code)
	assert.Equal(t, session.PhaseFailed, s.Phase)

	// Every un-judged item became an error, and the classification
	// survived the checkpoint.
	loaded, lerr := c.Sessions.Load(s.ID)
	require.NoError(t, lerr)
	require.Len(t, loaded.Outcomes, 2)
	for _, o := range loaded.Outcomes {
		assert.Equal(t, crack.StatusError, o.Status)
		assert.Contains(t, o.Error, "exit 3")
	}
}

func TestSeedPotfile_KeepsUnarchivedRecoveries(t *testing.T) {
	a, err := archive.Open(filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	defer a.Close()

	c := newController(t, crackAllEngine, jksExtractor)
	c.Archive = a

	corpus := extract.NewCorpus()
	require.NoError(t, corpus.Add(extract.HashRecord{
		Identity: "signer-a", Hash: "$jksprivk$*64*aa*01", Algorithm: extract.AlgorithmJKS,
	}))
	require.NoError(t, corpus.Add(extract.HashRecord{
		Identity: "signer-b", Hash: "$jksprivk$*64*aa*02", Algorithm: extract.AlgorithmJKS,
	}))

	// The archive knows signer-b from an earlier batch.
	require.NoError(t, a.AddSecrets(context.Background(), "old-sess", []crack.Recovered{
		{Hash: "$jksprivk$*64*aa*02", Secret: "archived"},
	}, time.Now()))

	// An interrupted run already recovered signer-a, but only into the
	// run potfile: completion never archived it.
	s := session.New("sess-x", "root", crack.Attack{}, time.Now())
	s.PotfilePath = filepath.Join(t.TempDir(), "run.potfile")
	require.NoError(t, os.WriteFile(s.PotfilePath, []byte("$jksprivk$*64*aa*01:localonly\n"), 0o644))

	require.NoError(t, c.seedPotfile(context.Background(), s, corpus))

	merged, err := crack.ReadPotfile(s.PotfilePath)
	require.NoError(t, err)
	require.Len(t, merged, 2)
	assert.Equal(t, crack.Recovered{Hash: "$jksprivk$*64*aa*01", Secret: "localonly"}, merged[0])
	assert.Equal(t, crack.Recovered{Hash: "$jksprivk$*64*aa*02", Secret: "archived"}, merged[1])
}
