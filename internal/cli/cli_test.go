package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyreap/keyreap/internal/session"
)

// fakeScript writes an executable shell script into dir.
func fakeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

// crackAllEngine cracks every corpus line with the password "hunter1".
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

// testOpts wires fake tools into a fresh output directory.
func testOpts(t *testing.T) *RootOptions {
	t.Helper()
	work := t.TempDir()
	bin := filepath.Join(work, "bin")
	require.NoError(t, os.MkdirAll(bin, 0o755))

	return &RootOptions{
		Format:    "text",
		Engine:    fakeScript(t, bin, "engine.sh", crackAllEngine),
		Extractor: fakeScript(t, bin, "extract.sh", jksExtractor),
		Keytool:   fakeScript(t, bin, "keytool.sh", "exit 0"),
		OutputDir: filepath.Join(work, "out"),
		NoEnrich:  true,
		IDGen:     session.NewFixedGenerator("sess-1", "sess-2", "sess-3"),
	}
}

func execute(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	cmd.SetContext(context.Background())
	err := cmd.Execute()
	return buf.String(), err
}

func TestRootCommand_InvalidFormat(t *testing.T) {
	cmd := NewRootCommand()
	_, err := execute(t, cmd, "--format", "xml", "doctor")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestScanCommand_BatchTree(t *testing.T) {
	root := batchTree(t, "signer-a", "signer-b")

	out, err := execute(t, NewScanCommand(testOpts(t)), root)
	require.NoError(t, err)
	assert.Contains(t, out, "batch mode")
	assert.Contains(t, out, "2 item(s)")
	assert.Contains(t, out, "signer-a")
	assert.Contains(t, out, "signer-b")
}

func TestScanCommand_JSON(t *testing.T) {
	root := batchTree(t, "signer-a")
	opts := testOpts(t)
	opts.Format = "json"

	out, err := execute(t, NewScanCommand(opts), root)
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.NotNil(t, resp.Data)
}

func TestScanCommand_MissingPath(t *testing.T) {
	_, err := execute(t, NewScanCommand(testOpts(t)), "/does/not/exist")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestExtractCommand_WritesCorpus(t *testing.T) {
	opts := testOpts(t)
	root := batchTree(t, "signer-a", "signer-b")
	corpusPath := filepath.Join(t.TempDir(), "all.hash")

	out, err := execute(t, NewExtractCommand(opts), root, "-o", corpusPath)
	require.NoError(t, err)
	assert.Contains(t, out, "2 of 2 item(s) extracted")

	data, err := os.ReadFile(corpusPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "$jksprivk$")
	assert.Contains(t, string(data), "signer-a.keystore")
}

func TestExtractCommand_AllFailed(t *testing.T) {
	opts := testOpts(t)
	root := batchTree(t, "broken")
	corpusPath := filepath.Join(t.TempDir(), "all.hash")

	_, err := execute(t, NewExtractCommand(opts), root, "-o", corpusPath)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestRunCommand_EndToEnd(t *testing.T) {
	opts := testOpts(t)
	root := batchTree(t, "signer-a", "signer-b")

	out, err := execute(t, NewRunCommand(opts), root)
	require.NoError(t, err)
	assert.Contains(t, out, "2 cracked")
	assert.Contains(t, out, "cracked: hunter1")

	outDir := filepath.Join(opts.OutputDir, "sess-1")
	for _, name := range []string{"all.hash", "report.json", "report.xlsx"} {
		_, err := os.Stat(filepath.Join(outDir, name))
		assert.NoError(t, err, name)
	}
}

func TestRunCommand_RequiresPathOrSession(t *testing.T) {
	_, err := execute(t, NewRunCommand(testOpts(t)))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestRunCommand_MissingRoot(t *testing.T) {
	_, err := execute(t, NewRunCommand(testOpts(t)), "/does/not/exist")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestRunCommand_JSONReport(t *testing.T) {
	opts := testOpts(t)
	opts.Format = "json"
	root := batchTree(t, "signer-a")

	out, err := execute(t, NewRunCommand(opts), root)
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestSessionsCommands_Lifecycle(t *testing.T) {
	opts := testOpts(t)
	root := batchTree(t, "signer-a")

	_, err := execute(t, NewRunCommand(opts), root)
	require.NoError(t, err)

	out, err := execute(t, NewSessionsCommand(opts))
	require.NoError(t, err)
	assert.Contains(t, out, "sess-1")
	assert.Contains(t, out, "done")

	out, err = execute(t, NewSessionsCommand(opts), "show", "sess-1")
	require.NoError(t, err)
	assert.Contains(t, out, "cracked: 1")

	out, err = execute(t, NewSessionsCommand(opts), "history")
	require.NoError(t, err)
	assert.Contains(t, out, "sess-1")
	assert.Contains(t, out, "1 cracked")

	_, err = execute(t, NewSessionsCommand(opts), "rm", "sess-1")
	require.NoError(t, err)

	_, err = execute(t, NewSessionsCommand(opts), "show", "sess-1")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestReportCommand_Regenerates(t *testing.T) {
	opts := testOpts(t)
	root := batchTree(t, "signer-a")

	_, err := execute(t, NewRunCommand(opts), root)
	require.NoError(t, err)

	jsonPath := filepath.Join(t.TempDir(), "regen.json")
	out, err := execute(t, NewReportCommand(opts), "sess-1", "--json", jsonPath)
	require.NoError(t, err)
	assert.Contains(t, out, "1 cracked")

	data, err := os.ReadFile(jsonPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hunter1")
}

func TestReportCommand_UnknownSession(t *testing.T) {
	_, err := execute(t, NewReportCommand(testOpts(t)), "nope")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestDoctorCommand_AllAvailable(t *testing.T) {
	opts := testOpts(t)

	out, err := execute(t, NewDoctorCommand(opts))
	require.NoError(t, err)
	assert.Contains(t, out, "engine")
	assert.Contains(t, out, "ok")
	assert.NotContains(t, out, "MISSING")
}

func TestDoctorCommand_MissingTool(t *testing.T) {
	opts := testOpts(t)
	opts.Engine = "/does/not/exist/hashcat"

	out, err := execute(t, NewDoctorCommand(opts))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "MISSING")
}
