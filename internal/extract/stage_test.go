package extract

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyreap/keyreap/internal/execx"
	"github.com/keyreap/keyreap/internal/scan"
)

func testItems(n int) []scan.Item {
	items := make([]scan.Item, n)
	for i := range items {
		items[i] = scan.Item{
			Identity: fmt.Sprintf("item-%02d", i),
			FilePath: fmt.Sprintf("/keystores/item-%02d/apk.keystore", i),
		}
	}
	return items
}

// fakeRunner returns a canned execx result keyed by the keystore path
// (the final argument of the invocation).
func fakeRunner(byPath map[string]execx.Result) func(context.Context, execx.Spec) execx.Result {
	var mu sync.Mutex
	return func(_ context.Context, spec execx.Spec) execx.Result {
		mu.Lock()
		defer mu.Unlock()
		if res, ok := byPath[spec.Args[len(spec.Args)-1]]; ok {
			return res
		}
		return execx.Result{State: execx.LaunchFailure, ExitCode: -1}
	}
}

func TestStage_Run_AllSucceed(t *testing.T) {
	items := testItems(3)
	canned := make(map[string]execx.Result)
	for i, it := range items {
		canned[it.FilePath] = execx.Result{
			State:  execx.Success,
			Stdout: []byte(fmt.Sprintf("$jksprivk$*%02d*hash\n", i)),
		}
	}

	stage := &Stage{Workers: 2, run: fakeRunner(canned)}
	results := stage.Run(context.Background(), items, NewCorpus())

	require.Len(t, results, 3)
	for i, res := range results {
		assert.Equal(t, items[i].Identity, res.Identity, "results keep item order")
		require.NoError(t, res.Err)
		require.NotNil(t, res.Record)
		assert.Equal(t, AlgorithmJKS, res.Record.Algorithm)
	}
}

func TestStage_Run_PartialFailureIsolated(t *testing.T) {
	items := testItems(5)
	canned := make(map[string]execx.Result)
	for i, it := range items {
		if i == 2 {
			// Tool succeeds but emits no marker line.
			canned[it.FilePath] = execx.Result{State: execx.Success, Stdout: []byte("garbage output\n")}
			continue
		}
		canned[it.FilePath] = execx.Result{
			State:  execx.Success,
			Stdout: []byte(fmt.Sprintf("$jksprivk$*%02d\n", i)),
		}
	}

	stage := &Stage{Workers: 3, run: fakeRunner(canned)}
	results := stage.Run(context.Background(), items, NewCorpus())

	var failed, succeeded int
	for _, res := range results {
		if res.Err != nil {
			failed++
			var pe *ParseError
			assert.ErrorAs(t, res.Err, &pe)
		} else {
			succeeded++
		}
	}
	assert.Equal(t, 1, failed)
	assert.Equal(t, 4, succeeded)
}

func TestStage_Run_ToolFailureClasses(t *testing.T) {
	items := testItems(3)
	canned := map[string]execx.Result{
		items[0].FilePath: {State: execx.TimedOut, ExitCode: -1},
		items[1].FilePath: {State: execx.NonZeroExit, ExitCode: 2, Stderr: []byte("keystore was tampered with\nmore context")},
		items[2].FilePath: {State: execx.LaunchFailure, ExitCode: -1, Err: fmt.Errorf("no such file")},
	}

	stage := &Stage{Workers: 1, Timeout: 30 * time.Second, run: fakeRunner(canned)}
	results := stage.Run(context.Background(), items, NewCorpus())

	assert.Contains(t, results[0].Err.Error(), "timed out")
	assert.Contains(t, results[1].Err.Error(), "exited 2")
	assert.Contains(t, results[1].Err.Error(), "keystore was tampered with")
	assert.NotContains(t, results[1].Err.Error(), "more context", "only first stderr line is reported")
	assert.Contains(t, results[2].Err.Error(), "launch failed")
}

func TestStage_Run_SkipsIdentitiesAlreadyInCorpus(t *testing.T) {
	items := testItems(3)
	corpus := NewCorpus()
	require.NoError(t, corpus.Add(HashRecord{
		Identity: items[1].Identity, Hash: "$jksprivk$*existing", Algorithm: AlgorithmJKS,
	}))

	var invoked []string
	var mu sync.Mutex
	stage := &Stage{Workers: 1, run: func(_ context.Context, spec execx.Spec) execx.Result {
		mu.Lock()
		invoked = append(invoked, spec.Args[len(spec.Args)-1])
		mu.Unlock()
		return execx.Result{State: execx.Success, Stdout: []byte("$jksprivk$*new\n")}
	}}

	results := stage.Run(context.Background(), items, corpus)

	assert.True(t, results[1].Skipped)
	assert.Nil(t, results[1].Record)
	assert.Len(t, invoked, 2, "skipped item must not spawn a process")
}

func TestStage_Run_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stage := &Stage{Workers: 1, run: func(_ context.Context, _ execx.Spec) execx.Result {
		return execx.Result{State: execx.Success, Stdout: []byte("$jksprivk$*x\n")}
	}}
	results := stage.Run(ctx, testItems(2), NewCorpus())

	for _, res := range results {
		assert.Error(t, res.Err)
	}
}

func TestStage_ToolArgsAppendKeystorePath(t *testing.T) {
	var got execx.Spec
	stage := &Stage{
		Tool:    Tool{Path: "java", Args: []string{"-jar", "prepare.jar"}},
		Workers: 1,
		run: func(_ context.Context, spec execx.Spec) execx.Result {
			got = spec
			return execx.Result{State: execx.Success, Stdout: []byte("$jksprivk$*x\n")}
		},
	}
	items := testItems(1)
	stage.Run(context.Background(), items, NewCorpus())

	assert.Equal(t, "java", got.Path)
	assert.Equal(t, []string{"-jar", "prepare.jar", items[0].FilePath}, got.Args)
}

func TestDefaultWorkers_Minimum(t *testing.T) {
	assert.GreaterOrEqual(t, DefaultWorkers(), 1)
}

func TestFirstLine(t *testing.T) {
	assert.Equal(t, "one", firstLine([]byte("one\ntwo")))
	assert.Equal(t, "solo", firstLine([]byte("solo")))
	assert.Equal(t, "", firstLine(nil))
	assert.False(t, strings.Contains(firstLine([]byte("a\nb")), "b"))
}
