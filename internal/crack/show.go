package crack

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/keyreap/keyreap/internal/execx"
)

// Recovered is one engine-reported hash-line/secret pair.
type Recovered struct {
	Hash   string `json:"hash"`
	Secret string `json:"secret"`
}

// ParseRecovered parses engine show output or a potfile: one
// "hashline:secret" pair per line. The hash payload itself contains
// colons, so the split is on the LAST colon. Lines without a separator are
// ignored.
func ParseRecovered(data []byte) []Recovered {
	var out []Recovered
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r\n")
		if line == "" {
			continue
		}
		idx := strings.LastIndexByte(line, ':')
		if idx < 0 {
			continue
		}
		out = append(out, Recovered{Hash: line[:idx], Secret: line[idx+1:]})
	}
	return out
}

// ReadPotfile reads the engine's potfile incrementally during a run. A
// missing potfile is an empty result, not an error: the engine creates it
// lazily on the first recovery. An unterminated final line is a write in
// progress and is not parsed; a truncated secret must never reach the
// outcome set.
func ReadPotfile(path string) ([]Recovered, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read potfile: %w", err)
	}
	if n := len(data); n > 0 && data[n-1] != '\n' {
		idx := bytes.LastIndexByte(data, '\n')
		if idx < 0 {
			return nil, nil
		}
		data = data[:idx+1]
	}
	return ParseRecovered(data), nil
}

// Show queries the engine's show mode for the final cracked set. This is
// the authoritative reconciliation source; the live status stream and
// incremental potfile reads are progress display only.
func (e *Engine) Show(ctx context.Context, job Job) ([]Recovered, error) {
	res := execx.Run(ctx, execx.Spec{
		Path: e.Bin,
		Args: []string{
			"-m", job.HashMode,
			"--show",
			"--potfile-path", job.PotfilePath,
			"--quiet",
			job.CorpusPath,
		},
		Dir: e.workDir(),
	})

	switch res.State {
	case execx.Success:
		return ParseRecovered(res.Stdout), nil
	case execx.LaunchFailure:
		return nil, fmt.Errorf("%w: %v", ErrLaunch, res.Err)
	default:
		return nil, fmt.Errorf("engine show exited %d: %s",
			res.ExitCode, strings.TrimSpace(string(res.Stderr)))
	}
}
