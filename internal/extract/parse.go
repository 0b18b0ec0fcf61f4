package extract

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"
)

// Algorithm tags which extraction format produced a hash record.
type Algorithm string

const (
	// AlgorithmJKS is the JKS private-key format (extractor marker
	// "$jksprivk$", engine mode 15500).
	AlgorithmJKS Algorithm = "jks"
	// AlgorithmPKCS12 is the PKCS#12 format (extractor marker "$pfxng$",
	// engine mode 17200).
	AlgorithmPKCS12 Algorithm = "pkcs12"
)

// markers maps the fixed stdout line prefixes emitted by the extraction
// tool to the algorithm tag for the produced hash.
var markers = []struct {
	prefix string
	algo   Algorithm
}{
	{"$jksprivk$", AlgorithmJKS},
	{"$pfxng$", AlgorithmPKCS12},
}

// EngineMode returns the cracking engine's hash-type identifier for the
// algorithm.
func (a Algorithm) EngineMode() string {
	switch a {
	case AlgorithmJKS:
		return "15500"
	case AlgorithmPKCS12:
		return "17200"
	default:
		return ""
	}
}

// ParseError means the extraction tool ran but its output carried no
// recognized hash marker line.
type ParseError struct {
	Preview string // first non-empty output line, for diagnostics
}

func (e *ParseError) Error() string {
	if e.Preview == "" {
		return "no hash marker in extractor output (empty output)"
	}
	return fmt.Sprintf("no hash marker in extractor output (got %q)", e.Preview)
}

// ParseOutput scans extractor stdout for the first line beginning with a
// recognized hash marker and returns the hash line verbatim (whitespace
// trimmed) with its algorithm tag. All other output is ignored.
//
// The returned line is the exact string later written to the corpus file
// and matched against engine-reported recoveries, so this is the only
// place the line is normalized.
func ParseOutput(stdout []byte) (string, Algorithm, error) {
	var preview string

	sc := bufio.NewScanner(bytes.NewReader(stdout))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if preview == "" {
			preview = line
		}
		for _, m := range markers {
			if strings.HasPrefix(line, m.prefix) {
				return line, m.algo, nil
			}
		}
	}
	if err := sc.Err(); err != nil {
		return "", "", fmt.Errorf("read extractor output: %w", err)
	}

	return "", "", &ParseError{Preview: preview}
}
