// Package scan discovers candidate keystore files under a root path and
// classifies the path as a single file, a flat group directory, or a
// multi-group batch directory.
//
// Classification is a pure function of filesystem structure: re-scanning an
// unchanged tree yields an identical ordered item sequence. Directory
// listings are processed in sorted name order so batch output is stable
// regardless of filesystem enumeration order.
package scan

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ErrNotFound indicates the root path does not exist.
// Distinct from an empty enumeration, which is a valid zero-item result.
var ErrNotFound = errors.New("path not found")

// ErrUnsupportedFile indicates the root path is a regular file whose
// extension is not a recognized keystore format.
var ErrUnsupportedFile = errors.New("unsupported file type")

// Mode classifies the root path.
type Mode string

const (
	// ModeSingle is a root path that is itself one keystore file.
	ModeSingle Mode = "single"
	// ModeGroup is a directory containing keystore files directly.
	ModeGroup Mode = "group"
	// ModeBatch is a directory whose children are themselves directories,
	// one item per child.
	ModeBatch Mode = "batch"
)

// recognizedExtensions are the keystore file extensions the scanner accepts.
// Matches are case-insensitive.
var recognizedExtensions = map[string]bool{
	".keystore": true,
	".jks":      true,
	".p12":      true,
	".pfx":      true,
}

// Item is one keystore file plus its batch-unique identity.
// Immutable once scanned; lifetime is one batch run.
type Item struct {
	Identity     string    `json:"identity"`
	FilePath     string    `json:"file_path"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// Result is the outcome of scanning a root path.
type Result struct {
	Root  string `json:"root"`
	Mode  Mode   `json:"mode"`
	Items []Item `json:"items"`
}

// Scanner enumerates keystore items under a root path.
//
// Now is the clock used for Item.DiscoveredAt; it defaults to time.Now and
// is overridable for deterministic tests. Logger defaults to slog.Default.
type Scanner struct {
	Now    func() time.Time
	Logger *slog.Logger
}

func (s *Scanner) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Scanner) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Scan classifies root and enumerates items in deterministic order.
//
// Zero items is not an error; a missing root path is (ErrNotFound).
func (s *Scanner) Scan(root string) (*Result, error) {
	info, err := os.Stat(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, root)
		}
		return nil, fmt.Errorf("stat root: %w", err)
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}

	if !info.IsDir() {
		return s.scanSingle(abs)
	}
	return s.scanDirectory(abs)
}

// scanSingle handles a root path that is itself a keystore file.
// Identity is the enclosing directory name, falling back to the file name
// when there is no meaningful enclosing directory.
func (s *Scanner) scanSingle(path string) (*Result, error) {
	if !IsKeystoreFile(path) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFile, filepath.Ext(path))
	}

	identity := filepath.Base(filepath.Dir(path))
	if identity == "." || identity == string(filepath.Separator) || identity == "" {
		identity = stem(path)
	}

	return &Result{
		Root: path,
		Mode: ModeSingle,
		Items: []Item{{
			Identity:     identity,
			FilePath:     path,
			DiscoveredAt: s.now(),
		}},
	}, nil
}

// scanDirectory decides between group mode (keystore files directly in the
// directory) and batch mode (one item per child directory).
func (s *Scanner) scanDirectory(root string) (*Result, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read root dir: %w", err)
	}
	sortEntries(entries)

	var files []string
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
			continue
		}
		if IsKeystoreFile(e.Name()) {
			files = append(files, e.Name())
		}
	}

	if len(files) > 0 {
		return s.scanGroup(root, files), nil
	}
	return s.scanBatch(root, dirs), nil
}

// scanGroup builds one item per keystore file directly in root. With a
// single file the identity is the directory name; with several, each file
// name disambiguates the shared directory name.
func (s *Scanner) scanGroup(root string, files []string) *Result {
	base := filepath.Base(root)
	res := &Result{Root: root, Mode: ModeGroup}
	for _, name := range files {
		identity := base
		if len(files) > 1 {
			identity = base + "-" + stem(name)
		}
		res.Items = append(res.Items, Item{
			Identity:     identity,
			FilePath:     filepath.Join(root, name),
			DiscoveredAt: s.now(),
		})
	}
	return res
}

// scanBatch builds one item per child directory, selecting the first
// recognized keystore inside each child by sorted name order. Children with
// no keystore are skipped; additional sibling keystores are skipped with a
// warning so the first-match policy is auditable.
func (s *Scanner) scanBatch(root string, dirs []string) *Result {
	res := &Result{Root: root, Mode: ModeBatch}
	for _, dir := range dirs {
		child := filepath.Join(root, dir)
		matches := findKeystores(child)
		if len(matches) == 0 {
			continue
		}
		if len(matches) > 1 {
			s.logger().Warn("multiple keystores in batch child, using first",
				"identity", dir,
				"selected", matches[0],
				"skipped", len(matches)-1)
		}
		res.Items = append(res.Items, Item{
			Identity:     dir,
			FilePath:     matches[0],
			DiscoveredAt: s.now(),
		})
	}
	return res
}

// findKeystores walks dir and returns all recognized keystore files in
// lexical order. WalkDir visits entries in sorted name order, which makes
// the first match deterministic.
func findKeystores(dir string) []string {
	var matches []string
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if IsKeystoreFile(path) {
			matches = append(matches, path)
		}
		return nil
	})
	return matches
}

// IsKeystoreFile reports whether path has a recognized keystore extension.
func IsKeystoreFile(path string) bool {
	return recognizedExtensions[strings.ToLower(filepath.Ext(path))]
}

func stem(path string) string {
	name := filepath.Base(path)
	return strings.TrimSuffix(name, filepath.Ext(name))
}

func sortEntries(entries []fs.DirEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
}
