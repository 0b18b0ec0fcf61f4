package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrSessionNotFound indicates no session file exists for the id.
var ErrSessionNotFound = errors.New("session not found")

// Store persists sessions as one JSON file per session under Dir.
// Writes are atomic (temp file then rename) so a crash mid-write leaves
// the previous state intact, never a truncated file.
type Store struct {
	Dir string
}

// NewStore creates a store rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	return &Store{Dir: dir}, nil
}

func (st *Store) path(id string) string {
	return filepath.Join(st.Dir, id+".json")
}

// Save writes the session atomically. Safe to call after every phase
// transition; the file on disk is always a complete snapshot.
func (st *Store) Save(s *BatchSession) error {
	if s.ID == "" {
		return errors.New("session has no id")
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session %s: %w", s.ID, err)
	}
	data = append(data, '\n')

	tmp := st.path(s.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write session temp file: %w", err)
	}
	if err := os.Rename(tmp, st.path(s.ID)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace session file: %w", err)
	}
	return nil
}

// Load reads the session with the given id.
func (st *Store) Load(id string) (*BatchSession, error) {
	data, err := os.ReadFile(st.path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		return nil, fmt.Errorf("read session %s: %w", id, err)
	}
	var s BatchSession
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	if s.ID == "" {
		s.ID = id
	}
	return &s, nil
}

// List loads every session in the store, sorted by id. Session ids are
// time-sortable UUIDv7s, so this is creation order. Temp files from an
// interrupted write are skipped.
func (st *Store) List() ([]*BatchSession, error) {
	entries, err := os.ReadDir(st.Dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	var out []*BatchSession
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		s, err := st.Load(strings.TrimSuffix(name, ".json"))
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Delete removes the session file. Deleting an absent session returns
// ErrSessionNotFound.
func (st *Store) Delete(id string) error {
	err := os.Remove(st.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return err
}
