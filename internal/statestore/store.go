package statestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

const stateFileName = "state.json"

// Store is a durable key-value store backed by a single JSON file. Values
// are strings; typed getters parse on read and return the caller's default
// on a missing key or a parse failure.
//
// Each PutAll rewrites the file using a temp-file-then-rename, so a batch of
// keys is applied atomically: after a crash the file holds either the old
// state or the full new state, never a mix.
type Store struct {
	mu     sync.Mutex
	dir    string
	values map[string]string
}

// Open loads the store from dir, creating an empty store when no state file
// exists yet. The directory itself is created on the first PutAll.
func Open(dir string) (*Store, error) {
	s := &Store{
		dir:    dir,
		values: make(map[string]string),
	}

	data, err := os.ReadFile(s.path())
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("reading state: %w", err)
	}
	if err := json.Unmarshal(data, &s.values); err != nil {
		return nil, fmt.Errorf("parsing state: %w", err)
	}
	return s, nil
}

func (s *Store) path() string {
	return filepath.Join(s.dir, stateFileName)
}

// GetString returns the value for key, or def when the key is absent.
func (s *Store) GetString(key, def string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.values[key]; ok {
		return v
	}
	return def
}

// GetInt64 returns the value for key parsed as a base-10 integer.
func (s *Store) GetInt64(key string, def int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// GetInt returns the value for key parsed as an int.
func (s *Store) GetInt(key string, def int) int {
	return int(s.GetInt64(key, int64(def)))
}

// GetBool returns the value for key parsed as a boolean.
func (s *Store) GetBool(key string, def bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// PutAll merges values into the store and persists the result as one atomic
// write.
func (s *Store) PutAll(values map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, v := range values {
		s.values[k] = v
	}
	return s.saveLocked()
}

// saveLocked writes the full value map to disk using the temp-file-then-
// rename pattern. Callers must hold s.mu.
func (s *Store) saveLocked() error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}

	data, err := json.MarshalIndent(s.values, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(s.dir, ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path()); err != nil {
		return fmt.Errorf("renaming state file: %w", err)
	}
	committed = true

	return nil
}
