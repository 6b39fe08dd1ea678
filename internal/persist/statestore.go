// Package persist provides the durable primitives the rest of muster builds
// on: a key to JSON-document state store with atomic writes and a
// read-through cache, and an append-only JSON-Lines event log with tailing.
// The cache is process-local; it is not a cross-process lock.
package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// StateStore persists JSON documents keyed by slash-separated keys under a
// root directory. Writes are atomic (temp file + rename) so concurrent
// readers never observe a partially written value.
type StateStore struct {
	root string

	mu    sync.RWMutex
	cache map[string][]byte
}

// NewStateStore creates the root directory if needed and returns a store.
func NewStateStore(root string) (*StateStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	return &StateStore{root: root, cache: make(map[string][]byte)}, nil
}

func (s *StateStore) path(key string) (string, error) {
	if key == "" || strings.Contains(key, "..") || strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("invalid state key: %q", key)
	}
	return filepath.Join(s.root, key+".json"), nil
}

// Save marshals v and writes it atomically, updating the cache.
func (s *StateStore) Save(key string, v any) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", key, err)
	}

	s.mu.Lock()
	s.cache[key] = data
	s.mu.Unlock()
	return nil
}

// Load unmarshals the value at key into v. The second return is false when
// the key is absent. Repeated loads are served from the cache until the key
// is saved or deleted again.
func (s *StateStore) Load(key string, v any) (bool, error) {
	s.mu.RLock()
	data, ok := s.cache[key]
	s.mu.RUnlock()

	if !ok {
		p, err := s.path(key)
		if err != nil {
			return false, err
		}
		data, err = os.ReadFile(p)
		if os.IsNotExist(err) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("read %s: %w", key, err)
		}
		s.mu.Lock()
		s.cache[key] = data
		s.mu.Unlock()
	}

	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return true, nil
}

// Update performs load + shallow merge + save. Missing keys start from an
// empty document.
func (s *StateStore) Update(key string, patch map[string]any) error {
	doc := map[string]any{}
	if _, err := s.Load(key, &doc); err != nil {
		return err
	}
	for k, v := range patch {
		doc[k] = v
	}
	return s.Save(key, doc)
}

// Delete removes the key. Deleting an absent key is not an error.
func (s *StateStore) Delete(key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.cache, key)
	s.mu.Unlock()

	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// List returns all keys beginning with prefix, sorted.
func (s *StateStore) List(prefix string) ([]string, error) {
	var keys []string
	err := filepath.Walk(s.root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || !strings.HasSuffix(path, ".json") {
			return err
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		key := strings.TrimSuffix(filepath.ToSlash(rel), ".json")
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}
