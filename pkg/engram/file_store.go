package engram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileStore persists engrams as JSON files under {root}/YYYY/MM/DD/{id}.json,
// sharded by start date. Writes go through a temp file and rename so a crash
// mid-save never leaves a partial record that parses.
type FileStore struct {
	root string
}

// NewFileStore returns a store rooted at dir. The directory is created on
// first save.
func NewFileStore(dir string) *FileStore {
	return &FileStore{root: dir}
}

// Save writes a finalized engram to its date-sharded path.
func (s *FileStore) Save(_ context.Context, e *Engram) error {
	if e.ContentHash == "" {
		return fmt.Errorf("save %s: %w", e.ID, ErrNotFinalized)
	}
	dir := filepath.Join(s.root, filepath.FromSlash(dateKey(e)))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("engram: create %s: %w", dir, err)
	}
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Errorf("engram: encode %s: %w", e.ID, err)
	}
	tmp, err := os.CreateTemp(dir, e.ID+"-*.tmp")
	if err != nil {
		return fmt.Errorf("engram: write %s: %w", e.ID, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("engram: write %s: %w", e.ID, err)
	}
	// Flush before rename so the rename never publishes a short write.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("engram: sync %s: %w", e.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("engram: close %s: %w", e.ID, err)
	}
	final := filepath.Join(dir, e.ID+".json")
	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("engram: rename %s: %w", e.ID, err)
	}
	return nil
}

// Get locates {id}.json anywhere under the root, parses it and verifies its
// content hash.
func (s *FileStore) Get(_ context.Context, id string) (*Engram, error) {
	want := id + ".json"
	var found string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && d.Name() == want {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("engram %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("engram: scan %s: %w", s.root, err)
	}
	if found == "" {
		return nil, fmt.Errorf("engram %s: %w", id, ErrNotFound)
	}
	data, err := os.ReadFile(found)
	if err != nil {
		return nil, fmt.Errorf("engram: read %s: %w", found, err)
	}
	var e Engram
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("engram: parse %s: %w", found, err)
	}
	if !e.VerifyIntegrity() {
		return nil, fmt.Errorf("engram %s: %w", id, ErrIntegrity)
	}
	return &e, nil
}

// List walks every date shard and returns engrams matching the query, newest
// first. Files that do not parse as engrams are skipped.
func (s *FileStore) List(_ context.Context, q Query) ([]*Engram, error) {
	var out []*Engram
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		var e Engram
		if err := json.Unmarshal(data, &e); err != nil || e.ID == "" {
			return nil
		}
		if q.matches(&e) {
			out = append(out, &e)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []*Engram{}, nil
		}
		return nil, fmt.Errorf("engram: scan %s: %w", s.root, err)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if out == nil {
		out = []*Engram{}
	}
	return out, nil
}
