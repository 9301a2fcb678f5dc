package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// FileStore keeps the set as a JSON array in a single file. Every Add takes
// a lock file, merges whatever is on disk with the in-memory set and rewrites
// the whole file through a temp file and rename, so a `ledger mark` from
// another process is never overwritten.
type FileStore struct {
	path string
	mu   sync.Mutex
	ids  map[string]struct{}
}

func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("cannot create ledger directory: %w", err)
	}
	return &FileStore{path: path, ids: make(map[string]struct{})}, nil
}

func (s *FileStore) lockPath() string { return s.path + ".lock" }

// Load reads the file. A missing file is an empty set; malformed JSON is an
// error and the store starts empty, so the next Add overwrites the bad file.
func (s *FileStore) Load(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ids = make(map[string]struct{})
	var ids []string
	err := withFileLock(ctx, s.lockPath(), func() error {
		var err error
		ids, err = readIDs(s.path)
		return err
	})
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		s.ids[id] = struct{}{}
	}
	return ids, nil
}

func (s *FileStore) Add(ctx context.Context, chatKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return withFileLock(ctx, s.lockPath(), func() error {
		onDisk, err := readIDs(s.path)
		if err != nil {
			// unreadable file: rewrite it from memory
			onDisk = nil
		}
		merged := make(map[string]struct{}, len(s.ids)+len(onDisk)+1)
		onFile := false
		for _, id := range onDisk {
			merged[id] = struct{}{}
			onFile = onFile || id == chatKey
		}
		for id := range s.ids {
			merged[id] = struct{}{}
		}
		if onFile {
			s.ids = merged
			return nil
		}
		merged[chatKey] = struct{}{}

		ids := make([]string, 0, len(merged))
		for id := range merged {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		if err := writeFileAtomic(s.path, ids); err != nil {
			return err
		}
		s.ids = merged
		return nil
	})
}

func readIDs(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return ids, nil
}

func (s *FileStore) Close() error { return nil }

func writeFileAtomic(path string, ids []string) error {
	data, err := json.MarshalIndent(ids, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
