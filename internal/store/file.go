package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mwmacmahon/llmtextadventure/internal/history"
)

// FileStore keeps one JSON document per session under a directory, in the
// same shape older chat-history files used: {"conversation": [...]}. Writes
// go through a temp file and rename so a crash never leaves a torn
// snapshot.
type FileStore struct {
	dir string
}

type snapshotDoc struct {
	Conversation []history.Turn `json:"conversation"`
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating %s: %v", ErrPersistence, dir, err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *FileStore) SaveSnapshot(id string, turns []history.Turn) error {
	if err := WriteSnapshotFile(s.path(id), turns); err != nil {
		return fmt.Errorf("%w: saving %s: %v", ErrPersistence, id, err)
	}
	return nil
}

func (s *FileStore) LoadSnapshot(id string) ([]history.Turn, error) {
	turns, err := ReadSnapshotFile(s.path(id))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: loading %s: %v", ErrPersistence, id, err)
	}
	return turns, nil
}

func (s *FileStore) ListSnapshots() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: listing %s: %v", ErrPersistence, s.dir, err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), ".json"))
	}
	return ids, nil
}

func (s *FileStore) Close() error { return nil }

// ReadSnapshotFile loads a conversation snapshot from a standalone JSON
// history file.
func ReadSnapshotFile(path string) ([]history.Turn, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc snapshotDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return doc.Conversation, nil
}

// WriteSnapshotFile writes a conversation snapshot as a standalone JSON
// history file, atomically.
func WriteSnapshotFile(path string, turns []history.Turn) error {
	data, err := json.MarshalIndent(snapshotDoc{Conversation: turns}, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".snapshot-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
