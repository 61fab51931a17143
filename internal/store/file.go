package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// File persists the snapshot as a small JSON document next to the binary.
// It does not record attempts.
type File struct {
	path string
}

func NewFile(path string) *File { return &File{path: path} }

type fileSnapshot struct {
	SavedAt time.Time `json:"saved_at"`
	SlotIDs []int64   `json:"slot_ids"`
}

func (f *File) SaveSnapshot(_ context.Context, slotIDs []int64) error {
	b, err := json.MarshalIndent(fileSnapshot{SavedAt: time.Now(), SlotIDs: slotIDs}, "", "  ")
	if err != nil {
		return err
	}
	// write-then-rename so a crash mid-write never truncates the snapshot
	tmp := f.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *File) LoadSnapshot(_ context.Context) ([]int64, error) {
	b, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap fileSnapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return nil, err
	}
	if time.Since(snap.SavedAt) > SnapshotMaxAge {
		return nil, ErrStale
	}
	return snap.SlotIDs, nil
}
