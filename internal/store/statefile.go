package store

import (
	"context"
	"sync"

	"github.com/Rajchodisetti/tradegate/internal/deviation"
	"github.com/Rajchodisetti/tradegate/internal/safety"
)

// StateFile keeps the gate's current-state record in one JSON file.
type StateFile struct {
	mu   sync.Mutex
	path string
}

func NewStateFile(path string) *StateFile { return &StateFile{path: path} }

func (f *StateFile) Path() string { return f.path }

func (f *StateFile) Load(ctx context.Context) (safety.State, bool, error) {
	if err := ctx.Err(); err != nil {
		return safety.State{}, false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var st safety.State
	found, err := readJSON(f.path, &st)
	return st, found, err
}

func (f *StateFile) Save(ctx context.Context, st safety.State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return writeJSON(f.path, st)
}

// SnapshotFile keeps the deviation engine snapshot in one JSON file.
type SnapshotFile struct {
	mu   sync.Mutex
	path string
}

func NewSnapshotFile(path string) *SnapshotFile { return &SnapshotFile{path: path} }

func (f *SnapshotFile) LoadSnapshot(ctx context.Context) (deviation.Snapshot, bool, error) {
	if err := ctx.Err(); err != nil {
		return deviation.Snapshot{}, false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var s deviation.Snapshot
	found, err := readJSON(f.path, &s)
	return s, found, err
}

func (f *SnapshotFile) SaveSnapshot(ctx context.Context, s deviation.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return writeJSON(f.path, s)
}
