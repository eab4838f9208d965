package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileBackend stores one JSON file per job in a directory, plus a
// state file for counters and processed sessions. Writes are
// write-then-rename so readers never see a torn file. It is the
// fallback when no database URL is configured.
type FileBackend struct {
	dir string

	mu    sync.Mutex
	state fileState
}

type fileState struct {
	Counters map[string]uint64 `json:"counters"`
	Sessions map[string]bool   `json:"sessions"`
}

var _ Backend = (*FileBackend)(nil)

const stateFile = "state.json"

// NewFileBackend opens (and creates if needed) the job directory.
func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create job dir: %w", err)
	}

	b := &FileBackend{
		dir:   dir,
		state: fileState{Counters: map[string]uint64{}, Sessions: map[string]bool{}},
	}

	raw, err := os.ReadFile(filepath.Join(dir, stateFile))
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read state file: %w", err)
	default:
		if err := json.Unmarshal(raw, &b.state); err != nil {
			return nil, fmt.Errorf("decode state file: %w", err)
		}
		if b.state.Counters == nil {
			b.state.Counters = map[string]uint64{}
		}
		if b.state.Sessions == nil {
			b.state.Sessions = map[string]bool{}
		}
	}
	return b, nil
}

func (b *FileBackend) jobPath(id string) string {
	return filepath.Join(b.dir, id+".json")
}

// writeAtomic writes the payload next to the target and renames it
// into place.
func (b *FileBackend) writeAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (b *FileBackend) readJob(path string) (*Job, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return &job, nil
}

// Create persists a new job file. An existing id is an error.
func (b *FileBackend) Create(_ context.Context, job *Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	path := b.jobPath(job.ID)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("Create: job %s already exists", job.ID)
	}

	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	if err := b.writeAtomic(path, job); err != nil {
		return fmt.Errorf("Create: %w", err)
	}
	return nil
}

// Get reads a job file.
func (b *FileBackend) Get(_ context.Context, id string) (*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	job, err := b.readJob(b.jobPath(id))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	return job, nil
}

// Update applies a partial mutation under the store lock.
func (b *FileBackend) Update(_ context.Context, id string, upd Update) (*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	path := b.jobPath(id)
	job, err := b.readJob(path)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("Update: %w", err)
	}

	upd.apply(job)
	if err := b.writeAtomic(path, job); err != nil {
		return nil, fmt.Errorf("Update: %w", err)
	}
	return job, nil
}

func (b *FileBackend) listAll() ([]*Job, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, err
	}

	var jobs []*Job
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == stateFile || !strings.HasSuffix(name, ".json") {
			continue
		}
		job, err := b.readJob(filepath.Join(b.dir, name))
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// ListByPhase scans the directory, oldest first.
func (b *FileBackend) ListByPhase(_ context.Context, phase Phase) ([]*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	all, err := b.listAll()
	if err != nil {
		return nil, fmt.Errorf("ListByPhase: %w", err)
	}

	var jobs []*Job
	for _, j := range all {
		if j.Phase == phase {
			jobs = append(jobs, j)
		}
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].CreatedAt.Before(jobs[k].CreatedAt) })
	return jobs, nil
}

// ListRecent scans the directory, newest first.
func (b *FileBackend) ListRecent(_ context.Context, limit int) ([]*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	jobs, err := b.listAll()
	if err != nil {
		return nil, fmt.Errorf("ListRecent: %w", err)
	}

	sort.Slice(jobs, func(i, k int) bool { return jobs[i].CreatedAt.After(jobs[k].CreatedAt) })
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// NextCounter increments the named counter in the state file.
func (b *FileBackend) NextCounter(_ context.Context, key string) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state.Counters[key]++
	if err := b.writeAtomic(filepath.Join(b.dir, stateFile), b.state); err != nil {
		b.state.Counters[key]--
		return 0, fmt.Errorf("NextCounter: %w", err)
	}
	return b.state.Counters[key], nil
}

// MarkSessionProcessed records the session in the state file.
func (b *FileBackend) MarkSessionProcessed(_ context.Context, sessionID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state.Sessions[sessionID] {
		return false, nil
	}
	b.state.Sessions[sessionID] = true
	if err := b.writeAtomic(filepath.Join(b.dir, stateFile), b.state); err != nil {
		delete(b.state.Sessions, sessionID)
		return false, fmt.Errorf("MarkSessionProcessed: %w", err)
	}
	return true, nil
}

// UnmarkSession releases the session claim so a redelivered event can
// retry after a processing failure.
func (b *FileBackend) UnmarkSession(_ context.Context, sessionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.state.Sessions[sessionID] {
		return nil
	}
	delete(b.state.Sessions, sessionID)
	if err := b.writeAtomic(filepath.Join(b.dir, stateFile), b.state); err != nil {
		b.state.Sessions[sessionID] = true
		return fmt.Errorf("UnmarkSession: %w", err)
	}
	return nil
}

// Close is a no-op for the file backend.
func (b *FileBackend) Close() {}
