package commit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileWriter stores each artifact as <dir>/<session_id>/<commit_id>.json.
// Files are written to a temp file, fsynced and renamed into place, so a
// reader never sees a partial artifact.
type FileWriter struct {
	dir string
	mu  sync.Mutex
}

// NewFileWriter returns a writer rooted at dir, creating it if needed.
func NewFileWriter(dir string) (*FileWriter, error) {
	if dir == "" {
		return nil, errors.New("artifact dir is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &FileWriter{dir: dir}, nil
}

// Path returns where the artifact for commitID of sessionID lives.
func (w *FileWriter) Path(sessionID, commitID string) string {
	return filepath.Join(w.dir, filepath.Base(sessionID), filepath.Base(commitID)+".json")
}

func (w *FileWriter) WriteArtifact(ctx context.Context, a Artifact) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path := w.Path(a.SessionID, a.CommitID)
	ref := "file:" + path

	w.mu.Lock()
	defer w.mu.Unlock()

	if existing, err := os.ReadFile(path); err == nil {
		var stored Artifact
		if err := json.Unmarshal(existing, &stored); err != nil {
			return "", fmt.Errorf("decode stored artifact %s: %w", path, err)
		}
		if !a.Matches(stored) {
			return "", conflict(a)
		}
		return ref, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("read stored artifact: %w", err)
	}
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode artifact: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create session artifact dir: %w", err)
	}
	if err := atomicWrite(path, append(data, '\n')); err != nil {
		return "", err
	}
	return ref, nil
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".artifact-*")
	if err != nil {
		return fmt.Errorf("create temp artifact: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write temp artifact: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("fsync temp artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp artifact: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename artifact: %w", err)
	}
	ok = true
	return nil
}

// MemoryWriter keeps artifacts in memory. It stands in for the file and
// sqlite writers in tests.
type MemoryWriter struct {
	mu        sync.Mutex
	artifacts map[string]Artifact
	writes    int
}

func NewMemoryWriter() *MemoryWriter {
	return &MemoryWriter{artifacts: make(map[string]Artifact)}
}

func (w *MemoryWriter) WriteArtifact(_ context.Context, a Artifact) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if stored, ok := w.artifacts[a.CommitID]; ok {
		if !a.Matches(stored) {
			return "", conflict(a)
		}
	} else {
		w.artifacts[a.CommitID] = a
		w.writes++
	}
	return "memory:" + a.CommitID, nil
}

// Get returns a stored artifact.
func (w *MemoryWriter) Get(commitID string) (Artifact, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	a, ok := w.artifacts[commitID]
	return a, ok
}

// Writes is the number of distinct artifacts stored.
func (w *MemoryWriter) Writes() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writes
}
