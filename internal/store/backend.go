package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/basket/taskforge/internal/task"
)

// indexDoc is the whole persisted task index. Every write stages the
// full document and atomically replaces the prior file, so a reader
// never observes a partial write.
type indexDoc struct {
	Version       int         `json:"version"`
	NextDisplayID int         `json:"nextDisplayId"`
	Tasks         []task.Task `json:"tasks"`
}

const indexVersion = 1

func emptyDoc() *indexDoc {
	return &indexDoc{Version: indexVersion, NextDisplayID: 1}
}

// Backend abstracts index persistence so tests can swap in a memory
// implementation. Lock must grant cross-process exclusivity for the
// file backend; every mutation runs a lock → load → modify → save cycle.
type Backend interface {
	Lock(ctx context.Context) (unlock func(), err error)
	Load() (*indexDoc, error)
	Save(doc *indexDoc) error
}

// FileBackend persists the index as a JSON document guarded by a
// flock'd lock file, shared safely between the CLI and the daemon.
type FileBackend struct {
	indexPath string
	lockPath  string
}

// NewFileBackend creates a file backend for the given paths.
func NewFileBackend(indexPath, lockPath string) *FileBackend {
	return &FileBackend{indexPath: indexPath, lockPath: lockPath}
}

// Lock acquires the exclusive index lock, polling with LOCK_NB so the
// context can cancel the wait.
func (b *FileBackend) Lock(ctx context.Context) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(b.lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	f, err := os.OpenFile(b.lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open index lock: %w", err)
	}
	for {
		err = syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			break
		}
		if err != syscall.EWOULDBLOCK {
			_ = f.Close()
			return nil, fmt.Errorf("flock index: %w", err)
		}
		select {
		case <-ctx.Done():
			_ = f.Close()
			return nil, ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
	return func() {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
	}, nil
}

// Load reads the current index document. A missing file yields an
// empty document.
func (b *FileBackend) Load() (*indexDoc, error) {
	data, err := os.ReadFile(b.indexPath)
	if err != nil {
		if os.IsNotExist(err) {
			return emptyDoc(), nil
		}
		return nil, fmt.Errorf("read index: %w", err)
	}
	doc := emptyDoc()
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("parse index: %w", err)
	}
	return doc, nil
}

// Save stages the full document to a temp file in the same directory
// and renames it over the index.
func (b *FileBackend) Save(doc *indexDoc) error {
	dir := filepath.Dir(b.indexPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode index: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".index-*.json")
	if err != nil {
		return fmt.Errorf("stage index: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write staged index: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("sync staged index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close staged index: %w", err)
	}
	if err := os.Rename(tmpName, b.indexPath); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace index: %w", err)
	}
	return nil
}

// MemoryBackend keeps the index in memory. Used by tests and by the
// dry-run paths that must not touch the repository.
type MemoryBackend struct {
	mu  sync.Mutex
	doc *indexDoc
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{doc: emptyDoc()}
}

func (b *MemoryBackend) Lock(ctx context.Context) (func(), error) {
	locked := make(chan struct{})
	go func() {
		b.mu.Lock()
		close(locked)
	}()
	select {
	case <-locked:
		return b.mu.Unlock, nil
	case <-ctx.Done():
		go func() {
			<-locked
			b.mu.Unlock()
		}()
		return nil, ctx.Err()
	}
}

func (b *MemoryBackend) Load() (*indexDoc, error) {
	clone, err := cloneDoc(b.doc)
	if err != nil {
		return nil, err
	}
	return clone, nil
}

func (b *MemoryBackend) Save(doc *indexDoc) error {
	clone, err := cloneDoc(doc)
	if err != nil {
		return err
	}
	b.doc = clone
	return nil
}

func cloneDoc(doc *indexDoc) (*indexDoc, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	out := emptyDoc()
	if err := json.Unmarshal(data, out); err != nil {
		return nil, err
	}
	return out, nil
}
