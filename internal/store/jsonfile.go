package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/natefinch/atomic"
)

// JSONFile is a single JSON document on disk guarded by a lock. Every write
// goes through a temp file and rename, so readers never see a torn ledger.
type JSONFile[T any] struct {
	path   string
	mu     sync.Mutex
	mirror Mirror

	// one uploader per file; latest is the newest snapshot not yet sent
	pushMu   sync.Mutex
	pushDone sync.Cond
	latest   []byte
	pushing  bool
}

func NewJSONFile[T any](path string) *JSONFile[T] {
	f := &JSONFile[T]{path: path}
	f.pushDone.L = &f.pushMu
	return f
}

// WithMirror copies successful writes to m in the background. Uploads happen
// in write order and a snapshot superseded before its upload starts is
// skipped, so the mirror converges on the newest ledger.
func (f *JSONFile[T]) WithMirror(m Mirror) *JSONFile[T] {
	f.mirror = m
	return f
}

// Close waits until the newest snapshot has been handed to the mirror.
func (f *JSONFile[T]) Close() {
	f.pushMu.Lock()
	defer f.pushMu.Unlock()
	for f.pushing {
		f.pushDone.Wait()
	}
}

// Load returns the current value; a missing file is the zero value.
func (f *JSONFile[T]) Load() (T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.read()
}

// Update runs fn against the current value and persists the result. If fn
// returns an error nothing is written.
func (f *JSONFile[T]) Update(fn func(*T) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	value, err := f.read()
	if err != nil {
		return err
	}
	if err := fn(&value); err != nil {
		return err
	}
	return f.write(value)
}

func (f *JSONFile[T]) read() (T, error) {
	var value T
	raw, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return value, nil
	}
	if err != nil {
		return value, fmt.Errorf("read %s: %w", filepath.Base(f.path), err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return value, nil
	}
	if err := json.Unmarshal(raw, &value); err != nil {
		return value, fmt.Errorf("decode %s: %w", filepath.Base(f.path), err)
	}
	return value, nil
}

func (f *JSONFile[T]) write(value T) error {
	payload, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(f.path), err)
	}
	payload = append(payload, '\n')
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("create ledger dir: %w", err)
	}
	if err := atomic.WriteFile(f.path, bytes.NewReader(payload)); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(f.path), err)
	}
	if f.mirror != nil {
		f.schedulePush(payload)
	}
	return nil
}

func (f *JSONFile[T]) schedulePush(payload []byte) {
	f.pushMu.Lock()
	defer f.pushMu.Unlock()
	f.latest = payload
	if f.pushing {
		return
	}
	f.pushing = true
	go f.drain()
}

func (f *JSONFile[T]) drain() {
	for {
		f.pushMu.Lock()
		payload := f.latest
		f.latest = nil
		if payload == nil {
			f.pushing = false
			f.pushDone.Broadcast()
			f.pushMu.Unlock()
			return
		}
		f.pushMu.Unlock()
		f.push(payload)
	}
}

func (f *JSONFile[T]) push(payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	key := filepath.Base(f.path)
	if err := f.mirror.Put(ctx, key, payload); err != nil {
		slog.Warn("store: mirror ledger failed", "ledger", key, "error", err)
	}
}
