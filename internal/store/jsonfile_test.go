package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestJSONFileMissingIsZero(t *testing.T) {
	f := NewJSONFile[map[string]User](filepath.Join(t.TempDir(), "users.json"))
	users, err := f.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(users) != 0 {
		t.Fatalf("expected empty ledger, got %v", users)
	}
}

func TestJSONFileUpdateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "users.json")
	f := NewJSONFile[map[string]User](path)

	err := f.Update(func(users *map[string]User) error {
		if *users == nil {
			*users = make(map[string]User)
		}
		(*users)["ada"] = User{Username: "ada", Role: "editor"}
		return nil
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	reopened := NewJSONFile[map[string]User](path)
	users, err := reopened.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if users["ada"].Role != "editor" {
		t.Fatalf("unexpected ledger content: %+v", users)
	}
}

func TestJSONFileFailedUpdateDoesNotWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edits.json")
	f := NewJSONFile[[]string](path)
	boom := errors.New("boom")
	err := f.Update(func(items *[]string) error {
		*items = append(*items, "x")
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected no file after failed update, stat err = %v", err)
	}
}

func TestJSONFileConcurrentUpdates(t *testing.T) {
	f := NewJSONFile[int](filepath.Join(t.TempDir(), "counter.json"))
	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f.Update(func(n *int) error {
				*n++
				return nil
			}); err != nil {
				t.Errorf("Update() error = %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := f.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got != writers {
		t.Fatalf("counter = %d, want %d", got, writers)
	}
}

type recordingMirror struct {
	mu   sync.Mutex
	keys []string
	done chan struct{}
}

func (m *recordingMirror) Put(_ context.Context, key string, payload []byte) error {
	m.mu.Lock()
	m.keys = append(m.keys, key)
	m.mu.Unlock()
	m.done <- struct{}{}
	return nil
}

func TestJSONFileMirrorsWrites(t *testing.T) {
	mirror := &recordingMirror{done: make(chan struct{}, 1)}
	f := NewJSONFile[[]string](filepath.Join(t.TempDir(), "invites.json")).WithMirror(mirror)
	if err := f.Update(func(items *[]string) error {
		*items = append(*items, "a")
		return nil
	}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	select {
	case <-mirror.done:
	case <-time.After(2 * time.Second):
		t.Fatal("mirror was not called")
	}
	mirror.mu.Lock()
	defer mirror.mu.Unlock()
	if len(mirror.keys) != 1 || mirror.keys[0] != "invites.json" {
		t.Fatalf("unexpected mirror keys %v", mirror.keys)
	}
}

// gatedMirror holds its first upload until release is closed.
type gatedMirror struct {
	mu       sync.Mutex
	payloads []string
	started  chan struct{}
	release  chan struct{}
}

func (m *gatedMirror) Put(_ context.Context, _ string, payload []byte) error {
	m.mu.Lock()
	first := len(m.payloads) == 0
	m.payloads = append(m.payloads, strings.TrimSpace(string(payload)))
	m.mu.Unlock()
	if first {
		close(m.started)
		<-m.release
	}
	return nil
}

func TestJSONFileMirrorConvergesOnNewestSnapshot(t *testing.T) {
	type counter struct {
		N int `json:"n"`
	}
	mirror := &gatedMirror{started: make(chan struct{}), release: make(chan struct{})}
	f := NewJSONFile[counter](filepath.Join(t.TempDir(), "pending.json")).WithMirror(mirror)
	bump := func() {
		t.Helper()
		if err := f.Update(func(c *counter) error {
			c.N++
			return nil
		}); err != nil {
			t.Fatalf("Update() error = %v", err)
		}
	}

	bump()
	select {
	case <-mirror.started:
	case <-time.After(2 * time.Second):
		t.Fatal("first upload never started")
	}
	bump()
	bump()
	close(mirror.release)
	f.Close()

	mirror.mu.Lock()
	defer mirror.mu.Unlock()
	want := []string{"{\n  \"n\": 1\n}", "{\n  \"n\": 3\n}"}
	if diff := cmp.Diff(want, mirror.payloads); diff != "" {
		t.Fatalf("mirrored snapshots mismatch (-want +got):\n%s", diff)
	}
}
