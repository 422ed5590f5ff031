package search

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"scriptorium/api/internal/catalog"
	"scriptorium/api/internal/gitrepo"
)

func TestDiscoveryCataloguesSettledWorks(t *testing.T) {
	root := t.TempDir()
	repo, err := gitrepo.Open(root)
	if err != nil {
		t.Fatalf("gitrepo.Open() error = %v", err)
	}
	writeFile(t, filepath.Join(root, "Faust_1808", "p1.jpg"), "img")
	writeFile(t, filepath.Join(root, "Faust_1808", "p1.txt"), "Habe nun, ach!")
	writeFile(t, filepath.Join(root, "Uploading", "p1.jpg"), "img")
	writeFile(t, filepath.Join(root, "Empty", ".keep"), "")

	past := time.Now().Add(-time.Hour)
	for _, dir := range []string{"Faust_1808", "Empty"} {
		entries, _ := os.ReadDir(filepath.Join(root, dir))
		for _, e := range entries {
			_ = os.Chtimes(filepath.Join(root, dir, e.Name()), past, past)
		}
		_ = os.Chtimes(filepath.Join(root, dir), past, past)
	}

	cat := catalog.New(root)
	engine := newFakeEngine()
	syncer := NewSynchronizer(cat, engine, time.Second)
	discovery := NewDiscovery(cat, repo, syncer, 10*time.Minute)

	found, err := discovery.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	syncer.Close()

	if diff := cmp.Diff([]string{"Faust_1808"}, found); diff != "" {
		t.Fatalf("discovered works mismatch (-want +got):\n%s", diff)
	}

	meta, ok, err := cat.ReadMetadata("Faust_1808")
	if err != nil || !ok {
		t.Fatalf("expected synthesized metadata, ok=%v err=%v", ok, err)
	}
	if meta.Title != "Faust" || meta.Year != 1808 {
		t.Fatalf("unexpected metadata %+v", meta)
	}
	if cat.HasMetadata("Uploading") {
		t.Fatal("unsettled work must be left alone")
	}

	history, err := repo.History("Faust_1808/p1.txt", 0)
	if err != nil || len(history) != 1 || !history[0].Baseline {
		t.Fatalf("expected initial capture of the transcription, got %+v, %v", history, err)
	}
	if _, err := repo.ContentAt(catalog.MetadataPath("Faust_1808"), "HEAD"); err != nil {
		t.Fatalf("metadata should be committed: %v", err)
	}

	batches := engine.pushed()
	if len(batches) != 1 || batches[0][0].ID != "faust_1808-036a1fd9-1" {
		t.Fatalf("expected one index push for the new work, got %v", batches)
	}

	again, err := discovery.Scan(context.Background())
	if err != nil || len(again) != 0 {
		t.Fatalf("rescan should be idempotent, got %v, %v", again, err)
	}
}

type flakyCommitter struct {
	*gitrepo.Service
	failPath string
	commits  map[string]int
}

func (f *flakyCommitter) Commit(relPath, content, author, message string) (gitrepo.CommitResult, error) {
	if relPath == f.failPath {
		return gitrepo.CommitResult{}, errors.New("disk full")
	}
	f.commits[relPath]++
	return f.Service.Commit(relPath, content, author, message)
}

func TestDiscoveryRetriesAfterPartialFailure(t *testing.T) {
	root := t.TempDir()
	repo, err := gitrepo.Open(root)
	if err != nil {
		t.Fatalf("gitrepo.Open() error = %v", err)
	}
	writeFile(t, filepath.Join(root, "Briefe", "p1.jpg"), "img")
	writeFile(t, filepath.Join(root, "Briefe", "p1.txt"), "Liebe Lotte")
	writeFile(t, filepath.Join(root, "Briefe", "p2.jpg"), "img")
	writeFile(t, filepath.Join(root, "Briefe", "p2.txt"), "Dein Werther")

	cat := catalog.New(root)
	engine := newFakeEngine()
	syncer := NewSynchronizer(cat, engine, time.Second)
	committer := &flakyCommitter{Service: repo, failPath: "Briefe/p2.txt", commits: map[string]int{}}
	discovery := NewDiscovery(cat, committer, syncer, 0)

	found, err := discovery.Scan(context.Background())
	if err != nil || len(found) != 0 {
		t.Fatalf("failed work must not count as discovered, got %v, %v", found, err)
	}
	if cat.HasMetadata("Briefe") {
		t.Fatal("metadata must not be written while a transcription is missing from history")
	}

	committer.failPath = ""
	found, err = discovery.Scan(context.Background())
	syncer.Close()
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if diff := cmp.Diff([]string{"Briefe"}, found); diff != "" {
		t.Fatalf("discovered works mismatch (-want +got):\n%s", diff)
	}
	want := map[string]int{"Briefe/p1.txt": 1, "Briefe/p2.txt": 1, catalog.MetadataPath("Briefe"): 1}
	if diff := cmp.Diff(want, committer.commits); diff != "" {
		t.Fatalf("commits per path mismatch (-want +got):\n%s", diff)
	}
	if len(engine.pushed()) != 1 {
		t.Fatalf("expected the work to be indexed once, got %d pushes", len(engine.pushed()))
	}
}
