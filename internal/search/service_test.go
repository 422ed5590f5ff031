package search

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"scriptorium/api/internal/catalog"
)

type fakeEngine struct {
	mu       sync.Mutex
	healthy  bool
	nextTask int64
	batches  [][]Document
	states   []TaskState
	polls    int

	upsertFn func([]Document) error
	searchFn func(Query) (Response, error)
}

func newFakeEngine(states ...TaskState) *fakeEngine {
	return &fakeEngine{healthy: true, states: states}
}

func (f *fakeEngine) Upsert(_ context.Context, docs []Document) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertFn != nil {
		if err := f.upsertFn(docs); err != nil {
			return 0, err
		}
	}
	f.nextTask++
	f.batches = append(f.batches, docs)
	return f.nextTask, nil
}

func (f *fakeEngine) TaskStatus(context.Context, int64) (TaskState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if len(f.states) == 0 {
		return TaskSucceeded, nil
	}
	state := f.states[0]
	if len(f.states) > 1 {
		f.states = f.states[1:]
	}
	return state, nil
}

func (f *fakeEngine) Search(_ context.Context, q Query) (Response, error) {
	if f.searchFn != nil {
		return f.searchFn(q)
	}
	return Response{Query: q.Text}, nil
}

func (f *fakeEngine) Healthy() bool { return f.healthy }

func (f *fakeEngine) pushed() [][]Document {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]Document(nil), f.batches...)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestAggregateStatus(t *testing.T) {
	tests := []struct {
		in   []string
		want string
	}{
		{in: nil, want: WorkDraft},
		{in: []string{}, want: WorkDraft},
		{in: []string{"done", "done"}, want: WorkDone},
		{in: []string{"draft", "draft"}, want: WorkDraft},
		{in: []string{"draft", ""}, want: WorkDraft},
		{in: []string{"draft", "done"}, want: WorkInProgress},
		{in: []string{"in_progress"}, want: WorkInProgress},
		{in: []string{"done", "in_progress", "done"}, want: WorkInProgress},
	}
	for _, tt := range tests {
		if got := AggregateStatus(tt.in); got != tt.want {
			t.Errorf("AggregateStatus(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func setupWork(t *testing.T) *catalog.Catalog {
	t.Helper()
	root := t.TempDir()
	work := filepath.Join(root, "Chronik_1750")
	writeFile(t, filepath.Join(work, "metadata.json"), `{"title":"Stadtchronik","author":"Anna Muster","year":1750,"genre":"Chronik","tags":["Stadt"]}`)
	writeFile(t, filepath.Join(work, "001.jpg"), "img")
	writeFile(t, filepath.Join(work, "002.jpg"), "img")
	writeFile(t, filepath.Join(work, "001.txt"), "Im Jahre des Herrn")
	writeFile(t, filepath.Join(work, "001.json"), `{"status":"done","tags":["Initiale"],"comments":[{"author":"ada","text":"schwer lesbar"}]}`)
	return catalog.New(root)
}

func TestProjectWorkDenormalizesPages(t *testing.T) {
	cat := setupWork(t)
	syncer := NewSynchronizer(cat, newFakeEngine(), time.Second)

	docs, err := syncer.ProjectWork("Chronik_1750")
	if err != nil {
		t.Fatalf("ProjectWork() error = %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("expected 2 page documents, got %d", len(docs))
	}

	want := Document{
		ID:         "chronik_1750-b05cc1f1-1",
		WorkID:     "Chronik_1750",
		ShortID:    "chronik_1750-b05cc1f1",
		PageNumber: 1,
		Image:      "001.jpg",
		Title:      "Stadtchronik",
		Creators:   []string{"Anna Muster"},
		Year:       1750,
		Genre:      "Chronik",
		Tags:       []string{"Stadt"},
		Collection: []string{},
		Text:       "Im Jahre des Herrn",
		PageStatus: "done",
		PageTags:   []string{"Initiale"},
		Comments:   []string{"schwer lesbar"},
		WorkStatus: WorkInProgress,
	}
	if diff := cmp.Diff(want, docs[0]); diff != "" {
		t.Fatalf("page 1 mismatch (-want +got):\n%s", diff)
	}
	if docs[1].ID != "chronik_1750-b05cc1f1-2" || docs[1].Text != "" || docs[1].PageStatus != "draft" {
		t.Fatalf("missing siblings should default, got %+v", docs[1])
	}
	if docs[1].WorkStatus != WorkInProgress {
		t.Fatal("work status must be written onto every page document")
	}
}

func TestProjectWorkKeysDistinctWorksApart(t *testing.T) {
	root := t.TempDir()
	names := []string{"Faust 1808", "Faust-1808", "Библия", "Евангелие"}
	for _, name := range names {
		writeFile(t, filepath.Join(root, name, "p1.jpg"), "img")
	}
	// both works claim the same short id in their metadata
	writeFile(t, filepath.Join(root, "Faust 1808", "metadata.json"), `{"schema_version":2,"short_id":"faust","title":"Faust"}`)
	writeFile(t, filepath.Join(root, "Faust-1808", "metadata.json"), `{"schema_version":2,"short_id":"faust","title":"Faust"}`)
	syncer := NewSynchronizer(catalog.New(root), newFakeEngine(), time.Second)

	owners := make(map[string]string)
	for _, name := range names {
		docs, err := syncer.ProjectWork(name)
		if err != nil || len(docs) != 1 {
			t.Fatalf("ProjectWork(%q) = %v, %v", name, docs, err)
		}
		if other, ok := owners[docs[0].ID]; ok {
			t.Fatalf("works %q and %q share document id %q", other, name, docs[0].ID)
		}
		owners[docs[0].ID] = name
	}
}

func TestPushWaitsForTaskSuccess(t *testing.T) {
	engine := newFakeEngine(TaskEnqueued, TaskProcessing, TaskSucceeded)
	syncer := NewSynchronizer(setupWork(t), engine, time.Second).WithPollInterval(time.Millisecond)

	ok, err := syncer.Push(context.Background(), []Document{{ID: "a-1"}}, true)
	if err != nil || !ok {
		t.Fatalf("Push() = %v, %v", ok, err)
	}
	if engine.polls != 3 {
		t.Fatalf("expected 3 polls, got %d", engine.polls)
	}
}

func TestPushReportsFailedTask(t *testing.T) {
	engine := newFakeEngine(TaskProcessing, TaskFailed)
	syncer := NewSynchronizer(setupWork(t), engine, time.Second).WithPollInterval(time.Millisecond)

	ok, err := syncer.Push(context.Background(), []Document{{ID: "a-1"}}, true)
	if ok || err == nil {
		t.Fatalf("expected failure, got ok=%v err=%v", ok, err)
	}
}

func TestPushTimesOut(t *testing.T) {
	engine := newFakeEngine(TaskProcessing)
	syncer := NewSynchronizer(setupWork(t), engine, 20*time.Millisecond).WithPollInterval(time.Millisecond)

	ok, err := syncer.Push(context.Background(), []Document{{ID: "a-1"}}, true)
	if ok || !errors.Is(err, ErrTaskTimeout) {
		t.Fatalf("expected ErrTaskTimeout, got ok=%v err=%v", ok, err)
	}
}

func TestPushWithoutWaitDoesNotPoll(t *testing.T) {
	engine := newFakeEngine(TaskProcessing)
	syncer := NewSynchronizer(setupWork(t), engine, time.Second)

	ok, err := syncer.Push(context.Background(), []Document{{ID: "a-1"}}, false)
	if err != nil || !ok {
		t.Fatalf("Push() = %v, %v", ok, err)
	}
	if engine.polls != 0 {
		t.Fatalf("expected no polling, got %d", engine.polls)
	}
}

func TestPushWithoutEngine(t *testing.T) {
	syncer := NewSynchronizer(setupWork(t), nil, time.Second)
	if ok, err := syncer.Push(context.Background(), []Document{{ID: "a"}}, true); ok || !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v, %v", ok, err)
	}
	syncer.SyncWorkAsync("Chronik_1750")
	syncer.Close()
}

func TestSyncWorkAsyncPushesAndCloseWaits(t *testing.T) {
	engine := newFakeEngine()
	syncer := NewSynchronizer(setupWork(t), engine, time.Second)

	syncer.SyncWorkAsync("Chronik_1750")
	syncer.Close()

	batches := engine.pushed()
	if len(batches) != 1 || len(batches[0]) != 2 {
		t.Fatalf("expected one batch of 2 documents, got %v", batches)
	}

	syncer.SyncWorkAsync("Chronik_1750")
	if len(engine.pushed()) != 1 {
		t.Fatal("syncs after Close must be dropped")
	}
}

func TestSyncWorkAsyncSwallowsEngineErrors(t *testing.T) {
	engine := newFakeEngine()
	engine.upsertFn = func([]Document) error { return ErrUnavailable }
	syncer := NewSynchronizer(setupWork(t), engine, time.Second)

	syncer.SyncWorkAsync("Chronik_1750")
	syncer.Close()
	if len(engine.pushed()) != 0 {
		t.Fatal("rejected batch must not be recorded")
	}
}

func TestReindexAllReportsPerWork(t *testing.T) {
	cat := setupWork(t)
	writeFile(t, filepath.Join(cat.Root(), "Briefe", "a.png"), "img")
	writeFile(t, filepath.Join(cat.Root(), "Kaputt", "metadata.json"), "{broken")

	engine := newFakeEngine()
	syncer := NewSynchronizer(cat, engine, time.Second).WithPollInterval(time.Millisecond)

	report, err := syncer.ReindexAll(context.Background())
	if err != nil {
		t.Fatalf("ReindexAll() error = %v", err)
	}
	if report.Works != 3 || report.Documents != 3 {
		t.Fatalf("unexpected report %+v", report)
	}
	if diff := cmp.Diff([]string{"Kaputt"}, report.Failed); diff != "" {
		t.Fatalf("failed works mismatch (-want +got):\n%s", diff)
	}

	var ids []string
	for _, batch := range engine.pushed() {
		for _, d := range batch {
			ids = append(ids, d.ID)
		}
	}
	sort.Strings(ids)
	if diff := cmp.Diff([]string{"briefe-abc2d0d4-1", "chronik_1750-b05cc1f1-1", "chronik_1750-b05cc1f1-2"}, ids); diff != "" {
		t.Fatalf("document ids mismatch (-want +got):\n%s", diff)
	}
}

func TestSearchUnavailable(t *testing.T) {
	engine := newFakeEngine()
	engine.healthy = false
	syncer := NewSynchronizer(setupWork(t), engine, time.Second)

	resp, err := syncer.Search(context.Background(), Query{Text: "herr"})
	if !errors.Is(err, ErrUnavailable) || resp.Results == nil {
		t.Fatalf("expected ErrUnavailable with empty results, got %+v, %v", resp, err)
	}
}
