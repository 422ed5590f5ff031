package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"scriptorium/api/internal/catalog"
	"scriptorium/api/internal/util"
)

const (
	defaultTaskTimeout  = 30 * time.Second
	defaultPollInterval = 200 * time.Millisecond
	reindexConcurrency  = 4
)

// Synchronizer projects works on disk into page documents and pushes them to
// the engine. Without an engine background syncs are skipped and Push
// reports ErrUnavailable.
type Synchronizer struct {
	catalog      *catalog.Catalog
	engine       Engine
	taskTimeout  time.Duration
	pollInterval time.Duration

	works  *util.KeyedMutex
	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
}

func NewSynchronizer(cat *catalog.Catalog, engine Engine, taskTimeout time.Duration) *Synchronizer {
	if taskTimeout <= 0 {
		taskTimeout = defaultTaskTimeout
	}
	return &Synchronizer{
		catalog:      cat,
		engine:       engine,
		taskTimeout:  taskTimeout,
		pollInterval: defaultPollInterval,
		works:        util.NewKeyedMutex(),
	}
}

// WithPollInterval sets how often task status is polled while waiting.
func (s *Synchronizer) WithPollInterval(d time.Duration) *Synchronizer {
	s.pollInterval = d
	return s
}

// AggregateStatus folds page statuses into a work status: all done is done,
// all draft (or none) is draft, anything else is in progress.
func AggregateStatus(pageStatuses []string) string {
	allDone, allDraft := true, true
	for _, status := range pageStatuses {
		switch status {
		case catalog.StatusDone:
			allDraft = false
		case catalog.StatusDraft, "":
			allDone = false
		default:
			allDone = false
			allDraft = false
		}
	}
	switch {
	case len(pageStatuses) == 0 || allDraft:
		return WorkDraft
	case allDone:
		return WorkDone
	default:
		return WorkInProgress
	}
}

// ProjectWork builds one document per page of workID.
func (s *Synchronizer) ProjectWork(workID string) ([]Document, error) {
	meta, err := s.catalog.MetadataOrDefault(workID)
	if err != nil {
		return nil, err
	}
	pages, err := s.catalog.Pages(workID)
	if err != nil {
		return nil, err
	}

	// metadata short ids are editable, so document keys come from the work id
	key := catalog.ShortID(workID)
	docs := make([]Document, 0, len(pages))
	statuses := make([]string, 0, len(pages))
	for _, page := range pages {
		text, err := s.catalog.ReadText(page)
		if err != nil {
			return nil, err
		}
		ann, err := s.catalog.ReadAnnotation(page)
		if err != nil {
			slog.Warn("search: unreadable annotation, treating page as draft", "work", workID, "page", page.Number, "error", err)
			ann = catalog.Annotation{Status: catalog.StatusDraft}
		}
		comments := make([]string, 0, len(ann.Comments))
		for _, c := range ann.Comments {
			comments = append(comments, c.Text)
		}
		statuses = append(statuses, ann.Status)
		docs = append(docs, Document{
			ID:         fmt.Sprintf("%s-%d", key, page.Number),
			WorkID:     workID,
			ShortID:    meta.ShortID,
			PageNumber: page.Number,
			Image:      page.Image,
			Title:      meta.Title,
			Creators:   nonNilStrings(meta.CreatorNames()),
			Year:       meta.Year,
			Language:   meta.Language,
			Genre:      meta.Taxonomy.Genre,
			Tags:       nonNilStrings(meta.Taxonomy.Tags),
			Collection: nonNilStrings(meta.Collection),
			Text:       text,
			PageStatus: ann.Status,
			PageTags:   nonNilStrings(ann.Tags),
			Comments:   comments,
		})
	}

	workStatus := AggregateStatus(statuses)
	for i := range docs {
		docs[i].WorkStatus = workStatus
	}
	return docs, nil
}

// Push upserts docs. With wait it polls the engine task until it succeeds,
// fails or the task timeout elapses; the result is true only on success.
// Without wait the result reports whether the engine accepted the batch.
func (s *Synchronizer) Push(ctx context.Context, docs []Document, wait bool) (bool, error) {
	if s.engine == nil {
		return false, ErrUnavailable
	}
	if len(docs) == 0 {
		return true, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.taskTimeout)
	defer cancel()

	taskID, err := s.engine.Upsert(ctx, docs)
	if err != nil {
		return false, err
	}
	if !wait {
		return true, nil
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		state, err := s.engine.TaskStatus(ctx, taskID)
		if err == nil && state.Terminal() {
			if state == TaskSucceeded {
				return true, nil
			}
			return false, fmt.Errorf("search task %d %s", taskID, state)
		}
		if err != nil {
			slog.Debug("search: task status poll failed", "task", taskID, "error", err)
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return false, fmt.Errorf("%w: task %d", ErrTaskTimeout, taskID)
			}
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}

// SyncWork projects and pushes one work. Pushes of the same work are
// serialized so they reach the engine in mutation order.
func (s *Synchronizer) SyncWork(ctx context.Context, workID string, wait bool) (int, error) {
	unlock := s.works.Lock(workID)
	defer unlock()

	docs, err := s.ProjectWork(workID)
	if err != nil {
		return 0, fmt.Errorf("project %s: %w", workID, err)
	}
	ok, err := s.Push(ctx, docs, wait)
	if err != nil {
		return 0, fmt.Errorf("push %s: %w", workID, err)
	}
	if !ok {
		return 0, fmt.Errorf("push %s: not accepted", workID)
	}
	return len(docs), nil
}

// SyncWorkAsync resyncs workID in the background. Failures are logged and
// left for the next mutation of the work to retry.
func (s *Synchronizer) SyncWorkAsync(workID string) {
	if s.engine == nil {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.taskTimeout)
		defer cancel()
		if n, err := s.SyncWork(ctx, workID, false); err != nil {
			slog.Warn("search: background sync failed", "work", workID, "error", err)
		} else {
			slog.Debug("search: work synced", "work", workID, "documents", n)
		}
	}()
}

type ReindexReport struct {
	Works     int      `json:"works"`
	Documents int      `json:"documents"`
	Failed    []string `json:"failed"`
}

// ReindexAll rebuilds every work's documents with bounded concurrency. A
// failing work is reported and does not stop the others.
func (s *Synchronizer) ReindexAll(ctx context.Context) (ReindexReport, error) {
	report := ReindexReport{Failed: []string{}}
	if s.engine == nil {
		return report, ErrUnavailable
	}
	works, err := s.catalog.ListWorks()
	if err != nil {
		return report, err
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(reindexConcurrency)
	for _, workID := range works {
		workID := workID
		g.Go(func() error {
			n, err := s.SyncWork(gctx, workID, true)
			mu.Lock()
			defer mu.Unlock()
			report.Works++
			if err != nil {
				slog.Warn("search: reindex work failed", "work", workID, "error", err)
				report.Failed = append(report.Failed, workID)
				return nil
			}
			report.Documents += n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}
	slog.Info("search: reindex finished", "works", report.Works, "documents", report.Documents, "failed", len(report.Failed))
	return report, nil
}

func (s *Synchronizer) Search(ctx context.Context, q Query) (Response, error) {
	if s.engine == nil || !s.engine.Healthy() {
		return Response{Results: []Result{}, Query: q.Text}, ErrUnavailable
	}
	resp, err := s.engine.Search(ctx, q)
	if err != nil {
		return Response{Results: []Result{}, Query: q.Text}, err
	}
	if resp.Results == nil {
		resp.Results = []Result{}
	}
	return resp, nil
}

func (s *Synchronizer) Healthy() bool {
	return s.engine != nil && s.engine.Healthy()
}

// Close stops accepting background syncs and waits for in-flight ones.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
