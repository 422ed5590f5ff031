package gitrepo

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/natefinch/atomic"

	"scriptorium/api/internal/store"
	"scriptorium/api/internal/util"
)

const (
	DefaultHistoryLimit = 50
	mainBranch          = "main"
	failureLogSize      = 100
)

var (
	ErrInvalidPath     = errors.New("invalid repository path")
	ErrNotFound        = errors.New("content not found at revision")
	ErrUnknownRevision = errors.New("unknown revision")
)

const gitignore = `# page images and other binary assets stay out of history
*.jpg
*.jpeg
*.png
*.tif
*.tiff
*.webp
*.pdf
*.bak
*.tmp
`

type CommitResult struct {
	store.CommitInfo
	IsFirstCommit bool `json:"is_first_commit"`
}

type DiffResult struct {
	Commit    store.CommitInfo `json:"commit"`
	Diff      string           `json:"diff"`
	Additions int              `json:"additions"`
	Deletions int              `json:"deletions"`
	Files     []string         `json:"files"`
}

// Snapshot is one historical version imported by Backfill.
type Snapshot struct {
	Content    string
	CapturedAt time.Time
	Label      string
}

type Health struct {
	OK           bool              `json:"ok"`
	Branch       string            `json:"branch"`
	Head         string            `json:"head,omitempty"`
	Error        string            `json:"error,omitempty"`
	FailureCount int               `json:"failure_count"`
	LastFailure  *store.GitFailure `json:"last_failure,omitempty"`
}

// Service is the commit history of one data root. The worktree is the data
// root itself; only text files are ever staged.
type Service struct {
	root   string
	repo   *git.Repository
	repoMu sync.Mutex
	paths  *util.KeyedMutex
	now    func() time.Time

	failMu   sync.Mutex
	failures []store.GitFailure
}

// Open opens the repository at root, initializing it on first use.
func Open(root string) (*Service, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create data root: %w", err)
	}

	repo, err := git.PlainOpen(root)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		repo, err = initRepo(root)
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	return &Service{
		root:  root,
		repo:  repo,
		paths: util.NewKeyedMutex(),
		now:   time.Now,
	}, nil
}

func initRepo(root string) (*git.Repository, error) {
	repo, err := git.PlainInit(root, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(mainBranch))); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	ignorePath := filepath.Join(root, ".gitignore")
	if _, err := os.Stat(ignorePath); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(ignorePath, []byte(gitignore), 0o644); err != nil {
			return nil, fmt.Errorf("write .gitignore: %w", err)
		}
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("open worktree: %w", err)
	}
	if _, err := worktree.Add(".gitignore"); err != nil {
		return nil, fmt.Errorf("git add .gitignore: %w", err)
	}
	sig := signature("scriptorium", time.Now())
	if _, err := worktree.Commit("Initialize text history", &git.CommitOptions{Author: sig, Committer: sig}); err != nil {
		return nil, fmt.Errorf("commit .gitignore: %w", err)
	}
	slog.Info("gitrepo: initialized repository", "root", root)
	return repo, nil
}

// WithClock overrides the commit timestamp source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Commit writes content to path (relative to the data root), stages and
// commits it. An empty message is replaced by an initial-capture or edit
// message depending on whether path already has history.
func (s *Service) Commit(relPath, content, author, message string) (CommitResult, error) {
	relPath, err := cleanPath(relPath)
	if err != nil {
		return CommitResult{}, err
	}
	unlock := s.paths.Lock(relPath)
	defer unlock()

	return s.commitLocked(relPath, content, author, message, s.now())
}

func (s *Service) commitLocked(relPath, content, author, message string, when time.Time) (CommitResult, error) {
	s.repoMu.Lock()
	defer s.repoMu.Unlock()

	first := !s.trackedAtHead(relPath)
	if message == "" {
		if first {
			message = "Initial capture of " + relPath
		} else {
			message = "Edit " + relPath
		}
	}

	result, err := s.writeAndCommit(relPath, content, author, message, when)
	if err != nil {
		s.recordFailure("commit", relPath, author, err)
		return CommitResult{}, err
	}
	result.IsFirstCommit = first
	return result, nil
}

func (s *Service) writeAndCommit(relPath, content, author, message string, when time.Time) (CommitResult, error) {
	abs := filepath.Join(s.root, filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return CommitResult{}, fmt.Errorf("create parent dir: %w", err)
	}
	// readers of the page never see a partial write
	if err := atomic.WriteFile(abs, strings.NewReader(content)); err != nil {
		return CommitResult{}, fmt.Errorf("write %s: %w", relPath, err)
	}

	worktree, err := s.repo.Worktree()
	if err != nil {
		return CommitResult{}, fmt.Errorf("open worktree: %w", err)
	}
	if err := worktree.AddWithOptions(&git.AddOptions{Path: relPath, SkipStatus: true}); err != nil {
		return CommitResult{}, fmt.Errorf("git add %s: %w", relPath, err)
	}

	sig := signature(author, when)
	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author:            sig,
		Committer:         sig,
		AllowEmptyCommits: true,
	})
	if err != nil {
		return CommitResult{}, fmt.Errorf("commit %s: %w", relPath, err)
	}
	commitObj, err := s.repo.CommitObject(hash)
	if err != nil {
		return CommitResult{}, fmt.Errorf("read commit object: %w", err)
	}
	return CommitResult{CommitInfo: toCommitInfo(commitObj)}, nil
}

// History lists commits touching path, newest first, in ancestry order. The
// oldest entry is flagged as the baseline capture when it is within limit.
func (s *Service) History(relPath string, limit int) ([]store.CommitInfo, error) {
	relPath, err := cleanPath(relPath)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	s.repoMu.Lock()
	defer s.repoMu.Unlock()

	head, err := s.repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return []store.CommitInfo{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve HEAD: %w", err)
	}

	iter, err := s.repo.Log(&git.LogOptions{From: head.Hash(), FileName: &relPath})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]store.CommitInfo, 0, limit)
	truncated := false
	err = iter.ForEach(func(commitObj *object.Commit) error {
		if len(items) == limit {
			truncated = true
			return io.EOF
		}
		items = append(items, toCommitInfo(commitObj))
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	if !truncated && len(items) > 0 {
		items[len(items)-1].Baseline = true
	}
	return items, nil
}

// ContentAt returns the text of path as of ref.
func (s *Service) ContentAt(relPath, ref string) (string, error) {
	relPath, err := cleanPath(relPath)
	if err != nil {
		return "", err
	}

	s.repoMu.Lock()
	defer s.repoMu.Unlock()

	commitObj, err := s.resolveCommit(ref)
	if err != nil {
		return "", err
	}
	return fileAt(commitObj, relPath)
}

// Diff renders a unified diff of path between two revisions.
func (s *Service) Diff(relPath, refA, refB string) (string, error) {
	relPath, err := cleanPath(relPath)
	if err != nil {
		return "", err
	}

	s.repoMu.Lock()
	defer s.repoMu.Unlock()

	from, err := s.resolveCommit(refA)
	if err != nil {
		return "", err
	}
	to, err := s.resolveCommit(refB)
	if err != nil {
		return "", err
	}
	fromTree, err := from.Tree()
	if err != nil {
		return "", fmt.Errorf("load tree %s: %w", refA, err)
	}
	toTree, err := to.Tree()
	if err != nil {
		return "", fmt.Errorf("load tree %s: %w", refB, err)
	}
	patch, _, err := patchFor(fromTree, toTree, []string{relPath})
	if err != nil {
		return "", err
	}
	if patch == nil {
		return "", nil
	}
	return patch.String(), nil
}

// DiffForCommit diffs a commit against its first parent, or against an
// empty tree for a root commit. paths narrows the result when non-empty.
func (s *Service) DiffForCommit(ref string, paths []string) (DiffResult, error) {
	cleaned := make([]string, 0, len(paths))
	for _, p := range paths {
		c, err := cleanPath(p)
		if err != nil {
			return DiffResult{}, err
		}
		cleaned = append(cleaned, c)
	}

	s.repoMu.Lock()
	defer s.repoMu.Unlock()

	commitObj, err := s.resolveCommit(ref)
	if err != nil {
		return DiffResult{}, err
	}
	tree, err := commitObj.Tree()
	if err != nil {
		return DiffResult{}, fmt.Errorf("load commit tree: %w", err)
	}
	parentTree := &object.Tree{}
	if commitObj.NumParents() > 0 {
		parent, err := commitObj.Parent(0)
		if err != nil {
			return DiffResult{}, fmt.Errorf("load parent commit: %w", err)
		}
		if parentTree, err = parent.Tree(); err != nil {
			return DiffResult{}, fmt.Errorf("load parent tree: %w", err)
		}
	}

	result := DiffResult{Commit: toCommitInfo(commitObj), Files: []string{}}
	patch, files, err := patchFor(parentTree, tree, cleaned)
	if err != nil {
		return DiffResult{}, err
	}
	if patch == nil {
		return result, nil
	}
	result.Diff = patch.String()
	result.Files = files
	for _, stat := range patch.Stats() {
		result.Additions += stat.Addition
		result.Deletions += stat.Deletion
	}
	return result, nil
}

// Restore writes path's content as of ref as a new forward commit.
func (s *Service) Restore(relPath, ref, author string) (CommitResult, error) {
	content, err := s.ContentAt(relPath, ref)
	if err != nil {
		return CommitResult{}, err
	}
	short := ref
	if len(short) > 7 {
		short = short[:7]
	}
	return s.Commit(relPath, content, author, fmt.Sprintf("Restore %s to %s", relPath, short))
}

// Backfill imports legacy snapshots of path oldest first, stamping each
// commit with its capture time, then commits the current on-disk text so
// HEAD matches the file. Paths that already have history are left alone.
func (s *Service) Backfill(relPath string, snapshots []Snapshot, author string) ([]store.CommitInfo, error) {
	relPath, err := cleanPath(relPath)
	if err != nil {
		return nil, err
	}
	unlock := s.paths.Lock(relPath)
	defer unlock()

	s.repoMu.Lock()
	tracked := s.trackedAtHead(relPath)
	s.repoMu.Unlock()
	if tracked || len(snapshots) == 0 {
		return []store.CommitInfo{}, nil
	}

	current, readErr := os.ReadFile(filepath.Join(s.root, filepath.FromSlash(relPath)))
	if readErr != nil && !errors.Is(readErr, os.ErrNotExist) {
		return nil, fmt.Errorf("read current text: %w", readErr)
	}

	ordered := append([]Snapshot(nil), snapshots...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].CapturedAt.Before(ordered[j].CapturedAt)
	})

	commits := make([]store.CommitInfo, 0, len(ordered)+1)
	for i, snap := range ordered {
		message := fmt.Sprintf("Import legacy backup of %s captured %s", relPath, snap.CapturedAt.UTC().Format(time.RFC3339))
		if snap.Label != "" {
			message += " (" + snap.Label + ")"
		}
		if i == 0 {
			message = "Initial capture: " + message
		}
		res, err := s.commitLocked(relPath, snap.Content, author, message, snap.CapturedAt)
		if err != nil {
			return commits, err
		}
		commits = append(commits, res.CommitInfo)
	}

	if readErr == nil {
		res, err := s.commitLocked(relPath, string(current), author, "Current text of "+relPath, s.now())
		if err != nil {
			return commits, err
		}
		commits = append(commits, res.CommitInfo)
	}
	slog.Info("gitrepo: backfilled legacy backups", "path", relPath, "commits", len(commits))
	return commits, nil
}

// Failures returns recorded commit failures, newest first.
func (s *Service) Failures() []store.GitFailure {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	out := make([]store.GitFailure, len(s.failures))
	for i := range s.failures {
		out[i] = s.failures[len(s.failures)-1-i]
	}
	return out
}

func (s *Service) Health() Health {
	s.failMu.Lock()
	health := Health{Branch: mainBranch, FailureCount: len(s.failures)}
	if n := len(s.failures); n > 0 {
		last := s.failures[n-1]
		health.LastFailure = &last
	}
	s.failMu.Unlock()

	s.repoMu.Lock()
	head, err := s.repo.Head()
	s.repoMu.Unlock()
	if err != nil {
		health.Error = err.Error()
		return health
	}
	health.Head = head.Hash().String()
	health.Branch = head.Name().Short()
	health.OK = health.FailureCount == 0
	return health
}

func (s *Service) recordFailure(operation, relPath, author string, err error) {
	slog.Error("gitrepo: operation failed", "operation", operation, "path", relPath, "author", author, "error", err)
	s.failMu.Lock()
	defer s.failMu.Unlock()
	s.failures = append(s.failures, store.GitFailure{
		At:        s.now().UTC(),
		Operation: operation,
		Path:      relPath,
		Author:    author,
		Error:     err.Error(),
	})
	if len(s.failures) > failureLogSize {
		s.failures = s.failures[len(s.failures)-failureLogSize:]
	}
}

// trackedAtHead reports whether path exists in HEAD's tree. Callers hold repoMu.
func (s *Service) trackedAtHead(relPath string) bool {
	head, err := s.repo.Head()
	if err != nil {
		return false
	}
	commitObj, err := s.repo.CommitObject(head.Hash())
	if err != nil {
		return false
	}
	_, err = commitObj.File(relPath)
	return err == nil
}

func (s *Service) resolveCommit(ref string) (*object.Commit, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		ref = "HEAD"
	}
	hash, err := s.repo.ResolveRevision(plumbing.Revision(ref))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRevision, ref)
	}
	commitObj, err := s.repo.CommitObject(*hash)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRevision, ref)
	}
	return commitObj, nil
}

func fileAt(commitObj *object.Commit, relPath string) (string, error) {
	file, err := commitObj.File(relPath)
	if errors.Is(err, object.ErrFileNotFound) {
		return "", fmt.Errorf("%w: %s@%s", ErrNotFound, relPath, commitObj.Hash.String()[:7])
	}
	if err != nil {
		return "", fmt.Errorf("load %s from commit: %w", relPath, err)
	}
	content, err := file.Contents()
	if err != nil {
		return "", fmt.Errorf("read %s contents: %w", relPath, err)
	}
	return content, nil
}

// patchFor diffs two trees restricted to paths (all paths when empty). A nil
// patch means nothing changed.
func patchFor(from, to *object.Tree, paths []string) (*object.Patch, []string, error) {
	changes, err := from.Diff(to)
	if err != nil {
		return nil, nil, fmt.Errorf("diff trees: %w", err)
	}
	wanted := make(map[string]bool, len(paths))
	for _, p := range paths {
		wanted[p] = true
	}

	selected := make(object.Changes, 0, len(changes))
	files := make([]string, 0, len(changes))
	for _, change := range changes {
		name := change.To.Name
		if name == "" {
			name = change.From.Name
		}
		if len(wanted) > 0 && !wanted[name] {
			continue
		}
		selected = append(selected, change)
		files = append(files, name)
	}
	if len(selected) == 0 {
		return nil, files, nil
	}
	patch, err := selected.Patch()
	if err != nil {
		return nil, nil, fmt.Errorf("build patch: %w", err)
	}
	sort.Strings(files)
	return patch, files, nil
}

func cleanPath(relPath string) (string, error) {
	relPath = strings.TrimSpace(filepath.ToSlash(relPath))
	if relPath == "" || strings.HasPrefix(relPath, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, relPath)
	}
	cleaned := path.Clean(relPath)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") || strings.HasPrefix(cleaned, ".git/") || cleaned == ".git" {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, relPath)
	}
	return cleaned, nil
}

func signature(author string, when time.Time) *object.Signature {
	if strings.TrimSpace(author) == "" {
		author = "unknown"
	}
	return &object.Signature{
		Name:  author,
		Email: fmt.Sprintf("%s@users.scriptorium.local", sanitizeEmail(author)),
		When:  when,
	}
}

func toCommitInfo(commitObj *object.Commit) store.CommitInfo {
	hash := commitObj.Hash.String()
	parents := make([]string, 0, len(commitObj.ParentHashes))
	for _, p := range commitObj.ParentHashes {
		parents = append(parents, p.String())
	}
	return store.CommitInfo{
		Hash:      hash,
		ShortHash: hash[:7],
		Message:   strings.TrimSpace(commitObj.Message),
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
		Parents:   parents,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' || r == '.' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}
