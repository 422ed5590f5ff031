package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"scriptorium/api/internal/authpw"
	"scriptorium/api/internal/catalog"
	"scriptorium/api/internal/config"
	"scriptorium/api/internal/gitrepo"
	"scriptorium/api/internal/pending"
	"scriptorium/api/internal/people"
	"scriptorium/api/internal/rbac"
	"scriptorium/api/internal/search"
	"scriptorium/api/internal/session"
	"scriptorium/api/internal/store"
)

type textStore interface {
	Commit(relPath, content, author, message string) (gitrepo.CommitResult, error)
	History(relPath string, limit int) ([]store.CommitInfo, error)
	Diff(relPath, refA, refB string) (string, error)
	DiffForCommit(ref string, paths []string) (gitrepo.DiffResult, error)
	Restore(relPath, ref, author string) (gitrepo.CommitResult, error)
	Backfill(relPath string, snapshots []gitrepo.Snapshot, author string) ([]store.CommitInfo, error)
	Failures() []store.GitFailure
	Health() gitrepo.Health
}

type indexer interface {
	SyncWorkAsync(workID string)
	Search(ctx context.Context, q search.Query) (search.Response, error)
	ReindexAll(ctx context.Context) (search.ReindexReport, error)
	Healthy() bool
}

type mailer interface {
	IsConfigured() bool
	SendInvitationEmail(to, userName, role, inviteURL string, expiresAt time.Time) error
}

type peopleJobs interface {
	Start(ctx context.Context) (people.JobStatus, error)
	Status() people.JobStatus
	List() ([]people.Person, error)
}

// Deps are the components a Service coordinates. Index, Mailer and People
// may be nil.
type Deps struct {
	Catalog  *catalog.Catalog
	Git      textStore
	Pending  *pending.Ledger
	Accounts *authpw.Service
	Sessions *session.Manager
	Index    indexer
	Mailer   mailer
	People   peopleJobs
}

type Service struct {
	cfg      config.Config
	catalog  *catalog.Catalog
	git      textStore
	pending  *pending.Ledger
	accounts *authpw.Service
	sessions *session.Manager
	index    indexer
	mailer   mailer
	people   peopleJobs
	// background jobs started by requests outlive the request
	jobs context.Context
}

func New(cfg config.Config, deps Deps) *Service {
	return &Service{
		cfg:      cfg,
		catalog:  deps.Catalog,
		git:      deps.Git,
		pending:  deps.Pending,
		accounts: deps.Accounts,
		sessions: deps.Sessions,
		index:    deps.Index,
		mailer:   deps.Mailer,
		people:   deps.People,
		jobs:     context.Background(),
	}
}

// WithJobContext bounds background jobs to ctx, normally the process lifetime.
func (s *Service) WithJobContext(ctx context.Context) *Service {
	s.jobs = ctx
	return s
}

func (s *Service) syncWork(workID string) {
	if s.index != nil {
		s.index.SyncWorkAsync(workID)
	}
}

// Bootstrap creates the configured admin account on an empty users ledger.
func (s *Service) Bootstrap() error {
	created, err := s.accounts.EnsureAdmin(s.cfg.AdminUsername, s.cfg.AdminPassword)
	if err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}
	if created {
		slog.Info("app: bootstrap admin created", "username", s.cfg.AdminUsername)
	}
	return nil
}

// Sessions

type LoginResult struct {
	Token     string       `json:"token"`
	User      session.User `json:"user"`
	ExpiresAt time.Time    `json:"expires_at"`
}

func (s *Service) Login(ctx context.Context, username, password string) (LoginResult, error) {
	user, err := s.accounts.Authenticate(username, password)
	if err != nil {
		return LoginResult{}, err
	}
	token, sess, err := s.sessions.Create(ctx, sessionUser(user))
	if err != nil {
		return LoginResult{}, err
	}
	slog.Info("app: login", "username", user.Username, "role", user.Role)
	return LoginResult{
		Token:     token,
		User:      sess.User,
		ExpiresAt: sess.CreatedAt.Add(s.sessions.TTL()),
	}, nil
}

func (s *Service) Logout(ctx context.Context, token string) error {
	return s.sessions.Logout(ctx, token)
}

// Authorize resolves token against min. Viewer is the anonymous floor, so
// viewer endpoints accept an absent token; a present but invalid one is
// still rejected.
func (s *Service) Authorize(ctx context.Context, token string, min rbac.Role) (session.User, error) {
	if strings.TrimSpace(token) == "" && min == rbac.RoleViewer {
		return session.User{Role: rbac.RoleViewer}, nil
	}
	sess, err := s.sessions.Authorize(ctx, token, min)
	if err != nil {
		return session.User{}, err
	}
	return sess.User, nil
}

func sessionUser(u store.User) session.User {
	return session.User{
		Username:    u.Username,
		DisplayName: u.DisplayName,
		Role:        rbac.Normalize(u.Role),
	}
}

// Pending edits

type SaveResult struct {
	Edit            pending.Edit `json:"edit"`
	HasOtherPending bool         `json:"has_other_pending"`
}

// SavePending queues a proposed transcription. Whether other users have
// pending edits for the page is only disclosed to reviewers.
func (s *Service) SavePending(caller session.User, workID string, pageNumber int, originalText, newText string) (SaveResult, error) {
	if _, err := s.catalog.Page(workID, pageNumber); err != nil {
		return SaveResult{}, err
	}
	edit, others, err := s.pending.Submit(workID, pageNumber, caller.Username, originalText, newText)
	if err != nil {
		return SaveResult{}, err
	}
	slog.Info("app: pending edit saved", "edit", edit.ID, "work", workID, "page", pageNumber, "user", caller.Username, "conflict", edit.HasConflict)
	res := SaveResult{Edit: edit}
	if rbac.AtLeast(caller.Role, rbac.RoleEditor) {
		res.HasOtherPending = others > 0
	}
	return res, nil
}

func (s *Service) ListPending() ([]pending.Edit, error) {
	return s.pending.ListPending()
}

type CheckView struct {
	Own          *pending.Edit `json:"own"`
	OtherPending *int          `json:"other_pending_count,omitempty"`
}

func (s *Service) CheckPending(caller session.User, workID string, pageNumber int) (CheckView, error) {
	res, err := s.pending.Check(workID, pageNumber, caller.Username)
	if err != nil {
		return CheckView{}, err
	}
	view := CheckView{Own: res.Own}
	if rbac.AtLeast(caller.Role, rbac.RoleEditor) {
		count := res.OtherPending
		view.OtherPending = &count
	}
	return view, nil
}

type ApproveResult struct {
	Edit        pending.Edit         `json:"edit"`
	Commit      gitrepo.CommitResult `json:"commit"`
	BaseChanged bool                 `json:"base_changed"`
}

// ApproveEdit writes the proposed text verbatim and commits it as the
// submitter. Drift from the base text is reported, never blocking. When the
// commit fails the edit stays pending.
func (s *Service) ApproveEdit(reviewer session.User, editID, comment string) (ApproveResult, error) {
	target, err := s.pending.Get(editID)
	if err != nil {
		return ApproveResult{}, err
	}
	page, err := s.catalog.Page(target.WorkID, target.PageNumber)
	if err != nil {
		return ApproveResult{}, err
	}
	// page text before ledger, so the page cannot move under a review
	unlock := s.catalog.LockText(target.WorkID, target.PageNumber)
	defer unlock()

	var res ApproveResult
	edit, err := s.pending.Approve(editID, reviewer.Username, comment, func(e pending.Edit) error {
		current, err := s.catalog.ReadText(page)
		if err != nil {
			return err
		}
		res.BaseChanged = pending.HashText(current) != e.BaseTextHash

		message := fmt.Sprintf("Edit %s (approved by %s)", page.TextPath(), reviewer.Username)
		commit, err := s.git.Commit(page.TextPath(), e.ProposedText, e.SubmittedBy, message)
		if err != nil {
			return &IntegrityError{Path: page.TextPath(), Err: err}
		}
		res.Commit = commit
		return nil
	})
	if err != nil {
		return ApproveResult{}, err
	}
	res.Edit = edit
	slog.Info("app: pending edit approved", "edit", edit.ID, "reviewer", reviewer.Username, "commit", res.Commit.ShortHash, "base_changed", res.BaseChanged)
	s.syncWork(edit.WorkID)
	return res, nil
}

func (s *Service) RejectEdit(reviewer session.User, editID, comment string) (pending.Edit, error) {
	edit, err := s.pending.Reject(editID, reviewer.Username, comment)
	if err != nil {
		return pending.Edit{}, err
	}
	slog.Info("app: pending edit rejected", "edit", edit.ID, "reviewer", reviewer.Username)
	return edit, nil
}

// History and restore

type BackupsView struct {
	Backups  []catalog.Backup   `json:"backups"`
	Imported []store.CommitInfo `json:"imported,omitempty"`
}

// Backups lists a page's legacy copies. With importHistory the copies are
// backfilled into version history at their capture times.
func (s *Service) Backups(caller session.User, workID string, pageNumber int, importHistory bool) (BackupsView, error) {
	page, err := s.catalog.Page(workID, pageNumber)
	if err != nil {
		return BackupsView{}, err
	}
	backups, err := s.catalog.Backups(page)
	if err != nil {
		return BackupsView{}, err
	}
	view := BackupsView{Backups: backups}
	if !importHistory || len(backups) == 0 {
		return view, nil
	}

	unlock := s.catalog.LockText(workID, pageNumber)
	defer unlock()
	snapshots := make([]gitrepo.Snapshot, 0, len(backups))
	for _, b := range backups {
		content, err := s.catalog.ReadBackup(page, b.Name)
		if err != nil {
			return BackupsView{}, err
		}
		snapshots = append(snapshots, gitrepo.Snapshot{Content: content, CapturedAt: b.CapturedAt, Label: b.Name})
	}
	imported, err := s.git.Backfill(page.TextPath(), snapshots, caller.Username)
	if err != nil {
		return BackupsView{}, &IntegrityError{Path: page.TextPath(), Err: err}
	}
	view.Imported = imported
	return view, nil
}

// RestoreBackup makes a legacy copy the current text as a forward commit.
func (s *Service) RestoreBackup(caller session.User, workID string, pageNumber int, name string) (gitrepo.CommitResult, error) {
	page, err := s.catalog.Page(workID, pageNumber)
	if err != nil {
		return gitrepo.CommitResult{}, err
	}
	unlock := s.catalog.LockText(workID, pageNumber)
	defer unlock()
	content, err := s.catalog.ReadBackup(page, name)
	if err != nil {
		return gitrepo.CommitResult{}, err
	}
	commit, err := s.git.Commit(page.TextPath(), content, caller.Username, fmt.Sprintf("Restore %s from %s", page.TextPath(), name))
	if err != nil {
		return gitrepo.CommitResult{}, &IntegrityError{Path: page.TextPath(), Err: err}
	}
	s.syncWork(workID)
	return commit, nil
}

// GitRestore brings a page back to its text at ref as a forward commit.
func (s *Service) GitRestore(caller session.User, workID string, pageNumber int, ref string) (gitrepo.CommitResult, error) {
	page, err := s.catalog.Page(workID, pageNumber)
	if err != nil {
		return gitrepo.CommitResult{}, err
	}
	unlock := s.catalog.LockText(workID, pageNumber)
	defer unlock()
	commit, err := s.git.Restore(page.TextPath(), ref, caller.Username)
	if err != nil {
		return gitrepo.CommitResult{}, err
	}
	s.syncWork(workID)
	return commit, nil
}

func (s *Service) GitDiff(workID string, pageNumber int, from, to string) (string, error) {
	page, err := s.catalog.Page(workID, pageNumber)
	if err != nil {
		return "", err
	}
	if to == "" {
		to = "HEAD"
	}
	return s.git.Diff(page.TextPath(), from, to)
}

func (s *Service) GitHistory(workID string, pageNumber int, limit int) ([]store.CommitInfo, error) {
	page, err := s.catalog.Page(workID, pageNumber)
	if err != nil {
		return nil, err
	}
	return s.git.History(page.TextPath(), limit)
}

// CommitDiff shows what ref changed, optionally narrowed to one page.
func (s *Service) CommitDiff(ref, workID string, pageNumber int) (gitrepo.DiffResult, error) {
	var paths []string
	if workID != "" {
		page, err := s.catalog.Page(workID, pageNumber)
		if err != nil {
			return gitrepo.DiffResult{}, err
		}
		paths = []string{page.TextPath()}
	}
	return s.git.DiffForCommit(ref, paths)
}

// Accounts

type InviteView struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"expires_at"`
	Emailed   bool      `json:"emailed"`
	// Returned only when the invite could not be mailed.
	Token     string `json:"token,omitempty"`
	InviteURL string `json:"invite_url,omitempty"`
}

func (s *Service) Register(req authpw.RegisterRequest) (store.Registration, error) {
	reg, err := s.accounts.Register(req)
	if err != nil {
		return store.Registration{}, err
	}
	slog.Info("app: registration received", "registration", reg.ID, "username", reg.Username)
	return reg, nil
}

func (s *Service) ListRegistrations() ([]store.Registration, error) {
	return s.accounts.ListRegistrations()
}

func (s *Service) ApproveRegistration(admin session.User, id, role string) (store.Registration, InviteView, error) {
	reg, issued, err := s.accounts.ApproveRegistration(id, admin.Username, role)
	if err != nil {
		return store.Registration{}, InviteView{}, err
	}
	return reg, s.deliverInvite(issued, reg.Email), nil
}

func (s *Service) RejectRegistration(admin session.User, id string) (store.Registration, error) {
	return s.accounts.RejectRegistration(id, admin.Username)
}

func (s *Service) InviteUser(admin session.User, username, displayName, role, email string) (InviteView, error) {
	issued, err := s.accounts.CreateInvite(authpw.InviteRequest{
		Username:    username,
		DisplayName: displayName,
		Role:        role,
		CreatedBy:   admin.Username,
	})
	if err != nil {
		return InviteView{}, err
	}
	return s.deliverInvite(issued, email), nil
}

// deliverInvite mails the set-password link when SMTP is configured and an
// address is known; otherwise the token goes back to the admin.
func (s *Service) deliverInvite(issued authpw.IssuedInvite, email string) InviteView {
	link := s.inviteURL(issued.Token)
	view := InviteView{
		Username:  issued.Invite.Username,
		Role:      issued.Invite.Role,
		ExpiresAt: issued.Invite.ExpiresAt,
	}
	if s.mailer != nil && s.mailer.IsConfigured() && strings.TrimSpace(email) != "" {
		err := s.mailer.SendInvitationEmail(email, issued.Invite.DisplayName, issued.Invite.Role, link, issued.Invite.ExpiresAt)
		if err == nil {
			view.Emailed = true
			return view
		}
		slog.Warn("app: invitation email failed", "username", issued.Invite.Username, "error", err)
	}
	view.Token = issued.Token
	view.InviteURL = link
	return view
}

func (s *Service) inviteURL(token string) string {
	base := strings.TrimRight(s.cfg.PublicURL, "/")
	return base + "/invite?token=" + url.QueryEscape(token)
}

func (s *Service) RedeemInvite(token, password string) (session.User, error) {
	user, err := s.accounts.RedeemInvite(token, password)
	if err != nil {
		return session.User{}, err
	}
	slog.Info("app: invite redeemed", "username", user.Username, "role", user.Role)
	return sessionUser(user), nil
}

type UserView struct {
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	Role        string    `json:"role"`
	CreatedAt   time.Time `json:"created_at"`
}

func (s *Service) ListUsers() ([]UserView, error) {
	users, err := s.accounts.ListUsers()
	if err != nil {
		return nil, err
	}
	out := make([]UserView, 0, len(users))
	for _, u := range users {
		out = append(out, UserView{Username: u.Username, DisplayName: u.DisplayName, Role: u.Role, CreatedAt: u.CreatedAt})
	}
	return out, nil
}

// SetUserRole changes a role and drops the user's live sessions so the new
// role applies from the next login.
func (s *Service) SetUserRole(ctx context.Context, admin session.User, username, role string) (UserView, error) {
	user, err := s.accounts.SetRole(username, role)
	if err != nil {
		return UserView{}, err
	}
	if err := s.sessions.RevokeUser(ctx, user.Username); err != nil {
		slog.Warn("app: revoke sessions failed", "username", user.Username, "error", err)
	}
	slog.Info("app: role changed", "username", user.Username, "role", role, "by", admin.Username)
	return UserView{Username: user.Username, DisplayName: user.DisplayName, Role: user.Role, CreatedAt: user.CreatedAt}, nil
}

func (s *Service) DeleteUser(ctx context.Context, admin session.User, username string) error {
	if err := s.accounts.DeleteUser(username); err != nil {
		return err
	}
	if err := s.sessions.RevokeUser(ctx, username); err != nil {
		slog.Warn("app: revoke sessions failed", "username", username, "error", err)
	}
	slog.Info("app: user deleted", "username", username, "by", admin.Username)
	return nil
}

// Operations

func (s *Service) GitFailures() []store.GitFailure {
	return s.git.Failures()
}

func (s *Service) GitHealth() gitrepo.Health {
	return s.git.Health()
}

func (s *Service) StartPeopleRefresh() (people.JobStatus, error) {
	if s.people == nil {
		return people.JobStatus{}, domainError(http.StatusServiceUnavailable, "PEOPLE_UNAVAILABLE", "People registry not configured", nil)
	}
	return s.people.Start(s.jobs)
}

type PeopleView struct {
	Job    people.JobStatus `json:"job"`
	People []people.Person  `json:"people"`
}

func (s *Service) PeopleStatus() (PeopleView, error) {
	if s.people == nil {
		return PeopleView{}, domainError(http.StatusServiceUnavailable, "PEOPLE_UNAVAILABLE", "People registry not configured", nil)
	}
	list, err := s.people.List()
	if err != nil {
		return PeopleView{}, err
	}
	if list == nil {
		list = []people.Person{}
	}
	return PeopleView{Job: s.people.Status(), People: list}, nil
}

func (s *Service) Search(ctx context.Context, q search.Query) (search.Response, error) {
	if s.index == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}, search.ErrUnavailable
	}
	return s.index.Search(ctx, q)
}

func (s *Service) Reindex(ctx context.Context) (search.ReindexReport, error) {
	if s.index == nil {
		return search.ReindexReport{Failed: []string{}}, search.ErrUnavailable
	}
	return s.index.ReindexAll(ctx)
}

type HealthView struct {
	OK     bool `json:"ok"`
	Git    bool `json:"git"`
	Search bool `json:"search"`
}

func (s *Service) Health() HealthView {
	gitOK := s.git.Health().OK
	return HealthView{
		OK:     gitOK,
		Git:    gitOK,
		Search: s.index != nil && s.index.Healthy(),
	}
}
