// Package authpw manages accounts: password credentials, self-service
// registration requests, and invite tokens redeemed to set a password.
package authpw

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"scriptorium/api/internal/auth"
	"scriptorium/api/internal/rbac"
	"scriptorium/api/internal/store"
	"scriptorium/api/internal/util"
)

const (
	InviteTTL         = 7 * 24 * time.Hour
	MinPasswordLength = 8
	// bcrypt only reads this many bytes
	MaxPasswordLength = 72

	RegistrationPending  = "pending"
	RegistrationApproved = "approved"
	RegistrationRejected = "rejected"
)

var (
	ErrInvalidCredentials   = errors.New("invalid username or password")
	ErrUserExists           = errors.New("username already taken")
	ErrUserNotFound         = errors.New("user not found")
	ErrRegistrationNotFound = errors.New("registration not found")
	ErrRegistrationReviewed = errors.New("registration already reviewed")
	ErrInviteInvalid        = errors.New("invite token is invalid or expired")
	ErrWeakPassword         = fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	ErrPasswordTooLong      = fmt.Errorf("password must be at most %d bytes", MaxPasswordLength)
	ErrInvalidInput         = errors.New("invalid input")
	ErrInvalidRole          = errors.New("invalid role")
	ErrLastAdmin            = errors.New("cannot remove the last admin")
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{1,31}$`)

type usersFile struct {
	Users []store.User `json:"users"`
}

type registrationsFile struct {
	Registrations []store.Registration `json:"registrations"`
}

type invitesFile struct {
	Invites []store.Invite `json:"invites"`
}

// Service owns the users, registrations and invites ledgers. When more than
// one is touched, they are locked in that order: registrations, invites, users.
type Service struct {
	users         *store.JSONFile[usersFile]
	registrations *store.JSONFile[registrationsFile]
	invites       *store.JSONFile[invitesFile]
	cost          int
	now           func() time.Time

	dummyOnce sync.Once
	dummyHash []byte
}

// NewService opens the ledgers under stateDir. mirror may be nil.
func NewService(stateDir string, mirror store.Mirror) *Service {
	users := store.NewJSONFile[usersFile](filepath.Join(stateDir, "users.json"))
	registrations := store.NewJSONFile[registrationsFile](filepath.Join(stateDir, "registrations.json"))
	invites := store.NewJSONFile[invitesFile](filepath.Join(stateDir, "invites.json"))
	if mirror != nil {
		users.WithMirror(mirror)
		registrations.WithMirror(mirror)
		invites.WithMirror(mirror)
	}
	return &Service{
		users:         users,
		registrations: registrations,
		invites:       invites,
		cost:          bcrypt.DefaultCost,
		now:           time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Close waits for pending ledger mirror uploads.
func (s *Service) Close() {
	s.users.Close()
	s.registrations.Close()
	s.invites.Close()
}

// WithCost sets the bcrypt cost; tests use bcrypt.MinCost.
func (s *Service) WithCost(cost int) *Service {
	s.cost = cost
	return s
}

func (s *Service) hash(password string) (string, error) {
	if len(password) < MinPasswordLength {
		return "", ErrWeakPassword
	}
	if len(password) > MaxPasswordLength {
		return "", ErrPasswordTooLong
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// Authenticate checks username and password. Unknown users still pay for a
// bcrypt comparison so the two failure paths take the same time.
func (s *Service) Authenticate(username, password string) (store.User, error) {
	username = strings.TrimSpace(username)
	data, err := s.users.Load()
	if err != nil {
		return store.User{}, err
	}
	user, ok := findUser(data.Users, username)
	if !ok {
		_ = bcrypt.CompareHashAndPassword(s.dummy(), []byte(password))
		return store.User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	return user, nil
}

func (s *Service) dummy() []byte {
	s.dummyOnce.Do(func() {
		s.dummyHash, _ = bcrypt.GenerateFromPassword([]byte("scriptorium-timing-guard"), s.cost)
	})
	return s.dummyHash
}

type RegisterRequest struct {
	Username    string
	DisplayName string
	Email       string
	Message     string
}

// Register records a self-service account request for an admin to review.
func (s *Service) Register(req RegisterRequest) (store.Registration, error) {
	username := strings.TrimSpace(req.Username)
	if !usernamePattern.MatchString(username) {
		return store.Registration{}, fmt.Errorf("%w: username must be 2-32 letters, digits, dot, dash or underscore", ErrInvalidInput)
	}
	displayName := strings.TrimSpace(req.DisplayName)
	if displayName == "" {
		displayName = username
	}
	if s.usernameTaken(username) {
		return store.Registration{}, ErrUserExists
	}

	reg := store.Registration{
		ID:          util.NewID("reg"),
		Username:    username,
		DisplayName: displayName,
		Email:       strings.TrimSpace(req.Email),
		Message:     strings.TrimSpace(req.Message),
		Status:      RegistrationPending,
		CreatedAt:   s.now().UTC(),
	}
	err := s.registrations.Update(func(f *registrationsFile) error {
		for _, existing := range f.Registrations {
			if existing.Status == RegistrationPending && strings.EqualFold(existing.Username, username) {
				return ErrUserExists
			}
		}
		f.Registrations = append(f.Registrations, reg)
		return nil
	})
	if err != nil {
		return store.Registration{}, err
	}
	return reg, nil
}

// ListRegistrations returns pending requests, oldest first.
func (s *Service) ListRegistrations() ([]store.Registration, error) {
	data, err := s.registrations.Load()
	if err != nil {
		return nil, err
	}
	out := make([]store.Registration, 0)
	for _, reg := range data.Registrations {
		if reg.Status == RegistrationPending {
			out = append(out, reg)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// IssuedInvite carries the raw token, which is only ever returned here.
type IssuedInvite struct {
	Invite store.Invite
	Token  string
}

// ApproveRegistration marks the request approved and issues an invite for it.
func (s *Service) ApproveRegistration(id, reviewer, role string) (store.Registration, IssuedInvite, error) {
	if role == "" {
		role = string(rbac.RoleContributor)
	}
	if !rbac.Assignable(role) {
		return store.Registration{}, IssuedInvite{}, ErrInvalidRole
	}

	var (
		approved store.Registration
		issued   IssuedInvite
	)
	err := s.registrations.Update(func(f *registrationsFile) error {
		idx := indexOfRegistration(f.Registrations, id)
		if idx < 0 {
			return ErrRegistrationNotFound
		}
		reg := &f.Registrations[idx]
		if reg.Status != RegistrationPending {
			return ErrRegistrationReviewed
		}
		inv, err := s.CreateInvite(InviteRequest{
			Username:       reg.Username,
			DisplayName:    reg.DisplayName,
			Role:           role,
			RegistrationID: reg.ID,
			CreatedBy:      reviewer,
		})
		if err != nil {
			return err
		}
		now := s.now().UTC()
		reg.Status = RegistrationApproved
		reg.ReviewedBy = reviewer
		reg.ReviewedAt = &now
		approved = *reg
		issued = inv
		return nil
	})
	if err != nil {
		return store.Registration{}, IssuedInvite{}, err
	}
	return approved, issued, nil
}

func (s *Service) RejectRegistration(id, reviewer string) (store.Registration, error) {
	var rejected store.Registration
	err := s.registrations.Update(func(f *registrationsFile) error {
		idx := indexOfRegistration(f.Registrations, id)
		if idx < 0 {
			return ErrRegistrationNotFound
		}
		reg := &f.Registrations[idx]
		if reg.Status != RegistrationPending {
			return ErrRegistrationReviewed
		}
		now := s.now().UTC()
		reg.Status = RegistrationRejected
		reg.ReviewedBy = reviewer
		reg.ReviewedAt = &now
		rejected = *reg
		return nil
	})
	return rejected, err
}

type InviteRequest struct {
	Username       string
	DisplayName    string
	Role           string
	RegistrationID string
	CreatedBy      string
}

// CreateInvite issues a single-use token valid for InviteTTL. An unredeemed
// invite for the same username is replaced.
func (s *Service) CreateInvite(req InviteRequest) (IssuedInvite, error) {
	username := strings.TrimSpace(req.Username)
	if !usernamePattern.MatchString(username) {
		return IssuedInvite{}, fmt.Errorf("%w: invalid username", ErrInvalidInput)
	}
	if !rbac.Assignable(req.Role) {
		return IssuedInvite{}, ErrInvalidRole
	}
	if s.usernameTaken(username) {
		return IssuedInvite{}, ErrUserExists
	}
	token, err := auth.NewToken()
	if err != nil {
		return IssuedInvite{}, err
	}
	displayName := strings.TrimSpace(req.DisplayName)
	if displayName == "" {
		displayName = username
	}
	now := s.now().UTC()
	inv := store.Invite{
		TokenHash:      auth.HashToken(token),
		Username:       username,
		DisplayName:    displayName,
		Role:           req.Role,
		RegistrationID: req.RegistrationID,
		CreatedBy:      req.CreatedBy,
		CreatedAt:      now,
		ExpiresAt:      now.Add(InviteTTL),
	}
	err = s.invites.Update(func(f *invitesFile) error {
		kept := f.Invites[:0]
		for _, existing := range f.Invites {
			if existing.RedeemedAt == nil && strings.EqualFold(existing.Username, username) {
				continue
			}
			kept = append(kept, existing)
		}
		f.Invites = append(kept, inv)
		return nil
	})
	if err != nil {
		return IssuedInvite{}, err
	}
	return IssuedInvite{Invite: inv, Token: token}, nil
}

// RedeemInvite consumes token and creates the account with password.
func (s *Service) RedeemInvite(token, password string) (store.User, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return store.User{}, ErrInviteInvalid
	}
	hash, err := s.hash(password)
	if err != nil {
		return store.User{}, err
	}
	tokenHash := auth.HashToken(token)

	var created store.User
	err = s.invites.Update(func(f *invitesFile) error {
		now := s.now().UTC()
		idx := -1
		for i, inv := range f.Invites {
			if auth.EqualTokens(inv.TokenHash, tokenHash) {
				idx = i
				break
			}
		}
		if idx < 0 {
			return ErrInviteInvalid
		}
		inv := &f.Invites[idx]
		if inv.RedeemedAt != nil || !now.Before(inv.ExpiresAt) {
			return ErrInviteInvalid
		}
		err := s.users.Update(func(u *usersFile) error {
			if _, exists := findUser(u.Users, inv.Username); exists {
				return ErrUserExists
			}
			created = store.User{
				Username:     inv.Username,
				DisplayName:  inv.DisplayName,
				PasswordHash: hash,
				Role:         inv.Role,
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			u.Users = append(u.Users, created)
			return nil
		})
		if err != nil {
			return err
		}
		inv.RedeemedAt = &now
		return nil
	})
	if err != nil {
		return store.User{}, err
	}
	return created, nil
}

func (s *Service) ListUsers() ([]store.User, error) {
	data, err := s.users.Load()
	if err != nil {
		return nil, err
	}
	out := append([]store.User(nil), data.Users...)
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (s *Service) GetUser(username string) (store.User, error) {
	data, err := s.users.Load()
	if err != nil {
		return store.User{}, err
	}
	user, ok := findUser(data.Users, username)
	if !ok {
		return store.User{}, ErrUserNotFound
	}
	return user, nil
}

// SetRole changes a user's role. Demoting the last admin is refused.
func (s *Service) SetRole(username, role string) (store.User, error) {
	if !rbac.Assignable(role) {
		return store.User{}, ErrInvalidRole
	}
	var updated store.User
	err := s.users.Update(func(f *usersFile) error {
		idx := indexOfUser(f.Users, username)
		if idx < 0 {
			return ErrUserNotFound
		}
		user := &f.Users[idx]
		if user.Role == string(rbac.RoleAdmin) && role != string(rbac.RoleAdmin) && countAdmins(f.Users) == 1 {
			return ErrLastAdmin
		}
		user.Role = role
		user.UpdatedAt = s.now().UTC()
		updated = *user
		return nil
	})
	return updated, err
}

func (s *Service) DeleteUser(username string) error {
	return s.users.Update(func(f *usersFile) error {
		idx := indexOfUser(f.Users, username)
		if idx < 0 {
			return ErrUserNotFound
		}
		if f.Users[idx].Role == string(rbac.RoleAdmin) && countAdmins(f.Users) == 1 {
			return ErrLastAdmin
		}
		f.Users = append(f.Users[:idx], f.Users[idx+1:]...)
		return nil
	})
}

// EnsureAdmin creates the bootstrap admin when the users ledger is empty.
// It reports whether an account was created.
func (s *Service) EnsureAdmin(username, password string) (bool, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return false, nil
	}
	hash, err := s.hash(password)
	if err != nil {
		return false, err
	}
	created := false
	err = s.users.Update(func(f *usersFile) error {
		if len(f.Users) > 0 {
			return nil
		}
		now := s.now().UTC()
		f.Users = append(f.Users, store.User{
			Username:     username,
			DisplayName:  username,
			PasswordHash: hash,
			Role:         string(rbac.RoleAdmin),
			CreatedAt:    now,
			UpdatedAt:    now,
		})
		created = true
		return nil
	})
	return created, err
}

func (s *Service) usernameTaken(username string) bool {
	data, err := s.users.Load()
	if err != nil {
		return false
	}
	_, ok := findUser(data.Users, username)
	return ok
}

func findUser(users []store.User, username string) (store.User, bool) {
	if idx := indexOfUser(users, username); idx >= 0 {
		return users[idx], true
	}
	return store.User{}, false
}

func indexOfUser(users []store.User, username string) int {
	for i, u := range users {
		if strings.EqualFold(u.Username, username) {
			return i
		}
	}
	return -1
}

func indexOfRegistration(regs []store.Registration, id string) int {
	for i, r := range regs {
		if r.ID == id {
			return i
		}
	}
	return -1
}

func countAdmins(users []store.User) int {
	n := 0
	for _, u := range users {
		if u.Role == string(rbac.RoleAdmin) {
			n++
		}
	}
	return n
}
