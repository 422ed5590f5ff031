package authpw

import (
	"errors"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

func newTestService(t *testing.T) (*Service, *time.Time) {
	t.Helper()
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	svc := NewService(t.TempDir(), nil).
		WithCost(bcrypt.MinCost).
		WithClock(func() time.Time { return now })
	return svc, &now
}

func TestEnsureAdminOnlyOnEmptyLedger(t *testing.T) {
	svc, _ := newTestService(t)

	created, err := svc.EnsureAdmin("root", "correct-horse")
	if err != nil || !created {
		t.Fatalf("EnsureAdmin() = %v, %v", created, err)
	}
	created, err = svc.EnsureAdmin("other", "correct-horse")
	if err != nil || created {
		t.Fatalf("second EnsureAdmin() = %v, %v; want no-op", created, err)
	}

	user, err := svc.Authenticate("root", "correct-horse")
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if user.Role != "admin" {
		t.Fatalf("expected admin role, got %q", user.Role)
	}
}

func TestAuthenticateFailures(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.EnsureAdmin("root", "correct-horse"); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		username string
		password string
	}{
		{name: "wrong password", username: "root", password: "battery-staple"},
		{name: "unknown user", username: "ghost", password: "correct-horse"},
		{name: "empty password", username: "root", password: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Authenticate(tt.username, tt.password); !errors.Is(err, ErrInvalidCredentials) {
				t.Fatalf("expected ErrInvalidCredentials, got %v", err)
			}
		})
	}
}

func TestRegistrationApprovalIssuesInvite(t *testing.T) {
	svc, _ := newTestService(t)

	reg, err := svc.Register(RegisterRequest{Username: "ada", DisplayName: "Ada L.", Email: "ada@example.org"})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if _, err := svc.Register(RegisterRequest{Username: "ADA"}); !errors.Is(err, ErrUserExists) {
		t.Fatalf("duplicate pending registration should fail, got %v", err)
	}

	pending, err := svc.ListRegistrations()
	if err != nil || len(pending) != 1 {
		t.Fatalf("ListRegistrations() = %v, %v", pending, err)
	}

	approved, issued, err := svc.ApproveRegistration(reg.ID, "root", "")
	if err != nil {
		t.Fatalf("ApproveRegistration() error = %v", err)
	}
	if approved.Status != RegistrationApproved || approved.ReviewedBy != "root" {
		t.Fatalf("unexpected registration %+v", approved)
	}
	if issued.Token == "" || issued.Invite.Role != "contributor" || issued.Invite.RegistrationID != reg.ID {
		t.Fatalf("unexpected invite %+v", issued)
	}
	if issued.Invite.TokenHash == issued.Token {
		t.Fatal("raw token must not be stored")
	}

	if _, _, err := svc.ApproveRegistration(reg.ID, "root", ""); !errors.Is(err, ErrRegistrationReviewed) {
		t.Fatalf("second approval should fail, got %v", err)
	}
	if pending, _ := svc.ListRegistrations(); len(pending) != 0 {
		t.Fatalf("approved registration should leave the queue, got %v", pending)
	}

	user, err := svc.RedeemInvite(issued.Token, "ada-secret-1")
	if err != nil {
		t.Fatalf("RedeemInvite() error = %v", err)
	}
	if user.Username != "ada" || user.DisplayName != "Ada L." {
		t.Fatalf("unexpected user %+v", user)
	}
	if _, err := svc.Authenticate("ada", "ada-secret-1"); err != nil {
		t.Fatalf("redeemed user should log in: %v", err)
	}
	if _, err := svc.RedeemInvite(issued.Token, "ada-secret-2"); !errors.Is(err, ErrInviteInvalid) {
		t.Fatalf("invite must be single use, got %v", err)
	}
}

func TestRejectRegistration(t *testing.T) {
	svc, _ := newTestService(t)
	reg, err := svc.Register(RegisterRequest{Username: "mallory"})
	if err != nil {
		t.Fatal(err)
	}
	rejected, err := svc.RejectRegistration(reg.ID, "root")
	if err != nil || rejected.Status != RegistrationRejected {
		t.Fatalf("RejectRegistration() = %+v, %v", rejected, err)
	}
	if _, err := svc.RejectRegistration("reg_missing", "root"); !errors.Is(err, ErrRegistrationNotFound) {
		t.Fatalf("expected ErrRegistrationNotFound, got %v", err)
	}
}

func TestRegisterValidatesUsername(t *testing.T) {
	svc, _ := newTestService(t)
	for _, name := range []string{"", "a", "../etc", "has space", "-dash"} {
		if _, err := svc.Register(RegisterRequest{Username: name}); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("Register(%q) expected ErrInvalidInput, got %v", name, err)
		}
	}
}

func TestInviteExpires(t *testing.T) {
	svc, now := newTestService(t)
	issued, err := svc.CreateInvite(InviteRequest{Username: "grace", Role: "editor", CreatedBy: "root"})
	if err != nil {
		t.Fatalf("CreateInvite() error = %v", err)
	}
	*now = now.Add(InviteTTL)
	if _, err := svc.RedeemInvite(issued.Token, "grace-secret"); !errors.Is(err, ErrInviteInvalid) {
		t.Fatalf("expired invite should fail, got %v", err)
	}
}

func TestRedeemInviteRejectsWeakPassword(t *testing.T) {
	svc, _ := newTestService(t)
	issued, err := svc.CreateInvite(InviteRequest{Username: "grace", Role: "editor"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.RedeemInvite(issued.Token, "short"); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}
	if _, err := svc.RedeemInvite(issued.Token, "long-enough"); err != nil {
		t.Fatalf("invite should survive a rejected password: %v", err)
	}
}

func TestRedeemInviteRejectsOverlongPassword(t *testing.T) {
	svc, _ := newTestService(t)
	issued, err := svc.CreateInvite(InviteRequest{Username: "grace", Role: "editor"})
	if err != nil {
		t.Fatal(err)
	}
	// multibyte runes push the byte length past the limit
	long := strings.Repeat("ä", 40)
	if _, err := svc.RedeemInvite(issued.Token, long); !errors.Is(err, ErrPasswordTooLong) {
		t.Fatalf("expected ErrPasswordTooLong, got %v", err)
	}
	exact := strings.Repeat("x", MaxPasswordLength)
	if _, err := svc.RedeemInvite(issued.Token, exact); err != nil {
		t.Fatalf("72 byte password should be accepted: %v", err)
	}
	if _, err := svc.Authenticate("grace", exact); err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
}

func TestReinviteReplacesOutstandingToken(t *testing.T) {
	svc, _ := newTestService(t)
	first, err := svc.CreateInvite(InviteRequest{Username: "grace", Role: "editor"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := svc.CreateInvite(InviteRequest{Username: "grace", Role: "contributor"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.RedeemInvite(first.Token, "grace-secret"); !errors.Is(err, ErrInviteInvalid) {
		t.Fatalf("replaced token must be invalid, got %v", err)
	}
	user, err := svc.RedeemInvite(second.Token, "grace-secret")
	if err != nil || user.Role != "contributor" {
		t.Fatalf("RedeemInvite() = %+v, %v", user, err)
	}
}

func TestCreateInviteValidation(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.EnsureAdmin("root", "correct-horse"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.CreateInvite(InviteRequest{Username: "root", Role: "editor"}); !errors.Is(err, ErrUserExists) {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}
	if _, err := svc.CreateInvite(InviteRequest{Username: "zed", Role: "viewer"}); !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("viewer is not assignable, got %v", err)
	}
}

func TestLastAdminIsProtected(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.EnsureAdmin("root", "correct-horse"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.SetRole("root", "editor"); !errors.Is(err, ErrLastAdmin) {
		t.Fatalf("demoting last admin should fail, got %v", err)
	}
	if err := svc.DeleteUser("root"); !errors.Is(err, ErrLastAdmin) {
		t.Fatalf("deleting last admin should fail, got %v", err)
	}

	issued, err := svc.CreateInvite(InviteRequest{Username: "second", Role: "admin"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.RedeemInvite(issued.Token, "second-admin"); err != nil {
		t.Fatal(err)
	}

	user, err := svc.SetRole("root", "editor")
	if err != nil || user.Role != "editor" {
		t.Fatalf("SetRole() = %+v, %v", user, err)
	}
	if err := svc.DeleteUser("root"); err != nil {
		t.Fatalf("DeleteUser() error = %v", err)
	}
	if _, err := svc.GetUser("root"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
	users, err := svc.ListUsers()
	if err != nil || len(users) != 1 || users[0].Username != "second" {
		t.Fatalf("ListUsers() = %v, %v", users, err)
	}
}

func TestSetRoleRejectsUnknownRole(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.SetRole("root", "overlord"); !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("expected ErrInvalidRole, got %v", err)
	}
	if _, err := svc.SetRole("nobody", "editor"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestLedgersPersistAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	first := NewService(dir, nil).WithCost(bcrypt.MinCost)
	if _, err := first.EnsureAdmin("root", "correct-horse"); err != nil {
		t.Fatal(err)
	}
	second := NewService(dir, nil).WithCost(bcrypt.MinCost)
	if _, err := second.Authenticate("root", "correct-horse"); err != nil {
		t.Fatalf("reopened ledger should authenticate: %v", err)
	}
}
