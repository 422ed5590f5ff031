package email

import (
	"errors"
	"net/smtp"
	"strings"
	"testing"
	"time"
)

func TestServiceIsConfigured(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		expected bool
	}{
		{
			name:     "empty config",
			config:   Config{},
			expected: false,
		},
		{
			name: "missing host",
			config: Config{
				Port: "587",
				From: "archiv@example.org",
			},
			expected: false,
		},
		{
			name: "missing from",
			config: Config{
				Host: "smtp.example.org",
				Port: "587",
			},
			expected: false,
		},
		{
			name: "fully configured",
			config: Config{
				Host: "smtp.example.org",
				Port: "587",
				From: "archiv@example.org",
			},
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(tt.config)
			if svc.IsConfigured() != tt.expected {
				t.Errorf("IsConfigured() = %v, want %v", svc.IsConfigured(), tt.expected)
			}
		})
	}
}

func TestRenderInvitationTemplate(t *testing.T) {
	data := InvitationData{
		AppName:   "Scriptorium",
		UserName:  "Ada <script>",
		Role:      "contributor",
		InviteURL: "https://example.org/invite?token=abc123",
		ExpiresAt: "2024-01-08 12:00 UTC",
	}

	html, err := renderTemplate(invitationEmailTemplate, data)
	if err != nil {
		t.Fatalf("renderTemplate failed: %v", err)
	}

	if !strings.Contains(html, "contributor") {
		t.Error("template should contain the role")
	}
	if strings.Contains(html, "<script>") {
		t.Error("template must escape user supplied names")
	}
	if !strings.Contains(html, "https://example.org/invite?token=abc123") {
		t.Error("template should contain invite URL")
	}
}

func TestSendInvitationEmail(t *testing.T) {
	svc := NewService(Config{Host: "smtp.example.org", Port: "25", From: "archiv@example.org", FromName: "Archiv"})

	var (
		gotAddr string
		gotTo   []string
		gotMsg  string
	)
	svc.send = func(addr string, _ smtp.Auth, _ string, to []string, msg []byte) error {
		gotAddr, gotTo, gotMsg = addr, to, string(msg)
		return nil
	}

	expires := time.Date(2024, 1, 8, 12, 0, 0, 0, time.UTC)
	if err := svc.SendInvitationEmail("ada@example.org", "Ada", "editor", "https://example.org/i/x", expires); err != nil {
		t.Fatalf("SendInvitationEmail() error = %v", err)
	}
	if gotAddr != "smtp.example.org:25" || len(gotTo) != 1 || gotTo[0] != "ada@example.org" {
		t.Fatalf("unexpected envelope addr=%s to=%v", gotAddr, gotTo)
	}
	for _, want := range []string{"From: Archiv <archiv@example.org>", "Subject: You have been invited to Scriptorium", "https://example.org/i/x", "2024-01-08 12:00 UTC"} {
		if !strings.Contains(gotMsg, want) {
			t.Errorf("message missing %q", want)
		}
	}
}

func TestSendFailsWhenUnconfigured(t *testing.T) {
	svc := NewService(Config{})
	svc.send = func(string, smtp.Auth, string, []string, []byte) error {
		return errors.New("must not be called")
	}
	if err := svc.SendInvitationEmail("a@b.c", "A", "viewer", "u", time.Now()); err == nil {
		t.Fatal("expected error for unconfigured service")
	}
}
