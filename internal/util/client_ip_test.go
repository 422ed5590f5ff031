package util

import (
	"net/http/httptest"
	"testing"
)

func TestClientIP(t *testing.T) {
	trusted, err := NewTrustedProxies([]string{"10.0.0.0/8", "127.0.0.1"})
	if err != nil {
		t.Fatalf("NewTrustedProxies() error = %v", err)
	}

	cases := []struct {
		name    string
		remote  string
		realIP  string
		forward string
		want    string
	}{
		{name: "untrusted peer ignores headers", remote: "203.0.113.9:4000", realIP: "1.1.1.1", forward: "2.2.2.2", want: "203.0.113.9"},
		{name: "trusted peer prefers real ip", remote: "127.0.0.1:4000", realIP: "198.51.100.7", forward: "2.2.2.2", want: "198.51.100.7"},
		{name: "trusted peer falls back to forwarded", remote: "10.1.2.3:4000", forward: "198.51.100.8, 10.0.0.5", want: "198.51.100.8"},
		{name: "trusted peer without headers", remote: "10.1.2.3:4000", want: "10.1.2.3"},
		{name: "garbage real ip is skipped", remote: "127.0.0.1:1", realIP: "not-an-ip", forward: "198.51.100.9", want: "198.51.100.9"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/login", nil)
			req.RemoteAddr = tc.remote
			if tc.realIP != "" {
				req.Header.Set("X-Real-IP", tc.realIP)
			}
			if tc.forward != "" {
				req.Header.Set("X-Forwarded-For", tc.forward)
			}
			if got := ClientIP(req, trusted); got != tc.want {
				t.Fatalf("ClientIP() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestNewTrustedProxiesRejectsGarbage(t *testing.T) {
	if _, err := NewTrustedProxies([]string{"nope"}); err == nil {
		t.Fatal("expected parse error")
	}
	got, err := NewTrustedProxies([]string{" ", ""})
	if err != nil || got != nil {
		t.Fatalf("expected nil allowlist for empty input, got %v, %v", got, err)
	}
}
