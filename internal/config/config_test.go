package config

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SCRIPTORIUM_SESSION_TTL_SECONDS", "")
	t.Setenv("SCRIPTORIUM_TRUSTED_PROXIES", "")
	cfg := Load()
	if cfg.SessionTTL != 24*time.Hour {
		t.Fatalf("SessionTTL = %v, want 24h", cfg.SessionTTL)
	}
	if diff := cmp.Diff([]string{"127.0.0.1", "::1"}, cfg.TrustedProxies); diff != "" {
		t.Fatalf("TrustedProxies mismatch (-want +got):\n%s", diff)
	}
	if cfg.RedisURL != "" {
		t.Fatalf("expected redis disabled by default, got %q", cfg.RedisURL)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SCRIPTORIUM_SESSION_TTL_SECONDS", "60")
	t.Setenv("SCRIPTORIUM_TRUSTED_PROXIES", " 10.0.0.0/8 ,, 192.168.1.1")
	t.Setenv("MINIO_USE_SSL", "true")
	t.Setenv("SCRIPTORIUM_DISCOVERY_QUIET_SECONDS", "not-a-number")
	cfg := Load()
	if cfg.SessionTTL != time.Minute {
		t.Fatalf("SessionTTL = %v, want 1m", cfg.SessionTTL)
	}
	if diff := cmp.Diff([]string{"10.0.0.0/8", "192.168.1.1"}, cfg.TrustedProxies); diff != "" {
		t.Fatalf("TrustedProxies mismatch (-want +got):\n%s", diff)
	}
	if !cfg.MinioUseSSL {
		t.Fatal("expected MinioUseSSL true")
	}
	if cfg.DiscoveryQuietPeriod != 300*time.Second {
		t.Fatalf("DiscoveryQuietPeriod = %v, want fallback 300s", cfg.DiscoveryQuietPeriod)
	}
}
