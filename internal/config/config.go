package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr       string
	LogLevel   string
	DataRoot   string
	StateDir   string
	CORSOrigin string
	PublicURL  string
	SessionTTL time.Duration
	// Forwarding headers are honoured only from these peers.
	TrustedProxies []string
	AdminUsername  string
	AdminPassword  string
	// Background loops
	DiscoveryInterval     time.Duration
	DiscoveryQuietPeriod  time.Duration
	PeopleRefreshInterval time.Duration
	WikidataURL           string
	// Search
	MeiliURL         string
	MeiliMasterKey   string
	MeiliIndex       string
	MeiliTaskTimeout time.Duration
	// Redis - optional, shares sessions and rate-limit windows between processes
	RedisURL string
	// SMTP Configuration
	SMTPHost     string
	SMTPPort     string
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SMTPFromName string
	// MinIO - optional off-site mirror of the JSON ledgers
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
}

func Load() Config {
	LoadDotEnv()
	return Config{
		Addr:                  getenv("API_ADDR", ":8787"),
		LogLevel:              getenv("LOG_LEVEL", "info"),
		DataRoot:              getenv("SCRIPTORIUM_DATA_ROOT", "./data/works"),
		StateDir:              getenv("SCRIPTORIUM_STATE_DIR", "./data/state"),
		CORSOrigin:            getenv("SCRIPTORIUM_CORS_ORIGIN", "*"),
		PublicURL:             getenv("SCRIPTORIUM_PUBLIC_URL", "http://localhost:5173"),
		SessionTTL:            time.Duration(getenvInt("SCRIPTORIUM_SESSION_TTL_SECONDS", 86400)) * time.Second,
		TrustedProxies:        getenvList("SCRIPTORIUM_TRUSTED_PROXIES", []string{"127.0.0.1", "::1"}),
		AdminUsername:         getenv("SCRIPTORIUM_ADMIN_USERNAME", ""),
		AdminPassword:         getenv("SCRIPTORIUM_ADMIN_PASSWORD", ""),
		DiscoveryInterval:     time.Duration(getenvInt("SCRIPTORIUM_DISCOVERY_INTERVAL_SECONDS", 60)) * time.Second,
		DiscoveryQuietPeriod:  time.Duration(getenvInt("SCRIPTORIUM_DISCOVERY_QUIET_SECONDS", 300)) * time.Second,
		PeopleRefreshInterval: time.Duration(getenvInt("SCRIPTORIUM_PEOPLE_REFRESH_HOURS", 24)) * time.Hour,
		WikidataURL:           getenv("SCRIPTORIUM_WIKIDATA_URL", ""),
		MeiliURL:              getenv("MEILI_URL", "http://localhost:7700"),
		MeiliMasterKey:        getenv("MEILI_MASTER_KEY", "scriptorium-meili-key"),
		MeiliIndex:            getenv("MEILI_INDEX", "pages"),
		MeiliTaskTimeout:      time.Duration(getenvInt("MEILI_TASK_TIMEOUT_SECONDS", 30)) * time.Second,
		// Redis - empty by default, process-local sessions and limits
		RedisURL: getenv("REDIS_URL", ""),
		// SMTP - empty by default, invitations are returned in the API response
		SMTPHost:     getenv("SMTP_HOST", ""),
		SMTPPort:     getenv("SMTP_PORT", "587"),
		SMTPUsername: getenv("SMTP_USERNAME", ""),
		SMTPPassword: getenv("SMTP_PASSWORD", ""),
		SMTPFrom:     getenv("SMTP_FROM", ""),
		SMTPFromName: getenv("SMTP_FROM_NAME", "Scriptorium"),
		// MinIO - empty endpoint disables the ledger mirror
		MinioEndpoint:  getenv("MINIO_ENDPOINT", ""),
		MinioAccessKey: getenv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey: getenv("MINIO_SECRET_KEY", ""),
		MinioBucket:    getenv("MINIO_BUCKET", "scriptorium-ledgers"),
		MinioUseSSL:    getenvBool("MINIO_USE_SSL", false),
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvList(key string, fallback []string) []string {
	value := os.Getenv(key)
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	items := make([]string, 0)
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			items = append(items, part)
		}
	}
	return items
}
