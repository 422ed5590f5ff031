package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"scriptorium/api/internal/app"
	"scriptorium/api/internal/authpw"
	"scriptorium/api/internal/catalog"
	"scriptorium/api/internal/config"
	"scriptorium/api/internal/email"
	"scriptorium/api/internal/gitrepo"
	"scriptorium/api/internal/pending"
	"scriptorium/api/internal/people"
	"scriptorium/api/internal/ratelimit"
	"scriptorium/api/internal/search"
	"scriptorium/api/internal/session"
	"scriptorium/api/internal/store"
	"scriptorium/api/internal/util"
)

func main() {
	cfg := config.Load()
	util.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		fatal("create state dir failed", err)
	}

	repo, err := gitrepo.Open(cfg.DataRoot)
	if err != nil {
		fatal("open text repository failed", err)
	}
	cat := catalog.New(cfg.DataRoot)

	var mirror store.Mirror
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		minioMirror, err := store.NewMinioMirror(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			fatal("minio mirror failed", err)
		}
		slog.Info("mirroring ledgers to minio", "endpoint", cfg.MinioEndpoint, "bucket", cfg.MinioBucket)
		mirror = minioMirror
	}
	ledger := func(name string) string { return filepath.Join(cfg.StateDir, name) }

	pendingFile := store.NewJSONFile[pending.File](ledger("pending.json"))
	peopleFile := store.NewJSONFile[people.File](ledger("people.json"))
	if mirror != nil {
		pendingFile.WithMirror(mirror)
		peopleFile.WithMirror(mirror)
	}
	accounts := authpw.NewService(cfg.StateDir, mirror)

	// Sessions and rate-limit windows live in Redis when configured so that
	// several API processes agree on them.
	limiter := ratelimit.New(ratelimit.DefaultRules())
	var sessionStore session.Store = session.NewMemoryStore()
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			fatal("redis connection failed", err)
		}
		defer redisStore.Close()
		sessionStore = redisStore
		limiter.WithBackend(ratelimit.NewRedisBackend(redisStore.Client(), "scriptorium:ratelimit"))
		slog.Info("using redis for sessions and rate limits")
	}
	sessions := session.NewManager(sessionStore, cfg.SessionTTL)

	trusted, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		fatal("invalid trusted proxies", err)
	}

	var (
		syncer *search.Synchronizer
		index  *search.Meili
	)
	deps := app.Deps{
		Catalog:  cat,
		Git:      repo,
		Pending:  pending.NewLedger(pendingFile),
		Accounts: accounts,
		Sessions: sessions,
		Mailer: email.NewService(email.Config{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			FromName: cfg.SMTPFromName,
		}),
	}
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		index = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, cfg.MeiliIndex)
		defer index.Close()
		syncer = search.NewSynchronizer(cat, index, cfg.MeiliTaskTimeout)
		deps.Index = syncer
	} else {
		slog.Warn("search disabled, MEILI_URL not set")
	}

	var resolver people.Resolver
	if strings.TrimSpace(cfg.WikidataURL) != "" {
		resolver = people.NewWikidata(cfg.WikidataURL)
	}
	var workSyncer people.WorkSyncer
	if syncer != nil {
		workSyncer = syncer
	}
	registry := people.NewRegistry(cat, peopleFile, resolver, repo, workSyncer)
	deps.People = registry

	service := app.New(cfg, deps).WithJobContext(ctx)
	if err := service.Bootstrap(); err != nil {
		slog.Warn("bootstrap failed, will retry on next restart", "error", err)
	}

	discovery := search.NewDiscovery(cat, repo, syncer, cfg.DiscoveryQuietPeriod)
	go discovery.Run(ctx, cfg.DiscoveryInterval)
	if resolver != nil && cfg.PeopleRefreshInterval > 0 {
		go registry.Run(ctx, cfg.PeopleRefreshInterval)
	}
	go limiter.Run(ctx, time.Minute)
	go sweepSessions(ctx, sessions, 10*time.Minute)

	httpServer := app.NewHTTPServer(service, limiter, trusted, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("scriptorium api listening", "addr", cfg.Addr, "data_root", cfg.DataRoot)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal("server failed", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	registry.Wait()
	if syncer != nil {
		syncer.Close()
	}
	accounts.Close()
	pendingFile.Close()
	peopleFile.Close()
}

func sweepSessions(ctx context.Context, sessions *session.Manager, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := sessions.Sweep(ctx)
			if err != nil {
				slog.Warn("session sweep failed", "error", err)
				continue
			}
			if removed > 0 {
				slog.Debug("expired sessions removed", "count", removed)
			}
		}
	}
}

func fatal(msg string, err error) {
	slog.Error(msg, "error", err)
	os.Exit(1)
}
