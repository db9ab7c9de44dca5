package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"module/internal/acceptor"
	"module/internal/activity"
	"module/internal/ca"
	"module/internal/capture"
	"module/internal/codec"
	"module/internal/config"
	"module/internal/control"
	"module/internal/index"
	"module/internal/intruder"
	"module/internal/plugin"
	"module/internal/redaction"
	"module/internal/rules"
	"module/internal/scope"
	"module/internal/storage"
	"module/internal/telemetry"
	"module/internal/upstream"
	"module/internal/wsocket"
)

func main() {
	configPath := flag.String("config", "configs/interceptor.yaml", "path to config file")
	exportCA := flag.Bool("export-ca", false, "print the root CA certificate as PEM and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if cfg.Logging.Level == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	root, err := loadOrGenerateRootCA(cfg.CA)
	if err != nil {
		slog.Error("failed to obtain root CA", "error", err)
		os.Exit(1)
	}

	if *exportCA {
		os.Stdout.Write(root.RootCertPEM())
		return
	}

	authority, err := ca.NewAuthority(root)
	if err != nil {
		slog.Error("failed to init certificate authority", "error", err)
		os.Exit(1)
	}

	slog.Info("starting INT3RCEPTOR",
		"listen", cfg.Listen,
		"api_listen", cfg.API.Listen,
		"max_concurrency", cfg.MaxConcurrency,
	)

	scopeFilter, err := scope.New(toScopePatterns(cfg.Scope.Includes), toScopePatterns(cfg.Scope.Excludes))
	if err != nil {
		slog.Error("failed to build scope filter", "error", err)
		os.Exit(1)
	}

	rulesEngine := rules.NewEngine()
	intruderEngine := intruder.NewEngine(cfg.Capture.IntruderMaxRes)
	redactor, err := newRedactor(cfg.Redaction)
	if err != nil {
		slog.Error("failed to build redactor", "error", err)
		os.Exit(1)
	}

	auditWriter, closeAudit, err := openAuditLog(cfg.AuditLogPath)
	if err != nil {
		slog.Error("failed to open audit log", "path", cfg.AuditLogPath, "error", err)
		os.Exit(1)
	}
	defer closeAudit()

	activityLog := activity.New(0, auditWriter)
	captureStore := capture.New(cfg.Capture.MaxFlows)

	closePersister, err := attachPersister(captureStore, cfg.Capture)
	if err != nil {
		slog.Error("failed to init capture persistence", "error", err)
		os.Exit(1)
	}
	defer closePersister()

	upstreamClient := upstream.New(30 * time.Second)
	wsHub := wsocket.New(wsocket.Limits{
		MaxTotalFrames:   cfg.Capture.WSMaxFrames,
		MaxFramesPerConn: cfg.Capture.WSMaxPerConn,
		MaxPayloadSize:   cfg.Capture.WSMaxPayload,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pluginHost, err := plugin.NewHost(ctx, cfg.Plugin.MemLimitBytes, cfg.Plugin.HookTimeout)
	if err != nil {
		slog.Error("failed to init plugin host", "error", err)
		os.Exit(1)
	}
	loadPlugins(ctx, pluginHost, cfg.Plugin.Dir)

	var telemetryProvider *telemetry.Provider
	telemetryProvider, err = telemetry.NewProvider(telemetry.Config{
		Enabled:     false,
		ServiceName: "interceptor",
	})
	if err != nil {
		slog.Warn("telemetry initialization failed, continuing without tracing", "error", err)
		telemetryProvider = nil
	}

	core := codec.New(codec.Config{
		Authority:      authority,
		Scope:          scopeFilter,
		Rules:          rulesEngine,
		Plugins:        pluginHost,
		Capture:        captureStore,
		Upstream:       upstreamClient,
		WsHub:          wsHub,
		Activity:       activityLog,
		Telemetry:      telemetryProvider,
		Redactor:       redactor,
		MaxBodyBytes:   cfg.MaxBodyBytes,
		MaxConcurrency: cfg.MaxConcurrency,
	})

	proxyAcceptor, err := acceptor.New(cfg.Listen, core.Accept,
		acceptor.WithScopeChecker(scopeFilter.IncludedHost),
		acceptor.WithIdleTimeout(120*time.Second),
	)
	if err != nil {
		slog.Error("failed to start proxy listener", "error", err)
		os.Exit(1)
	}

	controlHandler, err := control.New(control.Dependencies{
		Capture:   captureStore,
		WsHub:     wsHub,
		Scope:     scopeFilter,
		Rules:     rulesEngine,
		Plugins:   pluginHost,
		PluginDir: cfg.Plugin.Dir,
		Intruder:  intruderEngine,
		Upstream:  upstreamClient,
		Activity:  activityLog,
	}, cfg.API, cfg.API.DevMode)
	if err != nil {
		slog.Error("failed to init control API", "error", err)
		os.Exit(1)
	}

	controlServer := &http.Server{
		Addr:         cfg.API.Listen,
		Handler:      controlHandler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errChan := make(chan error, 2)

	go func() {
		slog.Info("proxy listener starting", "addr", cfg.Listen)
		if err := proxyAcceptor.Serve(ctx); err != nil {
			errChan <- fmt.Errorf("proxy listener error: %w", err)
		}
	}()

	go func() {
		slog.Info("control API starting", "addr", cfg.API.Listen)
		if err := controlServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("control server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		slog.Error("server error", "error", err)
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	}

	slog.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := controlServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("control server shutdown error", "error", err)
	}
	if telemetryProvider != nil {
		if err := telemetryProvider.Shutdown(shutdownCtx); err != nil {
			slog.Error("telemetry shutdown error", "error", err)
		}
	}

	slog.Info("INT3RCEPTOR stopped")
}

// attachPersister wires an optional durable backend into store, selected
// by CAPTURE_BACKEND=redis (a shared multi-process flow index) or by
// cfg.DBPath (a local SQLite file), per spec.md §6. It returns a close
// func that is always safe to defer, even when nothing was attached.
func attachPersister(store *capture.Store, cfg config.CaptureConfig) (func(), error) {
	if os.Getenv("CAPTURE_BACKEND") == "redis" {
		idx, err := index.NewRedisIndex(index.RedisConfig{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			KeyPrefix: cfg.RedisKeyPrefix,
		}, 24*time.Hour)
		if err != nil {
			return nil, fmt.Errorf("redis capture backend: %w", err)
		}
		store.SetPersister(idx)
		return func() {
			if err := idx.Close(); err != nil {
				slog.Warn("error closing redis flow index", "error", err)
			}
		}, nil
	}

	if cfg.DBPath != "" {
		db, err := storage.NewSQLiteStore(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("sqlite capture backend: %w", err)
		}
		store.SetPersister(db)
		return func() {
			if err := db.Close(); err != nil {
				slog.Warn("error closing sqlite capture store", "error", err)
			}
		}, nil
	}

	return func() {}, nil
}

// openAuditLog opens path for append, creating it if needed, and returns an
// io.Writer for activity.New plus a close func that is always safe to
// defer. A blank path disables the audit trail (spec.md §6 AUDIT_LOG_PATH).
func openAuditLog(path string) (io.Writer, func(), error) {
	if path == "" {
		return nil, func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600) // #nosec G304 -- path from trusted config/env
	if err != nil {
		return nil, nil, fmt.Errorf("opening audit log %s: %w", path, err)
	}
	return f, func() {
		if err := f.Close(); err != nil {
			slog.Warn("error closing audit log", "error", err)
		}
	}, nil
}

func loadOrGenerateRootCA(cfg config.CAConfig) (*ca.RootCA, error) {
	if cfg.CertPath != "" && cfg.KeyPath != "" {
		if _, err := os.Stat(cfg.CertPath); err == nil {
			return ca.LoadRootCA(cfg.CertPath, cfg.KeyPath)
		}
	}
	slog.Warn("no root CA on disk, generating a development CA (not persisted)")
	return ca.GenerateDevRootCA(10 * 365 * 24 * time.Hour)
}

func newRedactor(cfg config.RedactionConfig) (*redaction.PatternRedactor, error) {
	patterns := make([]redaction.PatternConfig, len(cfg.CustomPatterns))
	for i, p := range cfg.CustomPatterns {
		patterns[i] = redaction.PatternConfig{Name: p.Name, Pattern: p.Pattern, Replacement: p.Replacement}
	}
	return redaction.NewFromConfig(redaction.Config{Enabled: cfg.Enabled, CustomPatterns: patterns})
}

func toScopePatterns(in []config.PatternConfig) []scope.Pattern {
	out := make([]scope.Pattern, len(in))
	for i, p := range in {
		out[i] = scope.Pattern{Scheme: p.Scheme, Host: p.Host, Port: p.Port, Path: p.Path}
	}
	return out
}

func loadPlugins(ctx context.Context, host *plugin.Host, dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("failed to read plugin directory", "dir", dir, "error", err)
		}
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".wasm" {
			continue
		}
		if _, err := host.Load(ctx, dir, entry.Name()); err != nil {
			slog.Error("failed to load plugin", "name", entry.Name(), "error", err)
			continue
		}
		slog.Info("loaded plugin", "name", entry.Name())
	}
}
