// Package main provides the securestore binary: an operator CLI over the
// secure storage engine. Every subcommand loads configuration (defaults,
// environment, flags), opens the SQLite store, restores the persisted security
// settings and then performs one operation. The serve subcommand instead runs
// the background janitor and metrics flusher until interrupted.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/haukened/securestore/internal/app"
	"github.com/haukened/securestore/internal/backup"
	"github.com/haukened/securestore/internal/codec"
	"github.com/haukened/securestore/internal/config"
	"github.com/haukened/securestore/internal/crypto"
	"github.com/haukened/securestore/internal/janitor"
	"github.com/haukened/securestore/internal/metrics"
	"github.com/haukened/securestore/internal/settings"
	"github.com/haukened/securestore/internal/store"
	"github.com/haukened/securestore/internal/store/filesystem"
	"github.com/haukened/securestore/internal/store/sqlite"
)

// realClock implements app.Clock using time.Now.
type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// newLogger builds the process logger from the configured level and format.
func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// ensureDataDir creates dir if missing and fails if it exists but is not a directory.
func ensureDataDir(dir string) error {
	st, err := os.Stat(dir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create data directory: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("stat data directory: %w", err)
	case !st.IsDir():
		return fmt.Errorf("data path %s is not a directory", dir)
	}
	return nil
}

// engine holds every wired component for the lifetime of one command.
type engine struct {
	cfg      *config.Config
	logger   *slog.Logger
	db       *sql.DB
	index    *sqlite.Index
	cipher   *crypto.Cipher
	holder   *settings.Holder
	store    *store.Store
	backups  *backup.Manager
	metrics  *metrics.Manager
	janitor  *janitor.Janitor
	svc      *app.Service
	password string
}

// buildEngine wires config -> sqlite -> crypto -> settings -> store -> backup
// -> app, with metrics and the janitor attached.
func buildEngine(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*engine, error) {
	if err := ensureDataDir(cfg.DataDir); err != nil {
		return nil, err
	}
	db, err := sqlite.Open(ctx, cfg.Driver, cfg.SQLiteDSN())
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	rt := &engine{cfg: cfg, logger: logger, db: db}
	if err := rt.wire(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *engine) wire(ctx context.Context) error {
	cfg, logger, clock := rt.cfg, rt.logger, realClock{}

	// Metrics flush through the same ConnManager whose retries they count,
	// so the hook is bound once the manager exists.
	var onRetry func()
	conns := sqlite.NewConnManager(rt.db,
		sqlite.WithRetry(cfg.MaxAttempts, cfg.RetryBaseDelay),
		sqlite.WithLogger(logger),
		sqlite.WithRetryHook(func() { onRetry() }),
	)
	rt.metrics = metrics.New(rt.db, conns, metrics.Config{FlushInterval: cfg.MetricsFlushInterval, Logger: logger})
	onRetry = rt.metrics.BusyRetryHook()
	idx, err := sqlite.New(ctx, rt.db, conns)
	if err != nil {
		return fmt.Errorf("init sqlite schema: %w", err)
	}
	if err := rt.metrics.InitSchema(ctx); err != nil {
		return fmt.Errorf("init metrics schema: %w", err)
	}
	rt.index = idx

	rt.password = cfg.Password
	if rt.password == "" {
		rt.password = crypto.HostPassword()
		logger.Debug("no password configured, using host-derived key")
	}
	c, err := crypto.New(rt.password, []byte(cfg.Salt), cfg.KDFIterations)
	if err != nil {
		return fmt.Errorf("init cipher: %w", err)
	}
	rt.cipher = c

	rt.holder = settings.NewHolder(cfg.Security())
	rt.store = store.New(idx, codec.New(c), rt.holder, store.Options{
		Clock:        clock,
		Recorder:     rt.metrics,
		Logger:       logger,
		VerifyOnRead: cfg.VerifyIntegrityOnRead,
	})
	mgr := settings.NewManager(rt.holder, rt.store, idx, rt.metrics, clock, logger)
	if err := mgr.Init(ctx); err != nil {
		return err
	}

	arts, err := filesystem.New(cfg.BackupPath())
	if err != nil {
		return fmt.Errorf("init backup directory: %w", err)
	}
	rt.backups = backup.New(rt.store, arts, c, rt.holder, backup.Options{
		Compression: cfg.BackupCompression,
		Encryption:  cfg.BackupEncryption,
		Clock:       clock,
		Recorder:    rt.metrics,
		Logger:      logger,
	})
	rt.svc = &app.Service{
		Store:     rt.store,
		Backups:   rt.backups,
		Settings:  mgr,
		Config:    rt.holder,
		Keyring:   c,
		Passwords: idx,
		Clock:     clock,
		Logger:    logger,
		DataDir:   cfg.DataDir,
		DiskUsage: filesystem.Usage,
	}
	rt.janitor = janitor.New(rt.backups, rt.svc, rt.metrics, janitor.Config{
		Interval:  cfg.JanitorInterval,
		Retention: cfg.BackupRetention,
		Audit:     func() bool { return rt.holder.Current().ChecksumsEnabled },
		Logger:    logger,
	})
	return nil
}

// Close flushes metrics and closes the database.
func (rt *engine) Close(ctx context.Context) error {
	rt.metrics.Stop(ctx)
	return rt.db.Close()
}

// serve runs the janitor and metrics loops until ctx is cancelled.
func (rt *engine) serve(ctx context.Context) error {
	rt.metrics.Start(ctx)
	rt.janitor.Start(ctx)
	rt.logger.Info("securestore maintenance started",
		"pid", os.Getpid(),
		"janitor_interval", rt.cfg.JanitorInterval,
		"retention", rt.cfg.BackupRetention,
	)
	<-ctx.Done()
	rt.janitor.Stop()
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cmd := newRootCommand(os.Stdout, os.Stderr)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "securestore: %v\n", err)
		stop()
		os.Exit(exitCode(err))
	}
}
