// Package settings owns the process-wide SecurityConfig. Changes go through
// Manager.Update, which re-encodes every stored section under the new
// configuration before the change becomes visible.
package settings

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haukened/securestore/internal/domain"
	"github.com/haukened/securestore/internal/store"
)

// CounterSettingsUpdates counts committed settings changes.
const CounterSettingsUpdates = "settings_updates_total"

// Holder is the shared, concurrency-safe SecurityConfig. It implements
// store.ConfigSource.
type Holder struct {
	mu  sync.RWMutex
	cfg domain.SecurityConfig
}

var _ store.ConfigSource = (*Holder)(nil)

// NewHolder returns a Holder initialized to cfg.
func NewHolder(cfg domain.SecurityConfig) *Holder {
	return &Holder{cfg: cfg.Normalize()}
}

// Current returns a copy of the active configuration.
func (h *Holder) Current() domain.SecurityConfig {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

func (h *Holder) set(cfg domain.SecurityConfig) {
	h.mu.Lock()
	h.cfg = cfg
	h.mu.Unlock()
}

// Store is the App Data Store as seen by the settings manager.
type Store interface {
	LoadWith(ctx context.Context, cfg domain.SecurityConfig) (map[string]any, []string, error)
	SaveWith(ctx context.Context, sections map[string]any, cfg domain.SecurityConfig, opts ...store.SaveOption) error
}

// Update lists the toggles to change; nil fields keep their current value.
type Update struct {
	Encryption       *bool
	Compression      *bool
	Checksums        *bool
	CompressionType  *domain.CompressionType
	CompressionLevel *int
}

// Apply returns cfg with the non-nil fields of u applied.
func (u Update) Apply(cfg domain.SecurityConfig) domain.SecurityConfig {
	if u.Encryption != nil {
		cfg.EncryptionEnabled = *u.Encryption
	}
	if u.Compression != nil {
		cfg.CompressionEnabled = *u.Compression
	}
	if u.Checksums != nil {
		cfg.ChecksumsEnabled = *u.Checksums
	}
	if u.CompressionType != nil {
		cfg.CompressionType = *u.CompressionType
	}
	if u.CompressionLevel != nil {
		cfg.CompressionLevel = *u.CompressionLevel
	}
	return cfg.Normalize()
}

// Ptr returns a pointer to v, for building Updates.
func Ptr[T any](v T) *T { return &v }

// Result reports what an Update did.
type Result struct {
	Previous domain.SecurityConfig
	Current  domain.SecurityConfig
	Resaved  int
	// Orphaned lists sections that could not be decoded under the previous
	// configuration. They keep their old encoding.
	Orphaned []string
}

// Manager serializes configuration changes.
type Manager struct {
	mu       sync.Mutex
	holder   *Holder
	store    Store
	persist  store.SettingsIndex
	recorder store.Recorder
	clock    store.Clock
	logger   *slog.Logger
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type nopRecorder struct{}

func (nopRecorder) Inc(string, int64)     {}
func (nopRecorder) Observe(string, int64) {}

// NewManager returns a Manager. recorder, clock and logger may be nil.
func NewManager(holder *Holder, st Store, persist store.SettingsIndex, recorder store.Recorder, clock store.Clock, logger *slog.Logger) *Manager {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if clock == nil {
		clock = systemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		holder:   holder,
		store:    st,
		persist:  persist,
		recorder: recorder,
		clock:    clock,
		logger:   logger.With("domain", "settings"),
	}
}

// Init loads the persisted configuration into the holder. On first run the
// holder's seed value is persisted instead.
func (m *Manager) Init(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok, err := m.persist.LoadSettings(ctx)
	if err != nil {
		return fmt.Errorf("%w: load: %v", domain.ErrSettings, err)
	}
	if ok {
		m.holder.set(cfg)
		m.logger.Debug("settings restored", "config", cfg)
		return nil
	}
	if err := m.persist.SaveSettings(ctx, m.holder.Current(), m.clock.Now()); err != nil {
		return fmt.Errorf("%w: seed: %v", domain.ErrSettings, err)
	}
	return nil
}

// Update loads every section under the current configuration, then encodes
// the sections that decoded under the new configuration and writes them with
// the new settings row in one transaction. The holder switches only after that
// commit succeeds; on failure the previous configuration stays active.
func (m *Manager) Update(ctx context.Context, u Update) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.holder.Current()
	next := u.Apply(prev)
	if !next.CompressionType.Valid() {
		return Result{}, fmt.Errorf("%w: %w: %q", domain.ErrSettings, domain.ErrUnknownCompression, next.CompressionType)
	}
	sections, orphaned, err := m.store.LoadWith(ctx, prev)
	if err != nil {
		return Result{}, fmt.Errorf("%w: load: %w", domain.ErrSettings, err)
	}
	if len(orphaned) > 0 {
		m.logger.Warn("sections left in previous encoding", "sections", orphaned)
	}
	if err := m.store.SaveWith(ctx, sections, next, store.WithSettings(next)); err != nil {
		return Result{}, fmt.Errorf("%w: re-save: %w", domain.ErrSettings, err)
	}
	m.holder.set(next)
	m.recorder.Inc(CounterSettingsUpdates, 1)
	m.logger.Info("security settings updated",
		"encryption", next.EncryptionEnabled,
		"compression", next.CompressionEnabled,
		"checksums", next.ChecksumsEnabled,
		"compression_type", next.CompressionType,
		"resaved", len(sections))
	return Result{Previous: prev, Current: next, Resaved: len(sections), Orphaned: orphaned}, nil
}
