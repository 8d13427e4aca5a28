// Package metrics provides a lightweight persistent metrics manager.
// It batches in-memory counter and summary observations and periodically
// flushes them to the same SQLite database that holds the application
// sections. Only monotonic counters and simple (count,sum,min,max)
// summaries are supported.
package metrics

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/haukened/securestore/internal/backup"
	"github.com/haukened/securestore/internal/janitor"
	"github.com/haukened/securestore/internal/settings"
	"github.com/haukened/securestore/internal/store"
	"github.com/haukened/securestore/internal/store/sqlite"
)

// Counter names used by the application.
const (
	CounterSectionsSaved   = store.CounterSectionsSaved
	CounterSectionsLoaded  = store.CounterSectionsLoaded
	CounterSectionsSkipped = store.CounterSectionsSkipped
	CounterDecodeFallback  = store.CounterDecodeFallback
	CounterBackupsCreated  = backup.CounterBackupsCreated
	CounterRestores        = backup.CounterRestores
	CounterBackupsPruned   = backup.CounterBackupsPruned
	CounterSettingsUpdates = settings.CounterSettingsUpdates
	CounterBusyRetries     = "storage_busy_retries_total"
)

// Summary names.
const (
	SummarySavePayload   = store.SummarySavePayload
	SummaryJanitorPruned = janitor.SummaryPrunedPerCycle
)

var _ store.Recorder = (*Manager)(nil)

// Config controls flush cadence and logging.
type Config struct {
	FlushInterval time.Duration
	Logger        *slog.Logger
}

// Summary is an aggregate of observed values.
type Summary struct {
	Count int64 `json:"count"`
	Sum   int64 `json:"sum"`
	Min   int64 `json:"min"`
	Max   int64 `json:"max"`
}

// Mean returns Sum/Count, or 0 for an empty summary.
func (s Summary) Mean() float64 {
	if s.Count == 0 {
		return 0
	}
	return float64(s.Sum) / float64(s.Count)
}

func (s *Summary) merge(o Summary) {
	if s.Count == 0 {
		*s = o
		return
	}
	s.Count += o.Count
	s.Sum += o.Sum
	s.Min = min(s.Min, o.Min)
	s.Max = max(s.Max, o.Max)
}

// Snapshot is the persisted state plus any unflushed deltas.
type Snapshot struct {
	Counters  map[string]int64   `json:"counters"`
	Summaries map[string]Summary `json:"summaries"`
}

// Names returns every metric name in the snapshot, sorted.
func (s Snapshot) Names() []string {
	out := make([]string, 0, len(s.Counters)+len(s.Summaries))
	for n := range s.Counters {
		out = append(out, n)
	}
	for n := range s.Summaries {
		if _, dup := s.Counters[n]; !dup {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

// Manager aggregates metric events and flushes them.
type Manager struct {
	cfg     Config
	conns   *sqlite.ConnManager
	events  chan event
	stop    chan struct{}
	done    chan struct{}
	started bool

	// in-memory deltas (protected by mu)
	mu        sync.Mutex
	counters  map[string]int64
	summaries map[string]*Summary
}

type eventKind int

const (
	eventInc eventKind = iota + 1
	eventObserve
)

type event struct {
	kind eventKind
	name string
	v    int64
}

// BusyRetryHook returns a callback for sqlite.WithRetryHook that counts
// transactions retried after SQLITE_BUSY.
func (m *Manager) BusyRetryHook() func() {
	return func() { m.Inc(CounterBusyRetries, 1) }
}

// New creates a Manager. Call Start to begin background flushing. Flushes and
// snapshots run through conns so they share the busy-retry policy of section
// writes; a nil conns gets a default manager over db.
func New(db *sql.DB, conns *sqlite.ConnManager, cfg Config) *Manager {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if conns == nil {
		conns = sqlite.NewConnManager(db, sqlite.WithLogger(cfg.Logger))
	}
	return &Manager{
		cfg:       cfg,
		conns:     conns,
		events:    make(chan event, 1024),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		counters:  make(map[string]int64),
		summaries: make(map[string]*Summary),
	}
}

// InitSchema ensures metrics tables exist.
func (m *Manager) InitSchema(ctx context.Context) error {
	return m.conns.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS metrics_counters (
			name TEXT PRIMARY KEY,
			value INTEGER NOT NULL
		)`); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS metrics_summaries (
			name TEXT PRIMARY KEY,
			count INTEGER NOT NULL,
			sum INTEGER NOT NULL,
			min INTEGER NOT NULL,
			max INTEGER NOT NULL
		)`)
		return err
	})
}

// Start launches the background flush loop.
func (m *Manager) Start(ctx context.Context) {
	if m.started {
		return
	}
	m.started = true
	go m.loop(ctx)
}

// Stop signals the flush loop to exit and performs a final flush.
func (m *Manager) Stop(ctx context.Context) {
	if m.started {
		close(m.stop)
		<-m.done
	}
	m.drain()
	if err := m.flush(ctx); err != nil {
		m.cfg.Logger.With("domain", "metrics").Error("final flush", "error", err)
	}
}

// Inc increments a counter by delta (>=1).
func (m *Manager) Inc(name string, delta int64) {
	if delta <= 0 {
		return
	}
	m.send(event{kind: eventInc, name: name, v: delta})
}

// Observe records a summary observation.
func (m *Manager) Observe(name string, value int64) {
	m.send(event{kind: eventObserve, name: name, v: value})
}

// send never blocks the caller; observations are dropped when the buffer is full.
func (m *Manager) send(ev event) {
	select {
	case m.events <- ev:
	default:
	}
}

// drain applies every queued event without blocking.
func (m *Manager) drain() {
	for {
		select {
		case ev := <-m.events:
			m.apply(ev)
		default:
			return
		}
	}
}

func (m *Manager) loop(ctx context.Context) {
	log := m.cfg.Logger.With("domain", "metrics")
	ticker := time.NewTicker(m.cfg.FlushInterval)
	defer func() {
		ticker.Stop()
		close(m.done)
	}()
	for {
		select {
		case <-ctx.Done():
			log.Info("metrics stop", "reason", "context_cancel")
			return
		case <-m.stop:
			log.Info("metrics stop", "reason", "stop_signal")
			return
		case ev := <-m.events:
			m.apply(ev)
		case <-ticker.C:
			if err := m.flush(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("flush", "error", err)
			}
		}
	}
}

func (m *Manager) apply(ev event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch ev.kind {
	case eventInc:
		m.counters[ev.name] += ev.v
	case eventObserve:
		agg := m.summaries[ev.name]
		if agg == nil {
			agg = &Summary{}
			m.summaries[ev.name] = agg
		}
		agg.merge(Summary{Count: 1, Sum: ev.v, Min: ev.v, Max: ev.v})
	}
}

// Snapshot reads persisted state and layers unflushed deltas on top.
func (m *Manager) Snapshot(ctx context.Context) (Snapshot, error) {
	snap, err := sqlite.WithTxValue(ctx, m.conns, func(tx *sql.Tx) (Snapshot, error) {
		return readPersisted(ctx, tx)
	})
	if err != nil {
		return Snapshot{}, err
	}
	m.mu.Lock()
	for n, v := range m.counters {
		snap.Counters[n] += v
	}
	for n, agg := range m.summaries {
		cur := snap.Summaries[n]
		cur.merge(*agg)
		snap.Summaries[n] = cur
	}
	m.mu.Unlock()
	return snap, nil
}

func readPersisted(ctx context.Context, tx *sql.Tx) (Snapshot, error) {
	snap := Snapshot{Counters: make(map[string]int64), Summaries: make(map[string]Summary)}
	rows, err := tx.QueryContext(ctx, `SELECT name, value FROM metrics_counters`)
	if err != nil {
		return Snapshot{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var n string
		var v int64
		if err := rows.Scan(&n, &v); err != nil {
			return Snapshot{}, err
		}
		snap.Counters[n] = v
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, err
	}
	srows, err := tx.QueryContext(ctx, `SELECT name, count, sum, min, max FROM metrics_summaries`)
	if err != nil {
		return Snapshot{}, err
	}
	defer srows.Close()
	for srows.Next() {
		var n string
		var s Summary
		if err := srows.Scan(&n, &s.Count, &s.Sum, &s.Min, &s.Max); err != nil {
			return Snapshot{}, err
		}
		snap.Summaries[n] = s
	}
	return snap, srows.Err()
}

// flush writes in-memory deltas to SQLite in a single transaction and resets
// them. On failure the deltas are merged back so the next flush retries them.
func (m *Manager) flush(ctx context.Context) error {
	m.mu.Lock()
	if len(m.counters) == 0 && len(m.summaries) == 0 {
		m.mu.Unlock()
		return nil
	}
	cCopy := m.counters
	sCopy := m.summaries
	m.counters = make(map[string]int64)
	m.summaries = make(map[string]*Summary)
	m.mu.Unlock()

	err := m.conns.WithTx(ctx, func(tx *sql.Tx) error {
		for name, delta := range cCopy {
			if _, err := tx.ExecContext(ctx, `INSERT INTO metrics_counters(name,value) VALUES(?,?) ON CONFLICT(name) DO UPDATE SET value = value + excluded.value`, name, delta); err != nil {
				return err
			}
		}
		for name, agg := range sCopy {
			if _, err := tx.ExecContext(ctx, `INSERT INTO metrics_summaries(name,count,sum,min,max) VALUES(?,?,?,?,?) ON CONFLICT(name) DO UPDATE SET count = metrics_summaries.count + excluded.count, sum = metrics_summaries.sum + excluded.sum, min = MIN(metrics_summaries.min, excluded.min), max = MAX(metrics_summaries.max, excluded.max)`, name, agg.Count, agg.Sum, agg.Min, agg.Max); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		m.restore(cCopy, sCopy)
	}
	return err
}

func (m *Manager) restore(counters map[string]int64, summaries map[string]*Summary) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for n, v := range counters {
		m.counters[n] += v
	}
	for n, agg := range summaries {
		cur := m.summaries[n]
		if cur == nil {
			m.summaries[n] = agg
			continue
		}
		cur.merge(*agg)
	}
}
