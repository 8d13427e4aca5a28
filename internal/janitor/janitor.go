// Package janitor implements background maintenance: pruning backup artifacts
// past their retention and auditing stored sections against their recorded
// checksums. It operates independently from the app Service to keep lifecycle
// concerns isolated from the request path.
package janitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/haukened/securestore/internal/domain"
	"github.com/haukened/securestore/internal/store"
)

// SummaryPrunedPerCycle observes how many backups each cycle removed.
const SummaryPrunedPerCycle = "janitor_pruned_per_cycle"

// Pruner deletes backup artifacts created before cutoff.
type Pruner interface {
	Prune(cutoff time.Time) (int, error)
}

// Auditor checks stored sections against their recorded checksums.
type Auditor interface {
	VerifyIntegrity(ctx context.Context) ([]store.IntegrityResult, error)
}

// Recorder receives metric observations; optional.
type Recorder interface {
	Inc(name string, delta int64)
	Observe(name string, value int64)
}

// Config holds tunables for the Janitor.
type Config struct {
	Interval  time.Duration // how often a cycle begins
	Retention time.Duration // backups older than this are pruned
	// Audit is consulted at the start of each cycle; the integrity audit runs
	// only while it reports true. Nil disables auditing.
	Audit  func() bool
	Logger *slog.Logger // optional logger (defaults to slog.Default())
	Now    func() time.Time
}

// Metrics accumulates counters (in-memory) for operational insight.
type Metrics struct {
	mu                  sync.Mutex
	Cycles              uint64
	Pruned              uint64
	Audited             uint64
	IntegrityProblems   uint64
	CycleLastDurationMS int64
}

// MetricsView is a read-only snapshot safe to copy.
type MetricsView struct {
	Cycles              uint64
	Pruned              uint64
	Audited             uint64
	IntegrityProblems   uint64
	CycleLastDurationMS int64
}

func (m *Metrics) addPruned(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	m.Pruned += uint64(n)
	m.mu.Unlock()
}

func (m *Metrics) addAudit(audited, problems int) {
	m.mu.Lock()
	m.Audited += uint64(audited)
	m.IntegrityProblems += uint64(problems)
	m.mu.Unlock()
}

func (m *Metrics) recordCycle(d time.Duration) {
	m.mu.Lock()
	m.Cycles++
	m.CycleLastDurationMS = d.Milliseconds()
	m.mu.Unlock()
}

// Janitor encapsulates the background maintenance loop.
type Janitor struct {
	backups  Pruner
	auditor  Auditor
	recorder Recorder
	cfg      Config
	metrics  *Metrics

	ticker *time.Ticker
	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// New constructs but does not start a Janitor. auditor and recorder may be nil.
func New(backups Pruner, auditor Auditor, recorder Recorder, cfg Config) *Janitor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if domain.ValidateRetention(cfg.Retention) != nil {
		cfg.Retention = domain.DefaultRetention
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Janitor{
		backups:  backups,
		auditor:  auditor,
		recorder: recorder,
		cfg:      cfg,
		metrics:  &Metrics{},
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the janitor loop in a new goroutine.
func (j *Janitor) Start(ctx context.Context) {
	if j.ticker != nil {
		return
	} // already started
	j.ticker = time.NewTicker(j.cfg.Interval)
	go j.loop(ctx)
}

// Stop signals the loop to exit and waits for completion.
func (j *Janitor) Stop() {
	j.once.Do(func() { close(j.stopCh) })
	if j.ticker == nil {
		return
	}
	<-j.doneCh
}

// RunOnce performs a single cycle synchronously.
func (j *Janitor) RunOnce(ctx context.Context) { j.runCycle(ctx) }

// MetricsSnapshot returns a copy of current metrics.
func (j *Janitor) MetricsSnapshot() MetricsView {
	j.metrics.mu.Lock()
	defer j.metrics.mu.Unlock()
	return MetricsView{
		Cycles:              j.metrics.Cycles,
		Pruned:              j.metrics.Pruned,
		Audited:             j.metrics.Audited,
		IntegrityProblems:   j.metrics.IntegrityProblems,
		CycleLastDurationMS: j.metrics.CycleLastDurationMS,
	}
}

func (j *Janitor) loop(ctx context.Context) {
	log := j.cfg.Logger.With("domain", "janitor")
	defer func() {
		if j.ticker != nil {
			j.ticker.Stop()
		}
		close(j.doneCh)
	}()
	for {
		select {
		case <-ctx.Done():
			log.Info("janitor stop", "reason", "context_cancel")
			return
		case <-j.stopCh:
			log.Info("janitor stop", "reason", "stop_signal")
			return
		case <-j.ticker.C:
			j.runCycle(ctx)
		}
	}
}

// runCycle performs one prune + audit cycle.
func (j *Janitor) runCycle(ctx context.Context) {
	start := time.Now()
	log := j.cfg.Logger.With("domain", "janitor", "action", "cycle")
	cutoff := domain.RetentionCutoff(j.cfg.Now(), j.cfg.Retention)
	pruned, err := j.backups.Prune(cutoff)
	if err != nil {
		log.Error("prune", "error", err)
	}
	j.metrics.addPruned(pruned)
	if j.recorder != nil {
		j.recorder.Observe(SummaryPrunedPerCycle, int64(pruned))
	}
	audited, problems := 0, 0
	if j.auditor != nil && j.cfg.Audit != nil && j.cfg.Audit() {
		res, aerr := j.auditor.VerifyIntegrity(ctx)
		if aerr != nil && !errors.Is(aerr, context.Canceled) {
			log.Error("audit", "error", aerr)
		}
		for _, r := range res {
			audited++
			if r.Status == store.IntegrityMismatch || r.Status == store.IntegrityUndecodable {
				problems++
				log.Warn("integrity problem", "section", r.Section, "status", r.Status)
			}
		}
		j.metrics.addAudit(audited, problems)
	}
	j.metrics.recordCycle(time.Since(start))
	log.Info("cycle complete", "pruned", pruned, "audited", audited, "problems", problems, "ms", time.Since(start).Milliseconds())
}
