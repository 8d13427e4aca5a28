package janitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haukened/securestore/internal/domain"
	"github.com/haukened/securestore/internal/store"
)

// --- Fakes / Mocks ---

type fakePruner struct {
	mu      sync.Mutex
	count   int
	err     error
	calls   int
	cutoffs []time.Time
}

func (fp *fakePruner) Prune(cutoff time.Time) (int, error) {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	fp.calls++
	fp.cutoffs = append(fp.cutoffs, cutoff)
	if fp.err != nil {
		return 0, fp.err
	}
	return fp.count, nil
}

type fakeAuditor struct {
	res   []store.IntegrityResult
	err   error
	calls int
}

func (fa *fakeAuditor) VerifyIntegrity(context.Context) ([]store.IntegrityResult, error) {
	fa.calls++
	return fa.res, fa.err
}

func auditOn() bool { return true }

func TestJanitorCycleSuccess(t *testing.T) {
	fp := &fakePruner{count: 3}
	now := time.Date(2024, 8, 1, 0, 0, 0, 0, time.UTC)
	j := New(fp, nil, nil, Config{Interval: time.Hour, Retention: 48 * time.Hour, Logger: slog.Default(), Now: func() time.Time { return now }})
	j.runCycle(context.Background())
	mv := j.MetricsSnapshot()
	if mv.Pruned != 3 || mv.Cycles != 1 {
		t.Fatalf("unexpected metrics %+v", mv)
	}
	if fp.calls != 1 {
		t.Fatalf("expected one prune, got %d", fp.calls)
	}
	if want := now.Add(-48 * time.Hour); !fp.cutoffs[0].Equal(want) {
		t.Fatalf("expected cutoff %v got %v", want, fp.cutoffs[0])
	}
}

func TestJanitorCyclePruneError(t *testing.T) {
	fp := &fakePruner{err: errors.New("boom")}
	fa := &fakeAuditor{}
	j := New(fp, fa, nil, Config{Interval: time.Hour, Audit: auditOn, Logger: slog.Default()})
	j.runCycle(context.Background())
	mv := j.MetricsSnapshot()
	if mv.Pruned != 0 || mv.Cycles != 1 {
		t.Fatalf("metrics after error %+v", mv)
	}
	if fa.calls != 1 {
		t.Fatalf("expected audit even on prune error")
	}
}

func TestJanitorAudit(t *testing.T) {
	fa := &fakeAuditor{res: []store.IntegrityResult{
		{Section: "a", Status: store.IntegrityOK},
		{Section: "b", Status: store.IntegrityMismatch},
		{Section: "c", Status: store.IntegrityMissing},
		{Section: "d", Status: store.IntegrityUndecodable},
	}}
	j := New(&fakePruner{}, fa, nil, Config{Interval: time.Hour, Audit: auditOn})
	j.runCycle(context.Background())
	mv := j.MetricsSnapshot()
	if mv.Audited != 4 || mv.IntegrityProblems != 2 {
		t.Fatalf("unexpected audit metrics %+v", mv)
	}
}

func TestJanitorAuditDisabled(t *testing.T) {
	fa := &fakeAuditor{}
	j := New(&fakePruner{}, fa, nil, Config{Interval: time.Hour})
	j.runCycle(context.Background())
	if fa.calls != 0 {
		t.Fatalf("audit ran while disabled")
	}
}

func TestJanitorAuditFollowsToggle(t *testing.T) {
	fa := &fakeAuditor{res: []store.IntegrityResult{{Section: "a", Status: store.IntegrityOK}}}
	var enabled atomic.Bool
	j := New(&fakePruner{}, fa, nil, Config{Interval: time.Hour, Audit: enabled.Load})
	j.runCycle(context.Background())
	if fa.calls != 0 {
		t.Fatalf("audit ran while toggled off")
	}
	enabled.Store(true)
	j.runCycle(context.Background())
	enabled.Store(false)
	j.runCycle(context.Background())
	if fa.calls != 1 {
		t.Fatalf("expected exactly one audit, got %d", fa.calls)
	}
	if mv := j.MetricsSnapshot(); mv.Audited != 1 || mv.Cycles != 3 {
		t.Fatalf("unexpected metrics %+v", mv)
	}
}

func TestStartStopLoop(t *testing.T) {
	fp := &fakePruner{count: 1}
	j := New(fp, nil, nil, Config{Interval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	j.Start(ctx)
	time.Sleep(15 * time.Millisecond)
	j.Stop()
	cancel()
	mv := j.MetricsSnapshot()
	if mv.Cycles == 0 {
		t.Fatalf("expected at least one cycle")
	}
}

func TestStopWithoutStart(t *testing.T) {
	j := New(&fakePruner{}, nil, nil, Config{})
	j.Stop()
}

func TestNewDefaults(t *testing.T) {
	j := New(&fakePruner{}, nil, nil, Config{Retention: time.Second})
	if j.cfg.Interval <= 0 || j.cfg.Logger == nil || j.cfg.Now == nil {
		t.Fatalf("defaults not applied %+v", j.cfg)
	}
	if j.cfg.Retention != domain.DefaultRetention {
		t.Fatalf("invalid retention not replaced: %v", j.cfg.Retention)
	}
}

func TestStartAlreadyStarted(t *testing.T) {
	j := New(&fakePruner{}, nil, nil, Config{Interval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	j.Start(ctx)
	tkr := j.ticker
	j.Start(ctx)
	if j.ticker != tkr {
		t.Fatalf("ticker replaced unexpectedly")
	}
	j.Stop()
}

// externalCollector captures emitted metrics for verification.
type externalCollector struct {
	mu       sync.Mutex
	counters map[string]int64
	observes map[string][]int64
}

func newExternalCollector() *externalCollector {
	return &externalCollector{counters: make(map[string]int64), observes: make(map[string][]int64)}
}

func (e *externalCollector) Inc(name string, delta int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counters[name] += delta
}
func (e *externalCollector) Observe(name string, v int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observes[name] = append(e.observes[name], v)
}

func TestJanitorExternalMetrics(t *testing.T) {
	ec := newExternalCollector()
	j := New(&fakePruner{count: 4}, nil, ec, Config{Interval: time.Hour})
	j.runCycle(context.Background())
	ec.mu.Lock()
	defer ec.mu.Unlock()
	obs := ec.observes[SummaryPrunedPerCycle]
	if len(obs) != 1 || obs[0] != 4 {
		t.Fatalf("unexpected observations %+v", obs)
	}
}
