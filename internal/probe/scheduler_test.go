package probe

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"lookout/internal/db"
	"lookout/internal/fault"
	"lookout/internal/models"
	"lookout/internal/protocol"
	"lookout/internal/registry"
)

type fakeConn struct {
	mu   sync.Mutex
	sent []protocol.Envelope
}

func (c *fakeConn) Send(env protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, env)
	return nil
}

func (c *fakeConn) Close(reason string) error { return nil }

// lastTargets decodes the most recent setActiveTargets envelope sent to the
// connection.
func (c *fakeConn) lastTargets(t *testing.T) []protocol.TargetEntry {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.sent) - 1; i >= 0; i-- {
		if c.sent[i].Type != protocol.TypeSetActiveTargets {
			continue
		}
		var p protocol.SetActiveTargets
		if err := json.Unmarshal(c.sent[i].Payload, &p); err != nil {
			t.Fatalf("decode targets payload: %v", err)
		}
		return p.Targets
	}
	t.Fatal("no setActiveTargets envelope was sent")
	return nil
}

type failingConn struct{}

func (failingConn) Send(protocol.Envelope) error { return errors.New("write: broken pipe") }
func (failingConn) Close(reason string) error    { return nil }

func newTestScheduler(t *testing.T) (*Scheduler, *registry.Registry, *db.Repository) {
	t.Helper()
	sqldb, err := db.Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = sqldb.Close() })
	if err := db.Migrate(sqldb); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	repo := db.NewRepository(sqldb)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New(repo, 0, logger)
	s := NewScheduler(repo, reg, 24*time.Hour, time.Millisecond, logger)
	return s, reg, repo
}

func admit(t *testing.T, reg *registry.Registry, repo *db.Repository, hostname, connID string) *fakeConn {
	t.Helper()
	ctx := context.Background()
	if err := repo.CreateHost(ctx, hostname, 0); err != nil {
		t.Fatalf("create host %s: %v", hostname, err)
	}
	conn := &fakeConn{}
	if _, err := reg.Admit(ctx, hostname, connID, conn); err != nil {
		t.Fatalf("admit %s: %v", hostname, err)
	}
	return conn
}

func TestTargetMutationsDistributeWholeList(t *testing.T) {
	s, reg, repo := newTestScheduler(t)
	ctx := context.Background()
	conn := admit(t, reg, repo, "web1", "c1")

	a, err := s.CreateTarget(ctx, models.ProbeTarget{Name: "a", Addr: "a.example.com", IntervalSec: 30, Enabled: true})
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	if _, err := s.CreateTarget(ctx, models.ProbeTarget{Name: "b", Addr: "b.example.com", IntervalSec: 60, Enabled: true}); err != nil {
		t.Fatalf("create b: %v", err)
	}

	targets := conn.lastTargets(t)
	if len(targets) != 2 {
		t.Fatalf("distributed %d targets, want 2", len(targets))
	}

	// Deleting one must push the remaining complete list, not a delta.
	if err := s.DeleteTarget(ctx, a); err != nil {
		t.Fatalf("delete a: %v", err)
	}
	targets = conn.lastTargets(t)
	if len(targets) != 1 {
		t.Fatalf("distributed %d targets after delete, want 1", len(targets))
	}
	if targets[0].Addr != "b.example.com" {
		t.Fatalf("remaining target = %+v", targets[0])
	}
}

func TestDistributionExcludesDisabledTargets(t *testing.T) {
	s, reg, repo := newTestScheduler(t)
	ctx := context.Background()
	conn := admit(t, reg, repo, "web1", "c1")

	id, err := s.CreateTarget(ctx, models.ProbeTarget{Name: "a", Addr: "a.example.com", IntervalSec: 30, Enabled: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.UpdateTarget(ctx, models.ProbeTarget{ID: id, Name: "a", Addr: "a.example.com", IntervalSec: 30, Enabled: false}); err != nil {
		t.Fatalf("update: %v", err)
	}

	if got := conn.lastTargets(t); len(got) != 0 {
		t.Fatalf("disabled target still distributed: %+v", got)
	}
}

func TestDistributeFailureReleasesSession(t *testing.T) {
	s, reg, repo := newTestScheduler(t)
	ctx := context.Background()
	if err := repo.CreateHost(ctx, "web1", 0); err != nil {
		t.Fatalf("create host: %v", err)
	}
	if _, err := reg.Admit(ctx, "web1", "c1", failingConn{}); err != nil {
		t.Fatalf("admit: %v", err)
	}

	// The target push fails against the dead socket, which releases the
	// session like a close would.
	if _, err := s.CreateTarget(ctx, models.ProbeTarget{Name: "a", Addr: "a.example.com", IntervalSec: 30, Enabled: true}); err != nil {
		t.Fatalf("create target: %v", err)
	}

	if _, ok := reg.Lookup("web1"); ok {
		t.Fatal("session survived a failed distribution")
	}
	h, err := repo.GetHost(ctx, "web1")
	if err != nil {
		t.Fatalf("get host: %v", err)
	}
	if h.State != models.HostDown {
		t.Fatalf("state = %q, want down", h.State)
	}
}

func TestRecordSampleRejectsSupersededConnection(t *testing.T) {
	s, reg, repo := newTestScheduler(t)
	ctx := context.Background()
	admit(t, reg, repo, "web1", "c1")
	if _, err := reg.Admit(ctx, "web1", "c2", &fakeConn{}); err != nil {
		t.Fatalf("admit c2: %v", err)
	}
	id, err := s.CreateTarget(ctx, models.ProbeTarget{Name: "a", Addr: "a.example.com", IntervalSec: 30, Enabled: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	err = s.RecordSample(ctx, "web1", "c1", protocol.ProbeResult{TargetID: id, LatencyMS: 10})
	if !fault.Is(err, fault.StaleConnection) {
		t.Fatalf("err = %v, want STALE_CONNECTION", err)
	}
	if err := s.RecordSample(ctx, "web1", "c2", protocol.ProbeResult{TargetID: id, LatencyMS: 10}); err != nil {
		t.Fatalf("record from current: %v", err)
	}
}

func TestRecordSampleDropsDeletedTarget(t *testing.T) {
	s, reg, repo := newTestScheduler(t)
	ctx := context.Background()
	admit(t, reg, repo, "web1", "c1")
	id, err := s.CreateTarget(ctx, models.ProbeTarget{Name: "a", Addr: "a.example.com", IntervalSec: 30, Enabled: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.DeleteTarget(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}

	// An in-flight result for the deleted target is dropped, not an error.
	if err := s.RecordSample(ctx, "web1", "c1", protocol.ProbeResult{TargetID: id, LatencyMS: 10}); err != nil {
		t.Fatalf("record after delete: %v", err)
	}
	samples, err := s.Samples(ctx, id, "", 0, 100)
	if err != nil {
		t.Fatalf("samples: %v", err)
	}
	if len(samples) != 0 {
		t.Fatalf("deleted target has %d samples", len(samples))
	}
}

func TestRecordSampleMarksFailures(t *testing.T) {
	s, reg, repo := newTestScheduler(t)
	ctx := context.Background()
	admit(t, reg, repo, "web1", "c1")
	id, err := s.CreateTarget(ctx, models.ProbeTarget{Name: "a", Addr: "a.example.com", IntervalSec: 30, Enabled: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := s.RecordSample(ctx, "web1", "c1", protocol.ProbeResult{TargetID: id, Failed: true}); err != nil {
		t.Fatalf("record: %v", err)
	}
	samples, err := s.Samples(ctx, id, "web1", 0, 100)
	if err != nil {
		t.Fatalf("samples: %v", err)
	}
	if len(samples) != 1 || !samples[0].Failed() {
		t.Fatalf("samples = %+v, want one failed sample", samples)
	}
}

func TestSamplesClampedToRetention(t *testing.T) {
	s, reg, repo := newTestScheduler(t)
	ctx := context.Background()
	admit(t, reg, repo, "web1", "c1")
	id, err := s.CreateTarget(ctx, models.ProbeTarget{Name: "a", Addr: "a.example.com", IntervalSec: 30, Enabled: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	for _, age := range []time.Duration{25 * time.Hour, 23 * time.Hour, time.Minute} {
		err := repo.InsertSample(ctx, models.ProbeSample{Hostname: "web1", TargetID: id, LatencyMS: 1, ReportedAt: now.Add(-age)})
		if err != nil {
			t.Fatalf("insert sample: %v", err)
		}
	}

	// Asking for more than the retention window is clamped to it.
	samples, err := s.Samples(ctx, id, "", 72*time.Hour, 100)
	if err != nil {
		t.Fatalf("samples: %v", err)
	}
	if len(samples) != 2 {
		t.Fatalf("samples len = %d, want 2 inside retention", len(samples))
	}
}

func TestPruneExpired(t *testing.T) {
	s, reg, repo := newTestScheduler(t)
	ctx := context.Background()
	admit(t, reg, repo, "web1", "c1")
	id, err := s.CreateTarget(ctx, models.ProbeTarget{Name: "a", Addr: "a.example.com", IntervalSec: 30, Enabled: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	for _, age := range []time.Duration{30 * time.Hour, 12 * time.Hour} {
		err := repo.InsertSample(ctx, models.ProbeSample{Hostname: "web1", TargetID: id, LatencyMS: 1, ReportedAt: now.Add(-age)})
		if err != nil {
			t.Fatalf("insert sample: %v", err)
		}
	}

	s.PruneExpired(ctx)

	samples, err := repo.SamplesForTarget(ctx, id, "", time.Time{}, 100)
	if err != nil {
		t.Fatalf("samples: %v", err)
	}
	if len(samples) != 1 {
		t.Fatalf("samples len = %d, want 1 after prune", len(samples))
	}
}

func TestSamplesScopedPerHost(t *testing.T) {
	s, reg, repo := newTestScheduler(t)
	ctx := context.Background()
	admit(t, reg, repo, "web1", "c1")
	admit(t, reg, repo, "web2", "c2")
	id, err := s.CreateTarget(ctx, models.ProbeTarget{Name: "a", Addr: "a.example.com", IntervalSec: 30, Enabled: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := s.RecordSample(ctx, "web1", "c1", protocol.ProbeResult{TargetID: id, LatencyMS: 10}); err != nil {
		t.Fatalf("record web1: %v", err)
	}
	if err := s.RecordSample(ctx, "web2", "c2", protocol.ProbeResult{TargetID: id, LatencyMS: 20}); err != nil {
		t.Fatalf("record web2: %v", err)
	}

	samples, err := s.Samples(ctx, id, "web2", 0, 100)
	if err != nil {
		t.Fatalf("samples: %v", err)
	}
	if len(samples) != 1 || samples[0].LatencyMS != 20 {
		t.Fatalf("samples = %+v, want only web2's sample", samples)
	}
}
