package registry

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"lookout/internal/db"
	"lookout/internal/fault"
	"lookout/internal/models"
	"lookout/internal/protocol"
)

type fakeConn struct {
	mu       sync.Mutex
	sent     []protocol.Envelope
	closed   bool
	closeMsg string
}

func (c *fakeConn) Send(env protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, env)
	return nil
}

func (c *fakeConn) Close(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.closeMsg = reason
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func newTestRegistry(t *testing.T) (*Registry, *db.Repository) {
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
	return New(repo, 0, slog.New(slog.NewTextHandler(io.Discard, nil))), repo
}

func TestAdmitRejectsUnknownHostname(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, err := reg.Admit(context.Background(), "ghost", "c1", &fakeConn{})
	if !fault.Is(err, fault.NotProvisioned) {
		t.Fatalf("err = %v, want NOT_PROVISIONED", err)
	}
}

func TestAdmitMarksHostOnline(t *testing.T) {
	reg, repo := newTestRegistry(t)
	ctx := context.Background()
	if err := repo.CreateHost(ctx, "web1", 0); err != nil {
		t.Fatalf("create host: %v", err)
	}

	sess, err := reg.Admit(ctx, "web1", "c1", &fakeConn{})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if sess.Hostname != "web1" || sess.ConnID != "c1" {
		t.Fatalf("session = %+v", sess)
	}
	h, err := repo.GetHost(ctx, "web1")
	if err != nil {
		t.Fatalf("get host: %v", err)
	}
	if h.State != models.HostOnline {
		t.Fatalf("state = %q, want online", h.State)
	}
}

func TestSupersessionClosesOldAndKeepsNewCurrent(t *testing.T) {
	reg, repo := newTestRegistry(t)
	ctx := context.Background()
	if err := repo.CreateHost(ctx, "web1", 0); err != nil {
		t.Fatalf("create host: %v", err)
	}

	oldConn := &fakeConn{}
	oldSess, err := reg.Admit(ctx, "web1", "c1", oldConn)
	if err != nil {
		t.Fatalf("admit old: %v", err)
	}
	newConn := &fakeConn{}
	if _, err := reg.Admit(ctx, "web1", "c2", newConn); err != nil {
		t.Fatalf("admit new: %v", err)
	}

	if !oldConn.isClosed() {
		t.Fatal("superseded connection was not closed")
	}
	if newConn.isClosed() {
		t.Fatal("new connection must stay open")
	}
	if !reg.IsCurrent("web1", "c2") {
		t.Fatal("new connection should be current")
	}
	if reg.IsCurrent("web1", "c1") {
		t.Fatal("old connection must not be current")
	}

	// The superseded session's release must not disturb the new session.
	reg.Release(ctx, oldSess)
	if !reg.IsCurrent("web1", "c2") {
		t.Fatal("release of superseded session displaced the current one")
	}
	h, err := repo.GetHost(ctx, "web1")
	if err != nil {
		t.Fatalf("get host: %v", err)
	}
	if h.State != models.HostOnline {
		t.Fatalf("state = %q, want online after stale release", h.State)
	}
}

func TestReleaseMarksHostDown(t *testing.T) {
	reg, repo := newTestRegistry(t)
	ctx := context.Background()
	if err := repo.CreateHost(ctx, "web1", 0); err != nil {
		t.Fatalf("create host: %v", err)
	}
	sess, err := reg.Admit(ctx, "web1", "c1", &fakeConn{})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}

	reg.Release(ctx, sess)

	if _, ok := reg.Lookup("web1"); ok {
		t.Fatal("session still in table after release")
	}
	h, err := repo.GetHost(ctx, "web1")
	if err != nil {
		t.Fatalf("get host: %v", err)
	}
	if h.State != models.HostDown {
		t.Fatalf("state = %q, want down", h.State)
	}
}

func TestSupersedeGraceDelaysClose(t *testing.T) {
	reg, repo := newTestRegistry(t)
	reg.grace = 50 * time.Millisecond
	ctx := context.Background()
	if err := repo.CreateHost(ctx, "web1", 0); err != nil {
		t.Fatalf("create host: %v", err)
	}

	oldConn := &fakeConn{}
	if _, err := reg.Admit(ctx, "web1", "c1", oldConn); err != nil {
		t.Fatalf("admit old: %v", err)
	}
	if _, err := reg.Admit(ctx, "web1", "c2", &fakeConn{}); err != nil {
		t.Fatalf("admit new: %v", err)
	}

	if oldConn.isClosed() {
		t.Fatal("old connection closed before grace elapsed")
	}
	// The new session is current immediately, before the old one closes.
	if !reg.IsCurrent("web1", "c2") {
		t.Fatal("new connection should be current during grace")
	}

	deadline := time.Now().Add(time.Second)
	for !oldConn.isClosed() {
		if time.Now().After(deadline) {
			t.Fatal("old connection never closed after grace")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSubscribeReceivesStateEvents(t *testing.T) {
	reg, repo := newTestRegistry(t)
	ctx := context.Background()
	if err := repo.CreateHost(ctx, "web1", 0); err != nil {
		t.Fatalf("create host: %v", err)
	}
	events, cancel := reg.Subscribe()
	defer cancel()

	sess, err := reg.Admit(ctx, "web1", "c1", &fakeConn{})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	reg.Release(ctx, sess)

	want := []string{models.HostOnline, models.HostDown}
	for _, state := range want {
		select {
		case ev := <-events:
			if ev.Hostname != "web1" || ev.State != state {
				t.Fatalf("event = %+v, want web1/%s", ev, state)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s event", state)
		}
	}
}
