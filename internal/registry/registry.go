// Package registry owns the hostname -> live session table. All admission,
// supersession and release flows through here, which is what keeps the
// one-session-per-hostname invariant enforced in a single place.
package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"lookout/internal/db"
	"lookout/internal/fault"
	"lookout/internal/models"
	"lookout/internal/protocol"
)

// Conn is the transport handle for one agent connection. The web layer wraps
// a websocket; tests substitute fakes.
type Conn interface {
	Send(env protocol.Envelope) error
	Close(reason string) error
}

// Session binds a hostname to its current connection. At most one exists per
// hostname at any instant.
type Session struct {
	Hostname string
	ConnID   string

	conn      Conn
	closeOnce sync.Once
}

func (s *Session) Send(env protocol.Envelope) error { return s.conn.Send(env) }

// Close tears down the underlying connection exactly once.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() { _ = s.conn.Close(reason) })
}

// Event announces a host state transition to subscribers (telemetry broker,
// probe scheduler, dashboard notification stream).
type Event struct {
	Hostname string
	State    string
}

type Registry struct {
	repo  *db.Repository
	log   *slog.Logger
	grace time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
	subs     map[int]chan Event
	nextSub  int
}

// New builds a registry. grace delays closing a superseded session's handle;
// zero closes it immediately. The new session is installed first either way,
// so two sessions are never simultaneously current.
func New(repo *db.Repository, grace time.Duration, logger *slog.Logger) *Registry {
	return &Registry{
		repo:     repo,
		log:      logger,
		grace:    grace,
		sessions: make(map[string]*Session),
		subs:     make(map[int]chan Event),
	}
}

// Admit installs a new session for hostname. The hostname must already be
// provisioned as a host; otherwise the connection is rejected with
// NotProvisioned. Any pre-existing session for the hostname is superseded:
// removed from the table before the new one is visible, its handle closed.
func (r *Registry) Admit(ctx context.Context, hostname, connID string, conn Conn) (*Session, error) {
	ok, err := r.repo.HostExists(ctx, hostname)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fault.New(fault.NotProvisioned, "hostname "+hostname+" is not provisioned")
	}

	s := &Session{Hostname: hostname, ConnID: connID, conn: conn}

	r.mu.Lock()
	prev := r.sessions[hostname]
	r.sessions[hostname] = s
	r.mu.Unlock()

	if prev != nil {
		r.log.Info("session superseded", "hostname", hostname, "old_conn", prev.ConnID, "new_conn", connID)
		if r.grace > 0 {
			time.AfterFunc(r.grace, func() { prev.Close("superseded") })
		} else {
			prev.Close("superseded")
		}
	}

	if err := r.repo.SetHostState(ctx, hostname, models.HostOnline); err != nil {
		r.log.Error("set host online", "hostname", hostname, "err", err)
	}
	r.publish(Event{Hostname: hostname, State: models.HostOnline})
	r.log.Info("agent admitted", "hostname", hostname, "conn", connID)
	return s, nil
}

// Release retires a session when its connection ends. If the table no longer
// points at this exact session it was superseded, and the newer session's
// state must not be disturbed: only the handle is closed.
func (r *Registry) Release(ctx context.Context, s *Session) {
	r.mu.Lock()
	current := r.sessions[s.Hostname] == s
	if current {
		delete(r.sessions, s.Hostname)
	}
	r.mu.Unlock()

	s.Close("released")
	if !current {
		r.log.Info("superseded session released, skipping state change", "hostname", s.Hostname, "conn", s.ConnID)
		return
	}

	if err := r.repo.SetHostState(ctx, s.Hostname, models.HostDown); err != nil {
		r.log.Error("set host down", "hostname", s.Hostname, "err", err)
	}
	r.publish(Event{Hostname: s.Hostname, State: models.HostDown})
	r.log.Info("agent released", "hostname", s.Hostname, "conn", s.ConnID)
}

// Lookup returns the live session for hostname, if any.
func (r *Registry) Lookup(hostname string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[hostname]
	return s, ok
}

// IsCurrent reports whether connID is the connection the registry currently
// associates with hostname. Ingest and probe results are gated on this.
func (r *Registry) IsCurrent(hostname, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[hostname]
	return ok && s.ConnID == connID
}

// CurrentState merges the live table with the stored lifecycle state: a
// hostname with a live session is online regardless of what a lagging write
// left in the store.
func (r *Registry) CurrentState(ctx context.Context, hostname string) (string, error) {
	if _, ok := r.Lookup(hostname); ok {
		return models.HostOnline, nil
	}
	h, err := r.repo.GetHost(ctx, hostname)
	if err != nil {
		return "", err
	}
	return h.State, nil
}

// OnlineSessions snapshots the current session set for broadcast fan-out.
func (r *Registry) OnlineSessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

func (r *Registry) OnlineCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Subscribe returns a change-event channel and a cancel func. Publishing
// never blocks; a subscriber that falls behind loses events rather than
// stalling admissions.
func (r *Registry) Subscribe() (<-chan Event, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextSub
	r.nextSub++
	ch := make(chan Event, 16)
	r.subs[id] = ch
	return ch, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if c, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(c)
		}
	}
}

func (r *Registry) publish(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// CloseAll tears down every live session, used on shutdown.
func (r *Registry) CloseAll(reason string) {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()
	for _, s := range sessions {
		s.Close(reason)
	}
}
