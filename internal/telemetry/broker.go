// Package telemetry polls online agents for metric snapshots, ingests their
// replies, and fans change notifications out to dashboard subscribers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"lookout/internal/db"
	"lookout/internal/fault"
	"lookout/internal/models"
	"lookout/internal/protocol"
	"lookout/internal/registry"
)

// Change tells a dashboard subscriber to re-read the aggregate view. The raw
// payload is never forwarded, which keeps the wire format out of the read API.
type Change struct {
	Hostname string
	Kind     string // "state" or "snapshot"
}

type Broker struct {
	repo     *db.Repository
	reg      *registry.Registry
	log      *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	subs    map[int]chan Change
	nextSub int
}

func NewBroker(repo *db.Repository, reg *registry.Registry, interval time.Duration, logger *slog.Logger) *Broker {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	return &Broker{
		repo:     repo,
		reg:      reg,
		log:      logger,
		interval: interval,
		now:      time.Now,
		subs:     make(map[int]chan Change),
	}
}

// Run drives the recurring snapshot broadcast. The timer suspends while no
// session is online and re-arms on the next admission, so an idle broker does
// not wake up to do nothing.
func (b *Broker) Run(ctx context.Context) {
	events, cancel := b.reg.Subscribe()
	defer cancel()

	timer := time.NewTimer(b.interval)
	defer timer.Stop()
	suspended := false

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			b.publish(Change{Hostname: ev.Hostname, Kind: "state"})
			if ev.State == models.HostOnline && suspended {
				suspended = false
				timer.Reset(b.interval)
			}
		case <-timer.C:
			if b.reg.OnlineCount() == 0 {
				suspended = true
				b.log.Debug("telemetry broadcast suspended, no online sessions")
				continue
			}
			b.broadcast(ctx)
			timer.Reset(b.interval)
		}
	}
}

// RequestSnapshot pushes a report request to one agent. A failed send means
// the connection is dead even if the transport has not noticed yet, so the
// session is released and the host goes down.
func (b *Broker) RequestSnapshot(ctx context.Context, hostname string) {
	s, ok := b.reg.Lookup(hostname)
	if !ok {
		return
	}
	if err := s.Send(protocol.NewEnvelope(protocol.TypeRequestSnapshot, nil)); err != nil {
		b.log.Warn("snapshot request failed, releasing session", "hostname", hostname, "err", err)
		b.reg.Release(ctx, s)
	}
}

func (b *Broker) broadcast(ctx context.Context) {
	for _, s := range b.reg.OnlineSessions() {
		if err := s.Send(protocol.NewEnvelope(protocol.TypeRequestSnapshot, nil)); err != nil {
			b.log.Warn("snapshot request failed, releasing session", "hostname", s.Hostname, "err", err)
			b.reg.Release(ctx, s)
		}
	}
}

// Ingest applies a snapshot reported by an agent. Payloads arriving on a
// connection the registry no longer associates with the hostname are rejected
// with StaleConnection; a superseded agent's in-flight reply must never land
// after a newer session has taken over.
func (b *Broker) Ingest(ctx context.Context, hostname, connID string, p protocol.SnapshotPayload) error {
	if !b.reg.IsCurrent(hostname, connID) {
		return fault.New(fault.StaleConnection, "snapshot from superseded connection for "+hostname)
	}
	snap := models.Snapshot{
		Hostname:       hostname,
		CPUPct:         p.CPUPct,
		MemUsedBytes:   p.MemUsedBytes,
		MemTotalBytes:  p.MemTotalBytes,
		DiskUsedBytes:  p.DiskUsedBytes,
		DiskTotalBytes: p.DiskTotalBytes,
		NetRXBytes:     p.NetRXBytes,
		NetTXBytes:     p.NetTXBytes,
		UptimeSec:      p.UptimeSec,
		ReportedAt:     b.now().UTC(),
	}
	if err := b.repo.UpsertSnapshot(ctx, snap); err != nil {
		return err
	}
	if err := b.repo.SetHostState(ctx, hostname, models.HostOnline); err != nil {
		b.log.Warn("keep host online", "hostname", hostname, "err", err)
	}
	b.publish(Change{Hostname: hostname, Kind: "snapshot"})
	return nil
}

// Subscribe returns the dashboard change stream and its cancel func.
// Publishing never blocks.
func (b *Broker) Subscribe() (<-chan Change, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextSub
	b.nextSub++
	ch := make(chan Change, 32)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

func (b *Broker) publish(c Change) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- c:
		default:
		}
	}
}
