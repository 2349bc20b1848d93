// Package probe maintains the authoritative latency-check target set,
// distributes it to online agents, and collects their timestamped results.
// Agents run the per-target timers; the broker only owns the set.
package probe

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"lookout/internal/db"
	"lookout/internal/fault"
	"lookout/internal/models"
	"lookout/internal/protocol"
	"lookout/internal/registry"
)

type Scheduler struct {
	repo      *db.Repository
	reg       *registry.Registry
	log       *slog.Logger
	retention time.Duration
	cacheTTL  time.Duration
	now       func() time.Time

	group singleflight.Group

	mu          sync.Mutex
	cached      []protocol.TargetEntry
	cacheExpiry time.Time
}

func NewScheduler(repo *db.Repository, reg *registry.Registry, retention, cacheTTL time.Duration, logger *slog.Logger) *Scheduler {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Second
	}
	return &Scheduler{
		repo:      repo,
		reg:       reg,
		log:       logger,
		retention: retention,
		cacheTTL:  cacheTTL,
		now:       time.Now,
	}
}

// Retention is the maximum sample age served by the read API.
func (s *Scheduler) Retention() time.Duration { return s.retention }

// ActiveTargets returns the enabled target list, served from a short-lived
// cache so distribution events do not hammer the store. Concurrent misses
// collapse into one query.
func (s *Scheduler) ActiveTargets(ctx context.Context) ([]protocol.TargetEntry, error) {
	s.mu.Lock()
	if s.cached != nil && s.now().Before(s.cacheExpiry) {
		out := s.cached
		s.mu.Unlock()
		return out, nil
	}
	s.mu.Unlock()

	v, err, _ := s.group.Do("targets", func() (any, error) {
		targets, err := s.repo.ListTargets(ctx, true)
		if err != nil {
			return nil, err
		}
		entries := make([]protocol.TargetEntry, 0, len(targets))
		for _, t := range targets {
			entries = append(entries, protocol.TargetEntry{
				ID:          t.ID,
				Addr:        t.Addr,
				Port:        t.Port,
				IntervalSec: t.IntervalSec,
			})
		}
		s.mu.Lock()
		s.cached = entries
		s.cacheExpiry = s.now().Add(s.cacheTTL)
		s.mu.Unlock()
		return entries, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]protocol.TargetEntry), nil
}

// Invalidate drops the cached target list so the next distribution re-reads
// the store.
func (s *Scheduler) Invalidate() {
	s.mu.Lock()
	s.cached = nil
	s.mu.Unlock()
}

// --- target mutations; every change pushes the complete list ---

func (s *Scheduler) CreateTarget(ctx context.Context, t models.ProbeTarget) (int64, error) {
	id, err := s.repo.CreateTarget(ctx, t)
	if err != nil {
		return 0, err
	}
	s.targetsChanged(ctx)
	return id, nil
}

func (s *Scheduler) UpdateTarget(ctx context.Context, t models.ProbeTarget) error {
	if err := s.repo.UpdateTarget(ctx, t); err != nil {
		return err
	}
	s.targetsChanged(ctx)
	return nil
}

// DeleteTarget removes the target and all of its samples immediately; the
// next distributed list excludes it with no grace period.
func (s *Scheduler) DeleteTarget(ctx context.Context, id int64) error {
	if err := s.repo.DeleteTarget(ctx, id); err != nil {
		return err
	}
	s.targetsChanged(ctx)
	return nil
}

func (s *Scheduler) targetsChanged(ctx context.Context) {
	s.Invalidate()
	s.DistributeAll(ctx)
}

// DistributeAll pushes the complete target list to every online session.
// Agents replace their timer set wholesale, so redundant pushes are harmless.
func (s *Scheduler) DistributeAll(ctx context.Context) {
	targets, err := s.ActiveTargets(ctx)
	if err != nil {
		s.log.Error("load active targets", "err", err)
		return
	}
	env := protocol.NewEnvelope(protocol.TypeSetActiveTargets, protocol.SetActiveTargets{Targets: targets})
	for _, sess := range s.reg.OnlineSessions() {
		if err := sess.Send(env); err != nil {
			s.log.Warn("distribute targets failed, releasing session", "hostname", sess.Hostname, "err", err)
			s.reg.Release(ctx, sess)
		}
	}
}

// DistributeTo pushes the current list to a single session, used right after
// admission.
func (s *Scheduler) DistributeTo(ctx context.Context, hostname string) {
	sess, ok := s.reg.Lookup(hostname)
	if !ok {
		return
	}
	targets, err := s.ActiveTargets(ctx)
	if err != nil {
		s.log.Error("load active targets", "err", err)
		return
	}
	if err := sess.Send(protocol.NewEnvelope(protocol.TypeSetActiveTargets, protocol.SetActiveTargets{Targets: targets})); err != nil {
		s.log.Warn("distribute targets failed, releasing session", "hostname", hostname, "err", err)
		s.reg.Release(ctx, sess)
	}
}

// RecordSample stores one probe result. Results from a superseded connection
// are rejected, and results for a target that no longer exists are dropped
// rather than resurrected.
func (s *Scheduler) RecordSample(ctx context.Context, hostname, connID string, res protocol.ProbeResult) error {
	if !s.reg.IsCurrent(hostname, connID) {
		return fault.New(fault.StaleConnection, "probe result from superseded connection for "+hostname)
	}
	reportedAt := s.now().UTC()
	if res.Timestamp > 0 {
		if t := time.UnixMilli(res.Timestamp).UTC(); !t.After(reportedAt) {
			reportedAt = t
		}
	}
	latency := res.LatencyMS
	if res.Failed {
		latency = models.FailedLatencyMS
	}
	err := s.repo.InsertSample(ctx, models.ProbeSample{
		Hostname:   hostname,
		TargetID:   res.TargetID,
		LatencyMS:  latency,
		ReportedAt: reportedAt,
	})
	if errors.Is(err, db.ErrNotFound) {
		s.log.Debug("dropping sample for deleted target", "hostname", hostname, "target", res.TargetID)
		return nil
	}
	return err
}

// Samples serves the per-host probe history, always bounded by the retention
// window regardless of what the caller asks for.
func (s *Scheduler) Samples(ctx context.Context, targetID int64, hostname string, since time.Duration, limit int) ([]models.ProbeSample, error) {
	if since <= 0 || since > s.retention {
		since = s.retention
	}
	return s.repo.SamplesForTarget(ctx, targetID, hostname, s.now().Add(-since), limit)
}

// PruneExpired deletes samples older than the retention window. Runs on the
// app's fixed schedule and is a no-op when nothing qualifies.
func (s *Scheduler) PruneExpired(ctx context.Context) {
	cutoff := s.now().UTC().Add(-s.retention)
	n, err := s.repo.DeleteSamplesBefore(ctx, cutoff)
	if err != nil {
		s.log.Error("prune samples", "err", err)
		return
	}
	if n > 0 {
		s.log.Info("pruned probe samples", "count", n, "cutoff", cutoff)
	}
}
