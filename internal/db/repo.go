package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mattn/go-sqlite3"

	"lookout/internal/models"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) DB() *sql.DB { return r.db }

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// --- hosts ---

func (r *Repository) CreateHost(ctx context.Context, hostname string, sortWeight int) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO hosts (hostname,state,sort_weight,first_seen_at)
		VALUES (?,?,?,?)`, hostname, models.HostPending, sortWeight, time.Now().UTC())
	return err
}

func (r *Repository) GetHost(ctx context.Context, hostname string) (models.Host, error) {
	var h models.Host
	err := r.db.QueryRowContext(ctx, `SELECT hostname,state,sort_weight,first_seen_at,public_addr,private_addr,country_code
		FROM hosts WHERE hostname = ?`, hostname).
		Scan(&h.Hostname, &h.State, &h.SortWeight, &h.FirstSeenAt, &h.PublicAddr, &h.PrivateAddr, &h.CountryCode)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Host{}, ErrNotFound
	}
	return h, err
}

func (r *Repository) HostExists(ctx context.Context, hostname string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM hosts WHERE hostname = ?`, hostname).Scan(&n)
	return n > 0, err
}

func (r *Repository) ListHosts(ctx context.Context) ([]models.Host, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT hostname,state,sort_weight,first_seen_at,public_addr,private_addr,country_code
		FROM hosts ORDER BY sort_weight ASC, hostname ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Host
	for rows.Next() {
		var h models.Host
		if err := rows.Scan(&h.Hostname, &h.State, &h.SortWeight, &h.FirstSeenAt, &h.PublicAddr, &h.PrivateAddr, &h.CountryCode); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// DeleteHost removes a host; samples, snapshot and credential go with it via
// foreign-key cascade.
func (r *Repository) DeleteHost(ctx context.Context, hostname string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM hosts WHERE hostname = ?`, hostname)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) SetHostState(ctx context.Context, hostname, state string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE hosts SET state=? WHERE hostname=?`, state, hostname)
	return err
}

func (r *Repository) SetHostAddrs(ctx context.Context, hostname, publicAddr, privateAddr string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE hosts SET public_addr=?, private_addr=? WHERE hostname=?`,
		publicAddr, privateAddr, hostname)
	return err
}

func (r *Repository) SetHostCountry(ctx context.Context, hostname, countryCode string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE hosts SET country_code=? WHERE hostname=?`, countryCode, hostname)
	return err
}

// ReorderHosts assigns sort weights following the given hostname order.
// Hostnames not listed keep their weight.
func (r *Repository) ReorderHosts(ctx context.Context, hostnames []string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for i, name := range hostnames {
		if _, err := tx.ExecContext(ctx, `UPDATE hosts SET sort_weight=? WHERE hostname=?`, i, name); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// --- snapshots ---

// UpsertSnapshot replaces the last-known-good snapshot for a hostname. It is
// only called on accepted live ingest, so a dead session never clears it.
func (r *Repository) UpsertSnapshot(ctx context.Context, s models.Snapshot) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO snapshots
		(hostname,cpu_pct,mem_used_bytes,mem_total_bytes,disk_used_bytes,disk_total_bytes,net_rx_bytes,net_tx_bytes,uptime_sec,reported_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(hostname) DO UPDATE SET
			cpu_pct=excluded.cpu_pct,
			mem_used_bytes=excluded.mem_used_bytes,
			mem_total_bytes=excluded.mem_total_bytes,
			disk_used_bytes=excluded.disk_used_bytes,
			disk_total_bytes=excluded.disk_total_bytes,
			net_rx_bytes=excluded.net_rx_bytes,
			net_tx_bytes=excluded.net_tx_bytes,
			uptime_sec=excluded.uptime_sec,
			reported_at=excluded.reported_at`,
		s.Hostname, s.CPUPct, s.MemUsedBytes, s.MemTotalBytes, s.DiskUsedBytes, s.DiskTotalBytes,
		s.NetRXBytes, s.NetTXBytes, s.UptimeSec, s.ReportedAt.UTC())
	return err
}

func (r *Repository) GetSnapshot(ctx context.Context, hostname string) (models.Snapshot, error) {
	var s models.Snapshot
	err := r.db.QueryRowContext(ctx, `SELECT hostname,cpu_pct,mem_used_bytes,mem_total_bytes,disk_used_bytes,disk_total_bytes,net_rx_bytes,net_tx_bytes,uptime_sec,reported_at
		FROM snapshots WHERE hostname = ?`, hostname).
		Scan(&s.Hostname, &s.CPUPct, &s.MemUsedBytes, &s.MemTotalBytes, &s.DiskUsedBytes, &s.DiskTotalBytes,
			&s.NetRXBytes, &s.NetTXBytes, &s.UptimeSec, &s.ReportedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Snapshot{}, ErrNotFound
	}
	return s, err
}

func (r *Repository) ListSnapshots(ctx context.Context) (map[string]models.Snapshot, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT hostname,cpu_pct,mem_used_bytes,mem_total_bytes,disk_used_bytes,disk_total_bytes,net_rx_bytes,net_tx_bytes,uptime_sec,reported_at FROM snapshots`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]models.Snapshot)
	for rows.Next() {
		var s models.Snapshot
		if err := rows.Scan(&s.Hostname, &s.CPUPct, &s.MemUsedBytes, &s.MemTotalBytes, &s.DiskUsedBytes, &s.DiskTotalBytes,
			&s.NetRXBytes, &s.NetTXBytes, &s.UptimeSec, &s.ReportedAt); err != nil {
			return nil, err
		}
		out[s.Hostname] = s
	}
	return out, rows.Err()
}

// --- probe targets ---

func (r *Repository) CreateTarget(ctx context.Context, t models.ProbeTarget) (int64, error) {
	res, err := r.db.ExecContext(ctx, `INSERT INTO probe_targets (name,addr,port,interval_sec,enabled,sort_weight)
		VALUES (?,?,?,?,?,?)`, t.Name, t.Addr, t.Port, t.IntervalSec, boolInt(t.Enabled), t.SortWeight)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r *Repository) UpdateTarget(ctx context.Context, t models.ProbeTarget) error {
	res, err := r.db.ExecContext(ctx, `UPDATE probe_targets SET name=?,addr=?,port=?,interval_sec=?,enabled=?,sort_weight=? WHERE id=?`,
		t.Name, t.Addr, t.Port, t.IntervalSec, boolInt(t.Enabled), t.SortWeight, t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteTarget removes a target and all of its historical samples in one
// transaction, so a deleted target is never readable through the sample API.
func (r *Repository) DeleteTarget(ctx context.Context, id int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM probe_samples WHERE target_id=?`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM probe_targets WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

func (r *Repository) ListTargets(ctx context.Context, enabledOnly bool) ([]models.ProbeTarget, error) {
	q := `SELECT id,name,addr,port,interval_sec,enabled,sort_weight FROM probe_targets`
	if enabledOnly {
		q += ` WHERE enabled=1`
	}
	q += ` ORDER BY sort_weight ASC, id ASC`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.ProbeTarget
	for rows.Next() {
		var t models.ProbeTarget
		var enabled int
		if err := rows.Scan(&t.ID, &t.Name, &t.Addr, &t.Port, &t.IntervalSec, &enabled, &t.SortWeight); err != nil {
			return nil, err
		}
		t.Enabled = enabled == 1
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- probe samples ---

// InsertSample stores one sample. A foreign-key violation means the host or
// target was deleted since the result was produced; that maps to ErrNotFound
// so callers can drop the orphan instead of treating it as a storage failure.
func (r *Repository) InsertSample(ctx context.Context, s models.ProbeSample) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO probe_samples (hostname,target_id,latency_ms,reported_at)
		VALUES (?,?,?,?)`, s.Hostname, s.TargetID, s.LatencyMS, s.ReportedAt.UTC())
	var serr sqlite3.Error
	if errors.As(err, &serr) && serr.ExtendedCode == sqlite3.ErrConstraintForeignKey {
		return ErrNotFound
	}
	return err
}

// SamplesForTarget returns samples newer than from, optionally scoped to one
// hostname, oldest first.
func (r *Repository) SamplesForTarget(ctx context.Context, targetID int64, hostname string, from time.Time, limit int) ([]models.ProbeSample, error) {
	if limit <= 0 || limit > 10000 {
		limit = 2000
	}
	q := `SELECT hostname,target_id,latency_ms,reported_at FROM probe_samples WHERE target_id=? AND reported_at >= ?`
	args := []any{targetID, from.UTC()}
	if hostname != "" {
		q += ` AND hostname=?`
		args = append(args, hostname)
	}
	q += ` ORDER BY reported_at ASC LIMIT ?`
	args = append(args, limit)
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.ProbeSample, 0, 64)
	for rows.Next() {
		var s models.ProbeSample
		if err := rows.Scan(&s.Hostname, &s.TargetID, &s.LatencyMS, &s.ReportedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *Repository) DeleteSamplesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM probe_samples WHERE reported_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	_, _ = r.db.ExecContext(ctx, `PRAGMA optimize`)
	return n, nil
}

// --- shell credentials ---

func (r *Repository) GetCredential(ctx context.Context, hostname string) (models.ShellCredential, error) {
	var c models.ShellCredential
	err := r.db.QueryRowContext(ctx, `SELECT hostname,username,secret,created_at FROM shell_credentials WHERE hostname=?`, hostname).
		Scan(&c.Hostname, &c.Username, &c.Secret, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ShellCredential{}, ErrNotFound
	}
	return c, err
}

// PutCredential stores the credential for a hostname, replacing any prior one.
func (r *Repository) PutCredential(ctx context.Context, c models.ShellCredential) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO shell_credentials (hostname,username,secret,created_at)
		VALUES (?,?,?,?)
		ON CONFLICT(hostname) DO UPDATE SET username=excluded.username,secret=excluded.secret,created_at=excluded.created_at`,
		c.Hostname, c.Username, c.Secret, time.Now().UTC())
	return err
}

func (r *Repository) DeleteCredential(ctx context.Context, hostname string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM shell_credentials WHERE hostname=?`, hostname)
	return err
}

// --- settings ---

func (r *Repository) GetSetting(ctx context.Context, key string) (string, error) {
	var v string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key=?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return v, err
}

func (r *Repository) PutSetting(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO settings (key,value) VALUES (?,?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value`, key, value)
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
