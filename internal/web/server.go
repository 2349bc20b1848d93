package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"lookout/internal/auth"
	"lookout/internal/db"
	"lookout/internal/fault"
	"lookout/internal/geo"
	"lookout/internal/models"
	"lookout/internal/probe"
	"lookout/internal/registry"
	"lookout/internal/shell"
	"lookout/internal/telemetry"
)

type Server struct {
	repo       *db.Repository
	reg        *registry.Registry
	broker     *telemetry.Broker
	scheduler  *probe.Scheduler
	vault      *shell.Vault
	dialer     shell.Dialer
	auth       *auth.Service
	geo        *geo.Resolver
	log        *slog.Logger
	upgrader   websocket.Upgrader
	sshTimeout time.Duration
}

func NewServer(repo *db.Repository, reg *registry.Registry, broker *telemetry.Broker, scheduler *probe.Scheduler,
	vault *shell.Vault, dialer shell.Dialer, authSvc *auth.Service, geoResolver *geo.Resolver,
	wsOrigins []string, sshTimeout time.Duration, logger *slog.Logger,
) *Server {
	return &Server{
		repo:       repo,
		reg:        reg,
		broker:     broker,
		scheduler:  scheduler,
		vault:      vault,
		dialer:     dialer,
		auth:       authSvc,
		geo:        geoResolver,
		log:        logger,
		upgrader:   makeUpgrader(wsOrigins),
		sshTimeout: sshTimeout,
	}
}

// makeUpgrader builds a websocket upgrader with origin checking. An empty or
// "*" list allows everything; requests without an Origin header (agents) are
// always allowed.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return originSet[origin]
		},
	}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/hosts", s.handleListHosts)
	mux.HandleFunc("POST /api/hosts", s.requireAuth(s.handleCreateHost))
	mux.HandleFunc("DELETE /api/hosts/{name}", s.requireAuth(s.handleDeleteHost))
	mux.HandleFunc("POST /api/hosts/order", s.requireAuth(s.handleReorderHosts))

	mux.HandleFunc("GET /api/targets", s.handleListTargets)
	mux.HandleFunc("POST /api/targets", s.requireAuth(s.handleCreateTarget))
	mux.HandleFunc("PUT /api/targets/{id}", s.requireAuth(s.handleUpdateTarget))
	mux.HandleFunc("DELETE /api/targets/{id}", s.requireAuth(s.handleDeleteTarget))
	mux.HandleFunc("GET /api/targets/{id}/samples", s.handleTargetSamples)

	mux.HandleFunc("POST /api/credentials", s.requireAuth(s.handleCreateCredential))
	mux.HandleFunc("DELETE /api/credentials/{host}", s.requireAuth(s.handleDeleteCredential))

	mux.HandleFunc("POST /api/auth/secret", s.handleSetSecret)
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)

	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("GET /api/agent/ws", s.handleAgentWS)
	mux.HandleFunc("GET /api/shell/ws", s.handleShellWS)

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)

	return logMiddleware(mux, s.log)
}

// requireAuth gates write-API handlers behind an operator token. Until an
// administrative secret has been set the gate stays open so the instance can
// be bootstrapped.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hasSecret, err := s.auth.HasSecret(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if hasSecret && !s.auth.Verify(bearerToken(r)) {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		next(w, r)
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// --- hosts ---

type hostView struct {
	Hostname    string        `json:"hostname"`
	State       string        `json:"state"`
	SortWeight  int           `json:"sortWeight"`
	FirstSeenAt time.Time     `json:"firstSeenAt"`
	PublicAddr  string        `json:"publicAddr,omitempty"`
	PrivateAddr string        `json:"privateAddr,omitempty"`
	CountryCode string        `json:"countryCode,omitempty"`
	Snapshot    *snapshotView `json:"snapshot,omitempty"`
	HasShell    bool          `json:"hasShellCredential"`
}

type snapshotView struct {
	CPUPct         float64   `json:"cpuPct"`
	MemUsedBytes   int64     `json:"memUsedBytes"`
	MemTotalBytes  int64     `json:"memTotalBytes"`
	DiskUsedBytes  int64     `json:"diskUsedBytes"`
	DiskTotalBytes int64     `json:"diskTotalBytes"`
	NetRXBytes     int64     `json:"netRxBytes"`
	NetTXBytes     int64     `json:"netTxBytes"`
	UptimeSec      int64     `json:"uptimeSec"`
	ReportedAt     time.Time `json:"reportedAt"`
}

// handleListHosts serves the merged live / last-known-good view: a host that
// went down keeps showing its last snapshot instead of blanks.
func (s *Server) handleListHosts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	hosts, err := s.repo.ListHosts(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	snaps, err := s.repo.ListSnapshots(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]hostView, 0, len(hosts))
	for _, h := range hosts {
		v := hostView{
			Hostname:    h.Hostname,
			State:       h.State,
			SortWeight:  h.SortWeight,
			FirstSeenAt: h.FirstSeenAt,
			PublicAddr:  h.PublicAddr,
			PrivateAddr: h.PrivateAddr,
			CountryCode: h.CountryCode,
		}
		if _, ok := s.reg.Lookup(h.Hostname); ok {
			v.State = models.HostOnline
		}
		if snap, ok := snaps[h.Hostname]; ok {
			v.Snapshot = &snapshotView{
				CPUPct:         snap.CPUPct,
				MemUsedBytes:   snap.MemUsedBytes,
				MemTotalBytes:  snap.MemTotalBytes,
				DiskUsedBytes:  snap.DiskUsedBytes,
				DiskTotalBytes: snap.DiskTotalBytes,
				NetRXBytes:     snap.NetRXBytes,
				NetTXBytes:     snap.NetTXBytes,
				UptimeSec:      snap.UptimeSec,
				ReportedAt:     snap.ReportedAt,
			}
		}
		if _, err := s.repo.GetCredential(ctx, h.Hostname); err == nil {
			v.HasShell = true
		}
		out = append(out, v)
	}
	writeJSON(w, out)
}

func (s *Server) handleCreateHost(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Hostname   string `json:"hostname"`
		SortWeight int    `json:"sortWeight"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	req.Hostname = strings.TrimSpace(req.Hostname)
	if req.Hostname == "" {
		writeError(w, http.StatusBadRequest, "hostname is required")
		return
	}
	if err := s.repo.CreateHost(r.Context(), req.Hostname, req.SortWeight); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, map[string]string{"hostname": req.Hostname, "state": models.HostPending})
}

// handleDeleteHost removes the host and everything keyed by it: samples,
// snapshot, credential, and any live session.
func (s *Server) handleDeleteHost(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if sess, ok := s.reg.Lookup(name); ok {
		s.reg.Release(r.Context(), sess)
	}
	if err := s.repo.DeleteHost(r.Context(), name); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReorderHosts(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Hostnames []string `json:"hostnames"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if err := s.repo.ReorderHosts(r.Context(), req.Hostnames); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- probe targets ---

type targetView struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Addr        string `json:"addr"`
	Port        int    `json:"port"`
	IntervalSec int    `json:"intervalSec"`
	Enabled     bool   `json:"enabled"`
	SortWeight  int    `json:"sortWeight"`
}

func (s *Server) handleListTargets(w http.ResponseWriter, r *http.Request) {
	targets, err := s.repo.ListTargets(r.Context(), false)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]targetView, 0, len(targets))
	for _, t := range targets {
		out = append(out, targetView(t))
	}
	writeJSON(w, out)
}

func decodeTarget(r *http.Request) (models.ProbeTarget, error) {
	var v targetView
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		return models.ProbeTarget{}, err
	}
	t := models.ProbeTarget(v)
	if strings.TrimSpace(t.Addr) == "" {
		return models.ProbeTarget{}, fmt.Errorf("addr is required")
	}
	if t.IntervalSec <= 0 {
		t.IntervalSec = 60
	}
	if t.Name == "" {
		t.Name = t.Addr
	}
	return t, nil
}

func (s *Server) handleCreateTarget(w http.ResponseWriter, r *http.Request) {
	t, err := decodeTarget(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := s.scheduler.CreateTarget(r.Context(), t)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, map[string]int64{"id": id})
}

func (s *Server) handleUpdateTarget(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid target id")
		return
	}
	t, err := decodeTarget(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	t.ID = id
	if err := s.scheduler.UpdateTarget(r.Context(), t); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteTarget(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid target id")
		return
	}
	if err := s.scheduler.DeleteTarget(r.Context(), id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTargetSamples(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid target id")
		return
	}
	hostname := r.URL.Query().Get("host")
	rng := parseRange(r.URL.Query().Get("range"), s.scheduler.Retention())
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	samples, err := s.scheduler.Samples(r.Context(), id, hostname, rng, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	type sampleView struct {
		Hostname   string    `json:"hostname"`
		TargetID   int64     `json:"targetId"`
		LatencyMS  float64   `json:"latencyMs"`
		Failed     bool      `json:"failed"`
		ReportedAt time.Time `json:"reportedAt"`
	}
	out := make([]sampleView, 0, len(samples))
	for _, smp := range samples {
		out = append(out, sampleView{
			Hostname:   smp.Hostname,
			TargetID:   smp.TargetID,
			LatencyMS:  smp.LatencyMS,
			Failed:     smp.Failed(),
			ReportedAt: smp.ReportedAt,
		})
	}
	writeJSON(w, out)
}

// --- credentials & auth ---

// handleCreateCredential stores a shell credential without going through a
// manual login, so hosts can be provisioned for automatic sessions up front.
func (s *Server) handleCreateCredential(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Hostname string `json:"hostname"`
		Username string `json:"username"`
		Secret   string `json:"secret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if req.Hostname == "" || req.Username == "" || req.Secret == "" {
		writeError(w, http.StatusBadRequest, "hostname, username and secret are required")
		return
	}
	if _, err := s.repo.GetHost(r.Context(), req.Hostname); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.vault.Store(r.Context(), models.ShellCredential{
		Hostname: req.Hostname,
		Username: req.Username,
		Secret:   req.Secret,
	}); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	if err := s.vault.Invalidate(r.Context(), r.PathValue("host")); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSetSecret sets the administrative secret. Once one exists, changing
// it requires a valid token.
func (s *Server) handleSetSecret(w http.ResponseWriter, r *http.Request) {
	hasSecret, err := s.auth.HasSecret(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if hasSecret && !s.auth.Verify(bearerToken(r)) {
		writeError(w, http.StatusUnauthorized, "invalid or expired token")
		return
	}
	var req struct {
		Secret string `json:"secret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Secret) < 8 {
		writeError(w, http.StatusBadRequest, "secret must be at least 8 characters")
		return
	}
	if err := s.auth.SetSecret(r.Context(), req.Secret); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Secret string `json:"secret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	token, err := s.auth.Login(r.Context(), req.Secret)
	if err != nil {
		if fault.Is(err, fault.AuthFailed) || errors.Is(err, auth.ErrNoSecret) {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"token": token})
}

// --- change notification stream ---

// handleEvents serves the dashboard change stream as server-sent events.
// Subscribers re-read the aggregate view on each event instead of receiving
// raw payloads.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	changes, cancel := s.broker.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case c, ok := <-changes:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", c.Kind, c.Hostname)
			flusher.Flush()
		}
	}
}

// --- health ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.DB().PingContext(r.Context()); err != nil {
		http.Error(w, "db not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func parseRange(v string, max time.Duration) time.Duration {
	if v == "" {
		return max
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 || d > max {
		return max
	}
	return d
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
