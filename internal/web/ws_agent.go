package web

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"lookout/internal/fault"
	"lookout/internal/protocol"
	"lookout/internal/registry"
)

const (
	agentWriteWait   = 10 * time.Second
	registerDeadline = 15 * time.Second

	// pongWait bounds how long a silent agent stays online; pings go out at
	// 90% of it so a healthy agent always answers in time.
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// wsAgentConn adapts a websocket to the registry's Conn interface. Writes are
// serialized with a mutex; gorilla allows only one concurrent writer.
type wsAgentConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *wsAgentConn) Send(env protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(agentWriteWait))
	return c.ws.WriteJSON(env)
}

func (c *wsAgentConn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(agentWriteWait))
	return c.ws.WriteMessage(websocket.PingMessage, nil)
}

func (c *wsAgentConn) Close(reason string) error {
	c.mu.Lock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(agentWriteWait))
	_ = c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
	c.mu.Unlock()
	return c.ws.Close()
}

// handleAgentWS is the durable agent channel: register handshake, snapshot
// and probe-result ingest, and target distribution.
func (s *Server) handleAgentWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("agent upgrade failed", "err", err)
		return
	}
	conn := &wsAgentConn{ws: ws}

	// The first frame must be a register envelope.
	_ = ws.SetReadDeadline(time.Now().Add(registerDeadline))
	var env protocol.Envelope
	if err := ws.ReadJSON(&env); err != nil || env.Type != protocol.TypeRegister {
		_ = conn.Close("expected register")
		return
	}
	var reg protocol.Register
	if err := json.Unmarshal(env.Payload, &reg); err != nil || reg.Hostname == "" {
		_ = conn.Close("malformed register")
		return
	}

	// After the handshake the read deadline rides on pong replies, so an
	// agent that dies without closing the socket times out instead of
	// staying online forever.
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	connID := uuid.NewString()
	sess, err := s.reg.Admit(r.Context(), reg.Hostname, connID, conn)
	if err != nil {
		ack := protocol.RegisterAck{OK: false, Reason: err.Error()}
		_ = conn.Send(protocol.NewEnvelope(protocol.TypeRegisterAck, ack))
		_ = conn.Close("rejected")
		return
	}
	defer s.reg.Release(context.Background(), sess)

	if err := conn.Send(protocol.NewEnvelope(protocol.TypeRegisterAck, protocol.RegisterAck{OK: true})); err != nil {
		return
	}

	s.recordAddrs(reg.Hostname, remoteIP(r), reg.PrivateAddr)

	// New sessions get the current target set and an immediate snapshot pull
	// so the dashboard fills in without waiting for the next tick.
	s.scheduler.DistributeTo(r.Context(), reg.Hostname)
	s.broker.RequestSnapshot(r.Context(), reg.Hostname)

	stop := make(chan struct{})
	defer close(stop)
	go s.pingAgent(conn, stop)

	s.readAgentLoop(ws, reg.Hostname, connID, conn)
}

// pingAgent keeps the connection's pong clock ticking. A failed ping closes
// the socket, which unblocks the read loop and releases the session.
func (s *Server) pingAgent(conn *wsAgentConn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.Ping(); err != nil {
				_ = conn.ws.Close()
				return
			}
		}
	}
}

// recordAddrs stores the observed public address and agent-reported private
// address, then resolves the country code in the background. Geo failures are
// logged and otherwise ignored.
func (s *Server) recordAddrs(hostname, publicAddr, privateAddr string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := s.repo.SetHostAddrs(ctx, hostname, publicAddr, privateAddr); err != nil {
		s.log.Error("store host addrs", "hostname", hostname, "err", err)
	}
	cancel()

	if s.geo == nil || publicAddr == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		code, err := s.geo.CountryCode(ctx, publicAddr)
		if err != nil {
			s.log.Warn("geo lookup failed", "hostname", hostname, "err", err)
			return
		}
		if code == "" {
			return
		}
		if err := s.repo.SetHostCountry(ctx, hostname, code); err != nil {
			s.log.Error("store country code", "hostname", hostname, "err", err)
		}
	}()
}

func (s *Server) readAgentLoop(ws *websocket.Conn, hostname, connID string, conn registry.Conn) {
	for {
		var env protocol.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Warn("agent read error", "hostname", hostname, "err", err)
			}
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := s.dispatchAgent(ctx, hostname, connID, env)
		cancel()
		if fault.Is(err, fault.StaleConnection) {
			// Tell the superseded agent to reconnect; the current session is
			// untouched.
			_ = conn.Send(protocol.NewEnvelope(protocol.TypeReRegister, nil))
			return
		}
		if err != nil {
			s.log.Error("agent message", "hostname", hostname, "type", env.Type, "err", err)
		}
	}
}

func (s *Server) dispatchAgent(ctx context.Context, hostname, connID string, env protocol.Envelope) error {
	switch env.Type {
	case protocol.TypeSnapshot:
		var p protocol.SnapshotPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		return s.broker.Ingest(ctx, hostname, connID, p)
	case protocol.TypeProbeResult:
		var res protocol.ProbeResult
		if err := json.Unmarshal(env.Payload, &res); err != nil {
			return err
		}
		return s.scheduler.RecordSample(ctx, hostname, connID, res)
	default:
		s.log.Debug("ignoring agent message", "hostname", hostname, "type", env.Type)
		return nil
	}
}
