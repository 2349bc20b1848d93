package web

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"lookout/internal/models"
	"lookout/internal/protocol"
	"lookout/internal/shell"
)

// wsShellChannel adapts a websocket to the relay's OperatorChannel.
type wsShellChannel struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *wsShellChannel) ReadFrame() (protocol.ShellFrame, error) {
	var f protocol.ShellFrame
	err := c.ws.ReadJSON(&f)
	return f, err
}

func (c *wsShellChannel) WriteFrame(f protocol.ShellFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(agentWriteWait))
	return c.ws.WriteJSON(f)
}

func (c *wsShellChannel) Close() error {
	c.mu.Lock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(agentWriteWait))
	_ = c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.mu.Unlock()
	return c.ws.Close()
}

// handleShellWS opens an interactive shell to a monitored host. Login
// parameters ride the query string because browsers cannot set headers on
// websocket upgrades; the log middleware never records query strings.
func (s *Server) handleShellWS(w http.ResponseWriter, r *http.Request) {
	hasSecret, err := s.auth.HasSecret(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if hasSecret && !s.auth.Verify(bearerToken(r)) {
		writeError(w, http.StatusUnauthorized, "invalid or expired token")
		return
	}

	q := r.URL.Query()
	hostname := q.Get("host")
	if hostname == "" {
		writeError(w, http.StatusBadRequest, "host is required")
		return
	}
	if _, err := s.repo.GetHost(r.Context(), hostname); err != nil {
		http.NotFound(w, r)
		return
	}
	cols, _ := strconv.Atoi(q.Get("cols"))
	rows, _ := strconv.Atoi(q.Get("rows"))
	login := shell.Login{
		Hostname:  hostname,
		Username:  q.Get("username"),
		Secret:    q.Get("secret"),
		Automatic: q.Get("auto") == "1" || q.Get("auto") == "true",
		Cols:      cols,
		Rows:      rows,
	}
	if !login.Automatic && (login.Username == "" || login.Secret == "") {
		writeError(w, http.StatusBadRequest, "username and secret are required for manual login")
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("shell upgrade failed", "err", err)
		return
	}
	ch := &wsShellChannel{ws: ws}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// If the host's agent session drops while the shell is open, tear the
	// shell down with it.
	events, unsubscribe := s.reg.Subscribe()
	defer unsubscribe()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if ev.Hostname == hostname && ev.State == models.HostDown {
					cancel()
					return
				}
			}
		}
	}()

	relay := shell.NewRelay(s.vault, s.dialer, s.sshTimeout, s.log.With("module", "shell"))
	if err := relay.Run(ctx, ch, login); err != nil {
		s.log.Info("shell session ended with error", "hostname", hostname, "err", err)
	}
}
