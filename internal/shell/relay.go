// Package shell bridges an operator-facing duplex channel to an interactive
// remote shell. One Relay handles one terminal session.
package shell

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"lookout/internal/db"
	"lookout/internal/fault"
	"lookout/internal/models"
	"lookout/internal/protocol"
)

// State of one shell session. Rejected is terminal and only reachable from
// Verifying.
type State int

const (
	StateAwaitingCredential State = iota
	StateVerifying
	StateConnected
	StateClosed
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateAwaitingCredential:
		return "awaiting_credential"
	case StateVerifying:
		return "verifying"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// OperatorChannel is the operator-facing side of the relay. The web layer
// backs it with a websocket; tests use in-memory fakes.
type OperatorChannel interface {
	ReadFrame() (protocol.ShellFrame, error)
	WriteFrame(protocol.ShellFrame) error
	Close() error
}

// Login carries what the operator supplied. Automatic logins take the stored
// credential for the host instead of Username/Secret.
type Login struct {
	Hostname  string
	Username  string
	Secret    string
	Automatic bool
	Cols      int
	Rows      int
}

type Relay struct {
	vault   *Vault
	dialer  Dialer
	log     *slog.Logger
	timeout time.Duration

	mu    sync.Mutex
	state State
}

func NewRelay(vault *Vault, dialer Dialer, timeout time.Duration, logger *slog.Logger) *Relay {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Relay{vault: vault, dialer: dialer, log: logger, timeout: timeout, state: StateAwaitingCredential}
}

func (r *Relay) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Relay) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Run drives the session to completion. Whatever happens, both the operator
// channel and any remote session are torn down before it returns.
func (r *Relay) Run(ctx context.Context, ch OperatorChannel, login Login) error {
	defer ch.Close()

	err := r.run(ctx, ch, login)
	if err != nil {
		_ = ch.WriteFrame(protocol.ShellFrame{Type: protocol.ShellError, Message: err.Error()})
	}
	_ = ch.WriteFrame(protocol.ShellFrame{Type: protocol.ShellClose})
	return err
}

func (r *Relay) run(ctx context.Context, ch OperatorChannel, login Login) error {
	r.setState(StateVerifying)

	if login.Automatic {
		cred, err := r.vault.GetReplayableSecret(ctx, login.Hostname)
		if err != nil {
			r.setState(StateRejected)
			if errors.Is(err, db.ErrNotFound) {
				return fault.New(fault.AuthFailed, "no stored credential for "+login.Hostname)
			}
			return err
		}
		login.Username = cred.Username
		login.Secret = cred.Secret
	}

	addr := hostAddr(login.Hostname)

	// Fail fast with a throwaway handshake before allocating a PTY.
	if err := r.dialer.Verify(ctx, addr, login.Username, login.Secret, r.timeout); err != nil {
		r.setState(StateRejected)
		if fault.Is(err, fault.AuthFailed) && login.Automatic {
			// The stored credential is presumed stale.
			if ierr := r.vault.Invalidate(ctx, login.Hostname); ierr != nil {
				r.log.Error("invalidate stale credential", "hostname", login.Hostname, "err", ierr)
			} else {
				r.log.Info("stored credential invalidated after failed automatic login", "hostname", login.Hostname)
			}
		}
		return err
	}

	// A working manual login becomes the stored credential for next time.
	if !login.Automatic {
		if err := r.vault.Store(ctx, models.ShellCredential{
			Hostname: login.Hostname,
			Username: login.Username,
			Secret:   login.Secret,
		}); err != nil {
			r.log.Error("store credential", "hostname", login.Hostname, "err", err)
		}
	}

	sess, err := r.dialer.Dial(ctx, addr, login.Username, login.Secret, r.timeout)
	if err != nil {
		r.setState(StateRejected)
		return err
	}
	defer sess.Close()

	cols, rows := protocol.ClampGeometry(login.Cols, login.Rows)
	if err := sess.Start(cols, rows); err != nil {
		r.setState(StateClosed)
		return fault.Wrap(err, fault.UpstreamUnavailable, "open interactive shell on "+login.Hostname)
	}

	r.setState(StateConnected)
	r.log.Info("shell connected", "hostname", login.Hostname, "user", login.Username, "automatic", login.Automatic)

	err = r.pump(ctx, ch, sess)
	r.setState(StateClosed)
	return err
}

// errPumpDone signals that one direction finished so the group context
// cancels and the teardown goroutine unblocks. It is not a failure.
var errPumpDone = errors.New("shell pump done")

// pump moves bytes both ways until either side closes. Each direction
// reports errPumpDone on exit, which cancels the group context; the last
// goroutine then closes both sides so every other direction unblocks too.
func (r *Relay) pump(ctx context.Context, ch OperatorChannel, sess RemoteSession) error {
	g, ctx := errgroup.WithContext(ctx)

	// remote -> operator
	g.Go(func() error {
		return copyToOperator(ch, sess.Stdout())
	})
	g.Go(func() error {
		return copyToOperator(ch, sess.Stderr())
	})

	// operator -> remote
	g.Go(func() error {
		for {
			frame, err := ch.ReadFrame()
			if err != nil {
				return errPumpDone // operator side closed
			}
			switch frame.Type {
			case protocol.ShellData:
				if _, err := sess.Stdin().Write(frame.Payload); err != nil {
					return errPumpDone
				}
			case protocol.ShellResize:
				cols, rows := protocol.ClampGeometry(frame.Cols, frame.Rows)
				if err := sess.Resize(cols, rows); err != nil {
					r.log.Warn("window change failed", "err", err)
				}
			case protocol.ShellClose:
				return errPumpDone
			}
		}
	})

	// first exit or caller cancellation tears down both sides
	g.Go(func() error {
		<-ctx.Done()
		_ = sess.Close()
		_ = ch.Close()
		return nil
	})

	err := g.Wait()
	if errors.Is(err, errPumpDone) {
		return nil
	}
	return err
}

func copyToOperator(ch OperatorChannel, r io.Reader) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			out := make([]byte, n)
			copy(out, buf[:n])
			if werr := ch.WriteFrame(protocol.ShellFrame{Type: protocol.ShellData, Payload: out}); werr != nil {
				return errPumpDone
			}
		}
		if err != nil {
			return errPumpDone
		}
	}
}

func hostAddr(hostname string) string {
	if _, _, err := net.SplitHostPort(hostname); err == nil {
		return hostname
	}
	return net.JoinHostPort(hostname, "22")
}
