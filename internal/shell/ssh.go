package shell

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"lookout/internal/fault"
)

// Dialer opens remote shell transport. The production implementation speaks
// SSH; tests substitute fakes.
type Dialer interface {
	// Verify performs a throwaway handshake to check the credential without
	// allocating a PTY.
	Verify(ctx context.Context, addr, username, secret string, timeout time.Duration) error
	Dial(ctx context.Context, addr, username, secret string, timeout time.Duration) (RemoteSession, error)
}

// RemoteSession is one interactive shell on the destination host.
type RemoteSession interface {
	Start(cols, rows int) error
	Stdin() io.Writer
	Stdout() io.Reader
	Stderr() io.Reader
	Resize(cols, rows int) error
	Close() error
}

// SSHDialer implements Dialer over golang.org/x/crypto/ssh with password
// authentication. Destination hosts are agent-bearing machines the operator
// already controls; host keys are not pinned here.
type SSHDialer struct{}

func (SSHDialer) Verify(ctx context.Context, addr, username, secret string, timeout time.Duration) error {
	client, err := dialSSH(ctx, addr, username, secret, timeout)
	if err != nil {
		return err
	}
	return client.Close()
}

func (SSHDialer) Dial(ctx context.Context, addr, username, secret string, timeout time.Duration) (RemoteSession, error) {
	client, err := dialSSH(ctx, addr, username, secret, timeout)
	if err != nil {
		return nil, err
	}
	sess, err := client.NewSession()
	if err != nil {
		_ = client.Close()
		return nil, fault.Wrap(err, fault.UpstreamUnavailable, "open session on "+addr)
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		_ = sess.Close()
		_ = client.Close()
		return nil, err
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		_ = sess.Close()
		_ = client.Close()
		return nil, err
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		_ = sess.Close()
		_ = client.Close()
		return nil, err
	}
	return &sshSession{client: client, sess: sess, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

func dialSSH(ctx context.Context, addr, username, secret string, timeout time.Duration) (*ssh.Client, error) {
	cfg := &ssh.ClientConfig{
		User:            username,
		Auth:            []ssh.AuthMethod{ssh.Password(secret)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // see SSHDialer doc
		Timeout:         timeout,
	}

	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, classifyDialError(addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, classifyHandshakeError(addr, err)
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

func classifyDialError(addr string, err error) error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return fault.Wrap(err, fault.Timeout, "connecting to "+addr)
	}
	return fault.Wrap(err, fault.UpstreamUnavailable, "connecting to "+addr)
}

func classifyHandshakeError(addr string, err error) error {
	msg := err.Error()
	if strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "no supported methods") {
		return fault.Wrap(err, fault.AuthFailed, "authentication rejected by "+addr)
	}
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "i/o timeout") {
		return fault.Wrap(err, fault.Timeout, "handshake with "+addr)
	}
	return fault.Wrap(err, fault.UpstreamUnavailable, "handshake with "+addr)
}

type sshSession struct {
	client *ssh.Client
	sess   *ssh.Session
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader
}

func (s *sshSession) Start(cols, rows int) error {
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := s.sess.RequestPty("xterm-256color", rows, cols, modes); err != nil {
		return fmt.Errorf("request pty: %w", err)
	}
	if err := s.sess.Shell(); err != nil {
		return fmt.Errorf("start shell: %w", err)
	}
	return nil
}

func (s *sshSession) Stdin() io.Writer  { return s.stdin }
func (s *sshSession) Stdout() io.Reader { return s.stdout }
func (s *sshSession) Stderr() io.Reader { return s.stderr }

func (s *sshSession) Resize(cols, rows int) error {
	return s.sess.WindowChange(rows, cols)
}

func (s *sshSession) Close() error {
	_ = s.stdin.Close()
	_ = s.sess.Close()
	return s.client.Close()
}
