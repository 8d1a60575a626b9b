// Package redis implements the minimal RESP client the sync protocol needs.
// It is deliberately not a general-purpose Redis client: one connection, one
// command in flight, no pipelining, no pooling, no TLS. Retry policy lives
// with the caller.
package redis

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/dokzlo13/roomsyncd/internal/resp"
)

var (
	// ErrNotConnected is returned when a command is issued on a stopped or
	// never-connected session.
	ErrNotConnected = errors.New("redis: not connected")

	// ErrTimeout is returned when no reply byte arrives within the
	// configured read timeout. Distinct from ErrClosed.
	ErrTimeout = errors.New("redis: read timeout")

	// ErrClosed is returned when the peer closes the connection mid-exchange.
	ErrClosed = errors.New("redis: connection closed")
)

// Session owns a single byte-stream connection and drives the RESP codec
// against it. Send and ReadReply are separate steps so callers can pick
// blocking semantics per command (XREAD carries its own server-side block
// duration on top of the session timeout).
type Session struct {
	mu      sync.Mutex
	conn    net.Conn
	reader  *bufio.Reader
	timeout time.Duration
	lastErr string
}

// NewSession returns a disconnected session with the given read timeout.
func NewSession(timeout time.Duration) *Session {
	return &Session{timeout: timeout}
}

// Connect dials the store and binds the session to the new connection.
// Any previous connection is stopped first.
func (s *Session) Connect(addr string, dialTimeout time.Duration) error {
	s.Stop()

	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		s.setLastErr("dial: " + err.Error())
		return fmt.Errorf("redis: dial %s: %w", addr, err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}

	s.mu.Lock()
	s.conn = conn
	s.reader = bufio.NewReader(conn)
	s.lastErr = ""
	s.mu.Unlock()
	return nil
}

// Connected reports whether the session currently holds a connection.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Stop closes the connection. Safe to call repeatedly and when already
// stopped.
func (s *Session) Stop() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.reader = nil
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// SetTimeout updates the read timeout used by ReadReply.
func (s *Session) SetTimeout(timeout time.Duration) {
	s.mu.Lock()
	s.timeout = timeout
	s.mu.Unlock()
}

// LastError returns the retained error string from the most recent failed
// exchange, empty after a successful one.
func (s *Session) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Session) setLastErr(msg string) {
	s.mu.Lock()
	s.lastErr = msg
	s.mu.Unlock()
}

// Send serializes and writes one command without waiting for the reply.
// Fails immediately when disconnected.
func (s *Session) Send(args ...string) error {
	s.mu.Lock()
	conn := s.conn
	s.lastErr = ""
	s.mu.Unlock()

	if conn == nil {
		s.setLastErr("disconnected")
		return ErrNotConnected
	}

	payload := resp.EncodeCommand(args...)
	if _, err := conn.Write(payload); err != nil {
		s.setLastErr("write: " + err.Error())
		return fmt.Errorf("redis: write %s: %w", args[0], err)
	}
	return nil
}

// ReadReply blocks for up to the configured timeout waiting for one reply.
// Timeouts, peer closes and protocol violations surface as distinct errors;
// all of them leave the retained last-error string set.
func (s *Session) ReadReply() (resp.Reply, error) {
	s.mu.Lock()
	conn := s.conn
	reader := s.reader
	timeout := s.timeout
	s.mu.Unlock()

	if conn == nil {
		s.setLastErr("disconnected")
		return resp.Reply{}, ErrNotConnected
	}

	if timeout > 0 {
		conn.SetReadDeadline(time.Now().Add(timeout))
		defer conn.SetReadDeadline(time.Time{})
	}

	reply, err := resp.ReadReply(reader)
	if err != nil {
		err = classifyReadErr(err)
		s.setLastErr(err.Error())
		return resp.Reply{}, err
	}
	return reply, nil
}

func classifyReadErr(err error) error {
	if errors.Is(err, resp.ErrProtocol) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrClosed, err)
}
