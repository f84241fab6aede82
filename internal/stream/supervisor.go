// Package stream maintains the persistent websocket feed from the gateway,
// reconnecting with exponential backoff whenever the link drops.
package stream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// State is the externally visible connection lifecycle.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// Conn is the subset of a websocket connection the read loop needs.
type Conn interface {
	ReadMessage() (int, []byte, error)
	Close() error
}

// Dialer opens one connection attempt.
type Dialer func(ctx context.Context) (Conn, error)

// Supervisor owns the feed connection. It dials, pumps frames to OnFrame,
// and on any failure waits out a capped exponential backoff before retrying.
// The backoff attempt counter resets only after a successful dial.
type Supervisor struct {
	Dial    Dialer
	OnFrame func(data []byte)
	OnState func(State)

	BackoffBase time.Duration
	BackoffCap  time.Duration
	Logger      *slog.Logger

	// after is swapped in tests to drive the retry waits synthetically.
	after func(d time.Duration) <-chan time.Time

	mu    sync.Mutex
	state State
}

// NewSupervisor builds a supervisor that dials wsURL with the default
// websocket dialer.
func NewSupervisor(wsURL string, base, limit time.Duration, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		Dial: func(ctx context.Context) (Conn, error) {
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
			if err != nil {
				return nil, err
			}
			return conn, nil
		},
		BackoffBase: base,
		BackoffCap:  limit,
		Logger:      logger.With("component", "stream"),
		after:       time.After,
		state:       StateDisconnected,
	}
}

// Backoff returns the wait before retry attempt n (1-based):
// min(base * 2^(n-1), cap).
func (s *Supervisor) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := s.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= s.BackoffCap {
			return s.BackoffCap
		}
	}
	if d > s.BackoffCap {
		return s.BackoffCap
	}
	return d
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == "" {
		return StateDisconnected
	}
	return s.state
}

// Run drives the connect/read/backoff loop until ctx is canceled.
func (s *Supervisor) Run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			s.setState(StateDisconnected)
			return
		}

		if attempt == 0 {
			s.setState(StateConnecting)
		} else {
			s.setState(StateReconnecting)
		}

		conn, err := s.Dial(ctx)
		if err != nil {
			attempt++
			wait := s.Backoff(attempt)
			s.logger().Warn("feed dial failed",
				"attempt", attempt, "retry_in", wait, "error", err)
			if !s.sleep(ctx, wait) {
				s.setState(StateDisconnected)
				return
			}
			continue
		}

		attempt = 0
		s.setState(StateConnected)
		s.logger().Info("feed connected")

		s.pump(ctx, conn)
		conn.Close()

		if ctx.Err() != nil {
			s.setState(StateDisconnected)
			return
		}

		attempt++
		wait := s.Backoff(attempt)
		s.setState(StateReconnecting)
		s.logger().Warn("feed dropped", "retry_in", wait)
		if !s.sleep(ctx, wait) {
			s.setState(StateDisconnected)
			return
		}
	}
}

// pump reads frames until the connection errors or ctx is canceled. Close on
// cancel unblocks the pending ReadMessage.
func (s *Supervisor) pump(ctx context.Context, conn Conn) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if s.OnFrame != nil {
			s.OnFrame(data)
		}
	}
}

func (s *Supervisor) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-s.afterFn()(d):
		return true
	}
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	changed := s.state != st
	s.state = st
	s.mu.Unlock()
	if changed && s.OnState != nil {
		s.OnState(st)
	}
}

func (s *Supervisor) afterFn() func(time.Duration) <-chan time.Time {
	if s.after != nil {
		return s.after
	}
	return time.After
}

func (s *Supervisor) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
