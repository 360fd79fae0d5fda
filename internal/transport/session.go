// Package transport owns the single logical connection to the remote
// system: connect/reconnect lifecycle, raw send, and the inbound event
// stream. Queueing on failure is the caller's concern; Send fails fast
// when disconnected.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matheus3301/msgsync/internal/backoff"
	"github.com/matheus3301/msgsync/internal/status"
	"github.com/matheus3301/msgsync/internal/wire"
	"go.uber.org/zap"
)

// ErrNotConnected is returned by Send when there is no live connection.
// Callers queue the operation instead of surfacing an error.
var ErrNotConnected = errors.New("transport not connected")

// Conn is the subset of *websocket.Conn the session uses. Tests provide
// fakes; gorilla's connection satisfies it directly.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer establishes connections. The default wraps gorilla's dialer.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

type wsDialer struct{}

func (wsDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Session owns exactly one logical connection.
type Session struct {
	url     string
	dialer  Dialer
	machine *status.ConnMachine
	policy  backoff.Policy
	logger  *zap.Logger

	events chan *wire.Event

	mu   sync.RWMutex
	conn Conn

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a transport session. A nil dialer uses gorilla/websocket.
func New(url string, dialer Dialer, machine *status.ConnMachine, policy backoff.Policy, logger *zap.Logger) *Session {
	if dialer == nil {
		dialer = wsDialer{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		url:     url,
		dialer:  dialer,
		machine: machine,
		policy:  policy,
		logger:  logger,
		events:  make(chan *wire.Event, 256),
		done:    make(chan struct{}),
	}
}

// Events returns the inbound event stream. Closed when the session stops.
func (s *Session) Events() <-chan *wire.Event {
	return s.events
}

// State returns the current connection state.
func (s *Session) State() status.ConnState {
	return s.machine.Current()
}

// Send transmits an operation on the live connection. Fails fast with
// ErrNotConnected when there is none.
func (s *Session) Send(op *wire.Operation) error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := wire.EncodeOperation(op)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// Start runs the connect/reconnect loop in the background.
func (s *Session) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.run(ctx)
}

// Stop terminates the session and closes the event stream.
func (s *Session) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.events)

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		_ = s.machine.Transition(status.Connecting)
		conn, err := s.dialer.Dial(ctx, s.url)
		if err != nil {
			_ = s.machine.Transition(status.Disconnected)
			delay := s.policy.Delay(attempt)
			attempt++
			s.logger.Warn("connect failed",
				zap.Error(err),
				zap.Int("attempt", attempt),
				zap.Duration("retry_in", delay))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			continue
		}

		attempt = 0
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		_ = s.machine.Transition(status.Connected)
		s.logger.Info("connected", zap.String("url", s.url))

		// ReadMessage only unblocks on a closed connection, so shutdown
		// has to close it.
		watcherDone := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				_ = conn.Close()
			case <-watcherDone:
			}
		}()

		s.readLoop(ctx, conn)
		close(watcherDone)

		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		_ = s.machine.Transition(status.Disconnected)
		s.logger.Warn("connection lost")
	}
}

// readLoop decodes inbound events until the connection errors.
func (s *Session) readLoop(ctx context.Context, conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		evt, err := wire.DecodeEvent(data)
		if err != nil {
			s.logger.Warn("dropping undecodable event", zap.Error(err))
			continue
		}
		select {
		case s.events <- evt:
		case <-ctx.Done():
			return
		}
	}
}
