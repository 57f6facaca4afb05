// Package wsbase runs the session lifecycle shared by the WebSocket transports:
// dial in the background, pump reads and writes, and report exactly one close.
package wsbase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tsarna/signalsock/pkg/signalsock"
	"go.uber.org/zap"
)

var (
	// ErrSessionClosed is returned by Send after the session has closed.
	ErrSessionClosed = errors.New("session is closed")

	// ErrWriteQueueFull is returned by Send when the write queue is full.
	ErrWriteQueueFull = errors.New("write queue is full")
)

const (
	DefaultDialTimeout    = 30 * time.Second
	DefaultWriteTimeout   = 10 * time.Second
	DefaultWriteQueueSize = 64
)

// Conn is the library-specific half of a session.
type Conn interface {
	ReadText(ctx context.Context) (string, error)
	WriteText(ctx context.Context, data string) error
	Close(code int, reason string) error
}

// DialFunc opens a Conn. The context carries the dial timeout.
type DialFunc func(ctx context.Context) (Conn, error)

// CloseStatusFunc extracts the close code and reason from a read error, if
// the error is a close frame from the peer.
type CloseStatusFunc func(err error) (code int, reason string, ok bool)

// Config holds the settings shared by both transports.
type Config struct {
	Logger         *zap.Logger
	DialTimeout    time.Duration
	WriteTimeout   time.Duration
	WriteQueueSize int
	CloseStatus    CloseStatusFunc
}

// Session implements signalsock.Session on top of a Conn.
type Session struct {
	cfg     Config
	handler signalsock.SessionHandler
	ctx     context.Context
	cancel  context.CancelFunc
	writeCh chan string

	// Closed by Close to ask the write loop to flush; the write loop closes
	// writerDone when it exits.
	flush      chan struct{}
	writerDone chan struct{}

	mu      sync.Mutex
	conn    Conn
	closing bool

	// Handler calls are serialized and stop after OnClose.
	signalMu sync.Mutex
	finished bool
}

// Start begins dialing in the background and returns the session at once.
func Start(cfg Config, dial DialFunc, handler signalsock.SessionHandler) *Session {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.WriteQueueSize <= 0 {
		cfg.WriteQueueSize = DefaultWriteQueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:        cfg,
		handler:    handler,
		ctx:        ctx,
		cancel:     cancel,
		writeCh:    make(chan string, cfg.WriteQueueSize),
		flush:      make(chan struct{}),
		writerDone: make(chan struct{}),
	}

	go s.run(dial)

	return s
}

// Send queues data for the write loop.
func (s *Session) Send(data string) error {
	if s.ctx.Err() != nil || s.isClosing() {
		return ErrSessionClosed
	}

	select {
	case s.writeCh <- data:
		return nil
	case <-s.ctx.Done():
		return ErrSessionClosed
	default:
		return ErrWriteQueueFull
	}
}

// Close closes the session. Messages already queued are written first, for at
// most the write timeout. OnClose is reported from the read loop, or from the
// dial goroutine if the session never opened.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		close(s.flush)
		select {
		case <-s.writerDone:
		case <-time.After(s.cfg.WriteTimeout):
			s.cfg.Logger.Debug("Timed out flushing write queue")
		}

		if err := conn.Close(signalsock.StatusNormalClosure, "client closed"); err != nil {
			s.cfg.Logger.Debug("Error closing WebSocket", zap.Error(err))
		}
	}
	s.cancel()

	return nil
}

func (s *Session) run(dial DialFunc) {
	dialCtx, dialCancel := context.WithTimeout(s.ctx, s.cfg.DialTimeout)
	conn, err := dial(dialCtx)
	dialCancel()

	if err != nil {
		if s.ctx.Err() != nil {
			s.finish(signalsock.StatusNormalClosure, "session closed")
			return
		}
		s.report(fmt.Errorf("failed to connect to WebSocket: %w", err))
		s.cancel()
		s.finish(signalsock.StatusAbnormalClosure, "dial failed")
		return
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		conn.Close(signalsock.StatusNormalClosure, "session closed")
		s.finish(signalsock.StatusNormalClosure, "session closed")
		return
	}
	s.conn = conn
	s.mu.Unlock()

	go s.writeLoop(conn)
	s.signal(s.handler.OnOpen)

	go func() {
		<-s.ctx.Done()
		conn.Close(signalsock.StatusNormalClosure, "session closed")
	}()

	s.readLoop(conn)
}

func (s *Session) readLoop(conn Conn) {
	for {
		data, err := conn.ReadText(s.ctx)
		if err != nil {
			code, reason := signalsock.StatusAbnormalClosure, "connection lost"
			if c, r, ok := s.closeStatus(err); ok {
				code, reason = c, r
			} else if s.ctx.Err() != nil || s.isClosing() {
				code, reason = signalsock.StatusNormalClosure, "session closed"
			} else {
				s.cfg.Logger.Error("Failed to read from WebSocket", zap.Error(err))
				s.report(err)
			}

			s.cancel()
			s.finish(code, reason)
			return
		}

		s.signal(func() { s.handler.OnMessage(data) })
	}
}

func (s *Session) writeLoop(conn Conn) {
	defer close(s.writerDone)

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.flush:
			for {
				select {
				case data := <-s.writeCh:
					if !s.write(conn, data) {
						return
					}
				default:
					return
				}
			}
		case data := <-s.writeCh:
			if !s.write(conn, data) {
				return
			}
		}
	}
}

func (s *Session) write(conn Conn, data string) bool {
	writeCtx, cancel := context.WithTimeout(s.ctx, s.cfg.WriteTimeout)
	err := conn.WriteText(writeCtx, data)
	cancel()

	if err != nil {
		if s.ctx.Err() == nil && !s.isClosing() {
			s.cfg.Logger.Error("Failed to write to WebSocket", zap.Error(err))
			s.report(fmt.Errorf("failed to write to WebSocket: %w", err))
			s.cancel()
		}
		return false
	}
	return true
}

func (s *Session) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *Session) closeStatus(err error) (int, string, bool) {
	if s.cfg.CloseStatus == nil {
		return 0, "", false
	}
	return s.cfg.CloseStatus(err)
}

func (s *Session) report(err error) {
	s.signal(func() { s.handler.OnError(err) })
}

func (s *Session) signal(fn func()) {
	s.signalMu.Lock()
	defer s.signalMu.Unlock()

	if s.finished {
		return
	}
	fn()
}

func (s *Session) finish(code int, reason string) {
	s.signalMu.Lock()
	defer s.signalMu.Unlock()

	if s.finished {
		return
	}
	s.finished = true
	s.handler.OnClose(code, reason)
}
