// Package session owns one live WebSocket connection to an agent: the
// single-writer outbound path, the inbound read loop and keepalive.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"instadeploy/internal/events"
	"instadeploy/internal/metrics"
	"instadeploy/internal/protocol"
)

// ErrClosed is returned by Send once the session is closing.
var ErrClosed = errors.New("session: closed")

// Teardown causes, used as the metrics label.
const (
	CauseLocal    = "local"
	CauseRemote   = "remote_close"
	CauseRead     = "read_error"
	CauseDecode   = "decode_error"
	CauseWrite    = "write_error"
	CauseShutdown = "shutdown"
)

// ReasonShutdown is the close reason sent to agents when the server stops.
const ReasonShutdown = "server shutdown"

// Conn is the subset of *websocket.Conn a session uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	SetPingHandler(h func(appData string) error)
	Close() error
}

// ReplyHandler receives every decoded reply. It may be called from many
// sessions at once.
type ReplyHandler interface {
	HandleReply(ctx context.Context, identity string, reply protocol.Reply)
}

// Options configures a session.
type Options struct {
	Identity     string
	PingInterval time.Duration
	PongTimeout  time.Duration
	WriteTimeout time.Duration
	SendTimeout  time.Duration
	QueueSize    int
	ReadLimit    int64

	Replies ReplyHandler
	Bus     *events.Bus
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

func (o *Options) setDefaults() {
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = 60 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 10 * time.Second
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 16
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 1 << 20
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Validate checks the keepalive timers.
func (o Options) Validate() error {
	if o.Identity == "" {
		return errors.New("session: identity is required")
	}
	if o.Replies == nil {
		return errors.New("session: reply handler is required")
	}
	if o.PongTimeout <= o.PingInterval {
		return fmt.Errorf("session: pong timeout %s must exceed ping interval %s", o.PongTimeout, o.PingInterval)
	}
	return nil
}

type outbound struct {
	data   []byte
	result chan error
}

// Session is one agent connection.
type Session struct {
	id     string
	conn   Conn
	opts   Options
	logger *zap.Logger

	outbox chan outbound
	done   chan struct{}
	wg     sync.WaitGroup

	closeOnce sync.Once
	closing   atomic.Bool
	lastSeen  atomic.Int64

	mu     sync.Mutex
	cause  string
	reason string
}

// New wraps conn. The session does nothing until Run is called.
func New(conn Conn, opts Options) (*Session, error) {
	opts.setDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	id := uuid.NewString()
	s := &Session{
		id:   id,
		conn: conn,
		opts: opts,
		logger: opts.Logger.Named("session").With(
			zap.String("identity", opts.Identity),
			zap.String("session", id),
		),
		outbox: make(chan outbound, opts.QueueSize),
		done:   make(chan struct{}),
	}
	s.touch()
	return s, nil
}

// ID is unique per connection.
func (s *Session) ID() string { return s.id }

// Identity is the agent this session belongs to.
func (s *Session) Identity() string { return s.opts.Identity }

// Closing reports whether teardown has started.
func (s *Session) Closing() bool { return s.closing.Load() }

// Done is closed when teardown starts.
func (s *Session) Done() <-chan struct{} { return s.done }

// LastSeen is the time of the last inbound activity.
func (s *Session) LastSeen() time.Time { return time.Unix(0, s.lastSeen.Load()) }

// Reason returns why the session closed, or "" while it is open.
func (s *Session) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *Session) touch() { s.lastSeen.Store(time.Now().UnixNano()) }

// Run serves the connection until it closes, then publishes the teardown
// event. It returns the error that ended the read loop, or nil when the
// session was closed locally or by a clean close frame.
func (s *Session) Run(ctx context.Context) error {
	s.opts.Metrics.SessionOpened()
	s.logger.Info("session started")

	s.wg.Add(1)
	go s.writeLoop()

	cause, err := s.readLoop(ctx)
	reason := "connection closed"
	if err != nil {
		reason = err.Error()
	}
	s.closeWith(cause, reason)
	s.wg.Wait()

	s.mu.Lock()
	cause, reason = s.cause, s.reason
	s.mu.Unlock()

	s.opts.Metrics.SessionClosed(cause)
	s.logger.Info("session closed", zap.String("cause", cause), zap.String("reason", reason))

	if s.opts.Bus != nil {
		s.opts.Bus.Publish(events.Event{
			Type:     events.SessionClosed,
			Severity: events.SeverityInfo,
			Hostname: s.opts.Identity,
			Message:  reason,
			Metadata: map[string]string{
				events.MetaSessionID: s.id,
				events.MetaReason:    reason,
			},
		})
	}
	return err
}

// Send writes cmd as one frame. It returns once the frame is written, the
// session closes, or the send timeout elapses.
func (s *Session) Send(ctx context.Context, cmd protocol.Command) error {
	data, err := protocol.EncodeCommand(cmd)
	if err != nil {
		return err
	}
	if s.Closing() {
		return ErrClosed
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.SendTimeout)
	defer cancel()

	op := outbound{data: data, result: make(chan error, 1)}
	select {
	case s.outbox <- op:
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("session: enqueue %s: %w", cmd.ID, ctx.Err())
	}

	select {
	case err := <-op.result:
		return err
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("session: write %s: %w", cmd.ID, ctx.Err())
	}
}

// Close starts teardown: it sends a close frame and drops the transport.
// Safe to call any number of times from any goroutine.
func (s *Session) Close(reason string) {
	cause := CauseLocal
	if reason == ReasonShutdown {
		cause = CauseShutdown
	}
	s.closeWith(cause, reason)
}

func (s *Session) closeWith(cause, reason string) {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		s.mu.Lock()
		s.cause, s.reason = cause, reason
		s.mu.Unlock()
		close(s.done)

		code := websocket.CloseNormalClosure
		if cause == CauseShutdown {
			code = websocket.CloseGoingAway
		}
		_ = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, truncate(reason, 120)),
			time.Now().Add(s.opts.WriteTimeout),
		)
		_ = s.conn.Close()
	})
}

// writeLoop is the only goroutine that writes data frames and pings.
func (s *Session) writeLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return

		case op := <-s.outbox:
			start := time.Now()
			_ = s.conn.SetWriteDeadline(start.Add(s.opts.WriteTimeout))
			err := s.conn.WriteMessage(websocket.TextMessage, op.data)
			s.opts.Metrics.ObserveWrite(time.Since(start).Seconds())
			op.result <- err
			if err != nil {
				s.logger.Warn("write failed", zap.Error(err))
				s.closeWith(CauseWrite, fmt.Sprintf("write failed: %v", err))
				return
			}

		case <-ticker.C:
			if err := s.conn.WriteControl(
				websocket.PingMessage, nil,
				time.Now().Add(s.opts.WriteTimeout),
			); err != nil {
				s.logger.Warn("ping failed", zap.Error(err))
				s.closeWith(CauseWrite, fmt.Sprintf("ping failed: %v", err))
				return
			}
		}
	}
}

// readLoop decodes replies until the connection fails. It returns the
// teardown cause and the error that ended the loop.
func (s *Session) readLoop(ctx context.Context) (string, error) {
	s.conn.SetReadLimit(s.opts.ReadLimit)
	s.extendDeadline()
	s.conn.SetPongHandler(func(string) error {
		s.extendDeadline()
		return nil
	})
	s.conn.SetPingHandler(func(data string) error {
		s.extendDeadline()
		err := s.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(s.opts.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if s.Closing() {
				return CauseLocal, nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return CauseRemote, nil
			}
			s.logger.Warn("read error", zap.Error(err))
			return CauseRead, fmt.Errorf("read: %w", err)
		}
		s.extendDeadline()

		reply, err := protocol.DecodeReply(message)
		if err != nil {
			s.logger.Warn("invalid frame", zap.Error(err), zap.Int("bytes", len(message)))
			return CauseDecode, err
		}
		s.opts.Replies.HandleReply(ctx, s.opts.Identity, reply)
	}
}

func (s *Session) extendDeadline() {
	s.touch()
	_ = s.conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
