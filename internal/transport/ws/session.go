package ws

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"postkeeper/internal/platform/logging"
)

const (
	writeTimeout = 5 * time.Second
	pingInterval = 30 * time.Second
)

// Frame is one event pushed to a stream client.
type Frame struct {
	Type string    `json:"type"`
	Data any       `json:"data"`
	At   time.Time `json:"at"`
}

// Source produces the frames for one stream until ctx is done.
type Source func(ctx context.Context) <-chan Frame

// Session pumps frames from a Source to one websocket connection.
type Session struct {
	id     string
	conn   *Connection
	source Source
	logger logging.Interface

	ctx    context.Context
	cancel context.CancelCauseFunc

	closed atomic.Bool
}

func NewSession(parent context.Context, conn *Connection, source Source, logger logging.Interface) *Session {
	sessionCtx, cancel := context.WithCancelCause(parent)
	return &Session{
		id:     conn.ID(),
		conn:   conn,
		source: source,
		logger: logging.OrDiscard(logger),
		ctx:    sessionCtx,
		cancel: cancel,
	}
}

func (s *Session) Context() context.Context { return s.ctx }

func (s *Session) ID() string { return s.id }

// Run writes frames until the client goes away or the session is closed,
// then invokes onDone.
func (s *Session) Run(onDone func(error)) {
	var runErr error
	defer func() {
		s.Close(runErr)
		if onDone != nil {
			onDone(runErr)
		}
	}()

	go s.readLoop()

	frames := s.source(s.ctx)
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-s.ctx.Done():
			if cause := context.Cause(s.ctx); !errors.Is(cause, ErrSessionShutdown) && !errors.Is(cause, context.Canceled) {
				runErr = cause
			}
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			if err := s.conn.WriteJSON(f, writeTimeout); err != nil {
				runErr = err
				return
			}
		case <-ping.C:
			if err := s.conn.WriteMessage(websocket.PingMessage, nil, writeTimeout); err != nil {
				runErr = err
				return
			}
		}
	}
}

// readLoop discards client messages and ends the session when the client
// disconnects.
func (s *Session) readLoop() {
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || s.conn.IsClosed() {
				s.cancel(ErrSessionShutdown)
			} else {
				s.cancel(err)
			}
			return
		}
	}
}

// Close terminates the session once.
func (s *Session) Close(reason error) {
	if reason == nil {
		reason = ErrSessionShutdown
	}
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.cancel(reason)
	if err := s.conn.Close(); err != nil {
		s.logger.Debug("stream %s close: %v", s.id, err)
	}
}
