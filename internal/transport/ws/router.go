// Package ws serves the control API's websocket event stream.
package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"postkeeper/internal/platform/logging"
	"postkeeper/internal/platform/metrics"
)

// Router upgrades HTTP requests to event stream sessions.
type Router struct {
	hub     *Hub
	source  Source
	logger  logging.Interface
	metrics *metrics.Metrics

	upgrader         *websocket.Upgrader
	handshakeTimeout time.Duration
}

type RouterOptions struct {
	HandshakeTimeout time.Duration
	CheckOrigin      func(r *http.Request) bool
	Metrics          *metrics.Metrics
}

func NewRouter(hub *Hub, source Source, logger logging.Interface, opts RouterOptions) *Router {
	upgrader := &websocket.Upgrader{
		CheckOrigin:      opts.CheckOrigin,
		HandshakeTimeout: opts.HandshakeTimeout,
	}
	if upgrader.CheckOrigin == nil {
		upgrader.CheckOrigin = func(r *http.Request) bool { return true }
	}

	timeout := opts.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Router{
		hub:              hub,
		source:           source,
		logger:           logging.OrDiscard(logger),
		metrics:          opts.Metrics,
		upgrader:         upgrader,
		handshakeTimeout: timeout,
	}
}

// Handle upgrades the connection and streams frames until either side
// closes. The stream lives under ctx rather than the request context.
func (r *Router) Handle(ctx context.Context) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		handshakeCtx, cancel := context.WithTimeoutCause(req.Context(), r.handshakeTimeout, ErrHandshakeTimeout)
		defer cancel()

		socket, err := r.upgrader.Upgrade(w, req.WithContext(handshakeCtx), nil)
		if err != nil {
			r.logger.Warn("websocket handshake failed: %v", err)
			return
		}

		id := req.Header.Get("Client-Id")
		if id == "" {
			id = uuid.NewString()
		}
		session := NewSession(ctx, NewConnection(id, socket), r.source, r.logger)
		r.hub.Register(session)
		r.metrics.AddEventStreams(1)
		r.logger.Debug("event stream %s opened", id)

		go session.Run(func(runErr error) {
			r.hub.Unregister(session.ID())
			r.metrics.AddEventStreams(-1)
			if runErr != nil {
				r.logger.Warn("event stream %s ended: %v", session.ID(), runErr)
			}
		})
	}
}

func (r *Router) Hub() *Hub { return r.hub }
