package control

import (
	"context"
	"time"

	"postkeeper/internal/app/session"
	"postkeeper/internal/domain/token"
	"postkeeper/internal/transport/ws"
)

// EventSource merges the session's observable streams into websocket
// frames: auth state, queue depth, connection quality and notifications.
func EventSource(s *session.Session) ws.Source {
	return func(ctx context.Context) <-chan ws.Frame {
		out := make(chan ws.Frame, 16)
		states := s.SubscribeState(ctx)
		depth := s.SubscribeQueueDepth(ctx)
		quality := s.Monitor().SubscribeQuality(ctx)
		notes := s.Queue().SubscribeNotifications(ctx)

		go func() {
			defer close(out)
			for {
				var f ws.Frame
				select {
				case <-ctx.Done():
					return
				case st, ok := <-states:
					if !ok {
						return
					}
					data := map[string]string{"state": token.StateName(st)}
					if e, ok := st.(token.Errored); ok {
						data["reason"] = e.Reason
					}
					f = ws.Frame{Type: "state", Data: data}
				case n, ok := <-depth:
					if !ok {
						return
					}
					f = ws.Frame{Type: "queue_depth", Data: n}
				case q, ok := <-quality:
					if !ok {
						return
					}
					f = ws.Frame{Type: "quality", Data: q.String()}
				case n, ok := <-notes:
					if !ok {
						return
					}
					f = ws.Frame{Type: "notification", Data: n}
				}
				f.At = time.Now()
				select {
				case out <- f:
				case <-ctx.Done():
					return
				}
			}
		}()
		return out
	}
}
