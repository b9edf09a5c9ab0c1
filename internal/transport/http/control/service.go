// Package control is the local HTTP API for driving a running session.
package control

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"postkeeper/internal/app/session"
	"postkeeper/internal/domain/eventbus"
	"postkeeper/internal/domain/outbox"
	"postkeeper/internal/domain/retry"
	"postkeeper/internal/domain/token"
	pkerrors "postkeeper/internal/platform/errors"
	"postkeeper/internal/platform/logging"
	httptransport "postkeeper/internal/transport/http"
	"postkeeper/internal/transport/ws"
)

type Service struct {
	session *session.Session
	bus     eventbus.Bus
	events  *ws.Router
	logger  logging.Interface
	now     func() time.Time
}

func NewService(s *session.Session, bus eventbus.Bus, events *ws.Router, logger logging.Interface) (*Service, error) {
	if s == nil {
		return nil, pkerrors.New(pkerrors.KindConfig, "control.new", "session is required")
	}
	return &Service{
		session: s,
		bus:     bus,
		events:  events,
		logger:  logging.OrDiscard(logger),
		now:     time.Now,
	}, nil
}

// Register mounts the control routes. Event streams live under ctx.
func (s *Service) Register(ctx context.Context, router *gin.RouterGroup) {
	router.GET("/status", s.handleStatus)
	router.POST("/posts", s.handlePost)

	router.GET("/queue", s.handleQueueList)
	router.POST("/queue/process", s.handleQueueProcess)
	router.DELETE("/queue", s.handleQueueClear)
	router.POST("/queue/:id/retry", s.handleQueueRetry)
	router.DELETE("/queue/:id", s.handleQueueRemove)
	router.DELETE("/dedup", s.handleDedupClear)

	router.GET("/notifications", s.handleNotifications)
	router.GET("/notifications/history", s.handleNotificationHistory)
	router.POST("/notifications/:id/read", s.handleNotificationRead)
	router.DELETE("/notifications/:id", s.handleNotificationDismiss)
	router.DELETE("/notifications", s.handleNotificationDismissAll)

	router.POST("/auth/refresh", s.handleRefresh)
	router.POST("/auth/signout", s.handleSignOut)

	router.POST("/lifecycle/sleep", s.handleLifecycle(eventbus.TopicSystemSleep))
	router.POST("/lifecycle/wake", s.handleLifecycle(eventbus.TopicSystemWake))

	if s.events != nil {
		router.GET("/events", gin.WrapF(s.events.Handle(ctx)))
	}
	s.logger.Info("[HTTP] control routes registered")
}

// Status is the body of GET /status.
type Status struct {
	State         string     `json:"state"`
	Reason        string     `json:"reason,omitempty"`
	Authenticated bool       `json:"authenticated"`
	Username      string     `json:"username,omitempty"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
	Quality       string     `json:"quality"`
	Reachable     bool       `json:"reachable"`
	QueueDepth    int        `json:"queueDepth"`
	InFlight      int        `json:"inFlight"`
	Paused        bool       `json:"paused"`
}

func (s *Service) status() Status {
	st := s.session.State()
	out := Status{
		State:         token.StateName(st),
		Authenticated: s.session.IsAuthenticated(),
		Quality:       s.session.Monitor().CurrentQuality().String(),
		Reachable:     s.session.Monitor().IsReachable(),
		QueueDepth:    s.session.Queue().Depth(),
		InFlight:      s.session.Tokens().InFlight(),
		Paused:        s.session.Paused(),
	}
	if e, ok := st.(token.Errored); ok {
		out.Reason = e.Reason
	}
	if c, ok := s.session.Tokens().Credential(); ok {
		if c.Profile != nil {
			out.Username = c.Profile.Username
		}
		if !c.ExpiresAt.IsZero() {
			exp := c.ExpiresAt
			out.ExpiresAt = &exp
		}
	}
	return out
}

func (s *Service) handleStatus(c *gin.Context) {
	httptransport.RespondSuccess(c, http.StatusOK, s.status(), "")
}

type postRequest struct {
	Text string `json:"text"`
}

func (s *Service) handlePost(c *gin.Context) {
	var req postRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httptransport.RespondError(c, http.StatusBadRequest, "invalid request body", nil)
		return
	}

	res, err := s.session.PostText(c.Request.Context(), req.Text)
	if err != nil {
		httptransport.RespondError(c, statusFor(err), err.Error(), res)
		return
	}
	if res.Queued {
		httptransport.RespondSuccess(c, http.StatusAccepted, res, "queued for delivery")
		return
	}
	httptransport.RespondSuccess(c, http.StatusCreated, res, "posted")
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrInvalidText), errors.Is(err, outbox.ErrEmptyText):
		return http.StatusBadRequest
	case errors.Is(err, outbox.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, token.ErrNotAuthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, outbox.ErrNotFound):
		return http.StatusNotFound
	}
	switch retry.Classify(err) {
	case retry.ClassCancelled:
		return http.StatusRequestTimeout
	case retry.ClassRateLimited:
		return http.StatusTooManyRequests
	case retry.ClassUnknown:
		return http.StatusInternalServerError
	}
	return http.StatusBadGateway
}

func (s *Service) handleQueueList(c *gin.Context) {
	httptransport.RespondSuccess(c, http.StatusOK, s.session.Queue().Items(), "")
}

func (s *Service) handleQueueProcess(c *gin.Context) {
	sent := s.session.Queue().ForceProcessAll(c.Request.Context())
	httptransport.RespondSuccess(c, http.StatusOK, gin.H{
		"sent":      sent,
		"remaining": s.session.Queue().Depth(),
	}, "")
}

func (s *Service) handleQueueClear(c *gin.Context) {
	if err := s.session.Queue().Clear(c.Request.Context()); err != nil {
		httptransport.RespondError(c, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	httptransport.RespondSuccess(c, http.StatusOK, nil, "queue cleared")
}

func (s *Service) handleQueueRetry(c *gin.Context) {
	id := c.Param("id")
	if _, ok := s.session.Queue().Get(id); !ok {
		httptransport.RespondError(c, http.StatusNotFound, outbox.ErrNotFound.Error(), nil)
		return
	}
	sent := s.session.Queue().Retry(c.Request.Context(), id)
	httptransport.RespondSuccess(c, http.StatusOK, gin.H{"sent": sent}, "")
}

func (s *Service) handleQueueRemove(c *gin.Context) {
	if err := s.session.Queue().Remove(c.Request.Context(), c.Param("id")); err != nil {
		httptransport.RespondError(c, statusFor(err), err.Error(), nil)
		return
	}
	httptransport.RespondSuccess(c, http.StatusOK, nil, "removed")
}

func (s *Service) handleDedupClear(c *gin.Context) {
	s.session.Queue().ClearDeduplicationHistory()
	httptransport.RespondSuccess(c, http.StatusOK, nil, "deduplication history cleared")
}

func (s *Service) handleNotifications(c *gin.Context) {
	httptransport.RespondSuccess(c, http.StatusOK, s.session.Queue().Notifications(), "")
}

func (s *Service) handleNotificationHistory(c *gin.Context) {
	httptransport.RespondSuccess(c, http.StatusOK, s.session.Queue().History(), "")
}

func (s *Service) handleNotificationRead(c *gin.Context) {
	if !s.session.Queue().MarkRead(c.Param("id")) {
		httptransport.RespondError(c, http.StatusNotFound, "notification not found", nil)
		return
	}
	httptransport.RespondSuccess(c, http.StatusOK, nil, "")
}

func (s *Service) handleNotificationDismiss(c *gin.Context) {
	if !s.session.Queue().Dismiss(c.Param("id")) {
		httptransport.RespondError(c, http.StatusNotFound, "notification not found", nil)
		return
	}
	httptransport.RespondSuccess(c, http.StatusOK, nil, "")
}

func (s *Service) handleNotificationDismissAll(c *gin.Context) {
	s.session.Queue().DismissAll()
	httptransport.RespondSuccess(c, http.StatusOK, nil, "")
}

func (s *Service) handleRefresh(c *gin.Context) {
	if !s.session.IsAuthenticated() {
		httptransport.RespondError(c, http.StatusUnauthorized, token.ErrNotAuthenticated.Error(), nil)
		return
	}
	if !s.session.Tokens().ForceRefresh(c.Request.Context()) {
		httptransport.RespondError(c, http.StatusBadGateway, "refresh failed", s.status())
		return
	}
	httptransport.RespondSuccess(c, http.StatusOK, s.status(), "refreshed")
}

func (s *Service) handleSignOut(c *gin.Context) {
	if err := s.session.SignOut(c.Request.Context()); err != nil {
		httptransport.RespondError(c, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	httptransport.RespondSuccess(c, http.StatusOK, nil, "signed out")
}

func (s *Service) handleLifecycle(topic string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.bus == nil {
			httptransport.RespondError(c, http.StatusServiceUnavailable, "no event bus", nil)
			return
		}
		s.bus.Publish(topic, eventbus.LifecycleEvent{At: s.now()})
		httptransport.RespondSuccess(c, http.StatusOK, gin.H{"paused": s.session.Paused()}, "")
	}
}
