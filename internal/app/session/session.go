// Package session is the entry point used by the CLI and the control API.
// It owns the token manager, the connectivity monitor and the outbox queue
// and composes them into a posting flow.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"postkeeper/internal/adapter/postapi"
	"postkeeper/internal/domain/connectivity"
	"postkeeper/internal/domain/eventbus"
	"postkeeper/internal/domain/outbox"
	"postkeeper/internal/domain/retry"
	"postkeeper/internal/domain/token"
	pkerrors "postkeeper/internal/platform/errors"
	"postkeeper/internal/platform/logging"
	"postkeeper/internal/platform/metrics"
)

const DefaultMaxTextLength = 280

// Poster publishes one post. *postapi.Client implements it.
type Poster interface {
	Post(ctx context.Context, accessToken, text string) (postapi.Result, error)
}

// AuthorizationProvider runs the browser half of the PKCE flow.
type AuthorizationProvider interface {
	Authorize(ctx context.Context) (token.AuthorizationResult, error)
}

type AuthorizationFunc func(ctx context.Context) (token.AuthorizationResult, error)

func (f AuthorizationFunc) Authorize(ctx context.Context) (token.AuthorizationResult, error) {
	return f(ctx)
}

type Config struct {
	Tokens     *token.Manager
	Monitor    *connectivity.Monitor
	Retry      *retry.Engine
	Poster     Poster
	Authorizer AuthorizationProvider
	// Queue configures the outbox. Its Send, Retry, Bus, Logger and
	// Metrics fields are filled in by New.
	Queue         outbox.Options
	MaxTextLength int
	Bus           eventbus.Bus
	Logger        logging.Interface
	Metrics       *metrics.Metrics
	Now           func() time.Time
}

type Session struct {
	tokens     *token.Manager
	monitor    *connectivity.Monitor
	retry      *retry.Engine
	queue      *outbox.Queue
	poster     Poster
	authorizer AuthorizationProvider
	maxLen     int
	bus        eventbus.Bus
	logger     logging.Interface
	metrics    *metrics.Metrics
	now        func() time.Time

	mu      sync.Mutex
	started bool
	paused  atomic.Bool
	onSleep func(eventbus.LifecycleEvent)
	onWake  func(eventbus.LifecycleEvent)
}

// New builds the session and its queue. The queue delivers through the
// same token and poster path as PostText.
func New(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.Tokens == nil || cfg.Poster == nil {
		return nil, pkerrors.New(pkerrors.KindBootstrap, "session.new", "token manager and poster are required")
	}
	if cfg.Monitor == nil {
		cfg.Monitor = connectivity.NewMonitor(connectivity.Options{Bus: cfg.Bus, Logger: cfg.Logger, Metrics: cfg.Metrics})
	}
	if cfg.Retry == nil {
		cfg.Retry = retry.NewEngine(cfg.Monitor, retry.WithLogger(cfg.Logger), retry.WithMetrics(cfg.Metrics))
	}
	if cfg.MaxTextLength <= 0 {
		cfg.MaxTextLength = DefaultMaxTextLength
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	s := &Session{
		tokens:     cfg.Tokens,
		monitor:    cfg.Monitor,
		retry:      cfg.Retry,
		poster:     cfg.Poster,
		authorizer: cfg.Authorizer,
		maxLen:     cfg.MaxTextLength,
		bus:        cfg.Bus,
		logger:     logging.OrDiscard(cfg.Logger),
		metrics:    cfg.Metrics,
		now:        cfg.Now,
	}

	qopts := cfg.Queue
	qopts.Send = s.deliverQueued
	qopts.Retry = cfg.Retry
	qopts.Bus = cfg.Bus
	if qopts.Logger == nil {
		qopts.Logger = cfg.Logger
	}
	qopts.Metrics = cfg.Metrics
	if qopts.Now == nil {
		qopts.Now = cfg.Now
	}
	if qopts.Repository == nil {
		qopts.Repository = outbox.NewMemoryRepository()
	}
	q, err := outbox.NewQueue(ctx, qopts)
	if err != nil {
		return nil, err
	}
	s.queue = q
	return s, nil
}

func (s *Session) Tokens() *token.Manager           { return s.tokens }
func (s *Session) Monitor() *connectivity.Monitor   { return s.monitor }
func (s *Session) Queue() *outbox.Queue             { return s.queue }
func (s *Session) State() token.AuthenticationState { return s.tokens.State() }

// Start loads the stored credential and starts every background task.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	if err := s.tokens.Load(ctx); err != nil {
		return err
	}
	// The queue subscribes before the first probe so posts restored from
	// storage are drained on the first connectivity-restored event.
	if err := s.queue.Start(ctx); err != nil {
		return pkerrors.Wrap(pkerrors.KindBootstrap, "session.start", "start outbox", err)
	}
	if err := s.monitor.Start(ctx); err != nil {
		s.queue.Stop()
		return pkerrors.Wrap(pkerrors.KindBootstrap, "session.start", "start connectivity monitor", err)
	}
	if err := s.tokens.Start(ctx); err != nil {
		s.monitor.Stop()
		s.queue.Stop()
		return pkerrors.Wrap(pkerrors.KindBootstrap, "session.start", "start token polling", err)
	}
	if err := s.subscribeLifecycle(); err != nil {
		s.stopTasks()
		return pkerrors.Wrap(pkerrors.KindBootstrap, "session.start", "subscribe lifecycle", err)
	}
	s.started = true
	s.logger.Info("session started", map[string]any{
		"state":   token.StateName(s.tokens.State()),
		"queued":  s.queue.Depth(),
		"quality": s.monitor.CurrentQuality().String(),
	})
	return nil
}

// Stop ends every background task. Pending posts stay persisted.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.unsubscribeLifecycle()
	s.stopTasks()
	s.started = false
}

func (s *Session) stopTasks() {
	s.queue.Stop()
	s.tokens.Stop()
	s.monitor.Stop()
}

// Pause suspends background work, as on system sleep.
func (s *Session) Pause() {
	s.monitor.Pause()
	s.tokens.Pause()
	s.queue.Pause()
	s.paused.Store(true)
	s.logger.Info("background tasks paused")
}

// Resume restarts background work with schedules counted from now.
func (s *Session) Resume() {
	s.monitor.Resume()
	s.tokens.Resume()
	s.queue.Resume()
	s.paused.Store(false)
	s.logger.Info("background tasks resumed")
}

func (s *Session) Paused() bool { return s.paused.Load() }

func (s *Session) subscribeLifecycle() error {
	if s.bus == nil {
		return nil
	}
	s.onSleep = func(eventbus.LifecycleEvent) { s.Pause() }
	s.onWake = func(eventbus.LifecycleEvent) { s.Resume() }
	if err := s.bus.Subscribe(eventbus.TopicSystemSleep, s.onSleep); err != nil {
		return err
	}
	return s.bus.Subscribe(eventbus.TopicSystemWake, s.onWake)
}

func (s *Session) unsubscribeLifecycle() {
	if s.bus == nil {
		return
	}
	if s.onSleep != nil {
		_ = s.bus.Unsubscribe(eventbus.TopicSystemSleep, s.onSleep)
	}
	if s.onWake != nil {
		_ = s.bus.Unsubscribe(eventbus.TopicSystemWake, s.onWake)
	}
	s.onSleep, s.onWake = nil, nil
}

// Authenticate runs the authorization provider and exchanges its code.
func (s *Session) Authenticate(ctx context.Context) error {
	if s.authorizer == nil {
		return pkerrors.New(pkerrors.KindAuth, "session.authenticate", "no authorization provider configured")
	}
	res, err := s.authorizer.Authorize(ctx)
	if err != nil {
		return pkerrors.Wrap(pkerrors.KindAuth, "session.authenticate", "authorization", err)
	}
	return s.tokens.Authenticate(ctx, res)
}

// CompleteAuthorization exchanges a code obtained outside the session.
func (s *Session) CompleteAuthorization(ctx context.Context, res token.AuthorizationResult) error {
	return s.tokens.Authenticate(ctx, res)
}

func (s *Session) IsAuthenticated() bool { return s.tokens.IsAuthenticated() }

// SignOut forgets the credential. Queued posts are kept for the next
// session.
func (s *Session) SignOut(ctx context.Context) error {
	return s.tokens.SignOut(ctx)
}

func (s *Session) SubscribeState(ctx context.Context) <-chan token.AuthenticationState {
	return s.tokens.Subscribe(ctx)
}

func (s *Session) SubscribeQueueDepth(ctx context.Context) <-chan int {
	return s.queue.SubscribeDepth(ctx)
}

// PostText publishes text now, or queues it when the failure is one that a
// later attempt can fix. The returned result carries the terminal phase
// even when err is non-nil.
func (s *Session) PostText(ctx context.Context, text string) (PostResult, error) {
	return s.PostTextWithProgress(ctx, text, nil)
}

// PostTextWithProgress is PostText reporting each phase transition to
// progress as it happens.
func (s *Session) PostTextWithProgress(ctx context.Context, text string, progress func(Phase)) (PostResult, error) {
	p := &postRun{s: s, text: text, progress: progress}
	return p.run(ctx)
}

type postRun struct {
	s        *Session
	text     string
	progress func(Phase)
	phase    Phase
}

func (p *postRun) enter(ph Phase) {
	p.phase = ph
	if p.progress != nil {
		p.progress(ph)
	}
}

func (p *postRun) fail(err error) (PostResult, error) {
	p.enter(PhaseFailed)
	p.s.metrics.ObservePost("failed")
	return PostResult{Phase: PhaseFailed}, err
}

func (p *postRun) run(ctx context.Context) (PostResult, error) {
	s := p.s

	p.enter(PhaseValidating)
	if err := s.validate(p.text); err != nil {
		return p.fail(err)
	}
	if s.queue.WouldBeDuplicate(p.text) {
		return p.fail(pkerrors.Wrap(pkerrors.KindQueue, "session.post", "recently posted or queued", outbox.ErrDuplicate))
	}

	p.enter(PhaseAuthenticating)
	if !s.tokens.IsAuthenticated() {
		return p.fail(pkerrors.Wrap(pkerrors.KindAuth, "session.post", "sign in first", token.ErrNotAuthenticated))
	}
	if !s.monitor.IsReachable() {
		s.logger.Info("offline, queueing post")
		return p.enqueue(ctx, retry.ErrNotConnected)
	}

	res, err := p.post(ctx)

	if err == nil {
		p.enter(PhaseDone)
		s.queue.RecordSent(p.text)
		s.metrics.ObservePost("sent")
		s.publishDelivered(res.ID, p.text)
		return PostResult{ID: res.ID, Remaining: res.Remaining, Phase: PhaseDone}, nil
	}

	class := retry.Classify(err)
	switch {
	case class == retry.ClassCancelled:
		return p.fail(err)
	case queueable(err, class):
		s.logger.Warn("post failed, queueing for later: %v", err)
		return p.enqueue(ctx, err)
	default:
		return p.fail(err)
	}
}

// post obtains a token and sends, refreshing once on an unauthorized reply.
// The post counts as in flight only once its token is settled, so its own
// refresh is never deferred behind itself.
func (p *postRun) post(ctx context.Context) (postapi.Result, error) {
	s := p.s
	cred, err := s.tokens.EnsureFreshToken(ctx, connectivity.OpPosting)
	if err != nil {
		return postapi.Result{}, err
	}
	h := s.tokens.RegisterInFlightPost()
	defer s.tokens.Unregister(h)

	p.enter(PhasePosting)
	send := func(access string) (postapi.Result, error) {
		return retry.Run(ctx, s.retry, connectivity.OpPosting, func(ctx context.Context) (postapi.Result, error) {
			return s.poster.Post(ctx, access, p.text)
		})
	}
	res, err := send(cred.AccessToken)
	if retry.Classify(err) != retry.ClassUnauthorized {
		return res, err
	}

	s.logger.Warn("post rejected as unauthorized, refreshing token once")
	if !s.tokens.ForceRefresh(ctx) {
		if ctx.Err() != nil {
			return postapi.Result{}, retry.Cancelled("session.post", ctx.Err())
		}
		return postapi.Result{}, err
	}
	cred, ok := s.tokens.Credential()
	if !ok {
		return postapi.Result{}, pkerrors.Wrap(pkerrors.KindAuth, "session.post", "credential lost during refresh", token.ErrNotAuthenticated)
	}
	return send(cred.AccessToken)
}

func (p *postRun) enqueue(ctx context.Context, cause error) (PostResult, error) {
	s := p.s
	added, err := s.queue.Enqueue(ctx, p.text)
	if err != nil {
		return p.fail(fmt.Errorf("queue post after %v: %w", cause, err))
	}
	if !added {
		return p.fail(pkerrors.Wrap(pkerrors.KindQueue, "session.post", "already queued", outbox.ErrDuplicate))
	}
	p.enter(PhaseQueued)
	s.metrics.ObservePost("queued")
	return PostResult{Queued: true, QueueID: s.queueIDFor(p.text), Phase: PhaseQueued}, nil
}

// queueIDFor finds the newest queued item with text.
func (s *Session) queueIDFor(text string) string {
	items := s.queue.Items()
	for i := len(items) - 1; i >= 0; i-- {
		if items[i].Text == text {
			return items[i].ID
		}
	}
	return ""
}

// deliverQueued is the outbox send function. The outbox wraps it in its own
// retry loop, so this makes a single attempt plus one unauthorized retry.
func (s *Session) deliverQueued(ctx context.Context, text string) error {
	cred, err := s.tokens.EnsureFreshToken(ctx, connectivity.OpPosting)
	if err != nil {
		return asDeliveryError(err)
	}
	h := s.tokens.RegisterInFlightPost()
	defer s.tokens.Unregister(h)

	_, err = s.poster.Post(ctx, cred.AccessToken, text)
	if retry.Classify(err) == retry.ClassUnauthorized && s.tokens.ForceRefresh(ctx) {
		if cred, ok := s.tokens.Credential(); ok {
			_, err = s.poster.Post(ctx, cred.AccessToken, text)
		}
	}
	if err == nil {
		s.metrics.ObservePost("sent")
	}
	return err
}

// asDeliveryError keeps a transient refresh failure retryable for the queue.
func asDeliveryError(err error) error {
	if errors.Is(err, token.ErrRefreshTransient) && retry.Classify(err) == retry.ClassUnknown {
		return &retry.NetworkError{Class: retry.ClassServerUnavailable, Op: "token.refresh", Err: err}
	}
	return err
}

func (s *Session) publishDelivered(id, text string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.TopicPostDelivered, eventbus.PostEvent{ID: id, Text: text, At: s.now()})
}

func (s *Session) validate(text string) error {
	if strings.TrimSpace(text) == "" {
		return pkerrors.Wrap(pkerrors.KindQueue, "session.validate", "text is empty", ErrInvalidText)
	}
	if n := utf8.RuneCountInString(text); n > s.maxLen {
		return pkerrors.Wrap(pkerrors.KindQueue, "session.validate",
			fmt.Sprintf("text is %d characters, limit is %d", n, s.maxLen), ErrInvalidText)
	}
	return nil
}

// queueable reports whether a later attempt could succeed without user
// action.
func queueable(err error, class retry.Class) bool {
	if class.Transient() || class == retry.ClassRateLimited {
		return true
	}
	return errors.Is(err, token.ErrRefreshTransient)
}
