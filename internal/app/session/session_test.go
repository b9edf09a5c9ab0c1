package session

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postkeeper/internal/adapter/postapi"
	"postkeeper/internal/domain/connectivity"
	"postkeeper/internal/domain/credential"
	"postkeeper/internal/domain/credential/store"
	"postkeeper/internal/domain/eventbus"
	"postkeeper/internal/domain/outbox"
	"postkeeper/internal/domain/retry"
	"postkeeper/internal/domain/token"
	pktesting "postkeeper/internal/platform/testing"
)

const (
	seedAccess  = "acc_5e1f0a9b7c3d2e11"
	seedRefresh = "ref_77aa0c4d19be6f20"
)

type stubExchanger struct {
	mu    sync.Mutex
	calls int
}

func (e *stubExchanger) ExchangeCode(ctx context.Context, code, verifier string) (token.TokenSet, error) {
	return token.TokenSet{AccessToken: "acc_code_" + code, RefreshToken: "ref_code_" + code, ExpiresIn: 2 * time.Hour}, nil
}

func (e *stubExchanger) Refresh(ctx context.Context, refreshToken string) (token.TokenSet, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	return token.TokenSet{AccessToken: "acc_fresh_0001", RefreshToken: "ref_fresh_0001", ExpiresIn: 2 * time.Hour}, nil
}

func (e *stubExchanger) refreshes() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// fakePoster answers with the error returned by respond, or success when it
// returns nil.
type fakePoster struct {
	mu      sync.Mutex
	calls   int
	tokens  []string
	texts   []string
	respond func(n int, accessToken string) error
}

func (p *fakePoster) Post(ctx context.Context, accessToken, text string) (postapi.Result, error) {
	p.mu.Lock()
	p.calls++
	n, respond := p.calls, p.respond
	p.tokens = append(p.tokens, accessToken)
	p.mu.Unlock()

	if respond != nil {
		if err := respond(n, accessToken); err != nil {
			return postapi.Result{}, err
		}
	}
	p.mu.Lock()
	p.texts = append(p.texts, text)
	p.mu.Unlock()
	return postapi.Result{ID: "post-" + text, Remaining: 99}, nil
}

func (p *fakePoster) setRespond(fn func(n int, accessToken string) error) {
	p.mu.Lock()
	p.respond = fn
	p.mu.Unlock()
}

func (p *fakePoster) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *fakePoster) delivered() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.texts...)
}

type fixture struct {
	s       *Session
	poster  *fakePoster
	exch    *stubExchanger
	monitor *connectivity.Monitor
	bus     eventbus.Bus
	clock   *pktesting.FakeClock

	mu     sync.Mutex
	sleeps []time.Duration
}

func (f *fixture) delays() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.sleeps...)
}

type fixtureConfig struct {
	queueRepo    outbox.Repository
	freshMonitor bool
}

type fixtureOption func(*fixtureConfig)

// withQueueRepo starts the session over an already populated queue.
func withQueueRepo(repo outbox.Repository) fixtureOption {
	return func(c *fixtureConfig) { c.queueRepo = repo }
}

// freshMonitor leaves the monitor without a first reachability result, as at
// process start.
func freshMonitor() fixtureOption {
	return func(c *fixtureConfig) { c.freshMonitor = true }
}

func newFixture(t *testing.T, seed bool, opts ...fixtureOption) *fixture {
	t.Helper()
	ctx := context.Background()
	cfg := fixtureConfig{queueRepo: outbox.NewMemoryRepository()}
	for _, o := range opts {
		o(&cfg)
	}
	f := &fixture{
		poster: &fakePoster{},
		exch:   &stubExchanger{},
		bus:    eventbus.New(),
		clock:  pktesting.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
	}
	f.monitor = connectivity.NewMonitor(connectivity.Options{Bus: f.bus, Now: f.clock.Now})
	if !cfg.freshMonitor {
		f.monitor.ReportReachability(true)
	}

	engine := retry.NewEngine(f.monitor, retry.WithSleep(func(ctx context.Context, d time.Duration) error {
		f.mu.Lock()
		f.sleeps = append(f.sleeps, d)
		f.mu.Unlock()
		return ctx.Err()
	}))

	repo := credential.NewRepository(store.NewMemory(), nil)
	if seed {
		require.NoError(t, repo.Save(ctx, credential.Credential{
			AccessToken:  seedAccess,
			RefreshToken: seedRefresh,
			ExpiresAt:    f.clock.Now().Add(2 * time.Hour),
		}, f.clock.Now()))
	}
	mgr, err := token.NewManager(token.Options{
		Repository: repo,
		Exchanger:  f.exch,
		Retry:      engine,
		Bus:        f.bus,
		Now:        f.clock.Now,
	})
	require.NoError(t, err)
	require.NoError(t, mgr.Load(ctx))

	f.s, err = New(ctx, Config{
		Tokens:  mgr,
		Monitor: f.monitor,
		Retry:   engine,
		Poster:  f.poster,
		Bus:     f.bus,
		Now:     f.clock.Now,
		Queue:   outbox.Options{Repository: cfg.queueRepo},
	})
	require.NoError(t, err)
	return f
}

func TestPostText_Success(t *testing.T) {
	f := newFixture(t, true)

	var phases []Phase
	res, err := f.s.PostTextWithProgress(context.Background(), "hello world", func(p Phase) { phases = append(phases, p) })
	require.NoError(t, err)
	assert.Equal(t, "post-hello world", res.ID)
	assert.False(t, res.Queued)
	assert.Equal(t, PhaseDone, res.Phase)
	assert.Equal(t, []Phase{PhaseValidating, PhaseAuthenticating, PhasePosting, PhaseDone}, phases)
	assert.Equal(t, []string{seedAccess}, f.poster.tokens)

	_, err = f.s.PostText(context.Background(), "hello   world")
	assert.ErrorIs(t, err, outbox.ErrDuplicate)
	assert.Equal(t, 1, f.poster.callCount())
}

func TestPostText_RefreshesInsideMarginBeforeSending(t *testing.T) {
	f := newFixture(t, true)
	f.clock.Advance(time.Hour + 50*time.Minute)

	res, err := f.s.PostText(context.Background(), "within margin")
	require.NoError(t, err)
	assert.Equal(t, PhaseDone, res.Phase)
	assert.Equal(t, 1, f.exch.refreshes())
	assert.Equal(t, []string{"acc_fresh_0001"}, f.poster.tokens)
	assert.Zero(t, f.s.Tokens().InFlight())
}

func TestPostText_Validation(t *testing.T) {
	f := newFixture(t, true)

	for _, text := range []string{"", "   \n\t", strings.Repeat("a", 281)} {
		res, err := f.s.PostText(context.Background(), text)
		assert.ErrorIs(t, err, ErrInvalidText)
		assert.Equal(t, PhaseFailed, res.Phase)
	}
	assert.Zero(t, f.poster.callCount())

	_, err := f.s.PostText(context.Background(), strings.Repeat("é", 280))
	assert.NoError(t, err)
}

func TestPostText_NotAuthenticated(t *testing.T) {
	f := newFixture(t, false)

	res, err := f.s.PostText(context.Background(), "anyone there?")
	assert.ErrorIs(t, err, token.ErrNotAuthenticated)
	assert.Equal(t, PhaseFailed, res.Phase)
	assert.Zero(t, f.s.Queue().Depth())
}

func TestPostText_UnauthorizedRefreshesOnce(t *testing.T) {
	f := newFixture(t, true)
	f.poster.setRespond(func(n int, access string) error {
		if access == seedAccess {
			return &retry.NetworkError{Class: retry.ClassUnauthorized, StatusCode: 401}
		}
		return nil
	})

	res, err := f.s.PostText(context.Background(), "after refresh")
	require.NoError(t, err)
	assert.Equal(t, PhaseDone, res.Phase)
	assert.Equal(t, 1, f.exch.refreshes())
	assert.Equal(t, []string{seedAccess, "acc_fresh_0001"}, f.poster.tokens)
}

func TestPostText_NonRetryableFailsImmediately(t *testing.T) {
	f := newFixture(t, true)
	f.poster.setRespond(func(int, string) error {
		return &retry.NetworkError{Class: retry.ClassBadServerResponse, StatusCode: 403}
	})

	res, err := f.s.PostText(context.Background(), "forbidden words")
	assert.Equal(t, retry.ClassBadServerResponse, retry.Classify(err))
	assert.Equal(t, PhaseFailed, res.Phase)
	assert.Equal(t, 1, f.poster.callCount())
	assert.Zero(t, f.s.Queue().Depth())
}

func TestPostText_CancelledIsNotQueued(t *testing.T) {
	f := newFixture(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	f.poster.setRespond(func(int, string) error {
		cancel()
		return &retry.NetworkError{Class: retry.ClassTimeout}
	})

	res, err := f.s.PostText(ctx, "never mind")
	assert.Equal(t, retry.ClassCancelled, retry.Classify(err))
	assert.Equal(t, PhaseFailed, res.Phase)
	assert.Zero(t, f.s.Queue().Depth())
}

func TestPostText_OfflineQueuesWithoutSending(t *testing.T) {
	f := newFixture(t, true)
	f.monitor.ReportReachability(false)

	res, err := f.s.PostText(context.Background(), "written on a plane")
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.Equal(t, PhaseQueued, res.Phase)
	assert.NotEmpty(t, res.QueueID)
	assert.Zero(t, f.poster.callCount())
	assert.Equal(t, 1, f.s.Queue().Depth())

	_, err = f.s.PostText(context.Background(), "written on a plane")
	assert.ErrorIs(t, err, outbox.ErrDuplicate)
}

func TestPoorQualityTimeoutQueuesThenDrainsOnReconnect(t *testing.T) {
	f := newFixture(t, true)
	f.monitor.ReportSignal(time.Second, 0.2)
	require.Equal(t, connectivity.Poor, f.monitor.CurrentQuality())

	f.poster.setRespond(func(int, string) error {
		return &retry.NetworkError{Class: retry.ClassTimeout, Op: "POST /2/posts"}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, f.s.Start(ctx))
	t.Cleanup(f.s.Stop)

	res, err := f.s.PostText(ctx, "status update from the tunnel")
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.Equal(t, 3, f.poster.callCount())
	assert.Equal(t, []time.Duration{10 * time.Second, 20 * time.Second}, f.delays())
	assert.Equal(t, 1, f.s.Queue().Depth())

	f.poster.setRespond(nil)
	f.monitor.ReportReachability(false)
	f.monitor.ReportReachability(true)

	require.Eventually(t, func() bool { return f.s.Queue().Depth() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"status update from the tunnel"}, f.poster.delivered())
	assert.Equal(t, 4, f.poster.callCount())

	f.monitor.ReportReachability(false)
	f.monitor.ReportReachability(true)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 4, f.poster.callCount())
}

func TestStartDrainsBackedOffPostsOnFirstConnection(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := outbox.NewMemoryRepository()
	require.NoError(t, repo.Put(ctx, outbox.QueuedPost{
		ID:                  "01JN0000000000000000000001",
		Text:                "left over from last run",
		CreatedAt:           now.Add(-time.Hour),
		RetryCount:          3,
		NextEligibleRetryAt: now.Add(30 * time.Minute),
	}))

	f := newFixture(t, true, withQueueRepo(repo), freshMonitor())
	require.Equal(t, 1, f.s.Queue().Depth())

	require.NoError(t, f.s.Start(ctx))
	t.Cleanup(f.s.Stop)

	require.Eventually(t, func() bool { return f.s.Queue().Depth() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"left over from last run"}, f.poster.delivered())
}

func TestQueuedDeliveryRefreshesOnUnauthorized(t *testing.T) {
	f := newFixture(t, true)
	f.monitor.ReportReachability(false)
	_, err := f.s.PostText(context.Background(), "queued while offline")
	require.NoError(t, err)

	f.monitor.ReportReachability(true)
	f.poster.setRespond(func(n int, access string) error {
		if access == seedAccess {
			return &retry.NetworkError{Class: retry.ClassUnauthorized, StatusCode: 401}
		}
		return nil
	})

	assert.Equal(t, 1, f.s.Queue().ForceProcessAll(context.Background()))
	assert.Equal(t, 1, f.exch.refreshes())
	assert.Zero(t, f.s.Queue().Depth())
}

func TestSleepAndWakePauseBackgroundTasks(t *testing.T) {
	f := newFixture(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, f.s.Start(ctx))
	t.Cleanup(f.s.Stop)

	f.bus.Publish(eventbus.TopicSystemSleep, eventbus.LifecycleEvent{At: f.clock.Now()})
	assert.True(t, f.s.Paused())

	f.bus.Publish(eventbus.TopicSystemWake, eventbus.LifecycleEvent{At: f.clock.Now()})
	assert.False(t, f.s.Paused())

	f.s.Stop()
	f.bus.Publish(eventbus.TopicSystemSleep, eventbus.LifecycleEvent{At: f.clock.Now()})
	assert.False(t, f.s.Paused())
}

func TestAuthenticateAndSignOut(t *testing.T) {
	f := newFixture(t, false)
	assert.False(t, f.s.IsAuthenticated())

	err := f.s.Authenticate(context.Background())
	require.Error(t, err)

	f.s.authorizer = AuthorizationFunc(func(ctx context.Context) (token.AuthorizationResult, error) {
		return token.AuthorizationResult{Code: "c0de", State: "st", ExpectedState: "st", Verifier: "v3rifier"}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	states := f.s.SubscribeState(ctx)
	assert.IsType(t, token.Disconnected{}, <-states)

	require.NoError(t, f.s.Authenticate(context.Background()))
	assert.True(t, f.s.IsAuthenticated())
	assert.IsType(t, token.Authenticating{}, <-states)
	assert.IsType(t, token.Authenticated{}, <-states)

	require.NoError(t, f.s.SignOut(context.Background()))
	assert.False(t, f.s.IsAuthenticated())
	assert.IsType(t, token.Disconnected{}, <-states)
}

func TestSubscribeQueueDepth(t *testing.T) {
	f := newFixture(t, true)
	f.monitor.ReportReachability(false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	depth := f.s.SubscribeQueueDepth(ctx)
	assert.Equal(t, 0, <-depth)

	_, err := f.s.PostText(ctx, "one")
	require.NoError(t, err)
	assert.Equal(t, 1, <-depth)
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "validating", PhaseValidating.String())
	assert.Equal(t, "queued", PhaseQueued.String())
	assert.True(t, PhaseFailed.Terminal())
	assert.False(t, PhasePosting.Terminal())
}
