package control

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postkeeper/internal/adapter/postapi"
	"postkeeper/internal/app/session"
	"postkeeper/internal/domain/connectivity"
	"postkeeper/internal/domain/credential"
	"postkeeper/internal/domain/credential/store"
	"postkeeper/internal/domain/eventbus"
	"postkeeper/internal/domain/outbox"
	"postkeeper/internal/domain/retry"
	"postkeeper/internal/domain/token"
	"postkeeper/internal/platform/metrics"
	pktesting "postkeeper/internal/platform/testing"
	httptransport "postkeeper/internal/transport/http"
	"postkeeper/internal/transport/ws"
)

const controlToken = "ctl-test-token"

type okExchanger struct{}

func (okExchanger) ExchangeCode(ctx context.Context, code, verifier string) (token.TokenSet, error) {
	return token.TokenSet{AccessToken: "acc_c_" + code, RefreshToken: "ref_c_" + code, ExpiresIn: 2 * time.Hour}, nil
}

func (okExchanger) Refresh(ctx context.Context, rt string) (token.TokenSet, error) {
	return token.TokenSet{AccessToken: "acc_r_000001", RefreshToken: "ref_r_000001", ExpiresIn: 2 * time.Hour}, nil
}

type echoPoster struct{ fail error }

func (p *echoPoster) Post(ctx context.Context, access, text string) (postapi.Result, error) {
	if p.fail != nil {
		return postapi.Result{}, p.fail
	}
	return postapi.Result{ID: "9001", Remaining: 50}, nil
}

type harness struct {
	srv     *httptest.Server
	session *session.Session
	monitor *connectivity.Monitor
	poster  *echoPoster
	bus     eventbus.Bus
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	clock := pktesting.NewFakeClock(time.Now())
	bus := eventbus.New()
	m := metrics.New()
	monitor := connectivity.NewMonitor(connectivity.Options{Bus: bus, Now: clock.Now})
	monitor.ReportReachability(true)
	engine := retry.NewEngine(monitor, retry.WithSleep(func(ctx context.Context, d time.Duration) error { return ctx.Err() }))

	repo := credential.NewRepository(store.NewMemory(), nil)
	require.NoError(t, repo.Save(ctx, credential.Credential{
		AccessToken:  "acc_control_0001",
		RefreshToken: "ref_control_0001",
		ExpiresAt:    clock.Now().Add(2 * time.Hour),
		Profile:      &credential.UserProfile{ID: "1", Username: "keeper"},
	}, clock.Now()))
	mgr, err := token.NewManager(token.Options{Repository: repo, Exchanger: okExchanger{}, Retry: engine, Bus: bus, Now: clock.Now})
	require.NoError(t, err)
	require.NoError(t, mgr.Load(ctx))

	poster := &echoPoster{}
	s, err := session.New(ctx, session.Config{
		Tokens:  mgr,
		Monitor: monitor,
		Retry:   engine,
		Poster:  poster,
		Bus:     bus,
		Metrics: m,
		Now:     clock.Now,
		Queue:   outbox.Options{Repository: outbox.NewMemoryRepository()},
	})
	require.NoError(t, err)

	cfg := pktesting.SetupTestConfig(t)
	router, err := httptransport.Build(httptransport.Options{
		Config:         cfg,
		Metrics:        m,
		AuthMiddleware: httptransport.BearerAuth(controlToken),
	})
	require.NoError(t, err)

	events := ws.NewRouter(ws.NewHub(nil), EventSource(s), nil, ws.RouterOptions{Metrics: m})
	svc, err := NewService(s, bus, events, nil)
	require.NoError(t, err)
	svc.Register(ctx, router.Secured)

	srv := httptest.NewServer(router.Engine)
	t.Cleanup(func() {
		events.Hub().CloseAll(nil)
		srv.Close()
	})
	return &harness{srv: srv, session: s, monitor: monitor, poster: poster, bus: bus}
}

func (h *harness) do(t *testing.T, method, path, body string) (int, httptransport.APIResponse) {
	t.Helper()
	req, err := http.NewRequest(method, h.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+controlToken)
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out httptransport.APIResponse
	require.NoError(t, sonic.ConfigDefault.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestStatus(t *testing.T) {
	h := newHarness(t)
	code, resp := h.do(t, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, code)
	data := resp.Data.(map[string]any)
	assert.Equal(t, "authenticated", data["state"])
	assert.Equal(t, "keeper", data["username"])
	assert.Equal(t, "excellent", data["quality"])
	assert.Equal(t, true, data["reachable"])
}

func TestAuthRequired(t *testing.T) {
	h := newHarness(t)
	resp, err := h.srv.Client().Get(h.srv.URL + "/api/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = h.srv.Client().Get(h.srv.URL + "/api/status?token=" + controlToken)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPostEndpoint(t *testing.T) {
	h := newHarness(t)

	code, resp := h.do(t, http.MethodPost, "/api/posts", `{"text":"from the api"}`)
	assert.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "9001", resp.Data.(map[string]any)["id"])

	code, _ = h.do(t, http.MethodPost, "/api/posts", `{"text":"from the api"}`)
	assert.Equal(t, http.StatusConflict, code)

	code, _ = h.do(t, http.MethodPost, "/api/posts", `{"text":""}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = h.do(t, http.MethodPost, "/api/posts", `not json`)
	assert.Equal(t, http.StatusBadRequest, code)

	h.poster.fail = &retry.NetworkError{Class: retry.ClassBadServerResponse, StatusCode: 403}
	code, _ = h.do(t, http.MethodPost, "/api/posts", `{"text":"rejected"}`)
	assert.Equal(t, http.StatusBadGateway, code)
}

func TestQueueEndpoints(t *testing.T) {
	h := newHarness(t)
	h.monitor.ReportReachability(false)

	code, resp := h.do(t, http.MethodPost, "/api/posts", `{"text":"offline note"}`)
	require.Equal(t, http.StatusAccepted, code)
	id := resp.Data.(map[string]any)["queueId"].(string)
	require.NotEmpty(t, id)

	code, resp = h.do(t, http.MethodGet, "/api/queue", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, resp.Data, 1)

	code, resp = h.do(t, http.MethodGet, "/api/notifications", "")
	assert.Equal(t, http.StatusOK, code)
	notes := resp.Data.([]any)
	require.Len(t, notes, 1)
	assert.Equal(t, "queued", notes[0].(map[string]any)["type"])

	h.monitor.ReportReachability(true)
	code, resp = h.do(t, http.MethodPost, "/api/queue/process", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), resp.Data.(map[string]any)["sent"])

	code, _ = h.do(t, http.MethodDelete, "/api/queue/"+id, "")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = h.do(t, http.MethodPost, "/api/queue/"+id+"/retry", "")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = h.do(t, http.MethodDelete, "/api/queue", "")
	assert.Equal(t, http.StatusOK, code)
}

func TestLifecycleAndSignOut(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.session.Start(ctx))
	t.Cleanup(h.session.Stop)

	code, resp := h.do(t, http.MethodPost, "/api/lifecycle/sleep", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, resp.Data.(map[string]any)["paused"])

	code, resp = h.do(t, http.MethodPost, "/api/lifecycle/wake", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, resp.Data.(map[string]any)["paused"])

	code, _ = h.do(t, http.MethodPost, "/api/auth/refresh", "")
	assert.Equal(t, http.StatusOK, code)

	code, _ = h.do(t, http.MethodPost, "/api/auth/signout", "")
	assert.Equal(t, http.StatusOK, code)
	code, _ = h.do(t, http.MethodPost, "/api/auth/refresh", "")
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t)
	h.do(t, http.MethodGet, "/api/status", "")

	resp, err := h.srv.Client().Get(h.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	buf := new(strings.Builder)
	_, _ = io.Copy(buf, resp.Body)
	assert.Contains(t, buf.String(), `postkeeper_control_http_requests_total{method="GET",path="/api/status",status="200"} 1`)
}

func TestEventStream(t *testing.T) {
	h := newHarness(t)
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/api/events?token=" + controlToken
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	seen := map[string]bool{}
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for !(seen["state"] && seen["queue_depth"] && seen["quality"]) {
		var f struct {
			Type string `json:"type"`
		}
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		require.NoError(t, sonic.Unmarshal(data, &f))
		seen[f.Type] = true
	}

	h.monitor.ReportReachability(false)
	_, err = h.session.PostText(context.Background(), "streamed")
	require.NoError(t, err)
	for !seen["notification"] {
		var f struct {
			Type string `json:"type"`
		}
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		require.NoError(t, sonic.Unmarshal(data, &f))
		seen[f.Type] = true
	}
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(session.ErrInvalidText))
	assert.Equal(t, http.StatusConflict, statusFor(outbox.ErrDuplicate))
	assert.Equal(t, http.StatusUnauthorized, statusFor(token.ErrNotAuthenticated))
	assert.Equal(t, http.StatusTooManyRequests, statusFor(retry.ErrRateLimited))
	assert.Equal(t, http.StatusRequestTimeout, statusFor(retry.Cancelled("x", context.Canceled)))
	assert.Equal(t, http.StatusBadGateway, statusFor(retry.ErrTimeout))
}
