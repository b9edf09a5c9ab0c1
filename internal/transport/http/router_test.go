package httptransport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postkeeper/internal/platform/metrics"
	pktesting "postkeeper/internal/platform/testing"
)

func buildTestRouter(t *testing.T, token string) (*Router, *metrics.Metrics) {
	t.Helper()
	m := metrics.New()
	var auth gin.HandlerFunc
	if token != "" {
		auth = BearerAuth(token)
	}
	r, err := Build(Options{Config: pktesting.SetupTestConfig(t), Metrics: m, AuthMiddleware: auth})
	require.NoError(t, err)
	r.Secured.GET("/ping", func(c *gin.Context) { RespondSuccess(c, http.StatusOK, "pong", "") })
	return r, m
}

func TestBuildRequiresConfig(t *testing.T) {
	_, err := Build(Options{})
	assert.Error(t, err)
}

func TestBearerAuth(t *testing.T) {
	r, _ := buildTestRouter(t, "s3cret")

	cases := []struct {
		name   string
		header string
		query  string
		want   int
	}{
		{"missing", "", "", http.StatusUnauthorized},
		{"wrong", "Bearer nope", "", http.StatusUnauthorized},
		{"header", "Bearer s3cret", "", http.StatusOK},
		{"query", "", "?token=s3cret", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/ping"+tc.query, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			r.Engine.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestUnsecuredRouterAndMetrics(t *testing.T) {
	r, _ := buildTestRouter(t, "")

	rec := httptest.NewRecorder()
	r.Engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/ping", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pong")

	rec = httptest.NewRecorder()
	r.Engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `path="/api/ping"`), body)
}
