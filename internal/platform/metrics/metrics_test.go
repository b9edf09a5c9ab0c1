package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Observe(t *testing.T) {
	m := New()
	m.ObserveRefresh("success")
	m.ObserveRefresh("success")
	m.ObservePost("queued")
	m.SetQueueDepth(3)
	m.SetQuality(2)
	m.ObserveHTTP("POST", "/api/posts", 202, 5*time.Millisecond)
	m.AddEventStreams(2)
	m.AddEventStreams(-1)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RefreshTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PostsTotal.WithLabelValues("queued")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.QueueDepth))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("POST", "/api/posts", "202")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventStreams))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "postkeeper_queue_depth 3"))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.ObserveRefresh("success")
	m.ObserveAttempt("posting", "retry")
	m.SetQueueDepth(1)
	m.ObserveNotification("queued")
	m.ObserveHTTP("GET", "/api/status", 200, time.Millisecond)
	m.AddEventStreams(1)
	assert.Nil(t, m.Registry())
}
