package transport

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postkeeper/internal/domain/retry"
)

func TestHTTPSender_ReturnsStatusAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "postkeeper-test", r.Header.Get("User-Agent"))
		assert.Equal(t, "Bearer abc", r.Header.Get("Authorization"))
		w.Header().Set("X-Rate-Limit-Remaining", "3")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"title":"Too Many Requests"}`))
	}))
	defer srv.Close()

	s := NewHTTP(nil, Options{UserAgent: "postkeeper-test"})
	resp, err := s.Send(context.Background(), Request{
		Method: http.MethodPost,
		URL:    srv.URL + "/2/posts",
		Header: http.Header{"Authorization": {"Bearer abc"}},
		Body:   []byte(`{}`),
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "3", resp.Header.Get("X-Rate-Limit-Remaining"))
	assert.Contains(t, string(resp.Body), "Too Many")
}

func TestHTTPSender_ClassifiesTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := NewHTTP(nil, Options{}).Send(ctx, Request{Method: http.MethodGet, URL: srv.URL})
	require.Error(t, err)
	assert.Equal(t, retry.ClassTimeout, retry.Classify(err))
}

func TestHTTPSender_ClassifiesRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = NewHTTP(nil, Options{}).Send(context.Background(), Request{Method: http.MethodGet, URL: "http://" + addr + "/x"})
	require.Error(t, err)
	assert.Equal(t, retry.ClassCannotConnect, retry.Classify(err))
}

func TestHTTPSender_ClassifiesCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewHTTP(nil, Options{}).Send(ctx, Request{Method: http.MethodGet, URL: "http://127.0.0.1:1/"})
	assert.Equal(t, retry.ClassCancelled, retry.Classify(err))
}

func TestSenderFunc(t *testing.T) {
	var s Sender = SenderFunc(func(ctx context.Context, req Request) (Response, error) {
		return Response{StatusCode: 204}, nil
	})
	resp, err := s.Send(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, 204, resp.StatusCode)
}
