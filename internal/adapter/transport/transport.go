// Package transport is the HTTP send function used by the API adapters.
// Failures come back as classified *retry.NetworkError values.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"postkeeper/internal/domain/retry"
)

const maxBody = 1 << 20

type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Sender sends one request. A non-nil error means no HTTP response was
// received; HTTP error statuses are returned as responses.
type Sender interface {
	Send(ctx context.Context, req Request) (Response, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, req Request) (Response, error)

func (f SenderFunc) Send(ctx context.Context, req Request) (Response, error) { return f(ctx, req) }

type Options struct {
	UserAgent       string
	IdleConnTimeout time.Duration
}

// HTTPSender sends over a pooled http.Client. Deadlines come from the
// request context only.
type HTTPSender struct {
	client    *http.Client
	userAgent string
}

func NewHTTP(client *http.Client, opts Options) *HTTPSender {
	if client == nil {
		idle := opts.IdleConnTimeout
		if idle <= 0 {
			idle = 90 * time.Second
		}
		client = &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        16,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     idle,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		}
	}
	return &HTTPSender{client: client, userAgent: opts.UserAgent}
}

func (s *HTTPSender) Send(ctx context.Context, r Request) (Response, error) {
	op := r.Method + " " + pathOf(r.URL)

	var body io.Reader
	if r.Body != nil {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL, body)
	if err != nil {
		return Response{}, fmt.Errorf("build request %s: %w", op, err)
	}
	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if s.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", s.userAgent)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return Response{}, &retry.NetworkError{Class: classify(ctx, err), Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return Response{}, &retry.NetworkError{Class: classifyRead(ctx, err), Op: op, StatusCode: resp.StatusCode, Err: err}
	}
	return Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

func classify(ctx context.Context, err error) retry.Class {
	if ctx.Err() != nil {
		return retry.Classify(ctx.Err())
	}
	if c := retry.Classify(err); c != retry.ClassUnknown {
		return c
	}
	return retry.ClassCannotConnect
}

func classifyRead(ctx context.Context, err error) retry.Class {
	if ctx.Err() != nil {
		return retry.Classify(ctx.Err())
	}
	if c := retry.Classify(err); c == retry.ClassTimeout || c == retry.ClassCancelled {
		return c
	}
	return retry.ClassConnectionLost
}

func pathOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Path == "" {
		return raw
	}
	return u.Path
}
