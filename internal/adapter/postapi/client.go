// Package postapi publishes text posts to the remote social API.
package postapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"postkeeper/internal/adapter/transport"
	"postkeeper/internal/domain/retry"
	"postkeeper/internal/platform/logging"
)

type Config struct {
	BaseURL            string
	PostPath           string
	RateLimitWarnBelow int
}

// Result is what the API reports for an accepted post. Remaining is -1 when
// the rate limit header was absent.
type Result struct {
	ID        string
	Text      string
	Remaining int
}

type Client struct {
	cfg    Config
	sender transport.Sender
	logger logging.Interface
	now    func() time.Time
}

func New(cfg Config, sender transport.Sender, logger logging.Interface) *Client {
	if cfg.PostPath == "" {
		cfg.PostPath = "/2/posts"
	}
	return &Client{
		cfg:    cfg,
		sender: sender,
		logger: logging.OrDiscard(logger),
		now:    time.Now,
	}
}

type createRequest struct {
	Text string `json:"text"`
}

type createResponse struct {
	Data struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	} `json:"data"`
}

type apiError struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// Post publishes text with the given bearer token.
func (c *Client) Post(ctx context.Context, accessToken, text string) (Result, error) {
	body, err := sonic.Marshal(createRequest{Text: text})
	if err != nil {
		return Result{}, fmt.Errorf("encode post: %w", err)
	}
	url := strings.TrimRight(c.cfg.BaseURL, "/") + c.cfg.PostPath
	resp, err := c.sender.Send(ctx, transport.Request{
		Method: http.MethodPost,
		URL:    url,
		Header: http.Header{
			"Authorization": {"Bearer " + accessToken},
			"Content-Type":  {"application/json"},
		},
		Body: body,
	})
	if err != nil {
		return Result{}, err
	}

	remaining := c.checkRateLimit(resp.Header)
	op := "POST " + c.cfg.PostPath
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, c.statusError(op, resp)
	}

	var out createResponse
	if len(resp.Body) > 0 {
		if err := sonic.Unmarshal(resp.Body, &out); err != nil {
			return Result{}, &retry.NetworkError{Class: retry.ClassBadServerResponse, Op: op, StatusCode: resp.StatusCode, Err: err}
		}
	}
	return Result{ID: out.Data.ID, Text: out.Data.Text, Remaining: remaining}, nil
}

func (c *Client) statusError(op string, resp transport.Response) error {
	ne := &retry.NetworkError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("%s", describe(resp))}
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		ne.Class = retry.ClassUnauthorized
	case http.StatusTooManyRequests:
		ne.Class = retry.ClassRateLimited
		ne.RetryAfter = ParseRetryAfter(resp.Header.Get("Retry-After"), c.now())
		if ne.RetryAfter == 0 {
			ne.RetryAfter = untilReset(resp.Header.Get("X-Rate-Limit-Reset"), c.now())
		}
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		ne.Class = retry.ClassServerUnavailable
	default:
		ne.Class = retry.ClassBadServerResponse
	}
	return ne
}

func (c *Client) checkRateLimit(h http.Header) int {
	raw := h.Get("X-Rate-Limit-Remaining")
	if raw == "" {
		return -1
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return -1
	}
	if n < c.cfg.RateLimitWarnBelow {
		c.logger.Warn("rate limit nearly exhausted", map[string]any{
			"remaining": n,
			"reset":     h.Get("X-Rate-Limit-Reset"),
		})
	}
	return n
}

func describe(resp transport.Response) string {
	var e apiError
	if err := sonic.Unmarshal(resp.Body, &e); err == nil {
		switch {
		case e.Detail != "":
			return fmt.Sprintf("status %d: %s", resp.StatusCode, e.Detail)
		case len(e.Errors) > 0 && e.Errors[0].Message != "":
			return fmt.Sprintf("status %d: %s", resp.StatusCode, e.Errors[0].Message)
		case e.Title != "":
			return fmt.Sprintf("status %d: %s", resp.StatusCode, e.Title)
		}
	}
	return fmt.Sprintf("status %d", resp.StatusCode)
}

// ParseRetryAfter accepts delay-seconds or an HTTP date. Zero means absent
// or unparseable.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func untilReset(v string, now time.Time) time.Duration {
	epoch, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0
	}
	if d := time.Unix(epoch, 0).Sub(now); d > 0 {
		return d
	}
	return 0
}
