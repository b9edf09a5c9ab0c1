// Package oauthclient exchanges authorization codes and refresh tokens
// against an OAuth2 token endpoint.
package oauthclient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"postkeeper/internal/adapter/transport"
	"postkeeper/internal/domain/credential"
	"postkeeper/internal/domain/retry"
	"postkeeper/internal/domain/token"
	"postkeeper/internal/platform/logging"
)

type Config struct {
	TokenURL     string
	UserInfoURL  string
	ClientID     string
	ClientSecret string
	RedirectURI  string
}

type Client struct {
	cfg    Config
	sender transport.Sender
	logger logging.Interface
}

var _ token.Exchanger = (*Client)(nil)

func New(cfg Config, sender transport.Sender, logger logging.Interface) *Client {
	return &Client{cfg: cfg, sender: sender, logger: logging.OrDiscard(logger)}
}

// ExchangeCode trades an authorization code and its PKCE verifier for tokens.
func (c *Client) ExchangeCode(ctx context.Context, code, verifier string) (token.TokenSet, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", c.cfg.RedirectURI)
	form.Set("client_id", c.cfg.ClientID)
	form.Set("code_verifier", verifier)
	if c.cfg.ClientSecret != "" {
		form.Set("client_secret", c.cfg.ClientSecret)
	}

	set, err := c.exchange(ctx, form, false)
	if err != nil {
		return token.TokenSet{}, err
	}
	set.Profile = c.fetchProfile(ctx, set.AccessToken)
	return set, nil
}

// Refresh rotates the token pair. Rejected grants wrap
// token.ErrRefreshPermanent.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (token.TokenSet, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", c.cfg.ClientID)
	if c.cfg.ClientSecret != "" {
		form.Set("client_secret", c.cfg.ClientSecret)
	}
	return c.exchange(ctx, form, true)
}

func (c *Client) exchange(ctx context.Context, form url.Values, refresh bool) (token.TokenSet, error) {
	op := "POST " + pathOf(c.cfg.TokenURL)
	resp, err := c.sender.Send(ctx, transport.Request{
		Method: http.MethodPost,
		URL:    c.cfg.TokenURL,
		Header: http.Header{
			"Content-Type": {"application/x-www-form-urlencoded"},
			"Accept":       {"application/json"},
		},
		Body: []byte(form.Encode()),
	})
	if err != nil {
		return token.TokenSet{}, err
	}

	var raw map[string]any
	if len(resp.Body) > 0 {
		if err := sonic.Unmarshal(resp.Body, &raw); err != nil && resp.StatusCode < 300 {
			return token.TokenSet{}, &retry.NetworkError{Class: retry.ClassBadServerResponse, Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode token response: %w", err)}
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return token.TokenSet{}, statusError(op, resp, raw, refresh)
	}

	set := token.TokenSet{
		AccessToken:  stringValue(raw["access_token"]),
		RefreshToken: stringValue(raw["refresh_token"]),
		ExpiresIn:    time.Duration(int64Value(raw["expires_in"])) * time.Second,
	}
	if set.AccessToken == "" {
		return token.TokenSet{}, &retry.NetworkError{Class: retry.ClassBadServerResponse, Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("token response missing access_token")}
	}
	return set, nil
}

func statusError(op string, resp transport.Response, raw map[string]any, refresh bool) error {
	code := stringValue(raw["error"])
	desc := stringValue(raw["error_description"])
	cause := fmt.Errorf("status %d", resp.StatusCode)
	if code != "" {
		cause = fmt.Errorf("%s: %s", code, desc)
	}

	ne := &retry.NetworkError{Op: op, StatusCode: resp.StatusCode, Err: cause}
	switch {
	case refresh && isGrantRejection(code):
		ne.Class = retry.ClassBadServerResponse
		ne.Err = fmt.Errorf("%w: %w", token.ErrRefreshPermanent, cause)
	case resp.StatusCode == http.StatusTooManyRequests:
		ne.Class = retry.ClassRateLimited
		if secs, err := strconv.Atoi(strings.TrimSpace(resp.Header.Get("Retry-After"))); err == nil && secs > 0 {
			ne.RetryAfter = time.Duration(secs) * time.Second
		}
	case resp.StatusCode >= 500:
		ne.Class = retry.ClassServerUnavailable
	case resp.StatusCode == http.StatusUnauthorized && refresh:
		ne.Class = retry.ClassBadServerResponse
		ne.Err = fmt.Errorf("%w: %w", token.ErrRefreshPermanent, cause)
	default:
		ne.Class = retry.ClassBadServerResponse
	}
	return ne
}

func isGrantRejection(code string) bool {
	switch code {
	case "invalid_grant", "invalid_client", "unauthorized_client":
		return true
	}
	return false
}

// fetchProfile is best effort; a failure only loses the display name.
func (c *Client) fetchProfile(ctx context.Context, accessToken string) *credential.UserProfile {
	if c.cfg.UserInfoURL == "" {
		return nil
	}
	resp, err := c.sender.Send(ctx, transport.Request{
		Method: http.MethodGet,
		URL:    c.cfg.UserInfoURL,
		Header: http.Header{"Authorization": {"Bearer " + accessToken}},
	})
	if err != nil {
		c.logger.Warn("fetch user profile failed: %v", err)
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("fetch user profile failed: status %d", resp.StatusCode)
		return nil
	}

	var raw map[string]any
	if err := sonic.Unmarshal(resp.Body, &raw); err != nil {
		c.logger.Warn("decode user profile failed: %v", err)
		return nil
	}
	if data, ok := raw["data"].(map[string]any); ok {
		raw = data
	}
	p := &credential.UserProfile{
		ID:       stringValue(raw["id"]),
		Username: stringValue(raw["username"]),
		Name:     stringValue(raw["name"]),
	}
	if p.ID == "" && p.Username == "" {
		return nil
	}
	return p
}

func stringValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatInt(int64(t), 10)
	default:
		return ""
	}
}

func int64Value(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case int64:
		return t
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	default:
		return 0
	}
}

func pathOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Path == "" {
		return raw
	}
	return u.Path
}
