package oauthclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postkeeper/internal/adapter/transport"
	"postkeeper/internal/domain/retry"
	"postkeeper/internal/domain/token"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{
		TokenURL:     srv.URL + "/oauth2/token",
		UserInfoURL:  srv.URL + "/2/users/me",
		ClientID:     "client-1",
		ClientSecret: "s3cret",
		RedirectURI:  "http://127.0.0.1:8765/callback",
	}, transport.NewHTTP(srv.Client(), transport.Options{}), nil)
}

func TestExchangeCode(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
		assert.Equal(t, "code-abc", r.PostForm.Get("code"))
		assert.Equal(t, "verifier-xyz", r.PostForm.Get("code_verifier"))
		assert.Equal(t, "client-1", r.PostForm.Get("client_id"))
		assert.Equal(t, "http://127.0.0.1:8765/callback", r.PostForm.Get("redirect_uri"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"acc_1","refresh_token":"ref_1","expires_in":7200,"token_type":"bearer"}`))
	})
	mux.HandleFunc("/2/users/me", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer acc_1", r.Header.Get("Authorization"))
		w.Write([]byte(`{"data":{"id":"42","username":"keeper","name":"Post Keeper"}}`))
	})

	set, err := newTestClient(t, mux).ExchangeCode(context.Background(), "code-abc", "verifier-xyz")
	require.NoError(t, err)
	assert.Equal(t, "acc_1", set.AccessToken)
	assert.Equal(t, "ref_1", set.RefreshToken)
	assert.Equal(t, 2*time.Hour, set.ExpiresIn)
	require.NotNil(t, set.Profile)
	assert.Equal(t, "keeper", set.Profile.Username)
}

func TestExchangeCode_ProfileFailureIsIgnored(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"access_token":"acc_1","refresh_token":"ref_1","expires_in":"3600"}`))
	})
	mux.HandleFunc("/2/users/me", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	set, err := newTestClient(t, mux).ExchangeCode(context.Background(), "c", "v")
	require.NoError(t, err)
	assert.Equal(t, time.Hour, set.ExpiresIn)
	assert.Nil(t, set.Profile)
}

func TestExchangeCode_Rejected(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant","error_description":"code expired"}`))
	}))
	_, err := c.ExchangeCode(context.Background(), "c", "v")
	require.Error(t, err)
	assert.Equal(t, retry.ClassBadServerResponse, retry.Classify(err))
	assert.NotErrorIs(t, err, token.ErrRefreshPermanent)
	assert.Contains(t, err.Error(), "code expired")
}

func TestRefresh(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "ref_1", r.PostForm.Get("refresh_token"))
		w.Write([]byte(`{"access_token":"acc_2","expires_in":7200}`))
	}))
	set, err := c.Refresh(context.Background(), "ref_1")
	require.NoError(t, err)
	assert.Equal(t, "acc_2", set.AccessToken)
	assert.Empty(t, set.RefreshToken)
}

func TestRefresh_ErrorClasses(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		class     retry.Class
		permanent bool
	}{
		{"invalid grant", http.StatusBadRequest, `{"error":"invalid_grant"}`, retry.ClassBadServerResponse, true},
		{"invalid client", http.StatusUnauthorized, `{"error":"invalid_client"}`, retry.ClassBadServerResponse, true},
		{"bad request", http.StatusBadRequest, `{"error":"invalid_request"}`, retry.ClassBadServerResponse, false},
		{"server down", http.StatusServiceUnavailable, ``, retry.ClassServerUnavailable, false},
		{"server error", http.StatusInternalServerError, `<html>`, retry.ClassServerUnavailable, false},
		{"throttled", http.StatusTooManyRequests, `{}`, retry.ClassRateLimited, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			_, err := c.Refresh(context.Background(), "ref_1")
			require.Error(t, err)
			assert.Equal(t, tt.class, retry.Classify(err))
			if tt.permanent {
				assert.ErrorIs(t, err, token.ErrRefreshPermanent)
			} else {
				assert.NotErrorIs(t, err, token.ErrRefreshPermanent)
			}
		})
	}
}

func TestRefresh_MissingAccessToken(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"token_type":"bearer"}`))
	}))
	_, err := c.Refresh(context.Background(), "ref_1")
	assert.Equal(t, retry.ClassBadServerResponse, retry.Classify(err))
}

func TestValueHelpers(t *testing.T) {
	assert.Equal(t, "abc", stringValue("abc"))
	assert.Equal(t, "12", stringValue(float64(12)))
	assert.Equal(t, "", stringValue(nil))
	assert.Equal(t, int64(30), int64Value("30"))
	assert.Equal(t, int64(30), int64Value(float64(30)))
	assert.Equal(t, int64(0), int64Value(true))
}
