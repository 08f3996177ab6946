package broker

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExchangeCodeRequestShape(t *testing.T) {
	ctx := context.Background()

	var gotAuth string
	var gotForm map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())

		gotAuth = r.Header.Get("Authorization")
		gotForm = map[string]string{
			"grant_type":   r.PostForm.Get("grant_type"),
			"code":         r.PostForm.Get("code"),
			"redirect_uri": r.PostForm.Get("redirect_uri"),
			"access_type":  r.PostForm.Get("access_type"),
			"client_id":    r.PostForm.Get("client_id"),
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at"}`))
	}))
	defer srv.Close()

	client := NewExchangeClient(nil)

	status, body, err := client.ExchangeCode(ctx, srv.URL, "cid", "csecret", "the-code", "https://broker.example/authcallback")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "at")

	wantAuth := "Basic " + base64.StdEncoding.EncodeToString([]byte("cid:csecret"))
	assert.Equal(t, wantAuth, gotAuth)
	assert.Equal(t, map[string]string{
		"grant_type":   "authorization_code",
		"code":         "the-code",
		"redirect_uri": "https://broker.example/authcallback",
		"access_type":  "offline",
		"client_id":    "cid",
	}, gotForm)
}

func TestRefreshSuccess(t *testing.T) {
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "rt-old", r.PostForm.Get("refresh_token"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at-new","refresh_token":"rt-new","token_type":"Bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	client := NewExchangeClient(nil)

	grant, err := client.Refresh(ctx, srv.URL, "cid", "csecret", "rt-old")
	require.NoError(t, err)
	assert.Equal(t, "at-new", grant.AccessToken)
	assert.Equal(t, "rt-new", grant.RefreshToken)
	assert.Equal(t, 3600, grant.ExpiresIn)
}

func TestRefreshNon200IsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	client := NewExchangeClient(nil)

	_, err := client.Refresh(context.Background(), srv.URL, "cid", "csecret", "rt")
	assert.ErrorIs(t, err, ErrRefreshFailed)
}

func TestRefreshMissingFieldsIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		// no token_type
		w.Write([]byte(`{"access_token":"at","expires_in":3600}`))
	}))
	defer srv.Close()

	client := NewExchangeClient(nil)

	_, err := client.Refresh(context.Background(), srv.URL, "cid", "csecret", "rt")
	assert.ErrorIs(t, err, ErrRefreshFailed)
}
