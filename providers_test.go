package broker

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func globusConfig(tokenEndpoint string) *Config {
	return &Config{
		RedirectURI: "https://broker.example/authcallback",
		Providers: map[string]ProviderConfig{
			ProviderGlobus: {
				Standard:              StandardOAuth2,
				ClientID:              "cid",
				ClientSecret:          "csecret",
				AuthorizationEndpoint: "https://auth.globus.org/v2/oauth2/authorize",
				TokenEndpoint:         tokenEndpoint,
			},
		},
	}
}

func TestGlobusMultiTokenCallback(t *testing.T) {
	ctx := context.Background()

	var idTokenNonce string
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idToken := mintIDToken(t, gojwt.MapClaims{
			"sub":   "globus-sub",
			"iss":   "https://auth.globus.org",
			"nonce": idTokenNonce,
			"email": "alice@example.com",
		})

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{
			"access_token": "at-top",
			"refresh_token": "rt-top",
			"expires_in": 3600,
			"token_type": "Bearer",
			"scope": "openid profile",
			"id_token": "%s",
			"state": "globus-echoed-state",
			"other_tokens": [
				{"access_token":"at-transfer","refresh_token":"rt-transfer","expires_in":3600,"token_type":"Bearer","scope":"urn:globus:auth:scope:transfer.api.globus.org:all","resource_server":"transfer.api.globus.org"},
				{"access_token":"at-search","refresh_token":"rt-search","expires_in":3600,"token_type":"Bearer","scope":"urn:globus:auth:scope:search.api.globus.org:all","resource_server":"search.api.globus.org"}
			]
		}`, idToken)
	}))
	defer tokenSrv.Close()

	b, store := newTestBroker(t, globusConfig(tokenSrv.URL))

	authURL, nonce, err := b.BeginAuthorization(ctx, "globus-sub",
		[]string{"openid", "profile", "urn:globus:auth:scope:transfer.api.globus.org:all"},
		ProviderGlobus, "")
	require.NoError(t, err)

	idTokenNonce = nonce

	result, err := b.AcceptCallback(ctx, "code", stateFromURL(t, authURL))
	require.NoError(t, err)

	// the top-level OIDC token is the primary one
	assert.Equal(t, "at-top", result.Token.AccessToken)
	assert.Equal(t, "https://auth.globus.org", result.Token.Issuer)
	assert.Equal(t, "globus-sub", result.User.ID)

	// one row per resource server, all linked to the issued nonce even
	// though Globus echoed its own state value at top level
	tokens, err := store.TokensByNonce(ctx, nonce)
	require.NoError(t, err)
	require.Len(t, tokens, 3)

	issuers := make(map[string]string)
	for _, tok := range tokens {
		issuers[tok.AccessToken] = tok.Issuer
		assert.Equal(t, nonce, tok.Nonce)
	}
	assert.Equal(t, "transfer.api.globus.org", issuers["at-transfer"])
	assert.Equal(t, "search.api.globus.org", issuers["at-search"])
}

func TestGlobusCallbackWithoutIdentityToken(t *testing.T) {
	ctx := context.Background()

	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"access_token": "at-transfer",
			"refresh_token": "rt-transfer",
			"expires_in": 3600,
			"token_type": "Bearer",
			"scope": "urn:globus:auth:scope:transfer.api.globus.org:all",
			"resource_server": "transfer.api.globus.org"
		}`)
	}))
	defer tokenSrv.Close()

	b, store := newTestBroker(t, globusConfig(tokenSrv.URL))

	authURL, nonce, err := b.BeginAuthorization(ctx, "known-uid",
		[]string{"urn:globus:auth:scope:transfer.api.globus.org:all"}, ProviderGlobus, "")
	require.NoError(t, err)

	result, err := b.AcceptCallback(ctx, "code", stateFromURL(t, authURL))
	require.NoError(t, err)

	// with no id_token the pending callback's uid is the subject
	assert.Equal(t, "known-uid", result.User.ID)
	assert.Equal(t, "known-uid", result.User.Name)
	assert.Equal(t, "transfer.api.globus.org", result.Token.Issuer)
	assert.Equal(t, nonce, result.Token.Nonce)

	tokens, err := store.TokensByNonce(ctx, nonce)
	require.NoError(t, err)
	assert.Len(t, tokens, 1)
}

func TestGenericStrategyNonceMismatchPersistsNothing(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	scopes, err := store.EnsureScopes(ctx, []string{"openid"})
	require.NoError(t, err)

	pending := &PendingCallback{
		UID:      "sub-1",
		Nonce:    "issued-nonce",
		Provider: "idp",
		Scopes:   scopes,
	}

	idToken := mintIDToken(t, gojwt.MapClaims{
		"sub":   "sub-1",
		"iss":   "https://idp.example",
		"nonce": "some-other-nonce",
	})
	body := fmt.Sprintf(`{"access_token":"at","expires_in":3600,"token_type":"Bearer","id_token":"%s"}`, idToken)

	_, _, _, err = strategyFor("idp", store).HandleTokenResponse(ctx, pending, []byte(body))
	assert.ErrorIs(t, err, ErrInvalidNonce)

	tokens, err := store.TokensForUser(ctx, "sub-1", "idp")
	require.NoError(t, err)
	assert.Empty(t, tokens)
}

func TestGenericStrategyMissingEmailLeavesNameBlank(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	scopes, err := store.EnsureScopes(ctx, []string{"openid"})
	require.NoError(t, err)

	pending := &PendingCallback{
		UID:      "sub-1",
		Nonce:    "issued-nonce",
		Provider: "idp",
		Scopes:   scopes,
	}

	idToken := mintIDToken(t, gojwt.MapClaims{
		"sub":   "sub-1",
		"iss":   "https://idp.example",
		"nonce": "issued-nonce",
	})
	body := fmt.Sprintf(`{"access_token":"at","expires_in":3600,"token_type":"Bearer","id_token":"%s"}`, idToken)

	user, token, nonce, err := strategyFor("idp", store).HandleTokenResponse(ctx, pending, []byte(body))
	require.NoError(t, err)
	assert.Equal(t, "sub-1", user.ID)
	assert.Empty(t, user.Name)
	assert.Equal(t, "issued-nonce", nonce)
	assert.Empty(t, token.RefreshToken)
}
