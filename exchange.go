package broker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ExchangeClient performs the code-for-token and refresh-token exchanges
// against a provider's token endpoint.
type ExchangeClient struct {
	h *http.Client
}

func NewExchangeClient(h *http.Client) *ExchangeClient {
	if h == nil {
		h = &http.Client{Timeout: 10 * time.Second}
	}

	return &ExchangeClient{h: h}
}

// RefreshGrant is the validated body of a successful refresh-token exchange.
type RefreshGrant struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// ExchangeCode posts the authorization code to the token endpoint and returns
// the raw upstream status and body. The client secret travels in the Basic
// authorization header, so the endpoint must be TLS; client_id is duplicated
// as a form field because some providers want it there.
func (c *ExchangeClient) ExchangeCode(ctx context.Context, tokenEndpoint, clientID, clientSecret, code, redirectURI string) (int, []byte, error) {
	warnInsecureEndpoint(tokenEndpoint)

	params := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {redirectURI},
		"access_type":  {"offline"},
		"client_id":    {clientID},
	}

	return c.post(ctx, tokenEndpoint, clientID, clientSecret, params)
}

// Refresh exchanges a stored refresh token for a new access token. Non-200
// responses and responses missing required fields are fatal to the call;
// retry policy belongs to the caller.
func (c *ExchangeClient) Refresh(ctx context.Context, tokenEndpoint, clientID, clientSecret, refreshToken string) (*RefreshGrant, error) {
	warnInsecureEndpoint(tokenEndpoint)

	params := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}

	status, body, err := c.post(ctx, tokenEndpoint, clientID, clientSecret, params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}

	if status != http.StatusOK {
		return nil, fmt.Errorf("%w: provider returned %d: %s", ErrRefreshFailed, status, body)
	}

	var grant RefreshGrant
	if err := json.Unmarshal(body, &grant); err != nil {
		return nil, fmt.Errorf("%w: could not unmarshal refresh response: %v", ErrRefreshFailed, err)
	}

	if grant.AccessToken == "" || grant.ExpiresIn == 0 || grant.TokenType == "" {
		return nil, fmt.Errorf("%w: refresh response missing required fields: %s", ErrRefreshFailed, body)
	}

	return &grant, nil
}

func (c *ExchangeClient) post(ctx context.Context, endpoint, clientID, clientSecret string, params url.Values) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, strings.NewReader(params.Encode()))
	if err != nil {
		return 0, nil, fmt.Errorf("error creating token request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Basic "+basicAuth(clientID, clientSecret))

	resp, err := c.h.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("could not reach token endpoint: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("could not read token response body: %w", err)
	}

	return resp.StatusCode, body, nil
}

func basicAuth(clientID, clientSecret string) string {
	return base64.StdEncoding.EncodeToString([]byte(clientID + ":" + clientSecret))
}

func warnInsecureEndpoint(endpoint string) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "https" {
		return
	}

	slog.Warn("token endpoint is not TLS, client credentials will travel in the clear",
		"endpoint", endpoint)
}
