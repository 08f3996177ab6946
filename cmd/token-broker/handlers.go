package main

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	broker "github.com/Cotagge/auth-microservice"
	"github.com/Cotagge/auth-microservice/internal/helpers"
)

type Server struct {
	broker *broker.Broker
	store  broker.Store
	cfg    *broker.Config
}

type authorizeResponse struct {
	AuthorizationURL string `json:"authorization_url"`
	Nonce            string `json:"nonce"`
}

type tokenResponse struct {
	AccessToken string    `json:"access_token"`
	UID         string    `json:"uid"`
	Provider    string    `json:"provider"`
	Issuer      string    `json:"issuer"`
	ExpiresAt   time.Time `json:"expires_at"`
	Scopes      []string  `json:"scopes"`
}

func (s *Server) handleAuthorize(e echo.Context) error {
	provider := e.QueryParam("provider")
	if provider == "" {
		return e.String(http.StatusBadRequest, "provider is required")
	}

	scopes := e.QueryParams()["scope"]
	if len(scopes) == 0 {
		return e.String(http.StatusBadRequest, "at least one scope is required")
	}

	authURL, nonce, err := s.broker.BeginAuthorization(
		e.Request().Context(),
		e.QueryParam("uid"),
		scopes,
		provider,
		e.QueryParam("return_to"),
	)
	if err != nil {
		return s.writeError(e, err)
	}

	return e.JSON(http.StatusOK, authorizeResponse{
		AuthorizationURL: authURL,
		Nonce:            nonce,
	})
}

func (s *Server) handleCallback(e echo.Context) error {
	result, err := s.broker.AcceptCallback(
		e.Request().Context(),
		e.QueryParam("code"),
		e.QueryParam("state"),
	)
	if err != nil {
		return s.writeError(e, err)
	}

	if result.RedirectURL != "" {
		return e.Redirect(http.StatusFound, result.RedirectURL)
	}

	return e.String(http.StatusOK, "Successfully authenticated user")
}

// handleToken returns an existing token matching the query, refreshing it if
// expired, or parks the request on a blocking wait until a matching
// authorization completes.
func (s *Server) handleToken(e echo.Context) error {
	ctx := e.Request().Context()

	uid := e.QueryParam("uid")
	provider := e.QueryParam("provider")
	nonce := e.QueryParam("nonce")
	scopes := helpers.NormalizeScopes(e.QueryParams()["scope"])

	if nonce == "" && (uid == "" || provider == "") {
		return e.String(http.StatusBadRequest, "either nonce or uid and provider are required")
	}

	if tok, err := s.findToken(e, uid, provider, nonce, scopes); err != nil {
		return s.writeError(e, err)
	} else if tok != nil {
		return s.writeToken(e, tok)
	}

	var (
		handle *broker.WaitHandle
		err    error
	)
	if nonce != "" {
		handle, err = s.broker.RegisterBlockingWaitByNonce(ctx, nonce)
	} else {
		handle, err = s.broker.RegisterBlockingWait(ctx, uid, scopes, provider)
	}
	if err != nil {
		return s.writeError(e, err)
	}

	if err := handle.Wait(s.cfg.WaitTimeout()); err != nil {
		return s.writeError(e, err)
	}

	tok, err := s.findToken(e, uid, provider, nonce, scopes)
	if err != nil {
		return s.writeError(e, err)
	}
	if tok == nil {
		return e.String(http.StatusNotFound, "authorization completed but no matching token was stored")
	}

	return s.writeToken(e, tok)
}

func (s *Server) handleHealthz(e echo.Context) error {
	return e.String(http.StatusOK, "ok")
}

// findToken looks for an enabled persisted token satisfying the query,
// refreshing an expired one when a refresh token is available.
func (s *Server) findToken(e echo.Context, uid, provider, nonce string, scopes []string) (*broker.Token, error) {
	ctx := e.Request().Context()

	var (
		tokens []broker.Token
		err    error
	)
	if nonce != "" {
		tokens, err = s.store.TokensByNonce(ctx, nonce)
	} else {
		tokens, err = s.store.TokensForUser(ctx, uid, provider)
	}
	if err != nil {
		return nil, err
	}

	for i := range tokens {
		tok := &tokens[i]
		if nonce == "" && !subsetOfToken(scopes, tok) {
			continue
		}

		if time.Until(tok.ExpiresAt) > 0 {
			return tok, nil
		}

		if tok.RefreshToken != "" {
			return s.broker.RefreshToken(ctx, tok)
		}
	}

	return nil, nil
}

func subsetOfToken(scopes []string, tok *broker.Token) bool {
	names := make([]string, 0, len(tok.Scopes))
	for _, sc := range tok.Scopes {
		names = append(names, sc.Name)
	}

	return helpers.Subset(scopes, names)
}

func (s *Server) writeToken(e echo.Context, tok *broker.Token) error {
	names := make([]string, 0, len(tok.Scopes))
	for _, sc := range tok.Scopes {
		names = append(names, sc.Name)
	}

	return e.JSON(http.StatusOK, tokenResponse{
		AccessToken: tok.AccessToken,
		UID:         tok.UserID,
		Provider:    tok.Provider,
		Issuer:      tok.Issuer,
		ExpiresAt:   tok.ExpiresAt,
		Scopes:      names,
	})
}

func (s *Server) writeError(e echo.Context, err error) error {
	switch {
	case errors.Is(err, broker.ErrBadRequest):
		return e.String(http.StatusBadRequest, err.Error())
	case errors.Is(err, broker.ErrNotFound):
		return e.String(http.StatusNotFound, "no pending authorization, call /authorize first")
	case errors.Is(err, broker.ErrTimeout):
		return e.String(http.StatusRequestTimeout, "timed out waiting for authorization")
	case errors.Is(err, broker.ErrUpstream),
		errors.Is(err, broker.ErrInvalidNonce),
		errors.Is(err, broker.ErrConfiguration),
		errors.Is(err, broker.ErrIntegrity),
		errors.Is(err, broker.ErrRefreshFailed),
		errors.Is(err, broker.ErrMetadataFetch):
		return e.String(http.StatusInternalServerError, err.Error())
	default:
		return e.String(http.StatusInternalServerError, err.Error())
	}
}
