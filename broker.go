package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/Cotagge/auth-microservice/internal/helpers"
)

// nonceByteLen is the entropy per state/nonce value, 64 hex characters each.
const nonceByteLen = 32

// Broker orchestrates the authorization-callback state machine: it issues
// authorization URLs, accepts provider redirects, exchanges codes for tokens
// and signals blocked waiters. It holds no mutable state of its own; all
// coordination goes through the store and the rendezvous channels, so it is
// safe to invoke concurrently.
type Broker struct {
	store    Store
	cfg      *Config
	exchange *ExchangeClient
	metadata *MetadataResolver
	log      *slog.Logger
}

type BrokerArgs struct {
	Store  Store
	Config *Config
	H      *http.Client
	Logger *slog.Logger
}

func NewBroker(args BrokerArgs) (*Broker, error) {
	if args.Store == nil {
		return nil, fmt.Errorf("no store provided")
	}

	if args.Config == nil {
		return nil, fmt.Errorf("no config provided")
	}

	if args.Logger == nil {
		args.Logger = slog.Default()
	}

	return &Broker{
		store:    args.Store,
		cfg:      args.Config,
		exchange: NewExchangeClient(args.H),
		metadata: NewMetadataResolver(args.Store, args.Config, args.H),
		log:      args.Logger,
	}, nil
}

// BeginAuthorization starts a flow for uid against the named provider and
// returns the authorization URL the user must visit plus the nonce callers
// can later block on. Scopes are sorted and deduplicated before use.
func (b *Broker) BeginAuthorization(ctx context.Context, uid string, scopes []string, providerTag, returnTo string) (string, string, error) {
	if _, err := b.cfg.Provider(providerTag); err != nil {
		return "", "", err
	}

	scopes = helpers.NormalizeScopes(scopes)
	returnTo = strings.TrimRight(returnTo, "/")

	b.log.Info("beginning authorization",
		"uid", uid, "scopes", scopes, "provider", providerTag, "return_to", returnTo)

	nonce, err := b.uniqueNonce(ctx)
	if err != nil {
		return "", "", err
	}

	state, err := b.uniqueNonce(ctx)
	if err != nil {
		return "", "", err
	}

	authURL, err := b.authorizationURL(ctx, state, nonce, scopes, providerTag)
	if err != nil {
		return "", "", err
	}

	scopeRows, err := b.store.EnsureScopes(ctx, scopes)
	if err != nil {
		return "", "", fmt.Errorf("could not link scopes: %w", err)
	}

	pending := &PendingCallback{
		UID:              uid,
		State:            state,
		Nonce:            nonce,
		Provider:         providerTag,
		AuthorizationURL: authURL,
		ReturnTo:         returnTo,
		Scopes:           scopeRows,
	}

	if err := b.store.CreatePendingCallback(ctx, pending); err != nil {
		return "", "", fmt.Errorf("could not persist pending callback: %w", err)
	}

	return authURL, nonce, nil
}

// uniqueNonce generates a value and retries until it is absent from the
// global registry, then records it. Collisions are astronomically unlikely;
// the loop is a correctness safety net backed by the store's uniqueness
// constraint, not a hot path.
func (b *Broker) uniqueNonce(ctx context.Context) (string, error) {
	for {
		value, err := helpers.GenerateNonce(nonceByteLen)
		if err != nil {
			return "", fmt.Errorf("entropy source exhausted: %w", err)
		}

		exists, err := b.store.NonceExists(ctx, value)
		if err != nil {
			return "", fmt.Errorf("could not check nonce uniqueness: %w", err)
		}
		if exists {
			continue
		}

		if err := b.store.CreateNonce(ctx, value); err != nil {
			return "", fmt.Errorf("could not register nonce: %w", err)
		}

		return value, nil
	}
}

// authorizationURL builds the provider redirect target. OIDC providers get
// their endpoint from the cached discovery document plus the standard query
// parameters; plain OAuth2 providers use the configured endpoint and carry
// their additional_params verbatim.
func (b *Broker) authorizationURL(ctx context.Context, state, nonce string, scopes []string, providerTag string) (string, error) {
	pcfg, err := b.cfg.Provider(providerTag)
	if err != nil {
		return "", err
	}

	var endpoint, additional string
	switch {
	case pcfg.IsOIDC():
		meta, err := b.metadata.Resolve(ctx, providerTag)
		if err != nil {
			return "", err
		}
		endpoint = meta.AuthorizationEndpoint
		additional = "scope=" + url.QueryEscape(strings.Join(scopes, " ")) +
			"&response_type=code" +
			"&access_type=offline" +
			"&prompt=" + url.QueryEscape("login consent")
	case pcfg.IsOAuth2():
		endpoint = pcfg.AuthorizationEndpoint
		additional = pcfg.AdditionalParams
	default:
		return "", fmt.Errorf("%w: unknown provider standard %q", ErrConfiguration, pcfg.Standard)
	}

	return fmt.Sprintf("%s?nonce=%s&state=%s&redirect_uri=%s&client_id=%s&%s",
		endpoint,
		nonce,
		state,
		url.QueryEscape(b.cfg.RedirectURI),
		url.QueryEscape(pcfg.ClientID),
		additional,
	), nil
}

// WaitHandle is a registered blocking wait. The caller parks on Wait; the
// address is released on every exit path.
type WaitHandle struct {
	rdv   *Rendezvous
	nonce string
}

// Address is the rendezvous path the notifier will send to.
func (h *WaitHandle) Address() string {
	return h.rdv.Path()
}

// Nonce is the pending callback nonce the wait is bound to, when registered
// by nonce.
func (h *WaitHandle) Nonce() string {
	return h.nonce
}

// Wait blocks until a matching callback is accepted or the timeout passes.
// On timeout only the address is released; the waiter row stays behind and is
// reaped by the next notify pass that matches it.
func (h *WaitHandle) Wait(timeout time.Duration) error {
	defer h.rdv.Release()

	return h.rdv.Wait(timeout)
}

// Release unbinds the address without waiting. Equivalent to a timed-out
// wait; the address is single-use and disposable.
func (h *WaitHandle) Release() {
	h.rdv.Release()
}

// RegisterBlockingWait parks the caller until an authorization matching
// (uid, scopes subset, provider) completes. ErrNotFound means no pending
// callback exists and the caller must BeginAuthorization first; that is a
// normal outcome. The returned handle is bound before this returns, so a
// notify arriving any time after registration is delivered.
func (b *Broker) RegisterBlockingWait(ctx context.Context, uid string, scopes []string, providerTag string) (*WaitHandle, error) {
	scopes = helpers.NormalizeScopes(scopes)

	pendings, err := b.store.PendingForUser(ctx, uid, providerTag)
	if err != nil {
		return nil, fmt.Errorf("could not look up pending callbacks: %w", err)
	}

	matched := false
	for i := range pendings {
		if helpers.Subset(scopes, scopeNames(pendings[i].Scopes)) {
			matched = true
			break
		}
	}
	if !matched {
		return nil, fmt.Errorf("%w: no pending authorization for uid %q on %s", ErrNotFound, uid, providerTag)
	}

	return b.registerWaiter(ctx, uid, providerTag, "", scopes)
}

// RegisterBlockingWaitByNonce parks the caller until the authorization that
// was issued with exactly this nonce completes. More than one pending
// callback sharing a nonce can only mean the store broke the uniqueness
// guarantee.
func (b *Broker) RegisterBlockingWaitByNonce(ctx context.Context, nonce string) (*WaitHandle, error) {
	pendings, err := b.store.PendingByNonce(ctx, nonce)
	if err != nil {
		return nil, fmt.Errorf("could not look up pending callbacks: %w", err)
	}

	if len(pendings) == 0 {
		return nil, fmt.Errorf("%w: no pending authorization for nonce", ErrNotFound)
	}
	if len(pendings) > 1 {
		return nil, fmt.Errorf("%w: multiple pending callbacks share nonce", ErrIntegrity)
	}

	p := pendings[0]

	return b.registerWaiter(ctx, p.UID, p.Provider, nonce, scopeNames(p.Scopes))
}

func (b *Broker) registerWaiter(ctx context.Context, uid, providerTag, nonce string, scopes []string) (*WaitHandle, error) {
	rdv, err := NewRendezvous()
	if err != nil {
		return nil, err
	}

	// bind before the waiter row becomes visible, or a fast callback could
	// notify an address no one listens on
	if err := rdv.Acquire(); err != nil {
		rdv.Release()
		return nil, err
	}

	scopeRows, err := b.store.EnsureScopes(ctx, scopes)
	if err != nil {
		rdv.Release()
		return nil, fmt.Errorf("could not link waiter scopes: %w", err)
	}

	waiter := &BlockingWaiter{
		UID:      uid,
		Provider: providerTag,
		Address:  rdv.Path(),
		Nonce:    nonce,
		Scopes:   scopeRows,
	}

	if err := b.store.CreateWaiter(ctx, waiter); err != nil {
		rdv.Release()
		return nil, fmt.Errorf("could not persist waiter: %w", err)
	}

	b.log.Info("registered blocking waiter",
		"uid", uid, "provider", providerTag, "address", rdv.Path())

	return &WaitHandle{rdv: rdv, nonce: nonce}, nil
}

// CallbackResult is what AcceptCallback hands back to the HTTP layer on
// success.
type CallbackResult struct {
	User        *User
	Token       *Token
	RedirectURL string
}

// AcceptCallback handles an RFC 6749 §4.1 / OIDC Core §3.1.2.5 authorization
// response. Once the state value has resolved a pending callback, that row is
// consumed: it is deleted on every terminal path, success or failure, so a
// code can never be replayed against it.
func (b *Broker) AcceptCallback(ctx context.Context, code, state string) (*CallbackResult, error) {
	if code == "" {
		return nil, fmt.Errorf("%w: callback did not contain an authorization code", ErrBadRequest)
	}
	if state == "" {
		return nil, fmt.Errorf("%w: callback did not contain a state value", ErrBadRequest)
	}

	pendings, err := b.store.PendingByState(ctx, state)
	if err != nil {
		return nil, fmt.Errorf("could not look up pending callback: %w", err)
	}
	if len(pendings) != 1 {
		return nil, fmt.Errorf("%w: callback malformed, or authorization session expired", ErrBadRequest)
	}

	pending := pendings[0]

	pcfg, err := b.cfg.Provider(pending.Provider)
	if err != nil {
		return nil, err
	}

	tokenEndpoint, err := b.tokenEndpoint(ctx, pending.Provider, pcfg)
	if err != nil {
		return nil, err
	}

	status, body, err := b.exchange.ExchangeCode(ctx, tokenEndpoint, pcfg.ClientID, pcfg.ClientSecret, code, b.cfg.RedirectURI)
	if err != nil {
		b.consumePending(ctx, pending.ID)
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	if status != http.StatusOK && status != http.StatusFound {
		b.consumePending(ctx, pending.ID)
		return nil, fmt.Errorf("%w: could not acquire token from provider, status %d: %s", ErrUpstream, status, body)
	}

	user, token, nonce, err := strategyFor(pending.Provider, b.store).HandleTokenResponse(ctx, &pending, body)
	if err != nil {
		b.consumePending(ctx, pending.ID)
		return nil, err
	}

	b.notifyWaiters(ctx, &pending, user, nonce)

	result := &CallbackResult{User: user, Token: token}
	if pending.ReturnTo != "" {
		result.RedirectURL = fmt.Sprintf("%s/?access_token=%s&uid=%s",
			pending.ReturnTo, token.AccessToken, url.QueryEscape(user.ID))
	}

	b.consumePending(ctx, pending.ID)

	return result, nil
}

func (b *Broker) consumePending(ctx context.Context, id uint) {
	if err := b.store.DeletePendingCallback(ctx, id); err != nil {
		b.log.Error("could not delete consumed pending callback", "id", id, "err", err)
	}
}

// notifyWaiters signals every waiter matched by (uid, scopes subset,
// provider) and every waiter registered on the callback's nonce. Each matched
// row is deleted exactly once, even when the datagram cannot be delivered;
// a dead waiter's address is reclaimed by unlinking it. The loop is
// sequential read-notify-delete with no lock held: a crash mid-loop leaves
// the remaining waiters to their own timeouts, which is accepted.
func (b *Broker) notifyWaiters(ctx context.Context, pending *PendingCallback, user *User, nonce string) {
	notified := make(map[uint]struct{})

	byCriteria, err := b.store.WaitersForProvider(ctx, pending.Provider)
	if err != nil {
		b.log.Error("could not look up waiters", "provider", pending.Provider, "err", err)
		byCriteria = nil
	}

	callbackScopes := scopeNames(pending.Scopes)
	for i := range byCriteria {
		w := byCriteria[i]
		if w.UID != user.ID || !helpers.Subset(scopeNames(w.Scopes), callbackScopes) {
			continue
		}
		b.notifyOne(ctx, &w, notified)
	}

	byNonce, err := b.store.WaitersByNonce(ctx, nonce)
	if err != nil {
		b.log.Error("could not look up waiters by nonce", "err", err)
		byNonce = nil
	}

	for i := range byNonce {
		b.notifyOne(ctx, &byNonce[i], notified)
	}
}

func (b *Broker) notifyOne(ctx context.Context, w *BlockingWaiter, notified map[uint]struct{}) {
	if _, done := notified[w.ID]; done {
		return
	}
	notified[w.ID] = struct{}{}

	if err := NotifyRendezvous(w.Address, RendezvousSuccess); err != nil {
		b.log.Warn("waiter vanished before notify, reclaiming address",
			"address", w.Address, "err", err)
		os.Remove(w.Address)
	} else {
		b.log.Info("notified waiter", "address", w.Address)
	}

	if err := b.store.DeleteWaiter(ctx, w.ID); err != nil {
		b.log.Error("could not delete notified waiter", "id", w.ID, "err", err)
	}
}

// RefreshToken exchanges the stored refresh token for a fresh access token
// and mutates the row in place. Failures are fatal to the call; the broker
// never retries a refresh.
func (b *Broker) RefreshToken(ctx context.Context, token *Token) (*Token, error) {
	pcfg, err := b.cfg.Provider(token.Provider)
	if err != nil {
		return nil, err
	}

	tokenEndpoint, err := b.tokenEndpoint(ctx, token.Provider, pcfg)
	if err != nil {
		return nil, err
	}

	grant, err := b.exchange.Refresh(ctx, tokenEndpoint, pcfg.ClientID, pcfg.ClientSecret, token.RefreshToken)
	if err != nil {
		return nil, err
	}

	token.AccessToken = grant.AccessToken
	token.ExpiresAt = time.Now().Add(time.Duration(grant.ExpiresIn) * time.Second)
	if grant.RefreshToken != "" {
		token.RefreshToken = grant.RefreshToken
	}

	if err := b.store.UpdateToken(ctx, token); err != nil {
		return nil, fmt.Errorf("could not persist refreshed token: %w", err)
	}

	return token, nil
}

// tokenEndpoint resolves where to exchange codes: OIDC providers publish it
// in their discovery document, plain OAuth2 providers must configure it.
func (b *Broker) tokenEndpoint(ctx context.Context, providerTag string, pcfg ProviderConfig) (string, error) {
	switch {
	case pcfg.IsOIDC():
		meta, err := b.metadata.Resolve(ctx, providerTag)
		if err != nil {
			return "", err
		}
		return meta.TokenEndpoint, nil
	case pcfg.IsOAuth2():
		return pcfg.TokenEndpoint, nil
	default:
		return "", fmt.Errorf("%w: unknown provider standard %q", ErrConfiguration, pcfg.Standard)
	}
}
