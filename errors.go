package broker

import "errors"

// Sentinel errors for the broker's failure taxonomy. Callers classify with
// errors.Is; every error returned by the broker wraps exactly one of these.
var (
	// ErrBadRequest covers malformed or expired client input. The flow must
	// be restarted from BeginAuthorization.
	ErrBadRequest = errors.New("bad request")

	// ErrNotFound means no pending authorization matched a blocking-wait
	// registration. This is a normal outcome, not a failure.
	ErrNotFound = errors.New("no matching pending authorization")

	// ErrUpstream means a provider token or metadata endpoint answered with
	// a non-success status. The upstream status and body are included in the
	// wrapping error verbatim.
	ErrUpstream = errors.New("upstream provider error")

	// ErrInvalidNonce means the nonce inside an identity token did not match
	// the nonce issued at authorization start. Nothing is persisted.
	ErrInvalidNonce = errors.New("identity token nonce mismatch")

	// ErrConfiguration means a provider tag or standard is unknown. This is
	// a deployment problem, never user-recoverable.
	ErrConfiguration = errors.New("provider configuration error")

	// ErrIntegrity means a uniqueness guarantee the store enforces was
	// observed violated, e.g. two pending callbacks sharing a nonce.
	ErrIntegrity = errors.New("storage integrity violation")

	// ErrTimeout means a blocking wait exceeded its deadline. The waiter may
	// re-check for a token or start a new authorization.
	ErrTimeout = errors.New("authorization wait timed out")

	// ErrRefreshFailed means a refresh-grant exchange failed. Refresh is not
	// retried inside the broker.
	ErrRefreshFailed = errors.New("token refresh failed")

	// ErrMetadataFetch means an OIDC discovery document could not be
	// retrieved.
	ErrMetadataFetch = errors.New("could not retrieve provider metadata")
)
