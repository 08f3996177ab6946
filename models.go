package broker

import "time"

// Nonce is the registry of every state and nonce value ever issued. Values are
// never reused, even after the pending callback that carried them is consumed.
type Nonce struct {
	ID    uint   `gorm:"primarykey"`
	Value string `gorm:"uniqueIndex;size:128"`
}

// Scope is a named authorization scope, deduplicated by name and shared
// many-to-many with pending callbacks, waiters and tokens.
type Scope struct {
	ID   uint   `gorm:"primarykey"`
	Name string `gorm:"uniqueIndex"`
}

// PendingCallback is a not-yet-completed authorization request. It is created
// by BeginAuthorization and read and deleted exactly once by the callback that
// carries its state value.
type PendingCallback struct {
	ID               uint   `gorm:"primarykey"`
	UID              string `gorm:"index"`
	State            string `gorm:"uniqueIndex;size:128"`
	Nonce            string `gorm:"index;size:128"`
	Provider         string `gorm:"index"`
	AuthorizationURL string
	ReturnTo         string
	Scopes           []Scope `gorm:"many2many:pending_callback_scopes"`
	CreatedAt        time.Time
}

// BlockingWaiter is a process parked on a rendezvous address until a matching
// authorization completes. Deleted by the notifier once matched, whether or
// not the datagram could be delivered.
type BlockingWaiter struct {
	ID        uint   `gorm:"primarykey"`
	UID       string `gorm:"index"`
	Provider  string `gorm:"index"`
	Address   string
	Nonce     string  `gorm:"index;size:128"`
	Scopes    []Scope `gorm:"many2many:blocking_waiter_scopes"`
	CreatedAt time.Time
}

// User is keyed by the provider's subject identifier. Identities are scoped to
// a provider subject, not federated across providers.
type User struct {
	ID        string `gorm:"primarykey"`
	Name      string
	CreatedAt time.Time
}

// Token is one persisted access token. Globus callbacks may create several of
// these from a single callback, one per resource server. Refresh mutates the
// row in place; rows are never deleted here, only disabled.
type Token struct {
	ID           uint   `gorm:"primarykey"`
	UserID       string `gorm:"index"`
	User         User
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Provider     string `gorm:"index"`
	Issuer       string
	Enabled      bool
	Nonce        string  `gorm:"index;size:128"`
	Scopes       []Scope `gorm:"many2many:token_scopes"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// OIDCMetadataCache holds one discovery document per provider, overwritten in
// place when stale. RetrievedAt only ever moves forward.
type OIDCMetadataCache struct {
	ID          uint   `gorm:"primarykey"`
	Provider    string `gorm:"uniqueIndex"`
	Document    string
	RetrievedAt time.Time
}

func scopeNames(scopes []Scope) []string {
	names := make([]string, 0, len(scopes))
	for _, s := range scopes {
		names = append(names, s.Name)
	}
	return names
}
