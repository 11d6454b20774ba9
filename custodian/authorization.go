package custodian

import (
	"sync"
	"time"

	"github.com/ruteri/tee-biometric-signer/interfaces"
)

// DefaultAuthValidity is how long an authorization stays usable when the
// custodian is not configured otherwise.
const DefaultAuthValidity = 30 * time.Second

// AuthLedger records successful authentications per alias and enforces
// their freshness on sign. Every custodian embeds one, which makes it an
// interfaces.AuthorizationSink.
//
// Keys whose policy is unknown (for example after a restart of a custodian
// backed by a remote store) are treated as requiring authentication.
type AuthLedger struct {
	mu       sync.Mutex
	validity time.Duration
	now      func() time.Time
	grants   map[interfaces.KeyAlias]time.Time
	policies map[interfaces.KeyAlias]bool
}

// NewAuthLedger creates a ledger whose authorizations expire after validity.
func NewAuthLedger(validity time.Duration) *AuthLedger {
	if validity <= 0 {
		validity = DefaultAuthValidity
	}
	return &AuthLedger{
		validity: validity,
		now:      time.Now,
		grants:   make(map[interfaces.KeyAlias]time.Time),
		policies: make(map[interfaces.KeyAlias]bool),
	}
}

// WithClock replaces the time source. Meant to be called during construction.
func (l *AuthLedger) WithClock(now func() time.Time) *AuthLedger {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
	return l
}

// Authorize records a fresh authentication for alias.
func (l *AuthLedger) Authorize(alias interfaces.KeyAlias) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.grants[alias] = l.now()
}

// SetPolicy records whether every sign with alias needs its own authorization.
func (l *AuthLedger) SetPolicy(alias interfaces.KeyAlias, requireAuthPerUse bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.policies[alias] = requireAuthPerUse
}

// Forget drops policy and outstanding authorization for alias.
func (l *AuthLedger) Forget(alias interfaces.KeyAlias) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.grants, alias)
	delete(l.policies, alias)
}

// Consume checks that alias may sign now. Per-use authorizations are spent.
func (l *AuthLedger) Consume(alias interfaces.KeyAlias) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if required, known := l.policies[alias]; known && !required {
		return nil
	}

	grantedAt, ok := l.grants[alias]
	if !ok {
		return interfaces.ErrAuthorizationStale
	}
	delete(l.grants, alias)

	if l.now().Sub(grantedAt) > l.validity {
		return interfaces.ErrAuthorizationStale
	}
	return nil
}
