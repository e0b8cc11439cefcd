package tokencore

import (
	"context"
	"time"
)

// Principal is the authenticated entity as loaded from the external
// identity system. It is immutable for the duration of a request.
type Principal struct {
	ID          string
	Roles       []string
	Permissions []string
	Active      bool
}

// PrincipalProvider is the lookup interface callers implement to connect
// the core to their identity store. It is consulted on refresh, after the
// old record has been atomically consumed.
type PrincipalProvider interface {
	GetPrincipalByID(ctx context.Context, principalID string) (Principal, error)
}

// TokenPair is the result of a login or refresh: a signed access token
// and the opaque refresh credential. The refresh string is the only place
// the plaintext refresh secret ever exists; it is never stored.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	AccessJTI    string
	RecordID     string
	ExpiresAt    time.Time
}

// Clock abstracts current time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Blacklist reasons carried on entries and security events.
const (
	ReasonLogout       = "logout"
	ReasonSessionLimit = "session_limit"
	ReasonCompromise   = "suspected_compromise"
)
