package auth

import "time"

// Credential is a station's Basic Auth identity/password pair, used to
// satisfy security profiles 1 (Basic Auth) and 2 (Basic Auth + TLS).
type Credential struct {
	Identity     string     `json:"identity"`
	PasswordHash []byte     `json:"-"`
	Salt         []byte     `json:"-"`
	CreatedAt    time.Time  `json:"created_at"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the credential has passed its expiry time.
func (c *Credential) Expired() bool {
	return c.ExpiresAt != nil && time.Now().After(*c.ExpiresAt)
}

// Method identifies how a connection authenticated during the WebSocket
// upgrade (spec §4.10).
type Method int

const (
	// MethodNone means no authentication was presented or required
	// (security profile 0).
	MethodNone Method = iota
	// MethodBasic means the connection presented an Authorization:
	// Basic header validated against a Credential (profiles 1, 2).
	MethodBasic
	// MethodClientCert means the connection authenticated via a client
	// TLS certificate (profile 3, mTLS).
	MethodClientCert
)

func (m Method) String() string {
	switch m {
	case MethodBasic:
		return "basic"
	case MethodClientCert:
		return "client-cert"
	default:
		return "none"
	}
}

// AuthContext holds the authentication outcome for a single connection,
// attached to its context.Context for the lifetime of the upgrade
// pipeline and the resulting station connection.
type AuthContext struct {
	Method     Method
	Identity   string
	Credential *Credential
}

// Authenticated reports whether the connection passed an authentication
// step. A security-profile-0 connection has Method MethodNone and is
// not considered authenticated, even though it is permitted to proceed.
func (a *AuthContext) Authenticated() bool {
	return a != nil && a.Method != MethodNone
}

// IdentityMatches reports whether the authenticated identity matches the
// station identity extracted from the WebSocket upgrade path. Security
// profiles 1 and 2 reject a mismatch (spec §4.10 edge case).
func (a *AuthContext) IdentityMatches(pathIdentity string) bool {
	if a == nil {
		return false
	}
	return a.Identity == pathIdentity
}
