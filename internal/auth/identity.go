// Package auth resolves bearer credentials to user identities.
//
// Two credential kinds are accepted: an opaque token minted by the upstream
// application server (verified by calling back into it) and a self-contained
// HMAC-signed token (verified locally). Verified identities are cached for a
// short TTL keyed by token fingerprint, never by the raw token.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
)

// Role is the coarse permission tier carried by every identity.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleModerator Role = "moderator"
	RoleSenior    Role = "senior"
	RoleBusiness  Role = "business"
	RolePremium   Role = "premium"
	RoleMember    Role = "member"
	RoleGuest     Role = "guest"
)

// known roles; anything else normalizes to guest
var validRoles = map[Role]bool{
	RoleAdmin:     true,
	RoleModerator: true,
	RoleSenior:    true,
	RoleBusiness:  true,
	RolePremium:   true,
	RoleMember:    true,
	RoleGuest:     true,
}

// ParseRole normalizes a role string. Unknown or empty roles become guest so
// a misconfigured upstream can never grant elevated access by accident.
func ParseRole(s string) Role {
	r := Role(s)
	if validRoles[r] {
		return r
	}
	return RoleGuest
}

// Identity is an authenticated user, immutable for the life of a session.
type Identity struct {
	UserID      int64    `json:"user_id"`
	Role        Role     `json:"role"`
	Permissions []string `json:"permissions,omitempty"`
	Name        string   `json:"name,omitempty"`
	Email       string   `json:"email,omitempty"`
	Avatar      string   `json:"avatar,omitempty"`
}

// HasPermission reports whether the identity carries a capability token.
func (id Identity) HasPermission(capability string) bool {
	for _, p := range id.Permissions {
		if p == capability {
			return true
		}
	}
	return false
}

// Fingerprint returns the hex SHA-256 of a credential. Cache keys and socket
// records store this instead of the raw token.
func Fingerprint(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:])
}
