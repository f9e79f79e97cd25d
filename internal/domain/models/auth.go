package models

import "github.com/golang-jwt/jwt/v5"

// SessionClaims represents the JWT claims carried by the identity provider's
// session tokens. The subject claim is the user id.
type SessionClaims struct {
	jwt.RegisteredClaims        // Standard JWT claims (sub, iss, aud, exp, iat, etc.)
	SessionID            string `json:"sid"`
	AuthorizedParty      string `json:"azp,omitempty"`
}

// GetUserID returns the user ID from the JWT subject claim.
func (c *SessionClaims) GetUserID() string {
	return c.Subject
}
