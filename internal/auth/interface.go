package auth

import "open3/internal/domain/models"

// JWTVerifier validates bearer tokens for the auth middleware. The JWKS
// implementation is the default; tests substitute their own.
type JWTVerifier interface {
	// VerifyToken parses and validates a token, returning its claims.
	VerifyToken(tokenString string) (*models.SessionClaims, error)

	// Close releases verifier resources such as the JWKS refresh client.
	Close() error
}
