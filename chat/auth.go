package chat

import (
	"fmt"
	"strings"
	"time"

	apperrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/golang-jwt/jwt/v5"
)

// Re-exported so callers outside this module can match on them.
var (
	ErrMissingToken       = apperrors.ErrMissingToken
	ErrAuthRejected       = apperrors.ErrAuthRejected
	ErrReconnectExhausted = apperrors.ErrReconnectExhausted
	ErrUnauthorized       = apperrors.ErrUnauthorized
	ErrEmptyMessage       = apperrors.ErrEmptyMessage
)

// CheckToken rejects tokens that cannot possibly authenticate: empty
// tokens and JWTs whose exp claim is already in the past. The signature
// is not verified here; that is the server's job. Opaque (non-JWT)
// tokens pass through unchanged.
func CheckToken(token string, now time.Time) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("%w: %w", ErrAuthRejected, ErrMissingToken)
	}

	if strings.Count(token, ".") != 2 {
		return nil
	}

	claims := jwt.RegisteredClaims{}

	_, _, err := jwt.NewParser().ParseUnverified(token, &claims)
	if err != nil {
		return nil
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}

	if !now.Before(exp.Time) {
		return fmt.Errorf("%w: token expired at %s", ErrAuthRejected, exp.Time.UTC().Format(time.RFC3339))
	}

	return nil
}

// TokenSubject returns the sub claim of a JWT, or empty string when the
// token is opaque or has no subject.
func TokenSubject(token string) string {
	claims := jwt.RegisteredClaims{}

	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return ""
	}

	return claims.Subject
}
