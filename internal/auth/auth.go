// Package auth resolves the user a connection identifies as.
package auth

import (
	"context"
	"strconv"

	"github.com/golang-jwt/jwt/v5"
	"github.com/omochice/chat-relay/pkg/protocol"
	"github.com/pkg/errors"
)

var (
	// ErrMissingUser is returned when the identification names no user.
	ErrMissingUser = errors.New("identification carries no user id")
	// ErrInvalidToken is returned when a token is absent, malformed, expired
	// or signed with another key.
	ErrInvalidToken = errors.New("invalid identification token")
)

// Verifier turns a user_online payload into a trusted user id.
type Verifier interface {
	Verify(ctx context.Context, ref protocol.UserRef) (int64, error)
}

// Trust accepts the caller-supplied user id as is. The HTTP session that
// handed the id to the client is the only credential check.
type Trust struct{}

// Verify implements Verifier.
func (Trust) Verify(_ context.Context, ref protocol.UserRef) (int64, error) {
	if ref.UserID <= 0 {
		return 0, ErrMissingUser
	}
	return ref.UserID, nil
}

// JWT requires an HMAC-signed token whose subject is the user id.
type JWT struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWT creates a JWT verifier using secret.
func NewJWT(secret string) *JWT {
	return &JWT{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}),
			jwt.WithExpirationRequired(),
		),
	}
}

// Verify implements Verifier. When ref carries a user id it must match the
// token subject.
func (v *JWT) Verify(_ context.Context, ref protocol.UserRef) (int64, error) {
	if ref.Token == "" {
		return 0, errors.Wrap(ErrInvalidToken, "token required")
	}

	claims := &jwt.RegisteredClaims{}
	_, err := v.parser.ParseWithClaims(ref.Token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return 0, errors.Wrap(ErrInvalidToken, err.Error())
	}

	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.Wrapf(ErrInvalidToken, "subject %q is not a user id", claims.Subject)
	}
	if ref.UserID != 0 && ref.UserID != id {
		return 0, errors.Wrapf(ErrInvalidToken, "token subject %d does not match user %d", id, ref.UserID)
	}
	return id, nil
}

// Sign issues a token for userID. Used by tests and the development client.
func Sign(secret string, userID int64, claims jwt.RegisteredClaims) (string, error) {
	claims.Subject = strconv.FormatInt(userID, 10)
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := t.SignedString([]byte(secret))
	return s, errors.Wrap(err, "failed to sign token")
}

// New returns the JWT verifier when secret is set and Trust otherwise.
func New(secret string) Verifier {
	if secret == "" {
		return Trust{}
	}
	return NewJWT(secret)
}
