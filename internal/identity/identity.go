package identity

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/swiftdrop/driverlink/internal/domain"
)

// Identity is the triple every socket connection authenticates with. It is
// immutable for the lifetime of a live connection; a different triple forces
// teardown and recreation of the socket.
type Identity struct {
	DriverID string
	UserID   string
	Token    string
}

type accessClaims struct {
	DriverID string `json:"driver_id"`
	UserID   string `json:"user_id"`
	jwt.RegisteredClaims
}

// FromToken derives the identity triple from the access token claims.
func FromToken(token, secret string) (Identity, error) {
	claims := &accessClaims{}

	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("%w, unexpected signing method", domain.ErrInvalidToken)
		}
		return []byte(secret), nil
	})
	if err != nil || !parsed.Valid {
		return Identity{}, domain.ErrInvalidToken
	}

	if claims.DriverID == "" || claims.UserID == "" {
		return Identity{}, domain.ErrInvalidToken.WithMessage("token carries no driver identity")
	}

	return Identity{
		DriverID: claims.DriverID,
		UserID:   claims.UserID,
		Token:    token,
	}, nil
}

func (id Identity) IsZero() bool {
	return id == Identity{}
}

func (id Identity) Equal(other Identity) bool {
	return id == other
}

// SameSubject reports whether both identities belong to the same user even
// though a secondary field differs, e.g. a refreshed token.
func (id Identity) SameSubject(other Identity) bool {
	return id.UserID == other.UserID && !id.Equal(other)
}
