// Package authtoken issues and verifies the opaque bearer tokens the sync
// engine treats as already-authenticated (spec §1 Non-goals: "no auth
// credential verification, bearer tokens only"). login() is a passthrough
// that trusts an upstream identity provider and simply mints one of these.
package authtoken

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/debitum/syncengine/internal/apperrors"
)

// Claims is the JWT payload carried by a bearer token.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// Issuer mints and verifies bearer tokens signed with a shared HMAC secret.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	issuer string
}

// NewIssuer builds an Issuer. ttl defaults to 24h when <= 0.
func NewIssuer(secret []byte, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Issuer{secret: secret, ttl: ttl, issuer: "debitum-syncengine"}
}

// Issue mints a signed token for userID. This is the server side of
// `login(credentials) → token`; credential verification itself happens
// upstream of the sync engine.
func (i *Issuer) Issue(userID string) (string, error) {
	now := time.Now().UTC()
	claims := &Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			Issuer:    i.issuer,
			Subject:   userID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

// Verify parses and validates a bearer token, returning the authenticated
// user id. Any failure maps to DEBITUM_AUTH_DECLINED (spec §7 Kind Authz).
func (i *Issuer) Verify(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return i.secret, nil
	}, jwt.WithIssuer(i.issuer))
	if err != nil {
		return "", apperrors.Wrap(apperrors.AuthDeclined, "invalid or expired token", 401, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return "", apperrors.NewAuthDeclined("invalid token claims")
	}
	return claims.UserID, nil
}
