// Package auth provides bearer-token verification for the HTTP surface:
// either a static shared token or HS256 JWTs with issuer/audience checks.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token errors.
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// Verifier validates a presented bearer token and returns the subject it
// identifies.
type Verifier interface {
	Verify(token string) (subject string, err error)
}

// StaticVerifier accepts a single pre-shared token.
type StaticVerifier struct {
	token []byte
}

// NewStaticVerifier creates a verifier for the given shared token.
func NewStaticVerifier(token string) *StaticVerifier {
	return &StaticVerifier{token: []byte(token)}
}

// Verify compares in constant time and reports the fixed subject "client".
func (v *StaticVerifier) Verify(token string) (string, error) {
	if subtle.ConstantTimeCompare(v.token, []byte(token)) != 1 {
		return "", ErrInvalidToken
	}
	return "client", nil
}

// JWTVerifier validates and mints HS256 JWTs bound to an issuer and
// audience.
type JWTVerifier struct {
	secret   []byte
	issuer   string
	audience string
}

// NewJWTVerifier creates a verifier for tokens signed with secret and
// carrying the given issuer and audience claims.
func NewJWTVerifier(secret []byte, issuer, audience string) *JWTVerifier {
	return &JWTVerifier{secret: secret, issuer: issuer, audience: audience}
}

// Verify validates signature, expiry, issuer and audience, and extracts the
// subject from the "sub" claim.
func (v *JWTVerifier) Verify(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString,
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return v.secret, nil
		},
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	return sub, nil
}

// Generate mints a token for the given subject with the verifier's issuer
// and audience and the given lifetime.
func (v *JWTVerifier) Generate(subject string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": subject,
		"iss": v.issuer,
		"aud": v.audience,
		"iat": now.Unix(),
		"exp": now.Add(expiresIn).Unix(),
		"jti": uuid.New().String(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
