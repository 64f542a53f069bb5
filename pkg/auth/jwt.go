// Package auth signs and verifies the bearer tokens the optional admin HTTP
// surface (pkg/controller/hooks.AdminServer) issues to operators, scoped to
// this runtime's single operator-account model rather than a general user
// base.
package auth

import (
	"errors"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalid = errors.New("invalid token")

// OperatorClaims identifies the admin-surface operator a token was issued
// to, distinct from any node/peer address in the runtime it authorizes.
type OperatorClaims struct {
	OperatorID uint   `json:"opid"`
	Username   string `json:"username"`
	jwt.RegisteredClaims
}

func operatorSecret() []byte {
	s := os.Getenv("VNODED_ADMIN_JWT_SECRET")
	if s == "" {
		s = "change-me-secret"
	}
	return []byte(s)
}

// Generate signs a bearer token for operatorID, valid for ttl.
func Generate(operatorID uint, username string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := OperatorClaims{
		OperatorID: operatorID,
		Username:   username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(operatorSecret())
}

// Parse verifies tokenStr and returns its claims.
func Parse(tokenStr string) (*OperatorClaims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &OperatorClaims{}, func(_ *jwt.Token) (interface{}, error) {
		return operatorSecret(), nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalid
	}
	if claims, ok := token.Claims.(*OperatorClaims); ok {
		return claims, nil
	}
	return nil, ErrInvalid
}
