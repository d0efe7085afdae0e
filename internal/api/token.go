package api

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"secure-exec/internal/config"
)

var (
	errTokenInvalid = errors.New("invalid token")
	errTokenExpired = errors.New("token expired")
)

type tokenClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// tokenVerifier checks HS256 bearer tokens issued by an external identity
// service. The subject becomes the principal identity.
type tokenVerifier struct {
	secret []byte
	issuer string
}

func newTokenVerifier(secret, issuer string) *tokenVerifier {
	if secret == "" {
		return nil
	}
	return &tokenVerifier{secret: []byte(secret), issuer: issuer}
}

func (v *tokenVerifier) verify(raw string) (Principal, error) {
	parsed, err := jwt.ParseWithClaims(raw, &tokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Principal{}, errTokenExpired
		}
		return Principal{}, errTokenInvalid
	}
	claims, ok := parsed.Claims.(*tokenClaims)
	if !ok || !parsed.Valid {
		return Principal{}, errTokenInvalid
	}
	if v.issuer != "" && claims.Issuer != v.issuer {
		return Principal{}, errTokenInvalid
	}
	if claims.Subject == "" {
		return Principal{}, errTokenInvalid
	}

	role := claims.Role
	if role == "" {
		role = config.RoleUser
	}
	if role != config.RoleUser && role != config.RoleAdmin {
		return Principal{}, errTokenInvalid
	}
	return Principal{Identity: claims.Subject, Role: role}, nil
}
