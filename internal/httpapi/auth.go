package httpapi

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenAudience = "hookdb"

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

type tokenClaims struct {
	Org string `json:"org"`
	jwt.RegisteredClaims
}

// authorizeBearer checks the token and that it was issued for orgKey.
func authorizeBearer(authHeader, jwtSecret, orgKey string, now time.Time) (*tokenClaims, *authError) {
	claims, authErr := parseBearer(authHeader, jwtSecret, now)
	if authErr != nil {
		return nil, authErr
	}
	if claims.Org != orgKey {
		return nil, &authError{status: 403, code: "forbidden", message: "organization mismatch"}
	}
	return claims, nil
}

func parseBearer(authHeader, jwtSecret string, now time.Time) (*tokenClaims, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return nil, &authError{status: 401, code: "unauthorized", message: "missing or invalid bearer token"}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))

	claims := &tokenClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(jwtSecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(tokenAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return nil, &authError{status: 401, code: "unauthorized", message: tokenErrorMessage(err)}
	}
	if claims.Org == "" {
		return nil, &authError{status: 401, code: "unauthorized", message: "missing org claim"}
	}
	return claims, nil
}

func tokenErrorMessage(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "invalid jwt format"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "jwt signature mismatch"
	case errors.Is(err, jwt.ErrTokenExpired):
		return "token expired"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "missing exp claim"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "invalid aud claim"
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return "unsupported jwt algorithm"
	}
	return "invalid bearer token"
}

// IssueToken signs a token for one organization. Used by the CLI and tests.
func IssueToken(jwtSecret, orgKey, subject string, expiresAt time.Time) (string, error) {
	claims := tokenClaims{
		Org: orgKey,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Audience:  jwt.ClaimStrings{tokenAudience},
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(jwtSecret))
}
