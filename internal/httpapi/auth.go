package httpapi

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenAudience = "platformbridge"

const (
	ScopeTasksRead      = "tasks:read"
	ScopeTasksReconcile = "tasks:reconcile"
	ScopeChangelogSync  = "changelog:sync"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// scopeSet accepts scopes as a JSON array or a space separated string.
type scopeSet map[string]struct{}

func (s *scopeSet) UnmarshalJSON(data []byte) error {
	out := scopeSet{}
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		for _, scope := range list {
			if scope = strings.TrimSpace(scope); scope != "" {
				out[scope] = struct{}{}
			}
		}
		*s = out
		return nil
	}
	var joined string
	if err := json.Unmarshal(data, &joined); err != nil {
		return errors.New("scopes must be a string or a list of strings")
	}
	for _, scope := range strings.Fields(joined) {
		out[scope] = struct{}{}
	}
	*s = out
	return nil
}

type tokenClaims struct {
	Scopes scopeSet `json:"scopes"`
	jwt.RegisteredClaims
}

func authorizeBearer(authHeader, jwtSecret, requiredScope string, now time.Time) (*tokenClaims, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return nil, &authError{status: 401, code: "unauthorized", message: "missing or invalid bearer token"}
	}
	return authorizeToken(strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer ")), jwtSecret, requiredScope, now)
}

func authorizeToken(raw, jwtSecret, requiredScope string, now time.Time) (*tokenClaims, *authError) {
	claims := &tokenClaims{}
	_, err := jwt.ParseWithClaims(raw, claims,
		func(*jwt.Token) (any, error) { return []byte(jwtSecret), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithAudience(tokenAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return nil, &authError{status: 401, code: "unauthorized", message: tokenErrorMessage(err)}
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, &authError{status: 401, code: "unauthorized", message: "missing sub claim"}
	}
	if len(claims.Scopes) == 0 {
		return nil, &authError{status: 403, code: "forbidden", message: "no scopes granted"}
	}
	if requiredScope != "" {
		if _, ok := claims.Scopes[requiredScope]; !ok {
			return nil, &authError{status: 403, code: "forbidden", message: "missing required scope: " + requiredScope}
		}
	}
	return claims, nil
}

func tokenErrorMessage(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "token expired"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "invalid aud claim"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "missing exp claim"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "jwt signature mismatch"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "invalid jwt format"
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return "unsupported jwt algorithm"
	default:
		return "invalid token"
	}
}
