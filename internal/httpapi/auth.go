package httpapi

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	scopeAdminRead  = "admin:read"
	scopeAdminWrite = "admin:write"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// scopeList accepts scopes as a JSON array or a space separated string.
type scopeList []string

func (s *scopeList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*s = list
		return nil
	}
	var joined string
	if err := json.Unmarshal(data, &joined); err != nil {
		return errors.New("scopes must be a list or a string")
	}
	*s = strings.Fields(joined)
	return nil
}

type adminClaims struct {
	Scopes scopeList `json:"scopes"`
	jwt.RegisteredClaims
}

func (c adminClaims) hasScope(scope string) bool {
	for _, s := range c.Scopes {
		// write implies read
		if s == scope || (scope == scopeAdminRead && s == scopeAdminWrite) {
			return true
		}
	}
	return false
}

func authorizeBearer(authHeader string, secret []byte, audience, requiredScope string, now time.Time) (adminClaims, *authError) {
	if len(secret) == 0 {
		return adminClaims{}, &authError{status: 503, code: "admin_disabled", message: "admin api is not configured"}
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return adminClaims{}, &authError{
			status:  401,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))

	var claims adminClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return adminClaims{}, &authError{status: 401, code: "unauthorized", message: bearerErrorMessage(err)}
	}
	if len(claims.Scopes) == 0 {
		return adminClaims{}, &authError{status: 403, code: "forbidden", message: "no scopes granted"}
	}
	if requiredScope != "" && !claims.hasScope(requiredScope) {
		return adminClaims{}, &authError{
			status:  403,
			code:    "forbidden",
			message: "missing required scope: " + requiredScope,
		}
	}
	return claims, nil
}

func bearerErrorMessage(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "token expired"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "invalid aud claim"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "jwt signature mismatch"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "missing exp claim"
	default:
		return "invalid jwt"
	}
}
