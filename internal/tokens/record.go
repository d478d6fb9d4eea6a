// Package tokens owns per-user OAuth token state and the refresh coordinator
// that hands out valid access tokens.
package tokens

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("token record not found")
	// ErrReauthorizationRequired means the user must go through the connect
	// flow again; no refresh will be attempted for them.
	ErrReauthorizationRequired = errors.New("reauthorization required")
	ErrRefreshUnavailable      = errors.New("token refresh unavailable")
	// ErrInvalidGrant is returned by refreshers when the token endpoint
	// rejects the refresh token itself.
	ErrInvalidGrant = errors.New("invalid grant")
)

type State string

const (
	StateActive     State = "active"
	StateRefreshing State = "refreshing"
	StateRevoked    State = "revoked"
	StateInvalid    State = "invalid"
)

func (s State) Terminal() bool {
	return s == StateRevoked || s == StateInvalid
}

type Record struct {
	UserID       int64     `json:"user_id"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scopes       []string  `json:"scopes,omitempty"`
	State        State     `json:"state"`
	UpdatedAt    time.Time `json:"updated_at"`
	LastError    string    `json:"last_error,omitempty"`
}

// ExpiresWithin reports whether the access token expires before now+window.
func (r Record) ExpiresWithin(now time.Time, window time.Duration) bool {
	return !r.ExpiresAt.After(now.Add(window))
}

func (r Record) HasScope(scope string) bool {
	for _, s := range r.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}
