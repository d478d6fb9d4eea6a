package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/oauth2"

	"github.com/agentworkforce/whooprelay/internal/dataapi"
)

const (
	DefaultAuthURL  = "https://api.prod.whoop.com/oauth/oauth2/auth"
	DefaultTokenURL = "https://api.prod.whoop.com/oauth/oauth2/token"

	// ScopeOffline must be requested for the provider to issue refresh tokens.
	ScopeOffline = "offline"

	maxTokenResponseBytes = 1 << 20
)

// Token is the outcome of a successful code exchange or refresh.
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Scopes       []string
}

type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (Token, error)
}

type Exchanger interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (Token, error)
}

type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	RedirectURL  string
	Scopes       []string
	HTTPClient   *http.Client
	Clock        clockwork.Clock
}

// OAuthClient talks to the provider's authorization server. Code exchange goes
// through x/oauth2; refresh is a hand-built form POST because the provider
// requires scope=offline on every refresh request.
type OAuthClient struct {
	clientID     string
	clientSecret string
	tokenURL     string
	httpClient   *http.Client
	clock        clockwork.Clock
	conf         *oauth2.Config
}

func NewOAuthClient(cfg OAuthConfig) *OAuthClient {
	authURL := strings.TrimSpace(cfg.AuthURL)
	if authURL == "" {
		authURL = DefaultAuthURL
	}
	tokenURL := strings.TrimSpace(cfg.TokenURL)
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	scopes := append([]string(nil), cfg.Scopes...)
	if !containsScope(scopes, ScopeOffline) {
		scopes = append(scopes, ScopeOffline)
	}
	return &OAuthClient{
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		tokenURL:     tokenURL,
		httpClient:   httpClient,
		clock:        clock,
		conf: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   authURL,
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
	}
}

func (c *OAuthClient) AuthCodeURL(state string) string {
	return c.conf.AuthCodeURL(state)
}

func (c *OAuthClient) Exchange(ctx context.Context, code string) (Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	tok, err := c.conf.Exchange(ctx, code)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil && isGrantRejection(retrieveErr.Response.StatusCode) {
			return Token{}, fmt.Errorf("%w: %v", ErrInvalidGrant, err)
		}
		return Token{}, err
	}
	out := Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		out.Scopes = strings.Fields(scope)
	}
	return out, nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
	TokenType    string `json:"token_type"`
	Error        string `json:"error"`
	Description  string `json:"error_description"`
}

func (c *OAuthClient) Refresh(ctx context.Context, refreshToken string) (Token, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Token{}, fmt.Errorf("%w: empty refresh token", ErrInvalidGrant)
	}
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)
	form.Set("scope", ScopeOffline)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Token{}, ctx.Err()
		}
		return Token{}, &dataapi.TransientError{Err: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseBytes))

	var payload tokenResponse
	_ = json.Unmarshal(body, &payload)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := fmt.Errorf("token endpoint status=%d error=%s description=%s", resp.StatusCode, payload.Error, payload.Description)
		switch {
		case isGrantRejection(resp.StatusCode):
			return Token{}, fmt.Errorf("%w: %v", ErrInvalidGrant, err)
		case resp.StatusCode == http.StatusTooManyRequests:
			retryAfter := dataapi.ParseRetryAfter(resp.Header.Get("Retry-After"), c.clock.Now())
			return Token{}, fmt.Errorf("%w: %v", &dataapi.RateLimitedError{RetryAfter: retryAfter}, err)
		case resp.StatusCode >= 500:
			return Token{}, &dataapi.TransientError{StatusCode: resp.StatusCode, Err: err}
		}
		return Token{}, err
	}
	if payload.AccessToken == "" {
		return Token{}, errors.New("token endpoint returned no access_token")
	}
	return Token{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		Expiry:       c.clock.Now().Add(time.Duration(payload.ExpiresIn) * time.Second).UTC(),
		Scopes:       strings.Fields(payload.Scope),
	}, nil
}

func isGrantRejection(status int) bool {
	return status == http.StatusBadRequest || status == http.StatusUnauthorized || status == http.StatusForbidden
}

func containsScope(scopes []string, want string) bool {
	for _, s := range scopes {
		if s == want {
			return true
		}
	}
	return false
}
