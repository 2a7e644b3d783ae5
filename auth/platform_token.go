package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goliatone/go-dispatch/core"
	"github.com/goliatone/go-dispatch/transport"
)

const defaultRenewBefore = 2 * time.Minute

// Doer executes a single HTTP exchange. transport.RESTAdapter satisfies it.
type Doer interface {
	Do(ctx context.Context, req transport.Request) (transport.Response, error)
}

// CredentialRotator persists refreshed credentials. merchant.Registry
// satisfies it.
type CredentialRotator interface {
	RotateCredentials(
		ctx context.Context,
		storeID string,
		mutate func(current core.Credentials) (core.Credentials, error),
	) (core.Credentials, error)
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// PlatformTokenSource exchanges platform client credentials for a bearer
// access token.
type PlatformTokenSource struct {
	TokenURL    string
	Client      Doer
	Rotator     CredentialRotator
	RenewBefore time.Duration
	Timeout     time.Duration
	Observer    *core.Observer
	Now         func() time.Time
}

func NewPlatformTokenSource(cfg core.DestinationConfig, client Doer, rotator CredentialRotator) *PlatformTokenSource {
	return &PlatformTokenSource{
		TokenURL:    strings.TrimSpace(cfg.TokenURL),
		Client:      client,
		Rotator:     rotator,
		RenewBefore: defaultRenewBefore,
		Timeout:     cfg.Timeout,
		Observer:    core.NewObserver(nil, nil),
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Usable reports whether creds carry an access token that is not inside the
// renewal window.
func (s *PlatformTokenSource) Usable(creds core.Credentials) bool {
	renewBefore := defaultRenewBefore
	if s != nil && s.RenewBefore > 0 {
		renewBefore = s.RenewBefore
	}
	return !creds.PlatformTokenExpired(s.now().Add(renewBefore))
}

// Exchange performs the client-credentials grant and returns creds with the
// new token applied. Nothing is persisted.
func (s *PlatformTokenSource) Exchange(ctx context.Context, creds core.Credentials) (core.Credentials, error) {
	if s == nil || s.Client == nil {
		return core.Credentials{}, fmt.Errorf("auth: platform token source is not configured")
	}
	if s.TokenURL == "" {
		return core.Credentials{}, fmt.Errorf("auth: platform token url is not configured")
	}
	clientID := strings.TrimSpace(creds.PlatformClientID)
	clientSecret := strings.TrimSpace(creds.PlatformClientSecret)
	if clientID == "" || clientSecret == "" {
		return core.Credentials{}, core.UpstreamUnauthorized("platform client credentials are not configured")
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", clientID)
	form.Set("client_secret", clientSecret)

	startedAt := time.Now()
	res, err := s.Client.Do(ctx, transport.Request{
		Method:  http.MethodPost,
		URL:     s.TokenURL,
		Headers: map[string]string{"Content-Type": "application/x-www-form-urlencoded"},
		Body:    []byte(form.Encode()),
		Timeout: s.Timeout,
	})
	if err == nil {
		err = transport.Classify("platform_token", res, s.now())
	}
	var payload tokenResponse
	if err == nil {
		err = res.DecodeJSON(&payload)
	}
	if err == nil && strings.TrimSpace(payload.AccessToken) == "" {
		err = core.UpstreamRejected(res.StatusCode, "platform token response has no access_token")
	}
	s.Observer.ObserveOperation(ctx, startedAt, "platform_token_exchange", err, map[string]any{"client_id": clientID})
	if err != nil {
		return core.Credentials{}, err
	}

	next := creds
	next.PlatformAccessToken = strings.TrimSpace(payload.AccessToken)
	next.PlatformTokenExpiry = nil
	if payload.ExpiresIn > 0 {
		expiresAt := s.now().Add(time.Duration(payload.ExpiresIn) * time.Second)
		next.PlatformTokenExpiry = &expiresAt
	}
	return next, nil
}

// Refresh exchanges a new token for storeID and writes it back through the
// rotator. A token that a concurrent refresh already renewed is reused.
func (s *PlatformTokenSource) Refresh(ctx context.Context, storeID string, stale string) (core.Credentials, error) {
	if s == nil || s.Rotator == nil {
		return core.Credentials{}, fmt.Errorf("auth: platform token rotator is not configured")
	}
	return s.Rotator.RotateCredentials(ctx, storeID, func(current core.Credentials) (core.Credentials, error) {
		if current.PlatformAccessToken != strings.TrimSpace(stale) && s.Usable(current) {
			return current, nil
		}
		return s.Exchange(ctx, current)
	})
}

// Token returns a usable bearer token, refreshing first when the stored one
// is missing or about to expire.
func (s *PlatformTokenSource) Token(ctx context.Context, storeID string, creds core.Credentials) (string, error) {
	if s.Usable(creds) {
		return creds.PlatformAccessToken, nil
	}
	refreshed, err := s.Refresh(ctx, storeID, creds.PlatformAccessToken)
	if err != nil {
		return "", err
	}
	return refreshed.PlatformAccessToken, nil
}

func (s *PlatformTokenSource) now() time.Time {
	if s == nil || s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}
