// Package auth builds the credentialed HTTP clients used to reach the cloud
// API. A personal access token is used as-is; an OAuth refresh token is
// exchanged through golang.org/x/oauth2 and every rotated token is persisted
// so the grant survives restarts.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"smartthings-go-home/internal/store"
)

// DefaultTokenURL is the SmartThings OAuth token endpoint.
const DefaultTokenURL = "https://api.smartthings.com/oauth/token"

// DefaultScopes are the scopes needed to read device state and execute
// commands.
var DefaultScopes = []string{"r:devices:*", "x:devices:*"}

// TokenStore persists tokens per account.
type TokenStore interface {
	SaveToken(accountID string, tok *oauth2.Token) error
	GetToken(accountID string) (*oauth2.Token, error)
}

// Credentials describes how one account authenticates.
type Credentials struct {
	AccessToken  string
	ClientID     string
	ClientSecret string
	RefreshToken string
	TokenURL     string
	Scopes       []string
}

// Refreshing reports whether the credentials use the OAuth refresh flow.
func (c Credentials) Refreshing() bool {
	return c.RefreshToken != "" && c.ClientID != ""
}

// Validate checks that one of the two supported credential shapes is set.
func (c Credentials) Validate() error {
	if c.AccessToken == "" && !c.Refreshing() {
		return errors.New("either access_token or client_id + refresh_token is required")
	}
	return nil
}

// TokenSource returns the token source for an account. For refresh-token
// credentials the most recently persisted token wins over the configured
// seed, since the cloud rotates refresh tokens on use.
func TokenSource(ctx context.Context, accountID string, creds Credentials, ts TokenStore, logger *slog.Logger) (oauth2.TokenSource, error) {
	if err := creds.Validate(); err != nil {
		return nil, fmt.Errorf("account %s: %w", accountID, err)
	}
	if !creds.Refreshing() {
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: creds.AccessToken, TokenType: "Bearer"}), nil
	}

	tokenURL := creds.TokenURL
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	scopes := creds.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	cfg := &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}

	seed := &oauth2.Token{AccessToken: creds.AccessToken, RefreshToken: creds.RefreshToken}
	if ts != nil {
		saved, err := ts.GetToken(accountID)
		switch {
		case err == nil && saved.RefreshToken != "":
			seed = saved
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("load token for %s: %w", accountID, err)
		}
	}
	if seed.AccessToken == "" {
		// Force a refresh on first use.
		seed.Expiry = time.Unix(1, 0)
	}

	return &persistingSource{
		accountID: accountID,
		base:      cfg.TokenSource(ctx, seed),
		store:     ts,
		logger:    logger.With("component", "auth", "account", accountID),
		last:      seed.AccessToken,
	}, nil
}

// persistingSource writes every newly minted token back to the store.
type persistingSource struct {
	accountID string
	base      oauth2.TokenSource
	store     TokenStore
	logger    *slog.Logger

	mu   sync.Mutex
	last string
}

func (p *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := p.base.Token()
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if tok.AccessToken == p.last {
		return tok, nil
	}
	p.last = tok.AccessToken
	p.logger.Info("access token refreshed", "expiry", tok.Expiry)
	if p.store != nil {
		if err := p.store.SaveToken(p.accountID, tok); err != nil {
			p.logger.Error("persist token", "err", err)
		}
	}
	return tok, nil
}

// NewHTTPClient returns an http.Client that attaches tokens from ts. The
// timeout applies to each request, including token refreshes.
func NewHTTPClient(ctx context.Context, ts oauth2.TokenSource, timeout time.Duration) *http.Client {
	base := &http.Client{Timeout: timeout}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, base)
	c := oauth2.NewClient(ctx, ts)
	c.Timeout = timeout
	return c
}
