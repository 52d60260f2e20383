// Package credentials resolves the upstream credential of a provider,
// refreshing OAuth access tokens for token based vendors.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/nulpointcorp/llm-relay/internal/providers"
)

// ErrNoCredential is returned when a provider has nothing to authenticate
// with.
var ErrNoCredential = errors.New("credentials: provider has no credential")

// Config holds defaults applied to providers whose oauth block omits them.
type Config struct {
	TokenURL string
	ClientID string
	// Client performs token refreshes.
	Client *http.Client
}

// Resolver caches one refreshing token source per provider.
type Resolver struct {
	cfg Config

	mu      sync.Mutex
	sources map[int64]*source
}

type source struct {
	fingerprint string
	ts          oauth2.TokenSource
}

// NewResolver returns a Resolver.
func NewResolver(cfg Config) *Resolver {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Resolver{cfg: cfg, sources: make(map[int64]*source)}
}

// Resolve returns the credential for p. API-key providers return their key;
// OAuth providers return a bearer, refreshed through their token endpoint
// when a refresh token is configured.
func (r *Resolver) Resolve(ctx context.Context, p *providers.Provider) (providers.Credential, error) {
	if err := ctx.Err(); err != nil {
		return providers.Credential{}, err
	}
	if p.Auth != providers.AuthOAuth {
		if p.APIKey == "" {
			return providers.Credential{}, fmt.Errorf("%w: %s", ErrNoCredential, p.Name)
		}
		return providers.Credential{APIKey: p.APIKey}, nil
	}

	cred := providers.Credential{}
	if p.OAuth != nil {
		cred.AccountID = p.OAuth.AccountID
	}

	if p.OAuth == nil || p.OAuth.RefreshToken == "" {
		if p.APIKey == "" {
			return providers.Credential{}, fmt.Errorf("%w: %s", ErrNoCredential, p.Name)
		}
		cred.Bearer = p.APIKey
		return cred, nil
	}

	ts, err := r.tokenSource(p)
	if err != nil {
		return providers.Credential{}, err
	}
	tok, err := ts.Token()
	if err != nil {
		return providers.Credential{}, fmt.Errorf("credentials: refresh %s: %w", p.Name, err)
	}
	cred.Bearer = tok.AccessToken
	return cred, nil
}

func (r *Resolver) tokenSource(p *providers.Provider) (oauth2.TokenSource, error) {
	o := p.OAuth
	tokenURL := o.TokenURL
	if tokenURL == "" {
		tokenURL = r.cfg.TokenURL
	}
	clientID := o.ClientID
	if clientID == "" {
		clientID = r.cfg.ClientID
	}
	if tokenURL == "" {
		return nil, fmt.Errorf("credentials: %s: oauth token_url is required", p.Name)
	}
	fp := strings.Join([]string{tokenURL, clientID, o.ClientSecret, o.RefreshToken, strings.Join(o.Scopes, " ")}, "\x00")

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sources[p.ID]; ok && s.fingerprint == fp {
		return s.ts, nil
	}

	conf := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: o.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
		Scopes: o.Scopes,
	}
	// The context is kept by the token source for every later refresh.
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, r.cfg.Client)
	ts := oauth2.ReuseTokenSource(nil, conf.TokenSource(ctx, &oauth2.Token{RefreshToken: o.RefreshToken}))
	r.sources[p.ID] = &source{fingerprint: fp, ts: ts}
	return ts, nil
}

// Invalidate drops the cached token of providerID so the next Resolve
// refreshes. Called after an upstream 401.
func (r *Resolver) Invalidate(providerID int64) {
	r.mu.Lock()
	delete(r.sources, providerID)
	r.mu.Unlock()
}
