// Package engine dials the BPMN engine gateway and wraps the RPCs the
// job runtime and webhook server use.
package engine

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// tokenExpirySlack forces a refresh when less than this much lifetime
// remains, so a token never expires mid handshake.
const tokenExpirySlack = 60 * time.Second

// TokenManager is the process-wide authority for gateway access
// tokens. All transports pull tokens from one manager so a refresh is
// visible everywhere at once.
type TokenManager struct {
	conf *clientcredentials.Config

	mu    sync.Mutex
	token *oauth2.Token
}

// NewTokenManager builds a manager for the client-credentials flow.
// audience is optional and rides as an extra token form parameter.
func NewTokenManager(clientID, clientSecret, tokenURL, audience string) *TokenManager {
	conf := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
	}
	if audience != "" {
		conf.EndpointParams = url.Values{"audience": {audience}}
	}
	return &TokenManager{conf: conf}
}

// Token returns the cached token while more than tokenExpirySlack of
// lifetime remains, fetching a fresh one otherwise.
func (m *TokenManager) Token(ctx context.Context) (*oauth2.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token != nil && m.token.AccessToken != "" {
		if m.token.Expiry.IsZero() || time.Until(m.token.Expiry) > tokenExpirySlack {
			tok := *m.token
			return &tok, nil
		}
	}
	return m.fetchLocked(ctx)
}

// AccessToken is a convenience wrapper returning the bearer string.
func (m *TokenManager) AccessToken(ctx context.Context) (string, error) {
	tok, err := m.Token(ctx)
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// Refresh discards the cached token and fetches a new one. The run
// loop calls this before rebuilding the transport after a stream
// failure, in case the old token was the reason the stream died.
func (m *TokenManager) Refresh(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = nil
	_, err := m.fetchLocked(ctx)
	return err
}

func (m *TokenManager) fetchLocked(ctx context.Context) (*oauth2.Token, error) {
	tok, err := m.conf.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch engine token: %w", err)
	}
	m.token = tok
	copied := *tok
	return &copied, nil
}

// TokenSource exposes the manager as an oauth2.TokenSource for gRPC
// per-RPC credentials.
func (m *TokenManager) TokenSource() oauth2.TokenSource {
	return managerTokenSource{m}
}

type managerTokenSource struct{ m *TokenManager }

func (s managerTokenSource) Token() (*oauth2.Token, error) {
	return s.m.Token(context.Background())
}
