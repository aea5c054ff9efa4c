// Package auth provides the credentials attached to calls made to the order
// ledger.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Credential sets the Authorization header of an outgoing request.
type Credential interface {
	SetAuthHeader(r *http.Request) error
}

// New picks the credential described by conf: client credentials when a
// token URL is set, a static bearer token otherwise. It returns nil when
// neither is configured.
func New(conf Conf) Credential {
	switch {
	case conf.AuthURL != "":
		return NewClientCred(conf)
	case conf.Token != "":
		return Static(conf.Token)
	default:
		return nil
	}
}

// Static is a fixed bearer token.
type Static string

func (s Static) SetAuthHeader(r *http.Request) error {
	if s == "" {
		return errors.New("auth: empty static token")
	}
	r.Header.Set("Authorization", "Bearer "+string(s))
	return nil
}

// ClientCred fetches and caches an OAuth2 client credentials token.
type ClientCred struct {
	conf  clientcredentials.Config
	mu    sync.Mutex
	token *oauth2.Token
}

func NewClientCred(conf Conf) *ClientCred {
	return &ClientCred{
		conf: conf.toOauth2Config(),
	}
}

// GetToken returns the cached access token while it is valid and fetches a
// new one otherwise.
func (c *ClientCred) GetToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tok, err := c.valid(ctx)
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// ForceRefresh drops the cached token and fetches a new one.
func (c *ClientCred) ForceRefresh(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = nil
	tok, err := c.valid(ctx)
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

func (c *ClientCred) SetAuthHeader(r *http.Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	tok, err := c.valid(r.Context())
	if err != nil {
		return err
	}
	tok.SetAuthHeader(r)
	return nil
}

func (c *ClientCred) valid(ctx context.Context) (*oauth2.Token, error) {
	if c.token != nil && c.token.Valid() {
		return c.token, nil
	}
	tok, err := c.conf.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	c.token = tok
	return tok, nil
}
