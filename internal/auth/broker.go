// Package auth implements the upstream credential broker.
//
// The platform issues short-lived bearer tokens through an OAuth2
// client-credentials flow. The broker caches the current token and refreshes
// it strictly before expiry minus a skew buffer, so a token is never handed
// out when it could expire while a request is in flight. Concurrent callers
// during a refresh share the single in-flight token fetch.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"

	"github.com/nulpointcorp/aicore-proxy/internal/models"
)

// ErrUpstreamAuth marks a non-2xx response from the authorization server.
// Fatal for the originating request, not for the process.
var ErrUpstreamAuth = errors.New("upstream authorization failed")

// Broker obtains and caches the upstream bearer token.
type Broker struct {
	conf clientcredentials.Config
	skew time.Duration

	mu  sync.RWMutex
	tok *oauth2.Token

	sf singleflight.Group
}

// Option configures a Broker.
type Option func(*Broker)

// WithSkew overrides the expiry skew buffer. Values below the package minimum
// are clamped to models.TokenSkewBuffer.
func WithSkew(d time.Duration) Option {
	return func(b *Broker) {
		if d < models.TokenSkewBuffer {
			d = models.TokenSkewBuffer
		}
		b.skew = d
	}
}

// New creates a Broker for the given client credentials and token endpoint.
// Credentials are sent as HTTP Basic per the platform contract.
func New(clientID, clientSecret, tokenURL string, opts ...Option) *Broker {
	b := &Broker{
		conf: clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
			AuthStyle:    oauth2.AuthStyleInHeader,
		},
		skew: models.TokenSkewBuffer,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Token returns a bearer token whose remaining lifetime exceeds the skew
// buffer, refreshing it when necessary. Concurrent callers during a refresh
// observe the same in-flight fetch and receive its result; a failed refresh
// leaves the cache untouched.
func (b *Broker) Token(ctx context.Context) (string, time.Time, error) {
	if tok := b.cached(); tok != nil {
		return tok.AccessToken, tok.Expiry, nil
	}

	v, err, _ := b.sf.Do("refresh", func() (any, error) {
		// A racing caller may have finished the refresh between our cache
		// check and joining the flight.
		if tok := b.cached(); tok != nil {
			return tok, nil
		}

		tok, err := b.conf.Token(ctx)
		if err != nil {
			var rerr *oauth2.RetrieveError
			if errors.As(err, &rerr) {
				return nil, fmt.Errorf("%w: status %d", ErrUpstreamAuth, rerr.Response.StatusCode)
			}
			return nil, fmt.Errorf("auth: token fetch: %w", err)
		}

		b.mu.Lock()
		b.tok = tok
		b.mu.Unlock()
		return tok, nil
	})
	if err != nil {
		return "", time.Time{}, err
	}

	tok := v.(*oauth2.Token)
	return tok.AccessToken, tok.Expiry, nil
}

// cached returns the current token when its remaining lifetime exceeds the
// skew buffer, nil otherwise.
func (b *Broker) cached() *oauth2.Token {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.tok == nil || b.tok.AccessToken == "" {
		return nil
	}
	if time.Until(b.tok.Expiry) <= b.skew {
		return nil
	}
	return b.tok
}
