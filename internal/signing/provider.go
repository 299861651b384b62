package signing

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/zachbroad/webhook-engine/internal/model"
)

// Augmentation is the authentication material attached to one request.
type Augmentation struct {
	Headers   map[string]string
	BasicAuth *model.BasicAuth
}

func (a *Augmentation) setHeader(k, v string) {
	if a.Headers == nil {
		a.Headers = make(map[string]string)
	}
	a.Headers[k] = v
}

// TokenSource hands out OAuth2 access tokens for a subscription.
type TokenSource interface {
	Token(ctx context.Context, sub *model.Subscription) (string, error)
}

type strategy func(ctx context.Context, sub *model.Subscription, body []byte) (Augmentation, error)

// Provider computes per-delivery authentication by dispatching on the
// subscription's auth method.
type Provider struct {
	tokens     TokenSource
	strategies map[model.AuthMethod]strategy
}

func NewProvider(tokens TokenSource) *Provider {
	if tokens == nil {
		tokens = NewClientCredentials()
	}
	p := &Provider{tokens: tokens}
	p.strategies = map[model.AuthMethod]strategy{
		model.AuthNone:   signNone,
		"":               signNone,
		model.AuthBasic:  signBasic,
		model.AuthBearer: signBearer,
		model.AuthHMAC:   signHMAC,
		model.AuthOAuth2: p.signOAuth2,
		model.AuthCustom: signCustom,
	}
	return p
}

// Sign returns the request augmentation for body under the subscription's
// configured method.
func (p *Provider) Sign(ctx context.Context, sub *model.Subscription, body []byte) (Augmentation, error) {
	fn, ok := p.strategies[sub.Auth.Method]
	if !ok {
		return Augmentation{}, fmt.Errorf("%w: unknown auth method %q", model.ErrConfiguration, sub.Auth.Method)
	}
	return fn(ctx, sub, body)
}

func signNone(context.Context, *model.Subscription, []byte) (Augmentation, error) {
	return Augmentation{}, nil
}

func signBasic(_ context.Context, sub *model.Subscription, _ []byte) (Augmentation, error) {
	if sub.Auth.Basic == nil || sub.Auth.Basic.Username == "" {
		return Augmentation{}, fmt.Errorf("%w: basic auth without username", model.ErrConfiguration)
	}
	creds := *sub.Auth.Basic
	return Augmentation{BasicAuth: &creds}, nil
}

func signBearer(_ context.Context, sub *model.Subscription, _ []byte) (Augmentation, error) {
	if sub.Auth.Bearer == nil || sub.Auth.Bearer.Token == "" {
		return Augmentation{}, fmt.Errorf("%w: bearer auth without token", model.ErrConfiguration)
	}
	var a Augmentation
	a.setHeader("Authorization", "Bearer "+sub.Auth.Bearer.Token)
	return a, nil
}

func signHMAC(_ context.Context, sub *model.Subscription, body []byte) (Augmentation, error) {
	cfg := sub.Auth.HMAC
	if cfg == nil || cfg.Secret == "" {
		return Augmentation{}, fmt.Errorf("%w: hmac auth without secret", model.ErrConfiguration)
	}
	sig, err := Sign(body, cfg.Secret, cfg.Algorithm)
	if err != nil {
		return Augmentation{}, fmt.Errorf("%w: %w", model.ErrConfiguration, err)
	}
	header := cfg.Header
	if header == "" {
		header = DefaultHeader
	}
	var a Augmentation
	a.setHeader(header, sig)
	return a, nil
}

func (p *Provider) signOAuth2(ctx context.Context, sub *model.Subscription, _ []byte) (Augmentation, error) {
	if sub.Auth.OAuth2 == nil || sub.Auth.OAuth2.TokenURL == "" {
		return Augmentation{}, fmt.Errorf("%w: oauth2 auth without token url", model.ErrConfiguration)
	}
	token, err := p.tokens.Token(ctx, sub)
	if err != nil {
		return Augmentation{}, fmt.Errorf("acquire oauth2 token: %w", err)
	}
	var a Augmentation
	a.setHeader("Authorization", "Bearer "+token)
	return a, nil
}

func signCustom(_ context.Context, sub *model.Subscription, _ []byte) (Augmentation, error) {
	var a Augmentation
	for k, v := range sub.Auth.Custom {
		a.setHeader(k, v)
	}
	return a, nil
}

// ClientCredentials acquires tokens with the OAuth2 client credentials grant
// and caches one reusable token source per subscription.
type ClientCredentials struct {
	mu      sync.Mutex
	sources map[string]cachedSource
}

type cachedSource struct {
	key string
	src oauth2.TokenSource
}

func NewClientCredentials() *ClientCredentials {
	return &ClientCredentials{sources: make(map[string]cachedSource)}
}

func (c *ClientCredentials) Token(ctx context.Context, sub *model.Subscription) (string, error) {
	cfg := sub.Auth.OAuth2
	key := cfg.TokenURL + "|" + cfg.ClientID + "|" + cfg.ClientSecret

	c.mu.Lock()
	cached, ok := c.sources[sub.ID.String()]
	if !ok || cached.key != key {
		cc := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		// Token refreshes outlive the triggering delivery.
		cached = cachedSource{key: key, src: oauth2.ReuseTokenSource(nil, cc.TokenSource(context.WithoutCancel(ctx)))}
		c.sources[sub.ID.String()] = cached
	}
	c.mu.Unlock()

	tok, err := cached.src.Token()
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}
