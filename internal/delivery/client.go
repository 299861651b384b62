package delivery

import (
	"crypto/tls"
	"net/http"
	"sync"
	"time"

	"github.com/zachbroad/webhook-engine/internal/model"
)

var tlsVersions = map[string]uint16{
	"1.0": tls.VersionTLS10,
	"1.1": tls.VersionTLS11,
	"1.2": tls.VersionTLS12,
	"1.3": tls.VersionTLS13,
}

// clientPool shares one http.Client per distinct TLS policy. Request
// deadlines come from the per-delivery context, not the client.
type clientPool struct {
	mu      sync.Mutex
	clients map[model.TLSPolicy]*http.Client
}

func newClientPool() *clientPool {
	return &clientPool{clients: make(map[model.TLSPolicy]*http.Client)}
}

func (p *clientPool) get(policy model.TLSPolicy) *http.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[policy]; ok {
		return c
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{
		MinVersion:         tlsVersion(policy.MinVersion),
		InsecureSkipVerify: !policy.RejectUnauthorized,
	}
	transport.MaxIdleConnsPerHost = 16
	transport.IdleConnTimeout = 90 * time.Second

	c := &http.Client{
		Transport: transport,
		// webhooks are not followed across redirects
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	p.clients[policy] = c
	return c
}

func tlsVersion(v string) uint16 {
	if version, ok := tlsVersions[v]; ok {
		return version
	}
	return tls.VersionTLS12
}
