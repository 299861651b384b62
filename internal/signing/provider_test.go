package signing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zachbroad/webhook-engine/internal/model"
)

type staticTokens struct {
	token string
	err   error
}

func (s staticTokens) Token(context.Context, *model.Subscription) (string, error) {
	return s.token, s.err
}

func TestProvider_Sign(t *testing.T) {
	body := []byte(`{"type":"payment.succeeded"}`)
	p := NewProvider(staticTokens{token: "tok-123"})

	tests := []struct {
		name    string
		auth    model.AuthConfig
		headers map[string]string
		basic   *model.BasicAuth
		wantErr error
	}{
		{
			name: "none",
			auth: model.AuthConfig{Method: model.AuthNone},
		},
		{
			name:  "basic",
			auth:  model.AuthConfig{Method: model.AuthBasic, Basic: &model.BasicAuth{Username: "u", Password: "p"}},
			basic: &model.BasicAuth{Username: "u", Password: "p"},
		},
		{
			name:    "bearer",
			auth:    model.AuthConfig{Method: model.AuthBearer, Bearer: &model.BearerAuth{Token: "abc"}},
			headers: map[string]string{"Authorization": "Bearer abc"},
		},
		{
			name:    "oauth2",
			auth:    model.AuthConfig{Method: model.AuthOAuth2, OAuth2: &model.OAuth2Auth{TokenURL: "https://auth.example.com/token"}},
			headers: map[string]string{"Authorization": "Bearer tok-123"},
		},
		{
			name:    "custom",
			auth:    model.AuthConfig{Method: model.AuthCustom, Custom: map[string]string{"X-Api-Key": "k1", "X-Tenant": "t1"}},
			headers: map[string]string{"X-Api-Key": "k1", "X-Tenant": "t1"},
		},
		{
			name:    "hmac without secret",
			auth:    model.AuthConfig{Method: model.AuthHMAC, HMAC: &model.HMACAuth{}},
			wantErr: model.ErrConfiguration,
		},
		{
			name:    "bearer without token",
			auth:    model.AuthConfig{Method: model.AuthBearer},
			wantErr: model.ErrConfiguration,
		},
		{
			name:    "unknown method",
			auth:    model.AuthConfig{Method: "kerberos"},
			wantErr: model.ErrConfiguration,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := &model.Subscription{ID: uuid.New(), Auth: tt.auth}
			aug, err := p.Sign(context.Background(), sub, body)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			for k, v := range tt.headers {
				assert.Equal(t, v, aug.Headers[k])
			}
			assert.Len(t, aug.Headers, len(tt.headers))
			assert.Equal(t, tt.basic, aug.BasicAuth)
		})
	}
}

func TestProvider_SignHMAC(t *testing.T) {
	body := []byte(`{"amount":100}`)
	sub := &model.Subscription{Auth: model.AuthConfig{
		Method: model.AuthHMAC,
		HMAC:   &model.HMACAuth{Secret: "whsec_test", Algorithm: AlgorithmSHA512, Header: "X-Signature"},
	}}

	aug, err := NewProvider(staticTokens{}).Sign(context.Background(), sub, body)
	require.NoError(t, err)

	sig := aug.Headers["X-Signature"]
	require.NotEmpty(t, sig)
	assert.True(t, Verify(body, "whsec_test", AlgorithmSHA512, sig))
}

func TestProvider_SignHMACDefaultHeader(t *testing.T) {
	sub := &model.Subscription{Auth: model.AuthConfig{
		Method: model.AuthHMAC,
		HMAC:   &model.HMACAuth{Secret: "k"},
	}}

	aug, err := NewProvider(staticTokens{}).Sign(context.Background(), sub, []byte("{}"))
	require.NoError(t, err)
	assert.Contains(t, aug.Headers[DefaultHeader], "sha256=")
}

func TestClientCredentials_Token(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "client", user)
		assert.Equal(t, "secret", pass)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"issued-token","token_type":"bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	sub := &model.Subscription{ID: uuid.New(), Auth: model.AuthConfig{
		Method: model.AuthOAuth2,
		OAuth2: &model.OAuth2Auth{TokenURL: srv.URL, ClientID: "client", ClientSecret: "secret"},
	}}

	cc := NewClientCredentials()
	for range 3 {
		tok, err := cc.Token(context.Background(), sub)
		require.NoError(t, err)
		assert.Equal(t, "issued-token", tok)
	}
	assert.Equal(t, int32(1), calls.Load(), "token should be cached until expiry")
}
