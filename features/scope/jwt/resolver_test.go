package jwt

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/agentrun/runtime/agent/scope"
)

func makeToken(t *testing.T, claims map[string]any) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none"}`))
	payload, err := json.Marshal(claims)
	require.NoError(t, err)
	body := base64.RawURLEncoding.EncodeToString(payload)
	return header + "." + body + ".sig"
}

func request(t *testing.T, token string) *http.Request {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, "/agent/demo/run", nil)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	return r
}

func TestResolverMissingTokenIsUnauthorized(t *testing.T) {
	resolve, err := NewResolver(Options{ResourceIDClaim: "org"})
	require.NoError(t, err)

	sc, ok, err := resolve(context.Background(), request(t, ""), nil)
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, sc)
}

func TestResolverStrictRejectsUnownedHint(t *testing.T) {
	resolve, err := NewResolver(Options{ResourceIDClaim: "org"})
	require.NoError(t, err)
	token := makeToken(t, map[string]any{"sub": "bob", "org": "bob-org"})

	sc, ok, err := resolve(context.Background(), request(t, token), scope.ClientHint{"attacker-org"})
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, sc)
}

func TestResolverStrictAcceptsOwnedHint(t *testing.T) {
	resolve, err := NewResolver(Options{ResourceIDClaim: "org"})
	require.NoError(t, err)
	token := makeToken(t, map[string]any{"sub": "bob", "org": []any{"bob-org", "shared-org"}})

	sc, ok, err := resolve(context.Background(), request(t, token), scope.ClientHint{"shared-org"})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"bob-org", "shared-org"}, sc.ResourceID)
}

func TestResolverFilteringIntersects(t *testing.T) {
	resolve, err := NewResolver(Options{ResourceIDClaim: "org", Policy: scope.Filtering})
	require.NoError(t, err)
	token := makeToken(t, map[string]any{"org": []any{"a", "b", "c"}})

	sc, ok, err := resolve(context.Background(), request(t, token), scope.ClientHint{"b", "z"})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"b"}, sc.ResourceID)
}

func TestResolverNoClaimIsUnauthorized(t *testing.T) {
	resolve, err := NewResolver(Options{ResourceIDClaim: "org"})
	require.NoError(t, err)
	token := makeToken(t, map[string]any{"sub": "bob"})

	sc, ok, err := resolve(context.Background(), request(t, token), nil)
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, sc)
}
