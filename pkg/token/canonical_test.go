package token

import (
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kferr "github.com/rophy/kube-federated-auth/pkg/errors"
)

func TestExtractIdentityBoundToken(t *testing.T) {
	claims := jwt.MapClaims{
		"sub": "system:serviceaccount:apps:deployer",
		"kubernetes.io": map[string]any{
			"namespace": "apps",
			"serviceaccount": map[string]any{
				"name": "deployer",
				"uid":  "8f7c5a2e-1f9b-4f4e-9a43-000000000000",
			},
		},
	}
	id, err := ExtractIdentity(claims)
	require.NoError(t, err)
	assert.Equal(t, Identity{Namespace: "apps", ServiceAccount: "deployer"}, id)
}

func TestExtractIdentityLegacyToken(t *testing.T) {
	claims := jwt.MapClaims{
		"kubernetes.io/serviceaccount/namespace":            "kube-system",
		"kubernetes.io/serviceaccount/service-account.name": "default",
	}
	id, err := ExtractIdentity(claims)
	require.NoError(t, err)
	assert.Equal(t, Identity{Namespace: "kube-system", ServiceAccount: "default"}, id)
}

func TestExtractIdentityFromSubject(t *testing.T) {
	claims := jwt.MapClaims{
		"sub": "system:serviceaccount:monitoring:prometheus",
	}
	id, err := ExtractIdentity(claims)
	require.NoError(t, err)
	assert.Equal(t, Identity{Namespace: "monitoring", ServiceAccount: "prometheus"}, id)
}

func TestExtractIdentityPrecedence(t *testing.T) {
	// The structured block wins over a conflicting sub.
	claims := jwt.MapClaims{
		"sub": "system:serviceaccount:other:other",
		"kubernetes.io": map[string]any{
			"namespace":      "apps",
			"serviceaccount": map[string]any{"name": "deployer"},
		},
	}
	id, err := ExtractIdentity(claims)
	require.NoError(t, err)
	assert.Equal(t, "apps", id.Namespace)
	assert.Equal(t, "deployer", id.ServiceAccount)
}

func TestExtractIdentityIncompleteBlockFallsThrough(t *testing.T) {
	// A kubernetes.io block without a name falls through to sub.
	claims := jwt.MapClaims{
		"sub": "system:serviceaccount:apps:deployer",
		"kubernetes.io": map[string]any{
			"namespace": "apps",
		},
	}
	id, err := ExtractIdentity(claims)
	require.NoError(t, err)
	assert.Equal(t, Identity{Namespace: "apps", ServiceAccount: "deployer"}, id)
}

func TestExtractIdentityVerbatimSubject(t *testing.T) {
	// Subjects that are not ServiceAccounts stay addressable verbatim.
	cases := []struct {
		name string
		sub  string
	}{
		{"non-serviceaccount sub", "system:node:worker-1"},
		{"sub missing name", "system:serviceaccount:apps"},
		{"sub empty namespace", "system:serviceaccount::deployer"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			id, err := ExtractIdentity(jwt.MapClaims{"sub": tc.sub})
			require.NoError(t, err)
			assert.Equal(t, "local/"+tc.sub, id.Canonical("local"))
		})
	}
}

func TestExtractIdentityFailures(t *testing.T) {
	cases := []struct {
		name   string
		claims jwt.MapClaims
	}{
		{"no identity claims", jwt.MapClaims{"iss": "https://example.com"}},
		{"empty sub", jwt.MapClaims{"sub": ""}},
		{"non-string sub", jwt.MapClaims{"sub": 42}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ExtractIdentity(tc.claims)
			require.Error(t, err)
			assert.Equal(t, kferr.KindExtractionFailed, kferr.KindOf(err))
		})
	}
}

func TestExtractIdentityKeepsExtraSubjectSegments(t *testing.T) {
	// Anything after the namespace separator belongs to the name.
	claims := jwt.MapClaims{"sub": "system:serviceaccount:apps:deployer:extra"}
	id, err := ExtractIdentity(claims)
	require.NoError(t, err)
	assert.Equal(t, "deployer:extra", id.ServiceAccount)
}

func TestCanonical(t *testing.T) {
	id := Identity{Namespace: "apps", ServiceAccount: "deployer"}
	assert.Equal(t, "production-us/apps/deployer", id.Canonical("production-us"))
	assert.Equal(t, "local/apps/deployer", id.Canonical("local"))
}
