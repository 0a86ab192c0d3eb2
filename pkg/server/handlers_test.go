package server

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rophy/kube-federated-auth/pkg/cluster"
	"github.com/rophy/kube-federated-auth/pkg/config"
	"github.com/rophy/kube-federated-auth/pkg/jwks"
	"github.com/rophy/kube-federated-auth/pkg/token"
	"github.com/rophy/kube-federated-auth/pkg/validator"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testAPI is the validation API running against one httptest-backed
// cluster named "local".
type testAPI struct {
	key      *rsa.PrivateKey
	server   *httptest.Server
	breakKey func()
}

// newTestAPI stands up the full stack. breakKey makes the cluster's JWKS
// endpoint start failing, for trust-failure tests.
func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err, "failed to generate RSA key pair")

	var broken atomic.Bool
	var clusterURL string
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		if broken.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"jwks_uri": clusterURL + "/openid/v1/jwks",
		})
	})
	mux.HandleFunc("/openid/v1/jwks", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]string{{
				"kty": "RSA",
				"kid": "test-kid",
				"n":   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
			}},
		})
	})
	clusterServer := httptest.NewServer(mux)
	clusterURL = clusterServer.URL
	t.Cleanup(clusterServer.Close)

	cfg := &config.Config{
		ListenAddr:      ":0",
		MaxTokenTTL:     time.Hour,
		JWKSCacheTTL:    time.Hour,
		HTTPTimeout:     5 * time.Second,
		ShutdownTimeout: time.Second,
		SATokenPath:     filepath.Join(t.TempDir(), "no-token"),
		Clusters: []config.ClusterEntry{{
			Name:      "local",
			Issuer:    clusterServer.URL,
			APIServer: clusterServer.URL,
		}},
	}
	registry, err := cluster.Load(cfg, testLogger())
	require.NoError(t, err)

	cache := jwks.NewCache(cfg.JWKSCacheTTL, nil, testLogger())
	verifier := token.NewVerifier(cache, testLogger())
	engine := validator.NewEngine(registry, verifier)
	orch := validator.NewOrchestrator(engine, nil, testLogger())

	srv := New(cfg, registry, orch, testLogger())
	api := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(api.Close)

	return &testAPI{
		key:      key,
		server:   api,
		breakKey: func() { broken.Store(true) },
	}
}

func (a *testAPI) mintToken(t *testing.T, namespace, name string, lifetime time.Duration) string {
	t.Helper()
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss": "https://kubernetes.default.svc.cluster.local",
		"sub": "system:serviceaccount:" + namespace + ":" + name,
		"iat": now.Unix(),
		"exp": now.Add(lifetime).Unix(),
	})
	tok.Header["kid"] = "test-kid"
	signed, err := tok.SignedString(a.key)
	require.NoError(t, err)
	return signed
}

// postValidate posts the body and decodes the response.
func (a *testAPI) postValidate(t *testing.T, body any) (int, map[string]any) {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(a.server.URL+"/validate", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp.StatusCode, decoded
}

func TestValidateSuccess(t *testing.T) {
	api := newTestAPI(t)
	raw := api.mintToken(t, "apps", "deployer", 10*time.Minute)

	status, body := api.postValidate(t, map[string]string{
		"cluster": "local",
		"token":   raw,
	})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["authenticated"])
	assert.Equal(t, "local/apps/deployer", body["username"])
	assert.NotZero(t, body["expiration"])
	assert.NotZero(t, body["issued_at"])
}

func TestValidateWithUsernameReconcile(t *testing.T) {
	api := newTestAPI(t)
	raw := api.mintToken(t, "apps", "deployer", 10*time.Minute)

	status, body := api.postValidate(t, map[string]string{
		"username": "apps/deployer",
		"token":    raw,
	})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "local/apps/deployer", body["username"])

	status, body = api.postValidate(t, map[string]string{
		"username": "apps/other",
		"token":    raw,
	})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, false, body["authenticated"])
	assert.Equal(t, "extraction_failed", body["error"])
}

func TestValidateRequestErrors(t *testing.T) {
	api := newTestAPI(t)

	cases := []struct {
		name    string
		body    any
		status  int
		errKind string
	}{
		{"missing token", map[string]string{"cluster": "local"}, http.StatusBadRequest, "invalid_request"},
		{"missing cluster and username", map[string]string{"token": "x"}, http.StatusBadRequest, "invalid_request"},
		{"unknown cluster", map[string]string{"cluster": "nope", "token": "x"}, http.StatusBadRequest, "cluster_not_found"},
		{"bad username shape", map[string]string{"username": "too/many/seg/ments", "token": "x"}, http.StatusBadRequest, "invalid_request"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, body := api.postValidate(t, tc.body)
			assert.Equal(t, tc.status, status)
			assert.Equal(t, false, body["authenticated"])
			assert.Equal(t, tc.errKind, body["error"])
		})
	}
}

func TestValidateBadJSON(t *testing.T) {
	api := newTestAPI(t)
	resp, err := http.Post(api.server.URL+"/validate", "application/json", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestValidateCredentialRejections(t *testing.T) {
	api := newTestAPI(t)

	t.Run("garbage token", func(t *testing.T) {
		status, body := api.postValidate(t, map[string]string{"cluster": "local", "token": "garbage"})
		assert.Equal(t, http.StatusUnauthorized, status)
		assert.Equal(t, "invalid_token", body["error"])
	})

	t.Run("expired token", func(t *testing.T) {
		raw := api.mintToken(t, "apps", "deployer", -time.Minute)
		status, body := api.postValidate(t, map[string]string{"cluster": "local", "token": raw})
		assert.Equal(t, http.StatusUnauthorized, status)
		assert.Equal(t, "token_expired", body["error"])
	})

	t.Run("excessive lifetime", func(t *testing.T) {
		raw := api.mintToken(t, "apps", "deployer", 48*time.Hour)
		status, body := api.postValidate(t, map[string]string{"cluster": "local", "token": raw})
		assert.Equal(t, http.StatusUnauthorized, status)
		assert.Equal(t, "token_expired", body["error"])
	})
}

func TestValidateTrustFailureHidesDetails(t *testing.T) {
	api := newTestAPI(t)
	api.breakKey()

	raw := api.mintToken(t, "apps", "deployer", 10*time.Minute)
	status, body := api.postValidate(t, map[string]string{"cluster": "local", "token": raw})

	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "discovery_failed", body["error"])
	// Server-side failure details stay in the logs.
	assert.Equal(t, "validation could not be completed", body["message"])
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t)
	resp, err := http.Get(api.server.URL + "/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(1), body["cluster_count"])
}

func TestClusters(t *testing.T) {
	api := newTestAPI(t)
	resp, err := http.Get(api.server.URL + "/clusters")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Clusters []string `json:"clusters"`
		Count    int      `json:"count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, []string{"local"}, body.Clusters)
	assert.Equal(t, 1, body.Count)
}

func TestValidateMethodNotAllowed(t *testing.T) {
	api := newTestAPI(t)
	resp, err := http.Get(api.server.URL + "/validate")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestRequestIDPropagation(t *testing.T) {
	api := newTestAPI(t)

	req, err := http.NewRequest(http.MethodGet, api.server.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "caller-supplied-id")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, "caller-supplied-id", resp.Header.Get("X-Request-ID"))

	// Without a caller-supplied ID one is minted.
	resp2, err := http.Get(api.server.URL + "/health")
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	assert.NotEmpty(t, resp2.Header.Get("X-Request-ID"))
}
