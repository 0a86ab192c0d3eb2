// Package jwks resolves and caches the public signing keys of trusted
// Kubernetes clusters. It covers two concerns: OIDC discovery (finding a
// cluster's JWKS endpoint from its well-known metadata document) and the
// key cache itself (fetching key sets with a TTL, converting published
// RSA material into verifiable keys, and coalescing concurrent fetches).
package jwks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/rophy/kube-federated-auth/pkg/cluster"
	kferr "github.com/rophy/kube-federated-auth/pkg/errors"
)

// wellKnownPath is the OIDC discovery document location relative to the
// discovery base URL.
const wellKnownPath = "/.well-known/openid-configuration"

// maxResponseSize caps discovery and JWKS response bodies at 1 MB.
const maxResponseSize = 1 << 20

// discoveryDocument carries the only field this service needs from the
// OIDC metadata document.
type discoveryDocument struct {
	Issuer  string `json:"issuer"`
	JWKSURI string `json:"jwks_uri"`
}

// Discover fetches the cluster's OIDC discovery document and returns its
// jwks_uri. The request goes to the trust's API server base URL, since
// the in-cluster issuer URL is frequently not routable from outside the
// cluster, with the issuer as the base when no API server is configured.
// The trust's bootstrap credential is presented as a bearer token, which
// the Kubernetes API server requires for these endpoints.
//
// Discover performs no caching; the key cache owns the lifetime of the
// discovered URI.
func Discover(ctx context.Context, trust *cluster.Trust) (string, error) {
	base := trust.APIServer
	if base == "" {
		base = trust.Issuer
	}

	body, err := fetch(ctx, trust, base+wellKnownPath, kferr.KindDiscoveryFailed)
	if err != nil {
		return "", err
	}

	var doc discoveryDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return "", kferr.Wrapf(err, kferr.KindDiscoveryFailed,
			"jwks: parsing discovery document for cluster %q", trust.Name)
	}
	if doc.JWKSURI == "" {
		return "", kferr.Newf(kferr.KindDiscoveryFailed,
			"jwks: discovery document for cluster %q has no jwks_uri", trust.Name)
	}
	return doc.JWKSURI, nil
}

// fetch performs an authenticated GET through the trust's TLS client and
// returns the body. Network errors, non-200 responses, and read failures
// all surface with the given kind: they are server-side trust failures,
// never credential rejections.
func fetch(ctx context.Context, trust *cluster.Trust, url string, kind kferr.Kind) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, kferr.Wrapf(err, kind, "jwks: building request for %s", url)
	}
	if bearer := trust.Bearer(); bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := trust.Client().Do(req)
	if err != nil {
		return nil, kferr.Wrapf(err, kind, "jwks: requesting %s", url)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, kferr.Newf(kind, "jwks: %s returned status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, kferr.Wrapf(err, kind, "jwks: reading response from %s", url)
	}
	return body, nil
}
