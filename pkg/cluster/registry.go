// Package cluster holds the trust configuration for every Kubernetes
// cluster this service validates tokens for. The registry is built once at
// process start from static configuration plus an auto-detected "local"
// entry, and is immutable afterwards; everything derived from it (JWKS
// URIs, cached key sets) expires independently.
//
// Trust is keyed by cluster name, not by token issuer: default issuer URLs
// ("https://kubernetes.default.svc.cluster.local") are not unique across
// independently administered clusters, so the issuer alone cannot select
// a trust anchor. An issuer mismatch against the configured value is
// therefore logged, never rejected.
package cluster

import (
	"crypto/tls"
	"crypto/x509"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rophy/kube-federated-auth/pkg/config"
	kferr "github.com/rophy/kube-federated-auth/pkg/errors"
)

// LocalClusterName is the reserved name of the auto-detected local cluster.
const LocalClusterName = "local"

// Trust is the immutable trust configuration for one cluster. The CA
// material and bearer credential are used only for outbound discovery and
// JWKS calls and are never exposed through the validation API.
type Trust struct {
	// Name is the unique cluster identifier and the leading segment of
	// canonical identities minted for this cluster.
	Name string

	// Issuer is the expected iss claim of this cluster's tokens.
	Issuer string

	// APIServer is the base URL for discovery and JWKS requests.
	APIServer string

	// MaxTokenTTL is the maximum allowed token lifetime (exp - iat) for
	// this cluster.
	MaxTokenTTL time.Duration

	bearer config.Secret
	client *http.Client
}

// Bearer returns the bootstrap credential presented on discovery and JWKS
// requests, or the empty string when the endpoints are anonymous.
func (t *Trust) Bearer() string {
	return t.bearer.Value()
}

// Client returns the HTTP client for outbound calls to this cluster. The
// client verifies the API server against the trust's CA material and
// carries the bounded timeout, so callers cannot hang a validation on a
// wedged cluster.
func (t *Trust) Client() *http.Client {
	return t.client
}

// newHTTPClient builds the per-trust outbound client. When caPEM is empty
// the system roots are used.
func newHTTPClient(caPEM []byte, timeout time.Duration) (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if len(caPEM) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, kferr.Internal("cluster: CA material contains no usable certificates")
		}
		transport.TLSClientConfig = &tls.Config{RootCAs: pool}
	}
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}, nil
}

// Registry maps cluster names to their trust configuration for the process
// lifetime. It is safe for unbounded concurrent reads; there is no write
// path after construction.
type Registry struct {
	trusts map[string]*Trust
}

// Load builds the registry from configuration. External entries missing
// issuer or api_server are logged and excluded: that one entry fails
// closed, the rest of the registry still loads. If the process runs inside
// a cluster (mounted ServiceAccount material is present), a "local" entry
// is synthesized as well.
func Load(cfg *config.Config, logger *slog.Logger) (*Registry, error) {
	trusts := make(map[string]*Trust, len(cfg.Clusters)+1)

	if local, ok := DetectLocal(cfg, logger); ok {
		trusts[local.Name] = local
	}

	for _, entry := range cfg.Clusters {
		trust, err := trustFromEntry(entry, cfg, logger)
		if err != nil {
			logger.Warn("cluster: skipping entry",
				"cluster", entry.Name,
				"error", err,
			)
			continue
		}
		if _, exists := trusts[trust.Name]; exists {
			logger.Warn("cluster: duplicate entry overrides earlier trust", "cluster", trust.Name)
		}
		trusts[trust.Name] = trust
	}

	if len(trusts) == 0 {
		logger.Warn("cluster: registry is empty, every validation will fail with cluster_not_found")
	}
	return &Registry{trusts: trusts}, nil
}

// trustFromEntry converts one configuration entry into a Trust. Entries
// without issuer or api_server are rejected: without them no signing keys
// can ever be resolved, so accepting the entry would only defer the
// failure to request time.
func trustFromEntry(entry config.ClusterEntry, cfg *config.Config, logger *slog.Logger) (*Trust, error) {
	if entry.Issuer == "" {
		return nil, kferr.Internalf("cluster %q has no issuer", entry.Name)
	}
	if entry.APIServer == "" {
		return nil, kferr.Internalf("cluster %q has no api_server", entry.Name)
	}

	var caPEM []byte
	switch {
	case entry.CAData != "":
		caPEM = []byte(entry.CAData)
	case entry.CAFile != "":
		data, err := os.ReadFile(entry.CAFile)
		if err != nil {
			return nil, kferr.Wrapf(err, kferr.KindInternal, "reading CA file %q", entry.CAFile)
		}
		caPEM = data
	}

	bearer := entry.Token
	if entry.TokenFile != "" {
		data, err := os.ReadFile(entry.TokenFile)
		if err != nil {
			return nil, kferr.Wrapf(err, kferr.KindInternal, "reading token file %q", entry.TokenFile)
		}
		bearer = config.Secret(strings.TrimSpace(string(data)))
	}

	client, err := newHTTPClient(caPEM, cfg.HTTPTimeout)
	if err != nil {
		return nil, err
	}

	ttl := entry.MaxTokenTTL
	if ttl <= 0 {
		ttl = cfg.MaxTokenTTL
	}

	return &Trust{
		Name:        entry.Name,
		Issuer:      entry.Issuer,
		APIServer:   strings.TrimRight(entry.APIServer, "/"),
		MaxTokenTTL: ttl,
		bearer:      bearer,
		client:      client,
	}, nil
}

// Get returns the trust for the named cluster, or a cluster_not_found
// error. This is checked before any network call is attempted for a
// request.
func (r *Registry) Get(name string) (*Trust, error) {
	trust, ok := r.trusts[name]
	if !ok {
		return nil, kferr.Newf(kferr.KindClusterNotFound, "cluster %q is not configured", name)
	}
	return trust, nil
}

// Names returns the sorted cluster names. No trust material, so the
// result is safe to expose on the /clusters endpoint.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.trusts))
	for name := range r.trusts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of configured clusters.
func (r *Registry) Len() int {
	return len(r.trusts)
}
