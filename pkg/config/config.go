package config

import (
	"time"

	kferr "github.com/rophy/kube-federated-auth/pkg/errors"
)

// Secret is a string type that redacts its value in String(), GoString(),
// and MarshalText() so that bootstrap credentials never leak into logs,
// YAML dumps, or fmt output. The raw value is only reachable through
// [Secret.Value], which should be called at the point the credential is
// actually used (an Authorization header, a Redis AUTH).
type Secret string

// secretRedacted replaces the actual value wherever a Secret is printed or
// serialized.
const secretRedacted = "[REDACTED]"

// String returns the redacted placeholder.
func (s Secret) String() string { return secretRedacted }

// GoString returns the redacted placeholder, covering %#v formatting.
func (s Secret) GoString() string { return secretRedacted }

// Value returns the actual secret string.
func (s Secret) Value() string { return string(s) }

// MarshalText implements encoding.TextMarshaler with the redacted
// placeholder, covering JSON and YAML serialization.
func (s Secret) MarshalText() ([]byte, error) { return []byte(secretRedacted), nil }

// ClusterEntry declares trust in one external Kubernetes cluster. Entries
// come from the YAML configuration file; the local cluster is detected
// from the pod's mounted ServiceAccount material instead and needs no
// entry.
type ClusterEntry struct {
	// Name is the unique identifier of the cluster and the first path
	// segment of canonical identities minted for it (e.g. "production-us").
	Name string `yaml:"name"`

	// Issuer is the expected iss claim of tokens from this cluster.
	// Required: an entry without it is skipped at load time.
	Issuer string `yaml:"issuer"`

	// APIServer is the base URL for outbound discovery and JWKS calls.
	// Required: an entry without it is skipped at load time.
	APIServer string `yaml:"api_server"`

	// CAFile is the path of a PEM bundle used to verify the cluster's
	// API server certificate. Mutually exclusive with CAData.
	CAFile string `yaml:"ca_file,omitempty"`

	// CAData is an inline PEM bundle, for configurations that embed the
	// CA rather than mounting a file.
	CAData string `yaml:"ca_data,omitempty"`

	// TokenFile is the path of a bearer credential presented on
	// discovery and JWKS requests, for API servers that require
	// authenticated access. Mutually exclusive with Token.
	TokenFile string `yaml:"token_file,omitempty"`

	// Token is an inline bearer credential.
	Token Secret `yaml:"token,omitempty"`

	// MaxTokenTTL overrides the service-wide maximum token lifetime for
	// this cluster. Zero means use the service default.
	MaxTokenTTL time.Duration `yaml:"max_token_ttl,omitempty"`
}

// Config is the full service configuration, loaded with the layered
// loader under the "KFA" env prefix.
type Config struct {
	// ListenAddr is the address the validation API listens on.
	ListenAddr string `yaml:"listen_addr" env:"LISTEN_ADDR" envDefault:":8080"`

	// FederatedAuthURL is the base URL of an upstream federated
	// validation endpoint. When set, the orchestrator tries it before
	// local validation; when empty, this instance is the authority for
	// every cluster in its registry.
	FederatedAuthURL string `yaml:"federated_auth_url,omitempty" env:"FEDERATED_AUTH_URL"`

	// JWKSCacheTTL is how long a fetched signing-key set stays valid
	// before a refetch. Defaults to 1 hour.
	JWKSCacheTTL time.Duration `yaml:"jwks_cache_ttl" env:"JWKS_CACHE_TTL" envDefault:"1h"`

	// MaxTokenTTL is the service-wide maximum allowed token lifetime
	// (exp - iat). Tokens minted with a longer lifetime are rejected
	// even when their signature verifies. Defaults to 1 hour.
	MaxTokenTTL time.Duration `yaml:"max_token_ttl" env:"MAX_TOKEN_TTL" envDefault:"1h"`

	// HTTPTimeout bounds every outbound call (discovery, JWKS fetch,
	// upstream validation). Defaults to 10 seconds.
	HTTPTimeout time.Duration `yaml:"http_timeout" env:"HTTP_TIMEOUT" envDefault:"10s"`

	// ShutdownTimeout bounds graceful shutdown of the HTTP server.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`

	// RedisAddr enables the shared JWKS document cache when set
	// (host:port). Replicas then coalesce key fetches across the
	// deployment, not just within one process. Empty disables Redis.
	RedisAddr string `yaml:"redis_addr,omitempty" env:"REDIS_ADDR"`

	// RedisPassword authenticates the shared cache connection.
	RedisPassword Secret `yaml:"-" env:"REDIS_PASSWORD"`

	// SATokenPath overrides the mounted ServiceAccount token path used
	// for local-cluster detection.
	SATokenPath string `yaml:"sa_token_path,omitempty" env:"SA_TOKEN_PATH"`

	// SACACertPath overrides the mounted cluster CA path used for
	// local-cluster detection.
	SACACertPath string `yaml:"sa_ca_cert_path,omitempty" env:"SA_CA_CERT_PATH"`

	// Clusters lists the external cluster trust entries.
	Clusters []ClusterEntry `yaml:"clusters,omitempty"`
}

// Validate checks the configuration for logical correctness.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return kferr.Internal("config: listen address must not be empty")
	}
	if c.JWKSCacheTTL < 0 {
		return kferr.Internal("config: JWKS cache TTL must be non-negative")
	}
	if c.MaxTokenTTL <= 0 {
		return kferr.Internal("config: max token TTL must be positive")
	}
	if c.HTTPTimeout <= 0 {
		return kferr.Internal("config: HTTP timeout must be positive")
	}
	for _, entry := range c.Clusters {
		if entry.Name == "" {
			return kferr.Internal("config: cluster entry with empty name")
		}
		if entry.CAFile != "" && entry.CAData != "" {
			return kferr.Internalf("config: cluster %q sets both ca_file and ca_data", entry.Name)
		}
		if entry.TokenFile != "" && entry.Token != "" {
			return kferr.Internalf("config: cluster %q sets both token_file and token", entry.Name)
		}
	}
	return nil
}
