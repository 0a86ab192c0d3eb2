package jwks

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rophy/kube-federated-auth/pkg/cluster"
	kferr "github.com/rophy/kube-federated-auth/pkg/errors"
)

// DocumentCache is an optional second-level cache for raw JWKS documents,
// shared across service replicas. Implementations must degrade to a miss
// on any failure: the shared layer may speed validations up, it must
// never fail one. See [RedisDocumentCache].
type DocumentCache interface {
	// GetDocument returns the cached raw JWKS document for a JWKS URI,
	// or false on a miss.
	GetDocument(ctx context.Context, jwksURI string) ([]byte, bool)

	// PutDocument stores a raw JWKS document with the given TTL.
	PutDocument(ctx context.Context, jwksURI string, doc []byte, ttl time.Duration)
}

// keySet is one cached, immutable key set. Refreshes build a new keySet
// and swap the pointer; a reader holding an old set keeps a consistent
// view and never observes a partial update.
type keySet struct {
	jwksURI   string
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

// fresh reports whether the set is within its TTL at the given instant.
func (s *keySet) fresh(now time.Time, ttl time.Duration) bool {
	return now.Sub(s.fetchedAt) < ttl
}

// Cache resolves signing keys by (cluster, kid) with a per-cluster TTL.
// Concurrent lookups that miss coalesce into a single outbound fetch per
// cluster (singleflight), so cache expiry under load produces one request
// to the cluster's API server, not a herd.
//
// Cache is safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	sets    map[string]*keySet
	ttl     time.Duration
	group   singleflight.Group
	shared  DocumentCache
	logger  *slog.Logger
	nowFunc func() time.Time
}

// NewCache creates a key cache with the given TTL. shared may be nil to
// run without the replica-shared document layer.
func NewCache(ttl time.Duration, shared DocumentCache, logger *slog.Logger) *Cache {
	return &Cache{
		sets:    make(map[string]*keySet),
		ttl:     ttl,
		shared:  shared,
		logger:  logger,
		nowFunc: time.Now,
	}
}

// Key returns the public key for the token's kid, fetching or refreshing
// the cluster's key set as needed. An unknown kid after a refresh is a
// hard jwks_fetch_failed; the verifier never falls back to trying every
// key in the set.
func (c *Cache) Key(ctx context.Context, trust *cluster.Trust, kid string) (*rsa.PublicKey, error) {
	c.mu.RLock()
	set := c.sets[trust.Name]
	c.mu.RUnlock()

	if set != nil && set.fresh(c.nowFunc(), c.ttl) {
		if key, ok := set.keys[kid]; ok {
			return key, nil
		}
		// Unknown kid in a fresh set: likely key rotation, refetch once.
	}

	set, err := c.refresh(ctx, trust)
	if err != nil {
		return nil, err
	}

	key, ok := set.keys[kid]
	if !ok {
		return nil, kferr.Newf(kferr.KindJWKSFetchFailed,
			"jwks: key %q not found in key set of cluster %q", kid, trust.Name).
			WithDetail("cluster", trust.Name).
			WithDetail("kid", kid)
	}
	return key, nil
}

// refresh fetches the cluster's key set, coalescing concurrent callers
// into one outbound fetch. The fetch runs detached from the caller's
// cancellation: if the initiating request is abandoned mid-flight, the
// fetch still completes and populates the cache for the other waiters.
// The per-trust HTTP client's timeout keeps the detached fetch bounded.
func (c *Cache) refresh(ctx context.Context, trust *cluster.Trust) (*keySet, error) {
	v, err, _ := c.group.Do(trust.Name, func() (any, error) {
		return c.fetchKeySet(context.WithoutCancel(ctx), trust)
	})
	if err != nil {
		return nil, kferr.FromError(err)
	}
	return v.(*keySet), nil
}

// fetchKeySet resolves the JWKS URI (reusing a previously discovered one),
// fetches the document, parses the keys, and atomically replaces the
// cached set.
func (c *Cache) fetchKeySet(ctx context.Context, trust *cluster.Trust) (*keySet, error) {
	c.mu.RLock()
	var jwksURI string
	if prev := c.sets[trust.Name]; prev != nil {
		jwksURI = prev.jwksURI
	}
	c.mu.RUnlock()

	if jwksURI == "" {
		uri, err := Discover(ctx, trust)
		if err != nil {
			return nil, err
		}
		jwksURI = uri
	}

	doc, fromShared := c.sharedGet(ctx, jwksURI)
	if !fromShared {
		body, err := fetch(ctx, trust, jwksURI, kferr.KindJWKSFetchFailed)
		if err != nil {
			return nil, err
		}
		doc = body
		c.sharedPut(ctx, jwksURI, doc)
	}

	keys, err := parseKeySet(doc, trust.Name, c.logger)
	if err != nil {
		return nil, err
	}

	set := &keySet{
		jwksURI:   jwksURI,
		keys:      keys,
		fetchedAt: c.nowFunc(),
	}
	c.mu.Lock()
	c.sets[trust.Name] = set
	c.mu.Unlock()

	c.logger.Info("jwks: cached key set",
		"cluster", trust.Name,
		"keys", len(keys),
		"shared_hit", fromShared,
	)
	return set, nil
}

func (c *Cache) sharedGet(ctx context.Context, jwksURI string) ([]byte, bool) {
	if c.shared == nil {
		return nil, false
	}
	return c.shared.GetDocument(ctx, jwksURI)
}

func (c *Cache) sharedPut(ctx context.Context, jwksURI string, doc []byte) {
	if c.shared == nil {
		return
	}
	c.shared.PutDocument(ctx, jwksURI, doc, c.ttl)
}

// jwk is one published key entry. Only the RSA fields are used.
type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// jwksDocument is the wire shape of a JWKS endpoint response.
type jwksDocument struct {
	Keys []jwk `json:"keys"`
}

// parseKeySet converts a raw JWKS document into a kid-indexed map of RSA
// public keys. Non-RSA entries are skipped with a warning rather than
// failing the whole set, so a heterogeneous JWKS does not break the keys
// this service can use. A document yielding zero usable keys is an error.
func parseKeySet(doc []byte, clusterName string, logger *slog.Logger) (map[string]*rsa.PublicKey, error) {
	var parsed jwksDocument
	if err := json.Unmarshal(doc, &parsed); err != nil {
		return nil, kferr.Wrapf(err, kferr.KindJWKSFetchFailed,
			"jwks: parsing key set for cluster %q", clusterName)
	}

	keys := make(map[string]*rsa.PublicKey, len(parsed.Keys))
	for _, k := range parsed.Keys {
		if k.Kid == "" {
			continue
		}
		if k.Kty != "RSA" {
			logger.Warn("jwks: skipping non-RSA key",
				"cluster", clusterName,
				"kid", k.Kid,
				"kty", k.Kty,
			)
			continue
		}
		key, err := parseRSAPublicKey(k.N, k.E)
		if err != nil {
			logger.Warn("jwks: skipping malformed RSA key",
				"cluster", clusterName,
				"kid", k.Kid,
				"error", err,
			)
			continue
		}
		keys[k.Kid] = key
	}

	if len(keys) == 0 {
		return nil, kferr.Newf(kferr.KindJWKSFetchFailed,
			"jwks: key set for cluster %q contains no usable RSA keys", clusterName)
	}
	return keys, nil
}

// parseRSAPublicKey builds an *rsa.PublicKey from the base64url-encoded
// modulus and exponent published in a JWK.
func parseRSAPublicKey(nB64, eB64 string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(nB64)
	if err != nil {
		return nil, kferr.Wrap(err, kferr.KindJWKSFetchFailed, "jwks: decoding RSA modulus")
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(eB64)
	if err != nil {
		return nil, kferr.Wrap(err, kferr.KindJWKSFetchFailed, "jwks: decoding RSA exponent")
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(new(big.Int).SetBytes(eBytes).Int64()),
	}, nil
}
