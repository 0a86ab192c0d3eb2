// Package token verifies Kubernetes ServiceAccount JWTs against a
// cluster's published signing keys and extracts the canonical identity
// they assert. Verification is pure computation over the key material the
// jwks cache supplies; this package performs no network I/O of its own.
package token

import (
	"context"
	"crypto/rsa"
	"errors"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/rophy/kube-federated-auth/pkg/cluster"
	kferr "github.com/rophy/kube-federated-auth/pkg/errors"
)

// maxTokenSize caps the raw token length at 8 KB. ServiceAccount tokens
// run well under 4 KB in practice; anything larger is rejected before any
// parsing work happens.
const maxTokenSize = 8 * 1024

// KeySource resolves the RSA public key for a (cluster, kid) pair. It is
// implemented by the jwks cache.
type KeySource interface {
	Key(ctx context.Context, trust *cluster.Trust, kid string) (*rsa.PublicKey, error)
}

// Verification is the outcome of a successful token verification.
type Verification struct {
	// Claims is the full verified claim set.
	Claims jwt.MapClaims

	// ExpiresAt is the exp claim as a Unix timestamp, or 0 when the
	// token carries no expiry.
	ExpiresAt int64

	// IssuedAt is the iat claim as a Unix timestamp, or 0 when absent.
	IssuedAt int64
}

// Verifier checks token signatures and standard time claims.
type Verifier struct {
	keys   KeySource
	logger *slog.Logger
}

// NewVerifier creates a Verifier backed by the given key source.
func NewVerifier(keys KeySource, logger *slog.Logger) *Verifier {
	return &Verifier{keys: keys, logger: logger}
}

// Verify parses and verifies a raw JWT against the cluster's signing
// keys. Only RS256 is accepted; a token asserting any other algorithm
// (including "none") fails before any key lookup. Time claims are
// enforced by the parser: an expired token or one used before its nbf is
// rejected.
//
// A missing exp claim is accepted as a non-expiring token but logged,
// since legacy ServiceAccount secrets mint such tokens. An iss claim that
// does not match the cluster's configured issuer is logged, not rejected:
// trust is keyed by cluster name and proven by the signature, and default
// issuer URLs collide across independently administered clusters.
func (v *Verifier) Verify(ctx context.Context, trust *cluster.Trust, rawToken string) (*Verification, error) {
	if rawToken == "" {
		return nil, kferr.New(kferr.KindInvalidToken, "token: empty token")
	}
	if len(rawToken) > maxTokenSize {
		return nil, kferr.Newf(kferr.KindInvalidToken, "token: token exceeds %d bytes", maxTokenSize)
	}

	// Inspect the header before any verification. Algorithm and kid
	// problems are structural, reported as invalid_token regardless of
	// how the signature would have fared.
	unverified, _, err := jwt.NewParser().ParseUnverified(rawToken, jwt.MapClaims{})
	if err != nil {
		return nil, kferr.Wrap(err, kferr.KindInvalidToken, "token: malformed token")
	}
	if alg, _ := unverified.Header["alg"].(string); alg != "RS256" {
		return nil, kferr.Newf(kferr.KindInvalidToken, "token: algorithm %q is not permitted", alg)
	}
	kid, _ := unverified.Header["kid"].(string)
	if kid == "" {
		return nil, kferr.New(kferr.KindInvalidToken, "token: header has no kid")
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(rawToken, claims, func(t *jwt.Token) (any, error) {
		return v.keys.Key(ctx, trust, kid)
	}, jwt.WithValidMethods([]string{"RS256"}))
	if err != nil {
		return nil, classifyJWTError(err)
	}
	if !parsed.Valid {
		return nil, kferr.New(kferr.KindInvalidToken, "token: token is not valid")
	}

	verification := &Verification{Claims: claims}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		verification.ExpiresAt = exp.Unix()
	} else {
		v.logger.Warn("token: token has no exp claim, treating as non-expiring",
			"cluster", trust.Name)
	}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		verification.IssuedAt = iat.Unix()
	}
	if iss, _ := claims.GetIssuer(); iss != trust.Issuer {
		v.logger.Warn("token: issuer differs from configured issuer",
			"cluster", trust.Name,
			"token_issuer", iss,
			"configured_issuer", trust.Issuer,
		)
	}
	return verification, nil
}

// classifyJWTError maps jwt library errors onto the error kinds the
// validation API reports. Keyfunc errors (key lookup failures) already
// carry their kind and pass through unchanged.
func classifyJWTError(err error) error {
	var kfe *kferr.Error
	if errors.As(err, &kfe) {
		return kfe
	}
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return kferr.Wrap(err, kferr.KindInvalidToken, "token: malformed token")
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return kferr.Wrap(err, kferr.KindInvalidSignature, "token: signature verification failed")
	case errors.Is(err, jwt.ErrTokenExpired):
		return kferr.Wrap(err, kferr.KindTokenExpired, "token: token has expired")
	case errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return kferr.Wrap(err, kferr.KindInvalidToken, "token: token is not yet valid")
	default:
		return kferr.Wrap(err, kferr.KindInvalidToken, "token: verification failed")
	}
}

// CheckTTL enforces the cluster's maximum token lifetime. A token whose
// minted lifetime (exp - iat) exceeds the limit is rejected even though
// its signature verifies and it has not yet expired. Tokens missing
// either claim cannot assert a lifetime and pass the check.
func CheckTTL(v *Verification, maxTTL time.Duration) error {
	if maxTTL <= 0 || v.ExpiresAt == 0 || v.IssuedAt == 0 {
		return nil
	}
	lifetime := time.Duration(v.ExpiresAt-v.IssuedAt) * time.Second
	if lifetime > maxTTL {
		return kferr.Newf(kferr.KindTokenExpired,
			"token: lifetime %s exceeds maximum %s", lifetime, maxTTL)
	}
	return nil
}
