package errors

import "net/http"

// Kind classifies a validation failure. Kind strings are part of the
// validation API contract (the "error" field of failure responses) and are
// stable: clients and dashboards key on them.
type Kind string

const (
	// KindInvalidRequest indicates a malformed call: bad JSON, missing
	// fields, or a username that does not split into 2 or 3 segments.
	KindInvalidRequest Kind = "invalid_request"

	// KindClusterNotFound indicates the requested cluster name has no
	// trust configuration in the registry.
	KindClusterNotFound Kind = "cluster_not_found"

	// KindInvalidToken indicates the JWT is structurally malformed: wrong
	// segment count, undecodable base64url, non-object JSON, or a header
	// with no kid.
	KindInvalidToken Kind = "invalid_token"

	// KindInvalidSignature indicates the RSA signature over
	// header.payload did not verify against the resolved public key.
	KindInvalidSignature Kind = "invalid_signature"

	// KindTokenExpired indicates the exp claim is in the past, or the
	// token's lifetime (exp - iat) exceeds the cluster's maximum TTL
	// policy.
	KindTokenExpired Kind = "token_expired"

	// KindExtractionFailed indicates the claims verified but no
	// cluster/namespace/serviceaccount identity could be derived.
	KindExtractionFailed Kind = "extraction_failed"

	// KindDiscoveryFailed indicates the OIDC discovery document could not
	// be fetched or did not contain a jwks_uri. A server-side condition,
	// not a credential failure.
	KindDiscoveryFailed Kind = "discovery_failed"

	// KindJWKSFetchFailed indicates the signing-key set could not be
	// fetched, or the token's kid is absent from the fetched set. A
	// server-side condition, not a credential failure.
	KindJWKSFetchFailed Kind = "jwks_fetch_failed"

	// KindUpstreamUnavailable indicates the configured federated
	// validation endpoint could not be reached at the transport level.
	// This is the only kind that permits the orchestrator's fallback
	// transition.
	KindUpstreamUnavailable Kind = "upstream_unavailable"

	// KindInternal indicates an unexpected fault.
	KindInternal Kind = "internal_error"
)

// String returns the kind as it appears on the wire.
func (k Kind) String() string { return string(k) }

// ParseKind maps a wire string back to a Kind. Unrecognized strings
// report false so callers never mint kinds outside the contract.
func ParseKind(s string) (Kind, bool) {
	switch k := Kind(s); k {
	case KindInvalidRequest, KindClusterNotFound, KindInvalidToken,
		KindInvalidSignature, KindTokenExpired, KindExtractionFailed,
		KindDiscoveryFailed, KindJWKSFetchFailed, KindUpstreamUnavailable,
		KindInternal:
		return k, true
	default:
		return "", false
	}
}

// HTTPStatus returns the HTTP status the validation API uses for this kind.
// Trust-establishment failures are 5xx: they do not prove the presented
// token invalid and must not be reported as credential rejections.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindInvalidRequest, KindClusterNotFound:
		return http.StatusBadRequest
	case KindInvalidToken, KindInvalidSignature, KindTokenExpired, KindExtractionFailed:
		return http.StatusUnauthorized
	case KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	case KindDiscoveryFailed, KindJWKSFetchFailed, KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Rejection reports whether the kind is a definitive credential rejection.
// Rejections are terminal: the orchestrator never retries them and never
// falls back on them.
func (k Kind) Rejection() bool {
	switch k {
	case KindInvalidToken, KindInvalidSignature, KindTokenExpired, KindExtractionFailed:
		return true
	default:
		return false
	}
}
