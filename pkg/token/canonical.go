package token

import (
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	kferr "github.com/rophy/kube-federated-auth/pkg/errors"
)

// serviceAccountSubjectPrefix is the sub format Kubernetes mints for
// ServiceAccount tokens: system:serviceaccount:<namespace>:<name>.
const serviceAccountSubjectPrefix = "system:serviceaccount:"

// Identity is the namespace and name extracted from a verified token.
// When no structured ServiceAccount identity was found, raw carries the
// token's sub verbatim instead.
type Identity struct {
	Namespace      string
	ServiceAccount string

	raw string
}

// Canonical renders the identity as cluster/namespace/serviceaccount, or
// cluster/<sub> for a token whose subject is not a ServiceAccount.
func (id Identity) Canonical(clusterName string) string {
	if id.raw != "" {
		return clusterName + "/" + id.raw
	}
	return fmt.Sprintf("%s/%s/%s", clusterName, id.Namespace, id.ServiceAccount)
}

// ExtractIdentity pulls the ServiceAccount identity out of a verified
// claim set. Sources are tried in order of authority:
//
//  1. the structured kubernetes.io claim block of bound tokens
//     (projected volumes, TokenRequest API),
//  2. the flat kubernetes.io/serviceaccount/* claims of legacy
//     Secret-based tokens,
//  3. the sub claim in system:serviceaccount:<namespace>:<name> form,
//  4. the sub claim verbatim.
//
// The verbatim branch keeps non-ServiceAccount subjects addressable as
// cluster/<sub>; only a token with no usable sub at all is
// extraction_failed.
func ExtractIdentity(claims jwt.MapClaims) (Identity, error) {
	if id, ok := fromBoundClaims(claims); ok {
		return id, nil
	}
	if id, ok := fromLegacyClaims(claims); ok {
		return id, nil
	}
	if id, ok := fromSubject(claims); ok {
		return id, nil
	}
	if sub, _ := claims["sub"].(string); sub != "" {
		return Identity{raw: sub}, nil
	}
	return Identity{}, kferr.New(kferr.KindExtractionFailed,
		"token: claims carry no derivable identity")
}

// fromBoundClaims reads the nested claim block of bound tokens:
//
//	"kubernetes.io": {
//	  "namespace": "apps",
//	  "serviceaccount": {"name": "deployer", "uid": "..."}
//	}
func fromBoundClaims(claims jwt.MapClaims) (Identity, bool) {
	block, ok := claims["kubernetes.io"].(map[string]any)
	if !ok {
		return Identity{}, false
	}
	namespace, _ := block["namespace"].(string)
	sa, ok := block["serviceaccount"].(map[string]any)
	if !ok {
		return Identity{}, false
	}
	name, _ := sa["name"].(string)
	if namespace == "" || name == "" {
		return Identity{}, false
	}
	return Identity{Namespace: namespace, ServiceAccount: name}, true
}

// fromLegacyClaims reads the flat claims minted into Secret-based tokens.
func fromLegacyClaims(claims jwt.MapClaims) (Identity, bool) {
	namespace, _ := claims["kubernetes.io/serviceaccount/namespace"].(string)
	name, _ := claims["kubernetes.io/serviceaccount/service-account.name"].(string)
	if namespace == "" || name == "" {
		return Identity{}, false
	}
	return Identity{Namespace: namespace, ServiceAccount: name}, true
}

// fromSubject parses the well-known sub format.
func fromSubject(claims jwt.MapClaims) (Identity, bool) {
	sub, _ := claims["sub"].(string)
	if !strings.HasPrefix(sub, serviceAccountSubjectPrefix) {
		return Identity{}, false
	}
	rest := strings.TrimPrefix(sub, serviceAccountSubjectPrefix)
	namespace, name, ok := strings.Cut(rest, ":")
	if !ok || namespace == "" || name == "" {
		return Identity{}, false
	}
	return Identity{Namespace: namespace, ServiceAccount: name}, true
}
