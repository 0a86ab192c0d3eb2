package cluster

import (
	"log/slog"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/rophy/kube-federated-auth/pkg/config"
)

const (
	// DefaultSATokenPath is the standard mount path of the pod's own
	// ServiceAccount token.
	DefaultSATokenPath = "/var/run/secrets/kubernetes.io/serviceaccount/token"

	// DefaultSACACertPath is the standard mount path of the cluster CA
	// certificate.
	DefaultSACACertPath = "/var/run/secrets/kubernetes.io/serviceaccount/ca.crt"

	// DefaultInClusterAPIServer is the well-known in-cluster API server
	// endpoint.
	DefaultInClusterAPIServer = "https://kubernetes.default.svc"

	// DefaultInClusterIssuer is the issuer most clusters mint by default.
	// Used when the mounted token carries no readable iss claim.
	DefaultInClusterIssuer = "https://kubernetes.default.svc.cluster.local"
)

// DetectLocal synthesizes the "local" trust entry from the pod's mounted
// identity material. The issuer is taken from the mounted token's iss
// claim, decoded WITHOUT verification: this bootstraps trust configuration
// only, telling the service what issuer string to expect, and grants
// nothing. Actual validation always goes through the cluster's published
// signing keys.
//
// Returns false when no token is mounted, which is the normal case for
// out-of-cluster runs.
func DetectLocal(cfg *config.Config, logger *slog.Logger) (*Trust, bool) {
	tokenPath := cfg.SATokenPath
	if tokenPath == "" {
		tokenPath = DefaultSATokenPath
	}
	caPath := cfg.SACACertPath
	if caPath == "" {
		caPath = DefaultSACACertPath
	}

	tokenData, err := os.ReadFile(tokenPath)
	if err != nil {
		logger.Info("cluster: no mounted ServiceAccount token, local cluster disabled", "path", tokenPath)
		return nil, false
	}
	token := strings.TrimSpace(string(tokenData))
	if token == "" {
		logger.Warn("cluster: mounted ServiceAccount token is empty, local cluster disabled", "path", tokenPath)
		return nil, false
	}

	issuer := issuerFromToken(token)
	if issuer == "" {
		logger.Warn("cluster: mounted token has no readable iss claim, using default issuer",
			"issuer", DefaultInClusterIssuer)
		issuer = DefaultInClusterIssuer
	}

	var caPEM []byte
	if data, err := os.ReadFile(caPath); err == nil {
		caPEM = data
	} else {
		logger.Warn("cluster: no mounted CA certificate, using system roots for local cluster", "path", caPath)
	}

	client, err := newHTTPClient(caPEM, cfg.HTTPTimeout)
	if err != nil {
		logger.Warn("cluster: mounted CA material unusable, local cluster disabled", "error", err)
		return nil, false
	}

	trust := &Trust{
		Name:        LocalClusterName,
		Issuer:      issuer,
		APIServer:   DefaultInClusterAPIServer,
		MaxTokenTTL: cfg.MaxTokenTTL,
		bearer:      config.Secret(token),
		client:      client,
	}
	logger.Info("cluster: detected local cluster",
		"issuer", trust.Issuer,
		"api_server", trust.APIServer,
	)
	return trust, true
}

// issuerFromToken decodes the iss claim of a JWT without verifying it.
func issuerFromToken(token string) string {
	parser := jwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return ""
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return ""
	}
	issuer, _ := claims["iss"].(string)
	return issuer
}
