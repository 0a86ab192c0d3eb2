// Package validator performs end-to-end validation of Kubernetes
// ServiceAccount tokens. The [Engine] validates one token against one
// cluster's trust anchor; the [Orchestrator] sits above it and decides,
// per request, whether validation runs against an upstream federated
// endpoint or locally, including the fallback when the upstream is
// unreachable.
package validator

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rophy/kube-federated-auth/pkg/cluster"
	kferr "github.com/rophy/kube-federated-auth/pkg/errors"
	"github.com/rophy/kube-federated-auth/pkg/token"
)

const tracerName = "github.com/rophy/kube-federated-auth/pkg/validator"

// Result is the outcome of a successful validation.
type Result struct {
	// Username is the canonical identity, cluster/namespace/serviceaccount.
	Username string

	// Expiration is the token's exp claim as a Unix timestamp, or 0 for
	// a non-expiring token.
	Expiration int64

	// IssuedAt is the token's iat claim as a Unix timestamp, or 0 when
	// the claim is absent.
	IssuedAt int64
}

// Engine validates a token against one cluster in the registry: resolve
// the trust, verify the signature against the cluster's published keys,
// enforce the lifetime limit, and extract the canonical identity. The
// Engine holds no per-request state; every validation is independent.
type Engine struct {
	registry *cluster.Registry
	verifier *token.Verifier
	tracer   trace.Tracer
}

// NewEngine creates an Engine over the given registry and verifier.
func NewEngine(registry *cluster.Registry, verifier *token.Verifier) *Engine {
	return &Engine{
		registry: registry,
		verifier: verifier,
		tracer:   otel.Tracer(tracerName),
	}
}

// Validate validates rawToken as a ServiceAccount token of the named
// cluster and returns the canonical identity it proves.
func (e *Engine) Validate(ctx context.Context, clusterName, rawToken string) (*Result, error) {
	ctx, span := startSpan(ctx, e.tracer, "validator.Validate")
	defer span.End()
	span.SetAttributes(attribute.String("cluster", clusterName))

	trust, err := e.registry.Get(clusterName)
	if err != nil {
		finishSpan(span, err)
		return nil, err
	}

	verification, err := e.verifier.Verify(ctx, trust, rawToken)
	if err != nil {
		finishSpan(span, err)
		return nil, err
	}

	if err := token.CheckTTL(verification, trust.MaxTokenTTL); err != nil {
		finishSpan(span, err)
		return nil, err
	}

	identity, err := token.ExtractIdentity(verification.Claims)
	if err != nil {
		finishSpan(span, err)
		return nil, err
	}

	result := &Result{
		Username:   identity.Canonical(trust.Name),
		Expiration: verification.ExpiresAt,
		IssuedAt:   verification.IssuedAt,
	}
	span.SetAttributes(attribute.String("username", result.Username))
	return result, nil
}

// Subject is a username parsed into its routing components.
type Subject struct {
	// Cluster is the cluster the token must be validated against.
	Cluster string

	// Expected is the full canonical username the token must prove.
	Expected string

	// Local reports whether the username omitted the cluster segment,
	// implying the local cluster.
	Local bool
}

// ParseUsername splits a requested username into its cluster and expected
// identity. Two forms are accepted:
//
//	namespace/serviceaccount          -> local cluster, implicit
//	cluster/namespace/serviceaccount  -> named cluster
//
// The two-segment form is normalized to local/namespace/serviceaccount so
// downstream comparison always runs on the three-segment canonical form.
// Empty segments and any other segment count are invalid_request.
func ParseUsername(username string) (Subject, error) {
	segments := strings.Split(username, "/")
	for _, s := range segments {
		if s == "" {
			return Subject{}, kferr.Newf(kferr.KindInvalidRequest,
				"validator: username %q has an empty segment", username)
		}
	}
	switch len(segments) {
	case 2:
		return Subject{
			Cluster:  cluster.LocalClusterName,
			Expected: cluster.LocalClusterName + "/" + username,
			Local:    true,
		}, nil
	case 3:
		return Subject{
			Cluster:  segments[0],
			Expected: username,
			Local:    segments[0] == cluster.LocalClusterName,
		}, nil
	default:
		return Subject{}, kferr.Newf(kferr.KindInvalidRequest,
			"validator: username %q must have 2 or 3 segments", username)
	}
}

// ParseCluster builds a Subject for a request that names the cluster
// directly instead of embedding it in a username. No expected identity is
// set; the token proves whatever identity it proves.
func ParseCluster(clusterName string) (Subject, error) {
	if clusterName == "" || strings.Contains(clusterName, "/") {
		return Subject{}, kferr.Newf(kferr.KindInvalidRequest,
			"validator: invalid cluster name %q", clusterName)
	}
	return Subject{
		Cluster: clusterName,
		Local:   clusterName == cluster.LocalClusterName,
	}, nil
}

func startSpan(ctx context.Context, tracer trace.Tracer, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name)
}

// finishSpan records a non-nil error on the span and marks it failed.
func finishSpan(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
