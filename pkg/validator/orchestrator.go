package validator

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	kferr "github.com/rophy/kube-federated-auth/pkg/errors"
)

// Orchestrator routes each validation to the right path. With an upstream
// configured, the upstream's verdict is authoritative for every cluster;
// local validation is the fallback, reached only when the upstream is
// unreachable at the transport level and only for local-cluster requests.
// Cross-cluster trust cannot be established locally once the deployment
// has delegated it upstream. Without an upstream, the local engine is the
// authority for every cluster in its registry.
//
// A definitive upstream rejection is terminal. Falling back on a
// rejection would let a revoked or forged token retry against a second
// validator, so only transport-level unavailability triggers the
// fallback transition.
type Orchestrator struct {
	engine   *Engine
	upstream *UpstreamClient
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewOrchestrator wires the orchestrator. upstream may be nil, making
// the local engine authoritative.
func NewOrchestrator(engine *Engine, upstream *UpstreamClient, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		engine:   engine,
		upstream: upstream,
		logger:   logger,
		tracer:   otel.Tracer(tracerName),
	}
}

// Authenticate validates the token and checks it proves the requested
// username. The username selects the cluster (two segments imply local);
// after validation the canonical identity minted from the token must
// equal the requested username exactly.
func (o *Orchestrator) Authenticate(ctx context.Context, username, rawToken string) (*Result, error) {
	ctx, span := startSpan(ctx, o.tracer, "validator.Authenticate")
	defer span.End()

	subject, err := ParseUsername(username)
	if err != nil {
		finishSpan(span, err)
		return nil, err
	}
	span.SetAttributes(
		attribute.String("cluster", subject.Cluster),
		attribute.Bool("local", subject.Local),
	)

	result, err := o.ValidateToken(ctx, subject.Cluster, subject.Local, rawToken)
	if err != nil {
		finishSpan(span, err)
		return nil, err
	}

	if result.Username != subject.Expected {
		err := kferr.Newf(kferr.KindExtractionFailed,
			"validator: token proves %q, not the requested %q", result.Username, subject.Expected)
		finishSpan(span, err)
		return nil, err
	}
	return result, nil
}

// ValidateToken validates the token for the named cluster through the
// selected path without a username reconcile. local marks whether the
// request targets the local cluster, which gates the fallback.
func (o *Orchestrator) ValidateToken(ctx context.Context, clusterName string, local bool, rawToken string) (*Result, error) {
	if o.upstream == nil {
		return o.engine.Validate(ctx, clusterName, rawToken)
	}

	result, err := o.upstream.Validate(ctx, clusterName, rawToken)
	if err == nil {
		return result, nil
	}
	if !kferr.IsUnavailable(err) {
		// A parsed upstream verdict, success or rejection, is final.
		if kferr.IsRejection(err) {
			o.logger.Info("validator: upstream rejected token",
				"cluster", clusterName,
				"kind", kferr.KindOf(err).String(),
			)
		}
		return nil, err
	}

	if !local {
		o.logger.Error("validator: upstream unreachable for cross-cluster request",
			"cluster", clusterName,
			"error", err,
		)
		return nil, err
	}

	o.logger.Warn("validator: upstream unreachable, falling back to local validation",
		"cluster", clusterName,
		"error", err,
	)
	return o.engine.Validate(ctx, clusterName, rawToken)
}
