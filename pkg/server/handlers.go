package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/google/uuid"

	kferr "github.com/rophy/kube-federated-auth/pkg/errors"
	"github.com/rophy/kube-federated-auth/pkg/validator"
)

// maxRequestSize caps /validate request bodies. Tokens are capped at 8 KB
// downstream; 64 KB leaves headroom for the JSON envelope.
const maxRequestSize = 64 * 1024

// validateRequest is the /validate request body. Username is optional:
// when present the validated identity must match it exactly, when absent
// the caller receives whatever identity the token proves.
type validateRequest struct {
	Cluster  string `json:"cluster"`
	Token    string `json:"token"`
	Username string `json:"username,omitempty"`
}

// validateResponse is the /validate success body.
type validateResponse struct {
	Authenticated bool   `json:"authenticated"`
	Username      string `json:"username"`
	Expiration    int64  `json:"expiration"`
	IssuedAt      int64  `json:"issued_at"`
}

// errorResponse is the body of every failure response.
type errorResponse struct {
	Authenticated bool   `json:"authenticated"`
	Error         string `json:"error"`
	Message       string `json:"message"`
}

// requestIDKey is the context key for the per-request ID.
type requestIDKey struct{}

// withRequestID assigns each request a UUID, honoring a caller-provided
// X-Request-ID so IDs correlate across federated hops.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestID returns the request's correlation ID, or "" outside a request.
func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req validateRequest
	body := io.LimitReader(r.Body, maxRequestSize)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		s.writeError(ctx, w, kferr.Wrap(err, kferr.KindInvalidRequest, "server: decoding request body"))
		return
	}
	if req.Token == "" {
		s.writeError(ctx, w, kferr.New(kferr.KindInvalidRequest, "server: token field is required"))
		return
	}
	if req.Cluster == "" && req.Username == "" {
		s.writeError(ctx, w, kferr.New(kferr.KindInvalidRequest, "server: cluster or username field is required"))
		return
	}

	result, err := s.validate(ctx, req)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}

	s.logger.Info("server: token validated",
		"request_id", requestID(ctx),
		"username", result.Username,
	)
	s.writeJSON(ctx, w, http.StatusOK, validateResponse{
		Authenticated: true,
		Username:      result.Username,
		Expiration:    result.Expiration,
		IssuedAt:      result.IssuedAt,
	})
}

// validate dispatches the request to the orchestrator. A username drives
// the full authenticate flow including the identity reconcile; a bare
// cluster validates the token and reports whatever identity it proves.
func (s *Server) validate(ctx context.Context, req validateRequest) (*validator.Result, error) {
	if req.Username != "" {
		return s.orchestrator.Authenticate(ctx, req.Username, req.Token)
	}
	subject, err := validator.ParseCluster(req.Cluster)
	if err != nil {
		return nil, err
	}
	return s.orchestrator.ValidateToken(ctx, subject.Cluster, subject.Local, req.Token)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(r.Context(), w, http.StatusOK, map[string]any{
		"status":        "ok",
		"cluster_count": s.registry.Len(),
	})
}

func (s *Server) handleClusters(w http.ResponseWriter, r *http.Request) {
	names := s.registry.Names()
	s.writeJSON(r.Context(), w, http.StatusOK, map[string]any{
		"clusters": names,
		"count":    len(names),
	})
}

// writeError renders the failure contract: kind-derived status, kind as
// the error field, human-readable message. Internal faults log the full
// cause but report only a generic message, so upstream details (URLs,
// bearer failures) never reach API clients.
func (s *Server) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	kfe := kferr.FromError(err)
	kind := kfe.Kind
	message := kfe.Message

	status := kind.HTTPStatus()
	if status >= http.StatusInternalServerError {
		args := []any{
			"request_id", requestID(ctx),
			"kind", kind.String(),
			"error", err,
		}
		if len(kfe.Details) > 0 {
			args = append(args, "details", kfe.Details)
		}
		s.logger.Error("server: validation failed", args...)
		message = "validation could not be completed"
	} else {
		s.logger.Info("server: request rejected",
			"request_id", requestID(ctx),
			"kind", kind.String(),
			"message", message,
		)
	}

	s.writeJSON(ctx, w, status, errorResponse{
		Authenticated: false,
		Error:         kind.String(),
		Message:       message,
	})
}

func (s *Server) writeJSON(ctx context.Context, w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("server: writing response", "request_id", requestID(ctx), "error", err)
	}
}
