package validator

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	kferr "github.com/rophy/kube-federated-auth/pkg/errors"
)

// upstreamMaxResponseSize caps upstream validation response bodies.
const upstreamMaxResponseSize = 1 << 20

// UpstreamClient forwards validation requests to a federated upstream
// endpoint. Its errors fall in two classes with very different handling:
// a transport failure (the upstream never answered) surfaces as
// upstream_unavailable, which the orchestrator may convert into local
// fallback, while any parsed response is the upstream's definitive
// verdict and is returned as-is, rejection or success.
type UpstreamClient struct {
	baseURL string
	client  *http.Client
}

// NewUpstreamClient creates a client for the federated endpoint at
// baseURL.
func NewUpstreamClient(baseURL string, timeout time.Duration) *UpstreamClient {
	return &UpstreamClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// upstreamRequest is the request body sent to the upstream /validate
// endpoint, mirroring this service's own API.
type upstreamRequest struct {
	Cluster string `json:"cluster"`
	Token   string `json:"token"`
}

// upstreamResponse covers both the success and the error shape of the
// upstream endpoint.
type upstreamResponse struct {
	Authenticated bool   `json:"authenticated"`
	Username      string `json:"username,omitempty"`
	Expiration    int64  `json:"expiration,omitempty"`
	IssuedAt      int64  `json:"issued_at,omitempty"`
	Error         string `json:"error,omitempty"`
	Message       string `json:"message,omitempty"`
}

// Validate submits the token to the upstream and returns its verdict.
func (u *UpstreamClient) Validate(ctx context.Context, clusterName, rawToken string) (*Result, error) {
	payload, err := json.Marshal(upstreamRequest{Cluster: clusterName, Token: rawToken})
	if err != nil {
		return nil, kferr.Wrap(err, kferr.KindInternal, "validator: encoding upstream request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		u.baseURL+"/validate", bytes.NewReader(payload))
	if err != nil {
		return nil, kferr.Wrap(err, kferr.KindInternal, "validator: building upstream request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, kferr.Wrap(err, kferr.KindUpstreamUnavailable,
			"validator: upstream validation endpoint unreachable")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, upstreamMaxResponseSize))
	if err != nil {
		return nil, kferr.Wrap(err, kferr.KindUpstreamUnavailable,
			"validator: reading upstream response")
	}

	var parsed upstreamResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		// The upstream answered with something that is not its API.
		// Treated as unavailable so fallback can still cover the request.
		return nil, kferr.Wrapf(err, kferr.KindUpstreamUnavailable,
			"validator: upstream returned unparseable response (status %d)", resp.StatusCode)
	}

	if !parsed.Authenticated {
		kind, ok := kferr.ParseKind(parsed.Error)
		if !ok {
			kind = kferr.KindInternal
		}
		message := parsed.Message
		if message == "" {
			message = "upstream rejected the token"
		}
		return nil, kferr.New(kind, message)
	}

	return &Result{
		Username:   parsed.Username,
		Expiration: parsed.Expiration,
		IssuedAt:   parsed.IssuedAt,
	}, nil
}
