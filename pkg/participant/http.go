package participant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/txcoord/txcoord/pkg/invoker"
)

// HTTPRequest is the body posted to a remote participant.
type HTTPRequest struct {
	TxID      string         `json:"tx_id"`
	Operation string         `json:"operation"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// HTTPResponse is the body a remote participant answers with.
type HTTPResponse struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

// StatusError reports an unexpected HTTP status from a participant.
type StatusError struct {
	Service string
	Code    int
	Body    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("participant %s answered HTTP %d: %s", e.Service, e.Code, e.Body)
}

// HTTPParticipant reaches a service over JSON/HTTP. Forward and compensating
// operations are posted to {base}/{operation}; the two-phase verbs use
// {base}/prepare, {base}/commit and {base}/rollback.
//
// Status handling: 2xx decodes HTTPResponse; 409 and 422 are business
// rejections; 429 and 5xx are transient; any other 4xx is permanent.
type HTTPParticipant struct {
	name    string
	baseURL string
	client  *http.Client
}

// HTTPOption configures an HTTPParticipant.
type HTTPOption func(*HTTPParticipant)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(p *HTTPParticipant) {
		if c != nil {
			p.client = c
		}
	}
}

// NewHTTPParticipant validates baseURL and creates the adapter.
func NewHTTPParticipant(name, baseURL string, opts ...HTTPOption) (*HTTPParticipant, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("participant %s: invalid base url %q", name, baseURL)
	}
	p := &HTTPParticipant{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *HTTPParticipant) Name() string { return p.name }

func (p *HTTPParticipant) Execute(ctx context.Context, txID, operation string, payload map[string]any) (bool, error) {
	return p.post(ctx, operation, HTTPRequest{TxID: txID, Operation: operation, Payload: payload})
}

func (p *HTTPParticipant) Compensate(ctx context.Context, txID, operation string, payload map[string]any) (bool, error) {
	return p.post(ctx, operation, HTTPRequest{TxID: txID, Operation: operation, Payload: payload})
}

func (p *HTTPParticipant) Prepare(ctx context.Context, txID string) (bool, error) {
	return p.post(ctx, "prepare", HTTPRequest{TxID: txID, Operation: "prepare"})
}

func (p *HTTPParticipant) Commit(ctx context.Context, txID string) (bool, error) {
	return p.post(ctx, "commit", HTTPRequest{TxID: txID, Operation: "commit"})
}

func (p *HTTPParticipant) Rollback(ctx context.Context, txID string) (bool, error) {
	return p.post(ctx, "rollback", HTTPRequest{TxID: txID, Operation: "rollback"})
}

func (p *HTTPParticipant) post(ctx context.Context, operation string, body HTTPRequest) (bool, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return false, invoker.Permanent(fmt.Errorf("encode request: %w", err))
	}

	endpoint := p.baseURL + "/" + url.PathEscape(operation)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return false, invoker.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", body.TxID+":"+operation)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := p.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("call %s/%s: %w", p.name, operation, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return false, fmt.Errorf("read %s/%s response: %w", p.name, operation, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var out HTTPResponse
		if err := json.Unmarshal(raw, &out); err != nil {
			return false, invoker.Permanent(fmt.Errorf("decode %s/%s response: %w", p.name, operation, err))
		}
		return out.OK, nil
	case resp.StatusCode == http.StatusConflict, resp.StatusCode == http.StatusUnprocessableEntity:
		return false, nil
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return false, &StatusError{Service: p.name, Code: resp.StatusCode, Body: string(raw)}
	default:
		return false, invoker.Permanent(&StatusError{Service: p.name, Code: resp.StatusCode, Body: string(raw)})
	}
}
