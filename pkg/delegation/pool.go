package delegation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/agentlens/mesh/pkg/errors"
	"github.com/agentlens/mesh/pkg/resilience"
)

// PoolClient is the remote Transport: it speaks HTTP+JSON to a federated
// delegation pool. The lifecycle semantics are the pool's to enforce;
// this client only maps the wire protocol onto the Transport contract.
// Transient transport failures are retried with backoff; conflict and
// not-found answers are final and returned as-is.
type PoolClient struct {
	baseURL    string
	httpClient *http.Client
	headers    map[string]string
	retry      resilience.RetryConfig
}

// PoolOption configures the client.
type PoolOption func(*PoolClient)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(httpClient *http.Client) PoolOption {
	return func(c *PoolClient) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithHeaders sets default headers for each request.
func WithHeaders(headers map[string]string) PoolOption {
	return func(c *PoolClient) {
		c.headers = make(map[string]string, len(headers))
		for k, v := range headers {
			c.headers[k] = v
		}
	}
}

// WithRetry overrides the retry policy for pool calls.
func WithRetry(retry resilience.RetryConfig) PoolOption {
	return func(c *PoolClient) {
		c.retry = retry
	}
}

// NewPoolClient creates a pool transport client.
func NewPoolClient(baseURL string, opts ...PoolOption) *PoolClient {
	c := &PoolClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: http.DefaultClient,
		retry:      resilience.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Send stores a new request in the pool.
func (c *PoolClient) Send(ctx context.Context, req *Request) error {
	if req == nil {
		return errors.New(errors.CodeTransport, "request is required", nil)
	}
	return c.do(ctx, http.MethodPost, "/delegations", req, nil)
}

// Get returns the request by id.
func (c *PoolClient) Get(ctx context.Context, requestID string) (*Request, error) {
	out := &Request{}
	if err := c.do(ctx, http.MethodGet, "/delegations/"+url.PathEscape(requestID), nil, out); err != nil {
		return nil, err
	}
	return out, nil
}

type updateStatusRequest struct {
	From  []Status     `json:"from,omitempty"`
	To    Status       `json:"to"`
	Patch *StatusPatch `json:"patch,omitempty"`
}

// UpdateStatus asks the pool for an atomic compare-and-swap transition.
// Replays need care: when an earlier attempt was applied remotely but
// its response was lost, the retried swap conflicts with our own
// transition. A conflict on a replay whose reported status equals the
// requested target is therefore resolved by reading the request back
// instead of surfacing a false STATE_CONFLICT.
func (c *PoolClient) UpdateStatus(ctx context.Context, requestID string, from []Status, to Status, patch *StatusPatch) (*Request, error) {
	payload, err := json.Marshal(updateStatusRequest{From: from, To: to, Patch: patch})
	if err != nil {
		return nil, errors.New(errors.CodeTransport, "encode pool request", err)
	}
	path := "/delegations/" + url.PathEscape(requestID) + ":updateStatus"

	out := &Request{}
	replayed := false
	err = c.retry.Do(ctx, func() error {
		callErr := c.doOnce(ctx, http.MethodPost, path, payload, out)
		if callErr == nil {
			return nil
		}
		if replayed && isAppliedConflict(callErr, to) {
			got, getErr := c.Get(ctx, requestID)
			if getErr == nil && got.Status == to {
				*out = *got
				return nil
			}
		}
		if resilience.IsTransportError(callErr) {
			replayed = true
		}
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// isAppliedConflict reports whether the conflict's current status is
// exactly the transition target, the signature of a replayed swap that
// already went through.
func isAppliedConflict(err error, to Status) bool {
	if errors.CodeOf(err) != errors.CodeStateConflict {
		return false
	}
	me := errors.AsMeshError(err)
	status, _ := me.Context["status"].(string)
	return status == string(to)
}

// ListPending returns pending requests addressed to the target.
func (c *PoolClient) ListPending(ctx context.Context, tenantID, targetAnonymousID string) ([]*Request, error) {
	query := url.Values{}
	query.Set("tenantId", tenantID)
	query.Set("target", targetAnonymousID)
	query.Set("status", string(StatusRequest))
	var out []*Request
	if err := c.do(ctx, http.MethodGet, "/delegations?"+query.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *PoolClient) do(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return errors.New(errors.CodeTransport, "encode pool request", err)
		}
		payload = encoded
	}
	// Requests carry client-generated ids, so replaying one after a
	// transport failure is safe.
	return c.retry.Do(ctx, func() error {
		return c.doOnce(ctx, method, path, payload, out)
	})
}

func (c *PoolClient) doOnce(ctx context.Context, method, path string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return errors.New(errors.CodeTransport, "build pool request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.New(errors.CodeTransport, "pool unreachable", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.New(errors.CodeTransport, "read pool response", err)
	}
	if resp.StatusCode >= 400 {
		return poolError(resp.StatusCode, respBody)
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return errors.New(errors.CodeTransport, "decode pool response", err)
		}
	}
	return nil
}

type poolErrorBody struct {
	Message string `json:"message"`
	Status  string `json:"status"`
}

// poolError maps pool HTTP failures back onto the typed error taxonomy
// so the service's state machine behaves identically over both
// transports.
func poolError(statusCode int, payload []byte) error {
	var body poolErrorBody
	_ = json.Unmarshal(payload, &body)
	message := body.Message
	if message == "" {
		message = fmt.Sprintf("pool returned status %d", statusCode)
	}
	switch statusCode {
	case http.StatusNotFound:
		return errors.New(errors.CodeNotFound, message, nil)
	case http.StatusConflict:
		err := errors.New(errors.CodeStateConflict, message, nil)
		if body.Status != "" {
			err.WithContext("status", body.Status)
		}
		return err
	default:
		return errors.New(errors.CodeTransport, message, nil)
	}
}

var _ Transport = (*PoolClient)(nil)
