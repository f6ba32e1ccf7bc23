package delegation

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/agentlens/mesh/pkg/errors"
)

// LocalTransport is the in-process Transport: a mutex-guarded map. The
// mutex makes UpdateStatus's check-then-write atomic across goroutines.
type LocalTransport struct {
	mu       sync.Mutex
	requests map[string]*Request
}

// NewLocalTransport creates an empty local transport.
func NewLocalTransport() *LocalTransport {
	return &LocalTransport{requests: make(map[string]*Request)}
}

// Send stores a new request.
func (t *LocalTransport) Send(_ context.Context, req *Request) error {
	if req == nil || req.ID == "" {
		return errors.New(errors.CodeTransport, "request id is required", nil)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.requests[req.ID]; ok {
		return errors.New(errors.CodeTransport, "request id already exists", nil)
	}
	t.requests[req.ID] = req.Clone()
	return nil
}

// Get returns the request by id.
func (t *LocalTransport) Get(_ context.Context, requestID string) (*Request, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	req, ok := t.requests[requestID]
	if !ok {
		return nil, requestNotFound(requestID)
	}
	return req.Clone(), nil
}

// UpdateStatus applies an atomic compare-and-swap status transition.
func (t *LocalTransport) UpdateStatus(_ context.Context, requestID string, from []Status, to Status, patch *StatusPatch) (*Request, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	req, ok := t.requests[requestID]
	if !ok {
		return nil, requestNotFound(requestID)
	}
	if !statusAllowed(req.Status, from) {
		return nil, statusConflict(req.Status, to)
	}
	req.Status = to
	if patch != nil {
		if patch.Output != nil {
			req.Output = cloneMap(patch.Output)
		}
		if patch.Error != "" {
			req.Error = patch.Error
		}
		if !patch.CompletedAt.IsZero() {
			req.CompletedAt = patch.CompletedAt
		}
	}
	return req.Clone(), nil
}

// ListPending returns pending requests addressed to the target, oldest
// first.
func (t *LocalTransport) ListPending(_ context.Context, tenantID, targetAnonymousID string) ([]*Request, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Request, 0)
	for _, req := range t.requests {
		if req.TenantID == tenantID && req.TargetAnonymousID == targetAnonymousID && req.Status == StatusRequest {
			out = append(out, req.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func statusAllowed(current Status, from []Status) bool {
	if len(from) == 0 {
		return !current.Terminal()
	}
	for _, s := range from {
		if current == s {
			return true
		}
	}
	return false
}

func requestNotFound(requestID string) error {
	return errors.New(errors.CodeNotFound, "delegation request not found", nil).WithContext("request_id", requestID)
}

func statusConflict(current, to Status) error {
	return errors.New(errors.CodeStateConflict,
		fmt.Sprintf("cannot transition delegation to %s from status %s", to, current), nil).
		WithContext("status", string(current))
}

var _ Transport = (*LocalTransport)(nil)
