package delegation

import (
	"context"
)

// Transport is the pluggable collaborator that owns delegation requests
// for the duration of the handshake. The local in-memory implementation
// serves single-process deployments; a remote pool implementation serves
// federation. The lifecycle semantics must hold identically either way.
type Transport interface {
	// Send stores a new request for delivery to its target.
	Send(ctx context.Context, req *Request) error

	// Get returns the request by id, or a NOT_FOUND error.
	Get(ctx context.Context, requestID string) (*Request, error)

	// UpdateStatus transitions the request to the given status if and
	// only if its current status is in from. The check and write are
	// atomic, so two concurrent accept attempts cannot both succeed: the
	// loser observes a STATE_CONFLICT error carrying the current status.
	// An empty from list means "any non-terminal status".
	UpdateStatus(ctx context.Context, requestID string, from []Status, to Status, patch *StatusPatch) (*Request, error)

	// ListPending returns requests in "request" status addressed to the
	// given anonymous target id within the tenant.
	ListPending(ctx context.Context, tenantID, targetAnonymousID string) ([]*Request, error)
}
