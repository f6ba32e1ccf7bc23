// Package delegation runs the request lifecycle between agents: send,
// accept or reject, execute, complete or time out. All state lives
// behind the Transport collaborator; requester and target never share
// mutable state directly.
package delegation

import (
	"time"
)

// Status is the lifecycle state of a delegation request.
type Status string

const (
	// StatusRequest is the initial state, pending acceptance.
	StatusRequest Status = "request"
	// StatusAccepted means the target agreed to execute.
	StatusAccepted Status = "accepted"
	// StatusExecuting means the target started work.
	StatusExecuting Status = "executing"
	// StatusCompleted is terminal success.
	StatusCompleted Status = "completed"
	// StatusRejected is terminal refusal by the target.
	StatusRejected Status = "rejected"
	// StatusTimeout is terminal acceptance-window expiry.
	StatusTimeout Status = "timeout"
	// StatusError is terminal failure during execution.
	StatusError Status = "error"
)

// Terminal reports whether no further transition may be applied.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusRejected, StatusTimeout, StatusError:
		return true
	}
	return false
}

// Request is the unit of work in flight between two agents. Requester
// and target are identified only by anonymous ids.
type Request struct {
	ID                   string         `json:"requestId"`
	TenantID             string         `json:"tenantId"`
	RequesterAnonymousID string         `json:"requesterAnonymousId"`
	TargetAnonymousID    string         `json:"targetAnonymousId"`
	TaskType             string         `json:"taskType"`
	CustomType           string         `json:"customType,omitempty"`
	Input                map[string]any `json:"input,omitempty"`
	TimeoutMs            int64          `json:"timeoutMs"`
	Status               Status         `json:"status"`
	Output               map[string]any `json:"output,omitempty"`
	Error                string         `json:"error,omitempty"`
	CreatedAt            time.Time      `json:"createdAt"`
	CompletedAt          time.Time      `json:"completedAt,omitempty"`
}

// Clone returns a copy so transport-held state is never shared with
// callers.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	out := *r
	out.Input = cloneMap(r.Input)
	out.Output = cloneMap(r.Output)
	return &out
}

// StatusPatch carries the fields set alongside a status transition.
type StatusPatch struct {
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	CompletedAt time.Time      `json:"completedAt,omitempty"`
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
