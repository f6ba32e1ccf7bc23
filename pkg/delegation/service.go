package delegation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/agentlens/mesh/pkg/audit"
	"github.com/agentlens/mesh/pkg/capability"
	"github.com/agentlens/mesh/pkg/discovery"
	"github.com/agentlens/mesh/pkg/errors"
	"github.com/agentlens/mesh/pkg/identity"
	"github.com/agentlens/mesh/pkg/telemetry"
)

// Service defaults.
const (
	DefaultAcceptTimeout = 30 * time.Second
	DefaultPollInterval  = 100 * time.Millisecond
	DefaultTimeoutMs     = 30000
)

// Outcome statuses returned to the requester by Delegate.
const (
	OutcomeSuccess  = "success"
	OutcomeRejected = "rejected"
	OutcomeTimeout  = "timeout"
	OutcomeError    = "error"
)

// DelegateInput describes one outbound delegation.
type DelegateInput struct {
	TargetAnonymousID string
	TaskType          string
	CustomType        string
	Input             map[string]any
	TimeoutMs         int64
}

// DelegateResult is the requester-side outcome of a delegation.
type DelegateResult struct {
	RequestID string         `json:"requestId"`
	Status    string         `json:"status"`
	Output    map[string]any `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Result is the typed failure result returned by the target-side
// operations. State-machine and permission failures land here rather
// than in the error return, so callers can branch without unwrapping.
type Result struct {
	OK    bool             `json:"ok"`
	Error string           `json:"error,omitempty"`
	Code  errors.ErrorCode `json:"code,omitempty"`
}

// TrustUpdater folds a finished delegation back into the requester's
// trust score. Implemented by the trust service; optional.
type TrustUpdater interface {
	UpdateAfterDelegation(ctx context.Context, tenantID, agentID string) error
}

// Service runs the delegation request lifecycle over a pluggable
// transport, enforcing permissions and rate limits and emitting audit
// log entries for every attempt.
type Service struct {
	transport Transport
	registry  *capability.Registry
	identity  *identity.Manager
	auditLog  audit.Log
	configs   discovery.ConfigStore
	limiter   *RateLimiter
	trust     TrustUpdater
	metrics   *telemetry.MeshMetrics
	logger    *slog.Logger

	now           func() time.Time
	acceptTimeout time.Duration
	pollInterval  time.Duration
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithClock overrides the service clock.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithAcceptTimeout sets the acceptance window for pending requests.
func WithAcceptTimeout(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.acceptTimeout = d
		}
	}
}

// WithPollInterval sets how often Delegate polls the transport while
// awaiting an outcome.
func WithPollInterval(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithTrustUpdater wires the trust feedback loop.
func WithTrustUpdater(t TrustUpdater) ServiceOption {
	return func(s *Service) { s.trust = t }
}

// WithMetrics wires OTEL metrics. A nil tracker is a no-op.
func WithMetrics(m *telemetry.MeshMetrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// WithLogger overrides the service logger.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService creates a delegation service.
func NewService(
	transport Transport,
	registry *capability.Registry,
	anon *identity.Manager,
	auditLog audit.Log,
	configs discovery.ConfigStore,
	limiter *RateLimiter,
	opts ...ServiceOption,
) *Service {
	s := &Service{
		transport:     transport,
		registry:      registry,
		identity:      anon,
		auditLog:      auditLog,
		configs:       configs,
		limiter:       limiter,
		logger:        slog.Default(),
		now:           func() time.Time { return time.Now().UTC() },
		acceptTimeout: DefaultAcceptTimeout,
		pollInterval:  DefaultPollInterval,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Delegate sends a bounded unit of work to an anonymous target and
// awaits a terminal outcome or the deadline, whichever comes first. The
// wait is cooperative: a ticker-driven poll with one final re-check at
// the deadline so a completion racing the timer is not lost.
func (s *Service) Delegate(ctx context.Context, tenantID, agentID string, input DelegateInput) (*DelegateResult, error) {
	cfg, err := s.configs.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if !cfg.DelegationEnabled {
		return nil, errors.New(errors.CodePermissionDenied, "delegation is disabled for this tenant", nil)
	}
	if input.TargetAnonymousID == "" {
		return nil, errors.New(errors.CodeValidation, "target anonymous id is required", nil)
	}
	if input.TaskType == "" {
		return nil, errors.New(errors.CodeValidation, "task type is required", nil)
	}

	limit := s.outboundLimit(ctx, tenantID, agentID, input.TaskType, input.CustomType)
	if !s.limiter.Allow(tenantID, string(audit.DirectionOutbound), agentID, limit) {
		s.metrics.RecordRateLimitRejection(ctx, string(audit.DirectionOutbound))
		return nil, errors.New(errors.CodeRateLimited, "outbound rate limit exceeded", nil).
			WithContext("agent_id", agentID)
	}

	timeoutMs := input.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = DefaultTimeoutMs
	}
	req := &Request{
		ID:                   uuid.NewString(),
		TenantID:             tenantID,
		RequesterAnonymousID: s.identity.GetOrRotate(tenantID, agentID),
		TargetAnonymousID:    input.TargetAnonymousID,
		TaskType:             input.TaskType,
		CustomType:           input.CustomType,
		Input:                cloneMap(input.Input),
		TimeoutMs:            timeoutMs,
		Status:               StatusRequest,
		CreatedAt:            s.now(),
	}
	if err := s.transport.Send(ctx, req); err != nil {
		return nil, err
	}
	s.metrics.RecordDelegationSent(ctx, input.TaskType)
	s.logger.DebugContext(ctx, "delegation sent",
		slog.String("request_id", req.ID),
		slog.String("task_type", req.TaskType))

	final, err := s.await(ctx, req.ID, time.Duration(timeoutMs)*time.Millisecond)
	if err != nil {
		return nil, err
	}

	result := &DelegateResult{RequestID: req.ID, Status: OutcomeTimeout}
	logStatus := string(StatusTimeout)
	if final != nil {
		logStatus = string(final.Status)
		switch final.Status {
		case StatusCompleted:
			result.Status = OutcomeSuccess
			result.Output = final.Output
		case StatusRejected:
			result.Status = OutcomeRejected
		case StatusError:
			result.Status = OutcomeError
			result.Error = final.Error
		default:
			result.Status = OutcomeTimeout
			logStatus = string(StatusTimeout)
		}
	}

	completedAt := s.now()
	elapsed := completedAt.Sub(req.CreatedAt)
	s.appendAudit(ctx, audit.Entry{
		TenantID:          tenantID,
		Direction:         audit.DirectionOutbound,
		AgentID:           agentID,
		AnonymousTargetID: req.TargetAnonymousID,
		TaskType:          req.TaskType,
		Status:            logStatus,
		RequestSizeBytes:  jsonSize(req.Input),
		ResponseSizeBytes: jsonSize(result.Output),
		ExecutionTimeMs:   elapsed.Milliseconds(),
		CreatedAt:         req.CreatedAt,
		CompletedAt:       completedAt,
	})
	s.metrics.RecordDelegationOutcome(ctx, req.TaskType, logStatus, float64(elapsed.Milliseconds()))

	if s.trust != nil {
		if err := s.trust.UpdateAfterDelegation(ctx, tenantID, agentID); err != nil {
			s.logger.WarnContext(ctx, "trust update failed",
				slog.String("agent_id", agentID), slog.Any("error", err))
		}
	}
	return result, nil
}

// await polls for a terminal status until the deadline. A timed-out wait
// never re-resolves: after the deadline one last read decides, and a
// completion that lands later is a lost update visible only in the
// audit log.
func (s *Service) await(ctx context.Context, requestID string, timeout time.Duration) (*Request, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, errors.New(errors.CodeTimeout, "delegation wait cancelled", ctx.Err())
		case <-deadline.C:
			return s.finalCheck(ctx, requestID)
		case <-ticker.C:
			req, err := s.transport.Get(ctx, requestID)
			if err != nil {
				return nil, err
			}
			if req.Status.Terminal() {
				return req, nil
			}
		}
	}
}

// finalCheck reads the request once more at the deadline. Returns nil
// when the request is still not terminal, which the caller reports as a
// timeout.
func (s *Service) finalCheck(ctx context.Context, requestID string) (*Request, error) {
	req, err := s.transport.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status.Terminal() {
		return req, nil
	}
	return nil, nil
}

// GetInbox returns pending requests addressed to the agent's current
// anonymous ids. Overdue entries are lazily transitioned to timeout and
// dropped from the listing; no background sweep is required for
// correctness.
func (s *Service) GetInbox(ctx context.Context, tenantID, agentID string) ([]*Request, error) {
	out := make([]*Request, 0)
	for _, anonID := range s.identity.ActiveIDs(tenantID, agentID) {
		pending, err := s.transport.ListPending(ctx, tenantID, anonID)
		if err != nil {
			return nil, err
		}
		for _, req := range pending {
			if s.now().Sub(req.CreatedAt) > s.acceptTimeout {
				if err := s.expire(ctx, req.ID); err != nil {
					return nil, err
				}
				continue
			}
			out = append(out, req)
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

// Accept transitions a pending request to accepted after the permission
// checks. Check order is part of the contract: missing request, wrong
// target, expired window, wrong status, missing acceptance capability,
// then rate limit.
func (s *Service) Accept(ctx context.Context, tenantID, agentID, requestID string) (Result, error) {
	req, res, err := s.loadTargeted(ctx, tenantID, agentID, requestID)
	if err != nil || !res.OK {
		return res, err
	}

	if req.Status == StatusRequest && s.now().Sub(req.CreatedAt) > s.acceptTimeout {
		if err := s.expire(ctx, req.ID); err != nil {
			return Result{}, err
		}
		return fail(errors.CodeTimeout, "acceptance window timeout"), nil
	}
	if req.Status != StatusRequest {
		return fail(errors.CodeStateConflict, fmt.Sprintf("Cannot accept delegation in status %s", req.Status)), nil
	}

	accepting := s.acceptingCapability(ctx, tenantID, agentID, req.TaskType, req.CustomType)
	if accepting == nil {
		return fail(errors.CodePermissionDenied, "agent does not accept delegations for this task type"), nil
	}
	if !s.limiter.Allow(tenantID, string(audit.DirectionInbound), agentID, accepting.InboundRateLimit) {
		s.metrics.RecordRateLimitRejection(ctx, string(audit.DirectionInbound))
		return fail(errors.CodeRateLimited, "inbound rate limit exceeded"), nil
	}

	if _, err := s.transport.UpdateStatus(ctx, requestID, []Status{StatusRequest}, StatusAccepted, nil); err != nil {
		if errors.CodeOf(err) == errors.CodeStateConflict {
			// Lost a concurrent accept; report the post-accept status.
			return fail(errors.CodeStateConflict, fmt.Sprintf("Cannot accept delegation in status %s", conflictStatus(err))), nil
		}
		return Result{}, err
	}

	s.appendAudit(ctx, audit.Entry{
		TenantID:          tenantID,
		Direction:         audit.DirectionInbound,
		AgentID:           agentID,
		AnonymousSourceID: req.RequesterAnonymousID,
		TaskType:          req.TaskType,
		Status:            string(StatusAccepted),
		RequestSizeBytes:  jsonSize(req.Input),
		CreatedAt:         req.CreatedAt,
	})
	return Result{OK: true}, nil
}

// Reject refuses a request. Allowed from any non-terminal status, so an
// already-accepted request can still be rejected; a completed one cannot.
func (s *Service) Reject(ctx context.Context, tenantID, agentID, requestID string) (Result, error) {
	req, res, err := s.loadTargeted(ctx, tenantID, agentID, requestID)
	if err != nil || !res.OK {
		return res, err
	}
	if req.Status.Terminal() {
		return fail(errors.CodeStateConflict, fmt.Sprintf("Cannot reject delegation in status %s", req.Status)), nil
	}

	if _, err := s.transport.UpdateStatus(ctx, requestID,
		[]Status{StatusRequest, StatusAccepted, StatusExecuting}, StatusRejected,
		&StatusPatch{CompletedAt: s.now()}); err != nil {
		if errors.CodeOf(err) == errors.CodeStateConflict {
			return fail(errors.CodeStateConflict, fmt.Sprintf("Cannot reject delegation in status %s", conflictStatus(err))), nil
		}
		return Result{}, err
	}

	s.appendAudit(ctx, audit.Entry{
		TenantID:          tenantID,
		Direction:         audit.DirectionInbound,
		AgentID:           agentID,
		AnonymousSourceID: req.RequesterAnonymousID,
		TaskType:          req.TaskType,
		Status:            string(StatusRejected),
		CreatedAt:         req.CreatedAt,
		CompletedAt:       s.now(),
	})
	return Result{OK: true}, nil
}

// StartExecuting marks an accepted request as in progress.
func (s *Service) StartExecuting(ctx context.Context, tenantID, agentID, requestID string) (Result, error) {
	req, res, err := s.loadTargeted(ctx, tenantID, agentID, requestID)
	if err != nil || !res.OK {
		return res, err
	}
	if req.Status != StatusAccepted {
		return fail(errors.CodeStateConflict, fmt.Sprintf("Cannot execute delegation in status %s", req.Status)), nil
	}
	if _, err := s.transport.UpdateStatus(ctx, requestID, []Status{StatusAccepted}, StatusExecuting, nil); err != nil {
		if errors.CodeOf(err) == errors.CodeStateConflict {
			return fail(errors.CodeStateConflict, fmt.Sprintf("Cannot execute delegation in status %s", conflictStatus(err))), nil
		}
		return Result{}, err
	}
	return Result{OK: true}, nil
}

// Complete finishes an accepted or executing request with its output.
func (s *Service) Complete(ctx context.Context, tenantID, agentID, requestID string, output map[string]any) (Result, error) {
	req, res, err := s.loadTargeted(ctx, tenantID, agentID, requestID)
	if err != nil || !res.OK {
		return res, err
	}
	if req.Status != StatusAccepted && req.Status != StatusExecuting {
		return fail(errors.CodeStateConflict, fmt.Sprintf("Cannot complete delegation in status %s", req.Status)), nil
	}

	completedAt := s.now()
	if _, err := s.transport.UpdateStatus(ctx, requestID,
		[]Status{StatusAccepted, StatusExecuting}, StatusCompleted,
		&StatusPatch{Output: output, CompletedAt: completedAt}); err != nil {
		if errors.CodeOf(err) == errors.CodeStateConflict {
			return fail(errors.CodeStateConflict, fmt.Sprintf("Cannot complete delegation in status %s", conflictStatus(err))), nil
		}
		return Result{}, err
	}

	// The executing capability's declared cost is the billable figure
	// for this delegation.
	var costUsd float64
	if executing := s.acceptingCapability(ctx, tenantID, agentID, req.TaskType, req.CustomType); executing != nil && executing.EstimatedCostUsd != nil {
		costUsd = *executing.EstimatedCostUsd
	}

	s.appendAudit(ctx, audit.Entry{
		TenantID:          tenantID,
		Direction:         audit.DirectionInbound,
		AgentID:           agentID,
		AnonymousSourceID: req.RequesterAnonymousID,
		TaskType:          req.TaskType,
		Status:            string(StatusCompleted),
		RequestSizeBytes:  jsonSize(req.Input),
		ResponseSizeBytes: jsonSize(output),
		ExecutionTimeMs:   completedAt.Sub(req.CreatedAt).Milliseconds(),
		CostUsd:           costUsd,
		CreatedAt:         req.CreatedAt,
		CompletedAt:       completedAt,
	})
	return Result{OK: true}, nil
}

// Fail marks an accepted or executing request as failed with a reason.
func (s *Service) Fail(ctx context.Context, tenantID, agentID, requestID, reason string) (Result, error) {
	req, res, err := s.loadTargeted(ctx, tenantID, agentID, requestID)
	if err != nil || !res.OK {
		return res, err
	}
	if req.Status != StatusAccepted && req.Status != StatusExecuting {
		return fail(errors.CodeStateConflict, fmt.Sprintf("Cannot fail delegation in status %s", req.Status)), nil
	}

	completedAt := s.now()
	if _, err := s.transport.UpdateStatus(ctx, requestID,
		[]Status{StatusAccepted, StatusExecuting}, StatusError,
		&StatusPatch{Error: reason, CompletedAt: completedAt}); err != nil {
		if errors.CodeOf(err) == errors.CodeStateConflict {
			return fail(errors.CodeStateConflict, fmt.Sprintf("Cannot fail delegation in status %s", conflictStatus(err))), nil
		}
		return Result{}, err
	}

	s.appendAudit(ctx, audit.Entry{
		TenantID:          tenantID,
		Direction:         audit.DirectionInbound,
		AgentID:           agentID,
		AnonymousSourceID: req.RequesterAnonymousID,
		TaskType:          req.TaskType,
		Status:            string(StatusError),
		ExecutionTimeMs:   completedAt.Sub(req.CreatedAt).Milliseconds(),
		CreatedAt:         req.CreatedAt,
		CompletedAt:       completedAt,
	})
	return Result{OK: true}, nil
}

// loadTargeted runs the shared head of every target-side check: the
// request must exist in this tenant and be addressed to this agent.
func (s *Service) loadTargeted(ctx context.Context, tenantID, agentID, requestID string) (*Request, Result, error) {
	req, err := s.transport.Get(ctx, requestID)
	if err != nil {
		if errors.CodeOf(err) == errors.CodeNotFound {
			return nil, fail(errors.CodeNotFound, "delegation request not found"), nil
		}
		return nil, Result{}, err
	}
	if req.TenantID != tenantID {
		return nil, fail(errors.CodeNotFound, "delegation request not found"), nil
	}
	if !s.identity.IsFor(tenantID, agentID, req.TargetAnonymousID) {
		return nil, fail(errors.CodePermissionDenied, "request is not targeted at this agent"), nil
	}
	return req, Result{OK: true}, nil
}

func (s *Service) expire(ctx context.Context, requestID string) error {
	_, err := s.transport.UpdateStatus(ctx, requestID, []Status{StatusRequest}, StatusTimeout,
		&StatusPatch{CompletedAt: s.now()})
	if err != nil && errors.CodeOf(err) != errors.CodeStateConflict {
		return err
	}
	return nil
}

// acceptingCapability finds an enabled capability of the agent that
// matches the task type and has delegations switched on.
func (s *Service) acceptingCapability(ctx context.Context, tenantID, agentID, taskType, customType string) *capability.Capability {
	rows, err := s.registry.ListByAgent(ctx, tenantID, agentID)
	if err != nil {
		return nil
	}
	for _, row := range rows {
		if row.Enabled && row.AcceptDelegations && row.Matches(capability.TaskType(taskType), customType) {
			return row
		}
	}
	return nil
}

// outboundLimit resolves the requester's outbound limit from its own
// capability for the task type, falling back to the default.
func (s *Service) outboundLimit(ctx context.Context, tenantID, agentID, taskType, customType string) int {
	rows, err := s.registry.ListByAgent(ctx, tenantID, agentID)
	if err != nil {
		return capability.DefaultOutboundRateLimit
	}
	for _, row := range rows {
		if row.Matches(capability.TaskType(taskType), customType) && row.OutboundRateLimit > 0 {
			return row.OutboundRateLimit
		}
	}
	return capability.DefaultOutboundRateLimit
}

func (s *Service) appendAudit(ctx context.Context, entry audit.Entry) {
	if err := s.auditLog.Append(ctx, entry); err != nil {
		s.logger.WarnContext(ctx, "audit append failed",
			slog.String("tenant_id", entry.TenantID), slog.Any("error", err))
	}
}

func fail(code errors.ErrorCode, message string) Result {
	return Result{OK: false, Error: message, Code: code}
}

func conflictStatus(err error) string {
	me := errors.AsMeshError(err)
	if status, ok := me.Context["status"].(string); ok && status != "" {
		return status
	}
	return "unknown"
}

func jsonSize(v map[string]any) int64 {
	if v == nil {
		return 0
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return int64(len(payload))
}
