// Package supervisor runs every tool call through the gateway pipeline:
// kill-switch, client rate limit, user quota, envelope validation,
// sanitization, capability check, risk scoring, then approval or
// dispatch. It is the only writer of the approval queue and the only
// component that records tool-call audit lines.
package supervisor

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/intelli/agent-gateway/internal/approval"
	"github.com/intelli/agent-gateway/internal/audit"
	"github.com/intelli/agent-gateway/internal/capability"
	"github.com/intelli/agent-gateway/internal/config"
	"github.com/intelli/agent-gateway/internal/events"
	"github.com/intelli/agent-gateway/internal/killswitch"
	"github.com/intelli/agent-gateway/internal/monitoring"
	"github.com/intelli/agent-gateway/internal/ratelimit"
	"github.com/intelli/agent-gateway/internal/risk"
	"github.com/intelli/agent-gateway/internal/sanitize"
	"github.com/intelli/agent-gateway/internal/schema"
	"github.com/intelli/agent-gateway/internal/workerpool"
)

// Pipeline outcome statuses.
const (
	StatusAccepted          = "accepted"
	StatusPendingApproval   = "pending_approval"
	StatusDenied            = "denied"
	StatusValidationError   = "validation_error"
	StatusRateLimited       = "rate_limited"
	StatusBlockedKillSwitch = "blocked_kill_switch"
	StatusError             = "error"
)

// Stable error tokens surfaced to clients.
const (
	ErrValidation        = "validation_error"
	ErrCapabilityDenied  = "capability_denied"
	ErrRateLimitClient   = "rate_limit_exceeded"
	ErrRateLimitUser     = "user_rate_limit_exceeded"
	ErrPendingApproval   = "pending_approval"
	ErrApprovalDenied    = "approval_denied"
	ErrApprovalTimeout   = "approval_timeout"
	ErrWorkerTimeout     = "worker_timeout"
	ErrWorkerUnavailable = "worker_unavailable"
	ErrKillSwitchActive  = "kill_switch_active"
)

// Result is the pipeline outcome for one call.
type Result struct {
	Status     string                 `json:"status"`
	ErrorCode  string                 `json:"error,omitempty"`
	ErrorToken string                 `json:"error_token,omitempty"`
	Message    string                 `json:"message,omitempty"`
	Risk       string                 `json:"risk,omitempty"`
	ApprovalID string                 `json:"id,omitempty"`
	User       string                 `json:"user,omitempty"`
	RetryAfter int                    `json:"retry_after_seconds,omitempty"`
	Args       map[string]interface{} `json:"args,omitempty"`
	Output     map[string]interface{} `json:"result,omitempty"`
}

// CallContext carries transport-level identity the envelope cannot.
type CallContext struct {
	ClientKey string // leftmost X-Forwarded-For, else peer IP
	Actor     string // authenticated user, may be empty

	// SkipUserQuota is set by the scheduler, which is not a user.
	SkipUserQuota bool
}

// Executor runs an approved call. Implemented by the worker pool.
type Executor interface {
	Execute(action string, params map[string]interface{}, timeout time.Duration) (map[string]interface{}, error)
}

// Supervisor wires the pipeline stages together.
type Supervisor struct {
	store     *config.Store
	kill      *killswitch.Switch
	limiter   *ratelimit.Limiter
	validator *schema.Validator
	caps      *capability.Verifier
	queue     *approval.Queue
	pool      Executor
	bus       *events.Bus
	audit     *audit.Logger
	logger    *log.Logger

	burstMu   sync.Mutex
	burstHits []time.Time

	pendingCount sync.Map // approval id -> struct{}, for queue depth gauge
}

// Options collects the supervisor's collaborators. All are required
// except Audit, which may be nil in tests.
type Options struct {
	Store     *config.Store
	Kill      *killswitch.Switch
	Limiter   *ratelimit.Limiter
	Validator *schema.Validator
	Caps      *capability.Verifier
	Queue     *approval.Queue
	Pool      Executor
	Bus       *events.Bus
	Audit     *audit.Logger
}

func New(opts Options) *Supervisor {
	return &Supervisor{
		store:     opts.Store,
		kill:      opts.Kill,
		limiter:   opts.Limiter,
		validator: opts.Validator,
		caps:      opts.Caps,
		queue:     opts.Queue,
		pool:      opts.Pool,
		bus:       opts.Bus,
		audit:     opts.Audit,
		logger:    log.New(log.Writer(), "[SUPERVISOR] ", log.LstdFlags),
	}
}

// ProcessCall runs one raw request body through the full pipeline. The
// stages run in a fixed order; the first refusal wins and later stages
// never see the call.
func (s *Supervisor) ProcessCall(body []byte, cc CallContext) Result {
	if active, reason := s.kill.IsActive(); active {
		res := Result{Status: StatusBlockedKillSwitch, ErrorCode: ErrKillSwitchActive, Message: reason}
		s.finish(res, "", nil, cc)
		return res
	}

	// Internal callers (the scheduler) have no client key and skip the
	// client window.
	if cc.ClientKey != "" {
		if ok, retryAfter := s.limiter.AllowClient(cc.ClientKey); !ok {
			monitoring.RateLimited.WithLabelValues("client").Inc()
			return Result{Status: StatusRateLimited, ErrorCode: ErrRateLimitClient, RetryAfter: retryAfter}
		}
	}

	// The user quota runs before validation when transport auth already
	// identified the caller. An envelope-only identity is charged once
	// the body parses; there is nobody to charge before that.
	userCharged := false
	if !cc.SkipUserQuota && cc.Actor != "" {
		if res, ok := s.chargeUser(cc.Actor); !ok {
			return res
		}
		userCharged = true
	}

	start := time.Now()
	call, err := s.validator.Validate(body)
	monitoring.StageLatency.WithLabelValues("validate").Observe(time.Since(start).Seconds())
	if err != nil {
		token := newErrorToken()
		s.logger.Printf("🚫 Validation failed [%s]: %v", token, err)
		s.noteValidationError()
		return Result{Status: StatusValidationError, ErrorCode: ErrValidation, ErrorToken: token, Message: err.Error()}
	}

	actor := cc.Actor
	if actor == "" {
		actor = call.UserID
	}
	if actor == "" {
		actor = "anonymous"
	}
	cc.Actor = actor // downstream audit lines carry the resolved identity

	if !cc.SkipUserQuota && !userCharged {
		if res, ok := s.chargeUser(actor); !ok {
			return res
		}
	}

	safeArgs := sanitize.Args(call.Args)

	start = time.Now()
	allowed, denied := s.caps.Check(call.Tool, call.Args)
	monitoring.StageLatency.WithLabelValues("capability").Observe(time.Since(start).Seconds())
	if !allowed {
		res := Result{
			Status:    StatusDenied,
			ErrorCode: ErrCapabilityDenied,
			Message:   "denied capabilities: " + strings.Join(denied, ", "),
		}
		s.finish(res, call.Tool, safeArgs, cc)
		return res
	}

	baseline := risk.Low
	var approvalOverride *bool
	if manifest, err := s.caps.Load(call.Tool); err == nil && manifest != nil {
		baseline = risk.ParseLevel(manifest.RiskLevel)
		approvalOverride = manifest.RequiresApproval
	}

	start = time.Now()
	level := risk.Compute(call.Tool, call.Args, baseline)
	monitoring.StageLatency.WithLabelValues("risk").Observe(time.Since(start).Seconds())

	// High risk forces approval unless the manifest explicitly opted out.
	requiresApproval := approvalOverride != nil && *approvalOverride
	if level == risk.High && (approvalOverride == nil || *approvalOverride) {
		requiresApproval = true
	}

	if requiresApproval {
		return s.holdForApproval(call, safeArgs, actor, level, cc)
	}

	res := s.dispatch(call.Tool, safeArgs, level)
	res.Risk = level.String()
	s.finish(res, call.Tool, safeArgs, cc)
	return res
}

// chargeUser spends one unit of the per-user quota. Returns the refusal
// to hand to the caller when the quota is exhausted.
func (s *Supervisor) chargeUser(user string) (Result, bool) {
	ok, retryAfter := s.limiter.AllowUser(user)
	if ok {
		return Result{}, true
	}
	monitoring.RateLimited.WithLabelValues("user").Inc()
	return Result{Status: StatusRateLimited, ErrorCode: ErrRateLimitUser, User: user, RetryAfter: retryAfter}, false
}

// holdForApproval parks the call in the approval queue. When the caller
// asked to wait, it blocks until decided or timed out, then dispatches
// on approval.
func (s *Supervisor) holdForApproval(call *schema.ToolCall, safeArgs map[string]interface{}, actor string, level risk.Level, cc CallContext) Result {
	entry := s.queue.Submit(call.Tool, safeArgs, call.SessionID, actor, level.String(), call.WaitForDecision)
	s.pendingCount.Store(entry.ID, struct{}{})
	monitoring.ApprovalQueueDepth.Inc()

	if !call.WaitForDecision {
		res := Result{
			Status:     StatusPendingApproval,
			ErrorCode:  ErrPendingApproval,
			Risk:       level.String(),
			ApprovalID: entry.ID,
		}
		s.finish(res, call.Tool, safeArgs, cc)
		return res
	}

	timeout := s.store.Load().Approval.Timeout()
	state := s.queue.WaitForDecision(entry.ID, timeout)
	s.pendingCount.Delete(entry.ID)
	monitoring.ApprovalQueueDepth.Dec()

	if state != approval.StateApproved {
		code := ErrApprovalDenied
		if state == approval.StateExpired {
			code = ErrApprovalTimeout
		}
		res := Result{Status: StatusDenied, ErrorCode: code, Risk: level.String(), ApprovalID: entry.ID}
		s.finish(res, call.Tool, safeArgs, cc)
		return res
	}

	res := s.dispatch(call.Tool, safeArgs, level)
	res.Risk = level.String()
	res.ApprovalID = entry.ID
	s.finish(res, call.Tool, safeArgs, cc)
	return res
}

// DispatchApproved executes a call that was approved out-of-band (the
// submitter did not wait). The approval handler calls this after a
// decision; the pipeline stages already ran at submission time.
func (s *Supervisor) DispatchApproved(entry *approval.Entry) Result {
	s.pendingCount.Delete(entry.ID)
	monitoring.ApprovalQueueDepth.Dec()

	// entry.Args were sanitized at submission, so the worker never sees
	// what the filter caught.
	res := s.dispatch(entry.Tool, entry.Args, risk.ParseLevel(entry.Risk))
	res.Risk = entry.Risk
	res.ApprovalID = entry.ID
	s.finish(res, entry.Tool, entry.Args, CallContext{Actor: entry.Actor})
	return res
}

// ResolveDenied records the terminal outcome for an out-of-band denial.
func (s *Supervisor) ResolveDenied(entry *approval.Entry, expired bool) {
	s.pendingCount.Delete(entry.ID)
	monitoring.ApprovalQueueDepth.Dec()

	code := ErrApprovalDenied
	if expired {
		code = ErrApprovalTimeout
	}
	res := Result{Status: StatusDenied, ErrorCode: code, Risk: entry.Risk, ApprovalID: entry.ID}
	s.finish(res, entry.Tool, entry.Args, CallContext{Actor: entry.Actor})
}

// dispatch hands the call to the worker pool and maps pool errors onto
// the client-facing taxonomy. Callers pass sanitized args; workers never
// see raw secrets from agent input.
func (s *Supervisor) dispatch(tool string, args map[string]interface{}, level risk.Level) Result {
	cfg := s.store.Load()
	start := time.Now()
	output, err := s.pool.Execute(tool, args, cfg.Sandbox.WorkerTimeout())
	monitoring.StageLatency.WithLabelValues("dispatch").Observe(time.Since(start).Seconds())

	if err != nil {
		switch err {
		case workerpool.ErrWorkerTimeout:
			return Result{Status: StatusError, ErrorCode: ErrWorkerTimeout}
		case workerpool.ErrAllWorkersBusy, workerpool.ErrPoolClosed:
			return Result{Status: StatusError, ErrorCode: ErrWorkerUnavailable}
		default:
			return Result{Status: StatusError, ErrorCode: ErrWorkerUnavailable, Message: err.Error()}
		}
	}
	return Result{Status: StatusAccepted, Args: args, Output: output}
}

// finish writes the audit line and emits the lifecycle event for a
// terminal outcome. Sanitized args only past this point.
func (s *Supervisor) finish(res Result, tool string, safeArgs map[string]interface{}, cc CallContext) {
	monitoring.ToolCalls.WithLabelValues(res.Status, orDash(res.Risk)).Inc()

	details := map[string]interface{}{
		"tool":   tool,
		"status": res.Status,
		"risk":   res.Risk,
	}
	if res.ErrorCode != "" {
		details["error"] = res.ErrorCode
	}
	if res.ApprovalID != "" {
		details["approval_id"] = res.ApprovalID
	}
	if len(safeArgs) > 0 {
		details["args"] = safeArgs
	}

	actor := cc.Actor
	if actor == "" {
		actor = "anonymous"
	}
	if s.audit != nil {
		if err := s.audit.Append("tool_call", actor, details); err != nil {
			s.logger.Printf("⚠️  Audit append failed: %v", err)
		}
	}

	switch res.Status {
	case StatusAccepted:
		s.bus.Emit(events.TypeToolCallAccepted, details)
	case StatusDenied, StatusBlockedKillSwitch:
		s.bus.Emit(events.TypeToolCallDenied, details)
	}
}

// Burst detection: 10 validation errors inside 60 s emits one event and
// resets the window.
const (
	burstThreshold = 10
	burstWindow    = time.Minute
)

func (s *Supervisor) noteValidationError() {
	s.burstMu.Lock()
	defer s.burstMu.Unlock()

	now := time.Now()
	kept := s.burstHits[:0]
	for _, t := range s.burstHits {
		if now.Sub(t) < burstWindow {
			kept = append(kept, t)
		}
	}
	s.burstHits = append(kept, now)

	if len(s.burstHits) >= burstThreshold {
		count := len(s.burstHits)
		s.burstHits = s.burstHits[:0]
		s.logger.Printf("⚠️  Validation error burst: %d in %s", count, burstWindow)
		s.bus.Emit(events.TypeValidationErrorBurst, map[string]interface{}{
			"count":          count,
			"window_seconds": int(burstWindow.Seconds()),
		})
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// newErrorToken returns an 8-hex-char token logged with validation
// failures so callers can correlate without seeing internals.
func newErrorToken() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%08x", time.Now().UnixNano()&0xffffffff)
	}
	return hex.EncodeToString(b[:])
}
