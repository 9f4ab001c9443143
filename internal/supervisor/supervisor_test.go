package supervisor

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intelli/agent-gateway/internal/approval"
	"github.com/intelli/agent-gateway/internal/audit"
	"github.com/intelli/agent-gateway/internal/capability"
	"github.com/intelli/agent-gateway/internal/config"
	"github.com/intelli/agent-gateway/internal/events"
	"github.com/intelli/agent-gateway/internal/killswitch"
	"github.com/intelli/agent-gateway/internal/ratelimit"
	"github.com/intelli/agent-gateway/internal/sanitize"
	"github.com/intelli/agent-gateway/internal/schema"
	"github.com/intelli/agent-gateway/internal/workerpool"
)

type fakeExecutor struct {
	calls []string
	fn    func(action string, params map[string]interface{}) (map[string]interface{}, error)
}

func (f *fakeExecutor) Execute(action string, params map[string]interface{}, _ time.Duration) (map[string]interface{}, error) {
	f.calls = append(f.calls, action)
	if f.fn != nil {
		return f.fn(action, params)
	}
	return map[string]interface{}{"ok": true}, nil
}

type harness struct {
	sup   *Supervisor
	store *config.Store
	kill  *killswitch.Switch
	queue *approval.Queue
	exec  *fakeExecutor
	bus   *events.Bus
	audit *audit.Logger
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()

	cfg := config.FromEnv()
	cfg.RateLimit = config.RateLimitConfig{
		MaxRequests: 100, WindowSeconds: 60, Burst: 10,
		UserMaxRequests: 100, UserWindowSeconds: 60,
	}
	cfg.Approval.TimeoutSeconds = 1
	cfg.Capabilities.ManifestDir = t.TempDir()
	cfg.Capabilities.Allowed = []string{"fs.read", "browser.dom"}
	cfg.Capabilities.AllowUnknownTools = true
	if mutate != nil {
		mutate(cfg)
	}
	store := config.NewStore(cfg)

	validator, err := schema.NewValidator()
	require.NoError(t, err)

	bus := events.NewBus()
	queue := approval.NewQueue(
		approval.WithTimeout(cfg.Approval.Timeout()),
		approval.WithEmitter(bus.Emit),
	)
	t.Cleanup(queue.Close)

	auditLog, err := audit.New(filepath.Join(t.TempDir(), "audit.log"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { auditLog.Close() })

	exec := &fakeExecutor{}
	ks := killswitch.New()

	sup := New(Options{
		Store:     store,
		Kill:      ks,
		Limiter:   ratelimit.New(func() config.RateLimitConfig { return store.Load().RateLimit }),
		Validator: validator,
		Caps: capability.NewVerifier(capability.Options{
			ManifestDir:       cfg.Capabilities.ManifestDir,
			Allowed:           cfg.Capabilities.Allowed,
			AllowAll:          cfg.Capabilities.AllowAll,
			AllowUnknownTools: cfg.Capabilities.AllowUnknownTools,
		}),
		Queue: queue,
		Pool:  exec,
		Bus:   bus,
		Audit: auditLog,
	})
	ks.OnChange(func(state killswitch.State) {
		bus.Emit(events.TypeKillSwitchChanged, map[string]interface{}{"active": state.Active})
	})

	return &harness{sup: sup, store: store, kill: ks, queue: queue, exec: exec, bus: bus, audit: auditLog}
}

func body(t *testing.T, v map[string]interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestLowRiskCallAccepted(t *testing.T) {
	h := newHarness(t, nil)
	sub := h.bus.Subscribe(events.TypeToolCallAccepted)
	defer h.bus.Unsubscribe(sub)

	res := h.sup.ProcessCall(body(t, map[string]interface{}{
		"tool": "weather.lookup", "args": map[string]interface{}{"city": "Oslo"}, "user_id": "alice",
	}), CallContext{ClientKey: "1.2.3.4"})

	assert.Equal(t, StatusAccepted, res.Status)
	assert.Equal(t, "low", res.Risk)
	assert.Equal(t, true, res.Output["ok"])
	assert.Equal(t, []string{"weather.lookup"}, h.exec.calls)

	select {
	case ev := <-sub.C:
		assert.Equal(t, "weather.lookup", ev.Data["tool"])
	case <-time.After(time.Second):
		t.Fatal("no tool_call_accepted event")
	}

	records, err := h.audit.Read()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "tool_call", records[0].Event)
	assert.Equal(t, "alice", records[0].Actor)
}

func TestKillSwitchBlocksEverything(t *testing.T) {
	h := newHarness(t, nil)
	h.kill.Activate("emergency", "op")

	res := h.sup.ProcessCall(body(t, map[string]interface{}{"tool": "weather.lookup"}), CallContext{ClientKey: "1.2.3.4"})
	assert.Equal(t, StatusBlockedKillSwitch, res.Status)
	assert.Equal(t, ErrKillSwitchActive, res.ErrorCode)
	assert.Empty(t, h.exec.calls)

	h.kill.Clear("op")
	res = h.sup.ProcessCall(body(t, map[string]interface{}{"tool": "weather.lookup"}), CallContext{ClientKey: "1.2.3.4"})
	assert.Equal(t, StatusAccepted, res.Status)
}

func TestClientRateLimit(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.RateLimit.MaxRequests = 1
		c.RateLimit.Burst = 0
	})

	req := body(t, map[string]interface{}{"tool": "weather.lookup"})
	res := h.sup.ProcessCall(req, CallContext{ClientKey: "9.9.9.9"})
	require.Equal(t, StatusAccepted, res.Status)

	res = h.sup.ProcessCall(req, CallContext{ClientKey: "9.9.9.9"})
	assert.Equal(t, StatusRateLimited, res.Status)
	assert.Equal(t, ErrRateLimitClient, res.ErrorCode)
	assert.GreaterOrEqual(t, res.RetryAfter, 1)
}

func TestUserQuota(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.RateLimit.UserMaxRequests = 1
	})

	req := body(t, map[string]interface{}{"tool": "weather.lookup", "user_id": "alice"})
	res := h.sup.ProcessCall(req, CallContext{ClientKey: "a"})
	require.Equal(t, StatusAccepted, res.Status)

	// Different client, same user: quota still applies.
	res = h.sup.ProcessCall(req, CallContext{ClientKey: "b"})
	assert.Equal(t, StatusRateLimited, res.Status)
	assert.Equal(t, ErrRateLimitUser, res.ErrorCode)
}

func TestSchedulerBypassesQuotas(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.RateLimit.MaxRequests = 1
		c.RateLimit.Burst = 0
		c.RateLimit.UserMaxRequests = 1
	})

	req := body(t, map[string]interface{}{"tool": "weather.lookup"})
	for i := 0; i < 5; i++ {
		res := h.sup.ProcessCall(req, CallContext{Actor: "scheduler", SkipUserQuota: true})
		assert.Equal(t, StatusAccepted, res.Status, "run %d", i)
	}
}

func TestValidationErrorAndBurst(t *testing.T) {
	h := newHarness(t, nil)
	sub := h.bus.Subscribe(events.TypeValidationErrorBurst)
	defer h.bus.Unsubscribe(sub)

	for i := 0; i < 10; i++ {
		res := h.sup.ProcessCall([]byte(`{"args":{}}`), CallContext{ClientKey: "x"})
		assert.Equal(t, StatusValidationError, res.Status)
		assert.Equal(t, ErrValidation, res.ErrorCode)
		assert.Len(t, res.ErrorToken, 8)
	}

	select {
	case ev := <-sub.C:
		assert.Equal(t, 10, ev.Data["count"])
	case <-time.After(time.Second):
		t.Fatal("no burst event after 10 validation errors")
	}
}

func TestCapabilityDenied(t *testing.T) {
	h := newHarness(t, nil)
	dir := h.store.Load().Capabilities.ManifestDir
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "file"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "file", "purge.json"),
		[]byte(`{"required_capabilities":["fs.delete"]}`), 0o644))

	sub := h.bus.Subscribe(events.TypeToolCallDenied)
	defer h.bus.Unsubscribe(sub)

	res := h.sup.ProcessCall(body(t, map[string]interface{}{"tool": "file.purge"}), CallContext{ClientKey: "x"})
	assert.Equal(t, StatusDenied, res.Status)
	assert.Equal(t, ErrCapabilityDenied, res.ErrorCode)
	assert.Contains(t, res.Message, "fs.delete")
	assert.Empty(t, h.exec.calls)

	select {
	case <-sub.C:
	case <-time.After(time.Second):
		t.Fatal("no tool_call_denied event")
	}
}

func TestHighRiskGoesPending(t *testing.T) {
	h := newHarness(t, nil)
	sub := h.bus.Subscribe(events.TypeApprovalPending)
	defer h.bus.Unsubscribe(sub)

	res := h.sup.ProcessCall(body(t, map[string]interface{}{
		"tool": "system.exec", "args": map[string]interface{}{"command": "ls"},
	}), CallContext{ClientKey: "x"})

	assert.Equal(t, StatusPendingApproval, res.Status)
	assert.Equal(t, ErrPendingApproval, res.ErrorCode)
	assert.Equal(t, "high", res.Risk)
	require.NotEmpty(t, res.ApprovalID)
	assert.Empty(t, h.exec.calls, "nothing dispatched before a decision")

	pending := h.queue.ListPending(approval.Filter{})
	require.Len(t, pending, 1)
	assert.Equal(t, "system.exec", pending[0].Tool)

	select {
	case <-sub.C:
	case <-time.After(time.Second):
		t.Fatal("no approval_pending event")
	}
}

func TestWaitForApprovalApproved(t *testing.T) {
	h := newHarness(t, nil)

	done := make(chan Result, 1)
	go func() {
		done <- h.sup.ProcessCall(body(t, map[string]interface{}{
			"tool": "file.write", "args": map[string]interface{}{"path": "/tmp/x"},
			"wait_for_decision": true,
		}), CallContext{ClientKey: "x", Actor: "alice"})
	}()

	var pending []*approval.Entry
	require.Eventually(t, func() bool {
		pending = h.queue.ListPending(approval.Filter{})
		return len(pending) == 1
	}, time.Second, 10*time.Millisecond)

	_, _, err := h.queue.Approve(pending[0].ID, "bob")
	require.NoError(t, err)

	select {
	case res := <-done:
		assert.Equal(t, StatusAccepted, res.Status)
		assert.Equal(t, pending[0].ID, res.ApprovalID)
		assert.Equal(t, []string{"file.write"}, h.exec.calls)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never returned")
	}
}

func TestWaitForApprovalDenied(t *testing.T) {
	h := newHarness(t, nil)

	done := make(chan Result, 1)
	go func() {
		done <- h.sup.ProcessCall(body(t, map[string]interface{}{
			"tool": "system.exec", "wait_for_decision": true,
		}), CallContext{ClientKey: "x"})
	}()

	require.Eventually(t, func() bool {
		return len(h.queue.ListPending(approval.Filter{})) == 1
	}, time.Second, 10*time.Millisecond)
	pending := h.queue.ListPending(approval.Filter{})
	_, _, err := h.queue.Deny(pending[0].ID, "bob")
	require.NoError(t, err)

	select {
	case res := <-done:
		assert.Equal(t, StatusDenied, res.Status)
		assert.Equal(t, ErrApprovalDenied, res.ErrorCode)
		assert.Empty(t, h.exec.calls)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never returned")
	}
}

func TestWaitForApprovalTimesOut(t *testing.T) {
	h := newHarness(t, nil) // 1 s approval timeout

	res := h.sup.ProcessCall(body(t, map[string]interface{}{
		"tool": "system.exec", "wait_for_decision": true,
	}), CallContext{ClientKey: "x"})

	assert.Equal(t, StatusDenied, res.Status)
	assert.Equal(t, ErrApprovalTimeout, res.ErrorCode)
	assert.Empty(t, h.exec.calls)
}

func TestManifestRequiresApproval(t *testing.T) {
	h := newHarness(t, nil)
	dir := h.store.Load().Capabilities.ManifestDir
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "docs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "docs", "publish.json"),
		[]byte(`{"required_capabilities":[],"risk_level":"low","requires_approval":true}`), 0o644))

	res := h.sup.ProcessCall(body(t, map[string]interface{}{"tool": "docs.publish"}), CallContext{ClientKey: "x"})
	assert.Equal(t, StatusPendingApproval, res.Status, "manifest approval flag overrides low risk")
}

func TestWorkerErrorMapping(t *testing.T) {
	h := newHarness(t, nil)

	h.exec.fn = func(string, map[string]interface{}) (map[string]interface{}, error) {
		return nil, workerpool.ErrWorkerTimeout
	}
	res := h.sup.ProcessCall(body(t, map[string]interface{}{"tool": "weather.lookup"}), CallContext{ClientKey: "x"})
	assert.Equal(t, StatusError, res.Status)
	assert.Equal(t, ErrWorkerTimeout, res.ErrorCode)

	h.exec.fn = func(string, map[string]interface{}) (map[string]interface{}, error) {
		return nil, workerpool.ErrAllWorkersBusy
	}
	res = h.sup.ProcessCall(body(t, map[string]interface{}{"tool": "weather.lookup"}), CallContext{ClientKey: "x"})
	assert.Equal(t, ErrWorkerUnavailable, res.ErrorCode)
}

func TestAuditRedactsSecrets(t *testing.T) {
	h := newHarness(t, nil)

	h.sup.ProcessCall(body(t, map[string]interface{}{
		"tool": "weather.lookup",
		"args": map[string]interface{}{"api_key": "sk-live-123", "city": "Oslo"},
	}), CallContext{ClientKey: "x", Actor: "alice"})

	records, err := h.audit.Read()
	require.NoError(t, err)
	require.Len(t, records, 1)

	args := records[0].Details["args"].(map[string]interface{})
	assert.Equal(t, sanitize.Redacted, args["api_key"])
	assert.Equal(t, "Oslo", args["city"])
}

func TestDispatchedArgsAreSanitized(t *testing.T) {
	h := newHarness(t, nil)

	var gotParams map[string]interface{}
	h.exec.fn = func(_ string, params map[string]interface{}) (map[string]interface{}, error) {
		gotParams = params
		return map[string]interface{}{}, nil
	}

	res := h.sup.ProcessCall(body(t, map[string]interface{}{
		"tool": "weather.lookup",
		"args": map[string]interface{}{"api_key": "sk-live-123", "city": "Oslo"},
	}), CallContext{ClientKey: "x"})

	// The worker never sees raw secrets, and the response echoes the
	// sanitized args so the caller knows what was dispatched.
	require.Equal(t, StatusAccepted, res.Status)
	assert.Equal(t, sanitize.Redacted, gotParams["api_key"])
	assert.Equal(t, "Oslo", gotParams["city"])
	assert.Equal(t, sanitize.Redacted, res.Args["api_key"])
}

func TestApprovedDispatchArgsAreSanitized(t *testing.T) {
	h := newHarness(t, nil)

	var gotParams map[string]interface{}
	h.exec.fn = func(_ string, params map[string]interface{}) (map[string]interface{}, error) {
		gotParams = params
		return map[string]interface{}{}, nil
	}

	res := h.sup.ProcessCall(body(t, map[string]interface{}{
		"tool": "system.exec",
		"args": map[string]interface{}{"command": "ls", "token": "abc123"},
	}), CallContext{ClientKey: "x"})
	require.Equal(t, StatusPendingApproval, res.Status)

	entry, found := h.queue.Get(res.ApprovalID)
	require.True(t, found)
	_, _, err := h.queue.Approve(entry.ID, "bob")
	require.NoError(t, err)

	out := h.sup.DispatchApproved(entry)
	require.Equal(t, StatusAccepted, out.Status)
	assert.Equal(t, sanitize.Redacted, gotParams["token"])
	assert.Equal(t, "ls", gotParams["command"])
}

func TestManifestOptsOutOfHighRiskApproval(t *testing.T) {
	h := newHarness(t, nil)
	dir := h.store.Load().Capabilities.ManifestDir
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "system"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "system", "exec.json"),
		[]byte(`{"required_capabilities":[],"risk_level":"high","requires_approval":false}`), 0o644))

	res := h.sup.ProcessCall(body(t, map[string]interface{}{
		"tool": "system.exec", "args": map[string]interface{}{"command": "ls"},
	}), CallContext{ClientKey: "x"})

	assert.Equal(t, StatusAccepted, res.Status, "explicit requires_approval=false dispatches immediately")
	assert.Equal(t, "high", res.Risk)
	assert.Equal(t, []string{"system.exec"}, h.exec.calls)
	assert.Empty(t, h.queue.ListPending(approval.Filter{}))
}

func TestUserQuotaCheckedBeforeValidation(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.RateLimit.UserMaxRequests = 1
	})

	res := h.sup.ProcessCall(body(t, map[string]interface{}{"tool": "weather.lookup"}),
		CallContext{ClientKey: "a", Actor: "alice"})
	require.Equal(t, StatusAccepted, res.Status)

	// Over quota with a malformed body: the quota refusal wins because an
	// authenticated caller is charged before the envelope is parsed.
	res = h.sup.ProcessCall([]byte(`{"args":{}}`), CallContext{ClientKey: "a", Actor: "alice"})
	assert.Equal(t, StatusRateLimited, res.Status)
	assert.Equal(t, ErrRateLimitUser, res.ErrorCode)
	assert.Equal(t, "alice", res.User)
}
