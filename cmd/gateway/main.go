// gateway is the agent gateway server: it validates, rate-limits, risk
// scores, and audits every tool call an agent makes, holding the risky
// ones for human approval before a sandboxed worker executes them.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/intelli/agent-gateway/internal/api"
	"github.com/intelli/agent-gateway/internal/approval"
	"github.com/intelli/agent-gateway/internal/audit"
	"github.com/intelli/agent-gateway/internal/auth"
	"github.com/intelli/agent-gateway/internal/capability"
	"github.com/intelli/agent-gateway/internal/compaction"
	"github.com/intelli/agent-gateway/internal/config"
	"github.com/intelli/agent-gateway/internal/events"
	"github.com/intelli/agent-gateway/internal/killswitch"
	"github.com/intelli/agent-gateway/internal/monitoring"
	"github.com/intelli/agent-gateway/internal/ratelimit"
	"github.com/intelli/agent-gateway/internal/scheduler"
	"github.com/intelli/agent-gateway/internal/schema"
	"github.com/intelli/agent-gateway/internal/supervisor"
	"github.com/intelli/agent-gateway/internal/webhooks"
	"github.com/intelli/agent-gateway/internal/workerpool"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	logger := log.New(log.Writer(), "[GATEWAY] ", log.LstdFlags)

	cfg := config.FromEnv()
	if path := os.Getenv("AGENT_GATEWAY_CONFIG"); path != "" {
		if err := config.LoadFile(cfg, path); err != nil {
			logger.Fatalf("🛑 Config file: %v", err)
		}
	}
	store := config.NewStore(cfg)

	auditKey, err := cfg.Audit.Key()
	if err != nil {
		logger.Fatalf("🛑 Audit key: %v", err)
	}
	auditLog, err := audit.New(cfg.Audit.Path, auditKey)
	if err != nil {
		logger.Fatalf("🛑 Audit log: %v", err)
	}
	defer auditLog.Close()

	bus := events.NewBus()
	if cfg.Events.RedisAddr != "" {
		mirror, err := events.NewRedisMirror(cfg.Events.RedisAddr)
		if err != nil {
			logger.Printf("⚠️  Redis mirror unavailable, continuing local-only: %v", err)
		} else {
			bus.SetMirror(mirror)
			defer mirror.Close()
		}
	}

	kill := killswitch.New()
	kill.OnChange(func(state killswitch.State) {
		bus.Emit(events.TypeKillSwitchChanged, map[string]interface{}{
			"active": state.Active, "reason": state.Reason, "triggered_by": state.TriggeredBy,
		})
	})

	limiter := ratelimit.New(func() config.RateLimitConfig {
		return store.Load().RateLimit
	})

	validator, err := schema.NewValidator()
	if err != nil {
		logger.Fatalf("🛑 Envelope schema: %v", err)
	}

	caps := capability.NewVerifier(capability.Options{
		ManifestDir:       cfg.Capabilities.ManifestDir,
		Allowed:           cfg.Capabilities.Allowed,
		AllowAll:          cfg.Capabilities.AllowAll,
		AllowUnknownTools: cfg.Capabilities.AllowUnknownTools,
	})

	queue := approval.NewQueue(
		approval.WithTimeout(cfg.Approval.Timeout()),
		approval.WithEmitter(bus.Emit),
	)
	defer queue.Close()

	workerCmd := cfg.Sandbox.WorkerCommand
	if len(workerCmd) == 0 {
		workerCmd = []string{"gateway-worker"}
	}
	pool, err := workerpool.NewPool(workerpool.Options{
		Size:           cfg.Sandbox.PoolSize,
		Command:        workerCmd,
		DefaultTimeout: cfg.Sandbox.WorkerTimeout(),
		OnUnhealthy: func(workerID int, reason string) {
			monitoring.WorkerRestarts.Inc()
			bus.Emit(events.TypeWorkerUnhealthy, map[string]interface{}{
				"worker_id": workerID, "reason": reason,
			})
		},
	})
	if err != nil {
		logger.Fatalf("🛑 Worker pool: %v", err)
	}
	defer pool.Shutdown()

	sup := supervisor.New(supervisor.Options{
		Store:     store,
		Kill:      kill,
		Limiter:   limiter,
		Validator: validator,
		Caps:      caps,
		Queue:     queue,
		Pool:      pool,
		Bus:       bus,
		Audit:     auditLog,
	})

	registry := webhooks.NewRegistry()
	dispatcher := webhooks.NewDispatcher(registry, bus)
	dispatcher.OnDelivery(func(success bool) {
		outcome := "success"
		if !success {
			outcome = "failure"
		}
		monitoring.WebhookDeliveries.WithLabelValues(outcome).Inc()
	})
	dispatcher.Start()
	defer dispatcher.Stop()

	sched := scheduler.New(sup)
	if path := os.Getenv("AGENT_GATEWAY_TASKS"); path != "" {
		if err := sched.LoadFile(path); err != nil {
			logger.Fatalf("🛑 Scheduled tasks: %v", err)
		}
	}
	sched.Start()
	defer sched.Stop()

	var authn *auth.Authenticator
	if cfg.Server.AdminPassword != "" {
		authn, err = auth.New(cfg.Server.AdminPassword)
		if err != nil {
			logger.Fatalf("🛑 Auth: %v", err)
		}
	} else {
		logger.Printf("⚠️  AGENT_GATEWAY_ADMIN_PASSWORD not set, admin endpoints are OPEN")
	}

	var compactor *compaction.Compactor
	if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" {
		summarizer := compaction.NewAnthropicSummarizer(apiKey, os.Getenv("AGENT_GATEWAY_SUMMARY_MODEL"))
		compactor = compaction.New(summarizer)
	} else {
		logger.Printf("⚠️  ANTHROPIC_API_KEY not set, context compaction disabled")
	}

	server := api.NewServer(api.Options{
		Store:      store,
		Supervisor: sup,
		Queue:      queue,
		Kill:       kill,
		Limiter:    limiter,
		Caps:       caps,
		Bus:        bus,
		Registry:   registry,
		Dispatcher: dispatcher,
		Pool:       pool,
		Scheduler:  sched,
		Audit:      auditLog,
		Auth:       authn,
		Compactor:  compactor,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := ":" + cfg.Server.Port
	logger.Printf("✅ Starting on %s (pool=%d approval_timeout=%s)", addr, cfg.Sandbox.PoolSize, cfg.Approval.Timeout())
	if err := server.Run(ctx, addr); err != nil {
		logger.Fatalf("🛑 Server: %v", err)
	}
	logger.Printf("Shutdown complete")
}
