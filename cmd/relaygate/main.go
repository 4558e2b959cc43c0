// Package main is the unified entry point for relaygate: a single
// process that boots the Session Manager, Provider Orchestrator, Scheduler,
// and the stand-in WebSocket transport behind shared config and logging.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kandev/relaygate/internal/eventbus"
	"github.com/kandev/relaygate/internal/mcpserver"
	"github.com/kandev/relaygate/internal/platform/config"
	"github.com/kandev/relaygate/internal/platform/logger"
	"github.com/kandev/relaygate/internal/provider"
	"github.com/kandev/relaygate/internal/provider/acp"
	"github.com/kandev/relaygate/internal/queryruntime"
	"github.com/kandev/relaygate/internal/restart"
	"github.com/kandev/relaygate/internal/scheduler"
	"github.com/kandev/relaygate/internal/session"
	"github.com/kandev/relaygate/internal/sessionmanager"
	"github.com/kandev/relaygate/internal/statestore"
	"github.com/kandev/relaygate/internal/transport/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting relaygate")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var bus eventbus.Bus
	if cfg.EventBus.NATSUrl != "" {
		log.Info("connecting to nats", zap.String("url", cfg.EventBus.NATSUrl))
		natsBus, err := eventbus.NewNATSBus(cfg.EventBus.NATSUrl, "relaygate", log)
		if err != nil {
			log.Fatal("failed to connect to nats", zap.Error(err))
		}
		bus = natsBus
	} else {
		bus = eventbus.NewMemoryBus(log)
	}
	defer bus.Close()

	layout := statestore.Layout{
		SessionsDir: cfg.Paths.Sessions,
		DataDir:     cfg.Paths.Data,
		WorkDir:     cfg.Paths.Workdir,
		TmpDir:      os.TempDir(),
		ServiceName: "relaygate",
	}
	if err := layout.EnsureDirectories(); err != nil {
		log.Fatal("failed to prepare data directories", zap.Error(err))
	}
	store := statestore.New(layout)

	orchestrator := provider.NewOrchestrator(log)
	policyFor := func(id string) provider.RetryPolicy {
		p, ok := cfg.Provider.RetryPolicies[id]
		if !ok {
			p = cfg.Provider.DefaultRetryPolicy
		}
		return provider.RetryPolicy{MaxRetries: p.MaxRetries, BaseBackoffMs: p.BaseBackoffMs}
	}
	mock := provider.NewMockProvider("mock")
	orchestrator.Register(mock, policyFor("mock"))
	if len(cfg.Provider.AgentCommand) > 0 {
		adapter := acp.New("primary", acp.StdioDialer{Argv: cfg.Provider.AgentCommand}, log)
		orchestrator.Register(adapter, policyFor("primary"))
	} else {
		log.Warn("no agent command configured, running with mock provider only")
	}

	validator := queryruntime.NewSafetyValidator([]string{cfg.Paths.Workdir, cfg.Paths.Workdirs})
	runner := queryruntime.New(orchestrator, validator, log)

	manager := sessionmanager.New(sessionmanager.Config{
		TTL:              cfg.Session.TTL,
		LRUCapacity:      cfg.Session.LRUCapacity,
		CanonicalWorkdir: cfg.Paths.Workdir,
		AliasRoot:        cfg.Paths.Workdirs,
		SessionConfig: session.Config{
			ContextWindowSize:  cfg.Session.ContextWindowSize,
			SteeringBufferCap:  cfg.Session.SteeringBufferCap,
			StopWaitTimeout:    cfg.Session.StopWaitTimeout,
			ProcessingLockTTL:  cfg.Session.ProcessingLockTTL,
			WarningCooldown:    cfg.Session.WarningCooldown,
			PrimaryProviderID:  cfg.Provider.PrimaryProviderID,
			FallbackProviderID: cfg.Provider.FallbackProviderID,
			RateLimitCapacity:  cfg.Session.RateLimitCapacity,
			RateLimitWindow:    cfg.Session.RateLimitWindow,
			Bus:                bus,
		},
	}, runner, store, log)
	manager.Start()

	if err := manager.LoadAllSessions(); err != nil {
		log.Warn("failed to load persisted sessions", zap.Error(err))
	}

	hub := ws.NewHub(manager, log)
	wsHandler := ws.NewHandler(ctx, hub, log)

	restartMgr := restart.New(log)
	runBootProtocol(manager, store, cfg.Primary, hub, log)

	var mcpSrv *mcpserver.Server
	if cfg.MCP.Enabled {
		mcpSrv = mcpserver.New(mcpserver.Config{Port: cfg.MCP.Port}, manager, log)
		if err := mcpSrv.Start(ctx); err != nil {
			log.Warn("failed to start mcp server", zap.Error(err))
			mcpSrv = nil
		}
	}

	sched := scheduler.New(scheduler.Config{
		MaxQueueSize:    cfg.Scheduler.MaxQueueSize,
		MaxJobsPerHour:  cfg.Scheduler.MaxJobsPerHour,
		QueueDrainTick:  cfg.Scheduler.QueueDrainTick,
		MaxPromptLength: cfg.Scheduler.MaxPromptLength,
		Allowlist:       []string{cfg.Paths.Workdir},
	}, manager, &broadcastNotifier{hub: hub}, log)

	cronPath := cfg.Scheduler.CronFile
	if err := sched.LoadAndSchedule(cronPath); err != nil {
		log.Warn("failed to load cron config, scheduler starting with no jobs", zap.String("path", cronPath), zap.Error(err))
	}
	sched.StartDrainTimer()

	watcher := scheduler.NewWatcher(cronPath, cfg.Scheduler.PollInterval, cfg.Scheduler.Debounce, func(path string) error {
		fileCfg, err := scheduler.LoadConfig(path, []string{cfg.Paths.Workdir}, cfg.Scheduler.MaxPromptLength)
		if err != nil {
			return err
		}
		return sched.Reload(fileCfg)
	}, log)
	watcher.Start()

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.GET("/ws", wsHandler.ServeHTTP)
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/stats", func(c *gin.Context) {
		stats := manager.GetGlobalStats()
		c.JSON(http.StatusOK, gin.H{
			"sessions":     stats.SessionCount,
			"queries":      stats.TotalQueries,
			"inputTokens":  stats.TotalInputTokens,
			"outputTokens": stats.TotalOutputTokens,
			"clients":      hub.ClientCount(),
			"activeJobs":   sched.ActiveJobCount(),
		})
	})

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Info("listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down relaygate")
	cancel()
	runShutdownProtocol(server, hub, mcpSrv, sched, watcher, manager, store, restartMgr, cfg.Primary, log)
	log.Info("relaygate stopped")
}

// runBootProtocol restores continuity after a restart: it reloads pending
// forms, re-enqueues any steering messages drained to disk at shutdown,
// announces the restart where the previous process asked it to, and
// resolves the `.last-save-id` hand-off or, failing that, the latest
// restart-context markdown, attaching either as the primary Session's
// nextQueryContext.
func runBootProtocol(manager *sessionmanager.Manager, store *statestore.Store, primary config.PrimaryConfig, hub *ws.Hub, log *logger.Logger) {
	if forms, err := store.LoadPendingForms(); err != nil {
		log.Warn("failed to load pending forms", zap.Error(err))
	} else if len(forms) > 0 {
		log.Info("restored pending forms", zap.Int("count", len(forms)))
	}

	primarySess, err := manager.GetSession(primary.Tenant, primary.ChatID, primary.ThreadID)
	if err != nil {
		log.Warn("failed to resolve primary session during boot", zap.Error(err))
		return
	}

	var contexts []string

	if pending, ok, err := store.TakePendingSteering(); err != nil {
		log.Warn("failed to read pending steering hand-off", zap.Error(err))
	} else if ok && pending.Count > 0 {
		contexts = append(contexts, fmt.Sprintf(
			"[MESSAGES SENT BEFORE RESTART]\n%s\n[END PRE-RESTART MESSAGES]", pending.Content))
		log.Info("restored pending steering from previous run", zap.Int("count", pending.Count))
	}

	if ann, ok, err := store.TakeRestartAnnouncement(); err != nil {
		log.Warn("failed to read restart announcement hand-off", zap.Error(err))
	} else if ok {
		hub.Broadcast(ws.Outbound{Type: ws.OutboundNotice, ChatID: ann.ChatID, Content: "relaygate is back online."})
	}

	if ctx := resolveRestartContext(store, log); ctx != "" {
		contexts = append(contexts, ctx)
	}

	if len(contexts) > 0 {
		primarySess.SetNextQueryContext(strings.Join(contexts, "\n\n"))
	}
}

// resolveRestartContext prefers a well-formed .last-save-id hand-off; when
// absent, it falls back to the latest restart-context markdown, running any
// verification task embedded there and reporting its outcome.
func resolveRestartContext(store *statestore.Store, log *logger.Logger) string {
	if saveID, ok, err := store.TakeLastSaveID(); err != nil {
		log.Warn("failed to read last-save-id", zap.Error(err))
	} else if ok {
		return fmt.Sprintf("[LOAD DIRECTIVE] Resume from save %s and verify it applied.", saveID)
	}

	content, ok, err := store.LatestRestartContext()
	if err != nil {
		log.Warn("failed to read restart context", zap.Error(err))
		return ""
	}
	if !ok {
		return ""
	}

	summary, task, err := restart.ParseShutdownContext(content)
	if err != nil {
		log.Warn("failed to parse restart context", zap.Error(err))
		return ""
	}
	if task != nil {
		result := restart.RunVerification(context.Background(), *task, 30*time.Second)
		return fmt.Sprintf("[VERIFICATION %s]\n%s", task.BDTaskID, result)
	}
	return summary
}

// runShutdownProtocol is the graceful-shutdown sequence: drain steering to
// disk, best-effort shutdown notice, restart-context markdown, stop the
// scheduler and watcher, snapshot sessions, close the transport, then give
// outbound frames a moment to flush.
func runShutdownProtocol(server *http.Server, hub *ws.Hub, mcpSrv *mcpserver.Server, sched *scheduler.Scheduler, watcher *scheduler.Watcher, manager *sessionmanager.Manager, store *statestore.Store, restartMgr *restart.Manager, primary config.PrimaryConfig, log *logger.Logger) {
	drainPendingSteering(manager, store, primary, log)

	if err := store.WriteRestartAnnouncement(statestore.RestartAnnouncement{
		ChatID:    primary.ChatID,
		Timestamp: time.Now(),
	}); err != nil {
		log.Warn("failed to write restart announcement", zap.Error(err))
	}

	summaryDone := make(chan struct{})
	go func() {
		defer close(summaryDone)
		hub.Broadcast(ws.Outbound{Type: ws.OutboundNotice, Content: "relaygate is restarting."})
	}()
	select {
	case <-summaryDone:
	case <-time.After(5 * time.Second):
		log.Warn("shutdown summary broadcast timed out")
	}

	shutdownContext, err := restartMgr.BuildShutdownContext("relaygate graceful shutdown")
	if err != nil {
		log.Warn("failed to build shutdown context", zap.Error(err))
	} else if err := store.WriteRestartContext(time.Now().Format("20060102_150405"), shutdownContext); err != nil {
		log.Warn("failed to write restart context", zap.Error(err))
	}

	var g errgroup.Group
	g.Go(func() error { watcher.Stop(); return nil })
	g.Go(func() error { sched.Stop(); return nil })
	g.Go(func() error { return manager.SaveAllSessions() })
	if err := g.Wait(); err != nil {
		log.Warn("failed to snapshot sessions on shutdown", zap.Error(err))
	}
	manager.Stop()

	hub.CloseAll()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}
	if mcpSrv != nil {
		if err := mcpSrv.Stop(shutdownCtx); err != nil {
			log.Warn("mcp server shutdown error", zap.Error(err))
		}
	}

	time.Sleep(1 * time.Second)
}

// drainPendingSteering writes any steering messages still buffered on the
// primary Session to the hand-off file so the next boot can re-attach them.
func drainPendingSteering(manager *sessionmanager.Manager, store *statestore.Store, primary config.PrimaryConfig, log *logger.Logger) {
	primarySess, err := manager.GetSession(primary.Tenant, primary.ChatID, primary.ThreadID)
	if err != nil {
		log.Warn("failed to resolve primary session during shutdown", zap.Error(err))
		return
	}
	content := primarySess.Steering().Peek()
	if content == nil {
		return
	}
	count := primarySess.Steering().Len()
	if err := store.WritePendingSteering(statestore.PendingSteering{
		Count:     count,
		Content:   *content,
		Timestamp: time.Now(),
	}); err != nil {
		log.Warn("failed to drain pending steering to disk", zap.Error(err))
		return
	}
	log.Info("drained pending steering to disk", zap.Int("count", count))
}

// broadcastNotifier delivers scheduler completion/failure notices over the
// transport as notice frames; a full chat-platform adapter would route
// them to a specific allowed user instead.
type broadcastNotifier struct {
	hub *ws.Hub
}

func (n *broadcastNotifier) Notify(ctx context.Context, message string) error {
	n.hub.Broadcast(ws.Outbound{Type: ws.OutboundNotice, Content: message})
	return nil
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
