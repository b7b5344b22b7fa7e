// flowmesh server - workflow orchestration engine
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/flowmesh/core/internal/application/broadcaster"
	"github.com/flowmesh/core/internal/application/deployment"
	"github.com/flowmesh/core/internal/application/eventwaiter"
	"github.com/flowmesh/core/internal/application/execcache"
	"github.com/flowmesh/core/internal/application/observer"
	"github.com/flowmesh/core/internal/application/recovery"
	"github.com/flowmesh/core/internal/config"
	"github.com/flowmesh/core/internal/infrastructure/api/rest"
	"github.com/flowmesh/core/internal/infrastructure/cache"
	"github.com/flowmesh/core/internal/infrastructure/logger"
	"github.com/flowmesh/core/pkg/engine"
	"github.com/flowmesh/core/pkg/executor"
	"github.com/flowmesh/core/pkg/executor/builtin"
	"github.com/flowmesh/core/pkg/models"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	appLogger := logger.New(cfg.Logging)
	logger.SetDefault(appLogger)

	appLogger.Info("starting flowmesh server", "version", "1.0.0", "port", cfg.Server.Port)

	// Redis is optional: execcache degrades to an in-process fallback mode
	// when it is unreachable (§4.3). The eventwaiter registry always uses its
	// in-memory backend.
	redisCache, err := cache.NewRedisCache(cfg.Redis)
	if err != nil {
		appLogger.Warn("redis cache unavailable, continuing in fallback mode", "error", err)
		redisCache = nil
	} else {
		defer redisCache.Close()
		appLogger.Info("redis cache connected")
	}

	execCache := execcache.New(redisCache,
		execcache.WithResultTTL(cfg.Executor.ResultCacheTTL),
		execcache.WithLogger(appLogger),
	)
	appLogger.Info("execution cache initialized", "mode", execCache.Mode())

	executorManager := executor.NewManager()
	if err := builtin.RegisterBuiltins(executorManager); err != nil {
		appLogger.Error("failed to register built-in executors", "error", err)
		os.Exit(1)
	}
	appLogger.Info("registered executors", "types", executorManager.List())

	registry := models.NewTypeRegistry()
	nodeExecutor := engine.NewNodeExecutor(executorManager)

	waiters := eventwaiter.NewRegistry(eventwaiter.NewMemoryBackend(), appLogger)

	var wsHub *observer.WebSocketHub
	if cfg.Observer.EnableWebSocket {
		wsHub = observer.NewWebSocketHub(appLogger)
		appLogger.Info("websocket hub initialized")
	}

	observerManager := observer.NewObserverManager(
		observer.WithLogger(appLogger),
		observer.WithBufferSize(cfg.Observer.BufferSize),
	)

	if cfg.Observer.EnableLogger {
		if err := observerManager.Register(observer.NewLoggerObserver(observer.WithLoggerInstance(appLogger))); err != nil {
			appLogger.Error("failed to register logger observer", "error", err)
		}
	}

	if cfg.Observer.EnableHTTP && cfg.Observer.HTTPCallbackURL != "" {
		httpObserver := observer.NewHTTPCallbackObserver(
			cfg.Observer.HTTPCallbackURL,
			observer.WithHTTPMethod(cfg.Observer.HTTPMethod),
			observer.WithHTTPHeaders(cfg.Observer.HTTPHeaders),
			observer.WithHTTPTimeout(cfg.Observer.HTTPTimeout),
			observer.WithHTTPRetry(cfg.Observer.HTTPMaxRetries, cfg.Observer.HTTPRetryDelay, 2.0),
		)
		if err := observerManager.Register(httpObserver); err != nil {
			appLogger.Error("failed to register http callback observer", "error", err)
		} else {
			appLogger.Info("http callback observer registered", "url", cfg.Observer.HTTPCallbackURL)
		}
	}

	if cfg.Observer.EnableWebSocket && wsHub != nil {
		if err := observerManager.Register(observer.NewWebSocketObserver(wsHub, observer.WithWebSocketLogger(appLogger))); err != nil {
			appLogger.Error("failed to register websocket observer", "error", err)
		}
	}

	appLogger.Info("observer system initialized", "observer_count", observerManager.Count())

	statusBroadcaster := broadcaster.New(observerManager, waiters, appLogger)

	conditionEvaluator := engine.NewExprConditionEvaluator()
	workflowExecutor := engine.NewWorkflowExecutor(nodeExecutor, conditionEvaluator, statusBroadcaster, registry,
		engine.WithResultCache(execCache),
		engine.WithDLQStore(execCache),
		engine.WithHeartbeater(execCache),
		engine.WithStateSaver(execCache),
		engine.WithStateLoader(execCache),
		engine.WithDecideLock(execCache),
	)

	deploymentManager := deployment.New(workflowExecutor, registry, waiters, statusBroadcaster, execCache, appLogger)

	sweeper := recovery.New(execCache, appLogger, recoveryCallback(execCache, appLogger),
		recovery.WithSweepInterval(cfg.Recovery.SweepInterval),
		recovery.WithHeartbeatTimeout(cfg.Recovery.HeartbeatTimeout),
	)

	sweeperCtx, cancelSweeper := context.WithCancel(context.Background())
	if cfg.Recovery.ScanOnStartup {
		for _, executionID := range sweeper.ScanOnStartup(sweeperCtx) {
			appLogger.Warn("recovery: stale execution found on startup", "execution_id", executionID)
		}
	}
	sweeper.Start(sweeperCtx)
	appLogger.Info("recovery sweeper started",
		"sweep_interval", cfg.Recovery.SweepInterval,
		"heartbeat_timeout", cfg.Recovery.HeartbeatTimeout,
	)

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	loggingMiddleware := rest.NewLoggingMiddleware(appLogger)
	recoveryMiddleware := rest.NewRecoveryMiddleware(appLogger)
	router.Use(recoveryMiddleware.Recovery())
	router.Use(loggingMiddleware.RequestLogger())

	if cfg.Server.CORS {
		router.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if c.Request.Method == http.MethodOptions {
				c.AbortWithStatus(http.StatusNoContent)
				return
			}
			c.Next()
		})
		appLogger.Info("cors enabled")
	}

	router.GET("/health", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		if redisCache != nil {
			if err := redisCache.Health(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": fmt.Sprintf("redis: %s", err.Error())})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "cache_mode": execCache.Mode()})
	})

	router.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	router.GET("/metrics", func(c *gin.Context) {
		metrics := gin.H{"cache_mode": execCache.Mode(), "active_deployments": len(deploymentManager.ListDeployments())}
		if redisCache != nil {
			stats := redisCache.Stats()
			metrics["redis"] = gin.H{
				"hits":        stats.Hits,
				"misses":      stats.Misses,
				"total_conns": stats.TotalConns,
				"idle_conns":  stats.IdleConns,
			}
		}
		c.JSON(http.StatusOK, gin.H{"metrics": metrics})
	})

	if cfg.Observer.EnableWebSocket && wsHub != nil {
		wsHandler := observer.NewWebSocketHandler(wsHub, appLogger)
		router.GET("/ws/executions", func(c *gin.Context) { wsHandler.ServeHTTP(c.Writer, c.Request) })
		router.GET("/ws/health", func(c *gin.Context) { wsHandler.HandleHealthCheck(c.Writer, c.Request) })
		appLogger.Info("websocket endpoints registered", "endpoints", []string{"/ws/executions", "/ws/health"})
	}

	apiV1 := router.Group("/api/v1")
	{
		deploymentHandlers := rest.NewDeploymentHandlers(deploymentManager, appLogger)

		deployments := apiV1.Group("/deployments")
		{
			deployments.POST("", deploymentHandlers.HandleDeploy)
			deployments.GET("", deploymentHandlers.HandleList)
			deployments.GET("/:workflow_id", deploymentHandlers.HandleStatus)
			deployments.POST("/:workflow_id/cancel", deploymentHandlers.HandleCancel)
		}
	}
	appLogger.Info("deployment api routes registered")

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		appLogger.Info("http server starting", "host", cfg.Server.Host, "port", cfg.Server.Port)
		serverErrors <- server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		appLogger.Error("server error", "error", err)
		cancelSweeper()
		os.Exit(1)

	case sig := <-shutdown:
		appLogger.Info("server shutdown initiated", "signal", sig)

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		appLogger.Info("stopping recovery sweeper...")
		sweeper.Stop()
		cancelSweeper()

		appLogger.Info("cancelling active deployments...")
		for _, workflowID := range deploymentManager.ListDeployments() {
			if _, err := deploymentManager.Cancel(ctx, workflowID); err != nil {
				appLogger.Error("deployment cancel failed during shutdown", "workflow_id", workflowID, "error", err)
			}
		}

		if err := server.Shutdown(ctx); err != nil {
			appLogger.Error("graceful shutdown failed", "error", err)
			if err := server.Close(); err != nil {
				appLogger.Error("server close failed", "error", err)
			}
		}

		appLogger.Info("server stopped")
	}
}

// recoveryCallback builds the RecoveryFunc handed to the sweeper: every
// stale node found gets pushed to the DLQ for operator attention, since
// no automatic resume semantics are defined for a node stuck past its
// heartbeat timeout (§4.8, §7 "failures exhausting retry land in the
// DLQ").
func recoveryCallback(execCache *execcache.Cache, log *logger.Logger) recovery.RecoveryFunc {
	return func(ctx context.Context, executionID string, staleNodes []string) {
		ec, ok := execCache.LoadExecutionState(ctx, executionID)
		if !ok {
			log.WarnContext(ctx, "recovery: execution state missing, cannot enqueue DLQ entries", "execution_id", executionID)
			return
		}

		nodeTypes := make(map[string]string, len(ec.Nodes))
		for _, n := range ec.Nodes {
			nodeTypes[n.ID] = n.Type
		}

		for _, nodeID := range staleNodes {
			entry := &models.DLQEntry{
				ID:          executionID + ":" + nodeID,
				ExecutionID: executionID,
				WorkflowID:  ec.WorkflowID,
				NodeID:      nodeID,
				NodeType:    nodeTypes[nodeID],
				Error:       "node exceeded heartbeat timeout",
				FailedAt:    time.Now(),
			}
			if err := execCache.AddToDLQ(ctx, entry); err != nil {
				log.ErrorContext(ctx, "recovery: failed to enqueue DLQ entry", "execution_id", executionID, "node_id", nodeID, "error", err)
			}
		}
	}
}
