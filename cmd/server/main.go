package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/xctf-platform/sandboxnet/internal/allocator"
	"github.com/xctf-platform/sandboxnet/internal/auth"
	"github.com/xctf-platform/sandboxnet/internal/config"
	"github.com/xctf-platform/sandboxnet/internal/handler"
	"github.com/xctf-platform/sandboxnet/internal/lifecycle"
	"github.com/xctf-platform/sandboxnet/internal/logx"
	"github.com/xctf-platform/sandboxnet/internal/nft"
	"github.com/xctf-platform/sandboxnet/internal/service"
	"github.com/xctf-platform/sandboxnet/internal/store"
)

func main() {
	logger, closeLogger, err := logx.Init("sandboxnet-server")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() {
		if err := closeLogger(); err != nil {
			slog.Error("failed to close logger", "error", err)
		}
	}()

	stdLog := slog.NewLogLogger(logger.Handler(), slog.LevelInfo)
	log.SetFlags(0)
	log.SetOutput(stdLog.Writer())

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	dbPath := filepath.Join(cfg.DataDir, "sandboxnet.db")
	slog.Info("initializing mapping store", "component", "store", "db_path", dbPath)
	if err := store.InitDB(dbPath); err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.CloseDB()

	alloc, err := allocator.New(cfg.DynamicPortMin, cfg.DynamicPortMax, cfg.StaticPorts)
	if err != nil {
		log.Fatalf("Failed to build port allocator: %v", err)
	}
	slog.Info("port allocator ready", "component", "allocator",
		"dynamic_range", cfg.DynamicPortMin, "dynamic_range_max", cfg.DynamicPortMax,
		"static_ports", len(cfg.StaticPorts))

	runner := nft.NewExecRunner(cfg.NFTBin, cfg.NFTSudo, cfg.NFTTimeout)
	rules := nft.NewRuleSetManager(runner, cfg.RulesFile)

	mappingStore := store.NewMappingStore()
	controller := service.NewSandboxController(alloc, rules, mappingStore)
	sweeper := service.NewSweeper(controller, rules, mappingStore)

	ctx := context.Background()

	// Restart contract: reload the store, re-assert the base ruleset and
	// sweep before accepting any Provision call.
	if err := controller.Recover(ctx); err != nil {
		log.Fatalf("Failed to recover controller state: %v", err)
	}
	for _, port := range cfg.StaticPorts {
		if err := rules.AddStaticPort(ctx, port); err != nil {
			log.Fatalf("Failed to declare static port %d: %v", port, err)
		}
	}
	if _, err := sweeper.Sweep(ctx, nil, "startup"); err != nil {
		slog.Warn("startup sweep failed", "component", "sweeper", "error", err)
	}

	if cfg.SweepInterval > 0 {
		sweeper.Start(cfg.SweepInterval)
		slog.Info("sweeper started", "component", "sweeper", "interval", cfg.SweepInterval.String())
	}

	drainState := lifecycle.NewDrainManager()
	sandboxHandler := handler.NewSandboxHandler(controller, sweeper, rules)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logx.RequestIDMiddleware())
	r.Use(logx.AccessLogMiddleware("api_http"))

	r.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))
	r.Use(func(c *gin.Context) {
		if drainState.IsDraining() && c.Request.URL.Path != "/health" && c.Request.URL.Path != "/readyz" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "service is draining"})
			return
		}
		c.Next()
	})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/readyz", func(c *gin.Context) {
		if drainState.IsDraining() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "draining"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api/v1")
	api.Use(auth.TokenMiddleware(cfg.AdminTokenHash))
	api.Use(trackOperations(drainState))
	sandboxHandler.RegisterRoutes(api)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("api server starting", "component", "http_server", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down API server...")

	drainState.StartDraining()

	ctxShutdown, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctxShutdown); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer drainCancel()
	if err := drainState.WaitOperations(drainCtx); err != nil {
		log.Printf("Shutdown with in-flight operations remaining: %d", drainState.ActiveOperations())
	}

	if err := rules.SaveRules(ctx); err != nil {
		slog.Warn("failed to save ruleset snapshot", "component", "ruleset_manager", "error", err)
	}

	log.Println("API server stopped")
}

// trackOperations registers every mutating API call with the drain manager
// so shutdown waits for in-flight provisions and teardowns.
func trackOperations(drainState *lifecycle.DrainManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodGet {
			c.Next()
			return
		}
		release := drainState.TrackOperation()
		defer release()
		c.Next()
	}
}
