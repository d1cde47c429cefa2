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

	"github.com/benwis/oso/internal/entities"
	"github.com/benwis/oso/internal/handlers"
	"github.com/benwis/oso/internal/infrastructure/config"
	"github.com/benwis/oso/internal/infrastructure/database"
	"github.com/benwis/oso/internal/infrastructure/metrics"
	"github.com/benwis/oso/internal/registry"
	"github.com/benwis/oso/internal/repositories"
	"github.com/benwis/oso/internal/repositories/postgres"
	"github.com/benwis/oso/internal/services"
	"github.com/benwis/oso/internal/services/authorization"
	"github.com/benwis/oso/pkg/cache/memorycache"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultEnv = "dev"

func main() {
	// Get environment from ENV variable or use default
	env := os.Getenv("ENV")
	if env == "" {
		env = defaultEnv
	}

	// Initialize configuration
	if err := config.InitConfig(env); err != nil {
		log.Fatalf("Failed to initialize config: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize engine core
	reg := registry.NewTypeRegistry()
	celEngine, err := authorization.NewCELEngine()
	if err != nil {
		log.Fatalf("Failed to create CEL engine: %v", err)
	}
	decider := authorization.NewDecider(authorization.NewResolver(reg, celEngine))

	// Initialize metrics
	collector := metrics.NewCollector()
	exporter := metrics.NewPrometheusExporter(collector)

	// Initialize decision cache
	if cfg.Cache.Enabled {
		decisionCache, err := memorycache.New(&memorycache.Config{
			MaxSizeBytes:  cfg.Cache.MaxMemoryBytes,
			DefaultTTL:    cfg.Cache.TTL(),
			EnableMetrics: cfg.Cache.Metrics,
		})
		if err != nil {
			log.Fatalf("Failed to create decision cache: %v", err)
		}
		decider.WithCache(decisionCache, cfg.Cache.TTL())
		collector.SetCache(decisionCache)
		log.Printf("Decision cache enabled: max %d bytes, TTL %s", cfg.Cache.MaxMemoryBytes, cfg.Cache.TTL())
	}

	// Connect to the policy store when configured
	var repo repositories.PolicyRepository
	var pg *database.Postgres
	if cfg.Database.Enabled {
		pg, err = database.NewPostgres(&cfg.Database)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer pg.Close()
		repo = postgres.NewPostgresPolicyRepository(pg.DB)

		log.Printf("Connected to policy store: %s@%s:%d/%s",
			cfg.Database.User,
			cfg.Database.Host,
			cfg.Database.Port,
			cfg.Database.Database)
	}

	// Initialize policy service
	policyService, err := services.NewPolicyService(reg, celEngine, repo)
	if err != nil {
		log.Fatalf("Failed to create policy service: %v", err)
	}
	policyService.SetReloadHook(func(rb *entities.RuleBase) {
		collector.RecordReload(rb.Len())
		exporter.RecordReload()
		log.Printf("Policy activated: generation=%s rules=%d", rb.Generation(), rb.Len())
	})

	// Load the initial policy: store first, file as fallback
	ctx := context.Background()
	if repo != nil {
		if err := policyService.LoadFromStore(ctx); err != nil {
			log.Fatalf("Failed to load policy from store: %v", err)
		}
	}
	if policyService.ActiveRuleBase().Len() == 0 && cfg.Policy.Path != "" {
		if _, err := os.Stat(cfg.Policy.Path); err == nil {
			if err := policyService.LoadFiles(cfg.Policy.Path); err != nil {
				log.Fatalf("Failed to load policy file %s: %v", cfg.Policy.Path, err)
			}
		} else {
			log.Printf("Policy file %s not found, starting with an empty policy", cfg.Policy.Path)
		}
	}

	// Watch the policy file for changes
	if cfg.Policy.Watch && cfg.Policy.Path != "" {
		if _, err := os.Stat(cfg.Policy.Path); err == nil {
			stopWatch, err := policyService.WatchFile(cfg.Policy.Path)
			if err != nil {
				log.Fatalf("Failed to watch policy file: %v", err)
			}
			defer stopWatch()
			log.Printf("Watching policy file: %s", cfg.Policy.Path)
		}
	}

	// Follow store notifications so every replica converges on writes
	if cfg.Database.Enabled {
		listener := database.NewPolicyListener(cfg.Database.ConnectionString(), func(generation string) {
			if err := policyService.LoadFromStore(context.Background()); err != nil {
				log.Printf("Failed to reload policy %s from store: %v", generation, err)
			}
		})
		if err := listener.Start(); err != nil {
			log.Fatalf("Failed to start policy listener: %v", err)
		}
		defer listener.Stop()
	}

	// Register HTTP routes
	mux := http.NewServeMux()
	handlers.NewAuthorizationHandler(decider, policyService, reg, collector, exporter, cfg.Policy.AllowWildcard).Register(mux)
	handlers.NewPolicyHandler(policyService).Register(mux)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      metrics.Middleware(collector, exporter, mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	// Start Prometheus metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler: metricsMux,
	}
	go func() {
		log.Printf("Metrics server listening on :%d", cfg.Server.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Metrics server error: %v", err)
		}
	}()

	// Periodically push collector gauges to Prometheus
	updateDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				exporter.Update()
			case <-updateDone:
				return
			}
		}
	}()

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		log.Printf("HTTP server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrors <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	// Wait for shutdown signal or server error
	select {
	case err := <-serverErrors:
		log.Fatalf("Server error: %v", err)
	case sig := <-sigChan:
		log.Printf("Received signal: %v", sig)
		log.Println("Initiating graceful shutdown...")

		close(updateDone)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Shutdown error: %v", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Metrics server shutdown error: %v", err)
		}

		log.Println("Shutdown complete")
	}
}
