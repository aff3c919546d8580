// renderd is the render service daemon: it serves the job control API,
// runs the worker pool that drives renders through ffmpeg, publishes
// finished artifacts and exposes Prometheus metrics.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/psantana5/renderflow/pkg/api"
	"github.com/psantana5/renderflow/pkg/auth"
	"github.com/psantana5/renderflow/pkg/cleanup"
	"github.com/psantana5/renderflow/pkg/config"
	"github.com/psantana5/renderflow/pkg/executor"
	"github.com/psantana5/renderflow/pkg/logging"
	"github.com/psantana5/renderflow/pkg/metrics"
	"github.com/psantana5/renderflow/pkg/models"
	"github.com/psantana5/renderflow/pkg/publisher"
	"github.com/psantana5/renderflow/pkg/queue"
	"github.com/psantana5/renderflow/pkg/ratelimit"
	"github.com/psantana5/renderflow/pkg/render"
	"github.com/psantana5/renderflow/pkg/retry"
	"github.com/psantana5/renderflow/pkg/shutdown"
	"github.com/psantana5/renderflow/pkg/store"
	tlsutil "github.com/psantana5/renderflow/pkg/tls"
	"github.com/psantana5/renderflow/pkg/tracing"
)

// version is overridden at build time via -ldflags
var version = "dev"

func main() {
	cfgFile := flag.String("config", "", "Config file path (default: search for renderflow.yaml)")
	port := flag.String("port", "", "Override the configured API port")
	flag.Parse()

	cfg, err := config.Load(*cfgFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *port != "" {
		cfg.Server.Port = *port
	}

	logger := logging.NewLogger(logging.ParseLevel(cfg.Server.LogLevel), cfg.Server.LogJSON)
	logger.Info("[Main] Starting renderd", map[string]interface{}{
		"version": version,
		"port":    cfg.Server.Port,
		"store":   cfg.Store.Type,
		"workers": cfg.Queue.Workers,
	})

	shutdownMgr := shutdown.New(60 * time.Second)

	// Tracing first so everything downstream picks up the global provider
	tp, err := tracing.InitTracer(tracing.Config{
		ServiceName:    "renderd",
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		logger.Fatal("[Main] Failed to initialize tracing", map[string]interface{}{"error": err.Error()})
	}
	shutdownMgr.Register("tracing", tp.Shutdown)

	st, err := store.NewStore(store.Config{
		Type:     cfg.Store.Type,
		Path:     cfg.Store.Path,
		DSN:      cfg.Store.DSN,
		Addr:     cfg.Store.Addr,
		Password: cfg.Store.Password,
		DB:       cfg.Store.DB,
	})
	if err != nil {
		logger.Fatal("[Main] Failed to open job store", map[string]interface{}{"error": err.Error()})
	}
	shutdownMgr.Register("store", shutdown.CloseResource(st, "job store"))

	q := queue.NewQueue(st, logger)

	exec := executor.NewFFmpeg(cfg.Render.FFmpegPath, models.TimeoutPolicy{
		Floor:  cfg.Render.TimeoutFloor,
		Factor: cfg.Render.TimeoutFactor,
	}, logger)

	pub, err := buildPublisher(cfg, logger)
	if err != nil {
		logger.Fatal("[Main] Failed to configure publisher", map[string]interface{}{"error": err.Error()})
	}

	pipeline := render.NewPipeline(exec, pub, st, render.Config{
		SceneWorkers: cfg.Render.SceneWorkers,
		WorkRoot:     cfg.Render.WorkRoot,
	}, logger)

	retryPolicy := models.DefaultRetryPolicy()
	if cfg.Queue.MaxAttempts > 0 {
		retryPolicy.MaxAttempts = cfg.Queue.MaxAttempts
	}
	if cfg.Queue.InitialBackoff > 0 {
		retryPolicy.InitialBackoff = cfg.Queue.InitialBackoff
	}
	if cfg.Queue.MaxBackoff > 0 {
		retryPolicy.MaxBackoff = cfg.Queue.MaxBackoff
	}

	pool := queue.NewWorkerPool(st, pipeline, queue.PoolConfig{
		Workers:      cfg.Queue.Workers,
		PollInterval: cfg.Queue.PollInterval,
		DrainTimeout: cfg.Queue.DrainTimeout,
		Retry:        retryPolicy,
	}, logger)
	q.AttachCanceller(pool)

	recovery := queue.NewRecoveryManager(st, pool, queue.RecoveryConfig{
		SweepInterval: cfg.Recovery.SweepInterval,
		OrphanGrace:   cfg.Recovery.OrphanGrace,
	}, logger)

	// Requeue jobs a previous process left in processing before workers start
	if n, err := recovery.RecoverOnStartup(); err != nil {
		logger.Error("[Main] Startup recovery failed", map[string]interface{}{"error": err.Error()})
	} else if n > 0 {
		logger.Info("[Main] Requeued orphaned jobs from previous run", map[string]interface{}{"count": n})
	}

	pool.Start()
	shutdownMgr.Register("worker pool", func(ctx context.Context) error {
		pool.Stop()
		return nil
	})

	recovery.Start()
	shutdownMgr.Register("recovery", func(ctx context.Context) error {
		recovery.Stop()
		return nil
	})

	cleaner := cleanup.NewManager(cleanup.Config{
		Enabled:          cfg.Cleanup.Enabled,
		JobRetentionDays: cfg.Cleanup.RetentionDays,
		CleanupInterval:  cfg.Cleanup.Interval,
		VacuumInterval:   cfg.Cleanup.VacuumInterval,
		WorkRoot:         cfg.Render.WorkRoot,
		WorkDirMaxAge:    cfg.Cleanup.WorkDirMaxAge,
	}, st, logger)
	cleaner.Start()
	shutdownMgr.Register("cleanup", func(ctx context.Context) error {
		cleaner.Stop()
		return nil
	})

	router := mux.NewRouter()

	if cfg.Tracing.Enabled {
		router.Use(tracing.HTTPMiddleware(tp))
	}

	var httpStats *metrics.HTTPStats
	if cfg.Server.MetricsEnabled {
		httpStats = metrics.NewHTTPStats()
		router.Use(httpStats.Middleware)
	}

	var limiters []*ratelimit.Limiter
	if cfg.RateLimit.GlobalRPS > 0 {
		global := ratelimit.NewLimiter(cfg.RateLimit.GlobalRPS, cfg.RateLimit.GlobalBurst)
		router.Use(global.Middleware(ratelimit.IPKeyFunc))
		limiters = append(limiters, global)
		logger.Info("[Main] Global rate limit enabled", map[string]interface{}{
			"rps":   cfg.RateLimit.GlobalRPS,
			"burst": cfg.RateLimit.GlobalBurst,
		})
	}

	if cfg.Server.APIKey != "" {
		router.Use(auth.Middleware(auth.StaticKey(cfg.Server.APIKey)))
		logger.Info("[Main] API authentication enabled", nil)
	} else {
		logger.Warn("[Main] No API key configured, authentication disabled", nil)
	}

	handler := api.NewRenderHandler(q, st, logger)
	if cfg.RateLimit.EnqueuePerMinute > 0 {
		enqueueLimiter := ratelimit.NewLimiter(cfg.RateLimit.EnqueuePerMinute/60.0, cfg.RateLimit.EnqueueBurst)
		handler = api.NewRenderHandlerWithLimiter(q, st, logger, enqueueLimiter)
		limiters = append(limiters, enqueueLimiter)
		logger.Info("[Main] Per-user enqueue rate limit enabled", map[string]interface{}{
			"perMinute": cfg.RateLimit.EnqueuePerMinute,
			"burst":     cfg.RateLimit.EnqueueBurst,
		})
	}
	handler.RegisterRoutes(router)

	if len(limiters) > 0 {
		go limiterJanitor(shutdownMgr.Done(), limiters)
	}

	if cfg.Server.MetricsEnabled {
		collector := metrics.NewCollector(st)
		collector.AttachPool(pool)

		metricsRouter := mux.NewRouter()
		metricsRouter.Handle("/metrics", collector).Methods("GET")
		metricsRouter.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"healthy"}`))
		}).Methods("GET")

		metricsSrv := &http.Server{
			Addr:         ":" + cfg.Server.MetricsPort,
			Handler:      metricsRouter,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		shutdownMgr.Register("metrics server", shutdown.StopHTTPServer(metricsSrv, "metrics"))

		go func() {
			logger.Info("[Main] Metrics server listening", map[string]interface{}{
				"port": cfg.Server.MetricsPort,
			})
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("[Main] Metrics server error", map[string]interface{}{"error": err.Error()})
			}
		}()
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	useTLS := cfg.Server.TLSEnabled
	if useTLS {
		generated, err := tlsutil.EnsureServerCert(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile, "renderd")
		if err != nil {
			logger.Fatal("[Main] Failed to provision TLS certificate", map[string]interface{}{"error": err.Error()})
		}
		if generated {
			logger.Warn("[Main] Generated self-signed TLS certificate", map[string]interface{}{
				"cert": cfg.Server.TLSCertFile,
			})
		}

		tlsConfig, err := tlsutil.LoadServerTLSConfig(
			cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile,
			cfg.Server.TLSCAFile, cfg.Server.TLSClientAuth,
		)
		if err != nil {
			logger.Fatal("[Main] Failed to load TLS config", map[string]interface{}{"error": err.Error()})
		}
		srv.TLSConfig = tlsConfig
	} else {
		logger.Warn("[Main] TLS disabled, API served in plaintext", nil)
	}

	shutdownMgr.Register("api server", shutdown.StopHTTPServer(srv, "api"))

	go func() {
		logger.Info("[Main] API listening", map[string]interface{}{
			"port": cfg.Server.Port,
			"tls":  useTLS,
		})
		log.Println("API endpoints:")
		log.Println("  POST   /render/queue")
		log.Println("  GET    /render/status/{jobId}")
		log.Println("  DELETE /render/cancel/{jobId}")
		log.Println("  GET    /render/jobs?userId=<id>")
		log.Println("  GET    /render/queue/stats")
		log.Println("  GET    /render/presets")
		log.Println("  GET    /health")

		var serveErr error
		if useTLS {
			serveErr = srv.ListenAndServeTLS("", "")
		} else {
			serveErr = srv.ListenAndServe()
		}
		if serveErr != nil && serveErr != http.ErrServerClosed {
			logger.Fatal("[Main] API server failed", map[string]interface{}{"error": serveErr.Error()})
		}
	}()

	shutdownMgr.Wait()
	logger.Info("[Main] Shutting down", nil)
	shutdownMgr.Shutdown()
	logger.Info("[Main] Stopped", nil)
}

// buildPublisher selects the artifact backend from configuration
func buildPublisher(cfg *config.Config, logger *logging.Logger) (publisher.Publisher, error) {
	switch cfg.Publisher.Type {
	case "local", "":
		return publisher.NewLocalPublisher(cfg.Publisher.LocalDir, cfg.Publisher.LocalBaseURL, logger)
	case "s3":
		return publisher.NewS3Publisher(context.Background(), publisher.S3Config{
			Endpoint:        cfg.Publisher.S3Endpoint,
			Region:          cfg.Publisher.S3Region,
			Bucket:          cfg.Publisher.S3Bucket,
			AccessKeyID:     cfg.Publisher.S3AccessKeyID,
			SecretAccessKey: cfg.Publisher.S3SecretAccessKey,
			PublicBaseURL:   cfg.Publisher.S3PublicBaseURL,
			PresignExpiry:   cfg.Publisher.S3PresignExpiry,
			Retry:           retry.DefaultConfig(),
		}, logger)
	default:
		return nil, fmt.Errorf("unknown publisher type %q", cfg.Publisher.Type)
	}
}

// limiterJanitor drops idle rate limit buckets until shutdown
func limiterJanitor(done <-chan struct{}, limiters []*ratelimit.Limiter) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			for _, l := range limiters {
				l.Cleanup(30 * time.Minute)
			}
		}
	}
}
