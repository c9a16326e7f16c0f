package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/mailgate/internal/admission"
	"github.com/ignite/mailgate/internal/config"
	"github.com/ignite/mailgate/internal/pkg/logger"
	"github.com/ignite/mailgate/internal/provider"
	"github.com/ignite/mailgate/internal/queue"
	"github.com/ignite/mailgate/internal/repository/postgres"
	suppsvc "github.com/ignite/mailgate/internal/service/suppression"
	"github.com/ignite/mailgate/internal/storage"
	"github.com/ignite/mailgate/internal/suppression"
	"github.com/ignite/mailgate/internal/worker"
)

func main() {
	cfg, err := config.LoadFromEnv(configPath())
	if err != nil {
		logger.Error("loading config failed", "error", err.Error())
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		logger.Error("opening database failed", "error", err.Error())
		os.Exit(1)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetimeMins) * time.Minute)
	if err := pingDB(ctx, db); err != nil {
		logger.Error("database unreachable", "error", err.Error())
		os.Exit(1)
	}

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		logger.Error("parsing redis url failed", "error", err.Error())
		os.Exit(1)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	q := queue.New(rdb, queue.Config{
		Name:       cfg.Queue.Name,
		Lease:      cfg.Queue.Lease(),
		PayloadTTL: cfg.Queue.JobTTL(),
	})

	outboxRepo := postgres.NewOutboxRepo(db)
	dlqRepo := postgres.NewDLQRepo(db)
	companyRepo := postgres.NewCompanyRepo(db)
	domainRepo := postgres.NewDomainRepo(db)
	providerRepo := postgres.NewProviderConfigRepo(db)
	suppressionRepo := postgres.NewSuppressionRepo(db)

	var bodies worker.BodyStore
	if cfg.Storage.S3Bucket != "" {
		st, err := storage.New(ctx, cfg.Storage.S3Bucket, cfg.Storage.AWSRegion)
		if err != nil {
			logger.Error("body store init failed", "error", err.Error())
			os.Exit(1)
		}
		bodies = st
	} else {
		bodies = storage.Disabled{}
	}

	engine := suppression.NewEngine()
	suppSvc := suppsvc.NewService(suppressionRepo, engine)
	go engine.Run(ctx, suppressionRepo, cfg.Suppression.RefreshInterval())

	limiter := admission.NewLimiter(rdb, 0)
	gate := admission.NewGate(companyRepo, domainRepo, suppSvc, limiter)

	factory := provider.NewFactory(provider.GuardConfig{
		Timeout:       cfg.Provider.SendTimeout(),
		OpenThreshold: uint32(cfg.Provider.CircuitOpenThreshold),
		Cooldown:      cfg.Provider.CircuitCooldown(),
		SendRate:      cfg.Provider.DefaultMaxSendRate,
	}, provider.SESEnv{
		AccessKey: cfg.SES.AccessKey,
		SecretKey: cfg.SES.SecretKey,
		Region:    cfg.SES.Region,
	})

	pipeline := worker.NewPipeline(outboxRepo, dlqRepo, companyRepo, providerRepo,
		gate, bodies, q, &worker.FactorySender{Factory: factory},
		worker.PipelineConfig{
			MaxAttempts: cfg.Queue.MaxAttempts,
			BaseDelay:   cfg.Queue.BaseDelay(),
			MaxDelay:    cfg.Queue.MaxDelay(),
			Jitter:      cfg.Queue.JitterFactor,
			DLQTTL:      cfg.Queue.DLQTTL(),
		})

	rt := worker.NewRuntime(q, pipeline, worker.RuntimeConfig{
		Concurrency:           cfg.Queue.Concurrency,
		MaxJobsPerTenantBatch: cfg.Queue.MaxJobsPerTenantBatch,
		Lease:                 cfg.Queue.Lease(),
		DrainTimeout:          cfg.Queue.DrainTimeout(),
	})

	obs := observabilityServer(cfg.Server.GetHost(), cfg.Server.MetricsPort, db, q)
	go func() {
		if err := obs.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics listener failed", "error", err.Error())
		}
	}()

	logger.Info("worker starting",
		"queue", cfg.Queue.Name,
		"concurrency", cfg.Queue.Concurrency,
		"max_attempts", cfg.Queue.MaxAttempts,
		"metrics_port", cfg.Server.MetricsPort)
	rt.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := obs.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics listener shutdown incomplete", "error", err.Error())
	}
	logger.Info("worker stopped")
}

// observabilityServer exposes /metrics and /healthz for the worker process.
func observabilityServer(host string, port int, db *sql.DB, q *queue.Queue) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		checks := map[string]string{"database": "ok", "queue": "ok"}
		healthy := true
		if err := db.PingContext(ctx); err != nil {
			checks["database"] = err.Error()
			healthy = false
		}
		if err := q.Ping(ctx); err != nil {
			checks["queue"] = err.Error()
			healthy = false
		}
		status := http.StatusOK
		state := "healthy"
		if !healthy {
			status = http.StatusServiceUnavailable
			state = "degraded"
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]any{"status": state, "checks": checks})
	})
	return &http.Server{
		Addr:              fmt.Sprintf("%s:%d", host, port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func configPath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "config/config.yaml"
}

func pingDB(ctx context.Context, db *sql.DB) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(pingCtx)
}
