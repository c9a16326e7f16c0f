package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/mailgate/internal/admission"
	"github.com/ignite/mailgate/internal/api"
	"github.com/ignite/mailgate/internal/audit"
	"github.com/ignite/mailgate/internal/config"
	"github.com/ignite/mailgate/internal/dkim"
	"github.com/ignite/mailgate/internal/domain"
	"github.com/ignite/mailgate/internal/pkg/logger"
	"github.com/ignite/mailgate/internal/queue"
	"github.com/ignite/mailgate/internal/repository/postgres"
	"github.com/ignite/mailgate/internal/sanitize"
	"github.com/ignite/mailgate/internal/secrets"
	"github.com/ignite/mailgate/internal/service/email"
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

	db := mustOpenDB(ctx, cfg)
	defer db.Close()

	rdb := mustOpenRedis(ctx, cfg)
	defer rdb.Close()

	q := queue.New(rdb, queue.Config{
		Name:       cfg.Queue.Name,
		Lease:      cfg.Queue.Lease(),
		PayloadTTL: cfg.Queue.JobTTL(),
	})

	outboxRepo := postgres.NewOutboxRepo(db)
	companyRepo := postgres.NewCompanyRepo(db)
	domainRepo := postgres.NewDomainRepo(db)
	suppressionRepo := postgres.NewSuppressionRepo(db)
	dlqRepo := postgres.NewDLQRepo(db)
	auditRepo := postgres.NewAuditRepo(db)

	fiscalCipher := mustCipher(ctx, cfg.Security.FiscalKey, cfg.Security.FiscalKeySecretID, cfg.Security.AWSRegion, "fiscal")
	dkimCipher := mustCipher(ctx, cfg.Security.DKIMKey, cfg.Security.DKIMKeySecretID, cfg.Security.AWSRegion, "dkim")

	var bodies email.BodyStore
	if cfg.Storage.S3Bucket != "" {
		st, err := storage.New(ctx, cfg.Storage.S3Bucket, cfg.Storage.AWSRegion)
		if err != nil {
			logger.Error("body store init failed", "error", err.Error())
			os.Exit(1)
		}
		bodies = st
	} else {
		logger.Warn("no S3 bucket configured, large bodies and attachments will be refused")
		bodies = storage.Disabled{}
	}

	engine := suppression.NewEngine()
	suppSvc := suppsvc.NewService(suppressionRepo, engine)
	go engine.Run(ctx, suppressionRepo, cfg.Suppression.RefreshInterval())

	limiter := admission.NewLimiter(rdb, 0)
	gate := admission.NewGate(companyRepo, domainRepo, suppSvc, limiter)

	emailSvc := email.NewService(outboxRepo, q, bodies, gate, sanitize.NewHTMLPolicy(), fiscalCipher, email.ServiceConfig{
		InlineHTMLMax:  cfg.Ingestion.InlineHTMLMaxBytes,
		MaxHTMLBytes:   int(cfg.Ingestion.MaxBodyBytes),
		IdempotencyTTL: cfg.Ingestion.IdempotencyTTL(),
		JobTTL:         cfg.Queue.JobTTL(),
	})

	monitor := worker.NewMonitor(q, int64(cfg.Queue.MaxQueueDepth), 0)
	go monitor.Run(ctx)

	breakGlass, err := audit.New(auditRepo, cfg.Audit.SigningKey, cfg.Audit.SessionMax())
	if err != nil {
		logger.Error("break-glass init failed", "error", err.Error())
		os.Exit(1)
	}

	verifier := dkim.NewVerifier(domainRepo, nil, dkim.VerifierConfig{
		LookupTimeout: cfg.Domains.DNSTimeout(),
	})
	go verifier.Run(ctx, cfg.Domains.CheckInterval())

	var publisher api.DKIMPublisher
	if cfg.Domains.PublishRoute53 && cfg.Domains.Route53ZoneID != "" {
		p, err := dkim.NewPublisher(ctx, cfg.Domains.Route53ZoneID, cfg.Security.AWSRegion)
		if err != nil {
			logger.Error("route53 publisher init failed", "error", err.Error())
			os.Exit(1)
		}
		publisher = p
	}

	replayer := worker.NewReplayer(dlqRepo, outboxRepo, q, worker.ReplayConfig{
		JobTTL: cfg.Queue.JobTTL(),
	})

	srv := api.NewServer(api.Deps{
		Email:       emailSvc,
		Gate:        gate,
		Pressure:    monitor,
		BreakGlass:  breakGlass,
		Companies:   companyRepo,
		Domains:     domainRepo,
		DomainCheck: verifier,
		DKIM: func() (api.KeyMaterial, error) {
			return dkim.Generate(dkimCipher, "")
		},
		Publisher:   publisher,
		Events:      outboxRepo,
		Suppression: suppSvc,
		DLQ:         dlqRepo,
		Replayer:    replayer,
		DBPing:      db.PingContext,
		QueuePing:   q.Ping,
		AdminToken:  cfg.Security.AdminToken,
		DefaultRateCaps: domain.RateCaps{
			PerMinute: cfg.Limits.RatePerMinute,
			PerHour:   cfg.Limits.RatePerHour,
			PerDay:    cfg.Limits.RatePerDay,
		},
		DefaultSendingCaps: domain.SendingCaps{
			Daily:   cfg.Limits.DailyEmailCap,
			Monthly: cfg.Limits.MonthlyEmailCap,
		},
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(cfg.Server.GetHost(), cfg.Server.Port)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err.Error())
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Queue.DrainTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err.Error())
	}
	logger.Info("server stopped")
}

func configPath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "config/config.yaml"
}

func mustOpenDB(ctx context.Context, cfg *config.Config) *sql.DB {
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		logger.Error("opening database failed", "error", err.Error())
		os.Exit(1)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetimeMins) * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		logger.Error("database unreachable", "error", err.Error())
		os.Exit(1)
	}
	return db
}

func mustOpenRedis(ctx context.Context, cfg *config.Config) *redis.Client {
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		logger.Error("parsing redis url failed", "error", err.Error())
		os.Exit(1)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Error("redis unreachable", "error", err.Error())
		os.Exit(1)
	}
	return rdb
}

// mustCipher builds the versioned cipher for one concern, preferring the
// Secrets Manager ring over a static env key.
func mustCipher(ctx context.Context, staticKey, secretID, region, concern string) *secrets.Cipher {
	var src secrets.Source
	switch {
	case secretID != "":
		aws, err := secrets.NewAWSSource(ctx, region)
		if err != nil {
			logger.Error("secrets manager init failed", "concern", concern, "error", err.Error())
			os.Exit(1)
		}
		src = aws
	case staticKey != "":
		src = &secrets.StaticSource{Key: staticKey}
	default:
		logger.Error("no encryption key configured", "concern", concern)
		os.Exit(1)
	}
	ring, err := src.Load(ctx, secretID)
	if err != nil {
		logger.Error("loading key ring failed", "concern", concern, "error", err.Error())
		os.Exit(1)
	}
	c, err := secrets.NewCipher(ring)
	if err != nil {
		logger.Error("cipher init failed", "concern", concern, "error", err.Error())
		os.Exit(1)
	}
	return c
}
