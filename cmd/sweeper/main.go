package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/mailgate/internal/admission"
	"github.com/ignite/mailgate/internal/config"
	"github.com/ignite/mailgate/internal/pkg/distlock"
	"github.com/ignite/mailgate/internal/pkg/logger"
	"github.com/ignite/mailgate/internal/queue"
	"github.com/ignite/mailgate/internal/repository/postgres"
	"github.com/ignite/mailgate/internal/storage"
	"github.com/ignite/mailgate/internal/sweep"
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

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		cancel()
		logger.Error("database unreachable", "error", err.Error())
		os.Exit(1)
	}
	cancel()

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

	var archive sweep.Archiver
	if cfg.Storage.S3Bucket != "" {
		st, err := storage.New(ctx, cfg.Storage.S3Bucket, cfg.Storage.AWSRegion)
		if err != nil {
			logger.Error("archive store init failed", "error", err.Error())
			os.Exit(1)
		}
		archive = st
	} else {
		logger.Warn("no S3 bucket configured, expired dead letters cannot be archived")
		archive = storage.Disabled{}
	}

	lock := distlock.NewLock(rdb, db, "mailgate:sweeper", 2*cfg.Sweeper.Interval())

	s := sweep.New(
		postgres.NewOutboxRepo(db),
		postgres.NewSweepRepo(db),
		postgres.NewDLQRepo(db),
		archive,
		q,
		postgres.NewCompanyRepo(db),
		admission.NewLimiter(rdb, 0),
		lock,
		sweep.Config{
			Interval:            cfg.Sweeper.Interval(),
			PendingRequeueAfter: cfg.Sweeper.PendingRequeueAfter(),
			JobTTL:              cfg.Queue.JobTTL(),
			DLQTTL:              cfg.Queue.DLQTTL(),
			DLQMaxSize:          cfg.Queue.DLQMaxSize,
			PseudonymizeAfter:   cfg.Retention.PseudonymizeAfter(),
			HardDeleteAfter:     cfg.Retention.HardDeleteAfter(),
		})

	logger.Info("sweeper starting", "interval", cfg.Sweeper.Interval().String())
	s.Run(ctx)
	logger.Info("sweeper stopped")
}

func configPath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "config/config.yaml"
}
