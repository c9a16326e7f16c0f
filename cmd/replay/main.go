package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/mailgate/internal/config"
	"github.com/ignite/mailgate/internal/pkg/logger"
	"github.com/ignite/mailgate/internal/queue"
	"github.com/ignite/mailgate/internal/repository/postgres"
	"github.com/ignite/mailgate/internal/worker"
)

// Operator CLI for draining the dead-letter queue back into the work queue,
// typically after the outage that produced the dead letters is resolved.
func main() {
	var (
		companyID = flag.String("company", "", "limit to one company id")
		code      = flag.String("code", "", "limit to one failure code (e.g. PROVIDER_SERVICE_UNAVAILABLE)")
		sinceRaw  = flag.String("since", "", "only entries dead-lettered at or after this RFC 3339 time")
		limit     = flag.Int("limit", 0, "max entries to replay (0 = all matching)")
		perSecond = flag.Float64("rate", 1, "replays per second")
	)
	flag.Parse()

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

	f := postgres.DLQFilter{
		CompanyID: *companyID,
		Code:      *code,
		Limit:     *limit,
	}
	if *sinceRaw != "" {
		t, err := time.Parse(time.RFC3339, *sinceRaw)
		if err != nil {
			logger.Error("invalid -since value, want RFC 3339", "value", *sinceRaw)
			os.Exit(1)
		}
		f.Since = &t
	}

	replayer := worker.NewReplayer(
		postgres.NewDLQRepo(db),
		postgres.NewOutboxRepo(db),
		q,
		worker.ReplayConfig{PerSecond: *perSecond, JobTTL: cfg.Queue.JobTTL()},
	)

	report, err := replayer.Replay(ctx, f)
	if err != nil {
		logger.Error("replay failed", "error", err.Error())
		os.Exit(1)
	}

	fmt.Printf("matched:  %d\nreplayed: %d\nskipped:  %d\naborted:  %v\n",
		report.Matched, report.Replayed, report.Skipped, report.Aborted)
	if report.Aborted {
		os.Exit(1)
	}
}

func configPath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "config/config.yaml"
}
