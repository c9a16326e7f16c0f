package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/mailgate/internal/pkg/logger"
)

// Sentinel errors for queue consumers.
var (
	// ErrEmpty means the chosen tenant had no ready job.
	ErrEmpty = errors.New("queue: no job available")

	// ErrBackpressure maps Redis refusing writes under maxmemory/noeviction.
	// Ingestion turns it into a 503 with Retry-After.
	ErrBackpressure = errors.New("queue: backing store refusing writes")
)

const (
	// DefaultName prefixes every queue key.
	DefaultName = "email:send"

	// DefaultLease is how long a claimed job stays invisible before the
	// reaper hands it to another worker.
	DefaultLease = 60 * time.Second

	// defaultPayloadTTL is a safety net on payload keys, comfortably past
	// the 24 h job TTL plus the retry horizon. Logical expiry runs off the
	// envelope's expiresAt, never off Redis eviction.
	defaultPayloadTTL = 48 * time.Hour

	// priorityBand separates the priority digit from the enqueue timestamp
	// inside a ready-set score: score = priority*priorityBand + enqueuedMs.
	// Oldest-first within a priority, most-urgent priority first.
	priorityBand = 1e13
)

// Config tunes a Queue. Zero values take the defaults above.
type Config struct {
	Name       string
	Lease      time.Duration
	PayloadTTL time.Duration
}

// Queue is the Redis-backed job queue: one ready set per tenant, a rotation
// set ordering tenants by effective priority, a delayed set for retries, and
// a processing set holding lease deadlines. All multi-key transitions run as
// Lua so delivery stays at-least-once with no lost-update windows.
type Queue struct {
	rdb        *redis.Client
	name       string
	lease      time.Duration
	payloadTTL time.Duration
	now        func() time.Time
}

func New(rdb *redis.Client, cfg Config) *Queue {
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	if cfg.Lease <= 0 {
		cfg.Lease = DefaultLease
	}
	if cfg.PayloadTTL <= 0 {
		cfg.PayloadTTL = defaultPayloadTTL
	}
	return &Queue{
		rdb:        rdb,
		name:       cfg.Name,
		lease:      cfg.Lease,
		payloadTTL: cfg.PayloadTTL,
		now:        time.Now,
	}
}

func (q *Queue) tenantsKey() string            { return q.name + ":tenants" }
func (q *Queue) readyKey(companyID string) string { return q.name + ":jobs:" + companyID }
func (q *Queue) payloadPrefix() string         { return q.name + ":job:" }
func (q *Queue) payloadKey(jobID string) string { return q.payloadPrefix() + jobID }
func (q *Queue) delayedKey() string            { return q.name + ":delayed" }
func (q *Queue) processingKey() string         { return q.name + ":processing" }
func (q *Queue) fairKey(companyID string) string { return q.name + ":fair:" + companyID }

// enqueueScript stores the payload and registers the job under its tenant.
// The effective priority folds in the tenant's starvation rounds:
// max(1, base - rounds).
var enqueueScript = redis.NewScript(`
local rounds = tonumber(redis.call('HGET', KEYS[4], 'rounds_without_processing') or '0')
local prio = tonumber(ARGV[4]) - rounds
if prio < 1 then prio = 1 end
redis.call('SET', KEYS[1], ARGV[1], 'EX', tonumber(ARGV[2]))
redis.call('ZADD', KEYS[2], prio * 1e13 + tonumber(ARGV[5]), ARGV[3])
redis.call('ZADD', KEYS[3], prio, ARGV[6])
redis.call('HSET', KEYS[4], 'current_priority', prio)
return prio
`)

// Enqueue makes a job visible to workers. The envelope must already carry
// its TTL; callers validate size through Envelope.Marshal.
func (q *Queue) Enqueue(ctx context.Context, env *Envelope) error {
	payload, err := env.Marshal()
	if err != nil {
		return err
	}
	prio := env.Priority
	if prio < MinPriority || prio > MaxPriority {
		prio = DefaultPriority
	}
	err = enqueueScript.Run(ctx, q.rdb,
		[]string{q.payloadKey(env.JobID), q.readyKey(env.CompanyID), q.tenantsKey(), q.fairKey(env.CompanyID)},
		payload, int(q.payloadTTL.Seconds()), env.JobID, prio, q.nowMs(), env.CompanyID,
	).Err()
	if err != nil {
		return q.wrap("enqueue", err)
	}
	return nil
}

// EnqueueDelayed parks a job until readyAt; the promoter moves it to its
// tenant's ready set once due.
func (q *Queue) EnqueueDelayed(ctx context.Context, env *Envelope, readyAt time.Time) error {
	payload, err := env.Marshal()
	if err != nil {
		return err
	}
	pipe := q.rdb.TxPipeline()
	pipe.Set(ctx, q.payloadKey(env.JobID), payload, q.payloadTTL)
	pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(readyAt.UnixMilli()), Member: env.JobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return q.wrap("enqueue delayed", err)
	}
	return nil
}

// Candidates returns up to limit tenants with ready jobs, most urgent
// effective priority first.
func (q *Queue) Candidates(ctx context.Context, limit int) ([]string, error) {
	out, err := q.rdb.ZRange(ctx, q.tenantsKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("queue candidates: %w", err)
	}
	return out, nil
}

// popScript atomically takes the oldest most-urgent job of one tenant,
// moves it under lease, and updates the fairness record. ARGV[5] is "1"
// when the worker is continuing a batch from the same tenant.
var popScript = redis.NewScript(`
local popped = redis.call('ZPOPMIN', KEYS[1])
if #popped == 0 then
	redis.call('ZREM', KEYS[2], ARGV[1])
	return false
end
local jobID = popped[1]
redis.call('ZADD', KEYS[3], tonumber(ARGV[2]) + tonumber(ARGV[3]), jobID)
redis.call('HSET', KEYS[4], 'last_processed_at', ARGV[2], 'rounds_without_processing', 0)
redis.call('HINCRBY', KEYS[4], 'total_processed', 1)
if ARGV[5] == '1' then
	redis.call('HINCRBY', KEYS[4], 'consecutive_batch_count', 1)
else
	redis.call('HSET', KEYS[4], 'consecutive_batch_count', 1)
end
redis.call('HSET', KEYS[4], 'current_priority', tonumber(ARGV[6]))
if redis.call('ZCARD', KEYS[1]) == 0 then
	redis.call('ZREM', KEYS[2], ARGV[1])
else
	redis.call('ZADD', KEYS[2], tonumber(ARGV[6]), ARGV[1])
end
return {jobID, redis.call('GET', ARGV[4] .. jobID)}
`)

// Pop claims one job from the given tenant under a lease. sameBatch marks a
// consecutive pop by the same worker for the fairness record. Returns
// ErrEmpty when the tenant has nothing ready.
func (q *Queue) Pop(ctx context.Context, companyID string, sameBatch bool) (*Envelope, error) {
	batch := "0"
	if sameBatch {
		batch = "1"
	}
	res, err := popScript.Run(ctx, q.rdb,
		[]string{q.readyKey(companyID), q.tenantsKey(), q.processingKey(), q.fairKey(companyID)},
		companyID, q.nowMs(), q.lease.Milliseconds(), q.payloadPrefix(), batch, DefaultPriority,
	).Result()
	if err == redis.Nil {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("queue pop: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) == 0 {
		return nil, ErrEmpty
	}
	jobID, _ := vals[0].(string)

	var payload string
	if len(vals) > 1 {
		payload, _ = vals[1].(string)
	}
	if payload == "" {
		// Payload key lost (safety TTL or manual flush). The outbox row is
		// still authoritative; hand back a bare envelope.
		logger.Warn("queue payload missing for claimed job", "job_id", jobID, "company_id", companyID)
		return &Envelope{JobID: jobID, CompanyID: companyID}, nil
	}
	env, err := Unmarshal([]byte(payload))
	if err != nil {
		logger.Warn("queue payload undecodable", "job_id", jobID, "error", err)
		return &Envelope{JobID: jobID, CompanyID: companyID}, nil
	}
	return env, nil
}

// skipScript bumps a passed-over tenant's starvation counter and promotes
// its rotation score.
var skipScript = redis.NewScript(`
local rounds = redis.call('HINCRBY', KEYS[1], 'rounds_without_processing', 1)
redis.call('HSET', KEYS[1], 'consecutive_batch_count', 0)
local prio = tonumber(ARGV[2]) - rounds
if prio < 1 then prio = 1 end
redis.call('HSET', KEYS[1], 'current_priority', prio)
redis.call('ZADD', KEYS[2], 'XX', prio, ARGV[1])
return prio
`)

// SkipRound records that the worker bypassed these tenants in favor of
// another; each round lowers their effective priority number toward 1.
func (q *Queue) SkipRound(ctx context.Context, companyIDs []string) error {
	for _, id := range companyIDs {
		err := skipScript.Run(ctx, q.rdb,
			[]string{q.fairKey(id), q.tenantsKey()},
			id, DefaultPriority,
		).Err()
		if err != nil && err != redis.Nil {
			return fmt.Errorf("queue skip round: %w", err)
		}
	}
	return nil
}

// Extend pushes a claimed job's lease deadline out; called by the worker's
// heartbeat while an attempt is in flight.
func (q *Queue) Extend(ctx context.Context, jobID string, by time.Duration) error {
	deadline := float64(q.now().Add(by).UnixMilli())
	err := q.rdb.ZAddArgs(ctx, q.processingKey(), redis.ZAddArgs{
		XX:      true,
		Members: []redis.Z{{Score: deadline, Member: jobID}},
	}).Err()
	if err != nil {
		return fmt.Errorf("queue extend lease: %w", err)
	}
	return nil
}

// Ack releases a finished job: lease entry and payload both go away.
func (q *Queue) Ack(ctx context.Context, jobID string) error {
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.processingKey(), jobID)
	pipe.Del(ctx, q.payloadKey(jobID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue ack: %w", err)
	}
	return nil
}

// retryScript moves a claimed job into the delayed set with a fresh payload
// snapshot (attempt counter already advanced by the caller).
var retryScript = redis.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('SET', KEYS[3], ARGV[3], 'EX', tonumber(ARGV[4]))
redis.call('ZADD', KEYS[2], tonumber(ARGV[2]), ARGV[1])
return 1
`)

// Retry schedules a redelivery at readyAt, replacing the stored payload with
// the updated envelope.
func (q *Queue) Retry(ctx context.Context, env *Envelope, readyAt time.Time) error {
	payload, err := env.Marshal()
	if err != nil {
		return err
	}
	err = retryScript.Run(ctx, q.rdb,
		[]string{q.processingKey(), q.delayedKey(), q.payloadKey(env.JobID)},
		env.JobID, readyAt.UnixMilli(), payload, int(q.payloadTTL.Seconds()),
	).Err()
	if err != nil {
		return q.wrap("retry", err)
	}
	return nil
}

// promoteScript moves one due job from the delayed set to its tenant's
// ready set, honoring the tenant's current starvation rounds.
var promoteScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then return 0 end
local rounds = tonumber(redis.call('HGET', KEYS[4], 'rounds_without_processing') or '0')
local prio = tonumber(ARGV[2]) - rounds
if prio < 1 then prio = 1 end
redis.call('ZADD', KEYS[2], prio * 1e13 + tonumber(ARGV[3]), ARGV[1])
redis.call('ZADD', KEYS[3], prio, ARGV[4])
return 1
`)

// PromoteDue moves jobs whose retry delay elapsed back into their tenants'
// ready sets. Returns how many were promoted.
func (q *Queue) PromoteDue(ctx context.Context, limit int) (int, error) {
	due, err := q.rdb.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", q.nowMs()),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("queue promote scan: %w", err)
	}

	promoted := 0
	for _, jobID := range due {
		env, err := q.readPayload(ctx, jobID)
		if err != nil {
			// Payload gone: drop the delayed marker, recovery happens from
			// the outbox side.
			q.rdb.ZRem(ctx, q.delayedKey(), jobID)
			continue
		}
		prio := env.Priority
		if prio < MinPriority || prio > MaxPriority {
			prio = DefaultPriority
		}
		n, err := promoteScript.Run(ctx, q.rdb,
			[]string{q.delayedKey(), q.readyKey(env.CompanyID), q.tenantsKey(), q.fairKey(env.CompanyID)},
			jobID, prio, q.nowMs(), env.CompanyID,
		).Int()
		if err != nil {
			return promoted, fmt.Errorf("queue promote: %w", err)
		}
		promoted += n
	}
	return promoted, nil
}

// requeueScript returns an expired-lease job to its tenant's ready set.
var requeueScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then return 0 end
redis.call('ZADD', KEYS[2], tonumber(ARGV[2]), ARGV[1])
redis.call('ZADD', KEYS[3], tonumber(ARGV[3]), ARGV[4])
return 1
`)

// ReapExpiredLeases makes jobs whose worker died visible again. Returns how
// many leases were reclaimed.
func (q *Queue) ReapExpiredLeases(ctx context.Context, limit int) (int, error) {
	expired, err := q.rdb.ZRangeByScore(ctx, q.processingKey(), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", q.nowMs()),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("queue reap scan: %w", err)
	}

	reaped := 0
	for _, jobID := range expired {
		env, err := q.readPayload(ctx, jobID)
		if err != nil {
			// No payload to redeliver; the outbox sweeper recovers the row.
			q.rdb.ZRem(ctx, q.processingKey(), jobID)
			logger.Warn("reaped lease without payload", "job_id", jobID)
			continue
		}
		prio := env.Priority
		if prio < MinPriority || prio > MaxPriority {
			prio = DefaultPriority
		}
		score := float64(prio)*priorityBand + float64(q.nowMs())
		n, err := requeueScript.Run(ctx, q.rdb,
			[]string{q.processingKey(), q.readyKey(env.CompanyID), q.tenantsKey()},
			jobID, score, prio, env.CompanyID,
		).Int()
		if err != nil {
			return reaped, fmt.Errorf("queue reap: %w", err)
		}
		if n > 0 {
			logger.Info("lease expired, job redelivered", "job_id", jobID, "company_id", env.CompanyID)
			reaped++
		}
	}
	return reaped, nil
}

// ExpiredReady removes ready jobs whose 24 h envelope TTL lapsed before any
// worker claimed them and returns their envelopes so the caller can promote
// them to the DLQ.
func (q *Queue) ExpiredReady(ctx context.Context, perTenant int) ([]*Envelope, error) {
	tenants, err := q.rdb.ZRange(ctx, q.tenantsKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue expired scan: %w", err)
	}

	now := q.now()
	var out []*Envelope
	for _, companyID := range tenants {
		jobIDs, err := q.rdb.ZRange(ctx, q.readyKey(companyID), 0, int64(perTenant-1)).Result()
		if err != nil {
			return out, fmt.Errorf("queue expired scan: %w", err)
		}
		for _, jobID := range jobIDs {
			env, err := q.readPayload(ctx, jobID)
			if err != nil {
				q.rdb.ZRem(ctx, q.readyKey(companyID), jobID)
				continue
			}
			if !env.Expired(now) {
				continue
			}
			pipe := q.rdb.TxPipeline()
			pipe.ZRem(ctx, q.readyKey(companyID), jobID)
			pipe.Del(ctx, q.payloadKey(jobID))
			if _, err := pipe.Exec(ctx); err != nil {
				return out, fmt.Errorf("queue expire remove: %w", err)
			}
			out = append(out, env)
		}
	}
	return out, nil
}

// Stats is the depth snapshot behind the queue gauges. Jobs of tenants
// whose rotation score was boosted below the default count as Prioritized
// rather than Ready, so the two never overlap; Depth is the full backlog a
// drain has to clear.
type Stats struct {
	Ready       int64 `json:"ready"`
	Prioritized int64 `json:"prioritized"`
	Delayed     int64 `json:"delayed"`
	Active      int64 `json:"active"`
	Tenants     int   `json:"tenants"`
}

func (s Stats) Depth() int64 { return s.Ready + s.Prioritized + s.Delayed + s.Active }

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	tenants, err := q.rdb.ZRangeWithScores(ctx, q.tenantsKey(), 0, -1).Result()
	if err != nil {
		return s, fmt.Errorf("queue stats: %w", err)
	}
	s.Tenants = len(tenants)
	for _, t := range tenants {
		id, _ := t.Member.(string)
		n, err := q.rdb.ZCard(ctx, q.readyKey(id)).Result()
		if err != nil {
			return s, fmt.Errorf("queue stats: %w", err)
		}
		if t.Score < DefaultPriority {
			s.Prioritized += n
		} else {
			s.Ready += n
		}
	}
	if s.Delayed, err = q.rdb.ZCard(ctx, q.delayedKey()).Result(); err != nil {
		return s, fmt.Errorf("queue stats: %w", err)
	}
	if s.Active, err = q.rdb.ZCard(ctx, q.processingKey()).Result(); err != nil {
		return s, fmt.Errorf("queue stats: %w", err)
	}
	return s, nil
}

// FairnessRecord mirrors the per-tenant scheduling state kept in Redis.
type FairnessRecord struct {
	CompanyID             string `json:"companyId"`
	LastProcessedAt       int64  `json:"lastProcessedAt"`
	RoundsWithoutProcess  int    `json:"roundsWithoutProcessing"`
	CurrentPriority       int    `json:"currentPriority"`
	TotalProcessed        int64  `json:"totalProcessed"`
	ConsecutiveBatchCount int    `json:"consecutiveBatchCount"`
}

func (q *Queue) Fairness(ctx context.Context, companyID string) (*FairnessRecord, error) {
	vals, err := q.rdb.HGetAll(ctx, q.fairKey(companyID)).Result()
	if err != nil {
		return nil, fmt.Errorf("queue fairness: %w", err)
	}
	rec := &FairnessRecord{CompanyID: companyID, CurrentPriority: DefaultPriority}
	if v, ok := vals["last_processed_at"]; ok {
		rec.LastProcessedAt, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := vals["rounds_without_processing"]; ok {
		rec.RoundsWithoutProcess, _ = strconv.Atoi(v)
	}
	if v, ok := vals["current_priority"]; ok {
		rec.CurrentPriority, _ = strconv.Atoi(v)
	}
	if v, ok := vals["total_processed"]; ok {
		rec.TotalProcessed, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := vals["consecutive_batch_count"]; ok {
		rec.ConsecutiveBatchCount, _ = strconv.Atoi(v)
	}
	return rec, nil
}

// Ping verifies the backing store is reachable; health checks use it.
func (q *Queue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

func (q *Queue) readPayload(ctx context.Context, jobID string) (*Envelope, error) {
	raw, err := q.rdb.Get(ctx, q.payloadKey(jobID)).Bytes()
	if err != nil {
		return nil, err
	}
	return Unmarshal(raw)
}

func (q *Queue) nowMs() int64 { return q.now().UnixMilli() }

// wrap maps Redis OOM refusals onto ErrBackpressure so the edge can shed
// load instead of surfacing raw store errors.
func (q *Queue) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "OOM") {
		return fmt.Errorf("%s: %w", op, ErrBackpressure)
	}
	return fmt.Errorf("queue %s: %w", op, err)
}
