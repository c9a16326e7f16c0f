// Package distlock provides a cross-process mutex for singleton
// background jobs. Redis is the preferred backend; when no Redis client
// is available it falls back to a Postgres advisory lock, which the
// server releases automatically if the session drops.
package distlock

import (
	"context"
	"database/sql"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistLock is a non-blocking, single-owner lock. One instance serves
// one goroutine; share the key, not the lock value.
type DistLock interface {
	// Acquire attempts to take the lock without blocking and reports
	// whether it succeeded.
	Acquire(ctx context.Context) (bool, error)
	// Release gives the lock up, but only if this instance still owns it.
	Release(ctx context.Context) error
}

// NewLock picks the strongest available backend for key: Redis when a
// client is provided, otherwise a session-scoped Postgres advisory lock
// (the ttl only applies to the Redis backend).
func NewLock(rdb *redis.Client, db *sql.DB, key string, ttl time.Duration) DistLock {
	if rdb != nil {
		return NewRedisLock(rdb, key, ttl)
	}
	return NewAdvisoryLock(db, key)
}

// AdvisoryLock maps a string key onto pg_try_advisory_lock's int64
// keyspace via FNV-1a. Locks are held by the DB session, so a crashed
// holder frees the lock as soon as its connection dies.
type AdvisoryLock struct {
	db *sql.DB
	id int64
}

func NewAdvisoryLock(db *sql.DB, key string) *AdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &AdvisoryLock{db: db, id: int64(h.Sum64())}
}

func (l *AdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	var ok bool
	err := l.db.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, l.id).Scan(&ok)
	return ok, err
}

func (l *AdvisoryLock) Release(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, l.id)
	return err
}
