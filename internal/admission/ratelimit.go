package admission

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/mailgate/internal/domain"
)

// Limiter keeps the admission counters in Redis: request-rate windows
// (second, minute, hour, day) and the accepted-send cap counters (day,
// month). All windows for one request are checked and consumed atomically.
type Limiter struct {
	rdb       *redis.Client
	perSecond int
	now       func() time.Time
}

// NewLimiter builds the Redis-backed limiter. perSecond is the global burst
// ceiling applied to every tenant; zero disables that window.
func NewLimiter(rdb *redis.Client, perSecond int) *Limiter {
	return &Limiter{rdb: rdb, perSecond: perSecond, now: time.Now}
}

// reserveScript checks every window before consuming any of them, so a
// request either takes a slot in all windows or none. Returns the index of
// the first exhausted window, or 0 when admitted.
var reserveScript = redis.NewScript(`
for i = 1, 4 do
	local limit = tonumber(ARGV[i])
	if limit > 0 then
		local cur = tonumber(redis.call('GET', KEYS[i]) or '0')
		if cur >= limit then return i end
	end
end
for i = 1, 4 do
	if tonumber(ARGV[i]) > 0 then
		local n = redis.call('INCR', KEYS[i])
		if n == 1 then redis.call('EXPIRE', KEYS[i], tonumber(ARGV[i+4])) end
	end
end
return 0
`)

// Reserve admits or refuses one request. When refused, retryAfter is the
// number of seconds until the exhausted window rolls over; callers emit it
// as the Retry-After header alongside the 429.
func (l *Limiter) Reserve(ctx context.Context, company *domain.Company) (retryAfter int, err error) {
	now := l.now().UTC()
	keys := []string{
		l.rateKey(company.ID, "s", now.Format("20060102150405")),
		l.rateKey(company.ID, "m", now.Format("200601021504")),
		l.rateKey(company.ID, "h", now.Format("2006010215")),
		l.rateKey(company.ID, "d", now.Format("20060102")),
	}
	limits := []interface{}{
		l.perSecond, company.RateCaps.PerMinute, company.RateCaps.PerHour, company.RateCaps.PerDay,
		2, 90, 3900, 90000, // window TTLs with slack for clock skew
	}
	window, err := reserveScript.Run(ctx, l.rdb, keys, limits...).Int()
	if err != nil {
		return 0, fmt.Errorf("rate reserve: %w", err)
	}
	switch window {
	case 0:
		return 0, nil
	case 1:
		return 1, nil
	case 2:
		return secondsUntil(now, now.Truncate(time.Minute).Add(time.Minute)), nil
	case 3:
		return secondsUntil(now, now.Truncate(time.Hour).Add(time.Hour)), nil
	default:
		return secondsUntil(now, midnightAfter(now)), nil
	}
}

// CheckCaps refuses a request that would push the tenant past its daily or
// monthly accepted-send cap. pending is how many emails this request adds.
func (l *Limiter) CheckCaps(ctx context.Context, company *domain.Company, pending int) error {
	daily, monthly := company.SendingCaps.Daily, company.SendingCaps.Monthly
	if daily <= 0 && monthly <= 0 {
		return nil
	}
	now := l.now().UTC()
	vals, err := l.rdb.MGet(ctx, l.capDayKey(company.ID, now), l.capMonthKey(company.ID, now)).Result()
	if err != nil {
		return domain.NewServiceUnavailable("cap counter unavailable", err)
	}
	if daily > 0 && counterValue(vals[0])+pending > daily {
		return ErrDailyCapExceeded
	}
	if monthly > 0 && counterValue(vals[1])+pending > monthly {
		return ErrDailyCapExceeded
	}
	return nil
}

// CommitSend adds n accepted emails to both cap counters.
func (l *Limiter) CommitSend(ctx context.Context, companyID string, n int) error {
	now := l.now().UTC()
	pipe := l.rdb.TxPipeline()
	pipe.IncrBy(ctx, l.capDayKey(companyID, now), int64(n))
	pipe.Expire(ctx, l.capDayKey(companyID, now), 48*time.Hour)
	pipe.IncrBy(ctx, l.capMonthKey(companyID, now), int64(n))
	pipe.Expire(ctx, l.capMonthKey(companyID, now), 40*24*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cap commit: %w", err)
	}
	return nil
}

// SyncDayCounter overwrites today's counter from an authoritative store
// count. The sweeper calls this so a Redis restart cannot silently reset
// caps.
func (l *Limiter) SyncDayCounter(ctx context.Context, companyID string, sent int) error {
	now := l.now().UTC()
	err := l.rdb.Set(ctx, l.capDayKey(companyID, now), sent, 48*time.Hour).Err()
	if err != nil {
		return fmt.Errorf("cap sync: %w", err)
	}
	return nil
}

func (l *Limiter) rateKey(companyID, window, bucket string) string {
	return "adm:rate:" + companyID + ":" + window + ":" + bucket
}

func (l *Limiter) capDayKey(companyID string, now time.Time) string {
	return "adm:cap:" + companyID + ":d:" + now.Format("20060102")
}

func (l *Limiter) capMonthKey(companyID string, now time.Time) string {
	return "adm:cap:" + companyID + ":m:" + now.Format("200601")
}

func counterValue(v interface{}) int {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, _ := strconv.Atoi(s)
	return n
}

func secondsUntil(now, t time.Time) int {
	s := int(t.Sub(now).Seconds())
	if s < 1 {
		return 1
	}
	return s
}

func midnightAfter(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}
