package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/llm-relay/internal/providers"
)

// Scope is the kind of unit a cost limit applies to.
type Scope string

const (
	ScopeKey      Scope = "key"
	ScopeProvider Scope = "provider"
)

// Window names reported when a limit is hit.
const (
	Window5h      = "5h"
	WindowDaily   = "daily"
	WindowWeekly  = "weekly"
	WindowMonthly = "monthly"
	WindowTotal   = "total"
)

const (
	rollingRetention = 24 * time.Hour
	sessionCostTTL   = 24 * time.Hour
	defaultTimeout   = 300 * time.Millisecond

	// Hour buckets of the total hash older than totalFoldAfter are merged
	// once it holds more than totalMaxFields.
	totalFoldAfter = 7 * 24 * time.Hour
	totalMaxFields = 200
)

// rollingSumScript drops entries older than the retention and sums the cost
// suffix ("...|cost") of every member scored at or after ARGV[3]. Sums are
// returned as strings because Redis truncates Lua numbers to integers.
// KEYS[1] = rolling key
// ARGV[1] = now (ms), ARGV[2] = retention (ms), ARGV[3] = since (ms)
var rollingSumScript = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local retention = tonumber(ARGV[2])
	local since = tonumber(ARGV[3])

	redis.call('ZREMRANGEBYSCORE', key, '-inf', now - retention)

	local members = redis.call('ZRANGEBYSCORE', key, since, '+inf')
	local total = 0
	for _, m in ipairs(members) do
		local sep = string.find(m, '|', 1, true)
		if sep then
			total = total + (tonumber(string.sub(m, sep + 1)) or 0)
		end
	end
	return tostring(total)
`)

// totalSinceScript sums hourly buckets (field "YYYYMMDDHH") at or after
// ARGV[1] and deletes the older ones, which no longer count.
var totalSinceScript = redis.NewScript(`
	local vals = redis.call('HGETALL', KEYS[1])
	local since = ARGV[1]
	local total = 0
	for i = 1, #vals, 2 do
		if vals[i] >= since then
			total = total + (tonumber(vals[i + 1]) or 0)
		else
			redis.call('HDEL', KEYS[1], vals[i])
		end
	end
	return tostring(total)
`)

// totalTrackScript adds spend to the hour bucket ARGV[1]. Once the hash has
// more than ARGV[4] fields, buckets older than ARGV[3] are folded into the
// newest of them, keeping the field count bounded.
// KEYS[1] = total hash
// ARGV[1] = hour bucket, ARGV[2] = cost, ARGV[3] = fold cutoff bucket,
// ARGV[4] = max fields
var totalTrackScript = redis.NewScript(`
	local key = KEYS[1]
	redis.call('HINCRBYFLOAT', key, ARGV[1], ARGV[2])
	if redis.call('HLEN', key) <= tonumber(ARGV[4]) then
		return 0
	end

	local vals = redis.call('HGETALL', key)
	local cutoff = ARGV[3]
	local folded = 0
	local label = nil
	for i = 1, #vals, 2 do
		local f = vals[i]
		if f < cutoff then
			folded = folded + (tonumber(vals[i + 1]) or 0)
			redis.call('HDEL', key, f)
			if label == nil or f > label then
				label = f
			end
		end
	end
	if label then
		redis.call('HINCRBYFLOAT', key, label, tostring(folded))
	end
	return 1
`)

// Result is the outcome of CheckLimits.
type Result struct {
	Allowed bool
	// Reason names the exceeded window, empty when allowed.
	Reason  string
	Current float64
	Limit   float64
}

// TotalResult is the outcome of CheckTotalLimit.
type TotalResult struct {
	Allowed bool
	Current float64
}

// TrackOptions carries the limit configs needed to place a cost in the
// right fixed-window buckets.
type TrackOptions struct {
	RequestID      string
	KeyLimits      providers.Limits
	ProviderLimits providers.Limits
}

// CostLimiter tracks spend per client key, provider and session and checks
// it against configured USD windows. Redis failures allow the request.
type CostLimiter struct {
	rdb     redis.UniversalClient
	timeout time.Duration
	now     func() time.Time
	log     *slog.Logger
}

// CostOption configures a CostLimiter.
type CostOption func(*CostLimiter)

// WithCostClock injects the clock used for window boundaries.
func WithCostClock(now func() time.Time) CostOption {
	return func(l *CostLimiter) { l.now = now }
}

// WithCostTimeout bounds every Redis round trip.
func WithCostTimeout(d time.Duration) CostOption {
	return func(l *CostLimiter) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// NewCostLimiter returns a limiter on rdb.
func NewCostLimiter(rdb redis.UniversalClient, log *slog.Logger, opts ...CostOption) *CostLimiter {
	if log == nil {
		log = slog.Default()
	}
	l := &CostLimiter{rdb: rdb, timeout: defaultTimeout, now: time.Now, log: log}
	for _, o := range opts {
		o(l)
	}
	return l
}

func unitKey(scope Scope, id int64, suffix string) string {
	return "relay:cost:" + string(scope) + ":" + strconv.FormatInt(id, 10) + ":" + suffix
}

// CheckLimits checks the 5h, daily, weekly and monthly windows of one unit.
func (l *CostLimiter) CheckLimits(ctx context.Context, scope Scope, id int64, limits providers.Limits) (Result, error) {
	if !limits.HasWindowLimits() {
		return Result{Allowed: true}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	now := l.now().UTC()
	checks := []struct {
		name  string
		limit float64
		cur   func() (float64, error)
	}{
		{Window5h, limits.FiveHourUSD, func() (float64, error) {
			return l.rollingSum(ctx, scope, id, now, now.Add(-5*time.Hour))
		}},
		{WindowDaily, limits.DailyUSD, func() (float64, error) {
			if limits.DailyResetMode == providers.ResetRolling {
				return l.rollingSum(ctx, scope, id, now, now.Add(-24*time.Hour))
			}
			return l.counter(ctx, unitKey(scope, id, "daily:"+bucket(dailyStart(now, limits.DailyResetTime))))
		}},
		{WindowWeekly, limits.WeeklyUSD, func() (float64, error) {
			return l.counter(ctx, unitKey(scope, id, "weekly:"+bucket(weekStart(now))))
		}},
		{WindowMonthly, limits.MonthlyUSD, func() (float64, error) {
			return l.counter(ctx, unitKey(scope, id, "monthly:"+bucket(monthStart(now))))
		}},
	}

	for _, c := range checks {
		if c.limit <= 0 {
			continue
		}
		cur, err := c.cur()
		if err != nil {
			l.log.WarnContext(ctx, "cost_limit_check_error",
				slog.String("scope", string(scope)),
				slog.Int64("id", id),
				slog.String("window", c.name),
				slog.String("error", err.Error()),
			)
			continue
		}
		if cur >= c.limit {
			return Result{
				Allowed: false,
				Reason:  fmt.Sprintf("%s %s cost limit reached (%.4f/%.4f USD)", scope, c.name, cur, c.limit),
				Current: cur,
				Limit:   c.limit,
			}, nil
		}
	}
	return Result{Allowed: true}, nil
}

// CheckTotalLimit checks lifetime spend since resetAt. Spend is bucketed by
// hour, so a reset counts from the start of its hour. Buckets older than a
// week are merged, so a reset placed inside that range counts the whole
// merged amount. Buckets before the reset are deleted.
func (l *CostLimiter) CheckTotalLimit(ctx context.Context, scope Scope, id int64, limitUSD float64, resetAt *time.Time) (TotalResult, error) {
	if limitUSD <= 0 {
		return TotalResult{Allowed: true}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	since := "0"
	if resetAt != nil && !resetAt.IsZero() {
		since = hourBucket(resetAt.UTC())
	}
	raw, err := totalSinceScript.Run(ctx, l.rdb, []string{unitKey(scope, id, "total")}, since).Text()
	if err != nil {
		l.log.WarnContext(ctx, "cost_total_check_error",
			slog.String("scope", string(scope)),
			slog.Int64("id", id),
			slog.String("error", err.Error()),
		)
		return TotalResult{Allowed: true}, nil
	}
	cur, _ := strconv.ParseFloat(raw, 64)
	return TotalResult{Allowed: cur < limitUSD, Current: cur}, nil
}

// TrackCost records cost against the client key, the provider and the
// session. Non-positive costs are ignored.
func (l *CostLimiter) TrackCost(ctx context.Context, keyID, providerID int64, sessionID string, cost float64, opts TrackOptions) error {
	if cost <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	now := l.now().UTC()
	amount := strconv.FormatFloat(cost, 'f', -1, 64)
	reqID := opts.RequestID
	if reqID == "" {
		reqID = strconv.FormatUint(rand.Uint64(), 36)
	}
	member := strconv.FormatInt(now.UnixNano(), 10) + ":" + reqID + "|" + amount

	_, err := l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		units := []struct {
			scope  Scope
			id     int64
			limits providers.Limits
		}{
			{ScopeKey, keyID, opts.KeyLimits},
			{ScopeProvider, providerID, opts.ProviderLimits},
		}
		for _, u := range units {
			if u.id <= 0 {
				continue
			}
			rolling := unitKey(u.scope, u.id, "rolling")
			pipe.ZAdd(ctx, rolling, redis.Z{Score: float64(now.UnixMilli()), Member: member})
			pipe.PExpire(ctx, rolling, rollingRetention)

			daily := dailyStart(now, u.limits.DailyResetTime)
			incrWindow(ctx, pipe, unitKey(u.scope, u.id, "daily:"+bucket(daily)), cost, daily.Add(48*time.Hour).Sub(now))
			week := weekStart(now)
			incrWindow(ctx, pipe, unitKey(u.scope, u.id, "weekly:"+bucket(week)), cost, week.AddDate(0, 0, 8).Sub(now))
			month := monthStart(now)
			incrWindow(ctx, pipe, unitKey(u.scope, u.id, "monthly:"+bucket(month)), cost, month.AddDate(0, 1, 1).Sub(now))

			totalTrackScript.Eval(ctx, pipe, []string{unitKey(u.scope, u.id, "total")},
				hourBucket(now), amount, hourBucket(now.Add(-totalFoldAfter)), totalMaxFields)
		}
		if sessionID != "" {
			sk := "relay:cost:session:" + sessionID
			pipe.IncrByFloat(ctx, sk, cost)
			pipe.Expire(ctx, sk, sessionCostTTL)
		}
		return nil
	})
	if err != nil {
		l.log.WarnContext(ctx, "cost_track_error",
			slog.Int64("key_id", keyID),
			slog.Int64("provider_id", providerID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("ratelimit: track cost: %w", err)
	}
	return nil
}

// SessionCost returns the spend recorded for a session.
func (l *CostLimiter) SessionCost(ctx context.Context, sessionID string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	return l.counter(ctx, "relay:cost:session:"+sessionID)
}

func incrWindow(ctx context.Context, pipe redis.Pipeliner, key string, cost float64, ttl time.Duration) {
	pipe.IncrByFloat(ctx, key, cost)
	pipe.Expire(ctx, key, ttl)
}

func (l *CostLimiter) rollingSum(ctx context.Context, scope Scope, id int64, now, since time.Time) (float64, error) {
	raw, err := rollingSumScript.Run(ctx, l.rdb,
		[]string{unitKey(scope, id, "rolling")},
		now.UnixMilli(), rollingRetention.Milliseconds(), since.UnixMilli(),
	).Text()
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(raw, 64)
}

func (l *CostLimiter) counter(ctx context.Context, key string) (float64, error) {
	v, err := l.rdb.Get(ctx, key).Float64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, err
}

func bucket(t time.Time) string { return strconv.FormatInt(t.Unix(), 10) }

func hourBucket(t time.Time) string { return t.Format("2006010215") }

// dailyStart returns the most recent occurrence of resetTime ("HH:MM",
// UTC) at or before now. An empty or invalid value means midnight.
func dailyStart(now time.Time, resetTime string) time.Time {
	h, m := parseHHMM(resetTime)
	start := time.Date(now.Year(), now.Month(), now.Day(), h, m, 0, 0, time.UTC)
	if now.Before(start) {
		start = start.AddDate(0, 0, -1)
	}
	return start
}

func parseHHMM(s string) (int, int) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, 0
	}
	h, err1 := strconv.Atoi(hh)
	m, err2 := strconv.Atoi(mm)
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, 0
	}
	return h, m
}

// weekStart returns Monday 00:00 UTC of now's week.
func weekStart(now time.Time) time.Time {
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}

func monthStart(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}
