package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lease grants one instance the right to run a periodic job for ttl.
type Lease interface {
	Acquire(ctx context.Context, ttl time.Duration) (bool, error)
}

// RedisLease is a Lease backed by SET NX on a Redis key.  The key simply
// expires; there is no explicit release.
type RedisLease struct {
	rdb *redis.Client
	key string
}

// NewRedisLease returns a lease on key.
func NewRedisLease(rdb *redis.Client, key string) *RedisLease {
	return &RedisLease{rdb: rdb, key: key}
}

// Acquire takes the lease with SET NX for ttl.  It reports false while
// another instance holds it.
func (l *RedisLease) Acquire(ctx context.Context, ttl time.Duration) (bool, error) {
	return l.rdb.SetNX(ctx, l.key, time.Now().UTC().Format(time.RFC3339), ttl).Result()
}

// Reaper periodically releases expired holds.  Request paths also reap, so
// the sweep only bounds how long an untouched expired hold lingers.
type Reaper struct {
	svc      *ReservationService
	interval time.Duration
	lease    Lease
	log      *slog.Logger
}

// NewReaper returns a Reaper running svc.ReapExpired every interval.  lease
// may be nil, in which case every instance sweeps.
func NewReaper(svc *ReservationService, interval time.Duration, lease Lease, logger *slog.Logger) *Reaper {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{svc: svc, interval: interval, lease: lease, log: logger}
}

// Run sweeps until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	r.log.Info("hold reaper started", "interval", r.interval)
	for {
		select {
		case <-ctx.Done():
			r.log.Info("hold reaper stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one reap if the lease allows it and returns the number of
// released tickets.
func (r *Reaper) Sweep(ctx context.Context) int {
	if r.lease != nil {
		// shorter than the interval so a crashed holder does not skip a round
		ok, err := r.lease.Acquire(ctx, r.interval*9/10)
		if err != nil {
			r.log.Warn("reaper lease unavailable, sweeping anyway", "err", err)
		} else if !ok {
			return 0
		}
	}
	n, err := r.svc.ReapExpired(ctx)
	if err != nil {
		r.log.Error("reap expired holds failed", "err", err)
		return 0
	}
	return n
}
