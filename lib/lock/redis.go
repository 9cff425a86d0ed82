/*
Copyright 2024 Gatewarden Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package lock

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

// ownerExpire atomically re-arms the key's TTL if we still own it.
var ownerExpire = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// RedisConfig holds parameters for the redis locker.
type RedisConfig struct {
	// Client is the redis client to use.
	Client redis.UniversalClient
	// KeyPrefix is prepended to lock keys.
	KeyPrefix string
	// Clock overrides time in tests.
	Clock clockwork.Clock
	// Logger is the locker's log.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config.
func (c *RedisConfig) CheckAndSetDefaults() error {
	if c.Client == nil {
		return trace.BadParameter("missing parameter Client")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With("component", "lock")
	}
	return nil
}

// Redis is a fleet-wide Locker backed by a shared key-value store. The
// lock key holds an ownership token with a TTL; a background goroutine
// re-arms the TTL while the protected function runs, and release leaves
// the key in place with the cooldown TTL instead of deleting it.
type Redis struct {
	cfg RedisConfig
}

// NewRedis returns a redis-backed locker.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Redis{cfg: cfg}, nil
}

func (r *Redis) lockKey(name string) string {
	if r.cfg.KeyPrefix != "" {
		return r.cfg.KeyPrefix + ":locks:" + name
	}
	return "locks:" + name
}

// WithLock implements Locker.
func (r *Redis) WithLock(ctx context.Context, opts Options, fn func(ctx context.Context) error) (bool, error) {
	if err := opts.CheckAndSetDefaults(); err != nil {
		return false, trace.Wrap(err)
	}
	key := r.lockKey(opts.Name)
	token := uuid.NewString()

	acquired, err := r.cfg.Client.SetNX(ctx, key, token, opts.MaxDuration).Result()
	if err != nil {
		return false, trace.ConnectionProblem(err, "acquiring lock %q", opts.Name)
	}
	if !acquired {
		return false, nil
	}

	runCtx, cancel := context.WithTimeout(ctx, opts.MaxDuration)
	defer cancel()

	stopRefresh := make(chan struct{})
	refreshDone := make(chan struct{})
	go func() {
		defer close(refreshDone)
		refreshAfter := opts.MaxDuration / 2
		for {
			select {
			case <-r.cfg.Clock.After(refreshAfter):
				if err := r.refresh(ctx, key, token, opts.MaxDuration); err != nil {
					r.cfg.Logger.ErrorContext(ctx, "Failed to refresh lock, canceling holder",
						"lock", opts.Name, "error", err)
					cancel()
					return
				}
			case <-stopRefresh:
				return
			case <-runCtx.Done():
				return
			}
		}
	}()

	fnErr := fn(runCtx)
	close(stopRefresh)
	<-refreshDone

	cooldown := opts.SuccessInterval
	if fnErr != nil {
		cooldown = opts.FailureInterval
	}
	if err := r.cooldown(ctx, key, token, cooldown); err != nil {
		return true, trace.NewAggregate(fnErr, err)
	}
	return true, trace.Wrap(fnErr)
}

// refresh re-arms the holder TTL, failing if ownership was lost.
func (r *Redis) refresh(ctx context.Context, key, token string, ttl time.Duration) error {
	ok, err := ownerExpire.Run(ctx, r.cfg.Client, []string{key}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return trace.ConnectionProblem(err, "refreshing lock")
	}
	if ok == 0 {
		return trace.CompareFailed("lock ownership changed")
	}
	return nil
}

// cooldown re-arms the key with the post-run interval so other
// instances wait before rerunning.
func (r *Redis) cooldown(ctx context.Context, key, token string, d time.Duration) error {
	ok, err := ownerExpire.Run(ctx, r.cfg.Client, []string{key}, token, d.Milliseconds()).Int64()
	if err != nil {
		return trace.ConnectionProblem(err, "releasing lock")
	}
	if ok == 0 {
		// expired under us; nothing to release
		r.cfg.Logger.WarnContext(ctx, "Lock expired before release", "key", key)
	}
	return nil
}
