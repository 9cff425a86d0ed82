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

package repository

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gatewarden/gatewarden/api/types"
	"github.com/gatewarden/gatewarden/lib/defaults"
)

// UnknownCacheKey is the sentinel cache key used when the backend has no
// last-modified marker for the unrestricted record. Entries loaded under
// it are served but never become the fallback.
const UnknownCacheKey = "0"

// UnrestrictedCacheConfig configures an UnrestrictedCache.
type UnrestrictedCacheConfig struct {
	// LoadKey reads the backend's current last-modified marker for the
	// unrestricted record; it returns UnknownCacheKey when there is none.
	LoadKey func(ctx context.Context) (string, error)
	// Load reads the unrestricted record from the backend.
	Load func(ctx context.Context) (*types.UserPermission, error)
	// TTL bounds how long an entry is served without revalidation.
	TTL time.Duration
	// Clock overrides time in tests.
	Clock clockwork.Clock
	// Logger is the cache's log.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config.
func (c *UnrestrictedCacheConfig) CheckAndSetDefaults() error {
	if c.LoadKey == nil {
		return trace.BadParameter("missing parameter LoadKey")
	}
	if c.Load == nil {
		return trace.BadParameter("missing parameter Load")
	}
	if c.TTL <= 0 {
		c.TTL = defaults.UnrestrictedCacheTTL
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

type cacheEntry struct {
	key     string
	value   *types.UserPermission
	expires time.Time
}

// UnrestrictedCache is the single-entry cache fronting the unrestricted
// record on every read path. The entry is keyed by the record's
// last-modified marker; a key change forces a reload. A fallback pointer
// tracks the last entry loaded under a real key, and is served when the
// backend fails.
type UnrestrictedCache struct {
	cfg UnrestrictedCacheConfig

	mu       sync.Mutex
	entry    *cacheEntry
	fallback atomic.Pointer[cacheEntry]
}

// NewUnrestrictedCache returns an empty cache.
func NewUnrestrictedCache(cfg UnrestrictedCacheConfig) (*UnrestrictedCache, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &UnrestrictedCache{cfg: cfg}, nil
}

// Get returns the unrestricted record, consulting the backend only when
// the cached entry expired or its key changed. Backend failures serve
// the fallback entry with a warning instead of failing the read.
func (c *UnrestrictedCache) Get(ctx context.Context) (*types.UserPermission, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key, err := c.cfg.LoadKey(ctx)
	if err != nil {
		return c.serveFallback(ctx, trace.Wrap(err))
	}

	now := c.cfg.Clock.Now()
	if c.entry != nil && c.entry.key == key && now.Before(c.entry.expires) {
		return c.entry.value, nil
	}

	value, err := c.cfg.Load(ctx)
	if err != nil {
		return c.serveFallback(ctx, trace.Wrap(err))
	}
	entry := &cacheEntry{key: key, value: value, expires: now.Add(c.cfg.TTL)}
	c.entry = entry
	if key != UnknownCacheKey {
		c.fallback.Store(entry)
	}
	return value, nil
}

// Invalidate drops the cached entry so the next read revalidates.
func (c *UnrestrictedCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entry = nil
}

func (c *UnrestrictedCache) serveFallback(ctx context.Context, cause error) (*types.UserPermission, error) {
	if fb := c.fallback.Load(); fb != nil {
		c.cfg.Logger.WarnContext(ctx, "Serving fallback unrestricted permission, backend read failed",
			"key", fb.key, "error", cause)
		return fb.value, nil
	}
	return nil, trace.Wrap(cause)
}
