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

// Package loader pulls resource inventories from external systems of
// record on a fixed interval and serves the last good snapshot.
package loader

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gatewarden/gatewarden/api/types"
	"github.com/gatewarden/gatewarden/lib/defaults"
	"github.com/gatewarden/gatewarden/lib/utils/breaker"
	"github.com/gatewarden/gatewarden/lib/utils/retryutils"
)

var (
	refreshTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gatewarden_loader_refresh_total",
		Help: "Resource loader refresh attempts by outcome.",
	}, []string{"loader", "outcome"})
	healthGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gatewarden_loader_healthy",
		Help: "Whether the loader's snapshot is within its staleness bound.",
	}, []string{"loader"})
)

func init() {
	prometheus.MustRegister(refreshTotal, healthGauge)
}

// LoadFunc performs one pull from the external system of record.
type LoadFunc func(ctx context.Context) ([]types.Resource, error)

// Config configures a Loader.
type Config struct {
	// Name identifies the loader in logs, metrics and health output.
	Name string
	// Load pulls the resource list.
	Load LoadFunc
	// RefreshInterval is the pull cadence.
	RefreshInterval time.Duration
	// MaxStaleness is how old the snapshot may grow before the loader
	// reports unhealthy.
	MaxStaleness time.Duration
	// LoadTimeout bounds one pull.
	LoadTimeout time.Duration
	// RetryAttempts bounds in-refresh retries of a failed pull.
	RetryAttempts int64
	// Breaker protects the external call; built from BreakerConfig when
	// nil.
	Breaker *breaker.Breaker
	// BreakerConfig tunes the built breaker.
	BreakerConfig breaker.Config
	// Clock overrides time in tests.
	Clock clockwork.Clock
	// Logger is the loader's log.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config.
func (c *Config) CheckAndSetDefaults() error {
	if c.Name == "" {
		return trace.BadParameter("missing parameter Name")
	}
	if c.Load == nil {
		return trace.BadParameter("missing parameter Load")
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = defaults.ResourceRefreshInterval
	}
	if c.MaxStaleness <= 0 {
		c.MaxStaleness = defaults.ResourceMaxStaleness
	}
	if c.LoadTimeout <= 0 {
		c.LoadTimeout = defaults.LoaderLoadTimeout
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.Logger = c.Logger.With("loader", c.Name)
	if c.Breaker == nil {
		cfg := c.BreakerConfig
		cfg.Clock = c.Clock
		b, err := breaker.New(cfg)
		if err != nil {
			return trace.Wrap(err)
		}
		c.Breaker = b
	}
	return nil
}

type snapshot struct {
	resources  []types.Resource
	generation uint64
	loadedAt   time.Time
}

// Loader periodically pulls one resource inventory and retains the last
// good snapshot. Snapshots are immutable and replaced wholesale.
type Loader struct {
	cfg    Config
	health *HealthTracker

	snapshot atomic.Pointer[snapshot]
}

// New returns a stopped loader; call Run to start refreshing.
func New(cfg Config) (*Loader, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Loader{
		cfg:    cfg,
		health: NewHealthTracker(cfg.Name, cfg.MaxStaleness, cfg.Clock),
	}, nil
}

// Health returns the loader's health tracker.
func (l *Loader) Health() *HealthTracker { return l.health }

// Name returns the loader name.
func (l *Loader) Name() string { return l.cfg.Name }

// Run refreshes the snapshot until ctx is canceled. The first refresh
// happens immediately.
func (l *Loader) Run(ctx context.Context) {
	defer l.cfg.Logger.InfoContext(ctx, "Loader stopped")
	ticker := l.cfg.Clock.NewTicker(l.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		if err := l.Refresh(ctx); err != nil {
			l.cfg.Logger.WarnContext(ctx, "Resource refresh failed, keeping previous snapshot", "error", err)
		}
		healthGauge.WithLabelValues(l.cfg.Name).Set(boolToGauge(l.health.IsHealthy()))
		select {
		case <-ticker.Chan():
		case <-ctx.Done():
			return
		}
	}
}

// Refresh performs one pull, retrying transient failures a bounded number
// of times. On success the snapshot is replaced atomically and the health
// timestamp advances; on failure the previous snapshot is retained and
// health is not advanced.
func (l *Loader) Refresh(ctx context.Context) error {
	retry, err := retryutils.NewLinear(retryutils.LinearConfig{
		First:  time.Second,
		Step:   time.Second,
		Max:    10 * time.Second,
		Jitter: retryutils.NewHalfJitter(),
		Clock:  l.cfg.Clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	var resources []types.Resource
	err = retry.For(ctx, l.cfg.RetryAttempts, func() error {
		loadCtx, cancel := context.WithTimeout(ctx, l.cfg.LoadTimeout)
		defer cancel()
		return l.cfg.Breaker.Execute(loadCtx, func(ctx context.Context) error {
			loaded, err := l.cfg.Load(ctx)
			if err != nil {
				if trace.IsBadParameter(err) || trace.IsAccessDenied(err) {
					// not transient, retrying will not help
					return retryutils.PermanentRetryError(err)
				}
				return trace.Wrap(err)
			}
			resources = loaded
			return nil
		})
	})
	if err != nil {
		refreshTotal.WithLabelValues(l.cfg.Name, "failure").Inc()
		return trace.Wrap(err)
	}

	prev := l.snapshot.Load()
	next := &snapshot{
		resources: resources,
		loadedAt:  l.cfg.Clock.Now(),
	}
	if prev != nil {
		next.generation = prev.generation + 1
	}
	l.snapshot.Store(next)
	l.health.RecordSuccess()
	refreshTotal.WithLabelValues(l.cfg.Name, "success").Inc()
	l.cfg.Logger.DebugContext(ctx, "Refreshed resource snapshot",
		"resources", len(resources), "generation", next.generation)
	return nil
}

// Resources returns the last snapshot and its generation. When no load
// has ever succeeded it returns NotFound.
func (l *Loader) Resources() ([]types.Resource, uint64, error) {
	snap := l.snapshot.Load()
	if snap == nil {
		return nil, 0, trace.NotFound("loader %v has no snapshot yet", l.cfg.Name)
	}
	return snap.resources, snap.generation, nil
}

func boolToGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
