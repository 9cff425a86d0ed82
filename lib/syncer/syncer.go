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

// Package syncer periodically re-resolves every known user and persists
// the results, coordinated across the fleet by a distributed lock.
package syncer

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gatewarden/gatewarden/api/types"
	"github.com/gatewarden/gatewarden/lib/defaults"
	"github.com/gatewarden/gatewarden/lib/lock"
	"github.com/gatewarden/gatewarden/lib/provider"
	"github.com/gatewarden/gatewarden/lib/repository"
	"github.com/gatewarden/gatewarden/lib/resolver"
	"github.com/gatewarden/gatewarden/lib/utils/retryutils"
)

var (
	syncTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gatewarden_sync_total",
		Help: "Sync passes by result.",
	}, []string{"result"})
	syncUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gatewarden_sync_users",
		Help: "Users persisted by the last successful sync pass.",
	})
)

func init() {
	prometheus.MustRegister(syncTotal, syncUsers)
}

// Config holds parameters for the Syncer.
type Config struct {
	// Resolver computes effective permissions.
	Resolver *resolver.Resolver
	// Repository persists the results.
	Repository repository.Repository
	// Providers gates the pass on resource source health.
	Providers *provider.Registry
	// Locker coordinates passes across the fleet.
	Locker lock.Locker
	// LockName names the fleet-wide lock.
	LockName string
	// Schedule is the tick interval of the scheduler.
	Schedule time.Duration
	// Timeout bounds retrying within one pass and the lock hold.
	Timeout time.Duration
	// RetryInterval is the fixed delay between retries within a pass.
	RetryInterval time.Duration
	// SuccessInterval is the lock cooldown after a successful pass.
	SuccessInterval time.Duration
	// FailureInterval is the lock cooldown after a failed pass.
	FailureInterval time.Duration
	// Enabled suppresses the scheduled task entirely when false
	// (readers-only deployments).
	Enabled bool
	// Clock overrides time in tests.
	Clock clockwork.Clock
	// Logger is the syncer's log.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config.
func (c *Config) CheckAndSetDefaults() error {
	if c.Resolver == nil {
		return trace.BadParameter("missing parameter Resolver")
	}
	if c.Repository == nil {
		return trace.BadParameter("missing parameter Repository")
	}
	if c.Providers == nil {
		return trace.BadParameter("missing parameter Providers")
	}
	if c.Locker == nil {
		return trace.BadParameter("missing parameter Locker")
	}
	if c.LockName == "" {
		c.LockName = "gatewarden-sync"
	}
	if c.Schedule <= 0 {
		c.Schedule = defaults.SyncSchedule
	}
	if c.Timeout <= 0 {
		c.Timeout = defaults.SyncTimeout
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = defaults.SyncRetryInterval
	}
	if c.SuccessInterval <= 0 {
		c.SuccessInterval = defaults.SyncInterval
	}
	if c.FailureInterval <= 0 {
		c.FailureInterval = defaults.SyncFailureInterval
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With("component", "syncer")
	}
	return nil
}

// Syncer is the periodic full-fleet permission sync task.
type Syncer struct {
	cfg       Config
	inService atomic.Bool
}

// New returns a Syncer.
func New(cfg Config) (*Syncer, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Syncer{cfg: cfg}, nil
}

// SetInService marks the owning process in or out of service. The
// scheduled task only runs while in service.
func (s *Syncer) SetInService(in bool) {
	s.inService.Store(in)
}

// Run ticks the scheduler until the context is done. Each fire attempts
// the fleet lock; losing the race is not an error.
func (s *Syncer) Run(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.cfg.Logger.InfoContext(ctx, "Write mode disabled, syncer will not run")
		return nil
	}
	ticker := s.cfg.Clock.NewTicker(s.cfg.Schedule)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
		}
		if !s.inService.Load() {
			continue
		}
		acquired, err := s.cfg.Locker.WithLock(ctx, lock.Options{
			Name:            s.cfg.LockName,
			MaxDuration:     s.cfg.Timeout,
			SuccessInterval: s.cfg.SuccessInterval,
			FailureInterval: s.cfg.FailureInterval,
		}, func(ctx context.Context) error {
			n, err := s.Sync(ctx)
			if err != nil {
				return trace.Wrap(err)
			}
			syncUsers.Set(float64(n))
			return nil
		})
		switch {
		case err != nil:
			syncTotal.WithLabelValues("failure").Inc()
			s.cfg.Logger.ErrorContext(ctx, "Sync pass failed", "error", err)
		case acquired:
			syncTotal.WithLabelValues("success").Inc()
		}
	}
}

// Sync runs one full pass: resolve the unrestricted user, then every
// known user, and persist the results. Transient provider and
// resolution failures are retried with a fixed interval until Timeout.
func (s *Syncer) Sync(ctx context.Context) (int, error) {
	if !s.cfg.Providers.IsHealthy() {
		// cached snapshots still serve; the pass continues on stale data
		s.cfg.Logger.WarnContext(ctx, "Resource providers unhealthy, syncing from cached snapshots")
	}

	retry, err := retryutils.NewConstant(s.cfg.RetryInterval)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	maxAttempts := int64(s.cfg.Timeout/s.cfg.RetryInterval) + 1

	var synced int
	err = retry.For(ctx, maxAttempts, func() error {
		n, err := s.syncOnce(ctx)
		if err != nil && !isRetryable(err) {
			return retryutils.PermanentRetryError(err)
		}
		if err != nil {
			s.cfg.Logger.WarnContext(ctx, "Sync attempt failed, will retry", "error", err)
			return trace.Wrap(err)
		}
		synced = n
		return nil
	})
	return synced, trace.Wrap(err)
}

func (s *Syncer) syncOnce(ctx context.Context) (int, error) {
	users, err := s.workingSet(ctx)
	if err != nil {
		return 0, trace.Wrap(err)
	}

	// the unrestricted record first, so per-user merges during the rest
	// of the pass see the fresh baseline
	unrestricted, err := s.cfg.Resolver.ResolveUnrestricted(ctx)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	if err := s.cfg.Repository.Put(ctx, unrestricted); err != nil {
		return 0, trace.Wrap(err)
	}

	resolved, err := s.cfg.Resolver.ResolveBatch(ctx, users)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	if err := s.cfg.Repository.PutAll(ctx, resolved); err != nil {
		return 0, trace.Wrap(err)
	}
	return len(resolved) + 1, nil
}

// workingSet enumerates every user the pass must refresh: stored users
// with their EXTERNAL roles carried over, plus all service accounts.
func (s *Syncer) workingSet(ctx context.Context) ([]types.ExternalUser, error) {
	stored, err := s.cfg.Repository.GetAllByID(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	out := make([]types.ExternalUser, 0, len(stored))
	seen := make(map[string]struct{}, len(stored))
	for id, u := range stored {
		if id == types.UnrestrictedUser {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, types.ExternalUser{
			ID: id,
			// EXTERNAL roles are not re-derivable from the identity
			// provider, carry them across passes
			ExternalRoles: u.ExternalRoles(),
		})
	}

	saProvider, err := s.cfg.Providers.ByType(types.ResourceTypeServiceAccount)
	if err != nil {
		if !trace.IsNotFound(err) {
			return nil, trace.Wrap(err)
		}
		return out, nil
	}
	accounts, err := saProvider.All(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for _, res := range accounts {
		id := strings.ToLower(res.GetName())
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		user := types.ExternalUser{ID: id}
		if sa, ok := res.(*types.ServiceAccount); ok {
			// a service account's roles come from its memberOf list, not
			// the identity provider
			user.ExternalRoles = sa.ExternalRoles()
		}
		out = append(out, user)
	}
	return out, nil
}

func isRetryable(err error) bool {
	return provider.IsProviderError(err) ||
		resolver.IsResolutionError(err) ||
		repository.IsRepositoryError(err)
}
