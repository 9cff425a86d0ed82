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

// Package provider serves materialized, post-processed resource sets and
// their restricted and unrestricted views.
package provider

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gatewarden/gatewarden/api/types"
	"github.com/gatewarden/gatewarden/lib/defaults"
	"github.com/gatewarden/gatewarden/lib/loader"
)

// Provider serves one resource type's materialized set and its views.
type Provider interface {
	// ResourceType returns the served type.
	ResourceType() types.ResourceType
	// All returns the full post-processed set.
	All(ctx context.Context) ([]types.Resource, error)
	// AllRestricted returns restricted resources visible to the roles.
	// Admins see every restricted resource.
	AllRestricted(ctx context.Context, roles []types.Role, isAdmin bool) ([]types.Resource, error)
	// AllUnrestricted returns resources with no declared permissions.
	AllUnrestricted(ctx context.Context) ([]types.Resource, error)
	// GetByName returns one resource by case-insensitive name.
	GetByName(ctx context.Context, name string) (types.Resource, error)
	// Health returns the health trackers of the backing loaders.
	Health() []*loader.HealthTracker
}

// Config configures a BaseProvider.
type Config struct {
	// Type is the served resource type.
	Type types.ResourceType
	// Loader is the primary inventory loader.
	Loader *loader.Loader
	// SecondaryLoader optionally contributes additional entries; the
	// primary wins on name collision.
	SecondaryLoader *loader.Loader
	// Sources decorate each resource's permissions; when empty the
	// declared permissions are kept as loaded.
	Sources []PermissionSource
	// Interceptors rewrite the post-processed set, in order.
	Interceptors []Interceptor
	// PostProcess optionally rewrites the merged set before interceptors
	// run; used by the application provider for prefix extraction.
	PostProcess func([]types.Resource) ([]types.Resource, error)
	// CacheTTL bounds how long a post-processed set is served without
	// re-deriving it.
	CacheTTL time.Duration
	// Clock overrides time in tests.
	Clock clockwork.Clock
	// Logger is the provider's log.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config.
func (c *Config) CheckAndSetDefaults() error {
	if c.Type == "" {
		return trace.BadParameter("missing parameter Type")
	}
	if c.Loader == nil {
		return trace.BadParameter("missing parameter Loader")
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = defaults.ProviderCacheTTL
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.Logger = c.Logger.With("provider", c.Type.KeySuffix())
	return nil
}

// BaseProvider wraps a loader, applies permission sources, a post-process
// hook and interceptors, and caches the derived set keyed by snapshot
// generation behind a short TTL.
type BaseProvider struct {
	cfg Config

	mu         sync.Mutex
	cached     []types.Resource
	cachedKey  string
	cachedTill time.Time
}

// NewBaseProvider returns a provider over the given loader(s).
func NewBaseProvider(cfg Config) (*BaseProvider, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &BaseProvider{cfg: cfg}, nil
}

// ResourceType implements Provider.
func (p *BaseProvider) ResourceType() types.ResourceType { return p.cfg.Type }

// Health implements Provider.
func (p *BaseProvider) Health() []*loader.HealthTracker {
	out := []*loader.HealthTracker{p.cfg.Loader.Health()}
	if p.cfg.SecondaryLoader != nil {
		out = append(out, p.cfg.SecondaryLoader.Health())
	}
	return out
}

// All implements Provider.
func (p *BaseProvider) All(ctx context.Context) ([]types.Resource, error) {
	primary, primaryGen, err := p.cfg.Loader.Resources()
	if err != nil {
		return nil, NewProviderError(p.cfg.Type.KeySuffix(), err)
	}
	key := fmt.Sprintf("%d", primaryGen)

	var secondary []types.Resource
	if p.cfg.SecondaryLoader != nil {
		loaded, secondaryGen, err := p.cfg.SecondaryLoader.Resources()
		if err == nil {
			secondary = loaded
			key = fmt.Sprintf("%d/%d", primaryGen, secondaryGen)
		}
		// a missing secondary snapshot degrades to the primary set alone
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cachedKey == key && p.cfg.Clock.Now().Before(p.cachedTill) {
		return p.cached, nil
	}

	derived, err := p.derive(primary, secondary)
	if err != nil {
		return nil, NewProviderError(p.cfg.Type.KeySuffix(), err)
	}
	p.cached = derived
	p.cachedKey = key
	p.cachedTill = p.cfg.Clock.Now().Add(p.cfg.CacheTTL)
	return derived, nil
}

func (p *BaseProvider) derive(primary, secondary []types.Resource) ([]types.Resource, error) {
	merged := make([]types.Resource, 0, len(primary)+len(secondary))
	seen := make(map[string]struct{}, len(primary))
	for _, r := range primary {
		key := types.ResourceKey(r)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		merged = append(merged, r)
	}
	for _, r := range secondary {
		key := types.ResourceKey(r)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		merged = append(merged, r)
	}

	if len(p.cfg.Sources) > 0 {
		decorated := make([]types.Resource, 0, len(merged))
		for _, r := range merged {
			decorated = append(decorated, withPermissions(r, AggregatePermissions(r, p.cfg.Sources)))
		}
		merged = decorated
	}

	if p.cfg.PostProcess != nil {
		processed, err := p.cfg.PostProcess(merged)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		merged = processed
	}

	for _, interceptor := range p.cfg.Interceptors {
		if !interceptor.Supports(p.cfg.Type) {
			continue
		}
		intercepted, err := interceptor.Intercept(merged)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		merged = intercepted
	}
	return merged, nil
}

// AllRestricted implements Provider.
func (p *BaseProvider) AllRestricted(ctx context.Context, roles []types.Role, isAdmin bool) ([]types.Resource, error) {
	all, err := p.All(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return FilterRestricted(all, roles, isAdmin), nil
}

// AllUnrestricted implements Provider.
func (p *BaseProvider) AllUnrestricted(ctx context.Context) ([]types.Resource, error) {
	all, err := p.All(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return FilterUnrestricted(all), nil
}

// GetByName implements Provider.
func (p *BaseProvider) GetByName(ctx context.Context, name string) (types.Resource, error) {
	if name == "" {
		return nil, trace.BadParameter("missing resource name")
	}
	all, err := p.All(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for _, r := range all {
		if strings.EqualFold(r.GetName(), name) {
			return r, nil
		}
	}
	return nil, trace.NotFound("%v %q not found", p.cfg.Type.KeySuffix(), name)
}

// FilterRestricted keeps access-controlled resources whose group set
// intersects the roles; admins keep every restricted resource.
func FilterRestricted(resources []types.Resource, roles []types.Role, isAdmin bool) []types.Resource {
	held := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		held[strings.ToLower(role.Name)] = struct{}{}
	}
	var out []types.Resource
	for _, r := range resources {
		ac, ok := r.(types.AccessControlled)
		if !ok || !ac.GetPermissions().IsRestricted() {
			continue
		}
		if isAdmin {
			out = append(out, r)
			continue
		}
		for _, g := range ac.GetPermissions().AllGroups() {
			if _, ok := held[g]; ok {
				out = append(out, r)
				break
			}
		}
	}
	return out
}

// FilterUnrestricted keeps resources with no declared permissions.
func FilterUnrestricted(resources []types.Resource) []types.Resource {
	var out []types.Resource
	for _, r := range resources {
		if ac, ok := r.(types.AccessControlled); ok && ac.GetPermissions().IsRestricted() {
			continue
		}
		out = append(out, r)
	}
	return out
}
