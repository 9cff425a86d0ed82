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

package provider

import (
	"github.com/gravitational/trace"

	"github.com/gatewarden/gatewarden/api/types"
	"github.com/gatewarden/gatewarden/lib/loader"
)

// Registry holds every wired resource provider, including extension
// providers registered at start-up.
type Registry struct {
	providers []Provider
	byType    map[types.ResourceType]Provider
}

// NewRegistry builds a registry from the given providers.
func NewRegistry(providers ...Provider) (*Registry, error) {
	r := &Registry{byType: make(map[types.ResourceType]Provider, len(providers))}
	for _, p := range providers {
		if err := r.Add(p); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	return r, nil
}

// Add registers a provider; one provider per resource type.
func (r *Registry) Add(p Provider) error {
	if p == nil {
		return trace.BadParameter("missing provider")
	}
	if _, ok := r.byType[p.ResourceType()]; ok {
		return trace.AlreadyExists("provider for resource type %q already registered", p.ResourceType())
	}
	r.byType[p.ResourceType()] = p
	r.providers = append(r.providers, p)
	return nil
}

// All returns every registered provider in registration order.
func (r *Registry) All() []Provider {
	out := make([]Provider, len(r.providers))
	copy(out, r.providers)
	return out
}

// ByType returns the provider for a type.
func (r *Registry) ByType(t types.ResourceType) (Provider, error) {
	p, ok := r.byType[t]
	if !ok {
		return nil, trace.NotFound("no provider registered for resource type %q", t)
	}
	return p, nil
}

// Health returns the health trackers of every provider's loaders.
func (r *Registry) Health() []*loader.HealthTracker {
	var out []*loader.HealthTracker
	for _, p := range r.providers {
		out = append(out, p.Health()...)
	}
	return out
}

// IsHealthy reports whether every loader behind every provider is
// healthy.
func (r *Registry) IsHealthy() bool {
	for _, tracker := range r.Health() {
		if !tracker.IsHealthy() {
			return false
		}
	}
	return true
}
