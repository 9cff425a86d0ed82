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

	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gatewarden/gatewarden/api/types"
)

var dualPreviousHits = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "gatewarden_repository_dual_previous_hits_total",
	Help: "Reads served by the previous repository during a migration.",
})

func init() {
	prometheus.MustRegister(dualPreviousHits)
}

// Dual is the migration repository: writes go to the primary, reads
// prefer the primary and fall back to the previous store.
type Dual struct {
	primary  Repository
	previous Repository
}

// NewDual builds a dual repository.
func NewDual(primary, previous Repository) (*Dual, error) {
	if primary == nil {
		return nil, trace.BadParameter("missing primary repository")
	}
	if previous == nil {
		return nil, trace.BadParameter("missing previous repository")
	}
	return &Dual{primary: primary, previous: previous}, nil
}

// Put implements Repository; writes reach the primary only.
func (d *Dual) Put(ctx context.Context, u *types.UserPermission) error {
	return trace.Wrap(d.primary.Put(ctx, u))
}

// PutAll implements Repository; writes reach the primary only.
func (d *Dual) PutAll(ctx context.Context, users map[string]*types.UserPermission) error {
	return trace.Wrap(d.primary.PutAll(ctx, users))
}

// Get implements Repository.
func (d *Dual) Get(ctx context.Context, id string) (*types.UserPermission, error) {
	u, err := d.primary.Get(ctx, id)
	if err == nil {
		return u, nil
	}
	if !trace.IsNotFound(err) {
		return nil, trace.Wrap(err)
	}
	u, err = d.previous.Get(ctx, id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	dualPreviousHits.Inc()
	return u, nil
}

// GetAllByID implements Repository; unions both stores, primary wins on
// id collision.
func (d *Dual) GetAllByID(ctx context.Context) (map[string]*types.UserPermission, error) {
	primary, err := d.primary.GetAllByID(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	previous, err := d.previous.GetAllByID(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return unionMaps(primary, previous), nil
}

// GetAllByRoles implements Repository; unions both stores, primary wins
// on id collision.
func (d *Dual) GetAllByRoles(ctx context.Context, anyRoles []string) (map[string]*types.UserPermission, error) {
	primary, err := d.primary.GetAllByRoles(ctx, anyRoles)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	previous, err := d.previous.GetAllByRoles(ctx, anyRoles)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return unionMaps(primary, previous), nil
}

// Remove implements Repository; deletes from both stores.
func (d *Dual) Remove(ctx context.Context, id string) error {
	return trace.NewAggregate(d.primary.Remove(ctx, id), d.previous.Remove(ctx, id))
}

func unionMaps(primary, previous map[string]*types.UserPermission) map[string]*types.UserPermission {
	out := make(map[string]*types.UserPermission, len(primary)+len(previous))
	for id, u := range previous {
		out[id] = u
	}
	for id, u := range primary {
		out[id] = u
	}
	return out
}
