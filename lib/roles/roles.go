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

// Package roles defines the identity-provider boundary: group membership
// lookups for single users and batches.
package roles

import (
	"context"
	"strings"
	"sync"

	"github.com/gravitational/trace"

	"github.com/gatewarden/gatewarden/api/types"
)

// Provider returns the group memberships of users as named by the
// identity provider. Role names must be lower-cased by implementations.
//
// An empty role list means "not a member of anything"; an unknown user is
// an absent key in MultiLoadRoles.
type Provider interface {
	// LoadRoles returns the roles of one user.
	LoadRoles(ctx context.Context, userID string) ([]types.Role, error)
	// MultiLoadRoles returns the roles of each known user in the batch.
	MultiLoadRoles(ctx context.Context, userIDs []string) (map[string][]types.Role, error)
}

// StaticProvider serves role memberships from a fixed table. It backs
// tests and file-configured deployments.
type StaticProvider struct {
	mu    sync.RWMutex
	users map[string][]types.Role
}

// NewStaticProvider builds a provider over the given user→roles table.
func NewStaticProvider(users map[string][]types.Role) *StaticProvider {
	normalized := make(map[string][]types.Role, len(users))
	for id, userRoles := range users {
		normalized[strings.ToLower(id)] = normalizeRoles(userRoles)
	}
	return &StaticProvider{users: normalized}
}

// SetRoles replaces one user's memberships.
func (p *StaticProvider) SetRoles(userID string, userRoles []types.Role) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.users[strings.ToLower(userID)] = normalizeRoles(userRoles)
}

// RemoveUser drops a user from the table.
func (p *StaticProvider) RemoveUser(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.users, strings.ToLower(userID))
}

// LoadRoles implements Provider.
func (p *StaticProvider) LoadRoles(ctx context.Context, userID string) ([]types.Role, error) {
	if userID == "" {
		return nil, trace.BadParameter("missing user id")
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]types.Role, len(p.users[strings.ToLower(userID)]))
	copy(out, p.users[strings.ToLower(userID)])
	return out, nil
}

// MultiLoadRoles implements Provider.
func (p *StaticProvider) MultiLoadRoles(ctx context.Context, userIDs []string) (map[string][]types.Role, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string][]types.Role, len(userIDs))
	for _, id := range userIDs {
		id = strings.ToLower(id)
		userRoles, ok := p.users[id]
		if !ok {
			continue
		}
		cloned := make([]types.Role, len(userRoles))
		copy(cloned, userRoles)
		out[id] = cloned
	}
	return out, nil
}

func normalizeRoles(in []types.Role) []types.Role {
	out := make([]types.Role, 0, len(in))
	for _, r := range in {
		r.Name = strings.ToLower(strings.TrimSpace(r.Name))
		if r.Name == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
