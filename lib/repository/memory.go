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
	"strings"
	"sync"

	"github.com/gravitational/trace"

	"github.com/gatewarden/gatewarden/api/types"
)

// Memory is the in-memory repository, for tests and single-node
// deployments without a durable backend.
type Memory struct {
	mu    sync.RWMutex
	users map[string]*types.UserPermission
}

// NewMemory returns an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{users: make(map[string]*types.UserPermission)}
}

// Put implements Repository.
func (m *Memory) Put(ctx context.Context, u *types.UserPermission) error {
	if u == nil || u.ID == "" {
		return trace.BadParameter("missing user permission id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[strings.ToLower(u.ID)] = u.Clone()
	return nil
}

// PutAll implements Repository. Users absent from the input are removed,
// except the unrestricted user.
func (m *Memory) PutAll(ctx context.Context, users map[string]*types.UserPermission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := make(map[string]*types.UserPermission, len(users)+1)
	if unrestricted, ok := m.users[types.UnrestrictedUser]; ok {
		next[types.UnrestrictedUser] = unrestricted
	}
	for id, u := range users {
		if u == nil {
			continue
		}
		next[strings.ToLower(id)] = u.Clone()
	}
	m.users = next
	return nil
}

// Get implements Repository.
func (m *Memory) Get(ctx context.Context, id string) (*types.UserPermission, error) {
	if err := ValidateID(id); err != nil {
		return nil, trace.Wrap(err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	id = strings.ToLower(id)
	stored, ok := m.users[id]
	if !ok {
		return nil, trace.NotFound("user %q not found", id)
	}
	out := stored.Clone()
	if id != types.UnrestrictedUser {
		out.Merge(m.users[types.UnrestrictedUser])
	}
	return out, nil
}

// GetAllByID implements Repository.
func (m *Memory) GetAllByID(ctx context.Context) (map[string]*types.UserPermission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*types.UserPermission, len(m.users))
	unrestricted := m.users[types.UnrestrictedUser]
	for id, u := range m.users {
		cloned := u.Clone()
		if id != types.UnrestrictedUser {
			cloned.Merge(unrestricted)
		}
		out[id] = cloned
	}
	return out, nil
}

// GetAllByRoles implements Repository.
func (m *Memory) GetAllByRoles(ctx context.Context, anyRoles []string) (map[string]*types.UserPermission, error) {
	if anyRoles == nil {
		return m.GetAllByID(ctx)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*types.UserPermission)
	unrestricted := m.users[types.UnrestrictedUser]
	if unrestricted != nil {
		out[types.UnrestrictedUser] = unrestricted.Clone()
	}
	wanted := make(map[string]struct{}, len(anyRoles))
	for _, r := range anyRoles {
		wanted[strings.ToLower(strings.TrimSpace(r))] = struct{}{}
	}
	for id, u := range m.users {
		if id == types.UnrestrictedUser {
			continue
		}
		for _, name := range u.RoleNames() {
			if _, ok := wanted[name]; ok {
				out[id] = u.Clone().Merge(unrestricted)
				break
			}
		}
	}
	return out, nil
}

// Remove implements Repository.
func (m *Memory) Remove(ctx context.Context, id string) error {
	if err := ValidateID(id); err != nil {
		return trace.Wrap(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.users, strings.ToLower(id))
	return nil
}
