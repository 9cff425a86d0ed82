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
	"strings"

	"github.com/gravitational/trace"

	"github.com/gatewarden/gatewarden/api/types"
)

// PermissionSource contributes access rules for a resource. A provider
// aggregates all of its sources by per-authorization union.
type PermissionSource interface {
	// Permissions returns the rules this source grants the resource,
	// possibly empty.
	Permissions(r types.Resource) types.Permissions
}

// DeclaredPermissionSource returns the rules the resource itself declares.
type DeclaredPermissionSource struct{}

// Permissions implements PermissionSource.
func (DeclaredPermissionSource) Permissions(r types.Resource) types.Permissions {
	if ac, ok := r.(types.AccessControlled); ok {
		return ac.GetPermissions()
	}
	return types.Permissions{}
}

// NamePrefixPermissionSource grants fixed rules to every resource whose
// name starts with the configured prefix stem.
type NamePrefixPermissionSource struct {
	stem        string
	permissions types.Permissions
}

// NewNamePrefixPermissionSource builds a prefix source. The prefix
// expression must end with "*".
func NewNamePrefixPermissionSource(prefix string, permissions types.Permissions) (*NamePrefixPermissionSource, error) {
	if !strings.HasSuffix(prefix, "*") {
		return nil, trace.BadParameter("prefix expression %q must end with a *", prefix)
	}
	return &NamePrefixPermissionSource{
		stem:        strings.TrimSuffix(prefix, "*"),
		permissions: permissions,
	}, nil
}

// Permissions implements PermissionSource.
func (s *NamePrefixPermissionSource) Permissions(r types.Resource) types.Permissions {
	if strings.HasPrefix(strings.ToLower(r.GetName()), strings.ToLower(s.stem)) {
		return s.permissions
	}
	return types.Permissions{}
}

// AggregatePermissions unions the rules of all sources for one resource.
func AggregatePermissions(r types.Resource, sources []PermissionSource) types.Permissions {
	if len(sources) == 0 {
		return DeclaredPermissionSource{}.Permissions(r)
	}
	all := make([]types.Permissions, 0, len(sources))
	for _, s := range sources {
		all = append(all, s.Permissions(r))
	}
	return types.CombinePermissions(all...)
}
