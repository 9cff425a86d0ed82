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

package types

import (
	"strings"
)

// Resource is a single entry pulled from an external system of record.
// Resource names are case-insensitive identities within a type.
type Resource interface {
	// GetName returns the resource name.
	GetName() string
	// GetResourceType returns the type tag.
	GetResourceType() ResourceType
}

// AccessControlled is a resource whose declared permissions control who
// may act on it.
type AccessControlled interface {
	Resource
	// GetPermissions returns the declared access rules.
	GetPermissions() Permissions
}

// RoleSource tags where a role membership was learned from.
type RoleSource string

const (
	// RoleSourceExternal marks roles supplied by callers rather than the
	// identity provider. External roles survive syncs.
	RoleSourceExternal RoleSource = "EXTERNAL"
	// RoleSourceDirectory marks roles from the directory API.
	RoleSourceDirectory RoleSource = "DIRECTORY"
	// RoleSourceTeams marks roles from the team membership API.
	RoleSourceTeams RoleSource = "TEAMS"
	// RoleSourceLDAP marks roles from the LDAP directory.
	RoleSourceLDAP RoleSource = "LDAP"
)

// Account is a cloud account registry entry.
type Account struct {
	Name        string      `json:"name"`
	Permissions Permissions `json:"permissions,omitempty"`
}

// GetName returns the account name.
func (a *Account) GetName() string { return a.Name }

// GetResourceType returns ACCOUNT.
func (a *Account) GetResourceType() ResourceType { return ResourceTypeAccount }

// GetPermissions returns the account's declared access rules.
func (a *Account) GetPermissions() Permissions { return a.Permissions }

func (a *Account) setName(name string) { a.Name = name }

// Application is an application registry entry. Entries whose name ends in
// "*" are prefix entries: they contribute permissions to every matching
// application but never appear in a final resource set.
type Application struct {
	Name        string      `json:"name"`
	Permissions Permissions `json:"permissions,omitempty"`
}

// GetName returns the application name.
func (a *Application) GetName() string { return a.Name }

// GetResourceType returns APPLICATION.
func (a *Application) GetResourceType() ResourceType { return ResourceTypeApplication }

// GetPermissions returns the application's declared access rules.
func (a *Application) GetPermissions() Permissions { return a.Permissions }

// IsPrefix reports whether this entry is a prefix expression.
func (a *Application) IsPrefix() bool { return strings.HasSuffix(a.Name, "*") }

// PrefixStem returns the prefix expression with the trailing star removed.
func (a *Application) PrefixStem() string { return strings.TrimSuffix(a.Name, "*") }

func (a *Application) setName(name string) { a.Name = name }

// BuildService is a build system registry entry.
type BuildService struct {
	Name        string      `json:"name"`
	Permissions Permissions `json:"permissions,omitempty"`
}

// GetName returns the build service name.
func (b *BuildService) GetName() string { return b.Name }

// GetResourceType returns BUILD_SERVICE.
func (b *BuildService) GetResourceType() ResourceType { return ResourceTypeBuildService }

// GetPermissions returns the build service's declared access rules.
func (b *BuildService) GetPermissions() Permissions { return b.Permissions }

func (b *BuildService) setName(name string) { b.Name = name }

// Role is a group membership. As a stored resource its permissions are
// the role itself: holding the group grants the role.
type Role struct {
	Name   string     `json:"name"`
	Source RoleSource `json:"source,omitempty"`
}

// NewRole returns a role with a normalized name and no source.
func NewRole(name string) Role {
	return Role{Name: strings.ToLower(strings.TrimSpace(name))}
}

// GetName returns the role name.
func (r *Role) GetName() string { return r.Name }

// GetResourceType returns ROLE.
func (r *Role) GetResourceType() ResourceType { return ResourceTypeRole }

// GetPermissions returns the role's implicit access rule: membership in
// the identically named group grants READ.
func (r *Role) GetPermissions() Permissions {
	return NewPermissions(map[Authorization][]string{Read: {r.Name}})
}

func (r *Role) setName(name string) { r.Name = name }

// ServiceAccount is an automation identity. Its memberOf list acts as the
// required group memberships when the account is treated as a user.
type ServiceAccount struct {
	Name     string   `json:"name"`
	MemberOf []string `json:"memberOf,omitempty"`
}

// GetName returns the service account name.
func (s *ServiceAccount) GetName() string { return s.Name }

// GetResourceType returns SERVICE_ACCOUNT.
func (s *ServiceAccount) GetResourceType() ResourceType { return ResourceTypeServiceAccount }

// GetPermissions returns membership-derived access rules: each memberOf
// group may READ the account.
func (s *ServiceAccount) GetPermissions() Permissions {
	if len(s.MemberOf) == 0 {
		return Permissions{}
	}
	return NewPermissions(map[Authorization][]string{Read: s.MemberOf})
}

// ExternalRoles returns the memberOf list as EXTERNAL-tagged roles, for
// resolving the service account as a user.
func (s *ServiceAccount) ExternalRoles() []Role {
	out := make([]Role, 0, len(s.MemberOf))
	for _, m := range s.MemberOf {
		role := NewRole(m)
		role.Source = RoleSourceExternal
		out = append(out, role)
	}
	return out
}

func (s *ServiceAccount) setName(name string) { s.Name = name }

// ExtensionResource is a resource of a type the core does not know the
// fields of. The raw body round-trips unmodified.
type ExtensionResource struct {
	Type        ResourceType `json:"resourceType"`
	Name        string       `json:"name"`
	Permissions Permissions  `json:"permissions,omitempty"`
}

// GetName returns the resource name.
func (e *ExtensionResource) GetName() string { return e.Name }

// GetResourceType returns the registered extension type.
func (e *ExtensionResource) GetResourceType() ResourceType { return e.Type }

// GetPermissions returns the declared access rules.
func (e *ExtensionResource) GetPermissions() Permissions { return e.Permissions }

// ResourceKey returns the case-folded identity of a resource within its
// type.
func ResourceKey(r Resource) string {
	return strings.ToLower(r.GetName())
}
