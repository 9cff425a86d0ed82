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
	"sort"
	"strings"
)

// UnrestrictedUser is the reserved id of the synthetic anonymous user.
// Its permission record holds the minimum granted to any session and is
// merged into every other user's record on read. Bulk operations never
// delete it.
const UnrestrictedUser = "__unrestricted_user__"

// UserPermission is the effective permission set of one user: the
// resources the user may act on, the roles that granted them, and the
// admin flag.
type UserPermission struct {
	ID                               string
	Admin                            bool
	AllowAccessToUnknownApplications bool

	Accounts        []Account
	Applications    []Application
	BuildServices   []BuildService
	ServiceAccounts []ServiceAccount
	Roles           []Role
	Extensions      []ExtensionResource
}

// NewUserPermission returns an empty permission record for the given id.
func NewUserPermission(id string) *UserPermission {
	return &UserPermission{ID: strings.ToLower(strings.TrimSpace(id))}
}

// WithRoles replaces the role set and returns the record.
func (u *UserPermission) WithRoles(roles []Role) *UserPermission {
	u.Roles = nil
	u.addRoles(roles)
	return u
}

// AddResources folds resources into the record, deduplicating by
// case-insensitive name within each type. A later resource with the same
// name replaces the earlier one.
func (u *UserPermission) AddResources(resources []Resource) *UserPermission {
	for _, r := range resources {
		u.AddResource(r)
	}
	return u
}

// AddResource folds a single resource into the record.
func (u *UserPermission) AddResource(r Resource) *UserPermission {
	switch v := r.(type) {
	case *Account:
		u.Accounts = upsertResource(u.Accounts, *v)
	case *Application:
		u.Applications = upsertResource(u.Applications, *v)
	case *BuildService:
		u.BuildServices = upsertResource(u.BuildServices, *v)
	case *ServiceAccount:
		u.ServiceAccounts = upsertResource(u.ServiceAccounts, *v)
	case *Role:
		u.addRoles([]Role{*v})
	case *ExtensionResource:
		u.Extensions = upsertExtension(u.Extensions, *v)
	}
	return u
}

// AllResources returns every resource in the record.
func (u *UserPermission) AllResources() []Resource {
	var out []Resource
	for i := range u.Accounts {
		out = append(out, &u.Accounts[i])
	}
	for i := range u.Applications {
		out = append(out, &u.Applications[i])
	}
	for i := range u.BuildServices {
		out = append(out, &u.BuildServices[i])
	}
	for i := range u.ServiceAccounts {
		out = append(out, &u.ServiceAccounts[i])
	}
	for i := range u.Roles {
		out = append(out, &u.Roles[i])
	}
	for i := range u.Extensions {
		out = append(out, &u.Extensions[i])
	}
	return out
}

// RoleNames returns the lower-cased names of the user's roles, sorted.
func (u *UserPermission) RoleNames() []string {
	names := make([]string, 0, len(u.Roles))
	for _, r := range u.Roles {
		names = append(names, strings.ToLower(r.Name))
	}
	sort.Strings(names)
	return names
}

// ExternalRoles returns the roles tagged EXTERNAL, the ones the syncer
// must carry across refreshes.
func (u *UserPermission) ExternalRoles() []Role {
	var out []Role
	for _, r := range u.Roles {
		if r.Source == RoleSourceExternal {
			out = append(out, r)
		}
	}
	return out
}

// Merge unions other's resource sets into this record and ORs the admin
// flags. The receiver is returned.
func (u *UserPermission) Merge(other *UserPermission) *UserPermission {
	if other == nil {
		return u
	}
	u.Admin = u.Admin || other.Admin
	u.AllowAccessToUnknownApplications = u.AllowAccessToUnknownApplications || other.AllowAccessToUnknownApplications
	for _, a := range other.Accounts {
		u.Accounts = mergeResource(u.Accounts, a)
	}
	for _, a := range other.Applications {
		u.Applications = mergeResource(u.Applications, a)
	}
	for _, b := range other.BuildServices {
		u.BuildServices = mergeResource(u.BuildServices, b)
	}
	for _, s := range other.ServiceAccounts {
		u.ServiceAccounts = mergeResource(u.ServiceAccounts, s)
	}
	u.addRoles(other.Roles)
	for _, e := range other.Extensions {
		u.Extensions = mergeExtension(u.Extensions, e)
	}
	return u
}

// Clone returns a deep copy.
func (u *UserPermission) Clone() *UserPermission {
	out := &UserPermission{
		ID:                               u.ID,
		Admin:                            u.Admin,
		AllowAccessToUnknownApplications: u.AllowAccessToUnknownApplications,
	}
	out.Accounts = append(out.Accounts, u.Accounts...)
	out.Applications = append(out.Applications, u.Applications...)
	out.BuildServices = append(out.BuildServices, u.BuildServices...)
	out.ServiceAccounts = append(out.ServiceAccounts, u.ServiceAccounts...)
	out.Roles = append(out.Roles, u.Roles...)
	out.Extensions = append(out.Extensions, u.Extensions...)
	return out
}

func (u *UserPermission) addRoles(roles []Role) {
	for _, role := range roles {
		role.Name = strings.ToLower(strings.TrimSpace(role.Name))
		if role.Name == "" {
			continue
		}
		found := false
		for i, existing := range u.Roles {
			if existing.Name == role.Name {
				// an EXTERNAL tag wins over a provider tag so the role
				// keeps surviving syncs
				if role.Source == RoleSourceExternal {
					u.Roles[i].Source = RoleSourceExternal
				}
				found = true
				break
			}
		}
		if !found {
			u.Roles = append(u.Roles, role)
		}
	}
	sort.Slice(u.Roles, func(i, j int) bool { return u.Roles[i].Name < u.Roles[j].Name })
}

// keyedResource constrains a resource value type through its pointer
// type, which is the one carrying the methods.
type keyedResource[T any] interface {
	*T
	GetName() string
}

func upsertResource[T any, PT keyedResource[T]](set []T, r T) []T {
	key := strings.ToLower(PT(&r).GetName())
	for i := range set {
		if strings.ToLower(PT(&set[i]).GetName()) == key {
			set[i] = r
			return set
		}
	}
	set = append(set, r)
	sortResources[T, PT](set)
	return set
}

// mergeResource keeps the existing entry on name collision, matching the
// merge semantics of set union.
func mergeResource[T any, PT keyedResource[T]](set []T, r T) []T {
	key := strings.ToLower(PT(&r).GetName())
	for i := range set {
		if strings.ToLower(PT(&set[i]).GetName()) == key {
			return set
		}
	}
	set = append(set, r)
	sortResources[T, PT](set)
	return set
}

func sortResources[T any, PT keyedResource[T]](set []T) {
	sort.Slice(set, func(i, j int) bool {
		return strings.ToLower(PT(&set[i]).GetName()) < strings.ToLower(PT(&set[j]).GetName())
	})
}

func upsertExtension(set []ExtensionResource, e ExtensionResource) []ExtensionResource {
	for i := range set {
		if set[i].Type == e.Type && strings.EqualFold(set[i].Name, e.Name) {
			set[i] = e
			return set
		}
	}
	set = append(set, e)
	sort.Slice(set, func(i, j int) bool {
		if set[i].Type != set[j].Type {
			return set[i].Type < set[j].Type
		}
		return strings.ToLower(set[i].Name) < strings.ToLower(set[j].Name)
	})
	return set
}

func mergeExtension(set []ExtensionResource, e ExtensionResource) []ExtensionResource {
	for i := range set {
		if set[i].Type == e.Type && strings.EqualFold(set[i].Name, e.Name) {
			return set
		}
	}
	return upsertExtension(set, e)
}
