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

// ResourceView is the public projection of one resource: its name and the
// authorizations the user holds on it.
type ResourceView struct {
	Name           string          `json:"name"`
	Authorizations []Authorization `json:"authorizations"`
}

// RoleView is the public projection of one role membership.
type RoleView struct {
	Name   string     `json:"name"`
	Source RoleSource `json:"source,omitempty"`
}

// ServiceAccountView is the public projection of one service account.
type ServiceAccountView struct {
	Name     string   `json:"name"`
	MemberOf []string `json:"memberOf,omitempty"`
}

// UserPermissionView is the edge-facing shape of a user's permissions.
type UserPermissionView struct {
	Name                             string                    `json:"name"`
	Admin                            bool                      `json:"admin"`
	AllowAccessToUnknownApplications bool                      `json:"allowAccessToUnknownApplications"`
	Accounts                         []ResourceView            `json:"accounts"`
	Applications                     []ResourceView            `json:"applications"`
	BuildServices                    []ResourceView            `json:"buildServices"`
	ServiceAccounts                  []ServiceAccountView      `json:"serviceAccounts"`
	Roles                            []RoleView                `json:"roles"`
	Extensions                       map[string][]ResourceView `json:"extensions,omitempty"`
}

// View computes the public projection of the record: per resource, the
// authorizations obtained by intersecting the user's roles with the
// resource's declared permissions. Admins hold every authorization on
// every resource.
func (u *UserPermission) View() UserPermissionView {
	groups := u.RoleNames()
	authsFor := func(p Permissions) []Authorization {
		if u.Admin {
			return AllAuthorizations()
		}
		return p.Authorizations(groups)
	}

	view := UserPermissionView{
		Name:                             u.ID,
		Admin:                            u.Admin,
		AllowAccessToUnknownApplications: u.AllowAccessToUnknownApplications,
		Accounts:                         []ResourceView{},
		Applications:                     []ResourceView{},
		BuildServices:                    []ResourceView{},
		ServiceAccounts:                  []ServiceAccountView{},
		Roles:                            []RoleView{},
	}
	for _, a := range u.Accounts {
		view.Accounts = append(view.Accounts, ResourceView{Name: a.Name, Authorizations: authsFor(a.Permissions)})
	}
	for _, a := range u.Applications {
		view.Applications = append(view.Applications, ResourceView{Name: a.Name, Authorizations: authsFor(a.Permissions)})
	}
	for _, b := range u.BuildServices {
		view.BuildServices = append(view.BuildServices, ResourceView{Name: b.Name, Authorizations: authsFor(b.Permissions)})
	}
	for _, s := range u.ServiceAccounts {
		view.ServiceAccounts = append(view.ServiceAccounts, ServiceAccountView{Name: s.Name, MemberOf: s.MemberOf})
	}
	for _, r := range u.Roles {
		view.Roles = append(view.Roles, RoleView{Name: r.Name, Source: r.Source})
	}
	for _, e := range u.Extensions {
		if view.Extensions == nil {
			view.Extensions = make(map[string][]ResourceView)
		}
		suffix := e.Type.KeySuffix()
		view.Extensions[suffix] = append(view.Extensions[suffix], ResourceView{Name: e.Name, Authorizations: authsFor(e.Permissions)})
	}
	return view
}

// ExternalUser pairs a user id with roles supplied from outside the
// identity provider, so those roles survive resolution.
type ExternalUser struct {
	ID            string
	ExternalRoles []Role
}
