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
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestUserPermissionMerge(t *testing.T) {
	u := NewUserPermission("alice").AddResources([]Resource{
		&Account{Name: "prod"},
	})
	u.Roles = []Role{{Name: "devs", Source: RoleSourceLDAP}}

	other := NewUserPermission(UnrestrictedUser).AddResources([]Resource{
		&Account{Name: "shared"},
		&Application{Name: "statuspage"},
	})
	other.Admin = true

	u.Merge(other)
	require.True(t, u.Admin)
	require.Equal(t, "alice", u.ID)
	require.Len(t, u.Accounts, 2)
	require.Len(t, u.Applications, 1)

	// merging again changes nothing
	u.Merge(other)
	require.Len(t, u.Accounts, 2)
	require.Len(t, u.Applications, 1)
}

func TestUserPermissionMergeKeepsExistingOnCollision(t *testing.T) {
	mine := NewUserPermission("bob").AddResource(&Account{
		Name:        "prod",
		Permissions: NewPermissions(map[Authorization][]string{Write: {"admins"}}),
	})
	theirs := NewUserPermission(UnrestrictedUser).AddResource(&Account{Name: "PROD"})

	mine.Merge(theirs)
	require.Len(t, mine.Accounts, 1)
	require.Equal(t, []string{"admins"}, mine.Accounts[0].Permissions.Get(Write))
}

func TestUserPermissionUpsertReplacesByName(t *testing.T) {
	u := NewUserPermission("dana").AddResources([]Resource{
		&Account{Name: "prod"},
		&Application{Name: "frontend"},
		&BuildService{Name: "jenkins"},
		&ServiceAccount{Name: "deploy-bot"},
	})

	// a later resource with the same name, any case, replaces the entry
	u.AddResource(&Account{
		Name:        "PROD",
		Permissions: NewPermissions(map[Authorization][]string{Read: {"devs"}}),
	})
	require.Len(t, u.Accounts, 1)
	require.Equal(t, []string{"devs"}, u.Accounts[0].Permissions.Get(Read))

	require.Len(t, u.Applications, 1)
	require.Len(t, u.BuildServices, 1)
	require.Len(t, u.ServiceAccounts, 1)
}

func TestUserPermissionRoles(t *testing.T) {
	u := NewUserPermission("carol")
	u.AddResource(&Role{Name: "Team-A", Source: RoleSourceDirectory})
	u.AddResource(&Role{Name: "team-a", Source: RoleSourceExternal})
	u.AddResource(&Role{Name: "team-b", Source: RoleSourceDirectory})

	require.Equal(t, []string{"team-a", "team-b"}, u.RoleNames())

	ext := u.ExternalRoles()
	require.Len(t, ext, 1)
	require.Equal(t, "team-a", ext[0].Name)
}

func TestUserPermissionView(t *testing.T) {
	u := NewUserPermission("dave")
	u.Roles = []Role{{Name: "devs"}}
	u.AddResource(&Account{
		Name: "prod",
		Permissions: NewPermissions(map[Authorization][]string{
			Read:  {"devs"},
			Write: {"admins"},
		}),
	})
	u.AddResource(&Application{Name: "open"})

	view := u.View()
	require.Equal(t, "dave", view.Name)
	require.Len(t, view.Accounts, 1)
	require.Equal(t, []Authorization{Read}, view.Accounts[0].Authorizations)
	// unrestricted resources grant everything
	require.Equal(t, AllAuthorizations(), view.Applications[0].Authorizations)

	u.Admin = true
	view = u.View()
	require.Equal(t, AllAuthorizations(), view.Accounts[0].Authorizations)
}

func TestUserPermissionClone(t *testing.T) {
	u := NewUserPermission("erin")
	u.Admin = true
	u.Roles = []Role{{Name: "devs", Source: RoleSourceLDAP}}
	u.AddResource(&Account{
		Name:        "prod",
		Permissions: NewPermissions(map[Authorization][]string{Read: {"devs"}}),
	})

	clone := u.Clone()
	require.Empty(t, cmp.Diff(u, clone, cmp.AllowUnexported(Permissions{})))

	// mutating the clone leaves the original untouched
	clone.Roles[0].Name = "ops"
	clone.Accounts[0].Name = "staging"
	require.Equal(t, "devs", u.Roles[0].Name)
	require.Equal(t, "prod", u.Accounts[0].Name)
}

func TestServiceAccountExternalRoles(t *testing.T) {
	sa := &ServiceAccount{Name: "deploy@svc", MemberOf: []string{"Deployers", "ops"}}
	roles := sa.ExternalRoles()
	require.Len(t, roles, 2)
	for _, r := range roles {
		require.Equal(t, RoleSourceExternal, r.Source)
	}
	require.Equal(t, "deployers", roles[0].Name)
}

func TestUnmarshalResourceRegistry(t *testing.T) {
	r, err := UnmarshalResource(ResourceTypeAccount, "prod", []byte(`{"name":"prod","permissions":{"READ":["devs"]},"legacyField":true}`))
	require.NoError(t, err)
	account, ok := r.(*Account)
	require.True(t, ok)
	require.Equal(t, "prod", account.Name)
	require.Equal(t, []string{"devs"}, account.Permissions.Get(Read))

	// name falls back to the stored key when the body omits it
	r, err = UnmarshalResource(ResourceTypeRole, "devs", []byte(`{"source":"LDAP"}`))
	require.NoError(t, err)
	require.Equal(t, "devs", r.GetName())

	_, err = UnmarshalResource(ResourceType("GADGET"), "g", []byte(`{}`))
	require.Error(t, err)
}
