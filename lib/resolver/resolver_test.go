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

package resolver

import (
	"context"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gatewarden/gatewarden/api/types"
	"github.com/gatewarden/gatewarden/lib/loader"
	"github.com/gatewarden/gatewarden/lib/provider"
	"github.com/gatewarden/gatewarden/lib/roles"
)

func newRegistry(t *testing.T, resourcesByType map[types.ResourceType][]types.Resource) *provider.Registry {
	t.Helper()
	clock := clockwork.NewFakeClock()
	var providers []provider.Provider
	for resourceType, resources := range resourcesByType {
		resources := resources
		l, err := loader.New(loader.Config{
			Name:  resourceType.KeySuffix(),
			Clock: clock,
			Load: func(ctx context.Context) ([]types.Resource, error) {
				return resources, nil
			},
		})
		require.NoError(t, err)
		require.NoError(t, l.Refresh(context.Background()))
		p, err := provider.NewBaseProvider(provider.Config{
			Type:   resourceType,
			Loader: l,
			Clock:  clock,
		})
		require.NoError(t, err)
		providers = append(providers, p)
	}
	registry, err := provider.NewRegistry(providers...)
	require.NoError(t, err)
	return registry
}

func testResources() map[types.ResourceType][]types.Resource {
	return map[types.ResourceType][]types.Resource{
		types.ResourceTypeAccount: {
			&types.Account{Name: "open"},
			&types.Account{Name: "team-a-prod", Permissions: types.NewPermissions(map[types.Authorization][]string{
				types.Write: {"team-a"},
			})},
			&types.Account{Name: "team-b-prod", Permissions: types.NewPermissions(map[types.Authorization][]string{
				types.Write: {"team-b"},
			})},
		},
		types.ResourceTypeServiceAccount: {
			&types.ServiceAccount{Name: "deployer@svc", MemberOf: []string{"team-a"}},
		},
	}
}

func TestResolveSingleUser(t *testing.T) {
	rolesProvider := roles.NewStaticProvider(map[string][]types.Role{
		"alice": {{Name: "team-a", Source: types.RoleSourceLDAP}},
	})
	r, err := New(Config{
		RolesProvider: rolesProvider,
		Providers:     newRegistry(t, testResources()),
	})
	require.NoError(t, err)

	u, err := r.Resolve(context.Background(), "Alice")
	require.NoError(t, err)
	require.Equal(t, "alice", u.ID)
	require.False(t, u.Admin)
	require.Equal(t, []string{"team-a"}, u.RoleNames())
	require.Len(t, u.Accounts, 1)
	require.Equal(t, "team-a-prod", u.Accounts[0].Name)
}

func TestResolveAdmin(t *testing.T) {
	rolesProvider := roles.NewStaticProvider(map[string][]types.Role{
		"root": {{Name: "platform-admins"}},
	})
	r, err := New(Config{
		RolesProvider: rolesProvider,
		Providers:     newRegistry(t, testResources()),
		AdminRoles:    []string{"Platform-Admins"},
	})
	require.NoError(t, err)

	u, err := r.Resolve(context.Background(), "root")
	require.NoError(t, err)
	require.True(t, u.Admin)
	// admins see every restricted account
	require.Len(t, u.Accounts, 2)
}

func TestResolveUnrestricted(t *testing.T) {
	r, err := New(Config{
		RolesProvider: roles.NewStaticProvider(nil),
		Providers:     newRegistry(t, testResources()),
	})
	require.NoError(t, err)

	u, err := r.ResolveUnrestricted(context.Background())
	require.NoError(t, err)
	require.Equal(t, types.UnrestrictedUser, u.ID)
	require.Len(t, u.Accounts, 1)
	require.Equal(t, "open", u.Accounts[0].Name)
}

func TestResolveUnrestrictedWithAnonymousRoles(t *testing.T) {
	r, err := New(Config{
		RolesProvider:     roles.NewStaticProvider(nil),
		Providers:         newRegistry(t, testResources()),
		UnrestrictedRoles: []string{"team-b"},
	})
	require.NoError(t, err)

	u, err := r.ResolveUnrestricted(context.Background())
	require.NoError(t, err)
	require.Len(t, u.Accounts, 2)
}

func TestResolveServiceAccountUsesMemberOf(t *testing.T) {
	// the identity provider knows nothing about the service account
	r, err := New(Config{
		RolesProvider: roles.NewStaticProvider(nil),
		Providers:     newRegistry(t, testResources()),
	})
	require.NoError(t, err)

	u, err := r.Resolve(context.Background(), "deployer@svc")
	require.NoError(t, err)
	require.Equal(t, []string{"team-a"}, u.RoleNames())
	require.Len(t, u.Accounts, 1)
	require.Equal(t, "team-a-prod", u.Accounts[0].Name)
}

func TestResolveBatch(t *testing.T) {
	rolesProvider := roles.NewStaticProvider(map[string][]types.Role{
		"alice": {{Name: "team-a", Source: types.RoleSourceLDAP}},
		"bob":   {{Name: "team-b", Source: types.RoleSourceLDAP}},
	})
	r, err := New(Config{
		RolesProvider: rolesProvider,
		Providers:     newRegistry(t, testResources()),
	})
	require.NoError(t, err)

	got, err := r.ResolveBatch(context.Background(), []types.ExternalUser{
		{ID: "alice"},
		{ID: "bob", ExternalRoles: []types.Role{{Name: "team-a", Source: types.RoleSourceExternal}}},
		{ID: "ghost"},
	})
	require.NoError(t, err)
	require.Len(t, got, 3)

	require.Equal(t, []string{"team-a"}, got["alice"].RoleNames())
	require.Len(t, got["alice"].Accounts, 1)

	// external roles merge with provider roles
	require.Equal(t, []string{"team-a", "team-b"}, got["bob"].RoleNames())
	require.Len(t, got["bob"].Accounts, 2)

	// unknown upstream, but still resolvable through external roles
	require.Empty(t, got["ghost"].RoleNames())
	require.Empty(t, got["ghost"].Accounts)
}

func TestResolveBatchMatchesSingleResolve(t *testing.T) {
	rolesProvider := roles.NewStaticProvider(map[string][]types.Role{
		"alice": {{Name: "team-a", Source: types.RoleSourceLDAP}},
	})
	r, err := New(Config{
		RolesProvider: rolesProvider,
		Providers:     newRegistry(t, testResources()),
	})
	require.NoError(t, err)

	single, err := r.Resolve(context.Background(), "alice")
	require.NoError(t, err)
	batch, err := r.ResolveBatch(context.Background(), []types.ExternalUser{{ID: "alice"}})
	require.NoError(t, err)

	require.Equal(t, single.RoleNames(), batch["alice"].RoleNames())
	require.Equal(t, len(single.Accounts), len(batch["alice"].Accounts))
}
