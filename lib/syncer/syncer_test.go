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

package syncer

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gatewarden/gatewarden/api/types"
	"github.com/gatewarden/gatewarden/lib/loader"
	"github.com/gatewarden/gatewarden/lib/lock"
	"github.com/gatewarden/gatewarden/lib/provider"
	"github.com/gatewarden/gatewarden/lib/repository"
	"github.com/gatewarden/gatewarden/lib/resolver"
	"github.com/gatewarden/gatewarden/lib/roles"
)

func newTestSyncer(t *testing.T, repo repository.Repository, rolesProvider *roles.StaticProvider, registry *provider.Registry) *Syncer {
	t.Helper()
	if registry == nil {
		var err error
		registry, err = provider.NewRegistry()
		require.NoError(t, err)
	}
	res, err := resolver.New(resolver.Config{
		RolesProvider: rolesProvider,
		Providers:     registry,
	})
	require.NoError(t, err)
	s, err := New(Config{
		Resolver:   res,
		Repository: repo,
		Providers:  registry,
		Locker:     lock.NewLocal(clockwork.NewFakeClock()),
		Enabled:    true,
	})
	require.NoError(t, err)
	s.SetInService(true)
	return s
}

func TestSyncPreservesExternalRoles(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()

	stored := types.NewUserPermission("u")
	stored.AddResource(&types.Role{Name: "r_internal", Source: types.RoleSourceLDAP})
	stored.AddResource(&types.Role{Name: "r_external", Source: types.RoleSourceExternal})
	require.NoError(t, repo.Put(ctx, stored))

	// the identity provider only knows about the internal role
	rolesProvider := roles.NewStaticProvider(map[string][]types.Role{
		"u": {{Name: "r_internal", Source: types.RoleSourceLDAP}},
	})

	s := newTestSyncer(t, repo, rolesProvider, nil)
	n, err := s.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	got, err := repo.Get(ctx, "u")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"r_internal", "r_external"}, got.RoleNames())
}

func TestSyncSeedsUnrestricted(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	s := newTestSyncer(t, repo, roles.NewStaticProvider(nil), nil)

	_, err := s.Sync(ctx)
	require.NoError(t, err)

	_, err = repo.Get(ctx, types.UnrestrictedUser)
	require.NoError(t, err)
}

func TestSyncIncludesServiceAccounts(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()

	saLoader, err := loader.New(loader.Config{
		Name: "service_accounts",
		Load: func(ctx context.Context) ([]types.Resource, error) {
			return []types.Resource{
				&types.ServiceAccount{Name: "deploy-bot", MemberOf: []string{"team-a"}},
			}, nil
		},
	})
	require.NoError(t, err)
	require.NoError(t, saLoader.Refresh(ctx))
	sa, err := provider.NewBaseProvider(provider.Config{
		Type:   types.ResourceTypeServiceAccount,
		Loader: saLoader,
	})
	require.NoError(t, err)

	accountLoader, err := loader.New(loader.Config{
		Name: "accounts",
		Load: func(ctx context.Context) ([]types.Resource, error) {
			return []types.Resource{
				&types.Account{
					Name: "prod",
					Permissions: types.NewPermissions(map[types.Authorization][]string{
						types.Write: {"team-a"},
					}),
				},
			}, nil
		},
	})
	require.NoError(t, err)
	require.NoError(t, accountLoader.Refresh(ctx))
	accounts, err := provider.NewBaseProvider(provider.Config{
		Type:   types.ResourceTypeAccount,
		Loader: accountLoader,
	})
	require.NoError(t, err)

	registry, err := provider.NewRegistry(sa, accounts)
	require.NoError(t, err)

	s := newTestSyncer(t, repo, roles.NewStaticProvider(nil), registry)
	_, err = s.Sync(ctx)
	require.NoError(t, err)

	// the memberOf groups must resolve as the account's roles, and the
	// resources those groups grant must land in the stored record
	got, err := repo.Get(ctx, "deploy-bot")
	require.NoError(t, err)
	require.Contains(t, got.RoleNames(), "team-a")
	require.Len(t, got.Accounts, 1)
	require.Equal(t, "prod", got.Accounts[0].Name)
}

func TestRunDisabledByWriteMode(t *testing.T) {
	repo := repository.NewMemory()
	res, err := resolver.New(resolver.Config{
		RolesProvider: roles.NewStaticProvider(nil),
		Providers:     mustRegistry(t),
	})
	require.NoError(t, err)
	s, err := New(Config{
		Resolver:   res,
		Repository: repo,
		Providers:  mustRegistry(t),
		Locker:     lock.NewLocal(clockwork.NewFakeClock()),
		Enabled:    false,
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return with write mode disabled")
	}
}

func mustRegistry(t *testing.T) *provider.Registry {
	t.Helper()
	r, err := provider.NewRegistry()
	require.NoError(t, err)
	return r
}
