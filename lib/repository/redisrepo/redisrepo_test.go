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

package redisrepo

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gravitational/trace"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/gatewarden/gatewarden/api/types"
)

func newTestRepo(t *testing.T) (*Repository, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })
	repo, err := New(Config{Client: client, KeyPrefix: "gatewarden"})
	require.NoError(t, err)
	return repo, srv
}

func isMember(t *testing.T, srv *miniredis.Miniredis, key, val string) bool {
	t.Helper()
	ok, err := srv.SIsMember(key, val)
	if err != nil {
		// missing key reads as not a member
		return false
	}
	return ok
}

func newUser(id string, roleNames ...string) *types.UserPermission {
	u := types.NewUserPermission(id)
	for _, r := range roleNames {
		u.AddResource(&types.Role{Name: r, Source: types.RoleSourceLDAP})
	}
	return u
}

func TestRedisPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepo(t)

	alice := newUser("alice", "team-a")
	alice.AddResource(&types.Account{
		Name: "prod",
		Permissions: types.NewPermissions(map[types.Authorization][]string{
			types.Read: {"team-a"},
		}),
	})
	require.NoError(t, repo.Put(ctx, alice))

	got, err := repo.Get(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, "alice", got.ID)
	require.Len(t, got.Accounts, 1)
	require.Equal(t, "prod", got.Accounts[0].Name)
	require.Equal(t, []string{"team-a"},
		got.Accounts[0].Permissions.Get(types.Read))
	require.Equal(t, []string{"team-a"}, got.RoleNames())

	_, err = repo.Get(ctx, "nobody")
	require.True(t, trace.IsNotFound(err))
}

func TestRedisKeyLayout(t *testing.T) {
	ctx := context.Background()
	repo, srv := newTestRepo(t)

	alice := newUser("alice", "team-a")
	alice.Admin = true
	require.NoError(t, repo.Put(ctx, alice))

	require.True(t, isMember(t, srv, "gatewarden:users", "alice"))
	require.True(t, isMember(t, srv, "gatewarden:permissions:admin", "alice"))
	require.True(t, isMember(t, srv, "gatewarden:roles:team-a", "alice"))
	require.True(t, srv.Exists("gatewarden:permissions:alice:role"))
}

func TestRedisRoleSetDelta(t *testing.T) {
	ctx := context.Background()
	repo, srv := newTestRepo(t)

	require.NoError(t, repo.Put(ctx, newUser("alice", "team-a", "team-b")))
	require.True(t, isMember(t, srv, "gatewarden:roles:team-a", "alice"))

	// replacing the role set removes alice from dropped role sets
	require.NoError(t, repo.Put(ctx, newUser("alice", "team-b", "team-c")))
	require.False(t, isMember(t, srv, "gatewarden:roles:team-a", "alice"))
	require.True(t, isMember(t, srv, "gatewarden:roles:team-b", "alice"))
	require.True(t, isMember(t, srv, "gatewarden:roles:team-c", "alice"))
}

func TestRedisGetMergesUnrestricted(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepo(t)

	unrestricted := types.NewUserPermission(types.UnrestrictedUser)
	unrestricted.AddResource(&types.Account{Name: "shared"})
	require.NoError(t, repo.Put(ctx, unrestricted))

	alice := newUser("alice", "team-a")
	alice.AddResource(&types.Account{Name: "prod"})
	require.NoError(t, repo.Put(ctx, alice))

	got, err := repo.Get(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, got.Accounts, 2)

	got, err = repo.Get(ctx, types.UnrestrictedUser)
	require.NoError(t, err)
	require.Len(t, got.Accounts, 1)
}

func TestRedisLastModified(t *testing.T) {
	ctx := context.Background()
	repo, srv := newTestRepo(t)

	require.NoError(t, repo.Put(ctx, newUser("alice", "team-a")))
	require.False(t, srv.Exists("gatewarden:last_modified:"+types.UnrestrictedUser))

	require.NoError(t, repo.Put(ctx, types.NewUserPermission(types.UnrestrictedUser)))
	require.True(t, srv.Exists("gatewarden:last_modified:"+types.UnrestrictedUser))
}

func TestRedisPutAllPrunesOrphans(t *testing.T) {
	ctx := context.Background()
	repo, srv := newTestRepo(t)

	require.NoError(t, repo.Put(ctx, types.NewUserPermission(types.UnrestrictedUser)))
	require.NoError(t, repo.Put(ctx, newUser("alice", "team-a")))

	require.NoError(t, repo.PutAll(ctx, map[string]*types.UserPermission{
		"bob":   newUser("bob", "team-b"),
		"carol": newUser("carol", "team-c"),
	}))

	_, err := repo.Get(ctx, "alice")
	require.True(t, trace.IsNotFound(err))
	require.False(t, isMember(t, srv, "gatewarden:roles:team-a", "alice"))

	_, err = repo.Get(ctx, types.UnrestrictedUser)
	require.NoError(t, err)

	all, err := repo.GetAllByID(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
}

func TestRedisGetAllByRoles(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepo(t)

	unrestricted := types.NewUserPermission(types.UnrestrictedUser)
	unrestricted.AddResource(&types.Account{Name: "shared"})
	require.NoError(t, repo.Put(ctx, unrestricted))
	require.NoError(t, repo.Put(ctx, newUser("user1", "role1")))
	require.NoError(t, repo.Put(ctx, newUser("user2", "role2")))
	require.NoError(t, repo.Put(ctx, newUser("user3", "role3")))

	all, err := repo.GetAllByRoles(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 4)

	onlyUnrestricted, err := repo.GetAllByRoles(ctx, []string{})
	require.NoError(t, err)
	require.Len(t, onlyUnrestricted, 1)
	require.Contains(t, onlyUnrestricted, types.UnrestrictedUser)

	matched, err := repo.GetAllByRoles(ctx, []string{"role2", "role3"})
	require.NoError(t, err)
	require.Len(t, matched, 3)
	require.Contains(t, matched, "user2")
	require.Contains(t, matched, "user3")
	require.Len(t, matched["user2"].Accounts, 1)
}

func TestRedisRemove(t *testing.T) {
	ctx := context.Background()
	repo, srv := newTestRepo(t)

	require.NoError(t, repo.Put(ctx, newUser("alice", "team-a")))
	require.NoError(t, repo.Remove(ctx, "alice"))

	_, err := repo.Get(ctx, "alice")
	require.True(t, trace.IsNotFound(err))
	require.False(t, isMember(t, srv, "gatewarden:users", "alice"))
	require.False(t, isMember(t, srv, "gatewarden:roles:team-a", "alice"))
	require.False(t, srv.Exists("gatewarden:permissions:alice:role"))
}
