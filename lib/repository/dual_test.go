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
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestDualReadsPreferPrimary(t *testing.T) {
	ctx := context.Background()
	primary, previous := NewMemory(), NewMemory()

	stale := userWithRoles("alice", "old-role")
	require.NoError(t, previous.Put(ctx, stale))
	fresh := userWithRoles("alice", "new-role")
	require.NoError(t, primary.Put(ctx, fresh))
	require.NoError(t, previous.Put(ctx, userWithRoles("legacy", "team-z")))

	dual, err := NewDual(primary, previous)
	require.NoError(t, err)

	got, err := dual.Get(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, []string{"new-role"}, got.RoleNames())

	// only in the previous store: served from there
	got, err = dual.Get(ctx, "legacy")
	require.NoError(t, err)
	require.Equal(t, []string{"team-z"}, got.RoleNames())

	_, err = dual.Get(ctx, "nobody")
	require.True(t, trace.IsNotFound(err))
}

func TestDualWritesReachPrimaryOnly(t *testing.T) {
	ctx := context.Background()
	primary, previous := NewMemory(), NewMemory()
	dual, err := NewDual(primary, previous)
	require.NoError(t, err)

	require.NoError(t, dual.Put(ctx, userWithRoles("bob", "team-b")))
	_, err = primary.Get(ctx, "bob")
	require.NoError(t, err)
	_, err = previous.Get(ctx, "bob")
	require.True(t, trace.IsNotFound(err))
}

func TestDualGetAllUnions(t *testing.T) {
	ctx := context.Background()
	primary, previous := NewMemory(), NewMemory()
	require.NoError(t, primary.Put(ctx, userWithRoles("alice", "new-role")))
	require.NoError(t, previous.Put(ctx, userWithRoles("alice", "old-role")))
	require.NoError(t, previous.Put(ctx, userWithRoles("legacy", "team-z")))

	dual, err := NewDual(primary, previous)
	require.NoError(t, err)

	all, err := dual.GetAllByID(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, []string{"new-role"}, all["alice"].RoleNames())
}

func TestDualRemoveHitsBoth(t *testing.T) {
	ctx := context.Background()
	primary, previous := NewMemory(), NewMemory()
	require.NoError(t, primary.Put(ctx, userWithRoles("alice", "a")))
	require.NoError(t, previous.Put(ctx, userWithRoles("alice", "b")))

	dual, err := NewDual(primary, previous)
	require.NoError(t, err)
	require.NoError(t, dual.Remove(ctx, "alice"))

	_, err = dual.Get(ctx, "alice")
	require.True(t, trace.IsNotFound(err))
}

func TestTimeoutContext(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tc := NewTimeoutContext("getAllByID", clock, 10*time.Second)
	require.NoError(t, tc.Check())
	clock.Advance(11 * time.Second)
	err := tc.Check()
	require.True(t, IsReadTimeout(err))
}
