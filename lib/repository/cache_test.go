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

	"github.com/gatewarden/gatewarden/api/types"
)

type fakeBackend struct {
	key      string
	keyErr   error
	value    *types.UserPermission
	loadErr  error
	keyCalls int
	loads    int
}

func (f *fakeBackend) loadKey(ctx context.Context) (string, error) {
	f.keyCalls++
	if f.keyErr != nil {
		return "", f.keyErr
	}
	return f.key, nil
}

func (f *fakeBackend) load(ctx context.Context) (*types.UserPermission, error) {
	f.loads++
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return f.value, nil
}

func unrestrictedWith(account string) *types.UserPermission {
	u := types.NewUserPermission(types.UnrestrictedUser)
	u.AddResource(&types.Account{Name: account})
	return u
}

func newTestCache(t *testing.T, backend *fakeBackend, clock clockwork.Clock) *UnrestrictedCache {
	t.Helper()
	cache, err := NewUnrestrictedCache(UnrestrictedCacheConfig{
		LoadKey: backend.loadKey,
		Load:    backend.load,
		TTL:     10 * time.Second,
		Clock:   clock,
	})
	require.NoError(t, err)
	return cache
}

func TestUnrestrictedCacheServesWithinTTL(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	backend := &fakeBackend{key: "t1", value: unrestrictedWith("shared")}
	cache := newTestCache(t, backend, clock)

	got, err := cache.Get(ctx)
	require.NoError(t, err)
	require.Len(t, got.Accounts, 1)
	require.Equal(t, 1, backend.loads)

	// same key, inside TTL: no reload
	_, err = cache.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, backend.loads)

	// TTL elapsed: revalidate against the backend
	clock.Advance(11 * time.Second)
	_, err = cache.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, backend.loads)
}

func TestUnrestrictedCacheKeyChangeForcesReload(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	backend := &fakeBackend{key: "t1", value: unrestrictedWith("old")}
	cache := newTestCache(t, backend, clock)

	_, err := cache.Get(ctx)
	require.NoError(t, err)

	backend.key = "t2"
	backend.value = unrestrictedWith("new")
	got, err := cache.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, "new", got.Accounts[0].Name)
	require.Equal(t, 2, backend.loads)
}

func TestUnrestrictedCacheFallback(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	backend := &fakeBackend{key: "t1", value: unrestrictedWith("v1")}
	cache := newTestCache(t, backend, clock)

	got, err := cache.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, "v1", got.Accounts[0].Name)

	// backend goes down past the TTL: the t1 entry is served anyway
	clock.Advance(11 * time.Second)
	backend.keyErr = trace.ConnectionProblem(nil, "backend down")
	got, err = cache.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, "v1", got.Accounts[0].Name)

	// backend recovers with a newer record: t2 is served and becomes the
	// new fallback
	backend.keyErr = nil
	backend.key = "t2"
	backend.value = unrestrictedWith("v2")
	got, err = cache.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, "v2", got.Accounts[0].Name)

	clock.Advance(11 * time.Second)
	backend.loadErr = trace.ConnectionProblem(nil, "backend down")
	got, err = cache.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, "v2", got.Accounts[0].Name)
}

func TestUnrestrictedCacheNoFallbackFails(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	backend := &fakeBackend{keyErr: trace.ConnectionProblem(nil, "backend down")}
	cache := newTestCache(t, backend, clock)

	_, err := cache.Get(ctx)
	require.True(t, trace.IsConnectionProblem(err))
}

func TestUnrestrictedCacheUnknownKeyNeverFallback(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	backend := &fakeBackend{key: UnknownCacheKey, value: unrestrictedWith("v1")}
	cache := newTestCache(t, backend, clock)

	_, err := cache.Get(ctx)
	require.NoError(t, err)

	// entries loaded under the unknown key are served but do not protect
	// against backend failure
	clock.Advance(11 * time.Second)
	backend.keyErr = trace.ConnectionProblem(nil, "backend down")
	_, err = cache.Get(ctx)
	require.True(t, trace.IsConnectionProblem(err))
}

func TestUnrestrictedCacheInvalidate(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	backend := &fakeBackend{key: "t1", value: unrestrictedWith("v1")}
	cache := newTestCache(t, backend, clock)

	_, err := cache.Get(ctx)
	require.NoError(t, err)
	cache.Invalidate()
	_, err = cache.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, backend.loads)
}
