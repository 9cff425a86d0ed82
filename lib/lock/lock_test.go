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

package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func testOptions() Options {
	return Options{
		Name:            "sync",
		MaxDuration:     30 * time.Second,
		SuccessInterval: 10 * time.Minute,
		FailureInterval: 10 * time.Minute,
	}
}

func TestLocalCooldown(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	locker := NewLocal(clock)

	runs := 0
	run := func(ctx context.Context) error { runs++; return nil }

	acquired, err := locker.WithLock(ctx, testOptions(), run)
	require.NoError(t, err)
	require.True(t, acquired)
	require.Equal(t, 1, runs)

	// inside the cooldown the lock is not handed out
	acquired, err = locker.WithLock(ctx, testOptions(), run)
	require.NoError(t, err)
	require.False(t, acquired)
	require.Equal(t, 1, runs)

	clock.Advance(11 * time.Minute)
	acquired, err = locker.WithLock(ctx, testOptions(), run)
	require.NoError(t, err)
	require.True(t, acquired)
	require.Equal(t, 2, runs)
}

func TestLocalPropagatesError(t *testing.T) {
	ctx := context.Background()
	locker := NewLocal(clockwork.NewFakeClock())

	_, err := locker.WithLock(ctx, testOptions(), func(ctx context.Context) error {
		return trace.ConnectionProblem(nil, "backend down")
	})
	require.True(t, trace.IsConnectionProblem(err))
}

func TestRedisLockExcludes(t *testing.T) {
	ctx := context.Background()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })

	locker, err := NewRedis(RedisConfig{Client: client, KeyPrefix: "gatewarden"})
	require.NoError(t, err)

	runs := 0
	acquired, err := locker.WithLock(ctx, testOptions(), func(ctx context.Context) error {
		runs++
		// a second instance cannot grab the lock while we hold it
		other, err := NewRedis(RedisConfig{Client: client, KeyPrefix: "gatewarden"})
		require.NoError(t, err)
		nested, err := other.WithLock(ctx, testOptions(), func(ctx context.Context) error {
			t.Fatal("nested acquisition should not run")
			return nil
		})
		require.NoError(t, err)
		require.False(t, nested)
		return nil
	})
	require.NoError(t, err)
	require.True(t, acquired)
	require.Equal(t, 1, runs)

	// after success the key lingers as cooldown
	require.True(t, srv.Exists("gatewarden:locks:sync"))
	acquired, err = locker.WithLock(ctx, testOptions(), func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	require.False(t, acquired)

	// cooldown expiry frees the lock
	srv.FastForward(11 * time.Minute)
	acquired, err = locker.WithLock(ctx, testOptions(), func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	require.True(t, acquired)
}
