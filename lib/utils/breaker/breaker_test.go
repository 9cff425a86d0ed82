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

package breaker

import (
	"context"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(t *testing.T, clock clockwork.Clock) *Breaker {
	t.Helper()
	b, err := New(Config{
		FailureThreshold: 3,
		TrippedPeriod:    10 * time.Second,
		RecoveryLimit:    2,
		Clock:            clock,
	})
	require.NoError(t, err)
	return b
}

func fail(context.Context) error    { return trace.ConnectionProblem(nil, "down") }
func succeed(context.Context) error { return nil }

func TestBreakerTripsAfterThreshold(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := newTestBreaker(t, clock)
	ctx := context.Background()

	for range 2 {
		require.Error(t, b.Execute(ctx, fail))
		require.Equal(t, StateStandby, b.State())
	}
	require.Error(t, b.Execute(ctx, fail))
	require.Equal(t, StateTripped, b.State())

	// rejected without running fn
	ran := false
	err := b.Execute(ctx, func(context.Context) error {
		ran = true
		return nil
	})
	require.ErrorIs(t, err, ErrStateTripped)
	require.False(t, ran)
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := newTestBreaker(t, clock)
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, fail))
	require.Error(t, b.Execute(ctx, fail))
	require.NoError(t, b.Execute(ctx, succeed))
	require.Error(t, b.Execute(ctx, fail))
	require.Error(t, b.Execute(ctx, fail))
	require.Equal(t, StateStandby, b.State())
}

func TestBreakerRecovery(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := newTestBreaker(t, clock)
	ctx := context.Background()

	for range 3 {
		require.Error(t, b.Execute(ctx, fail))
	}
	require.Equal(t, StateTripped, b.State())

	clock.Advance(11 * time.Second)
	require.NoError(t, b.Execute(ctx, succeed))
	require.Equal(t, StateRecovering, b.State())
	require.NoError(t, b.Execute(ctx, succeed))
	require.Equal(t, StateStandby, b.State())
}

func TestBreakerReTripsOnFailedProbe(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := newTestBreaker(t, clock)
	ctx := context.Background()

	for range 3 {
		require.Error(t, b.Execute(ctx, fail))
	}
	clock.Advance(11 * time.Second)
	require.Error(t, b.Execute(ctx, fail))
	require.Equal(t, StateTripped, b.State())

	// the tripped period re-arms
	err := b.Execute(ctx, succeed)
	require.ErrorIs(t, err, ErrStateTripped)
}
