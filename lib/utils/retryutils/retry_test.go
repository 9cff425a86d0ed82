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

package retryutils

import (
	"context"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestLinearProgression(t *testing.T) {
	r, err := NewLinear(LinearConfig{
		Step: time.Second,
		Max:  3 * time.Second,
	})
	require.NoError(t, err)

	require.Equal(t, time.Duration(0), r.Duration())
	r.Inc()
	require.Equal(t, time.Second, r.Duration())
	r.Inc()
	require.Equal(t, 2*time.Second, r.Duration())
	r.Inc()
	r.Inc()
	// capped at Max
	require.Equal(t, 3*time.Second, r.Duration())

	r.Reset()
	require.Equal(t, time.Duration(0), r.Duration())
	require.Equal(t, int64(0), r.Attempt())
}

func TestLinearRequiresStepAndMax(t *testing.T) {
	_, err := NewLinear(LinearConfig{Max: time.Second})
	require.True(t, trace.IsBadParameter(err))

	_, err = NewLinear(LinearConfig{Step: time.Second})
	require.True(t, trace.IsBadParameter(err))
}

func TestHalfJitterRange(t *testing.T) {
	jitter := NewHalfJitter()
	for range 100 {
		d := jitter(time.Second)
		require.GreaterOrEqual(t, d, 500*time.Millisecond)
		require.Less(t, d, time.Second)
	}
	require.Equal(t, time.Duration(0), jitter(0))
}

func TestForStopsAfterMaxAttempts(t *testing.T) {
	r, err := NewConstant(time.Microsecond)
	require.NoError(t, err)

	calls := 0
	err = r.For(context.Background(), 3, func() error {
		calls++
		return trace.ConnectionProblem(nil, "transient")
	})
	require.Error(t, err)
	require.Equal(t, 3, calls)
}

func TestForStopsOnPermanentError(t *testing.T) {
	r, err := NewConstant(time.Microsecond)
	require.NoError(t, err)

	calls := 0
	err = r.For(context.Background(), 10, func() error {
		calls++
		return PermanentRetryError(trace.AccessDenied("denied"))
	})
	require.Error(t, err)
	require.True(t, trace.IsAccessDenied(err))
	require.Equal(t, 1, calls)
}

func TestForReturnsNilOnSuccess(t *testing.T) {
	r, err := NewConstant(time.Microsecond)
	require.NoError(t, err)

	calls := 0
	err = r.For(context.Background(), 5, func() error {
		calls++
		if calls < 3 {
			return trace.ConnectionProblem(nil, "transient")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestForHonorsContext(t *testing.T) {
	r, err := NewConstant(time.Hour)
	require.NoError(t, err)
	// the first delay of a constant retry is already one full interval
	r.Inc()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = r.For(ctx, 0, func() error {
		return trace.ConnectionProblem(nil, "transient")
	})
	require.True(t, trace.IsLimitExceeded(err))
}
