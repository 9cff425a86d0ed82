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

// Package retryutils provides linear retry schedules with optional
// jitter.
package retryutils

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// Jitter applies random jitter to a duration. Implementations must be
// safe for concurrent use.
type Jitter func(time.Duration) time.Duration

// NewHalfJitter returns a jitter on the range [n/2,n). A large range
// breaks retry cycles quickly, which is what backoff wants.
func NewHalfJitter() Jitter {
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return func(d time.Duration) time.Duration {
		if d < 1 {
			return 0
		}
		mu.Lock()
		defer mu.Unlock()
		return (d / 2) + time.Duration(rng.Int63n(int64(d))/2)
	}
}

// LinearConfig configures a Linear retry as an arithmetic progression.
type LinearConfig struct {
	// First is the first delay of the progression, may be 0.
	First time.Duration
	// Step is the progression step, required.
	Step time.Duration
	// Max caps the delay, required.
	Max time.Duration
	// Jitter optionally randomizes each delay.
	Jitter Jitter
	// Clock overrides time in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config.
func (c *LinearConfig) CheckAndSetDefaults() error {
	if c.Step == 0 {
		return trace.BadParameter("missing parameter Step")
	}
	if c.Max == 0 {
		return trace.BadParameter("missing parameter Max")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// NewLinear returns a retry whose delay grows linearly from First by Step
// up to Max.
func NewLinear(cfg LinearConfig) (*Linear, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	closedChan := make(chan time.Time)
	close(closedChan)
	return &Linear{LinearConfig: cfg, closedChan: closedChan}, nil
}

// NewConstant returns a retry with a fixed interval.
func NewConstant(interval time.Duration) (*Linear, error) {
	return NewLinear(LinearConfig{Step: interval, Max: interval})
}

// Linear computes retry delays as a bounded arithmetic progression.
// Not safe for concurrent use.
type Linear struct {
	LinearConfig
	attempt    int64
	closedChan chan time.Time
}

// Reset restores the initial state.
func (r *Linear) Reset() {
	r.attempt = 0
}

// Inc advances to the next attempt.
func (r *Linear) Inc() {
	r.attempt++
}

// Attempt returns the number of attempts so far.
func (r *Linear) Attempt() int64 {
	return r.attempt
}

// Duration returns the current delay, which may be 0.
func (r *Linear) Duration() time.Duration {
	d := r.First + time.Duration(r.attempt)*r.Step
	if d < 1 {
		return 0
	}
	if d > r.Max {
		d = r.Max
	}
	if r.Jitter != nil {
		d = r.Jitter(d)
	}
	return d
}

// After returns a channel that fires after the current delay; a zero
// delay yields an already-closed channel.
func (r *Linear) After() <-chan time.Time {
	d := r.Duration()
	if d < 1 {
		return r.closedChan
	}
	return r.Clock.After(d)
}

// String describes the retry state.
func (r *Linear) String() string {
	return fmt.Sprintf("Linear(attempt=%v, duration=%v)", r.attempt, r.Duration())
}

// permanentError marks an error that should not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// PermanentRetryError marks err so For stops retrying and returns it.
func PermanentRetryError(err error) error {
	return &permanentError{err: err}
}

// IsPermanentRetryError reports whether err was marked permanent.
func IsPermanentRetryError(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// For retries fn until it succeeds, returns a permanent error, runs out
// of attempts, or the context expires. maxAttempts <= 0 retries without
// bound.
func (r *Linear) For(ctx context.Context, maxAttempts int64, fn func() error) error {
	for {
		err := fn()
		if err == nil {
			return nil
		}
		if IsPermanentRetryError(err) {
			return trace.Wrap(err)
		}
		if maxAttempts > 0 && r.attempt+1 >= maxAttempts {
			return trace.Wrap(err)
		}
		select {
		case <-r.After():
			r.Inc()
		case <-ctx.Done():
			return trace.LimitExceeded("%s", ctx.Err())
		}
	}
}
