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

// Package breaker implements a circuit breaker around calls to external
// systems of record.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// State is the breaker state.
type State int

const (
	// StateStandby allows all executions.
	StateStandby State = iota
	// StateTripped fails all executions without attempting them.
	StateTripped
	// StateRecovering allows a single probe execution at a time.
	StateRecovering
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateStandby:
		return "standby"
	case StateTripped:
		return "tripped"
	case StateRecovering:
		return "recovering"
	default:
		return "unknown"
	}
}

// ErrStateTripped is returned for executions rejected by a tripped
// breaker.
var ErrStateTripped = &trace.ConnectionProblemError{Message: "breaker is tripped"}

// Config configures a Breaker.
type Config struct {
	// FailureThreshold is how many consecutive failures trip the breaker.
	FailureThreshold int
	// TrippedPeriod is how long the breaker stays tripped before probing.
	TrippedPeriod time.Duration
	// RecoveryLimit is how many consecutive probe successes close the
	// breaker again.
	RecoveryLimit int
	// IsFailure classifies an execution result; defaults to err != nil.
	IsFailure func(error) bool
	// Clock overrides time in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config.
func (c *Config) CheckAndSetDefaults() error {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.TrippedPeriod <= 0 {
		c.TrippedPeriod = 15 * time.Second
	}
	if c.RecoveryLimit <= 0 {
		c.RecoveryLimit = 2
	}
	if c.IsFailure == nil {
		c.IsFailure = func(err error) bool { return err != nil }
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Breaker tracks consecutive failures of an external dependency and
// rejects executions while the dependency is considered down.
type Breaker struct {
	cfg Config

	mu           sync.Mutex
	state        State
	failures     int
	recoveries   int
	trippedUntil time.Time
	probing      bool
}

// New returns a Breaker in standby.
func New(cfg Config) (*Breaker, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Breaker{cfg: cfg}, nil
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs fn if the breaker allows it and records the outcome.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.beforeExecution(); err != nil {
		return trace.Wrap(err)
	}
	err := fn(ctx)
	b.afterExecution(err)
	return err
}

func (b *Breaker) beforeExecution() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateStandby:
		return nil
	case StateTripped:
		if b.cfg.Clock.Now().Before(b.trippedUntil) {
			return ErrStateTripped
		}
		b.state = StateRecovering
		b.recoveries = 0
		b.probing = true
		return nil
	case StateRecovering:
		if b.probing {
			return ErrStateTripped
		}
		b.probing = true
		return nil
	}
	return nil
}

func (b *Breaker) afterExecution(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	failed := b.cfg.IsFailure(err)
	switch b.state {
	case StateStandby:
		if failed {
			b.failures++
			if b.failures >= b.cfg.FailureThreshold {
				b.trip()
			}
			return
		}
		b.failures = 0
	case StateRecovering:
		b.probing = false
		if failed {
			b.trip()
			return
		}
		b.recoveries++
		if b.recoveries >= b.cfg.RecoveryLimit {
			b.state = StateStandby
			b.failures = 0
		}
	}
}

func (b *Breaker) trip() {
	b.state = StateTripped
	b.failures = 0
	b.recoveries = 0
	b.probing = false
	b.trippedUntil = b.cfg.Clock.Now().Add(b.cfg.TrippedPeriod)
}
