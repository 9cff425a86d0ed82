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

// Package lock coordinates the fleet-wide sync task. A lock is acquired
// for at most MaxDuration; after the protected function returns, the
// lock lingers as a cooldown (SuccessInterval or FailureInterval) so
// other instances do not immediately rerun the same work.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gatewarden/gatewarden/lib/defaults"
)

// Options describes one lock acquisition.
type Options struct {
	// Name identifies the lock across the fleet.
	Name string
	// MaxDuration bounds how long the lock may be held; the protected
	// function is canceled past it.
	MaxDuration time.Duration
	// SuccessInterval is the cooldown after the function succeeds.
	SuccessInterval time.Duration
	// FailureInterval is the cooldown after the function fails.
	FailureInterval time.Duration
}

// CheckAndSetDefaults validates the options.
func (o *Options) CheckAndSetDefaults() error {
	if o.Name == "" {
		return trace.BadParameter("missing parameter Name")
	}
	if o.MaxDuration <= 0 {
		o.MaxDuration = defaults.SyncTimeout
	}
	if o.SuccessInterval <= 0 {
		o.SuccessInterval = defaults.SyncInterval
	}
	if o.FailureInterval <= 0 {
		o.FailureInterval = defaults.SyncFailureInterval
	}
	return nil
}

// Locker runs functions under a named lock.
type Locker interface {
	// WithLock runs fn while holding the named lock. It reports whether
	// the lock was acquired; when another holder or a cooldown blocks
	// acquisition, it returns (false, nil) and fn does not run. fn's
	// context is canceled once MaxDuration elapses.
	WithLock(ctx context.Context, opts Options, fn func(ctx context.Context) error) (bool, error)
}

// Local is an in-process Locker for single-node deployments.
type Local struct {
	clock clockwork.Clock

	mu    sync.Mutex
	state map[string]*localState
}

type localState struct {
	held      bool
	nextRunAt time.Time
}

// NewLocal returns an in-process locker.
func NewLocal(clock clockwork.Clock) *Local {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Local{clock: clock, state: make(map[string]*localState)}
}

// WithLock implements Locker.
func (l *Local) WithLock(ctx context.Context, opts Options, fn func(ctx context.Context) error) (bool, error) {
	if err := opts.CheckAndSetDefaults(); err != nil {
		return false, trace.Wrap(err)
	}
	if !l.tryAcquire(opts.Name) {
		return false, nil
	}

	runCtx, cancel := context.WithTimeout(ctx, opts.MaxDuration)
	defer cancel()
	err := fn(runCtx)

	cooldown := opts.SuccessInterval
	if err != nil {
		cooldown = opts.FailureInterval
	}
	l.release(opts.Name, cooldown)
	return true, trace.Wrap(err)
}

func (l *Local) tryAcquire(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.state[name]
	if s == nil {
		s = &localState{}
		l.state[name] = s
	}
	if s.held || l.clock.Now().Before(s.nextRunAt) {
		return false
	}
	s.held = true
	return true
}

func (l *Local) release(name string, cooldown time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.state[name]
	s.held = false
	s.nextRunAt = l.clock.Now().Add(cooldown)
}
