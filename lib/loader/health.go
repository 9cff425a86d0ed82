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

package loader

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// HealthTracker tracks the staleness of a loader's last successful pull.
// A loader starts unhealthy; the first successful load flips it, and it
// stays healthy while the last success is within MaxStaleness.
type HealthTracker struct {
	name         string
	maxStaleness time.Duration
	clock        clockwork.Clock

	mu          sync.RWMutex
	lastSuccess time.Time
}

// NewHealthTracker returns a tracker in the unhealthy state.
func NewHealthTracker(name string, maxStaleness time.Duration, clock clockwork.Clock) *HealthTracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &HealthTracker{
		name:         name,
		maxStaleness: maxStaleness,
		clock:        clock,
	}
}

// Name returns the tracked loader's name.
func (t *HealthTracker) Name() string { return t.name }

// RecordSuccess advances the health timestamp to now.
func (t *HealthTracker) RecordSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSuccess = t.clock.Now()
}

// LastSuccess returns the time of the last successful load, and false if
// there has not been one.
func (t *HealthTracker) LastSuccess() (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastSuccess, !t.lastSuccess.IsZero()
}

// IsHealthy reports whether the last successful load is recent enough.
func (t *HealthTracker) IsHealthy() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.lastSuccess.IsZero() {
		return false
	}
	return t.clock.Since(t.lastSuccess) <= t.maxStaleness
}
