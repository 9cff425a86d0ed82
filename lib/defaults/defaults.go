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

// Package defaults holds the default tuning values shared across the
// service.
package defaults

import "time"

const (
	// ResourceRefreshInterval is how often resource loaders pull their
	// system of record.
	ResourceRefreshInterval = 30 * time.Second

	// ResourceMaxStaleness is how old the last successful load may be
	// before a loader reports unhealthy.
	ResourceMaxStaleness = 90 * time.Second

	// ProviderCacheTTL bounds how long a provider serves a post-processed
	// resource set without re-deriving it from the loader snapshot.
	ProviderCacheTTL = 10 * time.Second

	// UnrestrictedCacheTTL bounds staleness of the cached anonymous
	// permission record on the hot read path.
	UnrestrictedCacheTTL = 10 * time.Second

	// SyncInterval is the delay between successful sync ticks.
	SyncInterval = 10 * time.Minute

	// SyncFailureInterval is the delay after a failed sync tick.
	SyncFailureInterval = 10 * time.Minute

	// SyncTimeout bounds retries inside one sync tick.
	SyncTimeout = 30 * time.Second

	// SyncRetryInterval is the fixed backoff between retries inside one
	// sync tick.
	SyncRetryInterval = 10 * time.Second

	// SyncSchedule is how often the syncer wakes up to attempt the lock.
	SyncSchedule = 30 * time.Second

	// RepositoryWriteRetries bounds transaction retries on transient
	// backend errors.
	RepositoryWriteRetries = 3

	// RepositoryWriteRetryInterval is the fixed wait between transaction
	// retries.
	RepositoryWriteRetryInterval = 250 * time.Millisecond

	// RepositoryReadTimeout bounds a single repository read.
	RepositoryReadTimeout = 10 * time.Second

	// LoaderLoadTimeout bounds one call to an external system of record.
	LoaderLoadTimeout = 30 * time.Second

	// HTTPListenAddr is the default service listen address.
	HTTPListenAddr = "127.0.0.1:7003"
)
