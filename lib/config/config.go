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

// Package config reads and validates the YAML service configuration.
package config

import (
	"os"
	"time"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"

	"github.com/gatewarden/gatewarden/api/types"
	"github.com/gatewarden/gatewarden/lib/defaults"
)

// Repository kinds accepted by the repository selector.
const (
	RepositoryInMemory   = "inMemory"
	RepositoryRelational = "relational"
	RepositoryRemoteKV   = "remoteKV"
	RepositoryDual       = "dual"
)

// FileConfig is the on-disk YAML shape.
type FileConfig struct {
	// ListenAddr is the HTTP listen address.
	ListenAddr string `yaml:"listen_addr"`
	// Log configures the process log.
	Log LogConfig `yaml:"log"`
	// AllowAccessToUnknownApplications skips restriction filtering for
	// applications.
	AllowAccessToUnknownApplications bool `yaml:"allowAccessToUnknownApplications"`
	// ExecuteFallback is the authorization seeding an empty EXECUTE
	// group set, READ or WRITE.
	ExecuteFallback string `yaml:"executeFallback"`
	// GetAllEnabled opt-in gates the list-everyone endpoint.
	GetAllEnabled bool `yaml:"getAllEnabled"`
	// Admin lists the admin roles.
	Admin AdminConfig `yaml:"admin"`
	// Unrestricted lists roles granted to the anonymous user.
	Unrestricted UnrestrictedConfig `yaml:"unrestricted"`
	// WriteMode controls the syncer.
	WriteMode WriteModeConfig `yaml:"writeMode"`
	// Sync tunes the sync schedule.
	Sync SyncConfig `yaml:"sync"`
	// Refresh tunes the resource loaders.
	Refresh RefreshConfig `yaml:"refresh"`
	// Cache tunes the unrestricted cache.
	Cache CacheConfig `yaml:"cache"`
	// Identity configures the role provider.
	Identity IdentityConfig `yaml:"identity"`
	// Sources configures file-backed resource inventories.
	Sources SourcesConfig `yaml:"sources"`
	// Repository selects and configures the permission store.
	Repository RepositoryConfig `yaml:"repository"`
	// Redis configures the shared key-value store, used by the remoteKV
	// repository and the distributed lock.
	Redis RedisConfig `yaml:"redis"`
	// Postgres configures the relational store.
	Postgres PostgresConfig `yaml:"postgres"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
}

// AdminConfig lists admin roles.
type AdminConfig struct {
	Roles []string `yaml:"roles"`
}

// UnrestrictedConfig lists anonymous roles.
type UnrestrictedConfig struct {
	Roles []string `yaml:"roles"`
}

// WriteModeConfig controls the syncer.
type WriteModeConfig struct {
	Enabled bool `yaml:"enabled"`
}

// SyncConfig tunes the sync schedule. Durations are milliseconds.
type SyncConfig struct {
	DelayMs         int64 `yaml:"syncDelayMs"`
	FailureDelayMs  int64 `yaml:"syncFailureDelayMs"`
	DelayTimeoutMs  int64 `yaml:"syncDelayTimeoutMs"`
	RetryIntervalMs int64 `yaml:"retryIntervalMs"`
}

// RefreshConfig tunes the resource loaders. Durations are milliseconds.
type RefreshConfig struct {
	IntervalMs     int64 `yaml:"intervalMs"`
	MaxStalenessMs int64 `yaml:"maxStalenessMs"`
}

// CacheConfig tunes the unrestricted cache. Durations are milliseconds.
type CacheConfig struct {
	UnrestrictedTTLMs int64 `yaml:"unrestrictedTtlMs"`
}

// IdentityConfig configures the role provider.
type IdentityConfig struct {
	// RolesFile is a YAML file mapping user ids to role name lists.
	RolesFile string `yaml:"rolesFile"`
}

// SourcesConfig names the file-backed resource inventories.
type SourcesConfig struct {
	Accounts        SourceFileConfig `yaml:"accounts"`
	Applications    SourceFileConfig `yaml:"applications"`
	ServiceAccounts SourceFileConfig `yaml:"serviceAccounts"`
	BuildServices   SourceFileConfig `yaml:"buildServices"`
}

// SourceFileConfig points one inventory at a JSON file.
type SourceFileConfig struct {
	File string `yaml:"file"`
}

// RepositoryConfig selects the permission store.
type RepositoryConfig struct {
	// Kind is inMemory, relational, remoteKV or dual.
	Kind string `yaml:"kind"`
	// Dual names the primary and previous kinds for migrations.
	Dual DualConfig `yaml:"dual"`
}

// DualConfig names the two stores of a dual repository.
type DualConfig struct {
	Primary  string `yaml:"primary"`
	Previous string `yaml:"previous"`
}

// RedisConfig configures the key-value store client.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"keyPrefix"`
}

// PostgresConfig configures the relational store client.
type PostgresConfig struct {
	// ConnString is a pgx pool connection string.
	ConnString string `yaml:"connString"`
}

// ReadFromFile loads and validates a config file.
func ReadFromFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	return ReadConfig(data)
}

// ReadConfig parses and validates YAML config bytes.
func ReadConfig(data []byte) (*FileConfig, error) {
	fc := &FileConfig{}
	if err := yaml.Unmarshal(data, fc); err != nil {
		return nil, trace.BadParameter("failed to parse config: %v", err)
	}
	if err := fc.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return fc, nil
}

// CheckAndSetDefaults validates the config.
func (c *FileConfig) CheckAndSetDefaults() error {
	if c.ListenAddr == "" {
		c.ListenAddr = defaults.HTTPListenAddr
	}
	if c.ExecuteFallback == "" {
		c.ExecuteFallback = string(types.Read)
	}
	fallback, err := types.ParseAuthorization(c.ExecuteFallback)
	if err != nil {
		return trace.Wrap(err)
	}
	if fallback != types.Read && fallback != types.Write {
		return trace.BadParameter("executeFallback must be READ or WRITE, got %q", c.ExecuteFallback)
	}
	c.ExecuteFallback = string(fallback)

	if c.Repository.Kind == "" {
		c.Repository.Kind = RepositoryInMemory
	}
	switch c.Repository.Kind {
	case RepositoryInMemory:
	case RepositoryRelational:
		if c.Postgres.ConnString == "" {
			return trace.BadParameter("relational repository requires postgres.connString")
		}
	case RepositoryRemoteKV:
		if c.Redis.Addr == "" {
			return trace.BadParameter("remoteKV repository requires redis.addr")
		}
	case RepositoryDual:
		if err := c.checkDual(); err != nil {
			return trace.Wrap(err)
		}
	default:
		return trace.BadParameter("unknown repository kind %q", c.Repository.Kind)
	}
	return nil
}

// checkDual verifies the dual selector names exactly one resolvable
// store on each side.
func (c *FileConfig) checkDual() error {
	for _, kind := range []string{c.Repository.Dual.Primary, c.Repository.Dual.Previous} {
		switch kind {
		case RepositoryInMemory:
		case RepositoryRelational:
			if c.Postgres.ConnString == "" {
				return trace.BadParameter("dual side %q requires postgres.connString", kind)
			}
		case RepositoryRemoteKV:
			if c.Redis.Addr == "" {
				return trace.BadParameter("dual side %q requires redis.addr", kind)
			}
		case RepositoryDual, "":
			return trace.BadParameter("dual repository sides must name exactly one concrete store each")
		default:
			return trace.BadParameter("unknown repository kind %q", kind)
		}
	}
	if c.Repository.Dual.Primary == c.Repository.Dual.Previous {
		return trace.BadParameter("dual repository sides must differ")
	}
	return nil
}

// SyncSchedule returns the configured or default sync tick interval.
func (c *FileConfig) SyncSchedule() time.Duration {
	return msOrDefault(c.Sync.DelayMs, defaults.SyncSchedule)
}

// SyncTimeout returns the configured or default per-pass timeout.
func (c *FileConfig) SyncTimeout() time.Duration {
	return msOrDefault(c.Sync.DelayTimeoutMs, defaults.SyncTimeout)
}

// SyncRetryInterval returns the configured or default in-pass retry
// interval.
func (c *FileConfig) SyncRetryInterval() time.Duration {
	return msOrDefault(c.Sync.RetryIntervalMs, defaults.SyncRetryInterval)
}

// SyncFailureInterval returns the configured or default post-failure
// cooldown.
func (c *FileConfig) SyncFailureInterval() time.Duration {
	return msOrDefault(c.Sync.FailureDelayMs, defaults.SyncFailureInterval)
}

// RefreshInterval returns the configured or default loader refresh
// interval.
func (c *FileConfig) RefreshInterval() time.Duration {
	return msOrDefault(c.Refresh.IntervalMs, defaults.ResourceRefreshInterval)
}

// MaxStaleness returns the configured or default loader staleness bound.
func (c *FileConfig) MaxStaleness() time.Duration {
	return msOrDefault(c.Refresh.MaxStalenessMs, defaults.ResourceMaxStaleness)
}

// UnrestrictedCacheTTL returns the configured or default cache TTL.
func (c *FileConfig) UnrestrictedCacheTTL() time.Duration {
	return msOrDefault(c.Cache.UnrestrictedTTLMs, defaults.UnrestrictedCacheTTL)
}

func msOrDefault(ms int64, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}
