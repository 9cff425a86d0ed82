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

package config

import (
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/gatewarden/gatewarden/lib/defaults"
)

func TestReadConfigDefaults(t *testing.T) {
	fc, err := ReadConfig([]byte(`{}`))
	require.NoError(t, err)
	require.Equal(t, defaults.HTTPListenAddr, fc.ListenAddr)
	require.Equal(t, "READ", fc.ExecuteFallback)
	require.Equal(t, RepositoryInMemory, fc.Repository.Kind)
	require.Equal(t, defaults.SyncSchedule, fc.SyncSchedule())
	require.Equal(t, defaults.UnrestrictedCacheTTL, fc.UnrestrictedCacheTTL())
}

func TestReadConfigFull(t *testing.T) {
	fc, err := ReadConfig([]byte(`
listen_addr: "0.0.0.0:7003"
allowAccessToUnknownApplications: true
executeFallback: write
getAllEnabled: true
admin:
  roles: ["platform-admins"]
writeMode:
  enabled: true
sync:
  syncDelayMs: 60000
  retryIntervalMs: 5000
repository:
  kind: remoteKV
redis:
  addr: "127.0.0.1:6379"
  keyPrefix: gatewarden
`))
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:7003", fc.ListenAddr)
	require.True(t, fc.AllowAccessToUnknownApplications)
	require.Equal(t, "WRITE", fc.ExecuteFallback)
	require.Equal(t, []string{"platform-admins"}, fc.Admin.Roles)
	require.True(t, fc.WriteMode.Enabled)
	require.Equal(t, time.Minute, fc.SyncSchedule())
	require.Equal(t, 5*time.Second, fc.SyncRetryInterval())
	require.Equal(t, RepositoryRemoteKV, fc.Repository.Kind)
}

func TestReadConfigRejectsBadFallback(t *testing.T) {
	_, err := ReadConfig([]byte(`executeFallback: create`))
	require.True(t, trace.IsBadParameter(err))

	_, err = ReadConfig([]byte(`executeFallback: bogus`))
	require.True(t, trace.IsBadParameter(err))
}

func TestReadConfigRepositorySelection(t *testing.T) {
	_, err := ReadConfig([]byte(`repository: {kind: relational}`))
	require.True(t, trace.IsBadParameter(err))

	_, err = ReadConfig([]byte(`repository: {kind: remoteKV}`))
	require.True(t, trace.IsBadParameter(err))

	_, err = ReadConfig([]byte(`repository: {kind: spanner}`))
	require.True(t, trace.IsBadParameter(err))
}

func TestReadConfigDual(t *testing.T) {
	// both sides must resolve to exactly one concrete store
	_, err := ReadConfig([]byte(`
repository:
  kind: dual
  dual: {primary: remoteKV}
`))
	require.True(t, trace.IsBadParameter(err))

	_, err = ReadConfig([]byte(`
repository:
  kind: dual
  dual: {primary: inMemory, previous: inMemory}
`))
	require.True(t, trace.IsBadParameter(err))

	fc, err := ReadConfig([]byte(`
repository:
  kind: dual
  dual: {primary: remoteKV, previous: inMemory}
redis:
  addr: "127.0.0.1:6379"
`))
	require.NoError(t, err)
	require.Equal(t, RepositoryDual, fc.Repository.Kind)
}
