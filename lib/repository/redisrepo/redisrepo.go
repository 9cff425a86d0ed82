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

// Package redisrepo implements the permission repository on a remote
// key-value store.
//
// Layout, under a configurable prefix:
//
//	users                               set of known user ids
//	permissions:admin                   set of admin user ids
//	permissions:{id}:{type}             hash resource name -> body
//	roles:{role}                        set of user ids holding the role
//	last_modified:__unrestricted_user__ server time of the last
//	                                    unrestricted write
//
// Hash replacement goes through a temporary key renamed into place so
// readers never observe a half-written hash.
package redisrepo

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/gatewarden/gatewarden/api/types"
	"github.com/gatewarden/gatewarden/lib/defaults"
	"github.com/gatewarden/gatewarden/lib/repository"
)

// Config holds parameters for the key-value repository.
type Config struct {
	// Client is the redis client to use.
	Client redis.UniversalClient
	// KeyPrefix is prepended to every key.
	KeyPrefix string
	// ScanCount is the per-call hint for cursor scans.
	ScanCount int64
	// ReadTimeout bounds the processing of one read operation.
	ReadTimeout time.Duration
	// CacheTTL bounds the unrestricted cache entry lifetime.
	CacheTTL time.Duration
	// Clock overrides time in tests.
	Clock clockwork.Clock
	// Logger is the repository's log.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config.
func (c *Config) CheckAndSetDefaults() error {
	if c.Client == nil {
		return trace.BadParameter("missing parameter Client")
	}
	if c.ScanCount <= 0 {
		c.ScanCount = 1000
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = defaults.RepositoryReadTimeout
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = defaults.UnrestrictedCacheTTL
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With("component", "repository:redis")
	}
	return nil
}

// Repository stores permission records in a remote key-value store.
type Repository struct {
	cfg   Config
	cache *repository.UnrestrictedCache
}

// New returns a ready repository.
func New(cfg Config) (*Repository, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	r := &Repository{cfg: cfg}
	cache, err := repository.NewUnrestrictedCache(repository.UnrestrictedCacheConfig{
		LoadKey: r.loadUnrestrictedKey,
		Load:    r.loadUnrestricted,
		TTL:     cfg.CacheTTL,
		Clock:   cfg.Clock,
		Logger:  cfg.Logger,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	r.cache = cache
	return r, nil
}

func (r *Repository) key(parts ...string) string {
	if r.cfg.KeyPrefix != "" {
		parts = append([]string{r.cfg.KeyPrefix}, parts...)
	}
	return strings.Join(parts, ":")
}

func (r *Repository) usersKey() string           { return r.key("users") }
func (r *Repository) adminKey() string           { return r.key("permissions", "admin") }
func (r *Repository) roleKey(role string) string { return r.key("roles", role) }
func (r *Repository) lastModifiedKey() string {
	return r.key("last_modified", types.UnrestrictedUser)
}

func (r *Repository) permKey(id string, t types.ResourceType) string {
	return r.key("permissions", id, t.KeySuffix())
}

// Put implements repository.Repository.
func (r *Repository) Put(ctx context.Context, u *types.UserPermission) error {
	if u == nil || u.ID == "" {
		return trace.BadParameter("missing user permission id")
	}
	id := strings.ToLower(u.ID)

	hashes, err := serializeByType(u)
	if err != nil {
		return trace.Wrap(err)
	}

	// role membership delta against the stored role hash
	storedRoles, err := r.cfg.Client.HKeys(ctx, r.permKey(id, types.ResourceTypeRole)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return repository.NewRepositoryError("put", err)
	}
	rolesToAdd, rolesToRemove := roleDelta(storedRoles, u.RoleNames())

	serverTime, err := r.cfg.Client.Time(ctx).Result()
	if err != nil {
		return repository.NewRepositoryError("put", err)
	}

	pipe := r.cfg.Client.TxPipeline()
	pipe.SAdd(ctx, r.usersKey(), id)
	if u.Admin {
		pipe.SAdd(ctx, r.adminKey(), id)
	} else {
		pipe.SRem(ctx, r.adminKey(), id)
	}
	for _, t := range types.RegisteredResourceTypes() {
		final := r.permKey(id, t)
		hash := hashes[t]
		if len(hash) == 0 {
			pipe.Del(ctx, final)
			continue
		}
		tmp := final + ":tmp:" + uuid.NewString()
		pipe.HSet(ctx, tmp, hash)
		pipe.Rename(ctx, tmp, final)
	}
	for _, role := range rolesToAdd {
		pipe.SAdd(ctx, r.roleKey(role), id)
	}
	for _, role := range rolesToRemove {
		pipe.SRem(ctx, r.roleKey(role), id)
	}
	if id == types.UnrestrictedUser {
		pipe.Set(ctx, r.lastModifiedKey(),
			strconv.FormatInt(serverTime.UnixMilli(), 10), 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return repository.NewRepositoryError("put", err)
	}
	if id == types.UnrestrictedUser {
		r.cache.Invalidate()
	}
	return nil
}

// PutAll implements repository.Repository.
func (r *Repository) PutAll(ctx context.Context, users map[string]*types.UserPermission) error {
	keep := map[string]struct{}{types.UnrestrictedUser: {}}
	for id, u := range users {
		if u == nil {
			continue
		}
		if err := r.Put(ctx, u); err != nil {
			return trace.Wrap(err)
		}
		keep[strings.ToLower(id)] = struct{}{}
	}

	var orphans []string
	iter := r.cfg.Client.SScan(ctx, r.usersKey(), 0, "", r.cfg.ScanCount).Iterator()
	for iter.Next(ctx) {
		if _, ok := keep[iter.Val()]; !ok {
			orphans = append(orphans, iter.Val())
		}
	}
	if err := iter.Err(); err != nil {
		return repository.NewRepositoryError("putAll", err)
	}
	for _, id := range orphans {
		if err := r.Remove(ctx, id); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// Get implements repository.Repository.
func (r *Repository) Get(ctx context.Context, id string) (*types.UserPermission, error) {
	if err := repository.ValidateID(id); err != nil {
		return nil, trace.Wrap(err)
	}
	id = strings.ToLower(id)
	if id == types.UnrestrictedUser {
		u, err := r.cache.Get(ctx)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return u.Clone(), nil
	}
	tc := repository.NewTimeoutContext("get", r.cfg.Clock, r.cfg.ReadTimeout)
	u, err := r.getRaw(ctx, tc, id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	unrestricted, err := r.cache.Get(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return u.Merge(unrestricted), nil
}

// GetAllByID implements repository.Repository.
func (r *Repository) GetAllByID(ctx context.Context) (map[string]*types.UserPermission, error) {
	tc := repository.NewTimeoutContext("getAllByID", r.cfg.Clock, r.cfg.ReadTimeout)
	ids, err := r.scanUserIDs(ctx, tc)
	if err != nil {
		return nil, wrapReadError("getAllByID", err)
	}
	return r.getMerged(ctx, tc, ids)
}

// GetAllByRoles implements repository.Repository.
func (r *Repository) GetAllByRoles(ctx context.Context, anyRoles []string) (map[string]*types.UserPermission, error) {
	if anyRoles == nil {
		return r.GetAllByID(ctx)
	}
	tc := repository.NewTimeoutContext("getAllByRoles", r.cfg.Clock, r.cfg.ReadTimeout)
	ids := make(map[string]struct{})
	for _, role := range anyRoles {
		role = strings.ToLower(strings.TrimSpace(role))
		iter := r.cfg.Client.SScan(ctx, r.roleKey(role), 0, "", r.cfg.ScanCount).Iterator()
		for iter.Next(ctx) {
			ids[iter.Val()] = struct{}{}
		}
		if err := iter.Err(); err != nil {
			return nil, wrapReadError("getAllByRoles", err)
		}
		if err := tc.Check(); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	holders := make([]string, 0, len(ids))
	for id := range ids {
		if id != types.UnrestrictedUser {
			holders = append(holders, id)
		}
	}
	return r.getMerged(ctx, tc, holders)
}

// Remove implements repository.Repository.
func (r *Repository) Remove(ctx context.Context, id string) error {
	if err := repository.ValidateID(id); err != nil {
		return trace.Wrap(err)
	}
	id = strings.ToLower(id)

	roles, err := r.cfg.Client.HKeys(ctx, r.permKey(id, types.ResourceTypeRole)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return repository.NewRepositoryError("remove", err)
	}

	pipe := r.cfg.Client.TxPipeline()
	for _, role := range roles {
		pipe.SRem(ctx, r.roleKey(role), id)
	}
	pipe.SRem(ctx, r.usersKey(), id)
	pipe.SRem(ctx, r.adminKey(), id)
	for _, t := range types.RegisteredResourceTypes() {
		pipe.Del(ctx, r.permKey(id, t))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return repository.NewRepositoryError("remove", err)
	}
	return nil
}

// getRaw fetches one user's record without merging the unrestricted one.
func (r *Repository) getRaw(ctx context.Context, tc *repository.TimeoutContext, id string) (*types.UserPermission, error) {
	if err := tc.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	known, err := r.cfg.Client.SIsMember(ctx, r.usersKey(), id).Result()
	if err != nil {
		return nil, repository.NewRepositoryError("get", err)
	}
	if !known {
		return nil, trace.NotFound("user %q not found", id)
	}
	admin, err := r.cfg.Client.SIsMember(ctx, r.adminKey(), id).Result()
	if err != nil {
		return nil, repository.NewRepositoryError("get", err)
	}

	u := types.NewUserPermission(id)
	u.Admin = admin
	for _, t := range types.RegisteredResourceTypes() {
		if err := tc.Check(); err != nil {
			return nil, trace.Wrap(err)
		}
		iter := r.cfg.Client.HScan(ctx, r.permKey(id, t), 0, "", r.cfg.ScanCount).Iterator()
		// HScan yields alternating field, value
		for iter.Next(ctx) {
			name := iter.Val()
			if !iter.Next(ctx) {
				break
			}
			res, err := types.UnmarshalResource(t, name, []byte(iter.Val()))
			if err != nil {
				return nil, trace.Wrap(err)
			}
			u.AddResource(res)
		}
		if err := iter.Err(); err != nil {
			return nil, repository.NewRepositoryError("get", err)
		}
	}
	return u, nil
}

// getMerged fetches the given users and merges each with the cached
// unrestricted record, which is always part of the result.
func (r *Repository) getMerged(ctx context.Context, tc *repository.TimeoutContext, ids []string) (map[string]*types.UserPermission, error) {
	unrestricted, err := r.cache.Get(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := map[string]*types.UserPermission{
		types.UnrestrictedUser: unrestricted.Clone(),
	}
	for _, id := range ids {
		if id == types.UnrestrictedUser {
			continue
		}
		u, err := r.getRaw(ctx, tc, id)
		if trace.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out[id] = u.Merge(unrestricted)
	}
	return out, nil
}

func (r *Repository) scanUserIDs(ctx context.Context, tc *repository.TimeoutContext) ([]string, error) {
	if err := tc.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	var ids []string
	iter := r.cfg.Client.SScan(ctx, r.usersKey(), 0, "", r.cfg.ScanCount).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, trace.Wrap(err)
	}
	return ids, nil
}

func (r *Repository) loadUnrestrictedKey(ctx context.Context) (string, error) {
	val, err := r.cfg.Client.Get(ctx, r.lastModifiedKey()).Result()
	if errors.Is(err, redis.Nil) {
		return repository.UnknownCacheKey, nil
	}
	if err != nil {
		return "", trace.Wrap(err)
	}
	return val, nil
}

func (r *Repository) loadUnrestricted(ctx context.Context) (*types.UserPermission, error) {
	tc := repository.NewTimeoutContext("get", r.cfg.Clock, r.cfg.ReadTimeout)
	u, err := r.getRaw(ctx, tc, types.UnrestrictedUser)
	if trace.IsNotFound(err) {
		return types.NewUserPermission(types.UnrestrictedUser), nil
	}
	return u, trace.Wrap(err)
}

// serializeByType encodes every owned resource into per-type hashes of
// resource name to JSON body.
func serializeByType(u *types.UserPermission) (map[types.ResourceType]map[string]string, error) {
	out := make(map[types.ResourceType]map[string]string)
	for _, res := range u.AllResources() {
		body, err := json.Marshal(res)
		if err != nil {
			return nil, trace.Wrap(err, "encoding resource %q", res.GetName())
		}
		t := res.GetResourceType()
		if out[t] == nil {
			out[t] = make(map[string]string)
		}
		out[t][types.ResourceKey(res)] = string(body)
	}
	return out, nil
}

func roleDelta(stored, incoming []string) (toAdd, toRemove []string) {
	have := make(map[string]struct{}, len(stored))
	for _, r := range stored {
		have[r] = struct{}{}
	}
	want := make(map[string]struct{}, len(incoming))
	for _, r := range incoming {
		want[r] = struct{}{}
		if _, ok := have[r]; !ok {
			toAdd = append(toAdd, r)
		}
	}
	for _, r := range stored {
		if _, ok := want[r]; !ok {
			toRemove = append(toRemove, r)
		}
	}
	return toAdd, toRemove
}

func wrapReadError(op string, err error) error {
	if err == nil {
		return nil
	}
	if trace.IsNotFound(err) || repository.IsReadTimeout(err) || trace.IsBadParameter(err) {
		return trace.Wrap(err)
	}
	return repository.NewRepositoryError(op, err)
}
