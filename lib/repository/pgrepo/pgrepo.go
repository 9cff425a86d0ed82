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

// Package pgrepo implements the permission repository on PostgreSQL.
//
// Resource bodies are deduplicated by sha256 so a sync that changes
// nothing writes nothing, and permission rows are replaced by delta
// rather than wholesale.
package pgrepo

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/gatewarden/gatewarden/api/types"
	"github.com/gatewarden/gatewarden/lib/defaults"
	"github.com/gatewarden/gatewarden/lib/repository"
	"github.com/gatewarden/gatewarden/lib/utils/retryutils"
)

const schema = `
CREATE TABLE IF NOT EXISTS auth_user (
	id TEXT PRIMARY KEY,
	admin BOOLEAN NOT NULL DEFAULT FALSE,
	updated_at BIGINT NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS auth_resource (
	resource_type TEXT NOT NULL,
	resource_name TEXT NOT NULL,
	body TEXT NOT NULL,
	body_hash CHAR(64),
	updated_at BIGINT,
	PRIMARY KEY (resource_type, resource_name)
);
CREATE TABLE IF NOT EXISTS auth_permission (
	user_id TEXT NOT NULL REFERENCES auth_user (id) ON DELETE CASCADE,
	resource_type TEXT NOT NULL,
	resource_name TEXT NOT NULL,
	PRIMARY KEY (user_id, resource_type, resource_name),
	FOREIGN KEY (resource_type, resource_name) REFERENCES auth_resource (resource_type, resource_name)
);
CREATE INDEX IF NOT EXISTS auth_permission_resource_idx
	ON auth_permission (resource_type, resource_name);
`

// Config holds parameters for the PostgreSQL repository.
type Config struct {
	// ConnString is a pgx pool connection string.
	ConnString string
	// WriteRetries bounds transaction attempts per write.
	WriteRetries int
	// WriteRetryInterval is the fixed delay between write attempts.
	WriteRetryInterval time.Duration
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
	if c.ConnString == "" {
		return trace.BadParameter("missing parameter ConnString")
	}
	if c.WriteRetries <= 0 {
		c.WriteRetries = defaults.RepositoryWriteRetries
	}
	if c.WriteRetryInterval <= 0 {
		c.WriteRetryInterval = defaults.RepositoryWriteRetryInterval
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
		c.Logger = slog.With("component", "repository:postgres")
	}
	return nil
}

// Repository stores permission records in PostgreSQL.
type Repository struct {
	cfg   Config
	pool  *pgxpool.Pool
	cache *repository.UnrestrictedCache
}

// New connects to the database, ensures the schema exists and returns a
// ready repository.
func New(ctx context.Context, cfg Config) (*Repository, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	pool, err := pgxpool.New(ctx, cfg.ConnString)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	r := &Repository{cfg: cfg, pool: pool}
	if err := r.writeRetry(ctx, "setup", func(ctx context.Context) error {
		_, err := pool.Exec(ctx, schema)
		return trace.Wrap(err)
	}); err != nil {
		pool.Close()
		return nil, trace.Wrap(err)
	}
	r.cache, err = repository.NewUnrestrictedCache(repository.UnrestrictedCacheConfig{
		LoadKey: r.loadUnrestrictedKey,
		Load:    r.loadUnrestricted,
		TTL:     cfg.CacheTTL,
		Clock:   cfg.Clock,
		Logger:  cfg.Logger,
	})
	if err != nil {
		pool.Close()
		return nil, trace.Wrap(err)
	}
	return r, nil
}

// Close releases the connection pool.
func (r *Repository) Close() {
	r.pool.Close()
}

// Put implements repository.Repository. All statements for one user run
// in a single transaction, retried on transient failures.
func (r *Repository) Put(ctx context.Context, u *types.UserPermission) error {
	if u == nil || u.ID == "" {
		return trace.BadParameter("missing user permission id")
	}
	encoded, err := encodeResources(u)
	if err != nil {
		return trace.Wrap(err)
	}
	err = r.writeRetry(ctx, "put", func(ctx context.Context) error {
		return r.inTx(ctx, func(tx pgx.Tx) error {
			return r.putUserTx(ctx, tx, u, encoded)
		})
	})
	if err != nil {
		return repository.NewRepositoryError("put", err)
	}
	if strings.ToLower(u.ID) == types.UnrestrictedUser {
		r.cache.Invalidate()
	}
	return nil
}

// PutAll implements repository.Repository. Per-user writes are separate
// transactions; orphan pruning runs in one more transaction after every
// upsert succeeded.
func (r *Repository) PutAll(ctx context.Context, users map[string]*types.UserPermission) error {
	keep := make([]string, 0, len(users)+1)
	keep = append(keep, types.UnrestrictedUser)
	for id, u := range users {
		if u == nil {
			continue
		}
		if err := r.Put(ctx, u); err != nil {
			return trace.Wrap(err)
		}
		keep = append(keep, strings.ToLower(id))
	}
	err := r.writeRetry(ctx, "putAll", func(ctx context.Context) error {
		return r.inTx(ctx, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx,
				"DELETE FROM auth_user WHERE id != ALL($1)", keep); err != nil {
				return trace.Wrap(err)
			}
			// resources no permission row references anymore
			_, err := tx.Exec(ctx, `DELETE FROM auth_resource r
WHERE NOT EXISTS (
	SELECT 1 FROM auth_permission p
	WHERE p.resource_type = r.resource_type AND p.resource_name = r.resource_name
)`)
			return trace.Wrap(err)
		})
	})
	if err != nil {
		return repository.NewRepositoryError("putAll", err)
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
		// cached entries are shared, callers get a copy
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
	var out map[string]*types.UserPermission
	err := r.readRetry(ctx, func(ctx context.Context) error {
		var err error
		out, err = r.getAll(ctx, tc, nil)
		return trace.Wrap(err)
	})
	if err != nil {
		return nil, wrapReadError("getAllByID", err)
	}
	unrestricted := out[types.UnrestrictedUser]
	for id, u := range out {
		if id != types.UnrestrictedUser {
			u.Merge(unrestricted)
		}
	}
	return out, nil
}

// GetAllByRoles implements repository.Repository.
func (r *Repository) GetAllByRoles(ctx context.Context, anyRoles []string) (map[string]*types.UserPermission, error) {
	if anyRoles == nil {
		return r.GetAllByID(ctx)
	}
	out := make(map[string]*types.UserPermission)
	unrestricted, err := r.cache.Get(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out[types.UnrestrictedUser] = unrestricted.Clone()
	if len(anyRoles) == 0 {
		return out, nil
	}

	roleNames := make([]string, 0, len(anyRoles))
	for _, role := range anyRoles {
		roleNames = append(roleNames, strings.ToLower(strings.TrimSpace(role)))
	}
	tc := repository.NewTimeoutContext("getAllByRoles", r.cfg.Clock, r.cfg.ReadTimeout)
	var matched map[string]*types.UserPermission
	err = r.readRetry(ctx, func(ctx context.Context) error {
		var err error
		matched, err = r.getAll(ctx, tc, roleNames)
		return trace.Wrap(err)
	})
	if err != nil {
		return nil, wrapReadError("getAllByRoles", err)
	}
	for id, u := range matched {
		if id == types.UnrestrictedUser {
			continue
		}
		out[id] = u.Merge(unrestricted)
	}
	return out, nil
}

// Remove implements repository.Repository. Shared resource bodies are
// left behind for the next putAll sweep.
func (r *Repository) Remove(ctx context.Context, id string) error {
	if err := repository.ValidateID(id); err != nil {
		return trace.Wrap(err)
	}
	err := r.writeRetry(ctx, "remove", func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx,
			"DELETE FROM auth_user WHERE id = $1", strings.ToLower(id))
		return trace.Wrap(err)
	})
	if err != nil {
		return repository.NewRepositoryError("remove", err)
	}
	return nil
}

// putUserTx runs the ordered write steps for one user: resource upserts,
// permission-row delta, then the user row bump that advances updated_at.
func (r *Repository) putUserTx(ctx context.Context, tx pgx.Tx, u *types.UserPermission, encoded []encodedResource) error {
	id := strings.ToLower(u.ID)
	now := r.cfg.Clock.Now().UnixMilli()

	if _, err := tx.Exec(ctx,
		"INSERT INTO auth_user (id, admin, updated_at) VALUES ($1, $2, $3) ON CONFLICT (id) DO NOTHING",
		id, u.Admin, now); err != nil {
		return trace.Wrap(err)
	}

	batch := &pgx.Batch{}
	incoming := make([]resourceRef, 0, len(encoded))
	for _, res := range encoded {
		incoming = append(incoming, res.resourceRef)
		// rewrite the body only when its hash changed
		batch.Queue(`INSERT INTO auth_resource (resource_type, resource_name, body, body_hash, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (resource_type, resource_name) DO UPDATE
SET body = EXCLUDED.body, body_hash = EXCLUDED.body_hash, updated_at = EXCLUDED.updated_at
WHERE auth_resource.body_hash IS DISTINCT FROM EXCLUDED.body_hash`,
			res.Type.String(), res.Name, string(res.Body), res.Hash, now)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return trace.Wrap(err)
	}

	existing, err := readPermissionRefs(ctx, tx, id)
	if err != nil {
		return trace.Wrap(err)
	}
	delta := computeDelta(existing, incoming)

	batch = &pgx.Batch{}
	for _, ref := range delta.ToInsert {
		batch.Queue(
			"INSERT INTO auth_permission (user_id, resource_type, resource_name) VALUES ($1, $2, $3)",
			id, ref.Type.String(), ref.Name)
	}
	for resourceType, names := range groupByType(delta.ToDelete) {
		batch.Queue(
			"DELETE FROM auth_permission WHERE user_id = $1 AND resource_type = $2 AND resource_name = ANY($3)",
			id, resourceType.String(), names)
	}
	batch.Queue(
		"UPDATE auth_user SET admin = $2, updated_at = $3 WHERE id = $1",
		id, u.Admin, now)
	return trace.Wrap(tx.SendBatch(ctx, batch).Close())
}

// getRaw fetches one user's record without merging the unrestricted one.
func (r *Repository) getRaw(ctx context.Context, tc *repository.TimeoutContext, id string) (*types.UserPermission, error) {
	var u *types.UserPermission
	err := r.readRetry(ctx, func(ctx context.Context) error {
		if err := tc.Check(); err != nil {
			return retryutils.PermanentRetryError(err)
		}
		var admin bool
		err := r.pool.QueryRow(ctx,
			"SELECT admin FROM auth_user WHERE id = $1", id).Scan(&admin)
		if errors.Is(err, pgx.ErrNoRows) {
			return retryutils.PermanentRetryError(trace.NotFound("user %q not found", id))
		}
		if err != nil {
			return trace.Wrap(err)
		}

		rows, err := r.pool.Query(ctx, `SELECT r.resource_type, r.resource_name, r.body
FROM auth_resource r
JOIN auth_permission p ON p.resource_type = r.resource_type AND p.resource_name = r.resource_name
WHERE p.user_id = $1`, id)
		if err != nil {
			return trace.Wrap(err)
		}
		u = types.NewUserPermission(id)
		u.Admin = admin
		return trace.Wrap(scanResources(rows, tc, func(res types.Resource) {
			u.AddResource(res)
		}))
	})
	if err != nil {
		return nil, wrapReadError("get", err)
	}
	return u, nil
}

// getAll fetches every user, or just the holders of anyRoles when
// non-nil, with their resource bodies. Records come back unmerged.
func (r *Repository) getAll(ctx context.Context, tc *repository.TimeoutContext, anyRoles []string) (map[string]*types.UserPermission, error) {
	if err := tc.Check(); err != nil {
		return nil, trace.Wrap(err)
	}

	userFilter, resourceFilter := "", ""
	var args []any
	if anyRoles != nil {
		// holders of any of the requested roles
		holderSet := `(SELECT DISTINCT user_id FROM auth_permission
WHERE resource_type = $1 AND resource_name = ANY($2))`
		userFilter = " WHERE u.id IN " + holderSet
		resourceFilter = " WHERE p.user_id IN " + holderSet
		args = []any{types.ResourceTypeRole.String(), anyRoles}
	}

	out := make(map[string]*types.UserPermission)
	rows, err := r.pool.Query(ctx,
		"SELECT u.id, u.admin FROM auth_user u"+userFilter, args...)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var id string
	var admin bool
	if _, err := pgx.ForEachRow(rows, []any{&id, &admin}, func() error {
		u := types.NewUserPermission(id)
		u.Admin = admin
		out[u.ID] = u
		return tc.Check()
	}); err != nil {
		return nil, trace.Wrap(err)
	}

	// distinct bodies once, then fan out to holders
	bodies := make(map[resourceRef]types.Resource)
	rows, err = r.pool.Query(ctx, `SELECT DISTINCT r.resource_type, r.resource_name, r.body
FROM auth_resource r
JOIN auth_permission p ON p.resource_type = r.resource_type AND p.resource_name = r.resource_name`+
		resourceFilter, args...)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := scanResources(rows, tc, func(res types.Resource) {
		bodies[resourceRef{Type: res.GetResourceType(), Name: types.ResourceKey(res)}] = res
	}); err != nil {
		return nil, trace.Wrap(err)
	}

	rows, err = r.pool.Query(ctx,
		"SELECT p.user_id, p.resource_type, p.resource_name FROM auth_permission p"+resourceFilter, args...)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var rawType, name string
	if _, err := pgx.ForEachRow(rows, []any{&id, &rawType, &name}, func() error {
		u, ok := out[id]
		if !ok {
			return nil
		}
		if res, ok := bodies[resourceRef{Type: types.ResourceType(rawType), Name: name}]; ok {
			u.AddResource(res)
		}
		return tc.Check()
	}); err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}

func (r *Repository) loadUnrestrictedKey(ctx context.Context) (string, error) {
	var updatedAt int64
	err := r.pool.QueryRow(ctx,
		"SELECT updated_at FROM auth_user WHERE id = $1", types.UnrestrictedUser).Scan(&updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return repository.UnknownCacheKey, nil
	}
	if err != nil {
		return "", trace.Wrap(err)
	}
	return strconv.FormatInt(updatedAt, 10), nil
}

func (r *Repository) loadUnrestricted(ctx context.Context) (*types.UserPermission, error) {
	tc := repository.NewTimeoutContext("get", r.cfg.Clock, r.cfg.ReadTimeout)
	u, err := r.getRaw(ctx, tc, types.UnrestrictedUser)
	if trace.IsNotFound(err) {
		return types.NewUserPermission(types.UnrestrictedUser), nil
	}
	return u, trace.Wrap(err)
}

func readPermissionRefs(ctx context.Context, tx pgx.Tx, id string) ([]resourceRef, error) {
	rows, err := tx.Query(ctx,
		"SELECT resource_type, resource_name FROM auth_permission WHERE user_id = $1", id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var out []resourceRef
	var rawType, name string
	if _, err := pgx.ForEachRow(rows, []any{&rawType, &name}, func() error {
		out = append(out, resourceRef{Type: types.ResourceType(rawType), Name: name})
		return nil
	}); err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}

func scanResources(rows pgx.Rows, tc *repository.TimeoutContext, visit func(types.Resource)) error {
	var rawType, name, body string
	_, err := pgx.ForEachRow(rows, []any{&rawType, &name, &body}, func() error {
		res, err := types.UnmarshalResource(types.ResourceType(rawType), name, []byte(body))
		if err != nil {
			return trace.Wrap(err)
		}
		visit(res)
		return tc.Check()
	})
	return trace.Wrap(err)
}

func (r *Repository) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			r.cfg.Logger.WarnContext(ctx, "Failed to roll back transaction", "error", rbErr)
		}
		return trace.Wrap(err)
	}
	return trace.Wrap(tx.Commit(ctx))
}

// writeRetry reruns fn with a fixed interval, marking non-transient
// database errors permanent.
func (r *Repository) writeRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	retry, err := retryutils.NewLinear(retryutils.LinearConfig{
		Step:  r.cfg.WriteRetryInterval,
		Max:   r.cfg.WriteRetryInterval,
		Clock: r.cfg.Clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(retry.For(ctx, int64(r.cfg.WriteRetries), func() error {
		err := fn(ctx)
		if err != nil && !isTransient(err) {
			return retryutils.PermanentRetryError(err)
		}
		if err != nil {
			r.cfg.Logger.WarnContext(ctx, "Transient database error, will retry",
				"op", op, "error", err)
		}
		return trace.Wrap(err)
	}))
}

// readRetry reruns fn with a longer schedule than writes; reads never
// open transactions.
func (r *Repository) readRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	retry, err := retryutils.NewLinear(retryutils.LinearConfig{
		First: r.cfg.WriteRetryInterval,
		Step:  r.cfg.WriteRetryInterval,
		Max:   4 * r.cfg.WriteRetryInterval,
		Clock: r.cfg.Clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(retry.For(ctx, int64(2*r.cfg.WriteRetries), func() error {
		err := fn(ctx)
		if err != nil && !isTransient(err) {
			return retryutils.PermanentRetryError(err)
		}
		return trace.Wrap(err)
	}))
}

// isTransient reports whether a database error is worth retrying:
// serialization and deadlock failures, lock timeouts and connection
// level errors.
func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001" || pgErr.Code == "40P01" || pgErr.Code == "55P03":
			return true
		case strings.HasPrefix(pgErr.Code, "08"):
			return true
		}
		return false
	}
	return pgconn.SafeToRetry(err)
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
