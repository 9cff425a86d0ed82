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

// Package resolver joins user roles with resource permissions to produce
// effective per-user permission sets.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gravitational/trace"

	"github.com/gatewarden/gatewarden/api/types"
	"github.com/gatewarden/gatewarden/lib/provider"
	"github.com/gatewarden/gatewarden/lib/roles"
)

// ResolutionError reports that a user's permission set could not be
// computed.
type ResolutionError struct {
	// User is the affected user id, may be empty for batch failures.
	User string
	// Err is the cause.
	Err error
}

// Error implements error.
func (e *ResolutionError) Error() string {
	if e.User == "" {
		return fmt.Sprintf("permission resolution failed: %v", e.Err)
	}
	return fmt.Sprintf("permission resolution failed for user %v: %v", e.User, e.Err)
}

// Unwrap returns the cause.
func (e *ResolutionError) Unwrap() error { return e.Err }

// IsResolutionError reports whether err is a ResolutionError.
func IsResolutionError(err error) bool {
	var re *ResolutionError
	return errors.As(err, &re)
}

// Config configures a Resolver.
type Config struct {
	// RolesProvider looks up user group memberships.
	RolesProvider roles.Provider
	// Providers is the registry of resource providers.
	Providers *provider.Registry
	// AdminRoles grants the admin flag to any user holding one of them.
	AdminRoles []string
	// UnrestrictedRoles are granted to the anonymous user, usually none.
	UnrestrictedRoles []string
	// AllowAccessToUnknownApplications is stamped onto every resolved
	// record so the edge filter skips application restriction.
	AllowAccessToUnknownApplications bool
	// Logger is the resolver's log.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config.
func (c *Config) CheckAndSetDefaults() error {
	if c.RolesProvider == nil {
		return trace.BadParameter("missing parameter RolesProvider")
	}
	if c.Providers == nil {
		return trace.BadParameter("missing parameter Providers")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	for i, r := range c.AdminRoles {
		c.AdminRoles[i] = strings.ToLower(strings.TrimSpace(r))
	}
	return nil
}

// Resolver computes effective permission sets.
type Resolver struct {
	cfg Config
}

// New returns a Resolver.
func New(cfg Config) (*Resolver, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Resolver{cfg: cfg}, nil
}

// ResolveUnrestricted builds the anonymous user's record: every
// unrestricted resource, plus restricted resources reachable through the
// configured anonymous roles, if any.
func (r *Resolver) ResolveUnrestricted(ctx context.Context) (*types.UserPermission, error) {
	anonRoles := make([]types.Role, 0, len(r.cfg.UnrestrictedRoles))
	for _, name := range r.cfg.UnrestrictedRoles {
		anonRoles = append(anonRoles, types.NewRole(name))
	}
	u, err := r.userPermission(ctx, types.UnrestrictedUser, anonRoles)
	return u, trace.Wrap(err)
}

// Resolve computes one user's record with no external roles.
func (r *Resolver) Resolve(ctx context.Context, userID string) (*types.UserPermission, error) {
	u, err := r.ResolveAndMerge(ctx, types.ExternalUser{ID: userID})
	return u, trace.Wrap(err)
}

// ResolveAndMerge loads the user's roles from the identity provider,
// merges in the supplied external roles, and computes the record. A user
// whose id names a service account resolves from the account's memberOf
// list instead of the identity provider.
func (r *Resolver) ResolveAndMerge(ctx context.Context, user types.ExternalUser) (*types.UserPermission, error) {
	if user.ID == "" {
		return nil, trace.BadParameter("missing user id")
	}
	id := strings.ToLower(user.ID)

	if sa, err := r.lookupServiceAccount(ctx, id); err == nil && sa != nil {
		u, err := r.userPermission(ctx, id, append(sa.ExternalRoles(), user.ExternalRoles...))
		return u, trace.Wrap(err)
	}

	loaded, err := r.cfg.RolesProvider.LoadRoles(ctx, id)
	if err != nil {
		return nil, &ResolutionError{User: id, Err: err}
	}
	r.cfg.Logger.DebugContext(ctx, "Loaded user roles", "user", id, "roles", len(loaded))
	return r.userPermission(ctx, id, append(loaded, user.ExternalRoles...))
}

// ResolveBatch computes records for many users with a single role batch
// lookup and one pass over every provider's resource set.
func (r *Resolver) ResolveBatch(ctx context.Context, users []types.ExternalUser) (map[string]*types.UserPermission, error) {
	ids := make([]string, 0, len(users))
	for _, u := range users {
		ids = append(ids, strings.ToLower(u.ID))
	}
	byUser, err := r.cfg.RolesProvider.MultiLoadRoles(ctx, ids)
	if err != nil {
		return nil, &ResolutionError{Err: err}
	}
	// users the identity provider does not know keep resolving through
	// their external roles
	for _, u := range users {
		id := strings.ToLower(u.ID)
		merged := append(byUser[id], u.ExternalRoles...)
		byUser[id] = merged
	}

	acl, err := r.buildACLIndex(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	out := make(map[string]*types.UserPermission, len(byUser))
	for id, userRoles := range byUser {
		u := types.NewUserPermission(id).WithRoles(userRoles)
		u.Admin = r.isAdmin(u.RoleNames())
		u.AllowAccessToUnknownApplications = r.cfg.AllowAccessToUnknownApplications
		u.AddResources(acl.canAccess(u.RoleNames()))
		out[id] = u
	}
	return out, nil
}

func (r *Resolver) lookupServiceAccount(ctx context.Context, id string) (*types.ServiceAccount, error) {
	p, err := r.cfg.Providers.ByType(types.ResourceTypeServiceAccount)
	if err != nil {
		return nil, nil
	}
	res, err := p.GetByName(ctx, id)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, nil
		}
		return nil, trace.Wrap(err)
	}
	sa, ok := res.(*types.ServiceAccount)
	if !ok {
		return nil, nil
	}
	return sa, nil
}

func (r *Resolver) userPermission(ctx context.Context, id string, userRoles []types.Role) (*types.UserPermission, error) {
	u := types.NewUserPermission(id).WithRoles(userRoles)
	u.Admin = r.isAdmin(u.RoleNames())
	u.AllowAccessToUnknownApplications = r.cfg.AllowAccessToUnknownApplications

	for _, p := range r.cfg.Providers.All() {
		switch {
		case id == types.UnrestrictedUser:
			unrestricted, err := p.AllUnrestricted(ctx)
			if err != nil {
				return nil, &ResolutionError{User: id, Err: err}
			}
			u.AddResources(unrestricted)
			if len(u.Roles) > 0 {
				restricted, err := p.AllRestricted(ctx, u.Roles, false)
				if err != nil {
					return nil, &ResolutionError{User: id, Err: err}
				}
				u.AddResources(restricted)
			}
		case len(u.Roles) > 0 || u.Admin:
			restricted, err := p.AllRestricted(ctx, u.Roles, u.Admin)
			if err != nil {
				return nil, &ResolutionError{User: id, Err: err}
			}
			u.AddResources(restricted)
		}
	}
	return u, nil
}

func (r *Resolver) isAdmin(roleNames []string) bool {
	for _, admin := range r.cfg.AdminRoles {
		for _, held := range roleNames {
			if held == admin {
				return true
			}
		}
	}
	return false
}

// aclIndex maps each group named by any resource's permissions to the
// resources reachable through it. Built once per batch and discarded.
type aclIndex struct {
	byGroup map[string][]types.Resource
}

func (r *Resolver) buildACLIndex(ctx context.Context) (*aclIndex, error) {
	acl := &aclIndex{byGroup: make(map[string][]types.Resource)}
	for _, p := range r.cfg.Providers.All() {
		all, err := p.All(ctx)
		if err != nil {
			return nil, &ResolutionError{Err: err}
		}
		for _, res := range all {
			ac, ok := res.(types.AccessControlled)
			if !ok {
				continue
			}
			for _, g := range ac.GetPermissions().AllGroups() {
				acl.byGroup[g] = append(acl.byGroup[g], res)
			}
		}
	}
	return acl, nil
}

func (a *aclIndex) canAccess(groups []string) []types.Resource {
	var out []types.Resource
	for _, g := range groups {
		out = append(out, a.byGroup[g]...)
	}
	return out
}
