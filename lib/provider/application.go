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

package provider

import (
	"context"
	"strings"

	"github.com/gravitational/trace"

	"github.com/gatewarden/gatewarden/api/types"
)

// ApplicationConfig configures an ApplicationProvider.
type ApplicationConfig struct {
	// Config is the base provider configuration. Type and PostProcess
	// are set by the application provider itself.
	Config
	// AllowAccessToUnknownApplications implicitly grants callers access
	// to applications with no declared permissions; restriction is then
	// applied at the view layer instead of the provider.
	AllowAccessToUnknownApplications bool
	// ExecuteFallback seeds an empty EXECUTE group set from another
	// authorization; READ or WRITE.
	ExecuteFallback types.Authorization
}

// CheckAndSetDefaults validates the config.
func (c *ApplicationConfig) CheckAndSetDefaults() error {
	c.Type = types.ResourceTypeApplication
	switch c.ExecuteFallback {
	case "":
		c.ExecuteFallback = types.Read
	case types.Read, types.Write:
	default:
		return trace.BadParameter("execute fallback must be READ or WRITE, got %q", c.ExecuteFallback)
	}
	return nil
}

// ApplicationProvider serves applications. On top of the base pipeline it
// merges prefix entries into matching applications, seeds missing EXECUTE
// group sets, and optionally disables restriction filtering when unknown
// applications are open to everyone.
type ApplicationProvider struct {
	*BaseProvider
	allowAccessToUnknown bool
}

// NewApplicationProvider builds an application provider over the primary
// and (optional) secondary inventory loaders.
func NewApplicationProvider(cfg ApplicationConfig) (*ApplicationProvider, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	executeFallback := cfg.ExecuteFallback
	allowUnknown := cfg.AllowAccessToUnknownApplications
	cfg.Config.PostProcess = func(resources []types.Resource) ([]types.Resource, error) {
		apps := extractPrefixPermissions(resources)
		if allowUnknown {
			// unrestricted entries are redundant when unknown
			// applications are open to everyone
			apps = keepRestricted(apps)
		}
		return ensureExecutePermission(apps, executeFallback), nil
	}
	base, err := NewBaseProvider(cfg.Config)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &ApplicationProvider{
		BaseProvider:         base,
		allowAccessToUnknown: allowUnknown,
	}, nil
}

// AllRestricted implements Provider. With unknown applications open, the
// provider returns every entry with its declared permissions and leaves
// restriction to the view layer.
func (p *ApplicationProvider) AllRestricted(ctx context.Context, roles []types.Role, isAdmin bool) ([]types.Resource, error) {
	if p.allowAccessToUnknown {
		return p.All(ctx)
	}
	return p.BaseProvider.AllRestricted(ctx, roles, isAdmin)
}

// AllUnrestricted implements Provider.
func (p *ApplicationProvider) AllUnrestricted(ctx context.Context) ([]types.Resource, error) {
	if p.allowAccessToUnknown {
		return p.All(ctx)
	}
	return p.BaseProvider.AllUnrestricted(ctx)
}

// extractPrefixPermissions splits the set into prefix entries and
// application entries, folds each prefix entry's permissions into every
// application it covers, and drops the prefix entries.
func extractPrefixPermissions(resources []types.Resource) []types.Resource {
	var prefixes []*types.Application
	var entries []*types.Application
	var passthrough []types.Resource
	for _, r := range resources {
		app, ok := r.(*types.Application)
		if !ok {
			passthrough = append(passthrough, r)
			continue
		}
		if app.IsPrefix() {
			prefixes = append(prefixes, app)
		} else {
			entries = append(entries, app)
		}
	}

	out := passthrough
	for _, app := range entries {
		matched := []types.Permissions{app.Permissions}
		for _, prefix := range prefixes {
			if strings.HasPrefix(strings.ToLower(app.Name), strings.ToLower(prefix.PrefixStem())) {
				matched = append(matched, prefix.Permissions)
			}
		}
		if len(matched) > 1 {
			clone := *app
			clone.Permissions = types.CombinePermissions(matched...)
			out = append(out, &clone)
			continue
		}
		out = append(out, app)
	}
	return out
}

// ensureExecutePermission copies the fallback authorization's group set
// into EXECUTE for restricted applications that lack one. Unrestricted
// applications are not touched.
func ensureExecutePermission(resources []types.Resource, fallback types.Authorization) []types.Resource {
	out := make([]types.Resource, 0, len(resources))
	for _, r := range resources {
		app, ok := r.(*types.Application)
		if !ok || !app.Permissions.IsRestricted() || len(app.Permissions.Get(types.Execute)) > 0 {
			out = append(out, r)
			continue
		}
		groups := make(map[types.Authorization][]string, len(types.AllAuthorizations()))
		for _, a := range types.AllAuthorizations() {
			groups[a] = app.Permissions.Get(a)
		}
		groups[types.Execute] = app.Permissions.Get(fallback)
		clone := *app
		clone.Permissions = types.NewPermissions(groups)
		out = append(out, &clone)
	}
	return out
}

func keepRestricted(resources []types.Resource) []types.Resource {
	var out []types.Resource
	for _, r := range resources {
		if ac, ok := r.(types.AccessControlled); ok && ac.GetPermissions().IsRestricted() {
			out = append(out, r)
		}
	}
	return out
}
