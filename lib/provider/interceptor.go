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
	"github.com/gatewarden/gatewarden/api/types"
)

// Interceptor rewrites a provider's post-processed resource set.
// Interceptors that do not opt in via Supports are skipped silently.
type Interceptor interface {
	// Supports reports whether the interceptor applies to the type.
	Supports(t types.ResourceType) bool
	// Intercept rewrites the set. The input must not be mutated.
	Intercept(resources []types.Resource) ([]types.Resource, error)
}

// ReadOnlyInterceptor intersects every authorization of the matched types
// with READ, for deployments that mirror inventories read-only.
type ReadOnlyInterceptor struct {
	// Types limits the interceptor; empty means every type.
	Types []types.ResourceType
}

// Supports implements Interceptor.
func (i *ReadOnlyInterceptor) Supports(t types.ResourceType) bool {
	if len(i.Types) == 0 {
		return true
	}
	for _, candidate := range i.Types {
		if candidate == t {
			return true
		}
	}
	return false
}

// Intercept rewrites each restricted resource so only its READ groups
// survive.
func (i *ReadOnlyInterceptor) Intercept(resources []types.Resource) ([]types.Resource, error) {
	out := make([]types.Resource, 0, len(resources))
	for _, r := range resources {
		ac, ok := r.(types.AccessControlled)
		if !ok || !ac.GetPermissions().IsRestricted() {
			out = append(out, r)
			continue
		}
		readOnly := types.NewPermissions(map[types.Authorization][]string{
			types.Read: ac.GetPermissions().Get(types.Read),
		})
		out = append(out, withPermissions(r, readOnly))
	}
	return out, nil
}

// withPermissions returns a copy of r carrying the given permissions.
// Resources without permissions are returned unchanged.
func withPermissions(r types.Resource, p types.Permissions) types.Resource {
	switch v := r.(type) {
	case *types.Account:
		clone := *v
		clone.Permissions = p
		return &clone
	case *types.Application:
		clone := *v
		clone.Permissions = p
		return &clone
	case *types.BuildService:
		clone := *v
		clone.Permissions = p
		return &clone
	case *types.ExtensionResource:
		clone := *v
		clone.Permissions = p
		return &clone
	default:
		return r
	}
}
