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

package types

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/gravitational/trace"
)

// ResourceType tags a resource with its kind. The well-known set is below;
// extensions may register additional types via RegisterResourceType.
type ResourceType string

const (
	// ResourceTypeAccount is a cloud account registry entry.
	ResourceTypeAccount ResourceType = "ACCOUNT"
	// ResourceTypeApplication is an application registry entry.
	ResourceTypeApplication ResourceType = "APPLICATION"
	// ResourceTypeBuildService is a build system registry entry.
	ResourceTypeBuildService ResourceType = "BUILD_SERVICE"
	// ResourceTypeRole is a group membership held by a user.
	ResourceTypeRole ResourceType = "ROLE"
	// ResourceTypeServiceAccount is an automation identity.
	ResourceTypeServiceAccount ResourceType = "SERVICE_ACCOUNT"
)

// KeySuffix returns the lower-case form of the type, used as a key segment
// by the key/value repository.
func (t ResourceType) KeySuffix() string {
	return strings.ToLower(string(t))
}

// String returns the canonical upper-case name.
func (t ResourceType) String() string {
	return string(t)
}

// ResourceFactory builds a resource of one type from a stored JSON body.
type ResourceFactory func(name string, body []byte) (Resource, error)

var (
	registryMu sync.RWMutex
	registry   = map[ResourceType]ResourceFactory{
		ResourceTypeAccount: func(name string, body []byte) (Resource, error) {
			var a Account
			return unmarshalResource(&a, name, body)
		},
		ResourceTypeApplication: func(name string, body []byte) (Resource, error) {
			var a Application
			return unmarshalResource(&a, name, body)
		},
		ResourceTypeBuildService: func(name string, body []byte) (Resource, error) {
			var b BuildService
			return unmarshalResource(&b, name, body)
		},
		ResourceTypeRole: func(name string, body []byte) (Resource, error) {
			var r Role
			return unmarshalResource(&r, name, body)
		},
		ResourceTypeServiceAccount: func(name string, body []byte) (Resource, error) {
			var s ServiceAccount
			return unmarshalResource(&s, name, body)
		},
	}
)

type namedResource interface {
	Resource
	setName(string)
}

func unmarshalResource(r namedResource, name string, body []byte) (Resource, error) {
	if err := json.Unmarshal(body, r); err != nil {
		return nil, trace.Wrap(err)
	}
	if r.GetName() == "" {
		r.setName(name)
	}
	return r, nil
}

// RegisterResourceType binds a factory for an extension resource type.
// Registering a well-known type replaces the built-in factory.
func RegisterResourceType(t ResourceType, factory ResourceFactory) error {
	if t == "" {
		return trace.BadParameter("missing resource type")
	}
	if factory == nil {
		return trace.BadParameter("missing factory for resource type %q", t)
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[canonicalType(string(t))] = factory
	return nil
}

// RegisteredResourceTypes returns every known resource type, sorted.
func RegisteredResourceTypes() []ResourceType {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]ResourceType, 0, len(registry))
	for t := range registry {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// UnmarshalResource parses a stored body into a resource of the given type
// using the registered factory. Unknown fields in the body are ignored.
func UnmarshalResource(t ResourceType, name string, body []byte) (Resource, error) {
	registryMu.RLock()
	factory, ok := registry[t]
	registryMu.RUnlock()
	if !ok {
		return nil, trace.BadParameter("no factory registered for resource type %q", t)
	}
	r, err := factory(name, body)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return r, nil
}

func canonicalType(s string) ResourceType {
	return ResourceType(strings.ToUpper(strings.TrimSpace(s)))
}

// ParseResourceType parses an external string into a ResourceType. Accepted
// forms are a bare type name, its plural, or a colon-separated composite
// whose final segment is the type ("ns:accounts" parses as ACCOUNT).
// Parsing is case-insensitive.
func ParseResourceType(s string) (ResourceType, error) {
	if s = strings.TrimSpace(s); s == "" {
		return "", trace.BadParameter("missing resource type")
	}
	if i := strings.LastIndex(s, ":"); i >= 0 {
		s = s[i+1:]
	}
	t := canonicalType(s)

	registryMu.RLock()
	defer registryMu.RUnlock()
	if _, ok := registry[t]; ok {
		return t, nil
	}
	// plural forms: ACCOUNTS, ROLES, BUILD_SERVICES
	if singular := ResourceType(strings.TrimSuffix(string(t), "S")); singular != t {
		if _, ok := registry[singular]; ok {
			return singular, nil
		}
	}
	return "", trace.BadParameter("unknown resource type %q", s)
}
