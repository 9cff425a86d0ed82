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
)

// Permissions maps an authorization to the set of groups that hold it.
// Group names are case-insensitive; they are trimmed, lower-cased and
// deduplicated on construction. A Permissions value is immutable once
// built.
type Permissions struct {
	groups map[Authorization][]string
}

// NewPermissions builds a Permissions from authorization to group-list
// pairs, normalizing group names. Empty group lists are dropped.
func NewPermissions(m map[Authorization][]string) Permissions {
	out := make(map[Authorization][]string, len(m))
	for a, groups := range m {
		normalized := normalizeGroups(groups)
		if len(normalized) > 0 {
			out[a] = normalized
		}
	}
	if len(out) == 0 {
		return Permissions{}
	}
	return Permissions{groups: out}
}

// CombinePermissions unions several Permissions per authorization.
func CombinePermissions(ps ...Permissions) Permissions {
	merged := make(map[Authorization][]string)
	for _, p := range ps {
		for a, groups := range p.groups {
			merged[a] = append(merged[a], groups...)
		}
	}
	return NewPermissions(merged)
}

// Get returns the groups holding the given authorization.
func (p Permissions) Get(a Authorization) []string {
	groups := p.groups[a]
	out := make([]string, len(groups))
	copy(out, groups)
	return out
}

// IsRestricted reports whether any authorization has a non-empty group
// set.
func (p Permissions) IsRestricted() bool {
	return len(p.groups) > 0
}

// IsEmpty reports whether no authorization names any group.
func (p Permissions) IsEmpty() bool {
	return len(p.groups) == 0
}

// AllGroups returns the union of groups across all authorizations, sorted.
func (p Permissions) AllGroups() []string {
	var all []string
	for _, groups := range p.groups {
		all = append(all, groups...)
	}
	return normalizeGroups(all)
}

// Authorizations returns the authorizations whose group set intersects
// userGroups. An unrestricted Permissions grants every known
// authorization.
func (p Permissions) Authorizations(userGroups []string) []Authorization {
	if !p.IsRestricted() {
		return AllAuthorizations()
	}
	held := make(map[string]struct{}, len(userGroups))
	for _, g := range userGroups {
		held[strings.ToLower(strings.TrimSpace(g))] = struct{}{}
	}
	var out []Authorization
	for _, a := range AllAuthorizations() {
		for _, g := range p.groups[a] {
			if _, ok := held[g]; ok {
				out = append(out, a)
				break
			}
		}
	}
	return out
}

// MarshalJSON encodes the map form, omitting empty authorizations.
func (p Permissions) MarshalJSON() ([]byte, error) {
	m := make(map[string][]string, len(p.groups))
	for a, groups := range p.groups {
		m[string(a)] = groups
	}
	return json.Marshal(m)
}

// UnmarshalJSON decodes the map form. Keys that do not parse as a known
// authorization are dropped silently so that older bodies keep loading.
func (p *Permissions) UnmarshalJSON(data []byte) error {
	var raw map[string][]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m := make(map[Authorization][]string, len(raw))
	for key, groups := range raw {
		a, err := ParseAuthorization(key)
		if err != nil {
			continue
		}
		m[a] = append(m[a], groups...)
	}
	*p = NewPermissions(m)
	return nil
}

// Equals reports whether two Permissions grant identical group sets.
func (p Permissions) Equals(other Permissions) bool {
	if len(p.groups) != len(other.groups) {
		return false
	}
	for a, groups := range p.groups {
		otherGroups, ok := other.groups[a]
		if !ok || len(groups) != len(otherGroups) {
			return false
		}
		for i := range groups {
			if groups[i] != otherGroups[i] {
				return false
			}
		}
	}
	return true
}

func normalizeGroups(groups []string) []string {
	seen := make(map[string]struct{}, len(groups))
	out := make([]string, 0, len(groups))
	for _, g := range groups {
		g = strings.ToLower(strings.TrimSpace(g))
		if g == "" {
			continue
		}
		if _, ok := seen[g]; ok {
			continue
		}
		seen[g] = struct{}{}
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}
