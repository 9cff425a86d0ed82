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

package pgrepo

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/gravitational/trace"

	"github.com/gatewarden/gatewarden/api/types"
)

// resourceRef identifies one resource row.
type resourceRef struct {
	Type types.ResourceType
	Name string
}

// encodedResource is a resource serialized for storage. Hash is the
// base16 sha256 of Body, used to skip rewriting unchanged bodies.
type encodedResource struct {
	resourceRef
	Body []byte
	Hash string
}

// encodeResources serializes every resource of a permission record.
func encodeResources(u *types.UserPermission) ([]encodedResource, error) {
	resources := u.AllResources()
	out := make([]encodedResource, 0, len(resources))
	for _, r := range resources {
		body, err := json.Marshal(r)
		if err != nil {
			return nil, trace.Wrap(err, "encoding resource %q", r.GetName())
		}
		sum := sha256.Sum256(body)
		out = append(out, encodedResource{
			resourceRef: resourceRef{Type: r.GetResourceType(), Name: types.ResourceKey(r)},
			Body:        body,
			Hash:        hex.EncodeToString(sum[:]),
		})
	}
	return out, nil
}

// permissionDelta is the difference between the stored permission rows
// of a user and the incoming set.
type permissionDelta struct {
	ToInsert []resourceRef
	ToDelete []resourceRef
}

// computeDelta diffs the stored refs against the incoming ones. Both
// result slices come back sorted by type then name so batch statements
// are deterministic.
func computeDelta(existing, incoming []resourceRef) permissionDelta {
	have := make(map[resourceRef]struct{}, len(existing))
	for _, r := range existing {
		have[r] = struct{}{}
	}
	want := make(map[resourceRef]struct{}, len(incoming))
	for _, r := range incoming {
		want[r] = struct{}{}
	}

	var d permissionDelta
	for r := range want {
		if _, ok := have[r]; !ok {
			d.ToInsert = append(d.ToInsert, r)
		}
	}
	for r := range have {
		if _, ok := want[r]; !ok {
			d.ToDelete = append(d.ToDelete, r)
		}
	}
	sortRefs(d.ToInsert)
	sortRefs(d.ToDelete)
	return d
}

// groupByType buckets refs per resource type, for per-type delete
// statements.
func groupByType(refs []resourceRef) map[types.ResourceType][]string {
	out := make(map[types.ResourceType][]string)
	for _, r := range refs {
		out[r.Type] = append(out[r.Type], r.Name)
	}
	return out
}

func sortRefs(refs []resourceRef) {
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Type != refs[j].Type {
			return refs[i].Type < refs[j].Type
		}
		return refs[i].Name < refs[j].Name
	})
}
