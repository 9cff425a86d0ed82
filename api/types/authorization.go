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
	"strings"

	"github.com/gravitational/trace"
)

// Authorization is a single action a user may be granted on a resource.
type Authorization string

const (
	// Read grants visibility of a resource.
	Read Authorization = "READ"
	// Write grants modification of a resource.
	Write Authorization = "WRITE"
	// Execute grants triggering executions against a resource.
	Execute Authorization = "EXECUTE"
	// Create grants creation of new child objects under a resource.
	Create Authorization = "CREATE"
	// Delete grants removal of a resource.
	Delete Authorization = "DELETE"
)

// AllAuthorizations lists every known authorization in a stable order.
func AllAuthorizations() []Authorization {
	return []Authorization{Read, Write, Execute, Create, Delete}
}

// ParseAuthorization parses an external string into an Authorization.
// Parsing is case-insensitive.
func ParseAuthorization(s string) (Authorization, error) {
	switch a := Authorization(strings.ToUpper(strings.TrimSpace(s))); a {
	case Read, Write, Execute, Create, Delete:
		return a, nil
	default:
		return "", trace.BadParameter("unknown authorization %q", s)
	}
}

// String returns the canonical upper-case name.
func (a Authorization) String() string {
	return string(a)
}
