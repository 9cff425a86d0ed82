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

package roles

import (
	"os"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"

	"github.com/gatewarden/gatewarden/api/types"
)

// NewFileProvider builds a static provider from a YAML file mapping user
// ids to role name lists:
//
//	alice: [team-a, platform-admins]
//	bob: [team-b]
func NewFileProvider(path string) (*StaticProvider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	var raw map[string][]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, trace.BadParameter("failed to parse roles file %v: %v", path, err)
	}
	users := make(map[string][]types.Role, len(raw))
	for id, names := range raw {
		userRoles := make([]types.Role, 0, len(names))
		for _, name := range names {
			userRoles = append(userRoles, types.Role{
				Name:   name,
				Source: types.RoleSourceDirectory,
			})
		}
		users[id] = userRoles
	}
	return NewStaticProvider(users), nil
}
