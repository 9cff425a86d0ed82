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

package service

import (
	"context"
	"encoding/json"
	"os"

	"github.com/gravitational/trace"

	"github.com/gatewarden/gatewarden/api/types"
	"github.com/gatewarden/gatewarden/lib/config"
)

// NewFileSource serves one resource type from a JSON file holding an
// array of resource bodies. The file is re-read on every refresh, so
// edits show up within one refresh interval.
func NewFileSource(t types.ResourceType, path string) Source {
	return Source{
		Type: t,
		Load: func(ctx context.Context) ([]types.Resource, error) {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, trace.ConvertSystemError(err)
			}
			var bodies []json.RawMessage
			if err := json.Unmarshal(data, &bodies); err != nil {
				return nil, trace.BadParameter("failed to parse %v inventory %v: %v", t.KeySuffix(), path, err)
			}
			out := make([]types.Resource, 0, len(bodies))
			for _, body := range bodies {
				r, err := types.UnmarshalResource(t, "", body)
				if err != nil {
					return nil, trace.Wrap(err)
				}
				out = append(out, r)
			}
			return out, nil
		},
	}
}

// FileSources builds the file-backed inventory sources named by the
// configuration. Sections without a file are skipped.
func FileSources(fc *config.FileConfig) []Source {
	entries := []struct {
		t    types.ResourceType
		file string
	}{
		{types.ResourceTypeAccount, fc.Sources.Accounts.File},
		{types.ResourceTypeApplication, fc.Sources.Applications.File},
		{types.ResourceTypeServiceAccount, fc.Sources.ServiceAccounts.File},
		{types.ResourceTypeBuildService, fc.Sources.BuildServices.File},
	}
	var out []Source
	for _, e := range entries {
		if e.file == "" {
			continue
		}
		out = append(out, NewFileSource(e.t, e.file))
	}
	return out
}
