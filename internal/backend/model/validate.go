// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package model

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// maxErrorPaths caps how many offending instance paths a validation
// failure summary names.
const maxErrorPaths = 3

// ValidateOutput checks output against a JSON schema and returns a failure
// summary, or empty when valid. The summary names at most three offending
// paths so coordinator-side task views stay readable.
func ValidateOutput(output, schemaJSON string) string {
	var schemaDoc any
	if err := json.Unmarshal([]byte(schemaJSON), &schemaDoc); err != nil {
		return "Output validation failed: schema is not valid JSON: " + err.Error()
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", schemaDoc); err != nil {
		return "Output validation failed: schema rejected: " + err.Error()
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return "Output validation failed: schema rejected: " + err.Error()
	}

	var instance any
	if err := json.Unmarshal([]byte(output), &instance); err != nil {
		return "Output validation failed: output is not valid JSON: " + err.Error()
	}

	if err := schema.Validate(instance); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return "Output validation failed at " + strings.Join(errorPaths(verr), ", ")
		}
		return "Output validation failed: " + err.Error()
	}
	return ""
}

// errorPaths collects up to maxErrorPaths leaf instance locations from a
// validation error tree.
func errorPaths(verr *jsonschema.ValidationError) []string {
	var paths []string
	seen := map[string]bool{}

	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(paths) >= maxErrorPaths {
			return
		}
		if len(e.Causes) == 0 {
			path := "/" + strings.Join(e.InstanceLocation, "/")
			if !seen[path] {
				seen[path] = true
				paths = append(paths, path)
			}
			return
		}
		for _, cause := range e.Causes {
			walk(cause)
		}
	}
	walk(verr)

	if len(paths) == 0 {
		paths = append(paths, "/")
	}
	return paths
}
