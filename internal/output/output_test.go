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

package output

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableAlignsColumns(t *testing.T) {
	var buf bytes.Buffer
	err := Table(&buf, []string{"ID", "STATUS"}, [][]string{
		{"T1", "todo"},
		{"a-much-longer-id", "done"},
	})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	// STATUS starts at the same column in every line.
	col := strings.Index(lines[0], "STATUS")
	assert.Equal(t, "todo", strings.TrimSpace(lines[1][col:]))
	assert.Equal(t, "done", strings.TrimSpace(lines[2][col:]))
}

func TestJSONIndents(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, JSON(&buf, map[string]string{"agent": "flux"}))
	assert.Equal(t, "{\n  \"agent\": \"flux\"\n}\n", buf.String())
}

func TestKV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, KV(&buf, [][2]string{{"Agent", "main"}, {"Server", "1.2.3"}}))
	assert.Contains(t, buf.String(), "Agent")
	assert.Contains(t, buf.String(), "1.2.3")
}
