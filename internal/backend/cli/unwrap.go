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

package cli

import (
	"encoding/json"
	"strings"
)

// UnwrapOutput extracts the useful answer from CLI stdout. Agent CLIs wrap
// their result in a JSON envelope and sometimes prepend log noise; the
// heuristic is, in order:
//
//  1. a JSON object whose "result" or "response" field is a string that
//     itself parses as JSON yields that inner string,
//  2. any other valid JSON (envelopes with plain-text or structured
//     fields included) passes through verbatim,
//  3. otherwise the first decodable {...} block in the text is used,
//  4. failing all that, the trimmed raw text is the answer.
func UnwrapOutput(s string) string {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return ""
	}
	if inner, ok := unwrapEnvelope(trimmed); ok {
		return inner
	}
	if json.Valid([]byte(trimmed)) {
		return trimmed
	}
	if block := firstObject(trimmed); block != "" {
		if inner, ok := unwrapEnvelope(block); ok {
			return inner
		}
		return block
	}
	return trimmed
}

// unwrapEnvelope pulls the inner string out of a {"result": ...} or
// {"response": ...} envelope. The inner value qualifies only when it is a
// string that itself parses as JSON; anything else keeps the envelope
// intact so the caller's valid-JSON passthrough applies.
func unwrapEnvelope(s string) (string, bool) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return "", false
	}
	for _, key := range []string{"result", "response"} {
		raw, ok := m[key]
		if !ok {
			continue
		}
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			continue
		}
		if json.Valid([]byte(inner)) {
			return inner, true
		}
	}
	return "", false
}

// EnvelopeUsage reads the usage metrics agent CLIs report alongside the
// result: a cost_usd (or total_cost_usd) number and a usage object with
// input/output token counts. Absent or malformed fields read as zero.
func EnvelopeUsage(s string) (tokens int, cost float64) {
	trimmed := strings.TrimSpace(s)
	env := trimmed
	if !json.Valid([]byte(env)) {
		env = firstObject(trimmed)
	}
	if env == "" {
		return 0, 0
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal([]byte(env), &m); err != nil {
		return 0, 0
	}
	for _, key := range []string{"cost_usd", "total_cost_usd"} {
		raw, ok := m[key]
		if !ok {
			continue
		}
		var v float64
		if err := json.Unmarshal(raw, &v); err == nil {
			cost = v
			break
		}
	}
	if raw, ok := m["usage"]; ok {
		var usage struct {
			InputTokens  float64 `json:"input_tokens"`
			OutputTokens float64 `json:"output_tokens"`
		}
		if err := json.Unmarshal(raw, &usage); err == nil {
			tokens = int(usage.InputTokens + usage.OutputTokens)
		}
	}
	return tokens, cost
}

// firstObject returns the first decodable JSON object embedded in s.
func firstObject(s string) string {
	rest := s
	base := 0
	for {
		idx := strings.Index(rest, "{")
		if idx < 0 {
			return ""
		}
		dec := json.NewDecoder(strings.NewReader(s[base+idx:]))
		var raw json.RawMessage
		if err := dec.Decode(&raw); err == nil && len(raw) > 0 && raw[0] == '{' {
			return string(raw)
		}
		base += idx + 1
		rest = s[base:]
	}
}
