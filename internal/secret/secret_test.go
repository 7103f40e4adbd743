// Copyright 2025 Cellwise, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package secret

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/goccy/go-yaml"
	"github.com/google/go-cmp/cmp"
	"gotest.tools/v3/assert"
)

func TestStringMasksEverywhere(t *testing.T) {
	s := String("hunter2")

	assert.Equal(t, fmt.Sprintf("%v", s), "***REDACTED***")
	assert.Equal(t, s.String(), "***REDACTED***")
	assert.Equal(t, s.SecretValue(), "hunter2")

	out, err := yaml.Marshal(map[string]String{"db_password": s})
	assert.NilError(t, err)
	assert.Assert(t, !containsRaw(string(out)), "yaml output leaked secret: %s", out)

	j, err := json.Marshal(struct {
		Token String `json:"token"`
	}{Token: s})
	assert.NilError(t, err)
	assert.Assert(t, !containsRaw(string(j)), "json output leaked secret: %s", j)
}

func containsRaw(s string) bool {
	return len(s) > 0 && (stringContains(s, "hunter2"))
}

func stringContains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}

func TestRedact(t *testing.T) {
	in := map[string]any{
		"db_host":     "db.local",
		"db_password": "hunter2",
		"llm": map[string]any{
			"api_key": "sk-xyz",
			"model":   "Gemma-3-27B",
		},
		"Authorization": "Bearer abc",
	}
	got := Redact(in)
	want := map[string]any{
		"db_host":     "db.local",
		"db_password": "***REDACTED***",
		"llm": map[string]any{
			"api_key": "***REDACTED***",
			"model":   "Gemma-3-27B",
		},
		"Authorization": "***REDACTED***",
	}
	assert.DeepEqual(t, got, want)

	// Input must stay untouched.
	assert.Equal(t, in["db_password"], "hunter2")
	assert.Assert(t, cmp.Diff(in["llm"], map[string]any{"api_key": "sk-xyz", "model": "Gemma-3-27B"}) == "")
}

func TestRedactNil(t *testing.T) {
	assert.Assert(t, Redact(nil) == nil)
}
