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

package analysis

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/cellwise/peg-analyzer/internal/logging"
)

func TestLoadTemplatesBundledFallback(t *testing.T) {
	templates := LoadTemplates("", logging.DiscardLogger())
	enhanced, ok := templates["enhanced"]
	assert.Assert(t, ok)
	assert.Assert(t, strings.Contains(enhanced, "{n1_range}"))
	assert.Assert(t, strings.Contains(enhanced, "{data_preview}"))
}

func TestLoadTemplatesFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	assert.NilError(t, os.WriteFile(path, []byte("enhanced: |\n  custom {n1_range} {n_range} {data_preview}\n"), 0o644))

	templates := LoadTemplates(path, logging.DiscardLogger())
	assert.Assert(t, strings.HasPrefix(templates["enhanced"], "custom"))
}

func TestLoadTemplatesBadFileFallsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	assert.NilError(t, os.WriteFile(path, []byte(":\tnot yaml at all ["), 0o644))

	templates := LoadTemplates(path, logging.DiscardLogger())
	assert.Assert(t, templates["enhanced"] != "")
}

func TestRenderTemplate(t *testing.T) {
	out, err := renderTemplate("compare {n1_range} to {n_range}", map[string]string{
		"n1_range": "A", "n_range": "B",
	})
	assert.NilError(t, err)
	assert.Equal(t, out, "compare A to B")
}

func TestRenderTemplateMissingPlaceholder(t *testing.T) {
	_, err := renderTemplate("data: {data_preview}", map[string]string{})
	assert.ErrorContains(t, err, "data_preview")
}

func TestRenderTemplateIgnoresJSONBraces(t *testing.T) {
	tpl := `answer as {"executive_summary": "..."} with {n_range}`
	out, err := renderTemplate(tpl, map[string]string{"n_range": "B"})
	assert.NilError(t, err)
	assert.Assert(t, strings.Contains(out, `{"executive_summary"`))
	assert.Assert(t, strings.Contains(out, "with B"))
}
