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
	_ "embed"
	"fmt"
	"os"
	"regexp"

	"github.com/goccy/go-yaml"

	"github.com/cellwise/peg-analyzer/internal/logging"
)

//go:embed templates/enhanced_v1.yaml
var bundledTemplates []byte

var placeholderPattern = regexp.MustCompile(`\{([a-z][a-z0-9_]*)\}`)

// LoadTemplates reads prompt templates from path, falling back to the
// bundled set when the path is empty or unreadable. The bundled set is
// compiled in and always parses.
func LoadTemplates(path string, log logging.StructuredLogger) map[string]string {
	if path != "" {
		raw, err := os.ReadFile(path)
		if err == nil {
			var templates map[string]string
			if err := yaml.Unmarshal(raw, &templates); err == nil && len(templates) > 0 {
				log.Infof("loaded %d prompt templates from %s", len(templates), path)
				return templates
			}
			log.Warnf("prompt template file %s is not a valid template map, using bundled templates", path)
		} else {
			log.Warnf("prompt template file %s unreadable (%v), using bundled templates", path, err)
		}
	}

	var templates map[string]string
	if err := yaml.Unmarshal(bundledTemplates, &templates); err != nil {
		// The bundled file ships with the binary; failing to parse it is
		// a build defect, not a runtime condition.
		panic(fmt.Sprintf("bundled prompt templates are invalid: %v", err))
	}
	return templates
}

// renderTemplate substitutes {name} placeholders. A placeholder without
// a matching variable is a configuration error.
func renderTemplate(template string, vars map[string]string) (string, error) {
	var missing []string
	out := placeholderPattern.ReplaceAllStringFunc(template, func(m string) string {
		name := m[1 : len(m)-1]
		v, ok := vars[name]
		if !ok {
			missing = append(missing, name)
			return m
		}
		return v
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("prompt template references undefined placeholders: %v", missing)
	}
	return out, nil
}
