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

package llm

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/cellwise/peg-analyzer/apperr"
)

var (
	jsonFence    = regexp.MustCompile("(?s)```json\\s*(\\{.*?\\})\\s*```")
	genericFence = regexp.MustCompile("(?s)```\\s*(\\{.*?\\})\\s*```")
)

// ExtractJSON digs the JSON object out of a model answer. Models wrap
// their JSON in prose and code fences in no predictable way, so the
// extraction tries, in order: a ```json fence, a generic fence, a
// brace-balanced substring, and finally the whole text.
func ExtractJSON(content string) (map[string]any, error) {
	for _, re := range []*regexp.Regexp{jsonFence, genericFence} {
		for _, m := range re.FindAllStringSubmatch(content, -1) {
			if obj, ok := tryParse(m[1]); ok {
				return obj, nil
			}
		}
	}
	for offset := 0; offset < len(content); {
		candidate, next := balancedObject(content[offset:])
		if next == 0 {
			break
		}
		if candidate != "" {
			if obj, ok := tryParse(candidate); ok {
				return obj, nil
			}
		}
		offset += next
	}
	if obj, ok := tryParse(content); ok {
		return obj, nil
	}

	preview := content
	if len(preview) > 500 {
		preview = preview[:500]
	}
	return nil, apperr.NewLLM(apperr.LLMParseError,
		"no valid JSON object found in LLM response", nil).
		WithDetail("response_preview", preview)
}

func tryParse(text string) (map[string]any, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &obj); err != nil {
		return nil, false
	}
	return obj, true
}

// balancedObject returns the first brace-balanced {...} substring,
// respecting JSON string literals and escapes, plus the offset just past
// the opening brace so the caller can resume scanning after a parse
// failure.
func balancedObject(text string) (string, int) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", 0
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], start + 1
			}
		}
	}
	return "", start + 1
}
