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

// Package secret keeps credential values out of logs, YAML dumps and JSON
// responses. A Secret always renders as a mask; the raw value is only
// reachable through SecretValue.
package secret

import (
	"fmt"
	"strings"

	"github.com/goccy/go-yaml"
)

const mask = "***REDACTED***"

type Secret[T any] interface {
	fmt.Stringer
	yaml.BytesMarshaler
	SecretValue() T
}

type String string

func (s String) String() string {
	return mask
}

// From github.com/goccy/go-yaml. See:
// https://github.com/goccy/go-yaml/blob/master/yaml.go
func (s String) MarshalYAML() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s String) MarshalJSON() ([]byte, error) {
	return []byte(`"` + mask + `"`), nil
}

func (s String) SecretValue() string {
	return string(s)
}

// Empty reports whether no value was configured.
func (s String) Empty() bool {
	return string(s) == ""
}

var sensitiveKeywords = []string{"password", "secret", "token", "authorization", "api_key", "apikey"}

func sensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, kw := range sensitiveKeywords {
		if strings.Contains(k, kw) {
			return true
		}
	}
	return false
}

// Redact returns a copy of m safe for logging: any key whose name contains
// a credential keyword is replaced with the mask. Nested maps are redacted
// recursively; the input is not modified.
func Redact(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if sensitiveKey(k) {
			out[k] = mask
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = Redact(nested)
			continue
		}
		out[k] = v
	}
	return out
}
