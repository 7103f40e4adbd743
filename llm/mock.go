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

import "time"

// MockResponse synthesizes a well-formed analysis payload for test and
// demo deployments. It is clearly tagged so a mock answer can never be
// mistaken for a real one.
func MockResponse() map[string]any {
	return map[string]any{
		"summary":         "mock mode: synthetic response, not a real LLM analysis",
		"key_findings":    []any{"mock data, not an actual analysis result"},
		"recommendations": []any{"set enable_mock=false for production analysis"},
		"technical_analysis": map[string]any{
			"overall_status":     "MOCK_OK",
			"critical_issues":    []any{},
			"performance_trends": "mock data",
		},
		"cells_with_significant_change": map[string]any{},
		"_mock":                         true,
		"_timestamp":                    time.Now().Format(time.RFC3339),
	}
}
