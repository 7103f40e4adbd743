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

package backend

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/cellwise/peg-analyzer/apperr"
)

const choiPath = "/api/kpi/choi-analysis"

// Judgement is the normalized deterministic judgement result.
// Overall is nil when the backend could not reach a verdict.
type Judgement struct {
	Overall           any            `json:"overall"`
	Reasons           []string       `json:"reasons"`
	ByKPI             map[string]any `json:"by_kpi"`
	AbnormalDetection map[string]any `json:"abnormal_detection,omitempty"`
	Warnings          []string       `json:"warnings,omitempty"`
	AlgorithmVersion  string         `json:"algorithm_version"`
	ProcessingTimeMS  int64          `json:"processing_time_ms"`
}

type choiRequest struct {
	InputData   any      `json:"input_data"`
	CellIDs     []string `json:"cell_ids"`
	TimeRange   string   `json:"time_range"`
	CompareMode bool     `json:"compare_mode"`
}

// Judge runs the deterministic judgement on the backend and validates
// the response shape. Missing required keys are a schema error.
func (c *Client) Judge(ctx context.Context, inputData any, cellIDs []string, timeRange string, compareMode bool) (*Judgement, error) {
	body, err := json.Marshal(choiRequest{
		InputData:   inputData,
		CellIDs:     cellIDs,
		TimeRange:   timeRange,
		CompareMode: compareMode,
	})
	if err != nil {
		return nil, err
	}

	started := time.Now()
	resp, err := c.post(ctx, c.cfg.BaseURL+choiPath, body)
	if err != nil {
		return nil, err
	}
	j, err := normalizeJudgement(resp)
	if err != nil {
		return nil, err
	}
	j.ProcessingTimeMS = time.Since(started).Milliseconds()
	return j, nil
}

func normalizeJudgement(resp map[string]any) (*Judgement, error) {
	version, hasVersion := resp["algorithm_version"].(string)
	kpi, hasKPI := resp["kpi_judgement"].(map[string]any)
	if !hasVersion || !hasKPI {
		return nil, schemaError(resp)
	}

	j := &Judgement{
		Overall:          kpi["overall"],
		Reasons:          stringList(kpi["reasons"]),
		ByKPI:            map[string]any{},
		AlgorithmVersion: version,
	}
	if by, ok := kpi["by_kpi"].(map[string]any); ok {
		j.ByKPI = by
	}
	if ab, ok := resp["abnormal_detection"].(map[string]any); ok {
		j.AbnormalDetection = ab
	}
	j.Warnings = stringList(resp["processing_warnings"])
	return j, nil
}

func schemaError(resp map[string]any) error {
	keys := make([]string, 0, len(resp))
	for k := range resp {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return apperr.NewBackend(apperr.BackendSchemaError,
		"judgement response is missing algorithm_version or kpi_judgement", nil).
		WithDetail("response_keys", keys)
}

func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
