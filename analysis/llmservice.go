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
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cellwise/peg-analyzer/apperr"
	"github.com/cellwise/peg-analyzer/internal/logging"
	"github.com/cellwise/peg-analyzer/pegproc"
)

// previewRowLimit caps the number of comparison rows shown to the model.
const previewRowLimit = 200

// LLMAnalyzer is the client surface the service needs; satisfied by
// *llm.Client.
type LLMAnalyzer interface {
	AnalyzeData(ctx context.Context, prompt string, enableMock bool) (map[string]any, error)
}

// LLMService renders the diagnostic prompt and post-processes the model
// answer into a fixed-key analysis block.
type LLMService struct {
	client    LLMAnalyzer
	templates map[string]string
	model     string
	log       logging.StructuredLogger
}

func NewLLMService(client LLMAnalyzer, templates map[string]string, model string, log logging.StructuredLogger) *LLMService {
	return &LLMService{client: client, templates: templates, model: model, log: log}
}

// Analyze runs the enhanced diagnostic strategy over the comparison rows.
func (s *LLMService) Analyze(ctx context.Context, analysisType string, rows []pegproc.Row, n1Text, nText string, enableMock bool) (map[string]any, error) {
	template, ok := s.templates[analysisType]
	if !ok {
		return nil, apperr.NewValidation(
			fmt.Sprintf("no prompt template for analysis type %q", analysisType), nil)
	}

	preview, previewRows := buildPreview(rows)
	if previewRows == 0 {
		// Rows without a computable change carry no comparative signal;
		// an all-filtered table means there is nothing to diagnose.
		return nil, apperr.NewValidation(
			"no PEG rows with comparative signal: both windows must carry data with a nonzero baseline", nil)
	}

	prompt, err := renderTemplate(template, map[string]string{
		"n1_range":     n1Text,
		"n_range":      nText,
		"data_preview": preview,
	})
	if err != nil {
		return nil, apperr.NewValidation(err.Error(), nil)
	}

	result, err := s.client.AnalyzeData(ctx, prompt, enableMock)
	if err != nil {
		if se, ok := apperr.As(err); ok {
			return nil, se.WithDetail("analysis_type", analysisType).
				WithDetail("prompt_preview", head(prompt, 200))
		}
		return nil, err
	}

	s.finalize(result, previewRows, len(prompt))
	return result, nil
}

// buildPreview renders the tabular data section, excluding rows whose
// change is not computable.
func buildPreview(rows []pegproc.Row) (string, int) {
	var sb strings.Builder
	sb.WriteString("peg_name | period | avg_value | change_pct | is_derived\n")
	count := 0
	for _, r := range rows {
		if r.ChangePct == nil {
			continue
		}
		if count >= previewRowLimit {
			break
		}
		fmt.Fprintf(&sb, "%s | %s | %.4f | %.4f | %t\n",
			r.PEGName, r.Period, r.AvgValue, *r.ChangePct, r.IsDerived)
		count++
	}
	return sb.String(), count
}

// finalize guarantees the fixed response keys and attaches metadata.
func (s *LLMService) finalize(result map[string]any, previewRows, promptChars int) {
	if _, ok := result["executive_summary"].(string); !ok {
		result["executive_summary"] = "No executive summary was produced."
	}
	if _, ok := result["diagnostic_findings"].([]any); !ok {
		result["diagnostic_findings"] = []any{}
	}
	if _, ok := result["recommended_actions"].([]any); !ok {
		result["recommended_actions"] = []any{}
	}
	result["model_used"] = s.model
	result["_analysis_metadata"] = map[string]any{
		"preview_rows": previewRows,
		"prompt_chars": promptChars,
		"generated_at": time.Now().UTC().Format(time.RFC3339),
	}
}

func head(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
