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
	"strings"
	"time"

	"github.com/cellwise/peg-analyzer/apperr"
	"github.com/cellwise/peg-analyzer/backend"
	"github.com/cellwise/peg-analyzer/internal/secret"
	"github.com/cellwise/peg-analyzer/internal/version"
	"github.com/cellwise/peg-analyzer/pegproc"
	"github.com/cellwise/peg-analyzer/timerange"
)

// TimeRangeInfo is one window in wire form.
type TimeRangeInfo struct {
	Start     string `json:"start"`
	End       string `json:"end"`
	RangeText string `json:"range_text"`
}

// TimeRanges carries both windows.
type TimeRanges struct {
	NMinus1 TimeRangeInfo `json:"n_minus_1"`
	N       TimeRangeInfo `json:"n"`
}

// DataSummary is the headline data availability block.
type DataSummary struct {
	TotalPEGs          int  `json:"total_pegs"`
	CompleteDataPEGs   int  `json:"complete_data_pegs"`
	IncompleteDataPEGs int  `json:"incomplete_data_pegs"`
	HasData            bool `json:"has_data"`
}

// PEGAnalysis bundles the per-PEG results with their statistics and the
// optional deterministic judgement.
type PEGAnalysis struct {
	Results       []pegproc.AnalyzedPEG `json:"results"`
	Statistics    pegproc.Statistics    `json:"statistics"`
	ChoiJudgement *backend.Judgement    `json:"choi_judgement,omitempty"`
}

// Metadata identifies the producing workflow run.
type Metadata struct {
	WorkflowVersion     string `json:"workflow_version"`
	ProcessingTimestamp string `json:"processing_timestamp"`
	RequestID           string `json:"request_id"`
	EnableMock          bool   `json:"enable_mock"`
}

// Response is the external analysis result, for both outcomes.
type Response struct {
	Status              string         `json:"status"`
	Message             string         `json:"message"`
	AnalysisID          string         `json:"analysis_id"`
	RequestTimestamp    string         `json:"request_timestamp"`
	CompletionTimestamp string         `json:"completion_timestamp"`
	DurationSeconds     float64        `json:"duration_seconds"`
	TimeRanges          *TimeRanges    `json:"time_ranges,omitempty"`
	DataSummary         *DataSummary   `json:"data_summary,omitempty"`
	PEGAnalysis         *PEGAnalysis   `json:"peg_analysis,omitempty"`
	LLMAnalysis         map[string]any `json:"llm_analysis,omitempty"`
	Metadata            Metadata       `json:"metadata"`
	Warnings            []string       `json:"warnings,omitempty"`
	ErrorDetails        map[string]any `json:"error_details,omitempty"`
}

// formatter assembles responses for one analysis run.
type formatter struct {
	analysisID string
	requestID  string
	enableMock bool
	started    time.Time
}

func newFormatter(analysisID, requestID string, enableMock bool, started time.Time) *formatter {
	return &formatter{analysisID: analysisID, requestID: requestID, enableMock: enableMock, started: started}
}

func (f *formatter) metadata(now time.Time) Metadata {
	return Metadata{
		WorkflowVersion:     version.WorkflowVersion,
		ProcessingTimestamp: now.UTC().Format(time.RFC3339),
		RequestID:           f.requestID,
		EnableMock:          f.enableMock,
	}
}

func (f *formatter) base(now time.Time) Response {
	return Response{
		AnalysisID:          f.analysisID,
		RequestTimestamp:    f.started.UTC().Format(time.RFC3339),
		CompletionTimestamp: now.UTC().Format(time.RFC3339),
		DurationSeconds:     now.Sub(f.started).Seconds(),
		Metadata:            f.metadata(now),
	}
}

// Success assembles the completed response.
func (f *formatter) Success(
	n1, n timerange.Range,
	n1Text, nText string,
	analyzed []pegproc.AnalyzedPEG,
	stats pegproc.Statistics,
	choi *backend.Judgement,
	llmResult map[string]any,
	warnings []string,
) *Response {
	resp := f.base(time.Now())
	resp.Status = "completed"
	resp.Message = "analysis completed"
	resp.TimeRanges = &TimeRanges{
		NMinus1: rangeInfo(n1, n1Text),
		N:       rangeInfo(n, nText),
	}
	resp.DataSummary = &DataSummary{
		TotalPEGs:          stats.TotalPEGs,
		CompleteDataPEGs:   stats.CompleteDataPEGs,
		IncompleteDataPEGs: stats.IncompleteDataPEGs,
		HasData:            stats.TotalPEGs > 0,
	}
	resp.PEGAnalysis = &PEGAnalysis{
		Results:       analyzed,
		Statistics:    stats,
		ChoiJudgement: choi,
	}
	resp.LLMAnalysis = llmResult
	resp.Warnings = warnings
	return &resp
}

// Error assembles the failure response for a stage error. Secrets are
// masked from the detail map before it goes on the wire.
func (f *formatter) Error(stage string, err error) *Response {
	errType, message, details := apperr.Wire(err)
	resp := f.base(time.Now())
	resp.Status = "error"
	resp.Message = message
	resp.ErrorDetails = secret.Redact(map[string]any{
		"stage":      stage,
		"code":       shortCode(errType),
		"error_type": errType,
		"message":    message,
		"details":    details,
	})
	return &resp
}

func rangeInfo(r timerange.Range, text string) TimeRangeInfo {
	return TimeRangeInfo{
		Start:     r.Start.Format(time.RFC3339),
		End:       r.End.Format(time.RFC3339),
		RangeText: text,
	}
}

// shortCode strips the class prefix from subtyped error codes, so
// TIME_PARSING_LOGIC_ERROR surfaces as LOGIC_ERROR.
func shortCode(errType string) string {
	for _, prefix := range []string{"TIME_PARSING_", "LLM_", "BACKEND_"} {
		if rest, ok := strings.CutPrefix(errType, prefix); ok && rest != "ERROR" {
			return rest
		}
	}
	return errType
}
