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

// Package backend talks to the downstream result-collection service:
// it builds the flattened analysis payload, delivers it, and runs the
// deterministic Choi judgement call.
package backend

import (
	"time"

	"github.com/cellwise/peg-analyzer/pegproc"
	"github.com/cellwise/peg-analyzer/timerange"
)

const periodTimeLayout = "2006-01-02 15:04:05"

// PeriodStats is one window's statistics for a single PEG.
type PeriodStats struct {
	Avg   float64 `json:"avg"`
	Pct95 float64 `json:"pct_95"`
	Pct99 float64 `json:"pct_99"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Count int     `json:"count"`
	Std   float64 `json:"std"`
}

// PEGComparison is one PEG's cross-period entry in the payload.
type PEGComparison struct {
	PEGName          string       `json:"peg_name"`
	NMinus1          *PeriodStats `json:"n_minus_1"`
	N                *PeriodStats `json:"n"`
	ChangeAbsolute   *float64     `json:"change_absolute"`
	ChangePercentage *float64     `json:"change_percentage"`
	LLMInsight       string       `json:"llm_insight,omitempty"`
}

// AnalysisPeriod carries both window boundaries as wall-clock strings.
type AnalysisPeriod struct {
	NMinus1Start string `json:"n_minus_1_start"`
	NMinus1End   string `json:"n_minus_1_end"`
	NStart       string `json:"n_start"`
	NEnd         string `json:"n_end"`
}

// LLMSection is the diagnostic summary block of the payload.
type LLMSection struct {
	Summary         string   `json:"summary"`
	Issues          []string `json:"issues"`
	Recommendations []string `json:"recommendations"`
	Confidence      *float64 `json:"confidence,omitempty"`
	ModelName       string   `json:"model_name"`
}

// ChoiResult is the deterministic judgement block. A nil *ChoiResult in
// the payload means the judgement was not requested.
type ChoiResult struct {
	Enabled bool           `json:"enabled"`
	Status  string         `json:"status"`
	Score   *float64       `json:"score,omitempty"`
	Details map[string]any `json:"details"`
}

// Payload is the flattened analysis result delivered to the backend.
type Payload struct {
	NEID           string          `json:"ne_id"`
	CellID         string          `json:"cell_id"`
	SWName         string          `json:"swname"`
	RelVer         string          `json:"rel_ver"`
	AnalysisPeriod AnalysisPeriod  `json:"analysis_period"`
	ChoiResult     *ChoiResult     `json:"choi_result"`
	LLMAnalysis    LLMSection      `json:"llm_analysis"`
	PEGComparisons []PEGComparison `json:"peg_comparisons"`
	AnalysisID     string          `json:"analysis_id"`
}

// RequestIdentifiers are the identity values the caller supplied in the
// request filters. RelVer can only come from here, never from the DB.
type RequestIdentifiers struct {
	NE     string
	CellID string
	RelVer string
}

// BuildPayload flattens one finished analysis. Identifier precedence is
// DB value over request value over "unknown"; rel_ver comes from the
// request alone.
func BuildPayload(
	analysisID string,
	db pegproc.Identifiers,
	req RequestIdentifiers,
	n1, n timerange.Range,
	analyzed []pegproc.AnalyzedPEG,
	stats map[string]map[string]pegproc.Stats,
	llmSection LLMSection,
	choi *ChoiResult,
) *Payload {
	return &Payload{
		NEID:   pick(db.NE, req.NE),
		CellID: pick(db.CellID, req.CellID),
		SWName: pick(db.SWName, ""),
		RelVer: pick("", req.RelVer),
		AnalysisPeriod: AnalysisPeriod{
			NMinus1Start: formatPeriod(n1.Start),
			NMinus1End:   formatPeriod(n1.End),
			NStart:       formatPeriod(n.Start),
			NEnd:         formatPeriod(n.End),
		},
		ChoiResult:     choi,
		LLMAnalysis:    llmSection,
		PEGComparisons: buildComparisons(analyzed, stats),
		AnalysisID:     analysisID,
	}
}

func pick(fromDB, fromRequest string) string {
	if fromDB != "" {
		return fromDB
	}
	if fromRequest != "" {
		return fromRequest
	}
	return "unknown"
}

func formatPeriod(t time.Time) string {
	return t.Format(periodTimeLayout)
}

func buildComparisons(analyzed []pegproc.AnalyzedPEG, stats map[string]map[string]pegproc.Stats) []PEGComparison {
	out := make([]PEGComparison, 0, len(analyzed))
	for _, peg := range analyzed {
		cmp := PEGComparison{
			PEGName:          peg.PEGName,
			NMinus1:          periodStats(stats[pegproc.PeriodN1], peg.PEGName),
			N:                periodStats(stats[pegproc.PeriodN], peg.PEGName),
			ChangeAbsolute:   peg.AbsoluteChange,
			ChangePercentage: peg.PercentageChange,
			LLMInsight:       peg.LLMAnalysisSummary,
		}
		out = append(out, cmp)
	}
	return out
}

func periodStats(m map[string]pegproc.Stats, peg string) *PeriodStats {
	st, ok := m[peg]
	if !ok {
		return nil
	}
	return &PeriodStats{
		Avg:   st.Avg,
		Pct95: st.Pct95,
		Pct99: st.Pct99,
		Min:   st.Min,
		Max:   st.Max,
		Count: st.Count,
		Std:   st.Std,
	}
}
