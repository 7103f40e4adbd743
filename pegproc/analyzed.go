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

package pegproc

import (
	"sort"
	"strings"
)

// AnalyzedPEG is one PEG's two-period comparison, collapsed across
// dimensions. Nil pointers mean the period carried no data.
type AnalyzedPEG struct {
	PEGName            string   `json:"peg_name"`
	NMinus1Value       *float64 `json:"n_minus_1_value"`
	NValue             *float64 `json:"n_value"`
	AbsoluteChange     *float64 `json:"absolute_change"`
	PercentageChange   *float64 `json:"percentage_change"`
	LLMAnalysisSummary string   `json:"llm_analysis_summary,omitempty"`
	IsDerived          bool     `json:"-"`
}

// Statistics is the summary bag over all analyzed PEGs.
// AvgPercentageChange averages only the PEGs with a computable change.
type Statistics struct {
	TotalPEGs           int      `json:"total_pegs"`
	CompleteDataPEGs    int      `json:"complete_data_pegs"`
	IncompleteDataPEGs  int      `json:"incomplete_data_pegs"`
	PositiveChanges     int      `json:"positive_changes"`
	NegativeChanges     int      `json:"negative_changes"`
	NoChange            int      `json:"no_change"`
	AvgPercentageChange *float64 `json:"avg_percentage_change"`
}

// BuildAnalysis collapses the long-form rows to one entry per PEG and
// computes the summary statistics. Rows sharing a peg name across
// dimension groups are averaged per period. insights maps peg names to
// per-PEG LLM commentary; lookup is case-insensitive.
func BuildAnalysis(rows []Row, insights map[string]string) ([]AnalyzedPEG, Statistics) {
	byLower := make(map[string]string, len(insights))
	for name, summary := range insights {
		byLower[strings.ToLower(name)] = summary
	}
	type periodAcc struct {
		n1, n     meanAcc
		isDerived bool
	}
	acc := map[string]*periodAcc{}
	var names []string
	for _, r := range rows {
		a := acc[r.PEGName]
		if a == nil {
			a = &periodAcc{isDerived: r.IsDerived}
			acc[r.PEGName] = a
			names = append(names, r.PEGName)
		}
		switch r.Period {
		case PeriodN1:
			a.n1.sum += r.AvgValue
			a.n1.count++
		case PeriodN:
			a.n.sum += r.AvgValue
			a.n.count++
		}
	}
	sort.Strings(names)

	var out []AnalyzedPEG
	var stats Statistics
	pctSum := 0.0
	pctCount := 0
	for _, name := range names {
		a := acc[name]
		peg := AnalyzedPEG{
			PEGName:            name,
			IsDerived:          a.isDerived,
			LLMAnalysisSummary: byLower[strings.ToLower(name)],
		}
		if a.n1.count > 0 {
			v := a.n1.sum / float64(a.n1.count)
			peg.NMinus1Value = &v
		}
		if a.n.count > 0 {
			v := a.n.sum / float64(a.n.count)
			peg.NValue = &v
		}
		if peg.NMinus1Value != nil && peg.NValue != nil {
			abs := *peg.NValue - *peg.NMinus1Value
			peg.AbsoluteChange = &abs
			if *peg.NMinus1Value != 0 {
				pct := abs / *peg.NMinus1Value * 100
				peg.PercentageChange = &pct
			}
			stats.CompleteDataPEGs++
			switch {
			case abs > 0:
				stats.PositiveChanges++
			case abs < 0:
				stats.NegativeChanges++
			default:
				stats.NoChange++
			}
		} else {
			stats.IncompleteDataPEGs++
		}
		if peg.PercentageChange != nil {
			pctSum += *peg.PercentageChange
			pctCount++
		}
		out = append(out, peg)
	}
	stats.TotalPEGs = len(out)
	if pctCount > 0 {
		avg := pctSum / float64(pctCount)
		stats.AvgPercentageChange = &avg
	}
	return out, stats
}
