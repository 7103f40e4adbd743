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

// Package pegproc turns raw counter samples from two analysis windows
// into a compared, derived-metric-enriched PEG table.
package pegproc

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/cellwise/peg-analyzer/apperr"
	"github.com/cellwise/peg-analyzer/expr"
	"github.com/cellwise/peg-analyzer/internal/logging"
	"github.com/cellwise/peg-analyzer/pegdefs"
	"github.com/cellwise/peg-analyzer/pegstore"
	"github.com/cellwise/peg-analyzer/timerange"
)

// Period labels for the two analysis windows, N-1 first.
const (
	PeriodN1 = "N-1"
	PeriodN  = "N"
)

// Row is one line of the long-form result table. ChangePct is nil when
// the PEG carries no comparative signal (missing side, or N-1 mean zero).
type Row struct {
	PEGName    string
	Dimensions string
	Period     string
	AvgValue   float64
	ChangePct  *float64
	IsDerived  bool
}

// Identifiers are the network-element identity columns observed on the
// first retrieved sample. Empty string means the DB did not provide one.
type Identifiers struct {
	NE     string
	CellID string
	SWName string
	RelVer string
}

// Result is the full processing output for one request.
type Result struct {
	Rows []Row
	// Stats maps period → peg_name → window statistics over raw samples.
	// Derived PEGs carry an Avg-only entry with Count 0.
	Stats       map[string]map[string]Stats
	Identifiers Identifiers
	Warnings    []string
	SampleCount map[string]int // period → raw sample count
}

// WindowFetcher is the repository surface the service needs.
type WindowFetcher interface {
	FetchWindow(ctx context.Context, cfg pegstore.TableConfig, filters pegstore.Filters, familyFilter map[int][]string, start, end time.Time) ([]pegstore.Sample, error)
}

// Service drives retrieval, validation, aggregation, derivation and
// comparison for one request at a time.
type Service struct {
	store           WindowFetcher
	log             logging.StructuredLogger
	aggregation     string
	enableDerived   bool
	maxFormulaNodes int
}

// NewService builds the processing service. aggregation selects the
// per-group fold ("average", "sum", "min" or "max").
func NewService(store WindowFetcher, aggregation string, enableDerived bool, maxFormulaNodes int, log logging.StructuredLogger) *Service {
	return &Service{
		store:           store,
		log:             log,
		aggregation:     aggregation,
		enableDerived:   enableDerived,
		maxFormulaNodes: maxFormulaNodes,
	}
}

// Process runs the full pipeline for the two windows.
func (s *Service) Process(
	ctx context.Context,
	n1, n timerange.Range,
	cfg pegstore.TableConfig,
	filters pegstore.Filters,
	defs pegdefs.Definitions,
	requestDefs map[string]string,
) (*Result, error) {
	res := &Result{
		Stats:       map[string]map[string]Stats{PeriodN1: {}, PeriodN: {}},
		SampleCount: map[string]int{},
	}

	if n1.End.After(n.Start) && n.End.After(n1.Start) {
		res.Warnings = append(res.Warnings, "N-1 and N windows overlap")
		s.log.Warnf("analysis windows overlap: %s vs %s", n1.Text(), n.Text())
	}

	// data_retrieval
	samplesN1, err := s.fetch(ctx, cfg, filters, defs.FamilyFilters, n1)
	if err != nil {
		return nil, err
	}
	samplesN, err := s.fetch(ctx, cfg, filters, defs.FamilyFilters, n)
	if err != nil {
		return nil, err
	}
	res.SampleCount[PeriodN1] = len(samplesN1)
	res.SampleCount[PeriodN] = len(samplesN)
	res.Identifiers = extractIdentifiers(samplesN1, samplesN)

	// data_validation
	samplesN1, samplesN = s.validateWindows(res, samplesN1, samplesN)

	// Multi-cell averaging applies only when the caller did not pin a
	// cell: per-timestamp means across cells, keyed by the remaining
	// dimensions.
	if !filters.HasCellFilter() {
		samplesN1 = averageAcrossCells(samplesN1)
		samplesN = averageAcrossCells(samplesN)
	}

	// aggregation
	fold, err := foldFor(s.aggregation)
	if err != nil {
		return nil, err
	}
	aggN1 := aggregate(samplesN1, fold)
	aggN := aggregate(samplesN, fold)
	for peg, st := range windowStats(samplesN1) {
		res.Stats[PeriodN1][peg] = st
	}
	for peg, st := range windowStats(samplesN) {
		res.Stats[PeriodN][peg] = st
	}

	// derived_calculation / dependency_resolution
	derivedN1, derivedN, err := s.computeDerived(res, defs, requestDefs, aggN1, aggN)
	if err != nil {
		return nil, err
	}

	// comparison and result shaping
	res.Rows = compare(aggN1, aggN, derivedN1, derivedN)
	sortRows(res.Rows)
	return res, nil
}

func (s *Service) fetch(ctx context.Context, cfg pegstore.TableConfig, filters pegstore.Filters, familyFilter map[int][]string, w timerange.Range) ([]pegstore.Sample, error) {
	if !w.Start.Before(w.End) {
		return nil, apperr.NewProcessing(apperr.StepDataValidation,
			fmt.Sprintf("window start %s is not before end %s", w.Start, w.End), nil)
	}
	samples, err := s.store.FetchWindow(ctx, cfg, filters, familyFilter, w.Start, w.End)
	if err != nil {
		if _, ok := apperr.As(err); ok {
			return nil, err
		}
		return nil, apperr.NewProcessing(apperr.StepDataRetrieval, "window fetch failed", err)
	}
	return samples, nil
}

// validateWindows drops malformed samples and records emptiness warnings.
func (s *Service) validateWindows(res *Result, n1, n []pegstore.Sample) ([]pegstore.Sample, []pegstore.Sample) {
	clean := func(period string, samples []pegstore.Sample) []pegstore.Sample {
		kept := samples[:0]
		dropped := 0
		for _, sm := range samples {
			if sm.PEGName == "" || math.IsNaN(sm.Value) || math.IsInf(sm.Value, 0) {
				dropped++
				continue
			}
			kept = append(kept, sm)
		}
		if dropped > 0 {
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s: dropped %d malformed samples", period, dropped))
			s.log.Warnf("%s window: dropped %d malformed samples", period, dropped)
		}
		if len(kept) == 0 {
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s window returned no data", period))
			s.log.Warnf("%s window returned no data", period)
		}
		return kept
	}
	return clean(PeriodN1, n1), clean(PeriodN, n)
}

type aggKey struct {
	peg  string
	dims string
}

type meanAcc struct {
	sum   float64
	count int
}

// foldFor resolves the configured aggregation name to its fold.
func foldFor(mode string) (func([]float64) float64, error) {
	switch mode {
	case "", "average":
		return mean, nil
	case "sum":
		return func(vs []float64) float64 {
			total := 0.0
			for _, v := range vs {
				total += v
			}
			return total
		}, nil
	case "min":
		return func(vs []float64) float64 {
			m := vs[0]
			for _, v := range vs[1:] {
				m = math.Min(m, v)
			}
			return m
		}, nil
	case "max":
		return func(vs []float64) float64 {
			m := vs[0]
			for _, v := range vs[1:] {
				m = math.Max(m, v)
			}
			return m
		}, nil
	}
	return nil, apperr.NewProcessing(apperr.StepAggregation,
		fmt.Sprintf("unsupported aggregation %q", mode), nil)
}

func mean(vs []float64) float64 {
	total := 0.0
	for _, v := range vs {
		total += v
	}
	return total / float64(len(vs))
}

// aggregate folds the values per (peg_name, dimensions) group. Groups are
// never empty, so the fold always has input.
func aggregate(samples []pegstore.Sample, fold func([]float64) float64) map[aggKey]float64 {
	groups := map[aggKey][]float64{}
	for _, sm := range samples {
		k := aggKey{peg: sm.PEGName, dims: sm.Dimensions}
		groups[k] = append(groups[k], sm.Value)
	}
	out := make(map[aggKey]float64, len(groups))
	for k, vs := range groups {
		out[k] = fold(vs)
	}
	return out
}

// averageAcrossCells collapses per-cell samples into per-timestamp means.
// The CellIdentity component is stripped from the dimension string; the
// remaining dimensions plus timestamp and peg name form the group key.
func averageAcrossCells(samples []pegstore.Sample) []pegstore.Sample {
	type key struct {
		ts   int64
		peg  string
		dims string
	}
	acc := map[key]*meanAcc{}
	first := map[key]pegstore.Sample{}
	var order []key
	for _, sm := range samples {
		k := key{ts: sm.Timestamp.UnixNano(), peg: sm.PEGName, dims: stripCellDimension(sm.Dimensions)}
		a := acc[k]
		if a == nil {
			a = &meanAcc{}
			acc[k] = a
			first[k] = sm
			order = append(order, k)
		}
		a.sum += sm.Value
		a.count++
	}
	out := make([]pegstore.Sample, 0, len(order))
	for _, k := range order {
		sm := first[k]
		sm.Dimensions = k.dims
		sm.Value = acc[k].sum / float64(acc[k].count)
		out = append(out, sm)
	}
	return out
}

// stripCellDimension removes the CellIdentity component and keeps any
// other dimensions intact.
func stripCellDimension(dims string) string {
	if dims == "" {
		return ""
	}
	var kept []string
	for _, part := range strings.Split(dims, ",") {
		if strings.HasPrefix(part, "CellIdentity=") {
			continue
		}
		kept = append(kept, part)
	}
	return strings.Join(kept, ",")
}

// computeDerived evaluates derived formulas per period over a
// period × peg matrix of base aggregates, in dependency order. Formulas
// come from the CSV definitions plus per-request overrides.
func (s *Service) computeDerived(res *Result, defs pegdefs.Definitions, requestDefs map[string]string, aggN1, aggN map[aggKey]float64) (map[string]float64, map[string]float64, error) {
	if !s.enableDerived {
		return nil, nil, nil
	}

	merged := mergeDefinitions(defs.Derived, requestDefs)
	if len(merged) == 0 {
		return nil, nil, nil
	}

	var parsed []expr.Definition
	for _, d := range merged {
		e, err := expr.Parse(d.Formula, s.maxFormulaNodes)
		if err != nil {
			// The caller asked for a request-level formula by name; a
			// silent skip would hide the mistake. CSV definitions are
			// deployment-wide and degrade to a warning instead.
			if d.FromRequest {
				return nil, nil, apperr.NewProcessing(apperr.StepDerivedCalculation,
					fmt.Sprintf("request formula for %s is invalid: %v", d.Name, err), err)
			}
			res.Warnings = append(res.Warnings, fmt.Sprintf("derived PEG %s skipped: %v", d.Name, err))
			s.log.Warnf("derived PEG %s has an unusable formula, skipping: %v", d.Name, err)
			continue
		}
		parsed = append(parsed, expr.Definition{Name: d.Name, Formula: d.Formula, Expr: e})
	}
	if len(parsed) == 0 {
		return nil, nil, nil
	}

	ordered, err := expr.Plan(parsed)
	if err != nil {
		return nil, nil, apperr.NewProcessing(apperr.StepDependencyResolution, err.Error(), err)
	}

	evalPeriod := func(agg map[aggKey]float64) map[string]float64 {
		vars := pivotIgnoringDimensions(agg)
		out := map[string]float64{}
		for _, d := range ordered {
			v := d.Expr.Eval(vars)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				s.log.Warnf("derived PEG %s evaluated to a non-finite value, omitting", d.Name)
				continue
			}
			out[d.Name] = v
			vars[d.Name] = v
		}
		return out
	}
	derivedN1 := evalPeriod(aggN1)
	derivedN := evalPeriod(aggN)

	for peg, v := range derivedN1 {
		res.Stats[PeriodN1][peg] = Stats{Avg: v}
	}
	for peg, v := range derivedN {
		res.Stats[PeriodN][peg] = Stats{Avg: v}
	}
	return derivedN1, derivedN, nil
}

type definition struct {
	Name        string
	Formula     string
	FromRequest bool
}

// mergeDefinitions combines CSV definitions with request-level ones;
// a request definition replaces a CSV definition of the same name.
func mergeDefinitions(csvDefs []pegdefs.Derived, requestDefs map[string]string) []definition {
	var out []definition
	index := map[string]int{}
	for _, d := range csvDefs {
		index[d.Name] = len(out)
		out = append(out, definition{Name: d.Name, Formula: d.Formula})
	}
	names := make([]string, 0, len(requestDefs))
	for name := range requestDefs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if i, ok := index[name]; ok {
			out[i].Formula = requestDefs[name]
			out[i].FromRequest = true
			continue
		}
		index[name] = len(out)
		out = append(out, definition{Name: name, Formula: requestDefs[name], FromRequest: true})
	}
	return out
}

// pivotIgnoringDimensions averages aggregated values across dimension
// groups, producing the peg → value variable map for formula evaluation.
func pivotIgnoringDimensions(agg map[aggKey]float64) map[string]float64 {
	acc := map[string]*meanAcc{}
	for k, v := range agg {
		a := acc[k.peg]
		if a == nil {
			a = &meanAcc{}
			acc[k.peg] = a
		}
		a.sum += v
		a.count++
	}
	out := make(map[string]float64, len(acc))
	for peg, a := range acc {
		out[peg] = a.sum / float64(a.count)
	}
	return out
}

// compare joins the two periods and computes percentage change per
// (peg, dimensions) group. Derived values join on peg name alone.
func compare(aggN1, aggN map[aggKey]float64, derivedN1, derivedN map[string]float64) []Row {
	type pair struct {
		n1, n     *float64
		isDerived bool
	}
	pairs := map[aggKey]*pair{}
	get := func(k aggKey, derived bool) *pair {
		p := pairs[k]
		if p == nil {
			p = &pair{isDerived: derived}
			pairs[k] = p
		}
		return p
	}
	for k, v := range aggN1 {
		value := v
		get(k, false).n1 = &value
	}
	for k, v := range aggN {
		value := v
		get(k, false).n = &value
	}
	for peg, v := range derivedN1 {
		value := v
		get(aggKey{peg: peg}, true).n1 = &value
	}
	for peg, v := range derivedN {
		value := v
		get(aggKey{peg: peg}, true).n = &value
	}

	var rows []Row
	for k, p := range pairs {
		change := changePct(p.n1, p.n)
		if p.n1 != nil {
			rows = append(rows, Row{
				PEGName: k.peg, Dimensions: k.dims, Period: PeriodN1,
				AvgValue: *p.n1, ChangePct: change, IsDerived: p.isDerived,
			})
		}
		if p.n != nil {
			rows = append(rows, Row{
				PEGName: k.peg, Dimensions: k.dims, Period: PeriodN,
				AvgValue: *p.n, ChangePct: change, IsDerived: p.isDerived,
			})
		}
	}
	return rows
}

// changePct implements the null policy: a value only exists when both
// sides are present and the N-1 mean is nonzero.
func changePct(n1, n *float64) *float64 {
	if n1 == nil || n == nil || *n1 == 0 {
		return nil
	}
	pct := (*n - *n1) / *n1 * 100
	return &pct
}

func sortRows(rows []Row) {
	periodOrder := map[string]int{PeriodN1: 0, PeriodN: 1}
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.IsDerived != b.IsDerived {
			return !a.IsDerived
		}
		if a.PEGName != b.PEGName {
			return a.PEGName < b.PEGName
		}
		if a.Dimensions != b.Dimensions {
			return a.Dimensions < b.Dimensions
		}
		return periodOrder[a.Period] < periodOrder[b.Period]
	})
}

// extractIdentifiers picks the identity columns from the first sample
// that carries them, preferring the N-1 window.
func extractIdentifiers(n1, n []pegstore.Sample) Identifiers {
	var id Identifiers
	for _, samples := range [][]pegstore.Sample{n1, n} {
		for _, sm := range samples {
			if id.NE == "" && sm.NE != "" {
				id.NE = sm.NE
			}
			if id.SWName == "" && sm.SWName != "" {
				id.SWName = sm.SWName
			}
			if id.RelVer == "" && sm.RelVer != "" {
				id.RelVer = sm.RelVer
			}
			if id.CellID == "" {
				if v, ok := strings.CutPrefix(sm.Dimensions, "CellIdentity="); ok {
					id.CellID = v
				}
			}
			if id.NE != "" && id.SWName != "" && id.RelVer != "" && id.CellID != "" {
				return id
			}
		}
	}
	return id
}
