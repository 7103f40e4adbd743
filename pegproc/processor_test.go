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
	"context"
	"math"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/cellwise/peg-analyzer/apperr"
	"github.com/cellwise/peg-analyzer/internal/logging"
	"github.com/cellwise/peg-analyzer/pegdefs"
	"github.com/cellwise/peg-analyzer/pegstore"
	"github.com/cellwise/peg-analyzer/timerange"
)

type fakeStore struct {
	// keyed by window start
	windows map[time.Time][]pegstore.Sample
	err     error
	calls   int
}

func (f *fakeStore) FetchWindow(_ context.Context, _ pegstore.TableConfig, _ pegstore.Filters, _ map[int][]string, start, _ time.Time) ([]pegstore.Sample, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.windows[start], nil
}

var (
	n1Start = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	n1End   = time.Date(2025, 1, 1, 6, 0, 0, 0, time.UTC)
	nStart  = time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	nEnd    = time.Date(2025, 1, 2, 6, 0, 0, 0, time.UTC)
)

func windows() (timerange.Range, timerange.Range) {
	return timerange.Range{Start: n1Start, End: n1End}, timerange.Range{Start: nStart, End: nEnd}
}

func sample(ts time.Time, peg string, value float64) pegstore.Sample {
	return pegstore.Sample{Timestamp: ts, PEGName: peg, Value: value}
}

func process(t *testing.T, store *fakeStore, filters pegstore.Filters, defs pegdefs.Definitions, requestDefs map[string]string) *Result {
	t.Helper()
	svc := NewService(store, "average", true, 100, logging.DiscardLogger())
	n1, n := windows()
	res, err := svc.Process(context.Background(), n1, n, pegstore.DefaultTableConfig(), filters, defs, requestDefs)
	assert.NilError(t, err)
	return res
}

func cellFilter() pegstore.Filters {
	return pegstore.Filters{Dimensions: map[string][]string{"cellid": {"20"}}}
}

func rowFor(rows []Row, peg, period string) (Row, bool) {
	for _, r := range rows {
		if r.PEGName == peg && r.Period == period {
			return r, true
		}
	}
	return Row{}, false
}

func TestProcessComparesTwoWindows(t *testing.T) {
	store := &fakeStore{windows: map[time.Time][]pegstore.Sample{
		n1Start: {
			sample(n1Start, "throughput_dl", 100),
			sample(n1Start.Add(time.Hour), "throughput_dl", 200),
		},
		nStart: {
			sample(nStart, "throughput_dl", 220),
			sample(nStart.Add(time.Hour), "throughput_dl", 240),
		},
	}}
	res := process(t, store, cellFilter(), pegdefs.Definitions{}, nil)

	assert.Equal(t, len(res.Rows), 2)
	prev, ok := rowFor(res.Rows, "throughput_dl", PeriodN1)
	assert.Assert(t, ok)
	assert.Equal(t, prev.AvgValue, 150.0)
	cur, _ := rowFor(res.Rows, "throughput_dl", PeriodN)
	assert.Equal(t, cur.AvgValue, 230.0)
	assert.Assert(t, cur.ChangePct != nil)
	assert.Assert(t, math.Abs(*cur.ChangePct-53.3333333333) < 1e-6)

	analyzed, stats := BuildAnalysis(res.Rows, nil)
	assert.Equal(t, len(analyzed), 1)
	assert.Equal(t, *analyzed[0].AbsoluteChange, 80.0)
	assert.Equal(t, stats.CompleteDataPEGs, 1)
	assert.Equal(t, stats.PositiveChanges, 1)
}

func TestProcessZeroBaselineYieldsNilChange(t *testing.T) {
	store := &fakeStore{windows: map[time.Time][]pegstore.Sample{
		n1Start: {sample(n1Start, "drops", 0), sample(n1Start.Add(time.Hour), "drops", 0)},
		nStart:  {sample(nStart, "drops", 7)},
	}}
	res := process(t, store, cellFilter(), pegdefs.Definitions{}, nil)

	cur, ok := rowFor(res.Rows, "drops", PeriodN)
	assert.Assert(t, ok)
	assert.Assert(t, cur.ChangePct == nil)

	analyzed, stats := BuildAnalysis(res.Rows, nil)
	assert.Assert(t, analyzed[0].PercentageChange == nil)
	assert.Equal(t, *analyzed[0].AbsoluteChange, 7.0)
	assert.Assert(t, stats.AvgPercentageChange == nil)
}

func TestProcessMissingSideYieldsNilChange(t *testing.T) {
	store := &fakeStore{windows: map[time.Time][]pegstore.Sample{
		nStart: {sample(nStart, "new_counter", 5)},
	}}
	res := process(t, store, cellFilter(), pegdefs.Definitions{}, nil)

	assert.Equal(t, len(res.Rows), 1)
	assert.Assert(t, res.Rows[0].ChangePct == nil)
	assert.Assert(t, len(res.Warnings) > 0)

	_, stats := BuildAnalysis(res.Rows, nil)
	assert.Equal(t, stats.IncompleteDataPEGs, 1)
	assert.Equal(t, stats.CompleteDataPEGs, 0)
}

func TestProcessDerivedFormula(t *testing.T) {
	store := &fakeStore{windows: map[time.Time][]pegstore.Sample{
		n1Start: {sample(n1Start, "succ", 40), sample(n1Start, "att", 800)},
		nStart:  {sample(nStart, "succ", 50), sample(nStart, "att", 900)},
	}}
	defs := pegdefs.Definitions{Derived: []pegdefs.Derived{
		{Name: "success_rate", Formula: "succ / att * 100"},
	}}
	res := process(t, store, cellFilter(), defs, nil)

	row, ok := rowFor(res.Rows, "success_rate", PeriodN)
	assert.Assert(t, ok)
	assert.Assert(t, row.IsDerived)
	assert.Assert(t, math.Abs(row.AvgValue-5.5555555556) < 1e-6)

	// Derived stats carry the computed average only.
	st := res.Stats[PeriodN]["success_rate"]
	assert.Assert(t, math.Abs(st.Avg-5.5555555556) < 1e-6)
	assert.Equal(t, st.Count, 0)
}

func TestProcessDerivedChain(t *testing.T) {
	store := &fakeStore{windows: map[time.Time][]pegstore.Sample{
		n1Start: {sample(n1Start, "a", 10)},
		nStart:  {sample(nStart, "a", 20)},
	}}
	defs := pegdefs.Definitions{Derived: []pegdefs.Derived{
		{Name: "c", Formula: "b * 2"},
		{Name: "b", Formula: "a + 1"},
	}}
	res := process(t, store, cellFilter(), defs, nil)

	b, _ := rowFor(res.Rows, "b", PeriodN)
	assert.Equal(t, b.AvgValue, 21.0)
	c, _ := rowFor(res.Rows, "c", PeriodN)
	assert.Equal(t, c.AvgValue, 42.0)
}

func TestProcessDerivedCycleFails(t *testing.T) {
	store := &fakeStore{windows: map[time.Time][]pegstore.Sample{
		n1Start: {sample(n1Start, "a", 10)},
		nStart:  {sample(nStart, "a", 20)},
	}}
	defs := pegdefs.Definitions{Derived: []pegdefs.Derived{
		{Name: "x", Formula: "y + 1"},
		{Name: "y", Formula: "x + 1"},
	}}
	svc := NewService(store, "average", true, 100, logging.DiscardLogger())
	n1, n := windows()
	_, err := svc.Process(context.Background(), n1, n, pegstore.DefaultTableConfig(), cellFilter(), defs, nil)
	se, ok := apperr.As(err)
	assert.Assert(t, ok)
	assert.Equal(t, se.Class, apperr.Processing)
	assert.Equal(t, se.Details["processing_step"], apperr.StepDependencyResolution)
}

func TestProcessDerivedNonFiniteOmitted(t *testing.T) {
	store := &fakeStore{windows: map[time.Time][]pegstore.Sample{
		n1Start: {sample(n1Start, "num", 1), sample(n1Start, "den", 0)},
		nStart:  {sample(nStart, "num", 1), sample(nStart, "den", 2)},
	}}
	defs := pegdefs.Definitions{Derived: []pegdefs.Derived{
		{Name: "ratio", Formula: "num / den"},
	}}
	res := process(t, store, cellFilter(), defs, nil)

	_, hasN1 := rowFor(res.Rows, "ratio", PeriodN1)
	assert.Assert(t, !hasN1)
	cur, hasN := rowFor(res.Rows, "ratio", PeriodN)
	assert.Assert(t, hasN)
	assert.Equal(t, cur.AvgValue, 0.5)
	assert.Assert(t, cur.ChangePct == nil)
}

func TestProcessRequestDefinitionOverridesCSV(t *testing.T) {
	store := &fakeStore{windows: map[time.Time][]pegstore.Sample{
		n1Start: {sample(n1Start, "a", 10)},
		nStart:  {sample(nStart, "a", 10)},
	}}
	defs := pegdefs.Definitions{Derived: []pegdefs.Derived{
		{Name: "double", Formula: "a * 2"},
	}}
	res := process(t, store, cellFilter(), defs, map[string]string{"double": "a * 3"})

	row, _ := rowFor(res.Rows, "double", PeriodN)
	assert.Equal(t, row.AvgValue, 30.0)
}

func TestProcessMultiCellAveraging(t *testing.T) {
	ts := n1Start
	store := &fakeStore{windows: map[time.Time][]pegstore.Sample{
		n1Start: {
			{Timestamp: ts, PEGName: "prb_usage", Value: 10, Dimensions: "CellIdentity=20"},
			{Timestamp: ts, PEGName: "prb_usage", Value: 30, Dimensions: "CellIdentity=21"},
		},
		nStart: {
			{Timestamp: nStart, PEGName: "prb_usage", Value: 40, Dimensions: "CellIdentity=20"},
			{Timestamp: nStart, PEGName: "prb_usage", Value: 40, Dimensions: "CellIdentity=21"},
		},
	}}
	// No cell filter: cells are averaged together.
	res := process(t, store, pegstore.Filters{}, pegdefs.Definitions{}, nil)

	assert.Equal(t, len(res.Rows), 2)
	prev, _ := rowFor(res.Rows, "prb_usage", PeriodN1)
	assert.Equal(t, prev.AvgValue, 20.0)
	assert.Equal(t, prev.Dimensions, "")
}

func TestProcessCellFilterSkipsAveraging(t *testing.T) {
	store := &fakeStore{windows: map[time.Time][]pegstore.Sample{
		n1Start: {
			{Timestamp: n1Start, PEGName: "prb_usage", Value: 10, Dimensions: "CellIdentity=20"},
		},
		nStart: {
			{Timestamp: nStart, PEGName: "prb_usage", Value: 40, Dimensions: "CellIdentity=20"},
		},
	}}
	res := process(t, store, cellFilter(), pegdefs.Definitions{}, nil)

	prev, _ := rowFor(res.Rows, "prb_usage", PeriodN1)
	assert.Equal(t, prev.Dimensions, "CellIdentity=20")
}

func TestProcessSortOrder(t *testing.T) {
	store := &fakeStore{windows: map[time.Time][]pegstore.Sample{
		n1Start: {sample(n1Start, "zeta", 1), sample(n1Start, "alpha", 2)},
		nStart:  {sample(nStart, "zeta", 1), sample(nStart, "alpha", 2)},
	}}
	defs := pegdefs.Definitions{Derived: []pegdefs.Derived{
		{Name: "aaa_derived", Formula: "zeta + alpha"},
	}}
	res := process(t, store, cellFilter(), defs, nil)

	// Base PEGs alphabetically, then derived; N-1 before N inside a PEG.
	want := []struct {
		peg    string
		period string
	}{
		{"alpha", PeriodN1}, {"alpha", PeriodN},
		{"zeta", PeriodN1}, {"zeta", PeriodN},
		{"aaa_derived", PeriodN1}, {"aaa_derived", PeriodN},
	}
	assert.Equal(t, len(res.Rows), len(want))
	for i, w := range want {
		assert.Equal(t, res.Rows[i].PEGName, w.peg)
		assert.Equal(t, res.Rows[i].Period, w.period)
	}
}

func TestProcessSumAggregation(t *testing.T) {
	store := &fakeStore{windows: map[time.Time][]pegstore.Sample{
		n1Start: {sample(n1Start, "bytes", 100), sample(n1Start.Add(time.Hour), "bytes", 200)},
		nStart:  {sample(nStart, "bytes", 400)},
	}}
	svc := NewService(store, "sum", true, 100, logging.DiscardLogger())
	n1, n := windows()
	res, err := svc.Process(context.Background(), n1, n, pegstore.DefaultTableConfig(), cellFilter(), pegdefs.Definitions{}, nil)
	assert.NilError(t, err)

	prev, _ := rowFor(res.Rows, "bytes", PeriodN1)
	assert.Equal(t, prev.AvgValue, 300.0)
	cur, _ := rowFor(res.Rows, "bytes", PeriodN)
	assert.Equal(t, cur.AvgValue, 400.0)
}

func TestProcessUnknownAggregationFails(t *testing.T) {
	store := &fakeStore{windows: map[time.Time][]pegstore.Sample{
		n1Start: {sample(n1Start, "p", 1)},
		nStart:  {sample(nStart, "p", 2)},
	}}
	svc := NewService(store, "median", true, 100, logging.DiscardLogger())
	n1, n := windows()
	_, err := svc.Process(context.Background(), n1, n, pegstore.DefaultTableConfig(), cellFilter(), pegdefs.Definitions{}, nil)
	se, ok := apperr.As(err)
	assert.Assert(t, ok)
	assert.Equal(t, se.Class, apperr.Processing)
	assert.Equal(t, se.Details["processing_step"], apperr.StepAggregation)
}

func TestProcessBadRequestFormulaFails(t *testing.T) {
	store := &fakeStore{windows: map[time.Time][]pegstore.Sample{
		n1Start: {sample(n1Start, "a", 10)},
		nStart:  {sample(nStart, "a", 20)},
	}}
	svc := NewService(store, "average", true, 100, logging.DiscardLogger())
	n1, n := windows()
	_, err := svc.Process(context.Background(), n1, n, pegstore.DefaultTableConfig(), cellFilter(),
		pegdefs.Definitions{}, map[string]string{"broken": "a + ("})
	se, ok := apperr.As(err)
	assert.Assert(t, ok)
	assert.Equal(t, se.Details["processing_step"], apperr.StepDerivedCalculation)
}

func TestProcessBadCSVFormulaSkipsWithWarning(t *testing.T) {
	store := &fakeStore{windows: map[time.Time][]pegstore.Sample{
		n1Start: {sample(n1Start, "a", 10)},
		nStart:  {sample(nStart, "a", 20)},
	}}
	defs := pegdefs.Definitions{Derived: []pegdefs.Derived{
		{Name: "broken", Formula: "a + ("},
	}}
	res := process(t, store, cellFilter(), defs, nil)

	_, hasBroken := rowFor(res.Rows, "broken", PeriodN)
	assert.Assert(t, !hasBroken)
	assert.Assert(t, len(res.Warnings) > 0)
}

func TestProcessPropagatesDatabaseError(t *testing.T) {
	store := &fakeStore{err: apperr.NewDatabase("connection refused", nil, nil)}
	svc := NewService(store, "average", true, 100, logging.DiscardLogger())
	n1, n := windows()
	_, err := svc.Process(context.Background(), n1, n, pegstore.DefaultTableConfig(), cellFilter(), pegdefs.Definitions{}, nil)
	se, ok := apperr.As(err)
	assert.Assert(t, ok)
	assert.Equal(t, se.Class, apperr.Database)
	assert.Equal(t, store.calls, 1)
}

func TestProcessIdentifiers(t *testing.T) {
	store := &fakeStore{windows: map[time.Time][]pegstore.Sample{
		n1Start: {
			{Timestamp: n1Start, PEGName: "p", Value: 1, Dimensions: "CellIdentity=20",
				NE: "gnb-001", SWName: "sw-22B", RelVer: "R22B"},
		},
		nStart: {sample(nStart, "p", 2)},
	}}
	res := process(t, store, cellFilter(), pegdefs.Definitions{}, nil)

	assert.Equal(t, res.Identifiers.NE, "gnb-001")
	assert.Equal(t, res.Identifiers.CellID, "20")
	assert.Equal(t, res.Identifiers.SWName, "sw-22B")
	assert.Equal(t, res.Identifiers.RelVer, "R22B")
}

func TestWindowStats(t *testing.T) {
	samples := []pegstore.Sample{
		sample(n1Start, "p", 10),
		sample(n1Start, "p", 20),
		sample(n1Start, "p", 30),
		sample(n1Start, "p", 40),
	}
	st := windowStats(samples)["p"]
	assert.Equal(t, st.Avg, 25.0)
	assert.Equal(t, st.Min, 10.0)
	assert.Equal(t, st.Max, 40.0)
	assert.Equal(t, st.Count, 4)
	assert.Assert(t, math.Abs(st.Std-12.9099444874) < 1e-6)
	assert.Assert(t, math.Abs(st.Pct95-38.5) < 1e-9)
	assert.Assert(t, math.Abs(st.Pct99-39.7) < 1e-9)
}

func TestBuildAnalysisStatistics(t *testing.T) {
	up, down := 50.0, -25.0
	rows := []Row{
		{PEGName: "up", Period: PeriodN1, AvgValue: 10, ChangePct: &up},
		{PEGName: "up", Period: PeriodN, AvgValue: 15, ChangePct: &up},
		{PEGName: "down", Period: PeriodN1, AvgValue: 8, ChangePct: &down},
		{PEGName: "down", Period: PeriodN, AvgValue: 6, ChangePct: &down},
		{PEGName: "flat", Period: PeriodN1, AvgValue: 3},
		{PEGName: "flat", Period: PeriodN, AvgValue: 3},
		{PEGName: "partial", Period: PeriodN, AvgValue: 9},
	}
	analyzed, stats := BuildAnalysis(rows, nil)
	assert.Equal(t, len(analyzed), 4)
	assert.Equal(t, stats.TotalPEGs, 4)
	assert.Equal(t, stats.CompleteDataPEGs, 3)
	assert.Equal(t, stats.IncompleteDataPEGs, 1)
	assert.Equal(t, stats.PositiveChanges, 1)
	assert.Equal(t, stats.NegativeChanges, 1)
	assert.Equal(t, stats.NoChange, 1)
	assert.Assert(t, stats.AvgPercentageChange != nil)
	// flat's change is 0%, up +50%, down -25%.
	assert.Assert(t, math.Abs(*stats.AvgPercentageChange-25.0/3) < 1e-9)
}

func TestBuildAnalysisAttachesLLMSummaries(t *testing.T) {
	rows := []Row{
		{PEGName: "Throughput_DL", Period: PeriodN1, AvgValue: 150},
		{PEGName: "Throughput_DL", Period: PeriodN, AvgValue: 230},
		{PEGName: "drops", Period: PeriodN1, AvgValue: 3},
		{PEGName: "drops", Period: PeriodN, AvgValue: 2},
	}
	// Summaries match on peg name regardless of case.
	analyzed, _ := BuildAnalysis(rows, map[string]string{
		"throughput_dl": "rose with carried traffic",
		"unrelated_peg": "should not attach",
	})
	assert.Equal(t, len(analyzed), 2)
	for _, peg := range analyzed {
		switch peg.PEGName {
		case "Throughput_DL":
			assert.Equal(t, peg.LLMAnalysisSummary, "rose with carried traffic")
		case "drops":
			assert.Equal(t, peg.LLMAnalysisSummary, "")
		}
	}
}
