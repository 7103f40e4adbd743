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

package expr

import (
	"math"
	"strings"
	"testing"

	"gotest.tools/v3/assert"
)

func mustParse(t *testing.T, formula string) *Expression {
	t.Helper()
	e, err := Parse(formula, 0)
	assert.NilError(t, err)
	return e
}

func TestEval(t *testing.T) {
	vars := map[string]float64{
		"preamble_count": 800,
		"response_count": 760,
		"offset":         -3,
	}
	for _, tc := range []struct {
		formula string
		want    float64
	}{
		{"1 + 2 * 3", 7},
		{"(1 + 2) * 3", 9},
		{"response_count / preamble_count * 100", 95},
		{"-offset", 3},
		{"--2", 2},
		{"2 - -3", 5},
		{"10 / 4", 2.5},
		{"1e3 + 0.5", 1000.5},
		{"2.5E-1 * 4", 1},
	} {
		got := mustParse(t, tc.formula).Eval(vars)
		assert.Equal(t, got, tc.want, "formula %q", tc.formula)
	}
}

func TestEvalNaNRules(t *testing.T) {
	vars := map[string]float64{"a": 1, "zero": 0}

	assert.Assert(t, math.IsNaN(mustParse(t, "a / zero").Eval(vars)), "division by zero must be NaN")
	assert.Assert(t, math.IsNaN(mustParse(t, "zero / zero").Eval(vars)))
	assert.Assert(t, math.IsNaN(mustParse(t, "missing + 1").Eval(vars)), "undefined variable must be NaN")
	assert.Assert(t, math.IsNaN(mustParse(t, "a + missing / zero").Eval(vars)))
}

func TestParseRejectsUnsupportedConstructs(t *testing.T) {
	for _, formula := range []string{
		"",
		"   ",
		"a ** b",
		"a % b",
		"f(x)",
		"a = b",
		"a; b",
		"a & b",
		"(a + b",
		"a + b)",
		"1 2",
		"__import__",
	} {
		_, err := Parse(formula, 0)
		if formula == "__import__" {
			// A bare identifier is a valid formula; it just evaluates to
			// NaN when the variable is absent.
			assert.NilError(t, err)
			continue
		}
		assert.Assert(t, err != nil, "expected parse error for %q", formula)
	}
}

func TestParseComplexityLimit(t *testing.T) {
	_, err := Parse("a + b + c + d", 3)
	assert.ErrorContains(t, err, "too complex")

	_, err = Parse("a + b", 3)
	assert.NilError(t, err)
}

func TestVars(t *testing.T) {
	e := mustParse(t, "succ / att * 100 + succ")
	assert.DeepEqual(t, e.Vars(), []string{"succ", "att"})
}

func TestExtractIdentifiers(t *testing.T) {
	got := ExtractIdentifiers("(rrc.succ + 2) / rrc.att * 100 + 1e3")
	assert.DeepEqual(t, got, []string{"rrc.succ", "rrc.att"})
}

func TestPlanOrdersDependenciesFirst(t *testing.T) {
	defs := []Definition{
		def(t, "total_rate", "ul_rate + dl_rate"),
		def(t, "ul_rate", "ul_succ / ul_att * 100"),
		def(t, "dl_rate", "dl_succ / dl_att * 100"),
	}
	ordered, err := Plan(defs)
	assert.NilError(t, err)
	assert.DeepEqual(t, names(ordered), []string{"ul_rate", "dl_rate", "total_rate"})
}

func TestPlanIsStableForIndependentDefinitions(t *testing.T) {
	defs := []Definition{
		def(t, "c", "x + 1"),
		def(t, "a", "y + 1"),
		def(t, "b", "z + 1"),
	}
	ordered, err := Plan(defs)
	assert.NilError(t, err)
	assert.DeepEqual(t, names(ordered), []string{"c", "a", "b"})
}

func TestPlanDetectsCycle(t *testing.T) {
	defs := []Definition{
		def(t, "a", "b + 1"),
		def(t, "b", "a + 1"),
		def(t, "standalone", "x * 2"),
	}
	_, err := Plan(defs)
	assert.Assert(t, err != nil)
	assert.ErrorContains(t, err, "circular dependency")
	assert.Assert(t, strings.Contains(err.Error(), "a") && strings.Contains(err.Error(), "b"))
	assert.Assert(t, !strings.Contains(err.Error(), "standalone"))
}

func TestPlanDetectsSelfReference(t *testing.T) {
	defs := []Definition{def(t, "a", "a + 1")}
	_, err := Plan(defs)
	assert.ErrorContains(t, err, "circular dependency")
}

func TestPlanRejectsDuplicates(t *testing.T) {
	defs := []Definition{
		def(t, "a", "x + 1"),
		def(t, "a", "y + 1"),
	}
	_, err := Plan(defs)
	assert.ErrorContains(t, err, "duplicate")
}

func def(t *testing.T, name, formula string) Definition {
	t.Helper()
	return Definition{Name: name, Formula: formula, Expr: mustParse(t, formula)}
}

func names(defs []Definition) []string {
	out := make([]string, len(defs))
	for i, d := range defs {
		out[i] = d.Name
	}
	return out
}
