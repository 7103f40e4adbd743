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
	"fmt"
	"strings"
)

// Definition binds a derived PEG name to its compiled formula.
type Definition struct {
	Name    string
	Formula string
	Expr    *Expression
}

// Plan orders definitions so every derived PEG is computed after the
// derived PEGs it references. Dependencies on base PEGs (names with no
// definition) impose no ordering. The sort is Kahn's algorithm with a
// stable queue: among ready definitions, input order wins, so the plan is
// deterministic for a given definition list.
func Plan(defs []Definition) ([]Definition, error) {
	index := make(map[string]int, len(defs))
	for i, d := range defs {
		if prev, dup := index[d.Name]; dup {
			return nil, fmt.Errorf("duplicate derived PEG definition %q (positions %d and %d)", d.Name, prev, i)
		}
		index[d.Name] = i
	}

	// indegree counts only edges between derived definitions.
	indegree := make([]int, len(defs))
	dependents := make([][]int, len(defs))
	for i, d := range defs {
		for _, dep := range d.Expr.Vars() {
			j, derived := index[dep]
			if !derived {
				continue
			}
			// A self-reference counts as a one-node cycle.
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	ordered := make([]Definition, 0, len(defs))
	done := make([]bool, len(defs))
	for len(ordered) < len(defs) {
		picked := -1
		for i := range defs {
			if !done[i] && indegree[i] == 0 {
				picked = i
				break
			}
		}
		if picked < 0 {
			var cycle []string
			for i, d := range defs {
				if !done[i] {
					cycle = append(cycle, d.Name)
				}
			}
			return nil, fmt.Errorf("circular dependency among derived PEG definitions: [%s]", strings.Join(cycle, ", "))
		}
		done[picked] = true
		ordered = append(ordered, defs[picked])
		for _, dep := range dependents[picked] {
			indegree[dep]--
		}
	}
	return ordered, nil
}
