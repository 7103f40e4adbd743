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

// Package pegdefs loads the deployment's PEG definition CSV. Rows with a
// "define" cell declare derived PEG formulas; rows without one name the
// (family_id, peg_name) pairs the repository is allowed to query.
package pegdefs

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/cellwise/peg-analyzer/expr"
	"github.com/cellwise/peg-analyzer/internal/logging"
)

// Derived declares one derived PEG: output name, raw formula and the
// identifiers the formula references.
type Derived struct {
	Name         string
	Formula      string
	Dependencies []string
}

// Definitions is the parsed content of the definition CSV.
type Definitions struct {
	// Derived definitions in file order.
	Derived []Derived
	// FamilyFilters maps a family id to the exact peg names to fetch.
	FamilyFilters map[int][]string
}

// Load reads and parses the CSV at path. A missing or malformed file is
// not fatal: the analyzer runs without filters or derived PEGs, and the
// problem is logged.
func Load(path string, log logging.StructuredLogger) Definitions {
	empty := Definitions{FamilyFilters: map[int][]string{}}
	if path == "" {
		return empty
	}
	f, err := os.Open(path)
	if err != nil {
		log.Warnf("PEG definition CSV not readable, continuing without definitions: %v", err)
		return empty
	}
	defer f.Close()

	defs, err := parse(f, log)
	if err != nil {
		log.Errorf("PEG definition CSV %s malformed, continuing without definitions: %v", path, err)
		return empty
	}
	log.Infof("loaded PEG definitions: %d families, %d derived PEGs",
		len(defs.FamilyFilters), len(defs.Derived))
	return defs
}

func parse(r io.Reader, log logging.StructuredLogger) (Definitions, error) {
	defs := Definitions{FamilyFilters: map[int][]string{}}

	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err != nil {
		return defs, err
	}
	col := map[string]int{}
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}

	cell := func(record []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	seen := map[int]map[string]bool{}
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return defs, err
		}

		if define := cell(record, "define"); define != "" {
			name, formula, found := strings.Cut(define, "=")
			if !found {
				log.Warnf("ignoring define without '=': %q", define)
				continue
			}
			name = strings.TrimSpace(name)
			formula = strings.TrimSpace(formula)
			if name == "" || formula == "" {
				log.Warnf("ignoring define with empty name or formula: %q", define)
				continue
			}
			defs.Derived = append(defs.Derived, Derived{
				Name:         name,
				Formula:      formula,
				Dependencies: expr.ExtractIdentifiers(formula),
			})
			continue
		}

		family := cell(record, "family_id")
		pegName := cell(record, "peg_name")
		if family == "" || pegName == "" {
			continue
		}
		id, err := strconv.Atoi(family)
		if err != nil {
			log.Warnf("ignoring filter row with non-integer family_id %q (peg %q)", family, pegName)
			continue
		}
		if seen[id] == nil {
			seen[id] = map[string]bool{}
		}
		if seen[id][pegName] {
			continue
		}
		seen[id][pegName] = true
		defs.FamilyFilters[id] = append(defs.FamilyFilters[id], pegName)
	}
	return defs, nil
}
