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

package pegstore

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// TableConfig names the storage table and its columns. Values are
// deployment configuration, never user input.
type TableConfig struct {
	Table        string
	TimeColumn   string
	FamilyColumn string
	ValuesColumn string
	NEColumn     string
	SWNameColumn string
	RelVerColumn string
	DataLimit    int
}

// DefaultTableConfig matches the standard summary table layout.
func DefaultTableConfig() TableConfig {
	return TableConfig{
		Table:        "summary",
		TimeColumn:   "datetime",
		FamilyColumn: "family_id",
		ValuesColumn: "values",
		NEColumn:     "ne_key",
		SWNameColumn: "swname",
		RelVerColumn: "rel_ver",
	}
}

// Filters narrows a window fetch. Column filters match table columns;
// Dimensions holds request-side dimension keys (cellid, qci, bpu_id)
// resolved to JSONB index names at query build time.
type Filters struct {
	NE         []string
	SWName     []string
	RelVer     []string
	Dimensions map[string][]string
}

// HasCellFilter reports whether a cellid dimension filter is present.
// Processing uses this to decide on multi-cell averaging.
func (f Filters) HasCellFilter() bool {
	return len(f.Dimensions["cellid"]) > 0
}

// dimensionIndexNames maps request dimension keys to the index_name
// stored in the JSONB document.
var dimensionIndexNames = map[string]string{
	"cellid": "CellIdentity",
	"qci":    "QCI",
	"bpu_id": "BPU_ID",
}

// DimensionIndexName resolves a request dimension key; ok is false for
// unknown keys.
func DimensionIndexName(key string) (string, bool) {
	name, ok := dimensionIndexNames[key]
	return name, ok
}

type queryBuilder struct {
	args []any
}

func (b *queryBuilder) bind(v any) string {
	b.args = append(b.args, v)
	return fmt.Sprintf("$%d", len(b.args))
}

func (b *queryBuilder) bindAll(values []string) string {
	placeholders := make([]string, len(values))
	for i, v := range values {
		placeholders[i] = b.bind(v)
	}
	return strings.Join(placeholders, ", ")
}

// BuildWindowQuery renders the JSONB expansion query for one analysis
// window. Every user-influenced value is bound; identifiers come from
// TableConfig only.
func BuildWindowQuery(cfg TableConfig, filters Filters, familyFilter map[int][]string, start, end time.Time) (string, []any) {
	b := &queryBuilder{}

	indexName := fmt.Sprintf("t.%s->>'index_name'", cfg.ValuesColumn)

	var sb strings.Builder
	sb.WriteString("SELECT\n")
	sb.WriteString(fmt.Sprintf("    t.%s AS ts,\n", cfg.TimeColumn))
	sb.WriteString(fmt.Sprintf("    t.%s AS family_id,\n", cfg.FamilyColumn))
	// Inner objects keep the dimension value inline in the peg name so
	// downstream stays dimension-agnostic.
	sb.WriteString("    CASE WHEN jsonb_typeof(idx.val) = 'object'\n")
	sb.WriteString("         THEN metric.key || '[' || idx.key || ']'\n")
	sb.WriteString("         ELSE metric.key\n")
	sb.WriteString("    END AS peg_name,\n")
	sb.WriteString("    NULLIF(regexp_replace(metric.value, '[^0-9.\\-eE]', '', 'g'), '')::numeric AS value,\n")
	sb.WriteString("    CASE WHEN jsonb_typeof(idx.val) = 'object'\n")
	sb.WriteString(fmt.Sprintf("         THEN (%s) || '=' || idx.key\n", indexName))
	sb.WriteString("         ELSE NULL\n")
	sb.WriteString("    END AS dimensions")
	if cfg.NEColumn != "" {
		sb.WriteString(fmt.Sprintf(",\n    t.%s AS ne_key", cfg.NEColumn))
	}
	if cfg.SWNameColumn != "" {
		sb.WriteString(fmt.Sprintf(",\n    t.%s AS swname", cfg.SWNameColumn))
	}
	if cfg.RelVerColumn != "" {
		sb.WriteString(fmt.Sprintf(",\n    t.%s AS rel_ver", cfg.RelVerColumn))
	}
	sb.WriteString(fmt.Sprintf("\nFROM %s t\n", cfg.Table))
	sb.WriteString(fmt.Sprintf("CROSS JOIN LATERAL jsonb_each(t.%s) AS idx(key, val)\n", cfg.ValuesColumn))
	sb.WriteString("CROSS JOIN LATERAL jsonb_each_text(\n")
	sb.WriteString("    CASE WHEN jsonb_typeof(idx.val) = 'object' THEN idx.val\n")
	sb.WriteString("         ELSE jsonb_build_object(idx.key, idx.val)\n")
	sb.WriteString("    END\n")
	sb.WriteString(") AS metric(key, value)\n")

	conds := []string{
		fmt.Sprintf("t.%s BETWEEN %s AND %s", cfg.TimeColumn, b.bind(start), b.bind(end)),
		"idx.key <> 'index_name'",
		"metric.key <> 'index_name'",
		"NULLIF(regexp_replace(metric.value, '[^0-9.\\-eE]', '', 'g'), '') IS NOT NULL",
	}

	if dim := buildDimensionClause(b, indexName, filters.Dimensions); dim != "" {
		conds = append(conds, dim)
	}

	conds = append(conds, buildColumnClauses(b, cfg, filters)...)

	if fam := buildFamilyClause(b, cfg, familyFilter); fam != "" {
		conds = append(conds, fam)
	}

	sb.WriteString("WHERE ")
	sb.WriteString(strings.Join(conds, "\n  AND "))
	sb.WriteString(fmt.Sprintf("\nORDER BY t.%s", cfg.TimeColumn))
	if cfg.DataLimit > 0 {
		sb.WriteString(fmt.Sprintf("\nLIMIT %s", b.bind(cfg.DataLimit)))
	}
	return sb.String(), b.args
}

// buildDimensionClause composes the per-dimension constraints. Each
// filtered dimension contributes "(index_name = I AND idx.key IN (...))";
// the trailing "others" clause leaves rows of unfiltered dimensions
// untouched.
func buildDimensionClause(b *queryBuilder, indexName string, dims map[string][]string) string {
	if len(dims) == 0 {
		return ""
	}
	keys := make([]string, 0, len(dims))
	for k := range dims {
		if len(dims[k]) > 0 {
			if _, ok := dimensionIndexNames[k]; ok {
				keys = append(keys, k)
			}
		}
	}
	if len(keys) == 0 {
		return ""
	}
	sort.Strings(keys)

	var parts []string
	var mentioned []string
	for _, k := range keys {
		idxName := dimensionIndexNames[k]
		mentioned = append(mentioned, idxName)
		parts = append(parts, fmt.Sprintf("(%s = %s AND idx.key IN (%s))",
			indexName, b.bind(idxName), b.bindAll(dims[k])))
	}
	parts = append(parts, fmt.Sprintf("(%s IS NULL OR %s NOT IN (%s))",
		indexName, indexName, b.bindAll(mentioned)))
	return "(" + strings.Join(parts, " OR ") + ")"
}

func buildColumnClauses(b *queryBuilder, cfg TableConfig, filters Filters) []string {
	var out []string
	add := func(column string, values []string) {
		if column == "" || len(values) == 0 {
			return
		}
		if len(values) == 1 {
			out = append(out, fmt.Sprintf("t.%s = %s", column, b.bind(values[0])))
			return
		}
		out = append(out, fmt.Sprintf("t.%s IN (%s)", column, b.bindAll(values)))
	}
	add(cfg.NEColumn, filters.NE)
	add(cfg.SWNameColumn, filters.SWName)
	add(cfg.RelVerColumn, filters.RelVer)
	return out
}

func buildFamilyClause(b *queryBuilder, cfg TableConfig, familyFilter map[int][]string) string {
	if len(familyFilter) == 0 {
		return ""
	}
	ids := make([]int, 0, len(familyFilter))
	for id := range familyFilter {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	var parts []string
	for _, id := range ids {
		names := familyFilter[id]
		if len(names) == 0 {
			continue
		}
		parts = append(parts, fmt.Sprintf("(t.%s = %s AND metric.key IN (%s))",
			cfg.FamilyColumn, b.bind(id), b.bindAll(names)))
	}
	if len(parts) == 0 {
		return ""
	}
	return "(" + strings.Join(parts, " OR ") + ")"
}
