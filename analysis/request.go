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

// Package analysis drives one PEG comparison end to end: request
// validation, time parsing, processing, LLM diagnosis, optional
// deterministic judgement, and response assembly.
package analysis

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
	"github.com/mitchellh/mapstructure"

	"github.com/cellwise/peg-analyzer/apperr"
	"github.com/cellwise/peg-analyzer/pegstore"
)

// formulaCharset is the whitelist for request-supplied formulas. The
// expression parser enforces the grammar; this check gives the caller an
// early, named rejection.
var formulaCharset = regexp.MustCompile(`^[A-Za-z0-9_+\-*/().\s]+$`)

// DBOverride is a per-request database target.
type DBOverride struct {
	Host   string `mapstructure:"host" validate:"required"`
	Port   int    `mapstructure:"port" validate:"min=1,max=65535"`
	DBName string `mapstructure:"dbname" validate:"required"`
	User   string `mapstructure:"user"`
}

// AnalysisRequest is the validated, normalized request.
type AnalysisRequest struct {
	NMinus1 string
	N       string

	Table   string
	Columns map[string]string
	Filters pegstore.Filters

	PEGFilterFile  string
	PEGDefinitions map[string]string
	DataLimit      int

	AnalysisType    string
	MaxPromptTokens int
	EnableMock      bool
	OutputDir       string
	BackendURL      string
	UseChoi         bool
	RequestID       string

	DB *DBOverride
}

// RequestNE returns the first requested NE value, if any.
func (r *AnalysisRequest) RequestNE() string { return first(r.Filters.NE) }

// RequestCellID returns the first requested cell id, if any.
func (r *AnalysisRequest) RequestCellID() string { return first(r.Filters.Dimensions["cellid"]) }

// RequestRelVer returns the first requested release version, if any.
func (r *AnalysisRequest) RequestRelVer() string { return first(r.Filters.RelVer) }

func first(vs []string) string {
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}

type rawRequest struct {
	NMinus1         string            `mapstructure:"n_minus_1"`
	N               string            `mapstructure:"n"`
	Table           string            `mapstructure:"table"`
	Columns         map[string]string `mapstructure:"columns"`
	Filters         map[string]any    `mapstructure:"filters"`
	PEGFilterFile   string            `mapstructure:"peg_filter_file"`
	PEGDefinitions  map[string]string `mapstructure:"peg_definitions"`
	DataLimit       int               `mapstructure:"data_limit"`
	AnalysisType    string            `mapstructure:"analysis_type"`
	MaxPromptTokens int               `mapstructure:"max_prompt_tokens"`
	EnableMock      bool              `mapstructure:"enable_mock"`
	OutputDir       string            `mapstructure:"output_dir"`
	BackendURL      string            `mapstructure:"backend_url"`
	UseChoi         bool              `mapstructure:"use_choi"`
	RequestID       string            `mapstructure:"request_id"`
	DB              map[string]any    `mapstructure:"db"`
}

type scalarRules struct {
	AnalysisType    string `validate:"oneof=enhanced"`
	MaxPromptTokens int    `validate:"omitempty,min=1,max=50000"`
	DataLimit       int    `validate:"min=0"`
}

// ValidateRequest checks and normalizes a raw request map. Field aliases
// (n1 for n_minus_1, cell for cellid) are resolved here so the rest of
// the pipeline sees canonical names only.
func ValidateRequest(raw map[string]any) (*AnalysisRequest, error) {
	if raw == nil {
		return nil, apperr.NewValidation("request body must be a JSON object", nil)
	}
	normalizeAliases(raw)

	var decoded rawRequest
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &decoded,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, apperr.NewValidation("request fields have wrong types", map[string]any{
			"decode_error": err.Error(),
		})
	}

	var problems *multierror.Error
	if strings.TrimSpace(decoded.NMinus1) == "" {
		problems = multierror.Append(problems, fmt.Errorf("n_minus_1 is required"))
	}
	if strings.TrimSpace(decoded.N) == "" {
		problems = multierror.Append(problems, fmt.Errorf("n is required"))
	}

	if decoded.AnalysisType == "" {
		decoded.AnalysisType = "enhanced"
	}
	v := validator.New()
	if err := v.Struct(scalarRules{
		AnalysisType:    decoded.AnalysisType,
		MaxPromptTokens: decoded.MaxPromptTokens,
		DataLimit:       decoded.DataLimit,
	}); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				problems = multierror.Append(problems, fmt.Errorf(
					"%s failed %q validation (value %v)", fieldName(fe.Field()), fe.Tag(), fe.Value()))
			}
		} else {
			problems = multierror.Append(problems, err)
		}
	}

	filters, err := normalizeFilters(decoded.Filters)
	if err != nil {
		problems = multierror.Append(problems, err)
	}

	for name, formula := range decoded.PEGDefinitions {
		if strings.TrimSpace(formula) == "" {
			problems = multierror.Append(problems, fmt.Errorf("peg_definitions[%s]: formula is empty", name))
			continue
		}
		if !formulaCharset.MatchString(formula) {
			problems = multierror.Append(problems, fmt.Errorf(
				"peg_definitions[%s]: formula contains characters outside [A-Za-z0-9_+-*/().\\s]", name))
		}
	}

	var db *DBOverride
	if len(decoded.DB) > 0 {
		db = &DBOverride{Port: 5432}
		if err := mapstructure.WeakDecode(decoded.DB, db); err != nil {
			problems = multierror.Append(problems, fmt.Errorf("db: %v", err))
		} else if err := v.Struct(db); err != nil {
			if verrs, ok := err.(validator.ValidationErrors); ok {
				for _, fe := range verrs {
					problems = multierror.Append(problems, fmt.Errorf(
						"db.%s failed %q validation", strings.ToLower(fe.Field()), fe.Tag()))
				}
			}
		}
	}

	if err := problems.ErrorOrNil(); err != nil {
		return nil, apperr.NewValidation("request validation failed", map[string]any{
			"violations": violationList(err),
		})
	}

	return &AnalysisRequest{
		NMinus1:         strings.TrimSpace(decoded.NMinus1),
		N:               strings.TrimSpace(decoded.N),
		Table:           decoded.Table,
		Columns:         decoded.Columns,
		Filters:         filters,
		PEGFilterFile:   decoded.PEGFilterFile,
		PEGDefinitions:  decoded.PEGDefinitions,
		DataLimit:       decoded.DataLimit,
		AnalysisType:    decoded.AnalysisType,
		MaxPromptTokens: decoded.MaxPromptTokens,
		EnableMock:      decoded.EnableMock,
		OutputDir:       decoded.OutputDir,
		BackendURL:      decoded.BackendURL,
		UseChoi:         decoded.UseChoi,
		RequestID:       decoded.RequestID,
		DB:              db,
	}, nil
}

// normalizeAliases rewrites accepted synonyms in place.
func normalizeAliases(raw map[string]any) {
	if _, ok := raw["n_minus_1"]; !ok {
		if v, ok := raw["n1"]; ok {
			raw["n_minus_1"] = v
			delete(raw, "n1")
		}
	}
	if filters, ok := raw["filters"].(map[string]any); ok {
		if _, ok := filters["cellid"]; !ok {
			if v, ok := filters["cell"]; ok {
				filters["cellid"] = v
				delete(filters, "cell")
			}
		}
		// host is the legacy name for the software identity column.
		if _, ok := filters["swname"]; !ok {
			if v, ok := filters["host"]; ok {
				filters["swname"] = v
				delete(filters, "host")
			}
		}
	}
}

// normalizeFilters coerces filter values to string lists and splits them
// into column filters and dimension filters.
func normalizeFilters(raw map[string]any) (pegstore.Filters, error) {
	out := pegstore.Filters{Dimensions: map[string][]string{}}
	if len(raw) == 0 {
		return out, nil
	}

	var problems *multierror.Error
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		values, err := stringValues(raw[key])
		if err != nil {
			problems = multierror.Append(problems, fmt.Errorf("filters.%s: %v", key, err))
			continue
		}
		if len(values) == 0 {
			continue
		}
		switch key {
		case "ne":
			out.NE = values
		case "swname":
			out.SWName = values
		case "rel_ver":
			out.RelVer = values
		default:
			if _, ok := pegstore.DimensionIndexName(key); ok {
				out.Dimensions[key] = values
			} else {
				problems = multierror.Append(problems, fmt.Errorf("filters.%s: unknown filter key", key))
			}
		}
	}
	return out, problems.ErrorOrNil()
}

// stringValues accepts a scalar or a list of primitives.
func stringValues(v any) ([]string, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		if s := strings.TrimSpace(t); s != "" {
			return []string{s}, nil
		}
		return nil, nil
	case bool:
		return []string{strconv.FormatBool(t)}, nil
	case float64:
		return []string{formatNumber(t)}, nil
	case int:
		return []string{strconv.Itoa(t)}, nil
	case []any:
		var out []string
		for _, item := range t {
			vs, err := stringValues(item)
			if err != nil {
				return nil, fmt.Errorf("list items must be primitives")
			}
			out = append(out, vs...)
		}
		return out, nil
	case []string:
		return t, nil
	default:
		return nil, fmt.Errorf("must be a string or a list of primitives, got %T", v)
	}
}

func formatNumber(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func fieldName(structField string) string {
	switch structField {
	case "AnalysisType":
		return "analysis_type"
	case "MaxPromptTokens":
		return "max_prompt_tokens"
	case "DataLimit":
		return "data_limit"
	}
	return structField
}

func violationList(err error) []string {
	var merr *multierror.Error
	if ok := errorsAs(err, &merr); ok {
		out := make([]string, 0, len(merr.Errors))
		for _, e := range merr.Errors {
			out = append(out, e.Error())
		}
		return out
	}
	return []string{err.Error()}
}

func errorsAs(err error, target **multierror.Error) bool {
	m, ok := err.(*multierror.Error)
	if ok {
		*target = m
	}
	return ok
}
