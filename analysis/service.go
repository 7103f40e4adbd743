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
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cellwise/peg-analyzer/backend"
	"github.com/cellwise/peg-analyzer/config"
	"github.com/cellwise/peg-analyzer/internal/logging"
	"github.com/cellwise/peg-analyzer/pegdefs"
	"github.com/cellwise/peg-analyzer/pegproc"
	"github.com/cellwise/peg-analyzer/pegstore"
	"github.com/cellwise/peg-analyzer/timerange"
)

// Pipeline stage names, surfaced in error_details.stage.
const (
	StageRequestValidation = "request_validation"
	StageTimeParsing       = "time_parsing"
	StagePEGProcessing     = "peg_processing"
	StageLLMAnalysis       = "llm_analysis"
	StageJudgement         = "deterministic_judgement"
	StageTransformation    = "data_transformation"
	StageResultAssembly    = "result_assembly"
)

// Processor runs the two-window comparison; satisfied by
// *pegproc.Service.
type Processor interface {
	Process(ctx context.Context, n1, n timerange.Range, cfg pegstore.TableConfig,
		filters pegstore.Filters, defs pegdefs.Definitions, requestDefs map[string]string) (*pegproc.Result, error)
}

// BackendClient covers the two backend interactions; satisfied by
// *backend.Client.
type BackendClient interface {
	Judge(ctx context.Context, inputData any, cellIDs []string, timeRange string, compareMode bool) (*backend.Judgement, error)
	PostResult(ctx context.Context, p *backend.Payload) error
}

// Orchestrator wires the pipeline stages for one process.
type Orchestrator struct {
	settings  *config.Settings
	parser    *timerange.Parser
	processor Processor
	llm       *LLMService
	backend   BackendClient
	defs      pegdefs.Definitions
	log       logging.StructuredLogger

	// backendFactory builds a client for a request-scoped backend URL;
	// nil means per-request overrides fall back to the default client.
	backendFactory func(baseURL string) BackendClient
}

func NewOrchestrator(
	settings *config.Settings,
	parser *timerange.Parser,
	processor Processor,
	llm *LLMService,
	backendClient BackendClient,
	defs pegdefs.Definitions,
	log logging.StructuredLogger,
) *Orchestrator {
	return &Orchestrator{
		settings:  settings,
		parser:    parser,
		processor: processor,
		llm:       llm,
		backend:   backendClient,
		defs:      defs,
		log:       log,
	}
}

// WithBackendFactory enables per-request backend URL overrides.
func (o *Orchestrator) WithBackendFactory(f func(baseURL string) BackendClient) *Orchestrator {
	o.backendFactory = f
	return o
}

// Run executes the full pipeline. It always returns a response; stage
// failures become error responses, never panics or bare errors.
func (o *Orchestrator) Run(ctx context.Context, raw map[string]any) *Response {
	started := time.Now()
	analysisID := uuid.NewString()

	requestID, _ := raw["request_id"].(string)
	enableMock, _ := raw["enable_mock"].(bool)
	f := newFormatter(analysisID, requestID, enableMock, started)

	ctx, cancel := context.WithTimeout(ctx, o.settings.MaxProcessingTime)
	defer cancel()

	// request_validation
	req, err := ValidateRequest(raw)
	if err != nil {
		return f.Error(StageRequestValidation, err)
	}
	f.requestID = req.RequestID
	f.enableMock = req.EnableMock
	o.log.Infof("analysis %s started (request %s)", analysisID, req.RequestID)

	// time_parsing works on the raw values: mapstructure's weak decoding
	// would hide a non-string window behind a coerced string.
	n1, err := o.parser.ParseValue(raw["n_minus_1"])
	if err != nil {
		return f.Error(StageTimeParsing, err)
	}
	n, err := o.parser.ParseValue(raw["n"])
	if err != nil {
		return f.Error(StageTimeParsing, err)
	}

	// peg_processing
	defs := o.definitionsFor(req)
	result, err := o.processor.Process(ctx, n1, n, o.tableConfig(req), req.Filters, defs, req.PEGDefinitions)
	if err != nil {
		return f.Error(StagePEGProcessing, err)
	}
	warnings := result.Warnings
	if req.DB != nil {
		warnings = append(warnings, "per-request db override ignored: the process-wide pool is used")
	}

	// llm_analysis
	llmResult, err := o.llm.Analyze(ctx, req.AnalysisType, result.Rows, req.NMinus1, req.N, req.EnableMock)
	if err != nil {
		return f.Error(StageLLMAnalysis, err)
	}

	// deterministic_judgement, soft-fail only
	var judgement *backend.Judgement
	if req.UseChoi || o.settings.PEGUseChoi {
		judgement = o.runJudgement(ctx, req, result)
		if len(judgement.Warnings) > 0 {
			warnings = append(warnings, judgement.Warnings...)
		}
	}

	// data_transformation
	analyzed, stats := pegproc.BuildAnalysis(result.Rows, pegInsights(llmResult))

	// result_assembly
	resp := f.Success(n1, n, req.NMinus1, req.N, analyzed, stats, judgement, llmResult, warnings)
	if err := o.deliver(ctx, req, result, analyzed, judgement, llmResult, analysisID, n1, n); err != nil {
		o.log.Warnf("backend delivery failed for analysis %s: %v", analysisID, err)
		resp.Warnings = append(resp.Warnings, fmt.Sprintf("backend delivery failed: %v", err))
	}
	o.log.Infof("analysis %s completed in %.2fs (%d pegs)", analysisID, resp.DurationSeconds, stats.TotalPEGs)
	return resp
}

// definitionsFor resolves the derived/filter definitions, honoring a
// request-scoped filter file.
func (o *Orchestrator) definitionsFor(req *AnalysisRequest) pegdefs.Definitions {
	if req.PEGFilterFile != "" {
		return pegdefs.Load(req.PEGFilterFile, o.log)
	}
	return o.defs
}

func (o *Orchestrator) tableConfig(req *AnalysisRequest) pegstore.TableConfig {
	cfg := pegstore.DefaultTableConfig()
	if req.Table != "" {
		cfg.Table = req.Table
	}
	if v, ok := req.Columns["time"]; ok {
		cfg.TimeColumn = v
	}
	if v, ok := req.Columns["family_id"]; ok {
		cfg.FamilyColumn = v
	}
	if v, ok := req.Columns["values"]; ok {
		cfg.ValuesColumn = v
	}
	if v, ok := req.Columns["ne"]; ok {
		cfg.NEColumn = v
	}
	if v, ok := req.Columns["swname"]; ok {
		cfg.SWNameColumn = v
	}
	if v, ok := req.Columns["rel_ver"]; ok {
		cfg.RelVerColumn = v
	}
	if req.DataLimit > 0 {
		cfg.DataLimit = req.DataLimit
	}
	return cfg
}

// runJudgement calls the deterministic judgement and degrades to a
// warning-carrying placeholder on any failure.
func (o *Orchestrator) runJudgement(ctx context.Context, req *AnalysisRequest, result *pegproc.Result) *backend.Judgement {
	client := o.backendClientFor(req)
	j, err := client.Judge(ctx, rowsAsInput(result.Rows), req.Filters.Dimensions["cellid"], req.N, true)
	if err != nil {
		o.log.Warnf("deterministic judgement failed, continuing without it: %v", err)
		return &backend.Judgement{
			Overall:  nil,
			Reasons:  []string{"Choi judgement failed"},
			ByKPI:    map[string]any{},
			Warnings: []string{err.Error()},
		}
	}
	return j
}

func (o *Orchestrator) deliver(
	ctx context.Context,
	req *AnalysisRequest,
	result *pegproc.Result,
	analyzed []pegproc.AnalyzedPEG,
	judgement *backend.Judgement,
	llmResult map[string]any,
	analysisID string,
	n1, n timerange.Range,
) error {
	var choi *backend.ChoiResult
	if judgement != nil {
		status := "failed"
		if s, ok := judgement.Overall.(string); ok {
			status = s
		}
		choi = &backend.ChoiResult{
			Enabled: true,
			Status:  status,
			Details: map[string]any{
				"overall":           judgement.Overall,
				"reasons":           judgement.Reasons,
				"by_kpi":            judgement.ByKPI,
				"algorithm_version": judgement.AlgorithmVersion,
			},
		}
	}

	payload := backend.BuildPayload(
		analysisID,
		result.Identifiers,
		backend.RequestIdentifiers{
			NE:     req.RequestNE(),
			CellID: req.RequestCellID(),
			RelVer: req.RequestRelVer(),
		},
		n1, n,
		analyzed,
		result.Stats,
		llmSection(llmResult),
		choi,
	)
	return o.backendClientFor(req).PostResult(ctx, payload)
}

func (o *Orchestrator) backendClientFor(req *AnalysisRequest) BackendClient {
	if req.BackendURL != "" && o.backendFactory != nil {
		return o.backendFactory(req.BackendURL)
	}
	return o.backend
}

// llmSection projects the free-form LLM result onto the fixed payload
// block.
func llmSection(result map[string]any) backend.LLMSection {
	section := backend.LLMSection{Issues: []string{}, Recommendations: []string{}}
	if s, ok := result["executive_summary"].(string); ok {
		section.Summary = s
	}
	section.Issues = anyStrings(result["diagnostic_findings"])
	section.Recommendations = anyStrings(result["recommended_actions"])
	if c, ok := result["confidence"].(float64); ok {
		section.Confidence = &c
	}
	if m, ok := result["model_used"].(string); ok {
		section.ModelName = m
	}
	return section
}

// pegInsights pulls the per-PEG commentary map out of the free-form LLM
// result. Non-string entries are dropped.
func pegInsights(result map[string]any) map[string]string {
	items, ok := result["peg_insights"].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(items))
	for name, v := range items {
		if s, ok := v.(string); ok && s != "" {
			out[name] = s
		}
	}
	return out
}

func anyStrings(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return []string{}
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		switch t := item.(type) {
		case string:
			out = append(out, t)
		default:
			out = append(out, fmt.Sprintf("%v", t))
		}
	}
	return out
}

// rowsAsInput renders the long-form rows as plain maps for the
// judgement request body.
func rowsAsInput(rows []pegproc.Row) []map[string]any {
	out := make([]map[string]any, 0, len(rows))
	for _, r := range rows {
		m := map[string]any{
			"peg_name":   r.PEGName,
			"period":     r.Period,
			"avg_value":  r.AvgValue,
			"is_derived": r.IsDerived,
		}
		if r.Dimensions != "" {
			m["dimensions"] = r.Dimensions
		}
		if r.ChangePct != nil {
			m["change_pct"] = *r.ChangePct
		}
		out = append(out, m)
	}
	return out
}
