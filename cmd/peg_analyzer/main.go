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

// peg_analyzer serves the PEG comparison analysis API.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cellwise/peg-analyzer/analysis"
	"github.com/cellwise/peg-analyzer/backend"
	"github.com/cellwise/peg-analyzer/config"
	"github.com/cellwise/peg-analyzer/internal/logging"
	"github.com/cellwise/peg-analyzer/internal/version"
	"github.com/cellwise/peg-analyzer/llm"
	"github.com/cellwise/peg-analyzer/pegdefs"
	"github.com/cellwise/peg-analyzer/pegproc"
	"github.com/cellwise/peg-analyzer/pegstore"
	"github.com/cellwise/peg-analyzer/timerange"
)

func main() {
	validateOnly := flag.Bool("validate-config", false, "validate the environment configuration and exit")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Version)
		return
	}

	settings, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration invalid:\n%v\n", err)
		os.Exit(1)
	}

	var log *logging.ZapStructuredLogger
	if settings.LogFileEnabled {
		log = logging.NewFile(settings.AppLogLevel, settings.LogFilePath)
	} else {
		log = logging.New(settings.AppLogLevel)
	}

	if *validateOnly {
		fmt.Println("configuration OK")
		summary, _ := json.MarshalIndent(settings.Summary(), "", "  ")
		fmt.Println(string(summary))
		return
	}

	if err := run(settings, log); err != nil {
		log.Errorf("fatal: %v", err)
		os.Exit(1)
	}
}

func run(settings *config.Settings, log *logging.ZapStructuredLogger) error {
	log.Infof("starting peg-analyzer %s (workflow %s)", version.Version, version.WorkflowVersion)
	for k, v := range settings.Summary() {
		log.Debugf("config %s=%v", k, v)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := pegstore.Open(ctx, settings, log)
	if err != nil {
		return fmt.Errorf("opening database pool: %w", err)
	}
	defer store.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := store.Ping(pingCtx); err != nil {
		log.Warnf("database not reachable at startup: %v", err)
	}
	cancel()

	defs := pegdefs.Load(settings.PEGFilterPath(), log)
	templates := analysis.LoadTemplates(settings.PromptTemplatePath, log)
	llmClient := llm.NewClient(llm.ConfigFromSettings(settings), log)
	backendClient := backend.NewClient(backend.ConfigFromSettings(settings), log)
	processor := pegproc.NewService(store, settings.PEGDefaultAggregation, settings.PEGEnableDerived, settings.PEGMaxFormulaComplexity, log)
	llmService := analysis.NewLLMService(llmClient, templates, settings.LLMModel, log)
	parser := timerange.NewParser(settings.AppTimezone, log)

	orchestrator := analysis.NewOrchestrator(settings, parser, processor, llmService, backendClient, defs, log).
		WithBackendFactory(func(baseURL string) analysis.BackendClient {
			cfg := backend.ConfigFromSettings(settings)
			cfg.BaseURL = strings.TrimRight(baseURL, "/")
			return backend.NewClient(cfg, log)
		})

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handleHealth)
	mux.HandleFunc("/api/analysis", handleAnalysis(orchestrator, log))

	server := &http.Server{
		Addr:              settings.ServerListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("listening on %s", settings.ServerListenAddr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Infof("shutdown signal received")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": version.Version,
	})
}

func handleAnalysis(o *analysis.Orchestrator, log logging.StructuredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "POST required"})
			return
		}
		var raw map[string]any
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			log.Warnf("rejecting unparseable analysis request: %v", err)
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "request body must be a JSON object"})
			return
		}

		resp := o.Run(r.Context(), raw)
		writeJSON(w, statusFor(resp), resp)
	}
}

// statusFor maps pipeline outcomes to HTTP statuses: caller mistakes are
// 400s, everything else that failed is a 500.
func statusFor(resp *analysis.Response) int {
	if resp.Status == "completed" {
		return http.StatusOK
	}
	errType, _ := resp.ErrorDetails["error_type"].(string)
	if errType == "VALIDATION_ERROR" || strings.HasPrefix(errType, "TIME_PARSING_") {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
