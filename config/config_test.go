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

package config

import (
	"strings"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func lookupFrom(env map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func minimalEnv() map[string]string {
	return map[string]string{
		"DB_HOST":             "db.local",
		"DB_NAME":             "netperf",
		"DB_USER":             "peg",
		"DB_PASSWORD":         "hunter2",
		"BACKEND_SERVICE_URL": "http://backend.local:8000",
	}
}

func TestFromEnvDefaults(t *testing.T) {
	s, err := FromEnv(lookupFrom(minimalEnv()))
	assert.NilError(t, err)

	assert.Equal(t, s.AppName, "peg-analyzer")
	assert.Equal(t, s.AppEnvironment, "development")
	assert.Equal(t, s.DBPort, 5432)
	assert.Equal(t, s.DBPoolSize, 5)
	assert.Equal(t, s.LLMProvider, "local")
	assert.Equal(t, s.LLMModel, "Gemma-3-27B")
	assert.Equal(t, s.LLMTimeout, 60*time.Second)
	assert.Equal(t, s.LLMMaxRetries, 3)
	assert.Equal(t, s.LLMRetryDelay, time.Second)
	assert.Equal(t, s.BackendTimeout, 30*time.Second)
	assert.Equal(t, s.PEGDefaultAggregation, "average")
	assert.Equal(t, s.PEGEnableDerived, true)
	assert.Equal(t, s.PEGUseChoi, false)
	assert.Equal(t, s.PEGMaxFormulaComplexity, 100)
	assert.Equal(t, s.PEGExcludeZeroBothFromPrompt, true)
	assert.Equal(t, s.PEGFilterPath(), "config/peg_filters.csv")
	assert.Equal(t, s.MaxProcessingTime, 300*time.Second)
}

func TestPEGFilterDisabled(t *testing.T) {
	env := minimalEnv()
	env["PEG_FILTER_ENABLED"] = "false"
	s, err := FromEnv(lookupFrom(env))
	assert.NilError(t, err)
	assert.Equal(t, s.PEGFilterPath(), "")
}

func TestFromEnvMissingRequired(t *testing.T) {
	_, err := FromEnv(lookupFrom(map[string]string{}))
	assert.Assert(t, err != nil)
	// Every missing required field is reported, not just the first.
	msg := err.Error()
	for _, field := range []string{"DBHost", "DBName", "DBUser", "DBPassword", "BackendServiceURL"} {
		assert.Assert(t, strings.Contains(msg, field), "expected %s in %q", field, msg)
	}
}

func TestFromEnvParsesOverrides(t *testing.T) {
	env := minimalEnv()
	env["APP_ENVIRONMENT"] = "Production"
	env["LLM_ENDPOINTS"] = "http://gpu-a:8080, http://gpu-b:8080 ,"
	env["LLM_TIMEOUT"] = "180"
	env["LLM_RETRY_DELAY"] = "1.5"
	env["BACKEND_TIMEOUT"] = "45s"
	env["LLM_MOCK_ENABLED"] = "true"
	env["PEG_USE_CHOI"] = "1"

	s, err := FromEnv(lookupFrom(env))
	assert.NilError(t, err)
	assert.Equal(t, s.AppEnvironment, "production")
	assert.Assert(t, s.IsProduction())
	assert.DeepEqual(t, s.LLMEndpoints, []string{"http://gpu-a:8080", "http://gpu-b:8080"})
	assert.Equal(t, s.LLMTimeout, 180*time.Second)
	assert.Equal(t, s.LLMRetryDelay, 1500*time.Millisecond)
	assert.Equal(t, s.BackendTimeout, 45*time.Second)
	assert.Equal(t, s.LLMMockEnabled, true)
	assert.Equal(t, s.PEGUseChoi, true)
}

func TestFromEnvSingleEndpointFallback(t *testing.T) {
	env := minimalEnv()
	env["LLM_ENDPOINT"] = "http://gpu-a:8080"
	s, err := FromEnv(lookupFrom(env))
	assert.NilError(t, err)
	assert.DeepEqual(t, s.LLMEndpoints, []string{"http://gpu-a:8080"})
}

func TestFromEnvRejectsBadValues(t *testing.T) {
	env := minimalEnv()
	env["DB_PORT"] = "not-a-port"
	env["APP_ENVIRONMENT"] = "staging"
	_, err := FromEnv(lookupFrom(env))
	assert.Assert(t, err != nil)
	assert.Assert(t, strings.Contains(err.Error(), "DB_PORT"))
	assert.Assert(t, strings.Contains(err.Error(), "AppEnvironment"))
}

func TestSummaryRedactsSecrets(t *testing.T) {
	env := minimalEnv()
	env["LLM_API_KEY"] = "sk-verysecret"
	s, err := FromEnv(lookupFrom(env))
	assert.NilError(t, err)

	summary := s.Summary()
	assert.Equal(t, summary["db_password"], "***REDACTED***")
	assert.Equal(t, summary["llm_api_key"], "***REDACTED***")
	assert.Equal(t, summary["db_host"], "db.local")
}

func TestConnStringCarriesPool(t *testing.T) {
	s, err := FromEnv(lookupFrom(minimalEnv()))
	assert.NilError(t, err)
	cs := s.ConnString()
	assert.Assert(t, strings.Contains(cs, "host=db.local"))
	assert.Assert(t, strings.Contains(cs, "pool_max_conns=5"))
	assert.Assert(t, strings.Contains(cs, "password=hunter2"))
}
