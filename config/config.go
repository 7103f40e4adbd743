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

// Package config loads analyzer settings from environment variables and
// validates them before anything else starts.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"

	"github.com/cellwise/peg-analyzer/internal/secret"
)

// Settings is the full analyzer configuration.
type Settings struct {
	AppName        string `validate:"required"`
	AppVersion     string
	AppEnvironment string `validate:"oneof=development production testing"`
	AppLogLevel    string
	AppTimezone    string
	DataTimezone   string

	DBHost     string        `validate:"required"`
	DBPort     int           `validate:"min=1,max=65535"`
	DBName     string        `validate:"required"`
	DBUser     string        `validate:"required"`
	DBPassword secret.String `validate:"required"`
	DBPoolSize int           `validate:"min=1,max=100"`

	LLMProvider    string
	LLMAPIKey      secret.String
	LLMModel       string `validate:"required"`
	LLMEndpoints   []string
	LLMMaxTokens   int           `validate:"min=1"`
	LLMTemperature float64       `validate:"min=0,max=2"`
	LLMTimeout     time.Duration `validate:"min=1s"`
	LLMMaxRetries  int           `validate:"min=0,max=10"`
	LLMRetryDelay  time.Duration `validate:"min=0"`
	LLMMockEnabled bool

	BackendServiceURL string        `validate:"required,url"`
	BackendTimeout    time.Duration `validate:"min=1s"`
	BackendAuthToken  secret.String

	PEGDefaultAggregation        string `validate:"oneof=average sum min max"`
	PEGEnableDerived             bool
	PEGMaxFormulaComplexity      int `validate:"min=1"`
	PEGUseChoi                   bool
	PEGFilterEnabled             bool
	PEGFilterDirPath             string
	PEGFilterDefaultFile         string
	PEGExcludeZeroBothFromPrompt bool

	MaxProcessingTime time.Duration `validate:"min=1s"`

	ServerListenAddr   string `validate:"required"`
	PromptTemplatePath string

	LogFileEnabled bool
	LogFilePath    string
}

// LookupFunc matches os.LookupEnv; injected in tests.
type LookupFunc func(key string) (string, bool)

// Load reads settings from the process environment.
func Load() (*Settings, error) {
	return FromEnv(os.LookupEnv)
}

// FromEnv reads settings through lookup, applies defaults, and validates.
// All problems are reported together.
func FromEnv(lookup LookupFunc) (*Settings, error) {
	var errs *multierror.Error
	env := reader{lookup: lookup, errs: &errs}

	s := &Settings{
		AppName:        env.str("APP_NAME", "peg-analyzer"),
		AppVersion:     env.str("APP_VERSION", "1.0.0"),
		AppEnvironment: strings.ToLower(env.str("APP_ENVIRONMENT", "development")),
		AppLogLevel:    env.str("APP_LOG_LEVEL", "INFO"),
		AppTimezone:    env.str("APP_TIMEZONE", "UTC"),
		DataTimezone:   env.str("DATA_TIMEZONE", "UTC"),

		DBHost:     env.str("DB_HOST", ""),
		DBPort:     env.integer("DB_PORT", 5432),
		DBName:     env.str("DB_NAME", ""),
		DBUser:     env.str("DB_USER", ""),
		DBPassword: secret.String(env.str("DB_PASSWORD", "")),
		DBPoolSize: env.integer("DB_POOL_SIZE", 5),

		LLMProvider:    env.str("LLM_PROVIDER", "local"),
		LLMAPIKey:      secret.String(env.str("LLM_API_KEY", "")),
		LLMModel:       env.str("LLM_MODEL", "Gemma-3-27B"),
		LLMEndpoints:   env.list("LLM_ENDPOINTS"),
		LLMMaxTokens:   env.integer("LLM_MAX_TOKENS", 2000),
		LLMTemperature: env.float("LLM_TEMPERATURE", 0.7),
		LLMTimeout:     env.seconds("LLM_TIMEOUT", 60*time.Second),
		LLMMaxRetries:  env.integer("LLM_MAX_RETRIES", 3),
		LLMRetryDelay:  env.seconds("LLM_RETRY_DELAY", time.Second),
		LLMMockEnabled: env.boolean("LLM_MOCK_ENABLED", false),

		BackendServiceURL: env.str("BACKEND_SERVICE_URL", ""),
		BackendTimeout:    env.seconds("BACKEND_TIMEOUT", 30*time.Second),
		BackendAuthToken:  secret.String(env.str("BACKEND_AUTH_TOKEN", "")),

		PEGDefaultAggregation:        env.str("PEG_DEFAULT_AGGREGATION", "average"),
		PEGEnableDerived:             env.boolean("PEG_ENABLE_DERIVED", true),
		PEGMaxFormulaComplexity:      env.integer("PEG_MAX_FORMULA_COMPLEXITY", 100),
		PEGUseChoi:                   env.boolean("PEG_USE_CHOI", false),
		PEGFilterEnabled:             env.boolean("PEG_FILTER_ENABLED", true),
		PEGFilterDirPath:             env.str("PEG_FILTER_DIR_PATH", "config"),
		PEGFilterDefaultFile:         env.str("PEG_FILTER_DEFAULT_FILE", "peg_filters.csv"),
		PEGExcludeZeroBothFromPrompt: env.boolean("PEG_EXCLUDE_ZERO_BOTH_FROM_PROMPT", true),

		MaxProcessingTime: env.seconds("MAX_PROCESSING_TIME", 300*time.Second),

		ServerListenAddr:   env.str("SERVER_LISTEN_ADDR", ":8000"),
		PromptTemplatePath: env.str("PROMPT_TEMPLATE_PATH", ""),

		LogFileEnabled: env.boolean("LOG_FILE_ENABLED", false),
		LogFilePath:    env.str("LOG_FILE_PATH", "logs/app.log"),
	}

	if single, ok := lookup("LLM_ENDPOINT"); ok && len(s.LLMEndpoints) == 0 {
		if e := strings.TrimSpace(single); e != "" {
			s.LLMEndpoints = []string{e}
		}
	}

	if err := validate(s); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	return s, nil
}

func validate(s *Settings) error {
	v := validator.New()
	err := v.Struct(s)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	var out *multierror.Error
	for _, fe := range verrs {
		out = multierror.Append(out, fmt.Errorf(
			"config field %s failed %q validation (value %v)", fe.Field(), fe.Tag(), fe.Value()))
	}
	return out.ErrorOrNil()
}

// ConnString renders the pgx connection string. The password stays out of
// logs because this value is only handed to the pool constructor.
func (s *Settings) ConnString() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s pool_max_conns=%d pool_min_conns=1",
		s.DBHost, s.DBPort, s.DBName, s.DBUser, s.DBPassword.SecretValue(), s.DBPoolSize)
}

// Summary returns a redacted view of the settings for startup logging.
func (s *Settings) Summary() map[string]any {
	return secret.Redact(map[string]any{
		"app_name":        s.AppName,
		"app_version":     s.AppVersion,
		"app_environment": s.AppEnvironment,
		"app_timezone":    s.AppTimezone,
		"data_timezone":   s.DataTimezone,
		"db_host":         s.DBHost,
		"db_port":         s.DBPort,
		"db_name":         s.DBName,
		"db_user":         s.DBUser,
		"db_password":     s.DBPassword.SecretValue(),
		"db_pool_size":    s.DBPoolSize,
		"llm_provider":    s.LLMProvider,
		"llm_api_key":     s.LLMAPIKey.SecretValue(),
		"llm_model":       s.LLMModel,
		"llm_endpoints":   len(s.LLMEndpoints),
		"llm_mock":        s.LLMMockEnabled,
		"backend_url":     s.BackendServiceURL,
		"backend_token":   s.BackendAuthToken.SecretValue(),
		"peg_aggregation": s.PEGDefaultAggregation,
		"peg_derived":     s.PEGEnableDerived,
		"peg_use_choi":    s.PEGUseChoi,
		"peg_filter_path": s.PEGFilterPath(),
	})
}

// PEGFilterPath resolves the definition CSV location, or "" when the
// filter file is disabled.
func (s *Settings) PEGFilterPath() string {
	if !s.PEGFilterEnabled {
		return ""
	}
	return filepath.Join(s.PEGFilterDirPath, s.PEGFilterDefaultFile)
}

// IsProduction reports whether the deployment environment is production.
func (s *Settings) IsProduction() bool {
	return s.AppEnvironment == "production"
}

type reader struct {
	lookup LookupFunc
	errs   **multierror.Error
}

func (r reader) raw(key string) (string, bool) {
	v, ok := r.lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (r reader) str(key, def string) string {
	if v, ok := r.raw(key); ok {
		return v
	}
	return def
}

func (r reader) list(key string) []string {
	v, ok := r.raw(key)
	if !ok {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (r reader) integer(key string, def int) int {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*r.errs = multierror.Append(*r.errs, fmt.Errorf("%s must be an integer, got %q", key, v))
		return def
	}
	return n
}

func (r reader) float(key string, def float64) float64 {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*r.errs = multierror.Append(*r.errs, fmt.Errorf("%s must be a number, got %q", key, v))
		return def
	}
	return f
}

func (r reader) boolean(key string, def bool) bool {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(strings.ToLower(v))
	if err != nil {
		*r.errs = multierror.Append(*r.errs, fmt.Errorf("%s must be a boolean, got %q", key, v))
		return def
	}
	return b
}

// seconds reads a duration given as a plain number of seconds ("60") or a
// Go duration string ("1m30s").
func (r reader) seconds(key string, def time.Duration) time.Duration {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	if n, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(n * float64(time.Second))
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*r.errs = multierror.Append(*r.errs, fmt.Errorf("%s must be seconds or a duration, got %q", key, v))
		return def
	}
	return d
}
