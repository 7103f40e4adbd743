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

// Package apperr defines the error taxonomy the analyzer reports over the
// wire. Every failure surfaced to a caller is a *ServiceError carrying a
// stable error type string plus structured details.
package apperr

import (
	"errors"
	"fmt"
)

// Error classification.
const (
	Validation  = "VALIDATION"
	TimeParsing = "TIME_PARSING"
	Processing  = "PEG_PROCESSING"
	Database    = "DATABASE"
	LLM         = "LLM"
	Backend     = "BACKEND"
)

// Time parsing failure subtypes.
const (
	TimeTypeError   = "TIME_PARSING_TYPE_ERROR"
	TimeFormatError = "TIME_PARSING_FORMAT_ERROR"
	TimeValueError  = "TIME_PARSING_VALUE_ERROR"
	TimeLogicError  = "TIME_PARSING_LOGIC_ERROR"
)

// LLM failure subtypes.
const (
	LLMClientError  = "LLM_CLIENT_ERROR"
	LLMServerError  = "LLM_SERVER_ERROR"
	LLMTimeoutError = "LLM_TIMEOUT_ERROR"
	LLMParseError   = "LLM_PARSE_ERROR"
)

// Backend failure subtypes.
const (
	BackendSchemaError  = "BACKEND_SCHEMA_ERROR"
	BackendHTTPError    = "BACKEND_HTTP_ERROR"
	BackendTimeoutError = "BACKEND_TIMEOUT_ERROR"
)

// Processing steps reported with PEG_PROCESSING_ERROR.
const (
	StepDataRetrieval        = "data_retrieval"
	StepDataValidation       = "data_validation"
	StepAggregation          = "aggregation"
	StepDerivedCalculation   = "derived_calculation"
	StepDependencyResolution = "dependency_resolution"
)

// ServiceError is the analyzer's wire-visible error value.
type ServiceError struct {
	// Type is the stable error_type string, e.g. "TIME_PARSING_FORMAT_ERROR".
	Type    string
	Class   string
	Message string
	Details map[string]any
	Cause   error
}

func (e *ServiceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *ServiceError) Unwrap() error {
	return e.Cause
}

// WithDetail returns e with an extra detail entry set.
func (e *ServiceError) WithDetail(key string, value any) *ServiceError {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

// NewValidation reports a request that failed validation.
func NewValidation(msg string, details map[string]any) *ServiceError {
	return &ServiceError{
		Type:    "VALIDATION_ERROR",
		Class:   Validation,
		Message: msg,
		Details: details,
	}
}

// NewTimeParsing reports a time range parse failure. typ must be one of the
// TIME_PARSING_* subtype constants.
func NewTimeParsing(typ, msg string, details map[string]any) *ServiceError {
	return &ServiceError{
		Type:    typ,
		Class:   TimeParsing,
		Message: msg,
		Details: details,
	}
}

// NewProcessing reports a PEG processing failure at the given step.
func NewProcessing(step, msg string, cause error) *ServiceError {
	return &ServiceError{
		Type:    "PEG_PROCESSING_ERROR",
		Class:   Processing,
		Message: msg,
		Details: map[string]any{"processing_step": step},
		Cause:   cause,
	}
}

// NewDatabase reports a query or connection failure. details must already
// be safe for logging (no credentials, parameter names only).
func NewDatabase(msg string, cause error, details map[string]any) *ServiceError {
	return &ServiceError{
		Type:    "DATABASE_ERROR",
		Class:   Database,
		Message: msg,
		Details: details,
		Cause:   cause,
	}
}

// NewLLM reports an LLM interaction failure. typ must be one of the LLM_*
// subtype constants.
func NewLLM(typ, msg string, cause error) *ServiceError {
	return &ServiceError{
		Type:    typ,
		Class:   LLM,
		Message: msg,
		Cause:   cause,
	}
}

// NewBackend reports a backend delivery failure. typ must be one of the
// BACKEND_* subtype constants.
func NewBackend(typ, msg string, cause error) *ServiceError {
	return &ServiceError{
		Type:    typ,
		Class:   Backend,
		Message: msg,
		Cause:   cause,
	}
}

// As unwraps err into a *ServiceError if it is or wraps one.
func As(err error) (*ServiceError, bool) {
	var se *ServiceError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// Wire flattens err into the (error_type, message, details) triple used by
// error responses. Non-service errors map to an internal error type.
func Wire(err error) (string, string, map[string]any) {
	if se, ok := As(err); ok {
		return se.Type, se.Message, se.Details
	}
	return "INTERNAL_ERROR", err.Error(), nil
}
