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

// Package version holds the build version stamped in via -ldflags.
package version

// Version is the analyzer release version. Overridden at build time with
// -ldflags "-X github.com/cellwise/peg-analyzer/internal/version.Version=...".
var Version = "1.0.0"

// WorkflowVersion identifies the analysis workflow revision reported in
// result metadata and backend payloads.
const WorkflowVersion = "4.0"
