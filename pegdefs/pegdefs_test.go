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

package pegdefs

import (
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/cellwise/peg-analyzer/internal/logging"
)

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pegs.csv")
	assert.NilError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadMixedRows(t *testing.T) {
	path := writeCSV(t, `family_id,peg_name,define
5002,RachPreamble,
5002,RachResponse,
4100,AirMacULByte,
,,randomaccess_rate = RachResponse / RachPreamble * 100
,,throughput_mb = AirMacULByte / 1048576
`)
	defs := Load(path, logging.DiscardLogger())

	assert.DeepEqual(t, defs.FamilyFilters, map[int][]string{
		5002: {"RachPreamble", "RachResponse"},
		4100: {"AirMacULByte"},
	})

	assert.Equal(t, len(defs.Derived), 2)
	assert.Equal(t, defs.Derived[0].Name, "randomaccess_rate")
	assert.Equal(t, defs.Derived[0].Formula, "RachResponse / RachPreamble * 100")
	assert.DeepEqual(t, defs.Derived[0].Dependencies, []string{"RachResponse", "RachPreamble"})
	assert.Equal(t, defs.Derived[1].Name, "throughput_mb")
}

func TestLoadSkipsBadRows(t *testing.T) {
	path := writeCSV(t, `family_id,peg_name,define
abc,BadFamily,
5002,,
,,no equals sign here
,," = missing_name"
5002,GoodPeg,
5002,GoodPeg,
`)
	defs := Load(path, logging.DiscardLogger())

	assert.DeepEqual(t, defs.FamilyFilters, map[int][]string{5002: {"GoodPeg"}})
	assert.Equal(t, len(defs.Derived), 0)
}

func TestLoadMissingFile(t *testing.T) {
	defs := Load(filepath.Join(t.TempDir(), "nope.csv"), logging.DiscardLogger())
	assert.Equal(t, len(defs.Derived), 0)
	assert.Equal(t, len(defs.FamilyFilters), 0)
}

func TestLoadEmptyPath(t *testing.T) {
	defs := Load("", logging.DiscardLogger())
	assert.Equal(t, len(defs.FamilyFilters), 0)
}
