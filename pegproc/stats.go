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

package pegproc

import (
	"math"
	"sort"

	"github.com/cellwise/peg-analyzer/pegstore"
)

// Stats summarizes the raw samples of one PEG within one window.
// Std is the sample standard deviation; it is zero for fewer than two
// samples.
type Stats struct {
	Avg   float64
	Pct95 float64
	Pct99 float64
	Min   float64
	Max   float64
	Count int
	Std   float64
}

// windowStats computes per-PEG statistics over raw samples, ignoring
// dimension splits.
func windowStats(samples []pegstore.Sample) map[string]Stats {
	values := map[string][]float64{}
	for _, sm := range samples {
		values[sm.PEGName] = append(values[sm.PEGName], sm.Value)
	}
	out := make(map[string]Stats, len(values))
	for peg, vs := range values {
		out[peg] = summarize(vs)
	}
	return out
}

func summarize(vs []float64) Stats {
	sorted := append([]float64(nil), vs...)
	sort.Float64s(sorted)

	sum := 0.0
	for _, v := range sorted {
		sum += v
	}
	mean := sum / float64(len(sorted))

	variance := 0.0
	if len(sorted) > 1 {
		for _, v := range sorted {
			d := v - mean
			variance += d * d
		}
		variance /= float64(len(sorted) - 1)
	}

	return Stats{
		Avg:   mean,
		Pct95: percentile(sorted, 0.95),
		Pct99: percentile(sorted, 0.99),
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Count: len(sorted),
		Std:   math.Sqrt(variance),
	}
}

// percentile interpolates linearly between closest ranks; vs must be
// sorted and non-empty.
func percentile(vs []float64, q float64) float64 {
	if len(vs) == 1 {
		return vs[0]
	}
	pos := q * float64(len(vs)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return vs[lo]
	}
	frac := pos - float64(lo)
	return vs[lo] + (vs[hi]-vs[lo])*frac
}
