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

// Package timerange parses the analysis window strings accepted by the
// API. Two shapes are allowed: an explicit range
// "YYYY-MM-DD_HH:MM~YYYY-MM-DD_HH:MM" (a '-' is also accepted between
// date and time) and a bare date "YYYY-MM-DD", which expands to the whole
// day.
package timerange

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/cellwise/peg-analyzer/apperr"
	"github.com/cellwise/peg-analyzer/internal/logging"
)

// Range is a parsed, timezone-aware analysis window.
type Range struct {
	Start time.Time
	End   time.Time
}

// Text renders the range in the canonical request format.
func (r Range) Text() string {
	return r.Start.Format("2006-01-02_15:04") + "~" + r.End.Format("2006-01-02_15:04")
}

var (
	datePattern     = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	datetimeFlex    = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}[_-]\d{2}:\d{2}$`)
	spaceSeparator  = regexp.MustCompile(`\d{4}-\d{2}-\d{2} \d{2}:\d{2}`)
	dashTime        = regexp.MustCompile(`\d{2}-\d{2}`)
	datetimeFlexSub = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[_-]\d{2}:\d{2}`)
)

// Fixed offsets for the timezone names the deployment supports. DST is
// intentionally ignored; windows are interpreted at a constant offset.
var timezoneOffsets = map[string]int{
	"UTC":              0,
	"Asia/Seoul":       9 * 3600,
	"Asia/Tokyo":       9 * 3600,
	"America/New_York": -5 * 3600,
	"Europe/London":    0,
}

// Parser converts window strings to concrete time ranges in the
// application timezone.
type Parser struct {
	loc *time.Location
	log logging.StructuredLogger
}

// NewParser resolves the application timezone name to a fixed offset.
// Unknown names fall back to UTC with a warning.
func NewParser(appTimezone string, log logging.StructuredLogger) *Parser {
	offset, ok := timezoneOffsets[appTimezone]
	if !ok {
		log.Warnf("unknown APP_TIMEZONE %q, falling back to UTC", appTimezone)
		return &Parser{loc: time.UTC, log: log}
	}
	if offset == 0 {
		return &Parser{loc: time.UTC, log: log}
	}
	name := fmt.Sprintf("UTC%+03d:%02d", offset/3600, abs(offset%3600)/60)
	return &Parser{loc: time.FixedZone(name, offset), log: log}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// Location returns the parser's fixed-offset location.
func (p *Parser) Location() *time.Location {
	return p.loc
}

const exampleHint = "example: 2025-08-08_15:00~2025-08-08_19:00 or 2025-08-08-15:00~2025-08-08-19:00 or 2025-08-08"

// ParseValue accepts a window value as it appeared in the request body.
// Anything that is not a string is a TIME_PARSING_TYPE_ERROR.
func (p *Parser) ParseValue(v any) (Range, error) {
	s, ok := v.(string)
	if !ok {
		return Range{}, apperr.NewTimeParsing(apperr.TimeTypeError,
			fmt.Sprintf("time range must be a string, got %T", v),
			map[string]any{"input_value": fmt.Sprintf("%v", v), "hint": exampleHint})
	}
	return p.Parse(s)
}

// Parse validates and parses a window string. All failures are
// TIME_PARSING_* service errors.
func (p *Parser) Parse(rangeText string) (Range, error) {
	text := strings.TrimSpace(rangeText)
	if text == "" {
		return Range{}, apperr.NewTimeParsing(apperr.TimeFormatError,
			"empty time range string",
			map[string]any{"input_value": rangeText, "hint": exampleHint})
	}

	var r Range
	var err error
	switch {
	case strings.Contains(text, "~"):
		r, err = p.parseRange(text)
	case datePattern.MatchString(text):
		r, err = p.parseSingleDate(text)
	default:
		return Range{}, apperr.NewTimeParsing(apperr.TimeFormatError,
			"unrecognized time range format (expected YYYY-MM-DD_HH:MM~YYYY-MM-DD_HH:MM or YYYY-MM-DD)",
			map[string]any{"input_value": text, "hint": formatHint(text)})
	}
	if err != nil {
		return Range{}, err
	}

	if r.Start.Equal(r.End) {
		return Range{}, apperr.NewTimeParsing(apperr.TimeLogicError,
			"zero-length time range is not allowed",
			map[string]any{"input_value": rangeText})
	}
	if r.Start.After(r.End) {
		return Range{}, apperr.NewTimeParsing(apperr.TimeLogicError,
			"start time must be before end time",
			map[string]any{"input_value": rangeText})
	}
	return r, nil
}

func (p *Parser) parseRange(text string) (Range, error) {
	if strings.Count(text, "~") != 1 {
		return Range{}, apperr.NewTimeParsing(apperr.TimeFormatError,
			"range separator '~' missing or repeated",
			map[string]any{"input_value": text, "hint": exampleHint})
	}
	parts := strings.SplitN(text, "~", 2)
	left := strings.TrimSpace(parts[0])
	right := strings.TrimSpace(parts[1])
	if left == "" || right == "" {
		return Range{}, apperr.NewTimeParsing(apperr.TimeFormatError,
			"both start and end times are required",
			map[string]any{"input_value": text})
	}

	for _, side := range []string{left, right} {
		if !datetimeFlex.MatchString(side) {
			return Range{}, apperr.NewTimeParsing(apperr.TimeFormatError,
				"time must look like YYYY-MM-DD_HH:MM or YYYY-MM-DD-HH:MM",
				map[string]any{"input_value": side})
		}
	}

	start, err := p.parseDatetime(normalizeSeparator(left))
	if err != nil {
		return Range{}, apperr.NewTimeParsing(apperr.TimeValueError,
			fmt.Sprintf("invalid date or time: %v", err),
			map[string]any{"input_value": text})
	}
	end, err := p.parseDatetime(normalizeSeparator(right))
	if err != nil {
		return Range{}, apperr.NewTimeParsing(apperr.TimeValueError,
			fmt.Sprintf("invalid date or time: %v", err),
			map[string]any{"input_value": text})
	}
	return Range{Start: start, End: end}, nil
}

func (p *Parser) parseSingleDate(text string) (Range, error) {
	day, err := time.ParseInLocation("2006-01-02", text, p.loc)
	if err != nil {
		return Range{}, apperr.NewTimeParsing(apperr.TimeValueError,
			fmt.Sprintf("invalid date: %v", err),
			map[string]any{"input_value": text})
	}
	start := day
	end := day.Add(23*time.Hour + 59*time.Minute + 59*time.Second)
	p.log.Debugf("expanded single date %s to %s ~ %s", text, start, end)
	return Range{Start: start, End: end}, nil
}

func (p *Parser) parseDatetime(text string) (time.Time, error) {
	return time.ParseInLocation("2006-01-02_15:04", text, p.loc)
}

// normalizeSeparator rewrites YYYY-MM-DD-HH:MM to YYYY-MM-DD_HH:MM. Only
// the last '-' is touched, and only when it precedes a time-of-day.
func normalizeSeparator(dt string) string {
	if !strings.Contains(dt, ":") || strings.Count(dt, "-") < 3 {
		return dt
	}
	i := strings.LastIndex(dt, "-")
	if !strings.Contains(dt[i+1:], ":") {
		return dt
	}
	return dt[:i] + "_" + dt[i+1:]
}

// formatHint points at the two typos users actually make.
func formatHint(text string) string {
	if spaceSeparator.MatchString(text) {
		return "separate date and time with '_' or '-', not a space"
	}
	if dashTime.MatchString(text) && !datetimeFlexSub.MatchString(text) {
		return "times must look like '15:00', not '15-00'"
	}
	return exampleHint
}
