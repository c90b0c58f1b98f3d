package models

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Standard headings every period payload understands. Any other heading is a series column.
const (
	HeadingPollingFirm   = "PollingFirm"
	HeadingDate          = "Date"
	HeadingCitation      = "Citation"
	HeadingMarginOfError = "MarginOfError"
	HeadingSampleSize    = "SampleSize"
)

// IsStandardHeading reports whether heading is one of the fixed, non-series columns
func IsStandardHeading(heading string) bool {
	switch heading {
	case HeadingPollingFirm, HeadingDate, HeadingCitation, HeadingMarginOfError, HeadingSampleSize:
		return true
	}
	return false
}

// PeriodPayload is the downloaded body of one period. Column positions are
// only meaningful against this payload's own Headings.
type PeriodPayload struct {
	Headings []string `json:"headings"`
	Data     [][]any  `json:"data"`
}

// Schema indexes a payload's headings by name
type Schema struct {
	Headings []string
	index    map[string]int
}

// Schema builds the heading index for p
func (p *PeriodPayload) Schema() *Schema {
	s := &Schema{Headings: p.Headings, index: make(map[string]int, len(p.Headings))}
	for i, h := range p.Headings {
		if _, dup := s.index[h]; !dup {
			s.index[h] = i
		}
	}
	return s
}

// Index returns the column of heading, or -1
func (s *Schema) Index(heading string) int {
	if i, ok := s.index[heading]; ok {
		return i
	}
	return -1
}

// Cell returns row[heading] or nil when the heading or cell is absent
func (s *Schema) Cell(row []any, heading string) any {
	i := s.Index(heading)
	if i < 0 || i >= len(row) {
		return nil
	}
	return row[i]
}

// DownloadedPeriod couples a manifest period with its payload
type DownloadedPeriod struct {
	Year    string
	Period  *Period
	Payload *PeriodPayload
}

// NumericValue coerces a decoded JSON cell into a number. nil, NaN, booleans,
// empty and non-numeric strings are all "missing".
func NumericValue(v any) (float64, bool) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case json.Number:
		parsed, err := t.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// StringValue renders a cell as text; numbers keep their shortest form
func StringValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
