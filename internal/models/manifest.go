package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
)

// CampaignPeriodName is the manifest key of a year's campaign sub-range
const CampaignPeriodName = "campaign_period"

// rangeKey is the reserved manifest key holding a year's own range
const rangeKey = "range"

// Range is an inclusive [from, to] pair of epoch-millisecond timestamps
type Range [2]int64

// From returns the first timestamp covered by the range
func (r Range) From() int64 { return r[0] }

// To returns the last timestamp covered by the range
func (r Range) To() int64 { return r[1] }

// Intersects reports whether r overlaps the inclusive interval [from, to]
func (r Range) Intersects(from, to int64) bool {
	return r[1] >= from && r[0] <= to
}

// UnmarshalJSON accepts any JSON numbers, including float-encoded millis
func (r *Range) UnmarshalJSON(data []byte) error {
	var raw []float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return &ValidationError{Field: "range", Value: string(data), Message: "range must be a [from, to] number pair"}
	}
	if len(raw) != 2 {
		return &ValidationError{Field: "range", Value: string(data), Message: "range must have exactly two entries"}
	}
	r[0] = int64(math.Round(raw[0]))
	r[1] = int64(math.Round(raw[1]))
	if r[0] > r[1] {
		return &ValidationError{Field: "range", Value: string(data), Message: "range start is after range end"}
	}
	return nil
}

// Period is one fetchable time slice of polling data
type Period struct {
	Name  string `json:"-"`
	Range Range  `json:"range"`
	URL   string `json:"url"`
}

// Year groups the periods published for one election cycle
type Year struct {
	Name    string
	Range   Range
	Periods []*Period
}

// Period returns the named period or nil
func (y *Year) Period(name string) *Period {
	for _, p := range y.Periods {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// Index is the remote manifest. Years and periods keep document order so the
// dataset is always assembled in the order the upstream publishes it.
type Index struct {
	Years []*Year
}

// Year returns the named year or nil
func (ix *Index) Year(name string) *Year {
	if ix == nil {
		return nil
	}
	for _, y := range ix.Years {
		if y.Name == name {
			return y
		}
	}
	return nil
}

// LatestYear returns the year whose range ends last. Ties go to the later entry.
func (ix *Index) LatestYear() *Year {
	if ix == nil {
		return nil
	}
	var latest *Year
	for _, y := range ix.Years {
		if latest == nil || y.Range.To() >= latest.Range.To() {
			latest = y
		}
	}
	return latest
}

// UnmarshalJSON decodes the year -> {range, period...} object while keeping key order
func (ix *Index) UnmarshalJSON(data []byte) error {
	var years []*Year
	err := decodeOrderedObject(data, func(name string, raw json.RawMessage) error {
		year, err := decodeYear(name, raw)
		if err != nil {
			return err
		}
		years = append(years, year)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to decode index: %w", err)
	}
	ix.Years = years
	return nil
}

func decodeYear(name string, data json.RawMessage) (*Year, error) {
	year := &Year{Name: name}
	err := decodeOrderedObject(data, func(key string, raw json.RawMessage) error {
		if key == rangeKey {
			return json.Unmarshal(raw, &year.Range)
		}
		period := &Period{Name: key}
		if err := json.Unmarshal(raw, period); err != nil {
			return fmt.Errorf("period %s/%s: %w", name, key, err)
		}
		year.Periods = append(year.Periods, period)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("year %s: %w", name, err)
	}
	return year, nil
}

// decodeOrderedObject walks a JSON object's members in document order
func decodeOrderedObject(data []byte, fn func(key string, raw json.RawMessage) error) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("expected JSON object, got %v", tok)
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("unexpected object key %v", keyTok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		if err := fn(key, raw); err != nil {
			return err
		}
	}
	_, err = dec.Token()
	return err
}
