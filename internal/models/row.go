package models

// Row is one normalized poll. Series (party) readings live in Values; a
// series that is missing or non-numeric in the source is absent from the map.
type Row struct {
	PollingFirm   string             `json:"PollingFirm"`
	Date          int64              `json:"date"`
	MarginOfError *float64           `json:"MarginOfError"`
	SampleSize    *float64           `json:"SampleSize"`
	Values        map[string]float64 `json:"values"`
}

// Value returns the reading for series and whether it is present
func (r Row) Value(series string) (float64, bool) {
	v, ok := r.Values[series]
	return v, ok
}

// WeightedPoint is a chart point for one series. Weight is derived at draw time.
type WeightedPoint struct {
	X             int64    `json:"x"`
	Y             float64  `json:"y"`
	Firm          string   `json:"firm"`
	SampleSize    *float64 `json:"SampleSize"`
	MarginOfError *float64 `json:"MarginOfError"`
	Weight        float64  `json:"weight"`
}

// Float returns a pointer to v, for optional numeric fields
func Float(v float64) *float64 {
	return &v
}
