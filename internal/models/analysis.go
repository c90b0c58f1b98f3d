package models

// PartyMetrics summarizes one firm's readings for one series
type PartyMetrics struct {
	Count        int     `json:"count"`
	Mean         float64 `json:"mean"`
	Std          float64 `json:"std"`
	HouseEffect  float64 `json:"houseEffect"`
	Outliers     int     `json:"outliers"`
	OutlierRatio float64 `json:"outlierRatio"`
	TrendSlope   float64 `json:"trendSlope"` // units per day
}

// OverallMetrics holds firm-wide figures that are not per series
type OverallMetrics struct {
	AvgMargin float64 `json:"avgMargin"`
}

// FirmMetrics is one row block of the bias analysis
type FirmMetrics struct {
	Firm    string                  `json:"firm"`
	Polls   int                     `json:"polls"`
	Parties map[string]PartyMetrics `json:"parties"`
	Overall OverallMetrics          `json:"Overall"`
}

// Analysis is the full bias analysis for a dataset, firms in display order
type Analysis struct {
	Parties         []string           `json:"parties"`
	OverallAverages map[string]float64 `json:"overallAverages"`
	Firms           []FirmMetrics      `json:"firms"`
}
