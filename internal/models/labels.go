package models

// Labels are the pre-resolved, localized strings shown by the dashboard. They
// are opaque text: the service never interprets them beyond concatenation.
type Labels struct {
	Locale string `yaml:"locale" json:"locale"`

	AllFirms    string `yaml:"all_firms" json:"allFirms"`
	PollingFirm string `yaml:"polling_firm" json:"pollingFirm"`

	Party        string `yaml:"party" json:"party"`
	Mean         string `yaml:"mean" json:"mean"`
	StdDev       string `yaml:"std_dev" json:"stdDev"`
	HouseEffect  string `yaml:"house_effect" json:"houseEffect"`
	Outliers     string `yaml:"outliers" json:"outliers"`
	OutlierRatio string `yaml:"outlier_ratio" json:"outlierRatio"`
	Trend        string `yaml:"trend" json:"trend"`

	FirmTrendOverTime              string `yaml:"firm_trend_over_time" json:"firmTrendOverTime"`
	PollingPercentage              string `yaml:"polling_percentage" json:"pollingPercentage"`
	Others                         string `yaml:"others" json:"others"`
	Date                           string `yaml:"date" json:"date"`
	PollingPercentagesDistribution string `yaml:"polling_percentages_distribution" json:"pollingPercentagesDistribution"`
	Distribution                   string `yaml:"distribution" json:"distribution"`

	All               string `yaml:"all" json:"all"`
	Last7Days         string `yaml:"last_7_days" json:"last7Days"`
	Last30Days        string `yaml:"last_30_days" json:"last30Days"`
	Last6Months       string `yaml:"last_6_months" json:"last6Months"`
	SinceLastElection string `yaml:"since_last_election" json:"sinceLastElection"`
	CampaignPeriod    string `yaml:"campaign_period" json:"campaignPeriod"`
	PreCampaignPeriod string `yaml:"pre_campaign_period" json:"preCampaignPeriod"`
	To                string `yaml:"to" json:"to"`
	Since             string `yaml:"since" json:"since"`
	MustBeBefore      string `yaml:"must_be_before" json:"mustBeBefore"`
}

// DefaultLabels is the English label set
func DefaultLabels() Labels {
	return Labels{
		Locale: "en-CA",

		AllFirms:    "All firms",
		PollingFirm: "Polling firm",

		Party:        "Party",
		Mean:         "Mean",
		StdDev:       "Std. dev.",
		HouseEffect:  "House effect",
		Outliers:     "Outliers",
		OutlierRatio: "Outlier ratio",
		Trend:        "Trend (pts/day)",

		FirmTrendOverTime:              "Polling trend over time",
		PollingPercentage:              "Polling percentage",
		Others:                         "Others",
		Date:                           "Date",
		PollingPercentagesDistribution: "Distribution of polling percentages",
		Distribution:                   "Distribution",

		All:               "All",
		Last7Days:         "Last 7 days",
		Last30Days:        "Last 30 days",
		Last6Months:       "Last 6 months",
		SinceLastElection: "Since last election",
		CampaignPeriod:    "Campaign period",
		PreCampaignPeriod: "Pre-campaign period",
		To:                "to",
		Since:             "Since",
		MustBeBefore:      "The start date must be before the end date.",
	}
}

// Merge returns l with every empty field filled from fallback
func (l Labels) Merge(fallback Labels) Labels {
	pick := func(v, f string) string {
		if v == "" {
			return f
		}
		return v
	}
	return Labels{
		Locale:                         pick(l.Locale, fallback.Locale),
		AllFirms:                       pick(l.AllFirms, fallback.AllFirms),
		PollingFirm:                    pick(l.PollingFirm, fallback.PollingFirm),
		Party:                          pick(l.Party, fallback.Party),
		Mean:                           pick(l.Mean, fallback.Mean),
		StdDev:                         pick(l.StdDev, fallback.StdDev),
		HouseEffect:                    pick(l.HouseEffect, fallback.HouseEffect),
		Outliers:                       pick(l.Outliers, fallback.Outliers),
		OutlierRatio:                   pick(l.OutlierRatio, fallback.OutlierRatio),
		Trend:                          pick(l.Trend, fallback.Trend),
		FirmTrendOverTime:              pick(l.FirmTrendOverTime, fallback.FirmTrendOverTime),
		PollingPercentage:              pick(l.PollingPercentage, fallback.PollingPercentage),
		Others:                         pick(l.Others, fallback.Others),
		Date:                           pick(l.Date, fallback.Date),
		PollingPercentagesDistribution: pick(l.PollingPercentagesDistribution, fallback.PollingPercentagesDistribution),
		Distribution:                   pick(l.Distribution, fallback.Distribution),
		All:                            pick(l.All, fallback.All),
		Last7Days:                      pick(l.Last7Days, fallback.Last7Days),
		Last30Days:                     pick(l.Last30Days, fallback.Last30Days),
		Last6Months:                    pick(l.Last6Months, fallback.Last6Months),
		SinceLastElection:              pick(l.SinceLastElection, fallback.SinceLastElection),
		CampaignPeriod:                 pick(l.CampaignPeriod, fallback.CampaignPeriod),
		PreCampaignPeriod:              pick(l.PreCampaignPeriod, fallback.PreCampaignPeriod),
		To:                             pick(l.To, fallback.To),
		Since:                          pick(l.Since, fallback.Since),
		MustBeBefore:                   pick(l.MustBeBefore, fallback.MustBeBefore),
	}
}
