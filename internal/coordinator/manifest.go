package coordinator

import (
	"time"

	"pollster-audit/internal/models"
)

type span struct {
	from, to int64
}

func (s span) startTime() time.Time { return time.UnixMilli(s.from).UTC() }
func (s span) endTime() time.Time   { return time.UnixMilli(s.to).UTC() }

// latestPeriodRange is the period of the latest year that ends last
func latestPeriodRange(ix *models.Index) (span, bool) {
	year := ix.LatestYear()
	if year == nil {
		return span{}, false
	}
	var latest *models.Period
	for _, p := range year.Periods {
		if latest == nil || p.Range.To() >= latest.Range.To() {
			latest = p
		}
	}
	if latest == nil {
		return span{}, false
	}
	return span{latest.Range.From(), latest.Range.To()}, true
}

// latestCampaignRange is the campaign period, across all years, that ends last
func latestCampaignRange(ix *models.Index) (span, bool) {
	if ix == nil {
		return span{}, false
	}
	var latest *models.Period
	for _, y := range ix.Years {
		p := y.Period(models.CampaignPeriodName)
		if p == nil {
			continue
		}
		if latest == nil || p.Range.To() >= latest.Range.To() {
			latest = p
		}
	}
	if latest == nil {
		return span{}, false
	}
	return span{latest.Range.From(), latest.Range.To()}, true
}

// latestPreCampaignRange is the union of the latest year's periods other than
// its campaign period. The pre-campaign may be split over several periods.
func latestPreCampaignRange(ix *models.Index) (span, bool) {
	year := ix.LatestYear()
	if year == nil {
		return span{}, false
	}
	var out span
	found := false
	for _, p := range year.Periods {
		if p.Name == models.CampaignPeriodName {
			continue
		}
		if !found {
			out = span{p.Range.From(), p.Range.To()}
			found = true
			continue
		}
		if p.Range.From() < out.from {
			out.from = p.Range.From()
		}
		if p.Range.To() > out.to {
			out.to = p.Range.To()
		}
	}
	return out, found
}
