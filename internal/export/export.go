// Package export writes offline snapshots of a dataset: the polls in long
// format as Parquet and the bias analysis as an Excel workbook.
package export

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/parquet-go/parquet-go"
	"github.com/xuri/excelize/v2"

	"pollster-audit/internal/models"
)

// PollRecord is the Parquet schema of one series reading of one poll
type PollRecord struct {
	Firm          string   `parquet:"firm"`
	Date          int64    `parquet:"date,timestamp(millisecond)"` // Unix ms
	Series        string   `parquet:"series"`
	Value         float64  `parquet:"value"`
	SampleSize    *float64 `parquet:"sample_size,optional"`
	MarginOfError *float64 `parquet:"margin_of_error,optional"`
}

// Records flattens rows into one record per present series value. Tracked
// series come first in configured order, any others follow by name.
func Records(rows []models.Row, parties []string) []PollRecord {
	tracked := make(map[string]bool, len(parties))
	for _, p := range parties {
		tracked[p] = true
	}

	var records []PollRecord
	for _, r := range rows {
		order := append([]string(nil), parties...)
		var extra []string
		for series := range r.Values {
			if !tracked[series] {
				extra = append(extra, series)
			}
		}
		sort.Strings(extra)
		order = append(order, extra...)

		for _, series := range order {
			v, ok := r.Value(series)
			if !ok {
				continue
			}
			records = append(records, PollRecord{
				Firm:          r.PollingFirm,
				Date:          r.Date,
				Series:        series,
				Value:         v,
				SampleSize:    r.SampleSize,
				MarginOfError: r.MarginOfError,
			})
		}
	}
	return records
}

// WriteParquet writes records to path, creating parent directories
func WriteParquet(path string, records []PollRecord) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := parquet.WriteFile(path, records); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// ReadParquet reads a snapshot written by WriteParquet
func ReadParquet(path string) ([]PollRecord, error) {
	return parquet.ReadFile[PollRecord](path)
}

const (
	firmsSheet   = "Firms"
	summarySheet = "Summary"
)

// WriteWorkbook writes the analysis to an XLSX file. The Firms sheet has one
// row per firm and series; the Summary sheet has the overall averages.
func WriteWorkbook(path string, analysis models.Analysis, labels models.Labels) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", firmsSheet); err != nil {
		return err
	}
	header := []interface{}{
		labels.PollingFirm, "Polls", labels.Party, labels.Mean, labels.StdDev,
		labels.HouseEffect, labels.Outliers, labels.OutlierRatio, labels.Trend, "AvgMargin",
	}
	if err := f.SetSheetRow(firmsSheet, "A1", &header); err != nil {
		return err
	}

	line := 2
	for _, fm := range analysis.Firms {
		for _, party := range analysis.Parties {
			pm, ok := fm.Parties[party]
			if !ok {
				continue
			}
			row := []interface{}{
				fm.Firm, fm.Polls, party, pm.Mean, pm.Std,
				pm.HouseEffect, pm.Outliers, pm.OutlierRatio, pm.TrendSlope, fm.Overall.AvgMargin,
			}
			cell, err := excelize.CoordinatesToCellName(1, line)
			if err != nil {
				return err
			}
			if err := f.SetSheetRow(firmsSheet, cell, &row); err != nil {
				return err
			}
			line++
		}
	}

	if _, err := f.NewSheet(summarySheet); err != nil {
		return err
	}
	if err := f.SetSheetRow(summarySheet, "A1", &[]interface{}{labels.Party, labels.Mean}); err != nil {
		return err
	}
	for i, party := range analysis.Parties {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(summarySheet, cell, &[]interface{}{party, analysis.OverallAverages[party]}); err != nil {
			return err
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
