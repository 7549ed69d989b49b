// Package excel renders a run report as an xlsx workbook.
package excel

import (
	"fmt"
	"strings"

	"github.com/couchcryptid/etc-composites/internal/pipeline"
	"github.com/xuri/excelize/v2"
)

// Sheet names, in workbook order.
const (
	SheetYears      = "years"
	SheetTracks     = "tracks"
	SheetLatitudes  = "lat_distribution"
	SheetComposites = "composites"
)

// SummaryWriter writes run reports.
// It implements pipeline.SummaryWriter.
type SummaryWriter struct{}

// NewSummaryWriter returns a SummaryWriter.
func NewSummaryWriter() *SummaryWriter { return &SummaryWriter{} }

// WriteSummary saves r to path, replacing any existing file.
func (SummaryWriter) WriteSummary(path string, r *pipeline.Report) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetYears); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	for _, name := range []string{SheetTracks, SheetLatitudes, SheetComposites} {
		if _, err := f.NewSheet(name); err != nil {
			return fmt.Errorf("create sheet %s: %w", name, err)
		}
	}
	header, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("create style: %w", err)
	}

	sheets := []struct {
		name string
		rows [][]any
	}{
		{SheetYears, yearRows(r)},
		{SheetTracks, trackRows(r)},
		{SheetLatitudes, latitudeRows(r)},
		{SheetComposites, compositeRows(r)},
	}
	for _, s := range sheets {
		if err := writeRows(f, s.name, s.rows, header); err != nil {
			return err
		}
	}
	f.SetActiveSheet(0)

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save summary %s: %w", path, err)
	}
	return nil
}

func writeRows(f *excelize.File, sheet string, rows [][]any, header int) error {
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("write %s row %d: %w", sheet, i+1, err)
		}
	}
	if len(rows) == 0 {
		return nil
	}
	last, err := excelize.CoordinatesToCellName(len(rows[0]), 1)
	if err != nil {
		return err
	}
	return f.SetCellStyle(sheet, "A1", last, header)
}

func yearRows(r *pipeline.Report) [][]any {
	rows := [][]any{{
		"year", "status", "kind", "error", "snapshots", "centres", "anomalous",
		"kept", "discarded", "bridged", "gaps", "resumed", "skipped_vars", "seconds",
	}}
	for _, y := range r.Years {
		rows = append(rows, []any{
			y.Year, string(y.Status), y.Kind, y.Error, y.Snapshots, y.Centres, y.Anomalous,
			y.Kept, y.Discarded, y.Bridged, y.Gaps, y.Resumed,
			strings.Join(y.SkippedVars, ","), y.Duration.Seconds(),
		})
	}
	return rows
}

func trackRows(r *pipeline.Report) [][]any {
	rows := [][]any{{"track_id", "first_jd", "last_jd", "points", "flags", "discarded"}}
	for _, e := range r.Tracks {
		rows = append(rows, []any{e.TrackID, int64(e.FirstJD), int64(e.LastJD), e.Points, int(e.Flags), e.Discarded})
	}
	return rows
}

func latitudeRows(r *pipeline.Report) [][]any {
	rows := [][]any{{"lat_from", "lat_to", "fraction", "reference"}}
	dist := r.LatDistribution()
	for b := range pipeline.NumLatBands {
		from := -90 + float64(b)*pipeline.LatBandWidth
		row := []any{from, from + pipeline.LatBandWidth, dist[b]}
		if b < len(r.ObsLatDistribution) {
			row = append(row, r.ObsLatDistribution[b])
		}
		rows = append(rows, row)
	}
	return rows
}

func compositeRows(r *pipeline.Report) [][]any {
	rows := [][]any{{"file"}}
	for _, p := range r.Composites {
		rows = append(rows, []any{p})
	}
	return rows
}
