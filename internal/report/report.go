// Package report renders archived cooldown cycles as CSV and PDF artifacts.
package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/coldloop/magnetd/internal/telemetry"
)

// CycleReport is the assembled view of one archived cycle.
type CycleReport struct {
	Cycle       telemetry.Cycle
	Transitions []telemetry.Transition
	Samples     []telemetry.Sample

	Duration    time.Duration // zero while the cycle is still open
	PeakCurrent float64
	MinTemp     float64
}

// Build assembles the report data for cycleID. Returns nil when the cycle is
// not in the archive.
func Build(st *telemetry.Store, cycleID string) (*CycleReport, error) {
	cycle, err := st.GetCycle(cycleID)
	if err != nil {
		return nil, fmt.Errorf("load cycle: %w", err)
	}
	if cycle == nil {
		return nil, nil
	}

	transitions, err := st.QueryTransitions(cycleID)
	if err != nil {
		return nil, fmt.Errorf("load transitions: %w", err)
	}
	samples, err := st.QuerySamples(cycleID)
	if err != nil {
		return nil, fmt.Errorf("load samples: %w", err)
	}

	r := &CycleReport{
		Cycle:       *cycle,
		Transitions: transitions,
		Samples:     samples,
	}
	if cycle.FinishedAt != nil {
		r.Duration = cycle.FinishedAt.Sub(cycle.StartedAt)
	}
	for i, s := range samples {
		if s.CurrentA > r.PeakCurrent {
			r.PeakCurrent = s.CurrentA
		}
		if s.TempK > 0 && (i == 0 || r.MinTemp == 0 || s.TempK < r.MinTemp) {
			r.MinTemp = s.TempK
		}
	}
	return r, nil
}

// ExportCSV writes the cycle's samples as CSV: one row per sample plus a
// header row.
func ExportCSV(w io.Writer, st *telemetry.Store, cycleID string) error {
	samples, err := st.QuerySamples(cycleID)
	if err != nil {
		return fmt.Errorf("load samples: %w", err)
	}

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"state", "current_a", "field_t", "output_v", "temp_k", "timestamp"}); err != nil {
		return err
	}
	for _, s := range samples {
		row := []string{
			s.State,
			strconv.FormatFloat(s.CurrentA, 'g', -1, 64),
			strconv.FormatFloat(s.FieldT, 'g', -1, 64),
			strconv.FormatFloat(s.OutputV, 'g', -1, 64),
			strconv.FormatFloat(s.TempK, 'g', -1, 64),
			s.Timestamp.UTC().Format(time.RFC3339Nano),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
