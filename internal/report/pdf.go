package report

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/go-pdf/fpdf"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/coldloop/magnetd/internal/telemetry"
)

// GeneratePDF creates a cycle report PDF: cycle parameters, the transition
// history, and a current/temperature chart when samples exist.
func GeneratePDF(w io.Writer, st *telemetry.Store, cycleID string) error {
	r, err := Build(st, cycleID)
	if err != nil {
		return fmt.Errorf("build report: %w", err)
	}
	if r == nil {
		return fmt.Errorf("cycle %s not found", cycleID)
	}

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetAutoPageBreak(true, 15)
	pdf.AddPage()

	// Title
	pdf.SetFont("Arial", "B", 18)
	pdf.CellFormat(0, 12, "Magnet Cooldown Report", "", 1, "C", false, 0, "")
	pdf.Ln(4)

	// Cycle info
	pdf.SetFont("Arial", "", 10)
	info := []struct{ label, value string }{
		{"Cycle ID", r.Cycle.ID},
		{"Trigger", r.Cycle.Trigger},
		{"Started", r.Cycle.StartedAt.Format(time.RFC3339)},
		{"Soak Current", fmt.Sprintf("%.3f A", r.Cycle.SoakCurrent)},
		{"Soak Time", fmt.Sprintf("%.0f s", r.Cycle.SoakTime)},
		{"Ramp Rate", fmt.Sprintf("%.4f A/s", r.Cycle.RampRate)},
		{"Deramp Rate", fmt.Sprintf("%.4f A/s", r.Cycle.DerampRate)},
		{"Regulation Temp", fmt.Sprintf("%.3f K", r.Cycle.RegulationTemp)},
	}
	if r.Cycle.FinishedAt != nil {
		info = append(info,
			struct{ label, value string }{"Finished", r.Cycle.FinishedAt.Format(time.RFC3339)},
			struct{ label, value string }{"Final State", r.Cycle.FinalState},
			struct{ label, value string }{"Duration", r.Duration.Round(time.Second).String()},
		)
	} else {
		info = append(info, struct{ label, value string }{"Final State", "(still running)"})
	}
	if len(r.Samples) > 0 {
		info = append(info,
			struct{ label, value string }{"Peak Current", fmt.Sprintf("%.3f A", r.PeakCurrent)},
			struct{ label, value string }{"Min Device Temp", fmt.Sprintf("%.3f K", r.MinTemp)},
		)
	}

	for _, item := range info {
		pdf.SetFont("Arial", "B", 10)
		pdf.CellFormat(45, 7, item.label+":", "", 0, "L", false, 0, "")
		pdf.SetFont("Arial", "", 10)
		pdf.CellFormat(0, 7, item.value, "", 1, "L", false, 0, "")
	}
	pdf.Ln(6)

	// --- Transition history ---
	pdf.SetFont("Arial", "B", 12)
	pdf.CellFormat(0, 8, "Transition History", "", 1, "L", false, 0, "")
	pdf.Ln(2)

	if len(r.Transitions) == 0 {
		pdf.SetFont("Arial", "I", 10)
		pdf.CellFormat(0, 7, "No transitions recorded.", "", 1, "L", false, 0, "")
	} else {
		pdf.SetFont("Arial", "B", 9)
		pdf.SetFillColor(220, 220, 220)
		pdf.CellFormat(45, 7, "From", "1", 0, "L", true, 0, "")
		pdf.CellFormat(45, 7, "To", "1", 0, "L", true, 0, "")
		pdf.CellFormat(0, 7, "Time", "1", 1, "L", true, 0, "")

		pdf.SetFont("Arial", "", 9)
		for _, tr := range r.Transitions {
			pdf.CellFormat(45, 7, tr.FromState, "1", 0, "L", false, 0, "")
			pdf.CellFormat(45, 7, tr.ToState, "1", 0, "L", false, 0, "")
			pdf.CellFormat(0, 7, tr.Timestamp.Format("2006-01-02 15:04:05"), "1", 1, "L", false, 0, "")
		}
	}
	pdf.Ln(6)

	// --- Chart ---
	if len(r.Samples) >= 2 {
		png, err := renderChart(r)
		if err != nil {
			return fmt.Errorf("render chart: %w", err)
		}
		pdf.AddPage()
		pdf.SetFont("Arial", "B", 12)
		pdf.CellFormat(0, 8, "Current and Device Temperature", "", 1, "L", false, 0, "")
		pdf.Ln(2)

		opts := fpdf.ImageOptions{ImageType: "PNG"}
		pdf.RegisterImageOptionsReader("cycle-chart", opts, bytes.NewReader(png))
		pdf.ImageOptions("cycle-chart", 15, pdf.GetY(), 180, 0, false, opts, 0, "")
	}

	return pdf.Output(w)
}

// renderChart plots current and temperature against elapsed cycle time.
func renderChart(r *CycleReport) ([]byte, error) {
	p := plot.New()
	p.Title.Text = "Cooldown Cycle"
	p.X.Label.Text = "elapsed (min)"
	p.Y.Label.Text = "current (A) / temperature (K)"
	p.Legend.Top = true

	t0 := r.Samples[0].Timestamp
	currents := make(plotter.XYs, len(r.Samples))
	temps := make(plotter.XYs, len(r.Samples))
	for i, s := range r.Samples {
		x := s.Timestamp.Sub(t0).Minutes()
		currents[i].X, currents[i].Y = x, s.CurrentA
		temps[i].X, temps[i].Y = x, s.TempK
	}

	currentLine, err := plotter.NewLine(currents)
	if err != nil {
		return nil, err
	}
	tempLine, err := plotter.NewLine(temps)
	if err != nil {
		return nil, err
	}
	tempLine.LineStyle.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}

	p.Add(currentLine, tempLine)
	p.Legend.Add("current (A)", currentLine)
	p.Legend.Add("device temp (K)", tempLine)

	wt, err := p.WriterTo(7*vg.Inch, 3.5*vg.Inch, "png")
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
