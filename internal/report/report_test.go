package report

import (
	"bytes"
	"compress/zlib"
	"encoding/csv"
	"io"
	"strings"
	"testing"

	"github.com/coldloop/magnetd/internal/telemetry"
)

// extractPDFText decompresses all zlib-compressed streams in raw PDF bytes
// and returns the concatenated decompressed content for text searching.
func extractPDFText(data []byte) []byte {
	var result []byte
	streamTag := []byte("stream\n")
	endTag := []byte("\nendstream")
	for {
		start := bytes.Index(data, streamTag)
		if start == -1 {
			break
		}
		data = data[start+len(streamTag):]
		end := bytes.Index(data, endTag)
		if end == -1 {
			break
		}
		compressed := bytes.TrimRight(data[:end], "\r\n ")
		r, err := zlib.NewReader(bytes.NewReader(compressed))
		if err == nil {
			decompressed, err := io.ReadAll(r)
			r.Close()
			if err == nil {
				result = append(result, decompressed...)
			}
		}
		data = data[end+len(endTag):]
	}
	return result
}

func newTestStore(t *testing.T) *telemetry.Store {
	t.Helper()
	s, err := telemetry.New(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedCycle(t *testing.T, s *telemetry.Store) {
	t.Helper()
	if err := s.BeginCycle("cycle-1", "get-cold", 9.44, 3600, 0.005, 0.005, 0.1); err != nil {
		t.Fatalf("failed to begin cycle: %v", err)
	}
	if err := s.RecordTransition("cycle-1", "off", "hs_closing"); err != nil {
		t.Fatalf("failed to record transition: %v", err)
	}
	if err := s.RecordTransition("cycle-1", "hs_closing", "starting_ramp"); err != nil {
		t.Fatalf("failed to record transition: %v", err)
	}
	if err := s.RecordSample("cycle-1", "ramping", 4.2, 0.019, 0.7, 3.5); err != nil {
		t.Fatalf("failed to record sample: %v", err)
	}
	if err := s.RecordSample("cycle-1", "ramping", 9.4, 0.043, 1.1, 0.9); err != nil {
		t.Fatalf("failed to record sample: %v", err)
	}
}

func seedFinishedCycle(t *testing.T, s *telemetry.Store) {
	t.Helper()
	seedCycle(t, s)
	if err := s.FinishCycle("cycle-1", "regulating"); err != nil {
		t.Fatalf("failed to finish cycle: %v", err)
	}
}

func TestBuildMissingCycle(t *testing.T) {
	s := newTestStore(t)
	r, err := Build(s, "nope")
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	if r != nil {
		t.Errorf("expected nil report for missing cycle, got %+v", r)
	}
}

func TestBuildComputesStats(t *testing.T) {
	s := newTestStore(t)
	seedFinishedCycle(t, s)

	r, err := Build(s, "cycle-1")
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	if r == nil {
		t.Fatal("expected report")
	}
	if len(r.Transitions) != 2 || len(r.Samples) != 2 {
		t.Errorf("got %d transitions, %d samples", len(r.Transitions), len(r.Samples))
	}
	if r.PeakCurrent != 9.4 {
		t.Errorf("peak current = %v", r.PeakCurrent)
	}
	if r.MinTemp != 0.9 {
		t.Errorf("min temp = %v", r.MinTemp)
	}
	if r.Duration <= 0 {
		t.Errorf("duration = %v", r.Duration)
	}
}

func TestExportCSV_NoSamples(t *testing.T) {
	s := newTestStore(t)
	if err := s.BeginCycle("cycle-empty", "get-cold", 9.44, 3600, 0.005, 0.005, 0.1); err != nil {
		t.Fatalf("failed to begin cycle: %v", err)
	}

	var buf bytes.Buffer
	if err := ExportCSV(&buf, s, "cycle-empty"); err != nil {
		t.Fatalf("ExportCSV returned error: %v", err)
	}

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line (header only), got %d", len(lines))
	}
	if lines[0] != "state,current_a,field_t,output_v,temp_k,timestamp" {
		t.Errorf("unexpected header: %s", lines[0])
	}
}

func TestExportCSV_WithSamples(t *testing.T) {
	s := newTestStore(t)
	seedCycle(t, s)

	var buf bytes.Buffer
	if err := ExportCSV(&buf, s, "cycle-1"); err != nil {
		t.Fatalf("ExportCSV returned error: %v", err)
	}

	r := csv.NewReader(strings.NewReader(buf.String()))
	records, err := r.ReadAll()
	if err != nil {
		t.Fatalf("failed to parse CSV: %v", err)
	}

	// header + 2 data rows
	if len(records) != 3 {
		t.Fatalf("expected 3 rows (1 header + 2 data), got %d", len(records))
	}
	row := records[1]
	if row[0] != "ramping" {
		t.Errorf("state: got %q, want %q", row[0], "ramping")
	}
	if row[1] != "4.2" {
		t.Errorf("current_a: got %q, want %q", row[1], "4.2")
	}
	if row[2] != "0.019" {
		t.Errorf("field_t: got %q, want %q", row[2], "0.019")
	}
	if row[4] != "3.5" {
		t.Errorf("temp_k: got %q, want %q", row[4], "3.5")
	}
}

func TestGeneratePDF_MissingCycle(t *testing.T) {
	s := newTestStore(t)
	var buf bytes.Buffer
	if err := GeneratePDF(&buf, s, "nope"); err == nil {
		t.Error("expected error for missing cycle")
	}
}

func TestGeneratePDF_ContainsCycleInfo(t *testing.T) {
	s := newTestStore(t)
	seedFinishedCycle(t, s)

	var buf bytes.Buffer
	if err := GeneratePDF(&buf, s, "cycle-1"); err != nil {
		t.Fatalf("GeneratePDF returned error: %v", err)
	}
	if !bytes.HasPrefix(buf.Bytes(), []byte("%PDF")) {
		t.Fatal("output is not a PDF")
	}

	text := extractPDFText(buf.Bytes())
	for _, want := range []string{"Magnet Cooldown Report", "cycle-1", "get-cold", "regulating", "hs_closing"} {
		if !bytes.Contains(text, []byte(want)) {
			t.Errorf("PDF text missing %q", want)
		}
	}
}

func TestGeneratePDF_OpenCycle(t *testing.T) {
	s := newTestStore(t)
	seedCycle(t, s)

	var buf bytes.Buffer
	if err := GeneratePDF(&buf, s, "cycle-1"); err != nil {
		t.Fatalf("GeneratePDF returned error: %v", err)
	}
	text := extractPDFText(buf.Bytes())
	if !bytes.Contains(text, []byte("still running")) {
		t.Error("open cycle not marked as still running")
	}
}
