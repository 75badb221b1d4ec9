package metrics

import (
	"database/sql"
	"math"
	"path/filepath"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "metrics.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := NewStore(db)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestRecordAndAggregateQueries(t *testing.T) {
	s := newTestStore(t)

	id1, err := s.RecordQuery(&QueryMetric{Kind: "math", Source: "local_calculated", LatencyMS: 100, Success: true})
	if err != nil {
		t.Fatalf("RecordQuery: %v", err)
	}
	if _, err := s.RecordQuery(&QueryMetric{Kind: "web_research", Source: "websearch", LatencyMS: 300, Success: true, FallbackUsed: true}); err != nil {
		t.Fatalf("RecordQuery: %v", err)
	}

	if err := s.SetVerdict(id1, true); err != nil {
		t.Fatalf("SetVerdict: %v", err)
	}

	totals, err := s.Totals()
	if err != nil {
		t.Fatalf("Totals: %v", err)
	}
	if totals.Queries != 2 {
		t.Errorf("queries = %d, want 2", totals.Queries)
	}
	if totals.Fallbacks != 1 {
		t.Errorf("fallbacks = %d, want 1", totals.Fallbacks)
	}
	if totals.Rated != 1 || totals.RatedCorrect != 1 {
		t.Errorf("rated = %d/%d, want 1/1", totals.RatedCorrect, totals.Rated)
	}
	if math.Abs(totals.AvgLatencyMS-200) > 1e-9 {
		t.Errorf("avg latency = %f, want 200", totals.AvgLatencyMS)
	}
	if totals.SourceCounts["websearch"] != 1 {
		t.Errorf("source counts: %v", totals.SourceCounts)
	}
}

func TestErrorCapEnforced(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < ErrorCap+20; i++ {
		if err := s.RecordError("pipeline", "boom"); err != nil {
			t.Fatalf("RecordError: %v", err)
		}
	}

	totals, err := s.Totals()
	if err != nil {
		t.Fatalf("Totals: %v", err)
	}
	if totals.Errors != ErrorCap {
		t.Errorf("errors = %d, want %d", totals.Errors, ErrorCap)
	}

	recent, err := s.RecentErrors(5)
	if err != nil {
		t.Fatalf("RecentErrors: %v", err)
	}
	if len(recent) != 5 {
		t.Errorf("recent = %d, want 5", len(recent))
	}
}

func TestReset(t *testing.T) {
	s := newTestStore(t)

	s.RecordQuery(&QueryMetric{Kind: "math", Source: "local", LatencyMS: 50, Success: true})
	s.RecordError("solver", "bad shape")

	if err := s.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	totals, _ := s.Totals()
	if totals.Queries != 0 || totals.Errors != 0 {
		t.Errorf("after reset: queries=%d errors=%d", totals.Queries, totals.Errors)
	}
}

func TestComputeRating(t *testing.T) {
	cases := []struct {
		name       string
		totals     Totals
		wantRating float64
		wantGrade  string
	}{
		{
			name: "perfect",
			totals: Totals{
				Queries: 10, Successes: 10,
				Rated: 4, RatedCorrect: 4,
				AvgLatencyMS: 0,
			},
			wantRating: 100,
			wantGrade:  "EXCELLENT",
		},
		{
			name: "slow but correct",
			totals: Totals{
				Queries: 10, Successes: 10,
				Rated: 4, RatedCorrect: 4,
				AvgLatencyMS: 250,
			},
			// correctness 100*0.5 + speed 50*0.3 + reliability 100*0.2
			wantRating: 85,
			wantGrade:  "GOOD",
		},
		{
			name: "heavy fallback",
			totals: Totals{
				Queries: 10, Fallbacks: 5,
				Rated: 2, RatedCorrect: 1,
				AvgLatencyMS: 500,
			},
			// correctness 50*0.5 + speed 0*0.3 + reliability 0*0.2
			wantRating: 25,
			wantGrade:  "POOR",
		},
		{
			name:       "no data assumes correct",
			totals:     Totals{},
			wantRating: 100,
			wantGrade:  "EXCELLENT",
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			r := Compute(&c.totals)
			if math.Abs(r.Rating-c.wantRating) > 1e-9 {
				t.Errorf("rating = %f, want %f", r.Rating, c.wantRating)
			}
			if r.Grade != c.wantGrade {
				t.Errorf("grade = %s, want %s", r.Grade, c.wantGrade)
			}
		})
	}
}

func TestRenderReport(t *testing.T) {
	s := newTestStore(t)
	s.RecordQuery(&QueryMetric{Kind: "math", Source: "local_calculated", LatencyMS: 10, Success: true})

	report, err := s.Report()
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	out := report.Render()
	for _, want := range []string{"Performance:", "queries: 1", "local_calculated=1"} {
		if !strings.Contains(out, want) {
			t.Errorf("render missing %q:\n%s", want, out)
		}
	}
}
