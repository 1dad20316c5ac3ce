package scoring

import "testing"

func TestCompare(t *testing.T) {
	bm := DefaultBenchmarks()

	tests := []struct {
		name           string
		total          int
		industry, size string
		wantAvg        int
		wantGap        int
		wantPercentile int
	}{
		{"on average", 55, "manufacturing", "51-200", 55, 0, 50},
		{"size adjusted", 75, "it", "1000+", 75, 0, 50},
		{"unknown industry", 60, "space", "51-200", 50, 10, 70},
		{"unknown size", 64, "finance", "huge", 64, 0, 50},
		{"interpolated", 60, "education", "51-200", 45, 15, 78},
		{"clamped low", 0, "it", "51-200", 68, -68, 2},
		{"clamped high", 100, "public", "1-10", 36, 64, 98},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := bm.Compare(tt.total, tt.industry, tt.size)
			if got.IndustryAverage != tt.wantAvg {
				t.Errorf("average = %d, want %d", got.IndustryAverage, tt.wantAvg)
			}
			if got.Gap != tt.wantGap {
				t.Errorf("gap = %d, want %d", got.Gap, tt.wantGap)
			}
			if got.Percentile != tt.wantPercentile {
				t.Errorf("percentile = %d, want %d", got.Percentile, tt.wantPercentile)
			}
		})
	}
}

func TestPercentileMonotonic(t *testing.T) {
	bm := DefaultBenchmarks()
	prev := -1
	for gap := -100; gap <= 100; gap++ {
		p := bm.percentile(gap)
		if p < prev {
			t.Fatalf("percentile decreased at gap %d: %d < %d", gap, p, prev)
		}
		if p < 0 || p > 100 {
			t.Fatalf("percentile %d out of range at gap %d", p, gap)
		}
		prev = p
	}
}

func TestBenchmarksValidate(t *testing.T) {
	if err := DefaultBenchmarks().Validate(); err != nil {
		t.Fatalf("default benchmarks invalid: %v", err)
	}

	bad := DefaultBenchmarks()
	bad.Curve = []CurvePoint{{Gap: 0, Percentile: 60}, {Gap: 10, Percentile: 40}}
	if err := bad.Validate(); err == nil {
		t.Error("expected error for decreasing curve")
	}

	bad = DefaultBenchmarks()
	bad.Curve = []CurvePoint{{Gap: 0, Percentile: 10}, {Gap: 0, Percentile: 20}}
	if err := bad.Validate(); err == nil {
		t.Error("expected error for repeated gap")
	}

	bad = DefaultBenchmarks()
	bad.Sizes["tiny"] = 0
	if err := bad.Validate(); err == nil {
		t.Error("expected error for zero multiplier")
	}
}
