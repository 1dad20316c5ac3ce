package scoring

import (
	"fmt"
	"sort"

	"github.com/pavelanni/readiness/internal/model"
)

// CurvePoint maps a score gap to a percentile.
type CurvePoint struct {
	Gap        int `json:"gap" mapstructure:"gap"`
	Percentile int `json:"percentile" mapstructure:"percentile"`
}

// Benchmarks holds the business lookup tables used for benchmark comparison.
type Benchmarks struct {
	Industries     map[string]int     `json:"industries" mapstructure:"industries"`
	Sizes          map[string]float64 `json:"sizes" mapstructure:"sizes"`
	DefaultAverage int                `json:"default_average" mapstructure:"default_average"`
	Curve          []CurvePoint       `json:"curve" mapstructure:"curve"`
}

// DefaultBenchmarks returns the shipped lookup tables.
func DefaultBenchmarks() *Benchmarks {
	return &Benchmarks{
		Industries: map[string]int{
			"it":            68,
			"finance":       64,
			"manufacturing": 55,
			"retail":        52,
			"healthcare":    50,
			"education":     45,
			"public":        42,
			"other":         50,
		},
		Sizes: map[string]float64{
			"1-10":     0.85,
			"11-50":    0.9,
			"51-200":   1.0,
			"201-1000": 1.05,
			"1000+":    1.1,
		},
		DefaultAverage: 50,
		Curve: []CurvePoint{
			{Gap: -40, Percentile: 2},
			{Gap: -20, Percentile: 15},
			{Gap: -10, Percentile: 30},
			{Gap: 0, Percentile: 50},
			{Gap: 10, Percentile: 70},
			{Gap: 20, Percentile: 85},
			{Gap: 40, Percentile: 98},
		},
	}
}

// Validate checks that the curve is monotonic and bounded.
func (b *Benchmarks) Validate() error {
	if len(b.Curve) == 0 {
		return fmt.Errorf("benchmarks: curve must not be empty")
	}
	for i, p := range b.Curve {
		if p.Percentile < 0 || p.Percentile > 100 {
			return fmt.Errorf("benchmarks: curve[%d] percentile %d out of range [0,100]", i, p.Percentile)
		}
		if i == 0 {
			continue
		}
		prev := b.Curve[i-1]
		if p.Gap <= prev.Gap {
			return fmt.Errorf("benchmarks: curve[%d] gap %d not above %d", i, p.Gap, prev.Gap)
		}
		if p.Percentile < prev.Percentile {
			return fmt.Errorf("benchmarks: curve[%d] percentile decreases", i)
		}
	}
	for k, m := range b.Sizes {
		if m <= 0 {
			return fmt.Errorf("benchmarks: size %q multiplier must be positive", k)
		}
	}
	return nil
}

// Compare benchmarks a total score against the size-adjusted industry average.
func (b *Benchmarks) Compare(total int, industry, size string) model.Benchmark {
	avg, ok := b.Industries[industry]
	if !ok {
		avg = b.DefaultAverage
	}
	mult, ok := b.Sizes[size]
	if !ok {
		mult = 1
	}
	adjusted := roundInt(float64(avg) * mult)
	if adjusted > 100 {
		adjusted = 100
	}
	gap := total - adjusted
	return model.Benchmark{
		IndustryAverage: adjusted,
		Gap:             gap,
		Percentile:      b.percentile(gap),
	}
}

// percentile interpolates the curve linearly and clamps at both ends.
func (b *Benchmarks) percentile(gap int) int {
	c := b.Curve
	if len(c) == 0 {
		return 50
	}
	if gap <= c[0].Gap {
		return clampPercent(c[0].Percentile)
	}
	last := c[len(c)-1]
	if gap >= last.Gap {
		return clampPercent(last.Percentile)
	}
	i := sort.Search(len(c), func(i int) bool { return c[i].Gap >= gap })
	lo, hi := c[i-1], c[i]
	frac := float64(gap-lo.Gap) / float64(hi.Gap-lo.Gap)
	return clampPercent(roundInt(float64(lo.Percentile) + frac*float64(hi.Percentile-lo.Percentile)))
}

func clampPercent(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
