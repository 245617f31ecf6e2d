package stats

import (
	"math"
	"testing"
)

func TestMean(t *testing.T) {
	if got := Mean(nil); got != 0 {
		t.Fatalf("expected zero mean for empty sample, got %f", got)
	}
	if got := Mean([]float64{2, 4, 6}); got != 4 {
		t.Fatalf("expected mean 4, got %f", got)
	}
}

func TestStdDevSampleCorrection(t *testing.T) {
	if got := StdDev([]float64{5}); got != 0 {
		t.Fatalf("single point has no spread, got %f", got)
	}
	// Sample stddev of {2,4,4,4,5,5,7,9} is sqrt(32/7).
	got := StdDev([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	want := math.Sqrt(32.0 / 7.0)
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("expected %f, got %f", want, got)
	}
}

func TestPercentileNearestRank(t *testing.T) {
	values := []float64{15, 20, 35, 40, 50}
	cases := []struct {
		p    float64
		want float64
	}{
		{0, 15},
		{30, 20},
		{40, 20},
		{50, 35},
		{95, 50},
		{100, 50},
	}
	for _, tc := range cases {
		if got := Percentile(values, tc.p); got != tc.want {
			t.Fatalf("p%.0f: expected %f, got %f", tc.p, tc.want, got)
		}
	}
}

func TestPercentileDoesNotMutateInput(t *testing.T) {
	values := []float64{3, 1, 2}
	Percentile(values, 50)
	if values[0] != 3 || values[1] != 1 || values[2] != 2 {
		t.Fatalf("input slice was reordered: %v", values)
	}
}

func TestLinearRegression(t *testing.T) {
	xs := []float64{0, 1, 2, 3}
	ys := []float64{1, 3, 5, 7} // y = 2x + 1
	slope, intercept, r2, ok := LinearRegression(xs, ys)
	if !ok {
		t.Fatal("expected a fit")
	}
	if math.Abs(slope-2) > 1e-9 || math.Abs(intercept-1) > 1e-9 {
		t.Fatalf("expected y=2x+1, got slope=%f intercept=%f", slope, intercept)
	}
	if math.Abs(r2-1) > 1e-9 {
		t.Fatalf("perfect fit should have r2=1, got %f", r2)
	}
}

func TestLinearRegressionDegenerate(t *testing.T) {
	if _, _, _, ok := LinearRegression([]float64{1}, []float64{2}); ok {
		t.Fatal("single point must not fit")
	}
	// All x identical: vertical line, no slope.
	if _, _, _, ok := LinearRegression([]float64{2, 2, 2}, []float64{1, 2, 3}); ok {
		t.Fatal("vertical data must not fit")
	}
}

func TestClamp(t *testing.T) {
	if got := Clamp(1.5, 0, 1); got != 1 {
		t.Fatalf("expected 1, got %f", got)
	}
	if got := Clamp(-0.2, 0, 1); got != 0 {
		t.Fatalf("expected 0, got %f", got)
	}
	if got := Clamp(0.4, 0, 1); got != 0.4 {
		t.Fatalf("expected passthrough, got %f", got)
	}
}
