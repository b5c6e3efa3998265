package prs

import (
	"math"
	"math/rand"
	"testing"

	"github.com/carbocation/polyrisk/catalog"
)

func TestTierOf(t *testing.T) {
	for _, v := range []struct {
		Percentile float64
		Expected   Tier
	}{
		{0, TierLow},
		{19.999999, TierLow},
		{20, TierIntermediate},
		{50, TierIntermediate},
		{79.999999, TierIntermediate},
		{80, TierHigh},
		{100, TierHigh},
		{math.NaN(), TierUnknown},
	} {
		if got := TierOf(v.Percentile); got != v.Expected {
			t.Errorf("%v: got %s, expected %s", v.Percentile, got, v.Expected)
		}
	}
}

func TestClassifyNormal(t *testing.T) {
	c := Classify(0.84, 0.84, 0.3965, nil)
	if !c.Percentile.Valid || math.Abs(c.Percentile.Float64-50) > 1e-9 {
		t.Errorf("Expected 50th percentile at the mean, got %v", c.Percentile)
	}
	if c.ZScore.Float64 != 0 || c.Tier != TierIntermediate {
		t.Errorf("Unexpected classification %+v", c)
	}

	// One standard deviation above the mean is about the 84th percentile
	c = Classify(1, 0, 1, nil)
	if math.Abs(c.Percentile.Float64-84.1345) > 1e-3 || c.Tier != TierHigh {
		t.Errorf("Unexpected classification %+v", c)
	}
}

func TestClassifyDegenerate(t *testing.T) {
	for _, std := range []float64{0, -1, math.Inf(1)} {
		c := Classify(1, 0, std, nil)
		if c.Percentile.Valid || c.ZScore.Valid || c.Tier != TierUnknown {
			t.Errorf("std=%v: expected undefined percentile, got %+v", std, c)
		}
	}
}

func TestClassifyTable(t *testing.T) {
	table := catalog.PercentileTable{
		{Percentile: 90, Score: 2},
		{Percentile: 10, Score: 0},
		{Percentile: 50, Score: 1},
	}

	for _, v := range []struct {
		Raw      float64
		Expected float64
		Tier     Tier
	}{
		{-5, 10, TierLow},
		{0, 10, TierLow},
		{0.25, 20, TierIntermediate},
		{1, 50, TierIntermediate},
		{1.75, 80, TierHigh},
		{2, 90, TierHigh},
		{9, 90, TierHigh},
	} {
		c := Classify(v.Raw, 0, 0, table)
		if !c.Percentile.Valid || math.Abs(c.Percentile.Float64-v.Expected) > 1e-9 || c.Tier != v.Tier {
			t.Errorf("raw=%v: got %+v, expected %v (%s)", v.Raw, c, v.Expected, v.Tier)
		}
	}
}

func TestClassifyTableClamped(t *testing.T) {
	table := catalog.PercentileTable{{Percentile: -5, Score: 0}, {Percentile: 120, Score: 1}}

	if c := Classify(-1, 0, 1, table); c.Percentile.Float64 != 0 {
		t.Errorf("Expected clamp to 0, got %v", c.Percentile)
	}
	if c := Classify(2, 0, 1, table); c.Percentile.Float64 != 100 {
		t.Errorf("Expected clamp to 100, got %v", c.Percentile)
	}
}

func TestPercentileBounds(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 10000; i++ {
		raw := r.NormFloat64() * math.Pow(10, float64(r.Intn(8)-4))
		mean := r.NormFloat64()
		std := r.ExpFloat64()

		c := Classify(raw, mean, std, nil)
		if !c.Percentile.Valid {
			t.Fatalf("raw=%v mean=%v std=%v: percentile undefined", raw, mean, std)
		}
		if p := c.Percentile.Float64; p < 0 || p > 100 {
			t.Fatalf("raw=%v mean=%v std=%v: percentile %v out of bounds", raw, mean, std, p)
		}
	}
}
