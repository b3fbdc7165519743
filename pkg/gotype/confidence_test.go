package gotype

import (
	"math"
	"testing"
)

func TestGrade(t *testing.T) {
	cases := []struct {
		h    float64
		want Confidence
	}{
		{0, Junk},
		{0.19, Junk},
		{0.2, Low},
		{0.39, Low},
		{0.4, Medium},
		{0.69, Medium},
		{0.7, High},
		{0.9, High},
		// Extraction results never grade as certain.
		{1.0, High},
	}
	for _, tc := range cases {
		if got := Grade(tc.h); got != tc.want {
			t.Errorf("Grade(%v) = %v, want %v", tc.h, got, tc.want)
		}
	}
}

func TestConfidenceRoundTrip(t *testing.T) {
	for _, c := range []Confidence{Junk, Low, Medium, High} {
		if got := Grade(c.Float()); got != c {
			t.Errorf("Grade(%v.Float()) = %v", c, got)
		}
	}
	if got := Grade(Certain.Float()); got != High {
		t.Errorf("Grade(Certain.Float()) = %v, want High", got)
	}
}

func TestConfidenceString(t *testing.T) {
	cases := []struct {
		c    Confidence
		want string
	}{
		{Junk, "junk"},
		{Low, "low"},
		{Medium, "medium"},
		{High, "high"},
		{Certain, "certain"},
		{Confidence(-1), "junk"},
		{Confidence(99), "junk"},
	}
	for _, tc := range cases {
		if got := tc.c.String(); got != tc.want {
			t.Errorf("Confidence(%d).String() = %q, want %q", int(tc.c), got, tc.want)
		}
	}
}

func TestSufficient(t *testing.T) {
	cases := []struct {
		c         Confidence
		threshold string
		want      bool
	}{
		{Certain, "high", true},
		{High, "high", true},
		{Medium, "high", false},
		{Medium, "medium", true},
		{Low, "medium", false},
		{Low, "low", true},
		{Junk, "low", false},
		// Unknown thresholds admit nothing at all.
		{Certain, "junk", false},
		{Certain, "", false},
		{High, "hihg", false},
	}
	for _, tc := range cases {
		if got := Sufficient(tc.c, tc.threshold); got != tc.want {
			t.Errorf("Sufficient(%v, %q) = %v, want %v", tc.c, tc.threshold, got, tc.want)
		}
	}
}

func TestSeedEntropy(t *testing.T) {
	cases := []struct {
		name string
		seed uint64
		bits int
		want float64
	}{
		// No bit flips at all: as improbable as a uniform source gets.
		{"zero32", 0, 32, math.Pow(0.5, 30)},
		{"zero64", 0, 64, math.Pow(0.5, 62)},
		// 15 flips in 32 bits is the expected count, probability 1.
		{"balanced", 0x5555, 32, 1.0},
		// Alternating everywhere folds back to the no-flip extreme.
		{"alternating", 0x55555555, 32, math.Pow(0.5, 30)},
		// A single flip: 32 of 2^31 arrangements are at least as extreme.
		{"oneflip", 1, 32, 32 * math.Pow(0.5, 30)},
	}
	for _, tc := range cases {
		got := seedEntropy(tc.seed, tc.bits)
		if math.Abs(got-tc.want) > 1e-12 {
			t.Errorf("%s: seedEntropy(%#x, %d) = %v, want %v", tc.name, tc.seed, tc.bits, got, tc.want)
		}
	}

	// Every seed scores a valid probability.
	for _, seed := range []uint64{0, 1, 0xdeadbeef, 0xffffffffffffffff, 0x123456789abcdef0} {
		for _, bits := range []int{32, 64} {
			got := seedEntropy(seed, bits)
			if got < 0 || got > 1 {
				t.Errorf("seedEntropy(%#x, %d) = %v, outside [0, 1]", seed, bits, got)
			}
		}
	}
}

func TestRateLength(t *testing.T) {
	cases := []struct {
		length              uint64
		threshold, softness float64
		want                float64
	}{
		{0, 40, 5, 1.0},
		{40, 40, 5, 1.0},
		{240, 40, 5, 0.5},
		{3, 1000, 100, 1.0},
		{1000, 1000, 100, 1.0},
	}
	for _, tc := range cases {
		got := rateLength(tc.length, tc.threshold, tc.softness)
		if math.Abs(got-tc.want) > 1e-12 {
			t.Errorf("rateLength(%d, %v, %v) = %v, want %v", tc.length, tc.threshold, tc.softness, got, tc.want)
		}
	}

	// Monotonically non increasing past the threshold.
	prev := 1.0
	for length := uint64(40); length < 4000; length += 100 {
		got := rateLength(length, 40, 5)
		if got > prev {
			t.Fatalf("rateLength(%d, 40, 5) = %v, above %v for a shorter length", length, got, prev)
		}
		prev = got
	}
}
