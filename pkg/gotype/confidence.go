package gotype

import "math"

// Extraction is speculative: the memory under a candidate address may
// not hold a value of the claimed type at all. Every extracted value
// therefore carries a heuristic in [0, 1] measuring how plausible the
// decoded bytes are, and the heuristic buckets into a Confidence for
// display filtering.

// Confidence is the coarse plausibility grade of an extracted value.
type Confidence int

const (
	Junk Confidence = iota
	Low
	Medium
	High
	// Certain is only produced directly by extraction of values that
	// cannot be misread, never by Grade.
	Certain
)

var confidenceNames = [...]string{"junk", "low", "medium", "high", "certain"}

func (c Confidence) String() string {
	if c < Junk || c > Certain {
		return "junk"
	}
	return confidenceNames[c]
}

// Float returns the lower bound of the heuristic range this grade
// covers. Certain maps to 1.0 and exists to seed calculations, not to
// compare against.
func (c Confidence) Float() float64 {
	switch c {
	case Junk:
		return 0.0
	case Low:
		return 0.2
	case Medium:
		return 0.4
	case High:
		return 0.7
	default:
		return 1.0
	}
}

// Grade buckets a heuristic into a Confidence. Extracted values never
// grade as Certain, even at heuristic 1.0.
func Grade(h float64) Confidence {
	switch {
	case h < Low.Float():
		return Junk
	case h < Medium.Float():
		return Low
	case h < High.Float():
		return Medium
	default:
		return High
	}
}

// Sufficient reports whether a value of confidence c clears the named
// display threshold. Threshold is one of "low", "medium" or "high";
// anything else admits nothing.
func Sufficient(c Confidence, threshold string) bool {
	switch threshold {
	case "high":
		return c == Certain || c == High
	case "medium":
		return c == Certain || c == High || c == Medium
	case "low":
		return c != Junk
	}
	return false
}

// Extraction tuning. These bound how much memory a single speculative
// decode may touch and shape the length heuristics.
const (
	// longSlice caps how many elements of a slice are extracted.
	longSlice = 100
	// longString caps how many bytes of a string are read.
	longString = 1000

	sliceLenThreshold = 1000
	sliceLenSoftness  = 100
	stringLenThreshold = 40
	stringLenSoftness  = 5

	// strShowLen is the display cutoff for complete strings.
	strShowLen = 32

	// maxSwissDirs caps the directory of a swiss table map. Real maps
	// never come close; a larger value means the header was junk.
	maxSwissDirs = 65536
	// maxBucketShift likewise caps the bucket count of a legacy map
	// at 2^16.
	maxBucketShift = 16
	// overflowChase bounds how many chained overflow buckets a legacy
	// map decode will follow.
	overflowChase = 8

	// entropySoftness flattens the seed entropy curve so that a
	// mediocre seed does not sink an otherwise clean map decode.
	entropySoftness = 0.3
)

// seedEntropy estimates how random the low bits of a map hash seed
// look. It counts adjacent bit flips across the given width and
// returns the probability of seeing a count at least that extreme
// from a uniform source. A freshly seeded map scores near 1; a seed
// field that is really a counter or a pointer scores near 0.
func seedEntropy(seed uint64, bits int) float64 {
	n := bits - 1
	flips := 0
	for i := 1; i <= n; i++ {
		if (seed>>uint(i-1))&1 != (seed>>uint(i))&1 {
			flips++
		}
	}
	if flips > n/2 {
		flips = n - flips
	}

	// Sum of binomial coefficients C(n, 0..flips), scaled by
	// 2^-(n-1). Accumulated in floats; n is at most 63.
	coeffs := 0.0
	binom := 1.0
	for x := 0; x <= flips; x++ {
		coeffs += binom
		binom = binom * float64(n-x) / float64(x+1)
	}
	return coeffs * math.Pow(0.5, float64(n-1))
}

// rateLength grades the decoded length field of a string or slice.
// Lengths up to threshold score 1.0, beyond that the score decays
// with a tail controlled by softness.
func rateLength(length uint64, threshold, softness float64) float64 {
	k := threshold * softness
	return math.Min(1.0, k/(float64(length)+k-threshold))
}
