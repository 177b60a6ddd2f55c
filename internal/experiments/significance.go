package experiments

import "math"

// Proportion is a success count over a trial count, the unit the hypothesis
// test consumes (conversions over participants).
type Proportion struct {
	Successes int64
	Trials    int64
}

// Rate returns successes/trials, zero when there are no trials.
func (p Proportion) Rate() float64 {
	if p.Trials == 0 {
		return 0
	}
	return float64(p.Successes) / float64(p.Trials)
}

// SignificanceResult is the verdict of comparing a variant against control.
type SignificanceResult struct {
	PValue      float64
	EffectSize  float64
	Significant bool
}

// SignificanceTest decides whether a variant's conversion rate differs from
// control beyond what chance explains. It is a strategy so deployments can
// swap in their own test without touching the results engine.
type SignificanceTest interface {
	Compare(variant, control Proportion, alpha float64) SignificanceResult
}

// TwoProportionZTest is the default SignificanceTest: a two-sided pooled
// z-test on the difference of two proportions, with Cohen's h as the effect
// size.
type TwoProportionZTest struct{}

// Compare runs the test. Comparisons without trials on either side are
// reported as not significant with a p-value of 1.
func (TwoProportionZTest) Compare(variant, control Proportion, alpha float64) SignificanceResult {
	none := SignificanceResult{PValue: 1}
	if variant.Trials == 0 || control.Trials == 0 {
		return none
	}

	p1 := variant.Rate()
	p2 := control.Rate()
	pooled := float64(variant.Successes+control.Successes) / float64(variant.Trials+control.Trials)
	se := math.Sqrt(pooled * (1 - pooled) * (1/float64(variant.Trials) + 1/float64(control.Trials)))
	if se == 0 {
		// Pooled rate of exactly 0 or 1 means both arms behaved identically.
		none.EffectSize = cohensH(p1, p2)
		return none
	}

	z := (p1 - p2) / se
	pValue := math.Erfc(math.Abs(z) / math.Sqrt2)

	return SignificanceResult{
		PValue:      pValue,
		EffectSize:  cohensH(p1, p2),
		Significant: pValue < alpha,
	}
}

// cohensH is the arcsine-transformed difference of two proportions.
func cohensH(p1, p2 float64) float64 {
	return 2*math.Asin(math.Sqrt(p1)) - 2*math.Asin(math.Sqrt(p2))
}
