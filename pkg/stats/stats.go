// Package stats implements the sequential probability ratio test and the
// Elo/LOS estimators used to decide when a run has seen enough games.
//
// All functions are pure: they operate on pentanomial counts, i.e. counts of
// game-pair outcomes indexed by the pair score in half points
// (0 = loss-loss, 1 = loss-draw, 2 = draw-draw or win-loss, 3 = draw-win,
// 4 = win-win).
package stats

import (
	"math"
)

const (
	// z975 is the 97.5% quantile of the standard normal distribution.
	z975 = 1.959963984540054

	// minVariance keeps the normal approximation finite when every observed
	// pair has the same score.
	minVariance = 1e-3

	scoreEpsilon = 1e-6
)

// pairScores maps a pentanomial bucket to the score of the pair in [0, 1].
var pairScores = [5]float64{0, 0.25, 0.5, 0.75, 1}

// Pentanomial holds counts of game-pair outcomes.
type Pentanomial [5]int

// Pairs returns the number of game pairs counted.
func (p Pentanomial) Pairs() int {
	n := 0
	for _, c := range p {
		n += c
	}

	return n
}

// Verdict is the outcome of an SPRT evaluation.
type Verdict string

const (
	Continue Verdict = "continue"
	Accept   Verdict = "accept"
	Reject   Verdict = "reject"
)

// moments returns the mean pair score, its per-pair variance and the number
// of pairs. Buckets with zero observations contribute nothing.
func moments(p Pentanomial) (mean, variance float64, n int) {
	n = p.Pairs()
	if n == 0 {
		return 0.5, 0, 0
	}

	total := float64(n)

	for i, c := range p {
		if c == 0 {
			continue
		}

		mean += float64(c) / total * pairScores[i]
	}

	for i, c := range p {
		if c == 0 {
			continue
		}

		d := pairScores[i] - mean
		variance += float64(c) / total * d * d
	}

	return mean, variance, n
}

// EloToScore converts a logistic Elo difference to an expected score.
func EloToScore(elo float64) float64 {
	return 1 / (1 + math.Pow(10, -elo/400))
}

// ScoreToElo converts an expected score to a logistic Elo difference.
// Scores are clamped away from 0 and 1 so the result is always finite.
func ScoreToElo(score float64) float64 {
	score = math.Min(math.Max(score, scoreEpsilon), 1-scoreEpsilon)

	return -400 * math.Log10(1/score-1)
}

// LLR returns the generalized log-likelihood ratio of the hypothesis
// elo = elo1 against elo = elo0 for the observed pentanomial counts, using
// the normal approximation of the pair-score distribution.
func LLR(p Pentanomial, elo0, elo1 float64) float64 {
	mean, variance, n := moments(p)
	if n == 0 {
		return 0
	}

	variance = math.Max(variance, minVariance)

	s0 := EloToScore(elo0)
	s1 := EloToScore(elo1)

	return float64(n) / (2 * variance) * (s1 - s0) * (2*mean - s0 - s1)
}

// Bounds returns the lower and upper LLR stopping bounds for the given
// type-I (alpha) and type-II (beta) error rates.
func Bounds(alpha, beta float64) (lower, upper float64) {
	return math.Log(beta / (1 - alpha)), math.Log((1 - beta) / alpha)
}

// SPRTVerdict decides whether a test may stop. Tests with fewer than
// minPairs game pairs always continue.
func SPRTVerdict(llr, lower, upper float64, pairs, minPairs int) Verdict {
	if pairs < minPairs {
		return Continue
	}

	switch {
	case llr >= upper:
		return Accept
	case llr <= lower:
		return Reject
	default:
		return Continue
	}
}

// EloEstimate is an Elo difference with its 95% confidence interval.
type EloEstimate struct {
	Elo   float64 `json:"elo"`
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// Elo estimates the Elo difference from pentanomial counts with a 95%
// confidence interval derived from the normal approximation.
func Elo(p Pentanomial) EloEstimate {
	mean, variance, n := moments(p)
	if n == 0 {
		return EloEstimate{}
	}

	stderr := math.Sqrt(variance / float64(n))

	return EloEstimate{
		Elo:   ScoreToElo(mean),
		Lower: ScoreToElo(mean - z975*stderr),
		Upper: ScoreToElo(mean + z975*stderr),
	}
}

// LOS returns the likelihood of superiority: the probability that the true
// pair score exceeds one half.
func LOS(p Pentanomial) float64 {
	mean, variance, n := moments(p)
	if n == 0 {
		return 0.5
	}

	stderr := math.Sqrt(variance / float64(n))
	if stderr == 0 {
		switch {
		case mean > 0.5:
			return 1
		case mean < 0.5:
			return 0
		default:
			return 0.5
		}
	}

	return normalCDF((mean - 0.5) / stderr)
}

func normalCDF(x float64) float64 {
	return 0.5 * math.Erfc(-x/math.Sqrt2)
}

// SPRTParams configures a sequential probability ratio test.
type SPRTParams struct {
	Elo0  float64 `json:"elo0" yaml:"elo0" mapstructure:"elo0"`
	Elo1  float64 `json:"elo1" yaml:"elo1" mapstructure:"elo1"`
	Alpha float64 `json:"alpha" yaml:"alpha" mapstructure:"alpha"`
	Beta  float64 `json:"beta" yaml:"beta" mapstructure:"beta"`
}

// Summary is a derived view of the statistics of a set of pentanomial counts.
type Summary struct {
	Pairs      int         `json:"pairs"`
	LLR        float64     `json:"llr"`
	LowerBound float64     `json:"lower_bound"`
	UpperBound float64     `json:"upper_bound"`
	Elo        EloEstimate `json:"elo"`
	LOS        float64     `json:"los"`
	Verdict    Verdict     `json:"verdict,omitempty"`
}

// Summarize computes the display statistics for p. When sprt is nil the LLR
// fields are left at zero and no verdict is computed.
func Summarize(p Pentanomial, sprt *SPRTParams, minPairs int) Summary {
	sum := Summary{
		Pairs: p.Pairs(),
		Elo:   Elo(p),
		LOS:   LOS(p),
	}

	if sprt == nil {
		return sum
	}

	sum.LowerBound, sum.UpperBound = Bounds(sprt.Alpha, sprt.Beta)
	sum.LLR = LLR(p, sprt.Elo0, sprt.Elo1)
	sum.Verdict = SPRTVerdict(
		sum.LLR, sum.LowerBound, sum.UpperBound, sum.Pairs, minPairs,
	)

	return sum
}
