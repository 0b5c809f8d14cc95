// Package scoring converts a correct answer's attempt count and elapsed time
// into points.
package scoring

import "math"

const (
	// thresholdFactor times the base score gives the decay threshold in seconds.
	thresholdFactor = 24
	decayOffset     = 20
	decayPivot      = 8
	decayScale      = 5
	// attemptDivisor splits the base score into the per-attempt penalty.
	attemptDivisor = 5
)

// Breakdown explains how a score was reached.
type Breakdown struct {
	BaseScore       int
	Attempts        int
	ElapsedSeconds  int
	Threshold       int
	AttemptPenalty  float64
	DecayMultiplier float64
	Points          int
}

// Threshold returns the elapsed time in seconds after which decay applies.
func Threshold(baseScore int) int {
	return thresholdFactor * baseScore
}

// Score returns the points for a correct answer. Out-of-range inputs are
// clamped: attempts below 1 count as 1 and negative elapsed time as 0.
func Score(attempts, baseScore, elapsedSeconds int) int {
	return Explain(attempts, baseScore, elapsedSeconds).Points
}

func Explain(attempts, baseScore, elapsedSeconds int) Breakdown {
	if attempts < 1 {
		attempts = 1
	}
	if elapsedSeconds < 0 {
		elapsedSeconds = 0
	}

	b := Breakdown{
		BaseScore:       baseScore,
		Attempts:        attempts,
		ElapsedSeconds:  elapsedSeconds,
		Threshold:       Threshold(baseScore),
		DecayMultiplier: 1,
	}

	b.AttemptPenalty = float64(attempts-1) * (float64(baseScore) / attemptDivisor)
	raw := float64(baseScore) - b.AttemptPenalty

	if elapsedSeconds > b.Threshold {
		// elapsed > threshold keeps the log argument at 21 or more.
		arg := float64(elapsedSeconds - (b.Threshold - decayOffset))
		b.DecayMultiplier = -(math.Log(arg) - decayPivot) / decayScale
		raw *= b.DecayMultiplier
	}

	points := int(math.RoundToEven(raw))
	if points < 1 {
		points = 1
	}
	b.Points = points
	return b
}
