package regmodel

import (
	"fmt"
	"math"

	"github.com/go-pretender/pretender/internal/trace"
)

// outlierZThreshold approximates the original's studentized-residual test
// (p < 0.0001) with a z-score cutoff on the regression residual of the
// leading point; it exists because this package avoids depending on a
// statistics library for a single outlier test.
const outlierZThreshold = 3.89

// Increasing fits a monotonically-increasing register -- a free-running
// timer or counter -- to a linear regression of value against elapsed
// time, after trimming a leading run of outlier reads and replaying them
// verbatim. Grounded on the original's IncreasingModel.
type Increasing struct {
	Slope     float64
	Intercept float64

	// OutlierPrefix holds the leading reads that did not fit the linear
	// trend; they replay verbatim before the model switches to regression.
	OutlierPrefix []uint32

	replayIndex    int
	firstGuessTime float64
	haveFirstGuess bool
}

func (inc *Increasing) sealed() {}

func (inc *Increasing) String() string {
	return fmt.Sprintf("<Increasing y = %f*x + %f>", inc.Slope, inc.Intercept)
}

// Write is accepted without effect; increasing registers are read-only
// replay models.
func (inc *Increasing) Write(_ uint32) bool {
	return true
}

// Read replays the outlier prefix verbatim, then predicts
// round(slope*(now-t0)+intercept) once the prefix is exhausted.
func (inc *Increasing) Read(now float64) uint32 {
	if inc.replayIndex < len(inc.OutlierPrefix) {
		v := inc.OutlierPrefix[inc.replayIndex]
		inc.replayIndex++

		return v
	}

	if !inc.haveFirstGuess {
		inc.firstGuessTime = now
		inc.haveFirstGuess = true
	}

	elapsed := now - inc.firstGuessTime
	predicted := elapsed*inc.Slope + inc.Intercept

	if predicted < 0 {
		return 0
	}

	return uint32(math.Round(predicted))
}

// Merge averages the two models' slope and intercept. The original logs
// (but otherwise ignores) a mismatched outlier prefix; this keeps that
// permissiveness since a recording-specific verbatim prefix is not in
// itself evidence the underlying trend differs.
func (inc *Increasing) Merge(other Model) bool {
	o, ok := other.(*Increasing)
	if !ok {
		return false
	}

	inc.Slope = (inc.Slope + o.Slope) / 2
	inc.Intercept = (inc.Intercept + o.Intercept) / 2

	return true
}

func (inc *Increasing) fit(regLog []trace.Record) bool {
	reads := readRecords(regLog)

	values := make([]uint32, len(reads))
	for i, r := range reads {
		values[i] = r.Value
	}

	if !fitsIncreasing(values) {
		return false
	}

	times := make([]float64, len(reads))
	y := make([]float64, len(reads))

	for i, r := range reads {
		times[i] = r.Timestamp
		y[i] = float64(r.Value)
	}

	inc.trainModel(times, y)

	return true
}

// fitsIncreasing checks that fewer than half the reads are inversions and
// that the last inversion falls within the first half of the sequence --
// i.e. the series settles into a steady increasing state.
func fitsIncreasing(values []uint32) bool {
	if len(values) < 3 {
		return false
	}

	var lastInversion = -1

	var last uint32

	first := true

	inversions := 0

	for i, v := range values {
		if !first && v < last {
			inversions++
			lastInversion = i
		}

		last = v
		first = false
	}

	threshold := 0.5 * float64(len(values))

	if inversions == 0 {
		return true
	}

	return float64(inversions) < threshold && float64(lastInversion) < threshold
}

// trainModel fits a linear regression of y against elapsed time, trimming
// a leading run of points whose residual z-score exceeds
// outlierZThreshold and replaying them verbatim, mirroring the original's
// loop that only ever removes the point at index 0.
func (inc *Increasing) trainModel(x, y []float64) {
	if len(x) == 0 {
		return
	}

	t0 := x[0]

	fixedX := make([]float64, len(x))
	for i, t := range x {
		fixedX[i] = t - t0
	}

	fixedY := make([]float64, len(y))
	copy(fixedY, y)

	if len(fixedX) == 1 {
		inc.Slope = 0
		inc.Intercept = fixedY[0]

		return
	}

	for {
		slope, intercept := linregress(fixedX, fixedY)

		if len(fixedX) < 3 {
			inc.Slope, inc.Intercept = slope, intercept
			break
		}

		residuals := make([]float64, len(fixedX))
		for i := range fixedX {
			residuals[i] = fixedY[i] - (slope*fixedX[i] + intercept)
		}

		stddev := stddevOf(residuals)
		if stddev == 0 {
			inc.Slope, inc.Intercept = slope, intercept
			break
		}

		z0 := residuals[0] / stddev
		if z0 < 0 {
			z0 = -z0
		}

		if z0 < outlierZThreshold {
			inc.Slope, inc.Intercept = slope, intercept
			break
		}

		inc.OutlierPrefix = append(inc.OutlierPrefix, uint32(fixedY[0]))
		fixedX = fixedX[1:]
		fixedY = fixedY[1:]

		if len(fixedX) < 2 {
			inc.Slope = 0
			if len(fixedY) > 0 {
				inc.Intercept = fixedY[0]
			}

			break
		}

		base := fixedX[0]
		for i := range fixedX {
			fixedX[i] -= base
		}
	}
}

// linregress fits y = slope*x + intercept by ordinary least squares.
func linregress(x, y []float64) (slope, intercept float64) {
	n := float64(len(x))
	if n == 0 {
		return 0, 0
	}

	var sumX, sumY, sumXY, sumXX float64

	for i := range x {
		sumX += x[i]
		sumY += y[i]
		sumXY += x[i] * y[i]
		sumXX += x[i] * x[i]
	}

	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0, sumY / n
	}

	slope = (n*sumXY - sumX*sumY) / denom
	intercept = (sumY - slope*sumX) / n

	return slope, intercept
}

func stddevOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}

	var mean float64
	for _, v := range values {
		mean += v
	}

	mean /= float64(len(values))

	var variance float64
	for _, v := range values {
		d := v - mean
		variance += d * d
	}

	variance /= float64(len(values))

	return math.Sqrt(variance)
}
