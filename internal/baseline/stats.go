package baseline

import (
	"math"
	"sort"
)

// madScale converts a median absolute deviation into an estimate of the
// standard deviation for normally distributed data.
const madScale = 1.4826

func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func StdDev(values []float64, population bool) float64 {
	if len(values) == 0 {
		return 0
	}
	mean := Mean(values)
	sum := 0.0
	for _, v := range values {
		diff := v - mean
		sum += diff * diff
	}
	denom := float64(len(values))
	if !population {
		if len(values) < 2 {
			return 0
		}
		denom = float64(len(values) - 1)
	}
	return math.Sqrt(sum / denom)
}

func Median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

func MAD(values []float64, median float64) float64 {
	if len(values) == 0 {
		return 0
	}
	dev := make([]float64, len(values))
	for i, v := range values {
		dev[i] = math.Abs(v - median)
	}
	return Median(dev)
}

// EMA computes an exponential moving average and the matching EMA of
// squared deviations, returning the smoothed mean and std-dev estimate.
// Values must be in chronological order.
func EMA(values []float64, alpha float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	mean := values[0]
	variance := 0.0
	for _, v := range values[1:] {
		diff := v - mean
		incr := alpha * diff
		mean += incr
		variance = (1 - alpha) * (variance + diff*incr)
	}
	return mean, math.Sqrt(variance)
}

func LinearRegression(xVals []float64, yVals []float64) (slope float64, intercept float64, ok bool) {
	if len(xVals) != len(yVals) || len(xVals) < 2 {
		return 0, 0, false
	}
	n := float64(len(xVals))
	sumX := 0.0
	sumY := 0.0
	sumXY := 0.0
	sumX2 := 0.0
	for i := range xVals {
		sumX += xVals[i]
		sumY += yVals[i]
		sumXY += xVals[i] * yVals[i]
		sumX2 += xVals[i] * xVals[i]
	}
	denom := n*sumX2 - sumX*sumX
	if denom == 0 {
		return 0, 0, false
	}
	slope = (n*sumXY - sumX*sumY) / denom
	intercept = (sumY - slope*sumX) / n
	return slope, intercept, true
}
