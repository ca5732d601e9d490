// Package stats has running and batch summary statistics used to report results.
package stats

import (
	"fmt"
	"math"

	mstats "github.com/montanaflynn/stats"
	"github.com/pkg/errors"
)

// Running mean and stddev as per http://www.johndcook.com/blog/standard_deviation/
type Average struct {
	Count, Mean float64
	Var, StdDev float64
	oldM, oldV  float64
}

func (s *Average) Add(x float64) {
	s.Count++
	if s.Count == 1 {
		s.oldM, s.Mean = x, x
		s.oldV = 0
	} else {
		s.Mean = s.oldM + (x-s.oldM)/s.Count
		s.Var = s.oldV + (x-s.oldM)*(x-s.Mean)
		s.oldM, s.oldV = s.Mean, s.Var
		s.StdDev = math.Sqrt(s.Var / (s.Count - 1))
	}
}

func (s *Average) String() string {
	return fmt.Sprintf("%.3f±%.3f", s.Mean, s.StdDev)
}

// Summary of a set of values
type Summary struct {
	Count  int
	Mean   float64
	Median float64
	StdDev float64
	Min    float64
	Max    float64
}

// Summarise computes descriptive statistics for the values, an empty input gives a zero Summary.
func Summarise(values []float32) (s Summary, err error) {
	if len(values) == 0 {
		return s, nil
	}
	data := make(mstats.Float64Data, len(values))
	for i, v := range values {
		data[i] = float64(v)
	}
	s.Count = len(data)
	if s.Mean, err = data.Mean(); err != nil {
		return s, errors.Wrap(err, "mean")
	}
	if s.Median, err = data.Median(); err != nil {
		return s, errors.Wrap(err, "median")
	}
	if s.StdDev, err = data.StandardDeviation(); err != nil {
		return s, errors.Wrap(err, "stddev")
	}
	if s.Min, err = data.Min(); err != nil {
		return s, errors.Wrap(err, "min")
	}
	if s.Max, err = data.Max(); err != nil {
		return s, errors.Wrap(err, "max")
	}
	return s, nil
}
