package deviation

import "math"

// DefaultConfidence is used when no trade in the window carries a confidence.
const DefaultConfidence = 0.7

const epsilon = 1e-9

// running accumulates mean and variance in one pass (Welford).
type running struct {
	n    int
	mean float64
	m2   float64
}

func (r *running) add(x float64) {
	r.n++
	d := x - r.mean
	r.mean += d / float64(r.n)
	r.m2 += d * (x - r.mean)
}

// std is the sample standard deviation; zero below two samples.
func (r running) std() float64 {
	if r.n < 2 {
		return 0
	}
	return math.Sqrt(r.m2 / float64(r.n-1))
}

// ComputeBaseline summarizes window. It is deterministic: the same window
// always yields the same metrics. CalculatedAt is left for the caller.
func ComputeBaseline(window []TradeRecord) Baseline {
	var wr, pnl, rr, exp, conf running
	for _, t := range window {
		wr.add(t.WinRate)
		pnl.add(t.PnL)
		rr.add(t.RiskReward)
		if t.ExpectedReturn != nil {
			exp.add(*t.ExpectedReturn)
		}
		if t.Confidence != nil {
			conf.add(*t.Confidence)
		}
	}

	b := Baseline{
		AvgWinRate:     wr.mean,
		StdWinRate:     wr.std(),
		AvgPnL:         pnl.mean,
		StdPnL:         pnl.std(),
		AvgRiskReward:  rr.mean,
		StdRiskReward:  rr.std(),
		ExpectedReturn: pnl.mean,
		Confidence:     DefaultConfidence,
		TradeCount:     len(window),
	}
	if exp.n > 0 {
		b.ExpectedReturn = exp.mean
	}
	if conf.n > 0 {
		b.Confidence = conf.mean
	}
	return b
}

// RelativeDeviation is |current-avg|/|avg|, or the plain magnitude
// |current-avg| when avg is effectively zero.
func RelativeDeviation(current, avg float64) float64 {
	d := math.Abs(current - avg)
	if a := math.Abs(avg); a > epsilon {
		return d / a
	}
	return d
}
