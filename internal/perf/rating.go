package perf

// Metric names a page-quality metric.
type Metric string

const (
	LCP Metric = "LCP"
	CLS Metric = "CLS"
	INP Metric = "INP"
)

// Rating buckets a metric value.
type Rating string

const (
	Good             Rating = "good"
	NeedsImprovement Rating = "needs_improvement"
	Poor             Rating = "poor"
)

// Thresholds are inclusive upper bounds for Good and NeedsImprovement.
type Thresholds struct {
	Good             float64
	NeedsImprovement float64
}

var thresholds = map[Metric]Thresholds{
	LCP: {Good: 2500, NeedsImprovement: 4000},
	CLS: {Good: 0.1, NeedsImprovement: 0.25},
	INP: {Good: 200, NeedsImprovement: 500},
}

// ThresholdsFor returns the fixed thresholds of m.
func ThresholdsFor(m Metric) (Thresholds, bool) {
	t, ok := thresholds[m]
	return t, ok
}

// Rate rates value for metric m. Unknown metrics rate as Poor.
func Rate(m Metric, value float64) Rating {
	t, ok := thresholds[m]
	if !ok {
		return Poor
	}
	switch {
	case value <= t.Good:
		return Good
	case value <= t.NeedsImprovement:
		return NeedsImprovement
	}
	return Poor
}

// Observation is one rated metric value.
type Observation struct {
	Metric Metric  `json:"metric"`
	Value  float64 `json:"value"`
	Rating Rating  `json:"rating"`
}
