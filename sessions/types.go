package sessions

import "time"

// MetricsSink allows optional instrumentation without hard dependency.
type MetricsSink interface {
	IncCounter(name string, tags map[string]string)
	ObserveHistogram(name string, value float64, tags map[string]string)
}

// SessionOption configures a session at creation.
type SessionOption func(*sessionOptions)

type sessionOptions struct {
	duration    time.Duration
	hasDuration bool
}

// WithDuration gives the session an explicit, renewable lease. Sessions
// created without one expire as soon as their last scope is removed.
func WithDuration(d time.Duration) SessionOption {
	return func(o *sessionOptions) {
		o.duration = d
		o.hasDuration = true
	}
}

// ParallelOption configures ParallelForEach.
type ParallelOption func(*parallelOptions)

type parallelOptions struct {
	maxDegreeOfParallelism int
}

// WithMaxDegreeOfParallelism caps the number of concurrently running actions.
// Values <= 0 remove the cap.
func WithMaxDegreeOfParallelism(n int) ParallelOption {
	return func(o *parallelOptions) { o.maxDegreeOfParallelism = n }
}
