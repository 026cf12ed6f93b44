package timerset

import (
	"time"

	"github.com/kienpl96/kannel/metrics"
	"github.com/sirupsen/logrus"
)

// Option configures a TimerSet at construction time.
type Option func(*TimerSet)

// WithLogger overrides the default logrus.StandardLogger().
func WithLogger(log logrus.FieldLogger) Option {
	return func(ts *TimerSet) { ts.log = log }
}

// WithMetrics attaches a metrics.Collector. A nil collector (the default)
// disables metric emission without requiring callers to check for it.
func WithMetrics(c *metrics.Collector) Option {
	return func(ts *TimerSet) { ts.metrics = c }
}

// WithClock overrides the wall-clock source, for deterministic tests.
// Defaults to time.Now.
func WithClock(now func() time.Time) Option {
	return func(ts *TimerSet) { ts.now = now }
}
