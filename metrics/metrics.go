// Package metrics exposes the Prometheus counters and gauges the timer
// set and connection layer update as they operate, grounded on
// _examples/malbeclabs-doublezero/go.mod's direct
// github.com/prometheus/client_golang require.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collector bundles every metric this module emits. A nil *Collector is
// valid everywhere it's accepted: all methods on it are no-ops, so
// callers that don't want metrics can pass nil.
type Collector struct {
	TimersFired      prometheus.Counter
	TimersCancelled  prometheus.Counter
	TimersStarted    prometheus.Counter
	ConnBytesRead    prometheus.Counter
	ConnBytesWritten prometheus.Counter
	ConnReadErrors   prometheus.Counter
	ConnWriteErrors  prometheus.Counter
	ConnOutbufBytes  prometheus.Gauge
}

// NewCollector builds a Collector and registers its metrics with reg. Pass
// prometheus.NewRegistry() in tests to avoid polluting the default
// registry, or prometheus.DefaultRegisterer in production.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		TimersFired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kannel_timers_fired_total",
			Help: "Total number of timers that elapsed and produced an event.",
		}),
		TimersCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kannel_timers_cancelled_total",
			Help: "Total number of in-flight timer events removed by abort_elapsed.",
		}),
		TimersStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kannel_timers_started_total",
			Help: "Total number of timer_start calls.",
		}),
		ConnBytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kannel_conn_bytes_read_total",
			Help: "Total bytes read off connection file descriptors.",
		}),
		ConnBytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kannel_conn_bytes_written_total",
			Help: "Total bytes written to connection file descriptors.",
		}),
		ConnReadErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kannel_conn_read_errors_total",
			Help: "Total non-transient read errors observed.",
		}),
		ConnWriteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kannel_conn_write_errors_total",
			Help: "Total non-transient write errors observed.",
		}),
		ConnOutbufBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kannel_conn_outbuf_bytes",
			Help: "Sum of unwritten bytes currently buffered across connections.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			c.TimersFired, c.TimersCancelled, c.TimersStarted,
			c.ConnBytesRead, c.ConnBytesWritten,
			c.ConnReadErrors, c.ConnWriteErrors, c.ConnOutbufBytes,
		)
	}
	return c
}

func (c *Collector) incTimersFired() {
	if c != nil {
		c.TimersFired.Inc()
	}
}

func (c *Collector) incTimersCancelled() {
	if c != nil {
		c.TimersCancelled.Inc()
	}
}

func (c *Collector) incTimersStarted() {
	if c != nil {
		c.TimersStarted.Inc()
	}
}

// IncTimersFired records a timer elapsing and producing an event.
func (c *Collector) IncTimersFired() { c.incTimersFired() }

// IncTimersCancelled records abort_elapsed actually removing an event.
func (c *Collector) IncTimersCancelled() { c.incTimersCancelled() }

// IncTimersStarted records a timer_start call.
func (c *Collector) IncTimersStarted() { c.incTimersStarted() }

// AddBytesRead records bytes read from a connection fd.
func (c *Collector) AddBytesRead(n int) {
	if c != nil && n > 0 {
		c.ConnBytesRead.Add(float64(n))
	}
}

// AddBytesWritten records bytes written to a connection fd.
func (c *Collector) AddBytesWritten(n int) {
	if c != nil && n > 0 {
		c.ConnBytesWritten.Add(float64(n))
	}
}

// IncReadErrors records a sticky read error.
func (c *Collector) IncReadErrors() {
	if c != nil {
		c.ConnReadErrors.Inc()
	}
}

// IncWriteErrors records a fatal write error.
func (c *Collector) IncWriteErrors() {
	if c != nil {
		c.ConnWriteErrors.Inc()
	}
}

// SetOutbufBytes updates the aggregate buffered-output gauge by delta.
func (c *Collector) SetOutbufBytes(delta float64) {
	if c != nil {
		c.ConnOutbufBytes.Add(delta)
	}
}
