package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var sweepBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// Recorder aggregates the control-loop metrics exposed on /metrics.
type Recorder struct {
	sweepTotal    *prometheus.CounterVec
	sweepDuration *prometheus.HistogramVec
	actionsTotal  *prometheus.CounterVec
	healthStates  *prometheus.GaugeVec
	stuckFailed   prometheus.Counter
}

// New builds and registers the recorder on the default prometheus registry.
// Re-registration (e.g. in tests) reuses the existing collectors.
func New() *Recorder {
	r := &Recorder{
		sweepTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deployer",
			Name:      "sweep_runs_total",
			Help:      "Count of control-loop sweeps by type and outcome",
		}, []string{"sweep", "outcome"}),
		sweepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "deployer",
			Name:      "sweep_duration_seconds",
			Help:      "Latency distribution of control-loop sweeps",
			Buckets:   sweepBuckets,
		}, []string{"sweep"}),
		actionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deployer",
			Name:      "container_actions_total",
			Help:      "Corrective container actions taken by sweeps",
		}, []string{"action"}),
		healthStates: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "deployer",
			Name:      "deployment_health_states",
			Help:      "Deployments by aggregate health state as of the last sweep",
		}, []string{"state"}),
		stuckFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "deployer",
			Name:      "stuck_deployments_failed_total",
			Help:      "Deployments force-failed by stuck detection",
		}),
	}

	r.sweepTotal = registerCounterVec(r.sweepTotal)
	r.sweepDuration = registerHistogramVec(r.sweepDuration)
	r.actionsTotal = registerCounterVec(r.actionsTotal)
	r.healthStates = registerGaugeVec(r.healthStates)
	r.stuckFailed = registerCounter(r.stuckFailed)
	return r
}

// ObserveSweep records one completed sweep.
func (r *Recorder) ObserveSweep(sweep string, duration time.Duration, err error) {
	if r == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.sweepTotal.With(prometheus.Labels{"sweep": sweep, "outcome": outcome}).Inc()
	r.sweepDuration.With(prometheus.Labels{"sweep": sweep}).Observe(duration.Seconds())
}

// AddAction counts corrective container actions, e.g. "restarted" or "removed".
func (r *Recorder) AddAction(action string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.actionsTotal.With(prometheus.Labels{"action": action}).Add(float64(n))
}

// SetHealthState publishes the deployment count for one health state.
func (r *Recorder) SetHealthState(state string, n int) {
	if r == nil {
		return
	}
	r.healthStates.With(prometheus.Labels{"state": state}).Set(float64(n))
}

// AddStuckFailed counts deployments force-failed for lack of phase progress.
func (r *Recorder) AddStuckFailed(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.stuckFailed.Add(float64(n))
}

func registerCounterVec(c *prometheus.CounterVec) *prometheus.CounterVec {
	if err := prometheus.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return c
}

func registerHistogramVec(h *prometheus.HistogramVec) *prometheus.HistogramVec {
	if err := prometheus.Register(h); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing
			}
		}
	}
	return h
}

func registerGaugeVec(g *prometheus.GaugeVec) *prometheus.GaugeVec {
	if err := prometheus.Register(g); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing
			}
		}
	}
	return g
}

func registerCounter(c prometheus.Counter) prometheus.Counter {
	if err := prometheus.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(prometheus.Counter); ok {
				return existing
			}
		}
	}
	return c
}
