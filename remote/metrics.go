package remote

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/prometheus/common/expfmt"
)

// remoteMetrics tracks the handful of execution-loop events worth reporting to a Prometheus
// pushgateway: how often a MissingDigests recovery fires, how often a request's wall-clock
// timeout budget is exhausted, and how many best-effort cancellations get sent.
// Grounded on metrics.go in the teacher package; the gateway-push plumbing is unchanged, only
// the counters themselves are domain-specific.
type remoteMetrics struct {
	missingDigestsCounter prometheus.Counter
	timeoutCounter        prometheus.Counter
	cancellationCounter   prometheus.Counter
}

func newRemoteMetrics() *remoteMetrics {
	// Note: this is called once per Client, but won't reset the counter already sitting on the
	// aggregation gateway.
	return &remoteMetrics{
		missingDigestsCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "remote_execution_missing_digests_total",
			Help: "Number of times a FAILED_PRECONDITION/MissingDigests recovery was triggered",
		}),
		timeoutCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "remote_execution_timeouts_total",
			Help: "Number of requests whose wall-clock timeout budget elapsed before completion",
		}),
		cancellationCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "remote_execution_cancellations_total",
			Help: "Number of best-effort CancelOperation RPCs sent",
		}),
	}
}

func (c *Client) incMissingDigests() { c.pushCounter(c.metrics.missingDigestsCounter, "remote_execution_missing_digests_total") }
func (c *Client) incTimeout()        { c.pushCounter(c.metrics.timeoutCounter, "remote_execution_timeouts_total") }
func (c *Client) incCancellation()   { c.pushCounter(c.metrics.cancellationCounter, "remote_execution_cancellations_total") }

func (c *Client) pushCounter(counter prometheus.Counter, job string) {
	counter.Inc()
	if c.metricsGatewayURL == "" {
		log.Debug("no Prometheus pushgateway URL configured, not pushing %s", job)
		return
	}
	if err := push.New(c.metricsGatewayURL, job).Collector(counter).Format(expfmt.FmtText).Push(); err != nil {
		log.Warning("error pushing %s to Prometheus pushgateway: %s", job, err)
	}
}
