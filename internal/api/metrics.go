package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.io/infrasutra/digestd/internal/sse"
)

// statsCollector reads the service counters once per scrape.
type statsCollector struct {
	digests Digests
	hub     *sse.Hub

	submitted    *prometheus.Desc
	drained      *prometheus.Desc
	retried      *prometheus.Desc
	deadLettered *prometheus.Desc
	sent         *prometheus.Desc
	failed       *prometheus.Desc
	queueDepth   *prometheus.Desc
	deadLetters  *prometheus.Desc
	dispatching  *prometheus.Desc
	subscribers  *prometheus.Desc
}

func newStatsCollector(digests Digests, hub *sse.Hub) *statsCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName("digestd", "", name), help, nil, nil)
	}
	return &statsCollector{
		digests:      digests,
		hub:          hub,
		submitted:    desc("submitted_total", "Messages accepted for queueing."),
		drained:      desc("drained_total", "Queued messages folded into a digest."),
		retried:      desc("retried_total", "Queued messages requeued after a failed drain."),
		deadLettered: desc("dead_lettered_total", "Queued messages that exhausted their retries."),
		sent:         desc("sent_total", "Digests handed to the relay."),
		failed:       desc("failed_total", "Digests that could not be delivered."),
		queueDepth:   desc("queue_depth", "Messages waiting for the next drain."),
		deadLetters:  desc("dead_letters", "Dead letters currently retained."),
		dispatching:  desc("dispatching_today", "1 while the dispatch loop scans the current period."),
		subscribers:  desc("stream_subscribers", "Open event stream subscriptions."),
	}
}

func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.submitted, c.drained, c.retried, c.deadLettered, c.sent, c.failed,
		c.queueDepth, c.deadLetters, c.dispatching, c.subscribers,
	} {
		ch <- d
	}
}

func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.digests.Stats()
	counter := func(d *prometheus.Desc, v int64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	gauge := func(d *prometheus.Desc, v int) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v))
	}
	counter(c.submitted, stats.Submitted)
	counter(c.drained, stats.Drained)
	counter(c.retried, stats.Retried)
	counter(c.deadLettered, stats.DeadLettered)
	counter(c.sent, stats.Sent)
	counter(c.failed, stats.Failed)
	gauge(c.queueDepth, stats.QueueDepth)
	gauge(c.deadLetters, len(c.digests.DeadLetters()))
	dispatching := 0
	if stats.Dispatching {
		dispatching = 1
	}
	gauge(c.dispatching, dispatching)
	gauge(c.subscribers, c.hub.Subscribers())
}

func newMetricsHandler(digests Digests, hub *sse.Hub) http.Handler {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		newStatsCollector(digests, hub),
	)
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}
