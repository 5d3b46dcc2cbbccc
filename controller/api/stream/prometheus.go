package stream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metricsVecs struct {
	subscribers *prometheus.GaugeVec
	polled      *prometheus.CounterVec
	unmatched   *prometheus.CounterVec
	delivered   *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	commits     *prometheus.CounterVec
}

type metrics struct {
	topic       string
	subscribers prometheus.Gauge
	polled      prometheus.Counter
	unmatched   prometheus.Counter
	delivered   prometheus.Counter
	commits     prometheus.Counter
	droppedVec  *prometheus.CounterVec
}

var streamVecs = newMetricsVecs()

func newMetricsVecs() metricsVecs {
	topic := []string{"topic"}
	return metricsVecs{
		subscribers: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "stream_subscribers",
				Help: "A gauge for the current number of attached subscriber queues.",
			},
			topic,
		),
		polled: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stream_messages_polled_total",
				Help: "A counter for messages read from the bus.",
			},
			topic,
		),
		unmatched: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stream_messages_unmatched_total",
				Help: "A counter for messages that matched no subscriber and were left uncommitted.",
			},
			topic,
		),
		delivered: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stream_deliveries_total",
				Help: "A counter for payloads enqueued to subscriber queues.",
			},
			topic,
		),
		dropped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stream_dropped_total",
				Help: "A counter for payloads dropped after the back-pressure timeout, per subscription key.",
			},
			[]string{"topic", "key"},
		),
		commits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stream_commits_total",
				Help: "A counter for offsets committed to the bus.",
			},
			topic,
		),
	}
}

func newMetrics(topic string) metrics {
	labels := prometheus.Labels{"topic": topic}
	return metrics{
		topic:       topic,
		subscribers: streamVecs.subscribers.With(labels),
		polled:      streamVecs.polled.With(labels),
		unmatched:   streamVecs.unmatched.With(labels),
		delivered:   streamVecs.delivered.With(labels),
		commits:     streamVecs.commits.With(labels),
		droppedVec:  streamVecs.dropped,
	}
}

func (m metrics) setSubscribers(n int) {
	m.subscribers.Set(float64(n))
}

func (m metrics) incDropped(key string) {
	m.droppedVec.With(prometheus.Labels{"topic": m.topic, "key": key}).Inc()
}
