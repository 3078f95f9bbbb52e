package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	SendOK = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_chat_send_ok_total",
		Help: "Total sends fully delivered to both parties.",
	})
	SendPartial = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_chat_send_partial_total",
		Help: "Total sends persisted for the sender but not fully fanned out.",
	})
	SendRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "im_chat_send_rejected_total",
		Help: "Total sends rejected before any write, by reason.",
	}, []string{"reason"})
	SendFail = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_chat_send_fail_total",
		Help: "Total sends where the sender copy could not be written.",
	})
	SendDuplicate = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_chat_send_duplicate_total",
		Help: "Total sends answered from the client idempotency cache.",
	})
	StepRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "im_chat_step_retries_total",
		Help: "Total retried fan-out writes, by step.",
	}, []string{"step"})
	SendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "im_chat_send_seconds",
		Help:    "Send latency including fan-out.",
		Buckets: prometheus.DefBuckets,
	})

	Subscribers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "im_chat_subscribers",
		Help: "Current open subscription streams, by kind.",
	}, []string{"kind"})
	SubscriberOverflow = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_chat_subscriber_overflow_total",
		Help: "Total streams terminated because the subscriber fell behind.",
	})
	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "im_chat_events_published_total",
		Help: "Total events queued to subscribers, by kind.",
	}, []string{"kind"})

	OnlineConns = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "im_chat_ws_conns",
		Help: "Current websocket connections (approx).",
	})

	OutboxSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_chat_outbox_sent_total",
		Help: "Total outbox events published to MQ.",
	})
	OutboxFail = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_chat_outbox_fail_total",
		Help: "Total outbox publish failures.",
	})
	BreakerOpen = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_chat_breaker_open_total",
		Help: "Total times a circuit breaker opened for an MQ topic.",
	})
	BreakerDrop = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_chat_breaker_drop_total",
		Help: "Total outbox events deferred because the breaker was open.",
	})
)

func Register() {
	prometheus.MustRegister(
		SendOK, SendPartial, SendRejected, SendFail, SendDuplicate, StepRetries, SendLatency,
		Subscribers, SubscriberOverflow, EventsPublished,
		OnlineConns,
		OutboxSent, OutboxFail, BreakerOpen, BreakerDrop,
	)
}
