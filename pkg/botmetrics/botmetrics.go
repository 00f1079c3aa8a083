package botmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/devincii-io/Botman/pkg/bot"
	"github.com/devincii-io/Botman/pkg/botman"
	"github.com/devincii-io/Botman/pkg/events"
)

const namespace = "botman"

// Source supplies the snapshot a scrape reads. *botman.Manager satisfies it.
type Source interface {
	Snapshot() botman.ManagerSnapshot
}

var allStates = []bot.State{bot.StateIdle, bot.StateRunning, bot.StateError, bot.StateTimeout}

// Collector translates manager snapshots into Prometheus metrics at scrape
// time. Register it with a prometheus.Registerer; it holds no state of its
// own.
type Collector struct {
	src Source

	botRuns         *prometheus.Desc
	botErrors       *prometheus.Desc
	botState        *prometheus.Desc
	botLastRun      *prometheus.Desc
	botTimeoutUntil *prometheus.Desc
	botNextRun      *prometheus.Desc

	bots           *prometheus.Desc
	webhooks       *prometheus.Desc
	engineQueueLen *prometheus.Desc
	engineQueueCap *prometheus.Desc
	engineDropped  *prometheus.Desc
	busQueueLen    *prometheus.Desc
	busDelivered   *prometheus.Desc
	busDropped     *prometheus.Desc
}

func NewCollector(src Source) *Collector {
	botLabels := []string{"bot"}
	return &Collector{
		src: src,

		botRuns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "bot", "runs_total"),
			"Dispatch cycles started, per bot.", botLabels, nil),
		botErrors: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "bot", "errors_total"),
			"Failed attempts, per bot.", botLabels, nil),
		botState: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "bot", "state"),
			"Current bot state (1 for the active state, 0 otherwise).",
			[]string{"bot", "state"}, nil),
		botLastRun: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "bot", "last_run_timestamp_seconds"),
			"Unix time of the last successful run, per bot.", botLabels, nil),
		botTimeoutUntil: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "bot", "timeout_until_timestamp_seconds"),
			"Unix time the current cooldown ends, per bot.", botLabels, nil),
		botNextRun: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "bot", "next_run_timestamp_seconds"),
			"Unix time of the next scheduled occurrence, per bot.", botLabels, nil),

		bots: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "manager", "bots"),
			"Registered bots.", nil, nil),
		webhooks: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "manager", "webhooks"),
			"Attached webhook subscribers.", nil, nil),
		engineQueueLen: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "engine", "queue_len"),
			"Cycles waiting for a worker.", nil, nil),
		engineQueueCap: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "engine", "queue_cap"),
			"Dispatch queue capacity.", nil, nil),
		engineDropped: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "engine", "rejected_total"),
			"Dispatches rejected because the queue was full.", nil, nil),
		busQueueLen: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "events", "queue_len"),
			"Events waiting for delivery.", nil, nil),
		busDelivered: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "events", "delivered_total"),
			"Handler deliveries performed by the bus.", nil, nil),
		busDropped: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "events", "dropped_total"),
			"Events dropped at or after bus shutdown.", nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.botRuns, c.botErrors, c.botState, c.botLastRun, c.botTimeoutUntil, c.botNextRun,
		c.bots, c.webhooks, c.engineQueueLen, c.engineQueueCap, c.engineDropped,
		c.busQueueLen, c.busDelivered, c.busDropped,
	} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.src.Snapshot()

	ch <- prometheus.MustNewConstMetric(c.bots, prometheus.GaugeValue, float64(snap.Bots))
	ch <- prometheus.MustNewConstMetric(c.webhooks, prometheus.GaugeValue, float64(snap.Webhooks))
	ch <- prometheus.MustNewConstMetric(c.engineQueueLen, prometheus.GaugeValue, float64(snap.Engine.QueueLen))
	ch <- prometheus.MustNewConstMetric(c.engineQueueCap, prometheus.GaugeValue, float64(snap.Engine.QueueCap))
	ch <- prometheus.MustNewConstMetric(c.engineDropped, prometheus.CounterValue, float64(snap.Engine.Dropped))
	ch <- prometheus.MustNewConstMetric(c.busQueueLen, prometheus.GaugeValue, float64(snap.Bus.QueueLen))
	ch <- prometheus.MustNewConstMetric(c.busDelivered, prometheus.CounterValue, float64(snap.Bus.Delivered))
	ch <- prometheus.MustNewConstMetric(c.busDropped, prometheus.CounterValue, float64(snap.Bus.Dropped))

	for _, m := range snap.Metrics {
		ch <- prometheus.MustNewConstMetric(c.botRuns, prometheus.CounterValue, float64(m.Runs), m.Name)
		ch <- prometheus.MustNewConstMetric(c.botErrors, prometheus.CounterValue, float64(m.Errors), m.Name)
		for _, st := range allStates {
			v := 0.0
			if m.State == st {
				v = 1.0
			}
			ch <- prometheus.MustNewConstMetric(c.botState, prometheus.GaugeValue, v, m.Name, string(st))
		}
		if !m.LastRun.IsZero() {
			ch <- prometheus.MustNewConstMetric(c.botLastRun, prometheus.GaugeValue, float64(m.LastRun.Unix()), m.Name)
		}
		if !m.TimeoutUntil.IsZero() {
			ch <- prometheus.MustNewConstMetric(c.botTimeoutUntil, prometheus.GaugeValue, float64(m.TimeoutUntil.Unix()), m.Name)
		}
		if !m.NextRun.IsZero() {
			ch <- prometheus.MustNewConstMetric(c.botNextRun, prometheus.GaugeValue, float64(m.NextRun.Unix()), m.Name)
		}
	}
}

// EventObserver counts bus deliveries by type and bot. Close it before
// stopping the bus it watches.
type EventObserver struct {
	bus  *events.Bus
	sub  *events.Subscription
	seen *prometheus.CounterVec
}

func NewEventObserver(reg prometheus.Registerer, bus *events.Bus) *EventObserver {
	seen := promauto.With(reg).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "observed_total",
			Help:      "Events delivered on the bus, by type and bot.",
		},
		[]string{"type", "bot"},
	)
	o := &EventObserver{bus: bus, seen: seen}
	o.sub = bus.Subscribe(events.AllBots(), o.observe)
	return o
}

func (o *EventObserver) observe(ev events.Event) {
	o.seen.WithLabelValues(string(ev.Type), ev.BotName).Inc()
}

func (o *EventObserver) Close() {
	o.bus.Unsubscribe(o.sub)
}
