// Package rtmetrics exposes the core's runtime state as Prometheus metrics:
// connection-state gauge, per-channel counters, and ack/nack counters,
// mirroring the teacher's promauto gauges in cmd/pulse-agent/main.go.
package rtmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/relaywire/realtime-go/internal/connfsm"
)

// Collector wires the core's observable state into a prometheus.Registerer.
// It is optional: a client constructed without one simply skips metrics
// recording (the methods of a nil *Collector are no-ops; rtmetrics.Nop()
// returns a working Collector on a private registry).
type Collector struct {
	connectionState *prometheus.GaugeVec
	framesSent      prometheus.Counter
	framesReceived  prometheus.Counter
	channelAttaches *prometheus.CounterVec
	messagesIn      *prometheus.CounterVec
	messagesOut     *prometheus.CounterVec
	acks            prometheus.Counter
	nacks           prometheus.Counter
	reattaches      *prometheus.CounterVec
}

// New registers the core's metric set against reg, matching the teacher's
// direct use of promauto.With(reg) in cmd/pulse-agent/main.go rather than
// the global default registerer (so multiple clients in one process don't
// collide).
func New(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		connectionState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "realtime",
			Name:      "connection_state",
			Help:      "1 for the connection's current state, 0 otherwise, labeled by state name.",
		}, []string{"state"}),
		framesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: "realtime", Name: "frames_sent_total", Help: "Protocol frames sent on the transport.",
		}),
		framesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: "realtime", Name: "frames_received_total", Help: "Protocol frames received on the transport.",
		}),
		channelAttaches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "realtime", Name: "channel_attaches_total", Help: "Channel attach attempts, labeled by channel.",
		}, []string{"channel"}),
		messagesIn: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "realtime", Name: "messages_delivered_total", Help: "Messages dispatched to subscribers, labeled by channel.",
		}, []string{"channel"}),
		messagesOut: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "realtime", Name: "messages_published_total", Help: "Publish calls issued, labeled by channel.",
		}, []string{"channel"}),
		acks: f.NewCounter(prometheus.CounterOpts{
			Namespace: "realtime", Name: "publish_acks_total", Help: "Publishes acknowledged by the server.",
		}),
		nacks: f.NewCounter(prometheus.CounterOpts{
			Namespace: "realtime", Name: "publish_nacks_total", Help: "Publishes rejected by the server.",
		}),
		reattaches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "realtime", Name: "channel_reattaches_total", Help: "Automatic channel reattaches, labeled by cause.",
		}, []string{"cause"}),
	}
}

// Nop returns a Collector backed by an isolated registry, safe to use when
// the caller has no Prometheus registerer to hand us.
func Nop() *Collector {
	return New(prometheus.NewRegistry())
}

// ObserveConnectionState records a connection transition by zeroing every
// known state gauge and setting the current one, so a simple sum(state)
// query always reads 1.
func (c *Collector) ObserveConnectionState(s connfsm.State) {
	if c == nil {
		return
	}
	for name := connfsm.Initialized; name <= connfsm.Failed; name++ {
		c.connectionState.WithLabelValues(name.String()).Set(0)
	}
	c.connectionState.WithLabelValues(s.String()).Set(1)
}

func (c *Collector) FrameSent()     { if c != nil { c.framesSent.Inc() } }
func (c *Collector) FrameReceived() { if c != nil { c.framesReceived.Inc() } }

func (c *Collector) ChannelAttach(channel string) {
	if c != nil {
		c.channelAttaches.WithLabelValues(channel).Inc()
	}
}

func (c *Collector) MessageDelivered(channel string) {
	if c != nil {
		c.messagesIn.WithLabelValues(channel).Inc()
	}
}

func (c *Collector) MessagePublished(channel string) {
	if c != nil {
		c.messagesOut.WithLabelValues(channel).Inc()
	}
}

func (c *Collector) Ack()  { if c != nil { c.acks.Inc() } }
func (c *Collector) Nack() { if c != nil { c.nacks.Inc() } }

func (c *Collector) Reattach(cause string) {
	if c != nil {
		c.reattaches.WithLabelValues(cause).Inc()
	}
}
