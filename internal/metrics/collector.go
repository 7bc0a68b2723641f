package sasmetrics

import (
	"net/netip"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "udpsas"
	subsystem = "probe"
)

// Label names for probe metrics.
const (
	labelLocalAddr = "local_addr"
	labelPeerAddr  = "peer_addr"
)

// -------------------------------------------------------------------------
// Collector — Prometheus Probe Metrics
// -------------------------------------------------------------------------

// Collector holds all probe Prometheus metrics.
//
// Metrics are designed for diagnosing multihomed hosts:
//   - Reflector counters break traffic down by the local address each
//     datagram actually arrived on, which a wildcard-bound socket
//     otherwise hides.
//   - Prober counters pair every probe with its reply and flag replies
//     whose source does not match the contacted address, the failure
//     mode source-address selection exists to prevent.
type Collector struct {
	// DatagramsReflected counts datagrams echoed by the reflector,
	// labeled with the local address they arrived on.
	DatagramsReflected *prometheus.CounterVec

	// BytesReflected counts payload bytes echoed by the reflector per
	// arrival address.
	BytesReflected *prometheus.CounterVec

	// DatagramsObserved counts datagrams seen by the watcher per
	// arrival address and peer.
	DatagramsObserved *prometheus.CounterVec

	// ProbesSent counts probe datagrams transmitted per target.
	ProbesSent *prometheus.CounterVec

	// RepliesReceived counts probe replies per target.
	RepliesReceived *prometheus.CounterVec

	// SourceMismatches counts replies whose source address differs from
	// the address the probe was sent to. A non-zero value means the
	// responder answers from the wrong interface address.
	SourceMismatches *prometheus.CounterVec

	// ReplyRTT observes the round-trip time of each probe reply in
	// seconds, per target.
	ReplyRTT *prometheus.HistogramVec

	// PktinfoMissing counts received datagrams that carried no pktinfo
	// record. A non-zero value means the socket options were not
	// applied before traffic arrived.
	PktinfoMissing prometheus.Counter

	// ReflectErrors counts read and echo failures that were logged and
	// skipped by the reflector loop.
	ReflectErrors prometheus.Counter
}

// NewCollector creates a Collector with all probe metrics registered
// against the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
//
// All metrics are created with the "udpsas_probe_" prefix
// (namespace_subsystem) to avoid collisions with other exporters.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.DatagramsReflected,
		c.BytesReflected,
		c.DatagramsObserved,
		c.ProbesSent,
		c.RepliesReceived,
		c.SourceMismatches,
		c.ReplyRTT,
		c.PktinfoMissing,
		c.ReflectErrors,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	localLabels := []string{labelLocalAddr}
	peerLabels := []string{labelPeerAddr}
	flowLabels := []string{labelLocalAddr, labelPeerAddr}

	return &Collector{
		DatagramsReflected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "datagrams_reflected_total",
			Help:      "Total datagrams echoed back from the address they arrived on.",
		}, localLabels),

		BytesReflected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bytes_reflected_total",
			Help:      "Total payload bytes echoed by the reflector.",
		}, localLabels),

		DatagramsObserved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "datagrams_observed_total",
			Help:      "Total datagrams observed by the watcher per arrival address and peer.",
		}, flowLabels),

		ProbesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "probes_sent_total",
			Help:      "Total probe datagrams transmitted.",
		}, peerLabels),

		RepliesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "replies_received_total",
			Help:      "Total probe replies received.",
		}, peerLabels),

		SourceMismatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "source_mismatches_total",
			Help:      "Total replies answered from an address other than the one probed.",
		}, peerLabels),

		ReplyRTT: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reply_rtt_seconds",
			Help:      "Round-trip time of probe replies.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, peerLabels),

		PktinfoMissing: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pktinfo_missing_total",
			Help:      "Total received datagrams without a pktinfo record.",
		}),

		ReflectErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reflect_errors_total",
			Help:      "Total read and echo failures that were logged and skipped.",
		}),
	}
}

// -------------------------------------------------------------------------
// Reflector
// -------------------------------------------------------------------------

// ObserveReflected records one echoed datagram of the given payload
// size, labeled with the local address it arrived on.
func (c *Collector) ObserveReflected(local netip.Addr, size int) {
	c.DatagramsReflected.WithLabelValues(local.String()).Inc()
	c.BytesReflected.WithLabelValues(local.String()).Add(float64(size))
}

// -------------------------------------------------------------------------
// Watcher
// -------------------------------------------------------------------------

// ObserveDatagram records one datagram seen by the watcher.
func (c *Collector) ObserveDatagram(local, peer netip.Addr) {
	c.DatagramsObserved.WithLabelValues(local.String(), peer.String()).Inc()
}

// -------------------------------------------------------------------------
// Prober
// -------------------------------------------------------------------------

// IncProbesSent increments the transmitted probes counter for the
// given target.
func (c *Collector) IncProbesSent(peer netip.Addr) {
	c.ProbesSent.WithLabelValues(peer.String()).Inc()
}

// IncRepliesReceived increments the reply counter for the given target.
func (c *Collector) IncRepliesReceived(peer netip.Addr) {
	c.RepliesReceived.WithLabelValues(peer.String()).Inc()
}

// IncSourceMismatches increments the mismatch counter for the given
// target. Called when a reply arrives from an unexpected source
// address.
func (c *Collector) IncSourceMismatches(peer netip.Addr) {
	c.SourceMismatches.WithLabelValues(peer.String()).Inc()
}

// ObserveReplyRTT records the round-trip time of one probe reply.
func (c *Collector) ObserveReplyRTT(peer netip.Addr, rtt time.Duration) {
	c.ReplyRTT.WithLabelValues(peer.String()).Observe(rtt.Seconds())
}

// IncPktinfoMissing increments the missing pktinfo counter. Called
// when a received datagram carries no destination information.
func (c *Collector) IncPktinfoMissing() {
	c.PktinfoMissing.Inc()
}

// -------------------------------------------------------------------------
// Errors
// -------------------------------------------------------------------------

// IncReflectErrors increments the reflector failure counter. Called
// for read errors and for echo writes that could not be delivered.
func (c *Collector) IncReflectErrors() {
	c.ReflectErrors.Inc()
}
