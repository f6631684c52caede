// Package metrics defines the engine's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "rawtcp"

// Drop reasons used with FramesDropped.
const (
	DropChecksum  = "checksum"
	DropMalformed = "malformed"
	DropNoSocket  = "no_socket"
	DropNotForUs  = "not_for_us"
	DropFragment  = "fragment"
	DropNoRoute   = "no_route"
	DropOverflow  = "overflow"
)

type Metrics struct {
	SegmentsSent     prometheus.Counter
	SegmentsReceived prometheus.Counter
	Retransmissions  prometheus.Counter
	FastRetransmits  prometheus.Counter
	RTOBackoffs      prometheus.Counter
	ConnAborts       prometheus.Counter
	ARPRequests      prometheus.Counter
	ARPReplies       prometheus.Counter
	ARPFailures      prometheus.Counter
	InjectedLoss     *prometheus.CounterVec
	FramesDropped    *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	counter := func(subsystem, name, help string) prometheus.Counter {
		return f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		})
	}
	return &Metrics{
		SegmentsSent:     counter("tcp", "segments_sent_total", "TCP segments handed to the IP layer."),
		SegmentsReceived: counter("tcp", "segments_received_total", "TCP segments delivered to a TCB."),
		Retransmissions:  counter("tcp", "retransmissions_total", "Segments retransmitted after their RTO expired."),
		FastRetransmits:  counter("tcp", "fast_retransmits_total", "Segments retransmitted after three duplicate ACKs."),
		RTOBackoffs:      counter("tcp", "rto_backoffs_total", "Exponential RTO backoffs."),
		ConnAborts:       counter("tcp", "connection_aborts_total", "Connections aborted by reset, retry exhaustion or resolution failure."),
		ARPRequests:      counter("arp", "requests_sent_total", "ARP requests broadcast."),
		ARPReplies:       counter("arp", "replies_received_total", "ARP replies observed and cached."),
		ARPFailures:      counter("arp", "resolution_failures_total", "Resolutions that timed out."),
		InjectedLoss: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ip",
			Name:      "injected_loss_total",
			Help:      "Datagrams dropped by synthetic loss injection.",
		}, []string{"direction"}),
		FramesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ip",
			Name:      "frames_dropped_total",
			Help:      "Inbound frames or outbound datagrams discarded.",
		}, []string{"reason"}),
	}
}
