package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gauges
var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tms_active_sessions",
		Help: "Number of active WebRTC sessions",
	})
	RegisteredStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tms_registered_streams",
		Help: "Number of streams with a live publisher",
	})
)

// Counters
var (
	SessionsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tms_sessions_created_total",
		Help: "Total sessions created",
	})
	SessionsTimedOutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tms_sessions_timed_out_total",
		Help: "Total sessions closed after being marked closeable (receive timeout or DTLS/SRTP failure)",
	})
	DatagramsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tms_datagrams_total",
		Help: "Total inbound datagrams by classification",
	}, []string{"class"})
	RTPPacketsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tms_rtp_packets_total",
		Help: "Total RTP packets received across all sessions",
	})
	RetransmitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tms_retransmits_total",
		Help: "Total packets retransmitted in response to NACKs",
	})
	NackMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tms_nack_misses_total",
		Help: "Total NACKed packets no longer in the retransmit cache",
	})
	KeyframeRequestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tms_keyframe_requests_total",
		Help: "Total PLIs sent to publishing peers",
	})
)
