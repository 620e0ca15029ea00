package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	DiscoveredDevices = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "classmesh_discovered_devices_total",
		Help: "Number of distinct devices surfaced by discovery windows",
	})

	ConnectedPeers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "classmesh_connected_peers",
		Help: "Number of peers with an open session",
	})

	ConnectionAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "classmesh_connection_attempts_total",
		Help: "Connection attempts by result",
	}, []string{"result"})

	ActiveTransfers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "classmesh_active_transfers",
		Help: "Number of transfer sessions currently moving bytes",
	})

	TransferBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "classmesh_transfer_bytes_total",
		Help: "Total bytes moved by direction",
	}, []string{"direction"})

	TransfersFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "classmesh_transfers_finished_total",
		Help: "Finished transfer sessions by terminal state",
	}, []string{"state"})

	TranscodeJobs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "classmesh_transcode_jobs_total",
		Help: "Finished transcoding jobs by path and result",
	}, []string{"path", "result"})

	TranscodeDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "classmesh_transcode_duration_seconds",
		Help:    "Wall time of transcoding jobs",
		Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"path"})

	TranscoderBreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "classmesh_transcoder_breaker_state",
		Help: "Circuit breaker state of the primary transcoder (0=closed, 1=half-open, 2=open)",
	})
)

var registerOnce sync.Once

// Register adds every collector to the default registry. Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			DiscoveredDevices,
			ConnectedPeers,
			ConnectionAttempts,
			ActiveTransfers,
			TransferBytes,
			TransfersFinished,
			TranscodeJobs,
			TranscodeDuration,
			TranscoderBreakerState,
		)
	})
}
