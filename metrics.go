package vsm

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks performance and operational statistics for a running
// VSM process: MAVLink frame throughput, UCS envelope throughput, and
// stream-level byte counters. Hot-path updates are lock-free atomics;
// a Prometheus registry wraps them as CounterFunc/GaugeFunc collectors
// so the same counters are both cheap to update from a decoder loop and
// scrapeable without a second bookkeeping pass.
type Metrics struct {
	// MAVLink codec counters
	FramesDecoded     atomic.Uint64
	FramesEncoded     atomic.Uint64
	FrameDecodeErrors atomic.Uint64
	FrameCRCErrors    atomic.Uint64

	// UCS wire counters
	EnvelopesSent     atomic.Uint64
	EnvelopesReceived atomic.Uint64
	EnvelopeErrors    atomic.Uint64

	// Byte counters
	BytesRead    atomic.Uint64
	BytesWritten atomic.Uint64

	// Stream/connection gauges
	ActiveStreamsTotal atomic.Uint64
	ActiveStreamsCount atomic.Uint64
	MaxActiveStreams   atomic.Uint32

	// Performance tracking
	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// LatencyBucketBounds defines the latency histogram buckets in nanoseconds,
// covering a single MAVLink decode (microseconds) through a stalled
// UCS round trip (multiple seconds).
var LatencyBucketBounds = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordMavlinkDecode records one decoded MAVLink frame.
func (m *Metrics) RecordMavlinkDecode(bytes uint64, latencyNs uint64, success bool) {
	if success {
		m.FramesDecoded.Add(1)
	} else {
		m.FrameDecodeErrors.Add(1)
	}
	m.BytesRead.Add(bytes)
	m.recordLatency(latencyNs)
}

// RecordMavlinkCRCError records a frame dropped for a CRC mismatch.
func (m *Metrics) RecordMavlinkCRCError() {
	m.FrameCRCErrors.Add(1)
}

// RecordMavlinkEncode records one encoded outbound MAVLink frame.
func (m *Metrics) RecordMavlinkEncode(bytes uint64, latencyNs uint64) {
	m.FramesEncoded.Add(1)
	m.BytesWritten.Add(bytes)
	m.recordLatency(latencyNs)
}

// RecordEnvelopeSent records one UCS envelope written to a peer.
func (m *Metrics) RecordEnvelopeSent(bytes uint64, latencyNs uint64, success bool) {
	if success {
		m.EnvelopesSent.Add(1)
	} else {
		m.EnvelopeErrors.Add(1)
	}
	m.BytesWritten.Add(bytes)
	m.recordLatency(latencyNs)
}

// RecordEnvelopeReceived records one UCS envelope read from a peer.
func (m *Metrics) RecordEnvelopeReceived(bytes uint64, latencyNs uint64, success bool) {
	if success {
		m.EnvelopesReceived.Add(1)
	} else {
		m.EnvelopeErrors.Add(1)
	}
	m.BytesRead.Add(bytes)
	m.recordLatency(latencyNs)
}

// RecordActiveStreams records the current count of open streams
// (serial, socket, file, HID) for gauge/average tracking.
func (m *Metrics) RecordActiveStreams(count uint32) {
	m.ActiveStreamsTotal.Add(uint64(count))
	m.ActiveStreamsCount.Add(1)
	for {
		current := m.MaxActiveStreams.Load()
		if count <= current {
			break
		}
		if m.MaxActiveStreams.CompareAndSwap(current, count) {
			break
		}
	}
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bound := range LatencyBucketBounds {
		if latencyNs <= bound {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the process metrics as stopped, fixing uptime calculations.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time read of Metrics' counters plus
// derived rates, the shape handed to a status RPC or a debug endpoint.
type MetricsSnapshot struct {
	FramesDecoded     uint64
	FramesEncoded     uint64
	FrameDecodeErrors uint64
	FrameCRCErrors    uint64

	EnvelopesSent     uint64
	EnvelopesReceived uint64
	EnvelopeErrors    uint64

	BytesRead    uint64
	BytesWritten uint64

	AvgActiveStreams float64
	MaxActiveStreams uint32

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	DecodeFPS   float64
	EncodeFPS   float64
	ReadBandwidth  float64
	WriteBandwidth float64
	TotalOps       uint64
	ErrorRate      float64
}

// Snapshot creates a point-in-time snapshot of metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		FramesDecoded:     m.FramesDecoded.Load(),
		FramesEncoded:     m.FramesEncoded.Load(),
		FrameDecodeErrors: m.FrameDecodeErrors.Load(),
		FrameCRCErrors:    m.FrameCRCErrors.Load(),
		EnvelopesSent:     m.EnvelopesSent.Load(),
		EnvelopesReceived: m.EnvelopesReceived.Load(),
		EnvelopeErrors:    m.EnvelopeErrors.Load(),
		BytesRead:         m.BytesRead.Load(),
		BytesWritten:      m.BytesWritten.Load(),
		MaxActiveStreams:  m.MaxActiveStreams.Load(),
	}

	snap.TotalOps = snap.FramesDecoded + snap.FramesEncoded + snap.EnvelopesSent + snap.EnvelopesReceived

	streamsTotal := m.ActiveStreamsTotal.Load()
	streamsCount := m.ActiveStreamsCount.Load()
	if streamsCount > 0 {
		snap.AvgActiveStreams = float64(streamsTotal) / float64(streamsCount)
	}

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		uptimeSeconds := float64(snap.UptimeNs) / 1e9
		snap.DecodeFPS = float64(snap.FramesDecoded) / uptimeSeconds
		snap.EncodeFPS = float64(snap.FramesEncoded) / uptimeSeconds
		snap.ReadBandwidth = float64(snap.BytesRead) / uptimeSeconds
		snap.WriteBandwidth = float64(snap.BytesWritten) / uptimeSeconds
	}

	totalErrors := snap.FrameDecodeErrors + snap.FrameCRCErrors + snap.EnvelopeErrors
	if attempts := snap.TotalOps + totalErrors; attempts > 0 {
		snap.ErrorRate = float64(totalErrors) / float64(attempts) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile
// (0.0-1.0) using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bound := range LatencyBucketBounds {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bound
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bound-prevBucket))
		}
		prevBucket = bound
	}

	return LatencyBucketBounds[numLatencyBuckets-1]
}

// Reset resets all metrics counters; useful for tests.
func (m *Metrics) Reset() {
	m.FramesDecoded.Store(0)
	m.FramesEncoded.Store(0)
	m.FrameDecodeErrors.Store(0)
	m.FrameCRCErrors.Store(0)
	m.EnvelopesSent.Store(0)
	m.EnvelopesReceived.Store(0)
	m.EnvelopeErrors.Store(0)
	m.BytesRead.Store(0)
	m.BytesWritten.Store(0)
	m.ActiveStreamsTotal.Store(0)
	m.ActiveStreamsCount.Store(0)
	m.MaxActiveStreams.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// RegisterPrometheus wires m's counters into reg as CounterFunc/
// GaugeFunc collectors, so a Prometheus scrape reads the same atomics
// the hot path updates without a separate aggregation pass.
func (m *Metrics) RegisterPrometheus(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "vsm_mavlink_frames_decoded_total",
			Help: "Total MAVLink frames successfully decoded.",
		}, func() float64 { return float64(m.FramesDecoded.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "vsm_mavlink_frames_encoded_total",
			Help: "Total MAVLink frames encoded for transmission.",
		}, func() float64 { return float64(m.FramesEncoded.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "vsm_mavlink_decode_errors_total",
			Help: "Total MAVLink frames rejected by the decoder FSM.",
		}, func() float64 { return float64(m.FrameDecodeErrors.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "vsm_mavlink_crc_errors_total",
			Help: "Total MAVLink frames dropped for a CRC mismatch.",
		}, func() float64 { return float64(m.FrameCRCErrors.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "vsm_ucs_envelopes_sent_total",
			Help: "Total UCS wire envelopes sent.",
		}, func() float64 { return float64(m.EnvelopesSent.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "vsm_ucs_envelopes_received_total",
			Help: "Total UCS wire envelopes received.",
		}, func() float64 { return float64(m.EnvelopesReceived.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "vsm_ucs_envelope_errors_total",
			Help: "Total UCS envelope framing/decode errors.",
		}, func() float64 { return float64(m.EnvelopeErrors.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "vsm_bytes_read_total",
			Help: "Total bytes read across all streams.",
		}, func() float64 { return float64(m.BytesRead.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "vsm_bytes_written_total",
			Help: "Total bytes written across all streams.",
		}, func() float64 { return float64(m.BytesWritten.Load()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "vsm_active_streams_max",
			Help: "High-water mark of concurrently open streams.",
		}, func() float64 { return float64(m.MaxActiveStreams.Load()) }),
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Observer allows pluggable metrics collection, decoupling the codec
// and wire layers from any particular metrics backend.
type Observer interface {
	ObserveMavlinkDecode(bytes uint64, latencyNs uint64, success bool)
	ObserveMavlinkEncode(bytes uint64, latencyNs uint64)
	ObserveEnvelopeSent(bytes uint64, latencyNs uint64, success bool)
	ObserveEnvelopeReceived(bytes uint64, latencyNs uint64, success bool)
	ObserveActiveStreams(count uint32)
}

// NoOpObserver is a no-op implementation of Observer.
type NoOpObserver struct{}

func (NoOpObserver) ObserveMavlinkDecode(uint64, uint64, bool)    {}
func (NoOpObserver) ObserveMavlinkEncode(uint64, uint64)          {}
func (NoOpObserver) ObserveEnvelopeSent(uint64, uint64, bool)     {}
func (NoOpObserver) ObserveEnvelopeReceived(uint64, uint64, bool) {}
func (NoOpObserver) ObserveActiveStreams(uint32)                  {}

// MetricsObserver implements Observer using the built-in Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveMavlinkDecode(bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordMavlinkDecode(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveMavlinkEncode(bytes uint64, latencyNs uint64) {
	o.metrics.RecordMavlinkEncode(bytes, latencyNs)
}

func (o *MetricsObserver) ObserveEnvelopeSent(bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordEnvelopeSent(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveEnvelopeReceived(bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordEnvelopeReceived(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveActiveStreams(count uint32) {
	o.metrics.RecordActiveStreams(count)
}

var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
