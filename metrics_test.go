package vsm

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordMavlinkDecodeUpdatesCounters(t *testing.T) {
	m := NewMetrics()
	m.RecordMavlinkDecode(32, 5_000, true)
	m.RecordMavlinkDecode(0, 5_000, false)
	m.RecordMavlinkCRCError()

	snap := m.Snapshot()
	assert.Equal(t, uint64(1), snap.FramesDecoded)
	assert.Equal(t, uint64(1), snap.FrameDecodeErrors)
	assert.Equal(t, uint64(1), snap.FrameCRCErrors)
	assert.Equal(t, uint64(32), snap.BytesRead)
}

func TestSnapshotErrorRate(t *testing.T) {
	m := NewMetrics()
	for i := 0; i < 9; i++ {
		m.RecordEnvelopeSent(10, 1_000, true)
	}
	m.RecordEnvelopeSent(10, 1_000, false)

	snap := m.Snapshot()
	assert.Equal(t, uint64(9), snap.EnvelopesSent)
	assert.Equal(t, uint64(1), snap.EnvelopeErrors)
	assert.InDelta(t, 10.0, snap.ErrorRate, 0.01)
}

func TestRegisterPrometheusExposesCounters(t *testing.T) {
	m := NewMetrics()
	m.RecordMavlinkDecode(10, 1_000, true)

	reg := prometheus.NewRegistry()
	require.NoError(t, m.RegisterPrometheus(reg))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestResetClearsCounters(t *testing.T) {
	m := NewMetrics()
	m.RecordMavlinkDecode(10, 1_000, true)
	m.Reset()

	snap := m.Snapshot()
	assert.Zero(t, snap.FramesDecoded)
	assert.Zero(t, snap.BytesRead)
}

func TestMetricsObserverDelegatesToMetrics(t *testing.T) {
	m := NewMetrics()
	obs := NewMetricsObserver(m)
	obs.ObserveMavlinkDecode(10, 1_000, true)
	obs.ObserveEnvelopeSent(5, 500, true)
	obs.ObserveActiveStreams(3)

	snap := m.Snapshot()
	assert.Equal(t, uint64(1), snap.FramesDecoded)
	assert.Equal(t, uint64(1), snap.EnvelopesSent)
	assert.Equal(t, uint32(3), snap.MaxActiveStreams)
}
