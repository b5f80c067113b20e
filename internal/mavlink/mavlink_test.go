package mavlink

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sensyn-robotics/vsm-go/internal/kernel"
)

func TestEncodeDecodeV1RoundTrip(t *testing.T) {
	enc := NewEncoder(nil)
	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9}
	raw, err := enc.EncodeV1(1, 1, 0, payload)
	require.NoError(t, err)

	dec := NewDecoder(nil)
	var frames []*Frame
	for _, b := range raw {
		frames = append(frames, dec.Feed([]byte{b})...)
	}
	require.Len(t, frames, 1)
	f := frames[0]
	assert.Equal(t, 1, f.Version)
	assert.Equal(t, uint8(1), f.SystemID)
	assert.Equal(t, uint8(1), f.ComponentID)
	assert.Equal(t, uint32(0), f.MessageID)
	assert.Equal(t, payload, f.Payload)
}

func TestEncodeDecodeV2RoundTrip(t *testing.T) {
	enc := NewEncoder(nil)
	payload := []byte{9, 8, 7, 0, 0, 0}
	raw, err := enc.EncodeV2(42, 7, 76, payload, false)
	require.NoError(t, err)

	dec := NewDecoder(nil)
	frames := dec.Feed(raw)
	require.Len(t, frames, 1)
	f := frames[0]
	assert.Equal(t, 2, f.Version)
	assert.Equal(t, uint32(76), f.MessageID)
	// trailing zeros are trimmed by the v2 encoder
	assert.Equal(t, []byte{9, 8, 7}, f.Payload)
}

func TestDecoderResyncsAfterBadChecksum(t *testing.T) {
	enc := NewEncoder(nil)
	good, err := enc.EncodeV1(1, 1, 0, []byte{1, 2, 3})
	require.NoError(t, err)

	corrupt := append([]byte(nil), good...)
	corrupt[len(corrupt)-1] ^= 0xFF // flip checksum high byte

	second, err := enc.EncodeV1(1, 1, 0, []byte{4, 5, 6})
	require.NoError(t, err)

	dec := NewDecoder(nil)
	stream := append(corrupt, second...)
	frames := dec.Feed(stream)

	require.Len(t, frames, 1)
	assert.Equal(t, []byte{4, 5, 6}, frames[0].Payload)
	assert.Equal(t, uint64(1), dec.Stats.BadChecksum)
}

func TestDecoderHandlesUnknownMessageID(t *testing.T) {
	enc := NewEncoder(nil)
	raw, err := enc.EncodeV1(1, 1, 200, []byte{1})
	require.NoError(t, err)

	dec := NewDecoder(nil)
	frames := dec.Feed(raw)
	require.Len(t, frames, 1)
	assert.Equal(t, uint64(1), dec.Stats.UnknownID)
}

func TestNextReadSizeTracksState(t *testing.T) {
	dec := NewDecoder(nil)
	assert.Equal(t, 1, dec.NextReadSize())

	enc := NewEncoder(nil)
	raw, err := enc.EncodeV1(1, 1, 0, []byte{1, 2, 3})
	require.NoError(t, err)

	dec.Feed(raw[:1])
	assert.Equal(t, 5, dec.NextReadSize()) // remaining header bytes
}

func TestDemuxerDispatchesBySpecificity(t *testing.T) {
	d := NewDemuxer()
	var specific, wildcardComp, wildcardAll, defaulted bool

	d.Register(0, 1, 1, nil, func(f *Frame) { specific = true })
	d.Register(0, 1, WildcardID, nil, func(f *Frame) { wildcardComp = true })
	d.Register(0, WildcardID, WildcardID, nil, func(f *Frame) { wildcardAll = true })
	d.RegisterDefault(func(f *Frame) { defaulted = true })

	d.Dispatch(&Frame{MessageID: 0, SystemID: 1, ComponentID: 1})
	assert.True(t, specific)
	assert.False(t, wildcardComp)
	assert.False(t, wildcardAll)
	assert.False(t, defaulted)
	assert.Equal(t, uint64(1), d.Stats.Handled)

	d.Dispatch(&Frame{MessageID: 99, SystemID: 5, ComponentID: 5})
	assert.True(t, defaulted)
	assert.Equal(t, uint64(1), d.Stats.NoHandler)
}

func TestDemuxerFallsBackToLessSpecificLevel(t *testing.T) {
	d := NewDemuxer()
	var wildcardComp, wildcardAll bool

	d.Register(0, 1, WildcardID, nil, func(f *Frame) { wildcardComp = true })
	d.Register(0, WildcardID, WildcardID, nil, func(f *Frame) { wildcardAll = true })

	d.Dispatch(&Frame{MessageID: 0, SystemID: 1, ComponentID: 1})
	assert.True(t, wildcardComp)
	assert.False(t, wildcardAll)
	assert.Equal(t, uint64(1), d.Stats.Handled)
}

func TestDemuxerUnregisterStopsDelivery(t *testing.T) {
	d := NewDemuxer()
	calls := 0
	tok := d.Register(10, WildcardID, WildcardID, nil, func(f *Frame) { calls++ })
	d.Dispatch(&Frame{MessageID: 10, SystemID: 1, ComponentID: 1})
	assert.Equal(t, 1, calls)

	d.Unregister(10, tok)
	d.Dispatch(&Frame{MessageID: 10, SystemID: 1, ComponentID: 1})
	assert.Equal(t, 1, calls)
}

func TestDemuxerBridgesToForeignContainer(t *testing.T) {
	waiter := kernel.NewWaiter()
	proc := kernel.NewContainer("test-proc", kernel.RoleProcessor, waiter)
	comp := kernel.NewContainer("test-comp", kernel.RoleCompletion, waiter)
	worker := kernel.NewWorker("test", waiter, proc, comp)
	defer worker.Stop()

	d := NewDemuxer()
	done := make(chan struct{})
	d.Register(1, WildcardID, WildcardID, proc, func(f *Frame) { close(done) })
	d.Dispatch(&Frame{MessageID: 1, SystemID: 1, ComponentID: 1})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("bridged handler never ran on the bound container's worker")
	}
}
