package ucs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRegisterPeerRoundTrips(t *testing.T) {
	info := PeerInfo{PeerID: "ucs-1", VersionMajor: 2, VersionMinor: 1, Primary: true}
	framed := EncodeRegisterPeer(info)

	kind, body, err := DecodeKind(framed)
	require.NoError(t, err)
	assert.Equal(t, KindRegisterPeer, kind)

	got, err := DecodeRegisterPeer(body)
	require.NoError(t, err)
	assert.Equal(t, info, got)
}

func TestEncodeDecodeRegisterDeviceRoundTrips(t *testing.T) {
	msg := RegisterDeviceMsg{RequestID: 42, DeviceID: 257, Name: "rover-1", SystemID: 1, ComponentID: 1}
	framed := EncodeRegisterDevice(msg)

	kind, body, err := DecodeKind(framed)
	require.NoError(t, err)
	assert.Equal(t, KindRegisterDevice, kind)

	got, err := DecodeRegisterDevice(body)
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestEncodeDecodeRegisterDeviceResponseRoundTrips(t *testing.T) {
	msg := RegisterDeviceResponseMsg{RequestID: 7, Success: true}
	framed := EncodeRegisterDeviceResponse(msg)

	kind, body, err := DecodeKind(framed)
	require.NoError(t, err)
	assert.Equal(t, KindRegisterDeviceResponse, kind)

	got, err := DecodeRegisterDeviceResponse(body)
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestEncodeDecodeDeviceStatusRoundTrips(t *testing.T) {
	msg := DeviceStatusMsg{
		DeviceID: 257,
		Fields: []DeviceStatusField{
			{FieldID: 1, Value: "12.4"},
			{FieldID: 2, Value: "3d"},
		},
	}
	framed := EncodeDeviceStatus(msg)

	kind, body, err := DecodeKind(framed)
	require.NoError(t, err)
	assert.Equal(t, KindDeviceStatus, kind)

	got, err := DecodeDeviceStatus(body)
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestDecodeKindRejectsEmptyPayload(t *testing.T) {
	_, _, err := DecodeKind(nil)
	assert.Error(t, err)
}
