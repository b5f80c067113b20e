package ucs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPropertySetValueMarksChangedOnlyOnRealChange(t *testing.T) {
	p := NewPropertyWithValue(1, "battery_voltage", 12.4)
	assert.True(t, p.IsChanged())
	p.ClearChanged()

	assert.NoError(t, p.SetValue(12.4))
	assert.False(t, p.IsChanged())

	assert.NoError(t, p.SetValue(12.6))
	assert.True(t, p.IsChanged())
}

func TestPropertyTimeoutRevertsToNA(t *testing.T) {
	p := NewPropertyWithValue(2, "gps_fix", "3d")
	p.ClearChanged()
	p.SetTimeout(10 * time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.True(t, p.IsChanged())
	assert.True(t, p.IsNA())
	_, ok := p.Value()
	assert.False(t, ok)
}

func TestPropertyShouldCommitThrottles(t *testing.T) {
	p := NewPropertyWithValue(3, "altitude", 100)
	assert.True(t, p.ShouldCommit())
	assert.False(t, p.ShouldCommit())

	time.Sleep(commitThrottle + 10*time.Millisecond)
	assert.True(t, p.ShouldCommit())
}

func TestPropertyDumpValueResolvesEnum(t *testing.T) {
	p := NewProperty(4, "flight_mode", ValueEnum)
	p.AddEnum("GUIDED", 4)
	assert.NoError(t, p.SetValue(4))
	assert.Equal(t, "GUIDED", p.DumpValue())
}

func TestPropertyListIsEqual(t *testing.T) {
	a := PropertyList{"alt": NewPropertyWithValue(1, "alt", 10.0)}
	b := PropertyList{"alt": NewPropertyWithValue(1, "alt", 10.0)}
	assert.True(t, a.IsEqual(b))

	_ = b["alt"].SetValue(20.0)
	assert.False(t, a.IsEqual(b))
}
