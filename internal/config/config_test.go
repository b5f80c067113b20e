package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeProps(t *testing.T, content string) *Config {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "vsm-*.properties")
	require.NoError(t, err)
	_, err = f.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	cfg, err := Load(f.Name())
	require.NoError(t, err)
	return cfg
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	_, err := Load("/nonexistent/path.properties")
	assert.Error(t, err)
}

func TestEmptyReturnsDefaults(t *testing.T) {
	cfg := Empty()
	assert.Equal(t, "fallback", cfg.String("missing", "fallback"))
	assert.Equal(t, 42, cfg.Int("missing", 42))
	assert.True(t, cfg.Bool("missing", true))
}

func TestStringIntBool(t *testing.T) {
	cfg := writeProps(t, "name=rover-1\nport=5760\nenabled=true\n")
	assert.Equal(t, "rover-1", cfg.String("name", ""))
	assert.Equal(t, 5760, cfg.Int("port", 0))
	assert.True(t, cfg.Bool("enabled", false))
	assert.False(t, cfg.Has("missing"))
	assert.True(t, cfg.Has("name"))
}

func TestRegexp(t *testing.T) {
	cfg := writeProps(t, "exclude=^/dev/ttyS.*$\nbad=(unclosed\n")

	re, ok, err := cfg.Regexp("exclude")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, re.MatchString("/dev/ttyS0"))

	_, ok, err = cfg.Regexp("missing")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = cfg.Regexp("bad")
	assert.Error(t, err)
}

func TestSize(t *testing.T) {
	cfg := writeProps(t, "buf=64M\n")
	n, err := cfg.Size("buf", 0)
	require.NoError(t, err)
	assert.EqualValues(t, 64*1024*1024, n)

	n, err = cfg.Size("missing", 1024)
	require.NoError(t, err)
	assert.EqualValues(t, 1024, n)
}

func TestDuration(t *testing.T) {
	cfg := writeProps(t, "timeout=5\n")
	assert.Equal(t, 5*time.Second, cfg.Duration("timeout", time.Second))
	assert.Equal(t, 3*time.Second, cfg.Duration("missing", 3*time.Second))
}

func TestParseSizeSuffixes(t *testing.T) {
	cases := map[string]int64{
		"1024":  1024,
		"1K":    1024,
		"2k":    2048,
		"1M":    1024 * 1024,
		"1G":    1024 * 1024 * 1024,
		"  512": 512,
	}
	for in, want := range cases {
		got, err := ParseSize(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseSize("")
	assert.Error(t, err)
	_, err = ParseSize("notanumberK")
	assert.Error(t, err)
}

func TestSubIDs(t *testing.T) {
	cfg := writeProps(t,
		"transport.a.type=serial\n"+
			"transport.a.device=/dev/ttyUSB0\n"+
			"transport.b.type=tcp\n"+
			"transport.b.port=5760\n"+
			"unrelated.c.x=1\n")

	ids := cfg.SubIDs("transport")
	assert.Equal(t, []string{"a", "b"}, ids)
}

func TestInts(t *testing.T) {
	cfg := writeProps(t, "baud=9600\nbaud.1=19200\nbaud.2=57600\n")
	assert.Equal(t, []int{9600, 19200, 57600}, cfg.Ints("baud"))

	cfg2 := writeProps(t, "baud.1=9600\nbaud.2=19200\n")
	assert.Equal(t, []int{9600, 19200}, cfg2.Ints("baud"))

	empty := Empty()
	assert.Empty(t, empty.Ints("baud"))
}
