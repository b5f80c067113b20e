package discovery

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sensyn-robotics/vsm-go/internal/config"
)

func TestLoadConfigParsesAdvertiseBlocksAndAutoEntry(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "vsm-*.properties")
	require.NoError(t, err)
	_, err = f.WriteString(
		"service_discovery.address=239.255.255.250\n" +
			"service_discovery.port=1900\n" +
			"service_discovery.advertise.a.name=rover-1\n" +
			"service_discovery.advertise.a.type=vsm:vehicle\n" +
			"service_discovery.advertise.a.location=tcp://{local_address}:5760\n" +
			"service_discovery.vsm_name=rover-vsm\n" +
			"ucs.local_listening_port=5762\n",
	)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	cfg, err := config.Load(f.Name())
	require.NoError(t, err)

	dc := LoadConfig(cfg)
	assert.Equal(t, "239.255.255.250", dc.Address)
	assert.Equal(t, 1900, dc.Port)
	require.Len(t, dc.Advertisements, 2)
	assert.Equal(t, "rover-1", dc.Advertisements[0].Name)
	assert.Equal(t, "rover-vsm", dc.Advertisements[1].Name)
	assert.Equal(t, 5762, dc.LocalListenPort)
}

func TestResolvePlaceholderSubstitutesLocalAddress(t *testing.T) {
	got := resolvePlaceholder("tcp://{local_address}:5760", "192.168.1.5")
	assert.Equal(t, "tcp://192.168.1.5:5760", got)
}
