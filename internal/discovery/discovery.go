// Package discovery implements SSDP-style service advertisement: a VSM
// instance periodically announces itself over a configured multicast
// address so a Universal Control Server on the same network segment can
// find its listening port without static configuration.
package discovery

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/sensyn-robotics/vsm-go/internal/config"
	"github.com/sensyn-robotics/vsm-go/internal/httpline"
	"github.com/sensyn-robotics/vsm-go/internal/logging"
)

// Advertisement is one `service_discovery.advertise.<id>` entry.
type Advertisement struct {
	ID       string
	Name     string
	Type     string
	Location string // may contain the literal "{local_address}" placeholder
}

// Config is the resolved `service_discovery.*` block.
type Config struct {
	Address        string
	Port           int
	VSMName        string
	LocalListenPort int
	Advertisements []Advertisement
	Interval       time.Duration
}

// LoadConfig reads the service_discovery.* configuration keys.
func LoadConfig(cfg *config.Config) Config {
	out := Config{
		Address:         cfg.String("service_discovery.address", "239.255.255.250"),
		Port:            cfg.Int("service_discovery.port", 1900),
		VSMName:         cfg.String("service_discovery.vsm_name", ""),
		LocalListenPort: cfg.Int("ucs.local_listening_port", 0),
		Interval:        cfg.Duration("service_discovery.interval", 30*time.Second),
	}
	for _, id := range cfg.SubIDs("service_discovery.advertise") {
		base := "service_discovery.advertise." + id
		out.Advertisements = append(out.Advertisements, Advertisement{
			ID:       id,
			Name:     cfg.String(base+".name", ""),
			Type:     cfg.String(base+".type", ""),
			Location: cfg.String(base+".location", ""),
		})
	}
	if out.VSMName != "" && out.LocalListenPort != 0 {
		out.Advertisements = append(out.Advertisements, Advertisement{
			ID:       "auto",
			Name:     out.VSMName,
			Type:     "vsm:vehicle",
			Location: fmt.Sprintf("tcp://{local_address}:%d", out.LocalListenPort),
		})
	}
	return out
}

// Advertiser periodically sends NOTIFY datagrams for every configured
// advertisement over the multicast group.
type Advertiser struct {
	cfg  Config
	log  *logging.Logger
	conn *net.UDPConn

	stopped chan struct{}
}

// NewAdvertiser opens the multicast socket used to send advertisements.
func NewAdvertiser(cfg Config, log *logging.Logger) (*Advertiser, error) {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", cfg.Address, cfg.Port))
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, err
	}
	return &Advertiser{cfg: cfg, log: log, conn: conn, stopped: make(chan struct{})}, nil
}

// Start launches the periodic advertisement loop.
func (a *Advertiser) Start() {
	go a.loop()
}

// Stop halts advertisement and closes the multicast socket.
func (a *Advertiser) Stop() {
	close(a.stopped)
	_ = a.conn.Close()
}

func (a *Advertiser) loop() {
	if a.cfg.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()
	a.sendAll()
	for {
		select {
		case <-a.stopped:
			return
		case <-ticker.C:
			a.sendAll()
		}
	}
}

func (a *Advertiser) sendAll() {
	local := a.localAddress()
	for _, ad := range a.cfg.Advertisements {
		loc := resolvePlaceholder(ad.Location, local)
		raw := httpline.Encode("NOTIFY * HTTP/1.1", map[string]string{
			"HOST":     fmt.Sprintf("%s:%d", a.cfg.Address, a.cfg.Port),
			"NT":       ad.Type,
			"NTS":      "ssdp:alive",
			"USN":      ad.Name,
			"LOCATION": loc,
		})
		if _, err := a.conn.Write(raw); err != nil && a.log != nil {
			a.log.Warn("service discovery advertisement send failed", "id", ad.ID, "error", err)
		}
	}
}

func (a *Advertiser) localAddress() string {
	local, ok := a.conn.LocalAddr().(*net.UDPAddr)
	if !ok || local.IP == nil {
		return ""
	}
	return local.IP.String()
}

func resolvePlaceholder(location, localAddr string) string {
	return strings.ReplaceAll(location, "{local_address}", localAddr)
}
