// Package transport implements the transport detector: a watchdog that
// discovers serial, TCP, and UDP endpoints from a Properties-style
// configuration, opens them, and hands each opened stream to a chain of
// protocol detectors until one claims it.
package transport

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	vsm "github.com/sensyn-robotics/vsm-go"
	"github.com/sensyn-robotics/vsm-go/internal/config"
	"github.com/sensyn-robotics/vsm-go/internal/constants"
	"github.com/sensyn-robotics/vsm-go/internal/ioplat"
	"github.com/sensyn-robotics/vsm-go/internal/logging"
	"github.com/sensyn-robotics/vsm-go/internal/sockstream"
	"github.com/sensyn-robotics/vsm-go/internal/stream"
	"github.com/sensyn-robotics/vsm-go/internal/timer"
)

// State is a configured port's lifecycle state.
type State int

const (
	StateNone State = iota
	StateProbing
	StateConnected
)

// Kind distinguishes the endpoint family a PortConfig describes.
type Kind int

const (
	KindSerial Kind = iota
	KindTCP
	KindUDP
	KindProxy
)

// PortConfig is one `<prefix>.<id>` configured endpoint.
type PortConfig struct {
	ID   string
	Kind Kind

	NameRegex string // serial
	Bauds     []int  // serial

	Address string // tcp/udp/proxy remote
	Port    int

	UDPLocalAddress string
	UDPLocalPort    int
}

// ProtocolDetector is given an opened stream at a candidate baud (0 for
// non-serial transports). It must call reportNotDetected synchronously
// if the stream does not speak its protocol; otherwise it has adopted
// the stream and the port is marked CONNECTED.
type ProtocolDetector interface {
	Detect(s stream.Stream, baud int, reportNotDetected func())
}

// ListSerialPorts enumerates candidate device paths to probe. Overridable
// for tests; the default globs the conventional Linux tty device names.
// No pack library offers serial port enumeration, so this stays on the
// standard library's filepath.Glob.
var ListSerialPorts = func() ([]string, error) {
	var out []string
	for _, pattern := range []string{"/dev/ttyUSB*", "/dev/ttyACM*", "/dev/ttyS*"} {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, err
		}
		out = append(out, matches...)
	}
	return out, nil
}

type portState struct {
	cfg   *PortConfig
	state State

	bauds   []int
	bautIdx int

	candidateDevice string
	stream          stream.Stream

	arbiterFD int
}

// Detector runs the once-per-second watchdog over a set of configured
// ports, opening idle ones and running each through the detector chain.
type Detector struct {
	log  *logging.Logger
	disp *ioplat.Dispatcher
	wh   *timer.Wheel

	useArbiter bool
	exclude    []*regexp.Regexp

	detectors []ProtocolDetector

	mu    sync.Mutex
	ports []*portState

	stopped chan struct{}
	wg      sync.WaitGroup
}

// LoadPortConfigs reads every `<prefix>.<id>.*` block from cfg.
func LoadPortConfigs(cfg *config.Config, prefix string) ([]*PortConfig, error) {
	var out []*PortConfig
	for _, id := range cfg.SubIDs(prefix) {
		base := prefix + "." + id
		pc := &PortConfig{ID: id}

		switch {
		case cfg.Has(base + ".address") && cfg.Has(base + ".tcp_port"):
			pc.Kind = KindTCP
			pc.Address = cfg.String(base+".address", "")
			pc.Port = cfg.Int(base+".tcp_port", 0)
		case cfg.Has(base + ".udp_address") || cfg.Has(base+".udp_local_port"):
			pc.Kind = KindUDP
			pc.Address = cfg.String(base+".udp_address", "")
			pc.Port = cfg.Int(base+".udp_port", 0)
			pc.UDPLocalAddress = cfg.String(base+".udp_local_address", "0.0.0.0")
			pc.UDPLocalPort = cfg.Int(base+".udp_local_port", 0)
		case cfg.Has(base + ".name"):
			pc.Kind = KindSerial
			pc.NameRegex = cfg.String(base+".name", "")
			pc.Bauds = cfg.Ints(base + ".baud")
			if len(pc.Bauds) == 0 {
				pc.Bauds = []int{stream.DefaultMode().Baud}
			}
		default:
			return nil, vsm.New("transport", "LoadPortConfigs", vsm.KindParse,
				fmt.Sprintf("port %q has no recognizable endpoint keys", id))
		}
		out = append(out, pc)
	}
	return out, nil
}

// NewDetector creates a Detector over the given configured ports.
func NewDetector(log *logging.Logger, disp *ioplat.Dispatcher, wh *timer.Wheel, cfg *config.Config, prefix string, ports []*PortConfig) (*Detector, error) {
	d := &Detector{
		log: log, disp: disp, wh: wh,
		useArbiter: cfg.Bool(prefix+".use_serial_arbiter", true),
		stopped:    make(chan struct{}),
	}
	for _, id := range cfg.SubIDs(prefix + ".exclude") {
		if re, ok, err := cfg.Regexp(prefix + ".exclude." + id); err != nil {
			return nil, err
		} else if ok {
			d.exclude = append(d.exclude, re)
		}
	}
	for _, p := range ports {
		d.ports = append(d.ports, &portState{cfg: p, bauds: p.Bauds, arbiterFD: -1})
	}
	return d, nil
}

// AddProtocolDetector appends a detector to the chain tried against
// every newly opened stream, in registration order.
func (d *Detector) AddProtocolDetector(pd ProtocolDetector) {
	d.mu.Lock()
	d.detectors = append(d.detectors, pd)
	d.mu.Unlock()
}

// Start launches the once-per-second watchdog goroutine.
func (d *Detector) Start() {
	d.wg.Add(1)
	go d.watchdog()
}

// Stop halts the watchdog and releases any held serial arbiters.
func (d *Detector) Stop() {
	close(d.stopped)
	d.wg.Wait()
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range d.ports {
		d.releaseArbiter(p)
	}
}

func (d *Detector) watchdog() {
	defer d.wg.Done()
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopped:
			return
		case <-ticker.C:
			d.tick()
		}
	}
}

func (d *Detector) tick() {
	d.mu.Lock()
	ports := append([]*portState(nil), d.ports...)
	d.mu.Unlock()

	for _, p := range ports {
		d.mu.Lock()
		state := p.state
		d.mu.Unlock()
		if state != StateNone {
			continue
		}
		d.probe(p)
	}
}

func (d *Detector) probe(p *portState) {
	switch p.cfg.Kind {
	case KindSerial:
		d.probeSerial(p)
	case KindTCP:
		d.probeTCP(p)
	case KindUDP:
		d.probeUDP(p)
	case KindProxy:
		d.probeProxy(p)
	}
}

func (d *Detector) isExcluded(device string) bool {
	for _, re := range d.exclude {
		if re.MatchString(device) {
			return true
		}
	}
	return false
}

// probeSerial enumerates the platform's serial devices, skips excluded
// ones, matches the port's name regex against the remainder, and opens
// the first match (acquiring the cross-process arbiter first if enabled).
func (d *Detector) probeSerial(p *portState) {
	devices, err := ListSerialPorts()
	if err != nil {
		d.log.Warn("failed to enumerate serial ports", "error", err)
		return
	}

	var re *regexp.Regexp
	if p.cfg.NameRegex != "" {
		compiled, err := regexp.Compile(p.cfg.NameRegex)
		if err != nil {
			d.log.Warn("invalid serial name regex", "port", p.cfg.ID, "error", err)
			return
		}
		re = compiled
	}

	for _, dev := range devices {
		if d.isExcluded(dev) {
			continue
		}
		if re != nil && !re.MatchString(dev) {
			continue
		}

		d.mu.Lock()
		alreadyOwned := false
		for _, other := range d.ports {
			if other != p && other.candidateDevice == dev && other.state != StateNone {
				alreadyOwned = true
				break
			}
		}
		d.mu.Unlock()
		if alreadyOwned {
			continue
		}

		arbiterFD := -1
		if d.useArbiter {
			fd, err := acquireArbiter(dev)
			if err != nil {
				continue // held by another process; try the next candidate
			}
			arbiterFD = fd
		}

		baud := p.cfg.Bauds[p.bautIdx]
		s, err := stream.OpenSerial(dev, modeAtBaud(baud), d.disp, d.wh)
		if err != nil {
			if arbiterFD >= 0 {
				_ = closeArbiter(arbiterFD)
			}
			continue
		}

		d.mu.Lock()
		p.state = StateProbing
		p.stream = s
		p.candidateDevice = dev
		p.arbiterFD = arbiterFD
		d.mu.Unlock()

		d.runDetectorChain(p, s, 0)
		return
	}
}

func modeAtBaud(baud int) stream.Mode {
	m := stream.DefaultMode()
	m.Baud = baud
	return m
}

func (d *Detector) probeTCP(p *portState) {
	addr := fmt.Sprintf("%s:%d", p.cfg.Address, p.cfg.Port)
	s, err := sockstream.DialTCP(addr, d.disp, d.wh)
	if err != nil {
		return
	}
	d.mu.Lock()
	p.state = StateProbing
	p.stream = s
	d.mu.Unlock()
	d.runDetectorChain(p, s, 0)
}

func (d *Detector) probeUDP(p *portState) {
	localAddr := fmt.Sprintf("%s:%d", p.cfg.UDPLocalAddress, p.cfg.UDPLocalPort)
	ln, err := sockstream.ListenUDP(localAddr, constants.DefaultUDPSubstreamQueueDepth, d.wh)
	if err != nil {
		return
	}
	ln.Serve()
	d.mu.Lock()
	p.state = StateConnected // a bound UDP socket has no "not detected" signal; it is considered connected once bound
	d.mu.Unlock()
}

func (d *Detector) probeProxy(p *portState) {
	addr := fmt.Sprintf("%s:%d", p.cfg.Address, p.cfg.Port)
	s, err := sockstream.DialTCP(addr, d.disp, d.wh)
	if err != nil {
		return
	}
	handshake := make([]byte, len(constants.ProxyHandshakeMagic)+1)
	done := make(chan struct{})
	s.Read(handshake, len(handshake), -1, func(n int, result vsm.IOResult) {
		defer close(done)
		if result != vsm.ResultOK || n != len(handshake) {
			_ = s.Close()
			return
		}
		if string(handshake[:len(constants.ProxyHandshakeMagic)]) != constants.ProxyHandshakeMagic ||
			handshake[len(handshake)-1] != constants.ProxyHandshakeVersion {
			_ = s.Close()
			return
		}
		d.mu.Lock()
		p.state = StateProbing
		p.stream = s
		d.mu.Unlock()
		d.runDetectorChain(p, s, 0)
	})
	<-done
}

func (d *Detector) releaseArbiter(p *portState) {
	if p.arbiterFD >= 0 {
		_ = closeArbiter(p.arbiterFD)
		p.arbiterFD = -1
	}
}

// runDetectorChain hands s to detector chainIdx at the port's current
// candidate baud. If every detector rejects, it advances to the next
// baud (serial) or simply gives up (non-serial, single attempt).
func (d *Detector) runDetectorChain(p *portState, s stream.Stream, chainIdx int) {
	d.mu.Lock()
	detectors := d.detectors
	baud := 0
	if p.cfg.Kind == KindSerial && p.bautIdx < len(p.bauds) {
		baud = p.bauds[p.bautIdx]
	}
	d.mu.Unlock()

	if chainIdx >= len(detectors) {
		d.advanceOrGiveUp(p, s)
		return
	}

	detectors[chainIdx].Detect(s, baud, func() {
		d.runDetectorChain(p, s, chainIdx+1)
	})

	d.mu.Lock()
	if p.state == StateProbing {
		p.state = StateConnected
	}
	d.mu.Unlock()
}

func (d *Detector) advanceOrGiveUp(p *portState, s stream.Stream) {
	_ = s.Close()
	d.mu.Lock()
	defer d.mu.Unlock()
	if p.cfg.Kind == KindSerial {
		p.bautIdx++
		if p.bautIdx >= len(p.bauds) {
			p.bautIdx = 0
		}
		d.releaseArbiter(p)
	}
	p.state = StateNone
}

// NotifyClosed tells the detector a previously CONNECTED port's stream
// has closed, returning it to NONE so the watchdog resumes probing.
func (d *Detector) NotifyClosed(portID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range d.ports {
		if p.cfg.ID == portID {
			d.releaseArbiter(p)
			p.state = StateNone
			p.stream = nil
			return
		}
	}
}
