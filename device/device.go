package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	vsm "github.com/sensyn-robotics/vsm-go"
	"github.com/sensyn-robotics/vsm-go/internal/constants"
	"github.com/sensyn-robotics/vsm-go/internal/iobuf"
	"github.com/sensyn-robotics/vsm-go/internal/logging"
	"github.com/sensyn-robotics/vsm-go/internal/mavlink"
	"github.com/sensyn-robotics/vsm-go/internal/stream"
	"github.com/sensyn-robotics/vsm-go/internal/ucs"
)

// RegisterVehicleOnConnection sends conn a Register_device announcement
// for v, tracking the request/response correlation on conn so a later
// Register_device_response can be resolved back to v. A no-op against
// an incompatible connection.
func RegisterVehicleOnConnection(registry *ucs.Registry, conn *ucs.Connection, v *Vehicle) error {
	if !conn.IsCompatible() {
		return nil
	}
	v.mu.RLock()
	reg := v.Registration
	v.mu.RUnlock()
	if reg == nil {
		return nil
	}
	reqID := registry.NextRequestID()
	conn.TrackRegisterDevice(reqID, v.DeviceID)
	return conn.Send(ucs.EncodeRegisterDevice(ucs.RegisterDeviceMsg{
		RequestID:   reqID,
		DeviceID:    v.DeviceID,
		Name:        reg.Name,
		SystemID:    reg.SystemID,
		ComponentID: reg.ComponentID,
	}))
}

// RegistrationMessage is the Register_device payload frozen when the
// device is registered with the UCS (Device.RegisterWithUCS); every
// connection's Register_device announcement is built from it.
type RegistrationMessage struct {
	SystemID    uint8
	ComponentID uint8
	Name        string
	Payload     []byte
	FrozenAt    time.Time
}

// Vehicle is one MAVLink-speaking endpoint's registered state: its
// telemetry and command-availability caches, and the frozen
// registration message UCS connections use to (re-)announce it.
type Vehicle struct {
	DeviceID     int
	SystemID     uint8
	ComponentID  uint8
	Telemetry    *TelemetryCache
	Commands     *CommandAvailabilityCache
	Registration *RegistrationMessage

	mu        sync.RWMutex
	conns     map[*ucs.Connection]bool
	connected bool
}

func newVehicle(deviceID int, sysID, compID uint8) *Vehicle {
	return &Vehicle{
		DeviceID: deviceID, SystemID: sysID, ComponentID: compID,
		Telemetry: NewTelemetryCache(), Commands: NewCommandAvailabilityCache(),
		conns: make(map[*ucs.Connection]bool),
	}
}

// MarkRegistered records the frozen registration payload used for
// announcing this vehicle on every compatible UCS connection.
func (v *Vehicle) MarkRegistered(msg *RegistrationMessage) {
	v.mu.Lock()
	v.Registration = msg
	v.connected = true
	v.mu.Unlock()
}

// IsRegistered reports whether this vehicle has a frozen registration
// message and is considered live.
func (v *Vehicle) IsRegistered() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.connected
}

// AddConnection marks conn as one the vehicle is registered on.
func (v *Vehicle) AddConnection(c *ucs.Connection) {
	v.mu.Lock()
	v.conns[c] = true
	v.mu.Unlock()
}

// RemoveConnection drops conn from the vehicle's registered set.
func (v *Vehicle) RemoveConnection(c *ucs.Connection) {
	v.mu.Lock()
	delete(v.conns, c)
	remaining := len(v.conns)
	v.mu.Unlock()
	if remaining == 0 {
		v.mu.Lock()
		v.connected = false
		v.mu.Unlock()
	}
}

// Device is one running VSM vehicle driver instance: an opened
// transport stream, the MAVLink codec bound to it, and the Vehicle
// registration state shared with the UCS wire core.
type Device struct {
	ID      int
	Name    string
	Vehicle *Vehicle

	Stream  stream.Stream
	Decoder *mavlink.Decoder
	Encoder *mavlink.Encoder
	Demuxer *mavlink.Demuxer

	log      *logging.Logger
	metrics  *vsm.Metrics
	observer vsm.Observer

	registry  *ucs.Registry
	directory *Directory

	statusMu    sync.Mutex
	statusProps map[int]*ucs.Property

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool
}

// Params configures a new Device.
type Params struct {
	ID          int // constants.AutoAssignDeviceID lets the caller propose none
	Name        string
	SystemID    uint8
	ComponentID uint8
	CRCTable    mavlink.CRCExtraTable // nil uses mavlink.DefaultCRCExtraTable
}

// DefaultParams returns sensible defaults for a new Device.
func DefaultParams() Params {
	return Params{ID: constants.AutoAssignDeviceID, ComponentID: 1}
}

// Options are optional collaborators supplied to CreateAndServe.
type Options struct {
	Context  context.Context
	Logger   *logging.Logger
	Observer vsm.Observer

	// Preamble is fed into the decoder before the read loop starts,
	// for bytes a protocol detector already consumed off the stream
	// while confirming it spoke MAVLink.
	Preamble []byte

	// Registry, when set, is announced the new device via
	// Register_device on every currently compatible connection, and is
	// later used to fan out Device_status updates as telemetry changes.
	Registry *ucs.Registry

	// Directory, when set, tracks this device for the lifetime of the
	// process so newly accepted UCS connections can be told about it
	// on handshake.
	Directory *Directory
}

// CreateAndServe builds a Device bound to the given already-opened
// stream and starts its decode loop; the returned Device streams
// decoded frames into its Demuxer until the stream closes or ctx is
// cancelled.
//
// Example:
//
//	s, _ := stream.OpenSerial("/dev/ttyUSB0", stream.DefaultMode(), disp, wheel)
//	params := device.DefaultParams()
//	d, err := device.CreateAndServe(context.Background(), s, params, nil)
func CreateAndServe(ctx context.Context, s stream.Stream, params Params, options *Options) (*Device, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if options == nil {
		options = &Options{}
	}
	if options.Context != nil {
		ctx = options.Context
	}

	log := options.Logger
	if log == nil {
		log = logging.Default()
	}

	metrics := vsm.NewMetrics()
	var observer vsm.Observer = vsm.NoOpObserver{}
	if options.Observer != nil {
		observer = options.Observer
	} else {
		observer = vsm.NewMetricsObserver(metrics)
	}

	crcTable := params.CRCTable
	if crcTable == nil {
		crcTable = mavlink.DefaultCRCExtraTable
	}

	deviceID := params.ID
	if deviceID == constants.AutoAssignDeviceID {
		deviceID = int(params.SystemID)<<8 | int(params.ComponentID)
	}

	dctx, cancel := context.WithCancel(ctx)
	d := &Device{
		ID:          deviceID,
		Name:        params.Name,
		Vehicle:     newVehicle(deviceID, params.SystemID, params.ComponentID),
		Stream:      s,
		Decoder:     mavlink.NewDecoder(crcTable),
		Encoder:     mavlink.NewEncoder(crcTable),
		Demuxer:     mavlink.NewDemuxer(),
		log:         log.WithDevice(deviceID),
		metrics:     metrics,
		observer:    observer,
		registry:    options.Registry,
		directory:   options.Directory,
		statusProps: make(map[int]*ucs.Property),
		ctx:         dctx,
		cancel:      cancel,
	}
	d.Demuxer.RegisterDefault(d.onTelemetryFrame)

	if len(options.Preamble) > 0 {
		for _, f := range d.Decoder.Feed(options.Preamble) {
			d.Demuxer.Dispatch(f)
		}
	}

	d.start()
	return d, nil
}

// onTelemetryFrame is the demuxer's default handler: absent a more
// specific handler registered by a vehicle driver, every decoded frame
// updates the telemetry cache keyed by message id and, once its commit
// throttle allows, is fanned out to UCS connections this device is
// registered on as a Device_status update.
func (d *Device) onTelemetryFrame(f *mavlink.Frame) {
	fieldID := int(f.MessageID)
	value := fmt.Sprintf("%x", f.Payload)
	d.Vehicle.Telemetry.Set(fieldID, value)

	d.statusMu.Lock()
	prop, ok := d.statusProps[fieldID]
	if !ok {
		prop = ucs.NewPropertyWithValue(fieldID, fmt.Sprintf("mavlink_msg_%d", fieldID), value)
		d.statusProps[fieldID] = prop
	} else {
		_ = prop.SetValue(value)
	}
	report := prop.IsChanged() && prop.ShouldCommit()
	if report {
		prop.ClearChanged()
	}
	d.statusMu.Unlock()

	if report && d.registry != nil {
		envelope := ucs.EncodeDeviceStatus(ucs.DeviceStatusMsg{
			DeviceID: d.ID,
			Fields:   []ucs.DeviceStatusField{{FieldID: fieldID, Value: value}},
		})
		if errs := d.registry.SendToDevice(d.ID, envelope); len(errs) > 0 {
			d.log.Warn("Device_status fan-out had errors", "device", d.ID, "errors", errs)
		}
	}
}

// start launches the device's read-decode-dispatch loop: it keeps
// issuing reads sized exactly to the decoder's NextReadSize() so the
// stream never buffers more than the FSM can currently use.
func (d *Device) start() {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()

	d.scheduleNextRead()
}

func (d *Device) scheduleNextRead() {
	select {
	case <-d.ctx.Done():
		return
	default:
	}

	need := d.Decoder.NextReadSize()
	buf := iobuf.GetScratch(need)
	d.Stream.Read(buf, need, -1, func(n int, result vsm.IOResult) {
		defer iobuf.PutScratch(buf)
		if result != vsm.ResultOK {
			d.log.Info("device stream closed", "result", result.String())
			return
		}
		start := time.Now()
		frames := d.Decoder.Feed(buf[:n])
		latency := time.Since(start).Nanoseconds()
		for _, f := range frames {
			d.observer.ObserveMavlinkDecode(uint64(len(f.Payload)), uint64(latency), true)
			d.Demuxer.Dispatch(f)
		}
		d.scheduleNextRead()
	})
}

// Send encodes and writes a MAVLink v2 frame to the device's stream.
func (d *Device) Send(messageID uint32, payload []byte, signed bool) error {
	raw, err := d.Encoder.EncodeV2(d.Vehicle.SystemID, d.Vehicle.ComponentID, messageID, payload, signed)
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	start := time.Now()
	d.Stream.Write(raw, -1, func(n int, result vsm.IOResult) {
		if result != vsm.ResultOK {
			done <- vsm.New("device", "Send", vsm.KindClosedStream, result.String())
			return
		}
		d.observer.ObserveMavlinkEncode(uint64(n), uint64(time.Since(start).Nanoseconds()))
		done <- nil
	})
	return <-done
}

// RegisterWithUCS freezes msg as the device's registration message and
// announces the device on every currently compatible UCS connection in
// the device's registry, tracking it in its directory for connections
// accepted afterward. Safe to call once a vehicle driver considers the
// device ready to be known to the UCS (e.g. after a first heartbeat).
func (d *Device) RegisterWithUCS(msg *RegistrationMessage) {
	d.Vehicle.MarkRegistered(msg)
	if d.directory != nil {
		d.directory.Add(d.Vehicle)
	}
	if d.registry != nil {
		for _, c := range d.registry.Connections() {
			if err := RegisterVehicleOnConnection(d.registry, c, d.Vehicle); err != nil {
				d.log.Warn("failed to announce device on connection", "connection", c.ID(), "error", err)
			}
		}
	}
}

// Close stops the device's read loop, closes its stream, and drops the
// device from its directory if it was registered.
func (d *Device) Close() error {
	d.cancel()
	if d.directory != nil {
		d.directory.Remove(d.ID)
	}
	return d.Stream.Close()
}

// String returns a short diagnostic description.
func (d *Device) String() string {
	return fmt.Sprintf("device[%d %q sys=%d comp=%d]", d.ID, d.Name, d.Vehicle.SystemID, d.Vehicle.ComponentID)
}
