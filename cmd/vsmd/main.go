package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/sensyn-robotics/vsm-go/device"
	"github.com/sensyn-robotics/vsm-go/internal/config"
	"github.com/sensyn-robotics/vsm-go/internal/constants"
	"github.com/sensyn-robotics/vsm-go/internal/discovery"
	"github.com/sensyn-robotics/vsm-go/internal/ioplat"
	"github.com/sensyn-robotics/vsm-go/internal/logging"
	"github.com/sensyn-robotics/vsm-go/internal/service"
	"github.com/sensyn-robotics/vsm-go/internal/sockstream"
	"github.com/sensyn-robotics/vsm-go/internal/stream"
	"github.com/sensyn-robotics/vsm-go/internal/timer"
	"github.com/sensyn-robotics/vsm-go/internal/transport"
	"github.com/sensyn-robotics/vsm-go/internal/ucs"
)

func main() {
	if len(os.Args) > 1 && service.IsCommand(os.Args[1]) {
		if err := service.Run(service.Command(os.Args[1])); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	var (
		configPath = flag.String("config", "/etc/vsm/vsm.properties", "Path to the VSM properties configuration file")
		verbose    = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		cfg = config.Empty()
	}

	logConfig := logging.DefaultConfig()
	if *verbose || cfg.String("log.level", "info") == "debug" {
		logConfig.Level = logging.LevelDebug
	}
	logConfig.FilePath = cfg.String("log.file_path", "")
	if logConfig.FilePath != "" {
		logConfig.Output = nil
	}
	logConfig.SingleMaxSize = cfg.String("log.single_max_size", "")
	logConfig.MaxFileCount = cfg.Int("log.max_file_count", 5)
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	disp, err := ioplat.New(logger)
	if err != nil {
		logger.Error("failed to create I/O dispatcher", "error", err)
		os.Exit(1)
	}
	defer disp.Close()

	wheel := timer.NewWheel()
	defer wheel.Close()

	registry := ucs.NewRegistry()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ports, err := transport.LoadPortConfigs(cfg, "transport")
	if err != nil {
		logger.Error("failed to load transport configuration", "error", err)
		os.Exit(1)
	}

	det, err := transport.NewDetector(logger, disp, wheel, cfg, "transport", ports)
	if err != nil {
		logger.Error("failed to create transport detector", "error", err)
		os.Exit(1)
	}

	vehicleSysID := uint8(cfg.Int("vehicle.system_id", 1))
	vehicleCompID := uint8(cfg.Int("vehicle.component_id", 1))

	directory := device.NewDirectory()

	det.AddProtocolDetector(device.NewMavlinkDetector(logger, func(s stream.Stream, preamble []byte) {
		params := device.DefaultParams()
		params.SystemID = vehicleSysID
		params.ComponentID = vehicleCompID
		d, err := device.CreateAndServe(ctx, s, params, &device.Options{
			Logger: logger, Preamble: preamble,
			Registry: registry, Directory: directory,
		})
		if err != nil {
			logger.Error("failed to start device for detected stream", "error", err)
			return
		}
		d.RegisterWithUCS(&device.RegistrationMessage{
			SystemID: vehicleSysID, ComponentID: vehicleCompID,
			Name: d.String(), FrozenAt: time.Now(),
		})
		logger.Info("device started", "device", d.String())
	}))

	startUCSListener(ctx, logger, cfg, disp, wheel, registry, directory)
	startDiscovery(logger, cfg)

	det.Start()
	defer det.Stop()

	logger.Info("vsm runtime started", "config", *configPath)
	fmt.Printf("VSM runtime started (config=%s)\n", *configPath)
	fmt.Printf("Press Ctrl+C to stop...\n")
	fmt.Printf("Send SIGUSR1 (kill -USR1 %d) to dump goroutine stacks\n", os.Getpid())

	stackDumpCh := make(chan os.Signal, 1)
	signal.Notify(stackDumpCh, syscall.SIGUSR1)
	go func() {
		for range stackDumpCh {
			buf := make([]byte, 1024*1024)
			n := runtime.Stack(buf, true)
			fmt.Fprintf(os.Stderr, "\n=== FULL GOROUTINE STACK DUMP ===\n%s\n=== END STACK DUMP ===\n\n", buf[:n])
			if f, ferr := os.Create(fmt.Sprintf("vsmd-stacks-%d.txt", time.Now().Unix())); ferr == nil {
				fmt.Fprintf(f, "Goroutine stack dump, pid %d\n\n", os.Getpid())
				f.Write(buf[:n])
				fmt.Fprintf(f, "\n\n=== GOROUTINE PROFILE ===\n")
				_ = pprof.Lookup("goroutine").WriteTo(f, 2)
				f.Close()
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")
	cancel()
	os.Exit(0)
}

// startUCSListener opens the configured TCP listening port for incoming
// Universal Control Server connections and accepts them in a background
// goroutine for the lifetime of the process. Each accepted connection
// runs the Register_peer handshake, announces every known device to a
// newly compatible peer, and resolves Register_device responses back
// into the device directory's registered-connection bookkeeping.
func startUCSListener(ctx context.Context, logger *logging.Logger, cfg *config.Config, disp *ioplat.Dispatcher, wheel *timer.Wheel, registry *ucs.Registry, dir *device.Directory) {
	port := cfg.Int("ucs.local_listening_port", 5762)
	addr := fmt.Sprintf(":%d", port)

	ln, err := sockstream.ListenTCP(addr, 16, disp, wheel)
	if err != nil {
		logger.Error("failed to listen for UCS connections", "address", addr, "error", err)
		return
	}
	ln.Serve()

	keepalive := cfg.Duration("ucs.keepalive_timeout", 10*time.Second)

	go func() {
		for {
			s, err := ln.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					return
				default:
				}
				logger.Warn("UCS accept failed", "error", err)
				continue
			}
			conn := ucs.NewConnection(s, wheel, keepalive, func(c *ucs.Connection, payload []byte) {
				handleUCSEnvelope(logger, registry, dir, c, payload)
			})
			conn.SetOnClose(func(c *ucs.Connection) {
				for _, id := range c.RegisteredDeviceIDs() {
					if v, ok := dir.Get(id); ok {
						v.RemoveConnection(c)
					}
				}
				registry.Remove(c)
				logger.Info("UCS connection closed", "id", c.ID())
			})
			registry.Add(conn)
			logger.Info("accepted UCS connection", "id", conn.ID(), "remote", s.RemoteAddr())
		}
	}()
}

// handleUCSEnvelope decodes one fully-framed inbound payload and routes
// it by kind: a handshake gets a reply plus a Register_device
// announcement for every known vehicle, and a registration response is
// resolved back to the vehicle it was sent for.
func handleUCSEnvelope(logger *logging.Logger, registry *ucs.Registry, dir *device.Directory, c *ucs.Connection, payload []byte) {
	kind, body, err := ucs.DecodeKind(payload)
	if err != nil {
		logger.Warn("malformed UCS envelope", "connection", c.ID(), "error", err)
		return
	}

	switch kind {
	case ucs.KindRegisterPeer:
		info, err := ucs.DecodeRegisterPeer(body)
		if err != nil {
			logger.Warn("malformed Register_peer", "connection", c.ID(), "error", err)
			return
		}
		c.HandleRegisterPeer(info)
		if !c.IsCompatible() {
			logger.Warn("incompatible UCS peer", "connection", c.ID(), "major", info.VersionMajor, "minor", info.VersionMinor)
			return
		}
		reply := ucs.EncodeRegisterPeer(ucs.PeerInfo{
			PeerID: "vsmd", VersionMajor: constants.SupportedUCSVersionMajor, VersionMinor: constants.SupportedUCSVersionMinor,
		})
		if err := c.Send(reply); err != nil {
			logger.Warn("failed to reply to Register_peer", "connection", c.ID(), "error", err)
			return
		}
		for _, v := range dir.All() {
			if err := device.RegisterVehicleOnConnection(registry, c, v); err != nil {
				logger.Warn("failed to announce device", "connection", c.ID(), "device", v.DeviceID, "error", err)
			}
		}

	case ucs.KindRegisterDeviceResponse:
		resp, err := ucs.DecodeRegisterDeviceResponse(body)
		if err != nil {
			logger.Warn("malformed Register_device response", "connection", c.ID(), "error", err)
			return
		}
		deviceID, ok := c.ResolveRegisterDevice(resp.RequestID, resp.Success)
		if !ok {
			logger.Warn("Register_device response for unknown request", "connection", c.ID(), "request_id", resp.RequestID)
			return
		}
		if resp.Success {
			if v, ok := dir.Get(deviceID); ok {
				v.AddConnection(c)
			}
		}

	default:
		logger.Debug("unhandled UCS envelope kind", "connection", c.ID(), "kind", kind.String(), "bytes", len(body))
	}
}

// startDiscovery launches the SSDP-style service advertiser if the
// service_discovery.* configuration yields at least one advertisement.
func startDiscovery(logger *logging.Logger, cfg *config.Config) {
	dc := discovery.LoadConfig(cfg)
	if len(dc.Advertisements) == 0 {
		return
	}
	adv, err := discovery.NewAdvertiser(dc, logger)
	if err != nil {
		logger.Warn("failed to start service discovery advertiser", "error", err)
		return
	}
	adv.Start()
}
