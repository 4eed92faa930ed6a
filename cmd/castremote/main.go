package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go2tv.app/castremote/castprotocol"
	"go2tv.app/castremote/devices"
	"go2tv.app/castremote/internal/config"
	"go2tv.app/castremote/internal/hub"
	"go2tv.app/castremote/internal/interactive"
)

// Set with -ldflags "-X main.version=...".
var version = "dev"

var (
	configPtr  = flag.String("config", "", "Path to the settings file. Defaults to the user config dir.")
	listenPtr  = flag.String("listen", "", "Hub API listen address.")
	targetPtr  = flag.String("t", "", "Add a Cast device by address (host[:port]) without waiting for discovery.")
	listPtr    = flag.Bool("l", false, "List the Cast devices found on the network and exit.")
	watchPtr   = flag.String("watch", "", "Open the interactive screen for a device id, or the address given with -t.")
	debugPtr   = flag.Bool("debug", false, "Enable debug logging.")
	versionPtr = flag.Bool("version", false, "Print version.")
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Encountered error(s): %s\n", err)
		os.Exit(1)
	}
}

func run() error {
	flag.Parse()

	if *versionPtr {
		fmt.Printf("castremote Version: %s\n", version)
		return nil
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	setupLogging(cfg.Debug, *watchPtr != "")

	exitCTX, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := log.Logger
	registry := devices.NewRegistry(
		devices.WithBackend(devices.NewMDNSBackend(
			devices.WithQueryInterval(cfg.QueryInterval),
			devices.WithHealthInterval(cfg.HealthInterval),
			devices.WithMDNSLogger(logger),
		)),
		devices.WithSessionOptions(
			castprotocol.WithLogger(logger),
			castprotocol.WithHeartbeatInterval(cfg.HeartbeatInterval),
		),
		devices.WithLogger(logger),
	)
	defer registry.Close()
	registry.Start(exitCTX)

	if *targetPtr != "" {
		if err := addTarget(exitCTX, registry, *targetPtr); err != nil {
			return err
		}
	}

	controller := hub.NewController(registry,
		hub.WithDiscoverTimeout(cfg.DiscoverTimeout),
		hub.WithLogger(logger),
	)

	if *listPtr {
		return listDevices(exitCTX, controller, cfg.DiscoverTimeout)
	}

	if err := controller.RegisterSubscription(exitCTX, hub.Subscription{
		Notify: func(u hub.Update) {
			logger.Debug().Str("Device", u.DeviceID).Str("Component", u.Component).Str("Value", u.Value).Msg("status update")
		},
		PowerOn: func(id string) {
			logger.Info().Str("Device", id).Msg("application started")
		},
		PowerOff: func(id string) {
			logger.Info().Str("Device", id).Msg("application stopped")
		},
	}); err != nil {
		return err
	}

	server := hub.NewServer(controller, hub.ServerConfig{
		RequestsPerMinute: cfg.RequestsPerMinute,
		DiscoverTimeout:   cfg.DiscoverTimeout,
		Log:               logger,
	})

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.ListenAndServe(exitCTX, cfg.ListenAddr) }()

	if *watchPtr != "" {
		if err := watch(exitCTX, cancel, registry, cfg.DiscoverTimeout, *watchPtr); err != nil {
			return err
		}
		cancel()
	}

	select {
	case err := <-serverErr:
		return err
	case <-exitCTX.Done():
		return <-serverErr
	}
}

func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if *configPtr != "" {
		cfg, err = config.LoadFile(*configPtr)
	} else {
		cfg, err = config.GetAppConfig()
	}
	if err != nil {
		return nil, errors.Wrap(err, "loadConfig")
	}

	if *listenPtr != "" {
		cfg.ListenAddr = *listenPtr
	}
	if *debugPtr {
		cfg.Debug = true
	}
	return cfg, nil
}

// setupLogging writes to stderr, or nowhere while the interactive screen
// owns the terminal unless debugging.
func setupLogging(debug, interactive bool) {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else if interactive {
		zerolog.SetGlobalLevel(zerolog.Disabled)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}

func addTarget(ctx context.Context, registry *devices.Registry, target string) error {
	host, port, err := castprotocol.ParseAddr(target)
	if err != nil {
		return errors.Wrap(err, "addTarget")
	}

	a := devices.Announcement{ID: target, Host: host, Port: port}
	if err := registry.Announce(ctx, a); err != nil {
		return errors.Wrapf(err, "addTarget %s", target)
	}
	return nil
}

func listDevices(ctx context.Context, controller *hub.Controller, timeout time.Duration) error {
	found, err := controller.DiscoverDevices(ctx, timeout)
	if err != nil {
		return errors.Wrap(err, "failed to list devices")
	}

	fmt.Println()
	for q, d := range found {
		boldStart := ""
		boldEnd := ""

		if runtime.GOOS == "linux" {
			boldStart = "\033[1m"
			boldEnd = "\033[0m"
		}
		fmt.Printf("%sDevice %v%s\n", boldStart, q+1, boldEnd)
		fmt.Printf("%s--------%s\n", boldStart, boldEnd)
		fmt.Printf("%sName:%s %s\n", boldStart, boldEnd, d.Name)
		fmt.Printf("%sID:%s   %s\n", boldStart, boldEnd, d.ID)
		fmt.Println()
	}

	return nil
}

func watch(ctx context.Context, cancel context.CancelFunc, registry *devices.Registry, timeout time.Duration, id string) error {
	session, ok := registry.Device(id)
	if !ok {
		if _, err := registry.DiscoverDevices(ctx, timeout); err != nil {
			return errors.Wrap(err, "watch")
		}
		s, err := registry.Lookup(id)
		if err != nil {
			return errors.Wrap(err, "watch")
		}
		session = s
	}

	screen, err := interactive.InitScreen(session, cancel)
	if err != nil {
		return err
	}
	return screen.Run(ctx)
}
