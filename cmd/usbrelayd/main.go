package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/syslog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/hubertat/servicemaker"

	"github.com/hubertat/usbrelay"
	"github.com/hubertat/usbrelay/drivers"
)

const exitInvalidRelay = 2
const exitDeviceNotFound = 3

var (
	Version string
	Build   string

	configPath  = flag.String("config", "", "path of the configuration file (daemon mode)")
	flagInstall = flag.Bool("install", false, "install service in os")
	verbose     = flag.Bool("v", false, "verbose output (debug logging)")
	useSyslog   = flag.Bool("syslog", false, "log to syslog instead of stderr")
	daemonMode  = flag.Bool("d", false, "keep running, reconciling marker files from the control directory")
	watchDir    = flag.String("dir", usbrelay.DefaultWatchDir, "control directory holding D_OUT_<n> marker files")

	relayService = servicemaker.ServiceMaker{
		User:               "usbrelayd",
		UserGroups:         []string{"plugdev"},
		ServicePath:        "/etc/systemd/system/usbrelayd.service",
		ServiceDescription: "usbrelayd service: usb relay board controller driven by marker files. github.com/hubertat",
		ExecDir:            "/srv/usbrelayd",
		ExecName:           "usbrelayd",
	}
)

func main() {
	flag.Parse()

	logger := log.NewWithOptions(os.Stderr, log.Options{Prefix: "usbrelayd"})
	if *verbose {
		logger.SetLevel(log.DebugLevel)
		log.SetLevel(log.DebugLevel)
	}
	if *useSyslog {
		sysWriter, err := syslog.New(syslog.LOG_DAEMON|syslog.LOG_INFO, "usbrelayd")
		if err != nil {
			logger.Fatal("syslog unavailable", "err", err)
		}
		logger.SetOutput(sysWriter)
	}

	if *flagInstall {
		err := relayService.InstallService()
		if err != nil {
			logger.Fatal("service install failed", "err", err)
		}
		logger.Info("service installed!")
		return
	}

	if *daemonMode {
		runDaemon(logger)
		return
	}

	os.Exit(runOneShot(logger))
}

// runOneShot mirrors the old standalone tool: switch the listed relays on,
// everything else off, in a single connect and apply.
func runOneShot(logger *log.Logger) int {
	relays := []int{}
	for _, arg := range flag.Args() {
		num, err := strconv.Atoi(arg)
		if err != nil {
			num = -1
		}
		relays = append(relays, num)
	}

	mask, err := drivers.MaskFromRelays(relays)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		fmt.Fprintln(os.Stderr, "only give valid relay numbers (1-8) as parameters, -v as first option enables verbose output")
		fmt.Fprintf(os.Stderr, "example: %s -v 1 5 7 will switch 1 5 and 7 on, the rest off\n", os.Args[0])
		return exitInvalidRelay
	}

	board := drivers.NewRelayBoard(drivers.NewUsbTransport(logger.WithPrefix("usb")), logger.WithPrefix("board"))

	err = board.EnsureConnected()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: device not open: %v\n", err)
		return exitDeviceNotFound
	}
	defer board.Close()

	logger.Debug("writing mask to usb", "mask", mask)
	err = board.Apply(mask)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	return 0
}

func runDaemon(logger *log.Logger) {
	logger.Info("usbrelayd started", "version", Version, "build", Build)

	relay := &usbrelay.UsbRelay{}

	if len(*configPath) > 0 {
		configFile, err := os.Open(*configPath)
		if err != nil {
			logger.Fatal("can't open config file", "path", *configPath, "err", err)
		}
		buff, err := io.ReadAll(configFile)
		configFile.Close()
		if err != nil {
			logger.Fatal("failed reading config file", "err", err)
		}
		err = json.Unmarshal(buff, relay)
		if err != nil {
			logger.Fatal("failed unmarshalling json config", "err", err)
		}
	}

	dirFlagSet := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "dir" {
			dirFlagSet = true
		}
	})
	if dirFlagSet || len(relay.WatchDir) < 1 {
		relay.WatchDir = *watchDir
	}

	err := relay.Init(logger)
	if err != nil {
		logger.Fatal("init failed", "err", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if relay.HomeKitEnabled() {
		logger.Info("starting HomeKit bridge")
		go func() {
			err := relay.StartHomeKit(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("HomeKit server stopped", "err", err)
			}
		}()
	} else {
		logger.Info("HomeKit not configured, disabled")
	}

	if len(relay.MqttBroker) > 0 {
		go func() {
			err := relay.StartMqtt(ctx)
			if err != nil {
				logger.Error("mqtt stopped", "err", err)
			}
		}()
	}

	if len(relay.StatusAddr) > 0 {
		go func() {
			err := relay.StartStatusServer(ctx)
			if err != nil {
				logger.Error("status server stopped", "err", err)
			}
		}()
	}

	err = relay.Run(ctx)
	if err != nil {
		logger.Fatal("reconciliation loop failed", "err", err)
	}
	logger.Info("terminated")
}
