package usbrelay

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/brutella/hap/accessory"
	"github.com/charmbracelet/log"
	"github.com/pkg/errors"

	"github.com/hubertat/usbrelay/drivers"
	"github.com/hubertat/usbrelay/mqtt"
)

const DefaultWatchDir = "/tmp"
const defaultName = "usbrelay"

// markerPrefix names the control files: the presence of D_OUT_<n> in the
// watch directory means relay n should be energized.
const markerPrefix = "D_OUT_"

// UsbRelay reconciles marker files in WatchDir onto the relay board. The
// exported fields come from the json configuration file; everything besides
// the reconciliation loop (HomeKit, mqtt, http status, influx) is optional
// and enabled by filling in the matching fields.
type UsbRelay struct {
	Name     string
	WatchDir string

	HkPin       string
	HkDirectory string
	HkAddress   string
	HkDebug     bool

	MqttBroker string
	MqttPrefix string

	StatusAddr string

	InfluxUrl    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string

	FakeBoard bool

	board      *drivers.RelayBoard
	transport  drivers.Transport
	watcher    StateWatcher
	influx     *InfluxRecorder
	hkSwitches []*accessory.Switch

	desired   [drivers.RelayCount]bool
	applied   drivers.RelayMask
	appliedOk bool
	connected bool

	mqttClient *mqtt.MqttClient

	logger *log.Logger
	mu     sync.Mutex
}

func (ur *UsbRelay) Init(logger *log.Logger) error {
	ur.logger = logger

	if len(ur.Name) < 1 {
		ur.Name = defaultName
	}
	if len(ur.WatchDir) < 1 {
		ur.WatchDir = DefaultWatchDir
	}

	info, err := os.Stat(ur.WatchDir)
	if err != nil {
		return errors.Wrapf(err, "control directory %s not usable", ur.WatchDir)
	}
	if !info.IsDir() {
		return errors.Errorf("control path %s is not a directory", ur.WatchDir)
	}

	if ur.FakeBoard {
		logger.Info("using fake relay board, no usb access")
		ur.transport = drivers.NewMockTransport(logger.WithPrefix("fake"))
	} else {
		ur.transport = drivers.NewUsbTransport(logger.WithPrefix("usb"))
	}
	ur.board = drivers.NewRelayBoard(ur.transport, logger.WithPrefix("board"))

	if ur.HomeKitEnabled() {
		ur.setupHomeKit()
	}

	if len(ur.InfluxUrl) > 0 {
		ur.influx = NewInfluxRecorder(ur.InfluxUrl, ur.InfluxToken, ur.InfluxOrg, ur.InfluxBucket,
			ur.Name, logger.WithPrefix("influx"))
	}

	return nil
}

// parseMarker maps a control file name onto a relay number. Names that parse
// but point outside the 8-relay bank are not valid markers: the board has no
// bit for them and they must not land on a neighbouring relay.
func parseMarker(name string) (relay uint, ok bool) {
	if !strings.HasPrefix(name, markerPrefix) {
		return
	}

	num, err := strconv.Atoi(strings.TrimPrefix(name, markerPrefix))
	if err != nil || num < 1 || num > drivers.RelayCount {
		return
	}

	return uint(num), true
}

func markerName(relay uint) string {
	return fmt.Sprintf("%s%d", markerPrefix, relay)
}

// setMarker creates or removes the control file for one relay. All remote
// control surfaces (HomeKit, mqtt, http) go through here, so every change
// reaches the board via the one reconciliation loop.
func (ur *UsbRelay) setMarker(relay uint, on bool) error {
	if relay < 1 || relay > drivers.RelayCount {
		return errors.Errorf("invalid relay number %d", relay)
	}

	path := filepath.Join(ur.WatchDir, markerName(relay))
	if on {
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return errors.Wrapf(err, "failed to create marker %s", path)
		}
		return file.Close()
	}

	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to remove marker %s", path)
	}
	return nil
}

func (ur *UsbRelay) HomeKitEnabled() bool {
	return len(ur.HkPin) == 8
}

func (ur *UsbRelay) mqttTopicPrefix() string {
	if len(ur.MqttPrefix) > 0 {
		return ur.MqttPrefix
	}
	return ur.Name
}

// seedDesired resets the desired state from a directory scan.
func (ur *UsbRelay) seedDesired(names []string) {
	ur.mu.Lock()
	defer ur.mu.Unlock()

	ur.desired = [drivers.RelayCount]bool{}
	for _, name := range names {
		if relay, ok := parseMarker(name); ok {
			ur.desired[relay-1] = true
		}
	}
}

func (ur *UsbRelay) foldEvent(ev Event) {
	if ev.IsDir {
		ur.logger.Debug("ignoring directory event", "name", ev.Name)
		return
	}

	relay, ok := parseMarker(ev.Name)
	if !ok {
		ur.logger.Debug("ignoring unrelated file event", "name", ev.Name)
		return
	}

	ur.mu.Lock()
	ur.desired[relay-1] = ev.Kind == Created
	ur.mu.Unlock()
}

func (ur *UsbRelay) desiredMask() (mask drivers.RelayMask) {
	ur.mu.Lock()
	defer ur.mu.Unlock()

	for i, on := range ur.desired {
		if on {
			mask |= 1 << i
		}
	}
	return
}

// applyDesired folds the desired state into a mask and writes it out in one
// Apply call, then fans the new state out to the optional surfaces.
func (ur *UsbRelay) applyDesired() error {
	mask := ur.desiredMask()

	err := ur.board.Apply(mask)
	if err != nil {
		return err
	}

	ur.mu.Lock()
	ur.applied = mask
	ur.appliedOk = true
	ur.mu.Unlock()

	ur.syncHomeKit(mask)
	ur.publishState(mask)
	if ur.influx != nil {
		ur.influx.RecordMask(mask)
	}

	return nil
}

func (ur *UsbRelay) setConnected(connected bool) {
	ur.mu.Lock()
	ur.connected = connected
	ur.mu.Unlock()
}
