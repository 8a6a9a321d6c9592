package usbrelay

import (
	"context"
	"fmt"

	dnslog "github.com/brutella/dnssd/log"
	"github.com/brutella/hap"
	"github.com/brutella/hap/accessory"
	hklog "github.com/brutella/hap/log"
	"github.com/pkg/errors"

	"github.com/hubertat/usbrelay/drivers"
)

const defaultHomeKitDirectory = "./homekit"
const homeKitBridgeAuthor = "github.com/hubertat"

// setupHomeKit builds one switch accessory per relay. A remote update writes
// the marker file only; the state change reaches the board (and flows back
// into the accessory) through the reconciliation loop.
func (ur *UsbRelay) setupHomeKit() {
	ur.hkSwitches = make([]*accessory.Switch, drivers.RelayCount)

	for i := range ur.hkSwitches {
		relay := uint(i + 1)
		sw := accessory.NewSwitch(accessory.Info{
			Name:         fmt.Sprintf("%s relay %d", ur.Name, relay),
			Manufacturer: homeKitBridgeAuthor,
			SerialNumber: fmt.Sprintf("relay:usb:%02d", relay),
		})
		sw.A.Id = uint64(relay) + 1
		sw.Switch.On.OnValueRemoteUpdate(func(on bool) {
			err := ur.setMarker(relay, on)
			if err != nil {
				ur.logger.Error("homekit update failed", "relay", relay, "err", err)
			}
		})

		ur.hkSwitches[i] = sw
	}
}

func (ur *UsbRelay) StartHomeKit(ctx context.Context) error {
	bridge := accessory.NewBridge(accessory.Info{
		Name:         ur.Name,
		Manufacturer: homeKitBridgeAuthor,
	})

	accs := []*accessory.A{}
	for _, sw := range ur.hkSwitches {
		accs = append(accs, sw.A)
	}

	directory := ur.HkDirectory
	if len(directory) < 1 {
		directory = defaultHomeKitDirectory
	}
	store := hap.NewFsStore(directory)

	server, err := hap.NewServer(store, bridge.A, accs...)
	if err != nil {
		return errors.Wrap(err, "failed to create HomeKit server")
	}
	server.Pin = ur.HkPin
	if len(ur.HkAddress) > 0 {
		server.Addr = ur.HkAddress
	}

	if ur.HkDebug {
		hklog.Debug.Enable()
		dnslog.Debug.Enable()
	}

	return server.ListenAndServe(ctx)
}

func (ur *UsbRelay) syncHomeKit(mask drivers.RelayMask) {
	for i, sw := range ur.hkSwitches {
		if sw != nil {
			sw.Switch.On.SetValue(mask.On(uint(i + 1)))
		}
	}
}
