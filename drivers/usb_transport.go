package drivers

import (
	"time"

	"github.com/charmbracelet/log"
	"github.com/gotmc/libusb"
	"github.com/pkg/errors"
)

// USB identity of the CH341A based relay board.
const (
	usbVendorID  = uint16(0x1a86)
	usbProductID = uint16(0x5512)
)

const usbEndpointOut = 2
const usbInterface = 0
const usbWriteTimeout = 100 * time.Millisecond

// Transport is the bulk-transfer capability the relay board is driven
// through. One Open session at a time; BulkWrite is only valid between a
// successful Open and Close.
type Transport interface {
	Open() error
	BulkWrite(buf []byte) (int, error)
	Close() error
}

// UsbTransport talks to the board over libusb.
type UsbTransport struct {
	ctx    *libusb.Context
	handle *libusb.DeviceHandle
	logger *log.Logger
}

func NewUsbTransport(logger *log.Logger) *UsbTransport {
	return &UsbTransport{logger: logger}
}

func (ut *UsbTransport) Open() error {
	if ut.handle != nil {
		return errors.New("usb session already open")
	}

	ctx, err := libusb.NewContext()
	if err != nil {
		return errors.Wrap(err, "libusb init failed")
	}

	_, handle, err := ctx.OpenDeviceWithVendorProduct(usbVendorID, usbProductID)
	if err != nil {
		ctx.Close()
		return errors.Wrapf(err, "no device with id %04x:%04x", usbVendorID, usbProductID)
	}

	active, err := handle.KernelDriverActive(usbInterface)
	if err == nil && active {
		ut.logger.Debug("kernel driver active, detaching")
		err = handle.DetachKernelDriver(usbInterface)
		if err != nil {
			ut.logger.Warn("kernel driver detach failed", "err", err)
		}
	}

	err = handle.ClaimInterface(usbInterface)
	if err != nil {
		handle.Close()
		ctx.Close()
		return errors.Wrapf(err, "failed to claim interface %d", usbInterface)
	}

	ut.ctx = ctx
	ut.handle = handle
	ut.logger.Debug("usb session open", "vendor", usbVendorID, "product", usbProductID)

	return nil
}

func (ut *UsbTransport) BulkWrite(buf []byte) (int, error) {
	if ut.handle == nil {
		return 0, errors.New("usb session not open")
	}

	return ut.handle.BulkTransfer(usbEndpointOut, buf, len(buf), int(usbWriteTimeout.Milliseconds()))
}

func (ut *UsbTransport) Close() error {
	if ut.handle != nil {
		ut.handle.ReleaseInterface(usbInterface)
		ut.handle.Close()
		ut.handle = nil
	}
	if ut.ctx != nil {
		ut.ctx.Close()
		ut.ctx = nil
	}

	return nil
}
