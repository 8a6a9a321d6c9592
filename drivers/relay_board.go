package drivers

import (
	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
)

var ErrDeviceNotFound = errors.New("relay board not found")
var ErrTransportFailure = errors.New("relay board transport failure")

// RelayBoard drives the 8-channel usb relay board. It owns the one transport
// session and the last mask that was written out. Apply is not safe for
// concurrent use: the firmware expects frames in strict program order on a
// single session, so all writes have to come from one caller.
type RelayBoard struct {
	transport Transport
	connected bool

	lastMask    RelayMask
	maskApplied bool

	logger *log.Logger
}

func NewRelayBoard(transport Transport, logger *log.Logger) *RelayBoard {
	return &RelayBoard{
		transport: transport,
		logger:    logger,
	}
}

// EnsureConnected opens a transport session if there is none. It does not
// retry: reconnect policy belongs to the caller, which knows whether it is a
// one-shot invocation or the daemon loop.
func (rb *RelayBoard) EnsureConnected() error {
	if rb.connected {
		return nil
	}

	err := rb.transport.Open()
	if err != nil {
		return errors.Wrapf(ErrDeviceNotFound, "open failed: %v", err)
	}

	rb.connected = true
	rb.maskApplied = false
	return nil
}

// Apply writes the full sub-command program for mask to the board. The first
// write that errors or comes up short aborts the whole program and drops the
// session; the board state is then unknown and a fresh EnsureConnected plus
// re-apply is required.
func (rb *RelayBoard) Apply(mask RelayMask) error {
	if !rb.connected {
		return errors.Wrap(ErrTransportFailure, "no open session")
	}

	seq := SequenceFor(mask)
	for i, sub := range seq {
		frame := EncodeFrame(sub)
		count, err := rb.transport.BulkWrite(frame)
		if err != nil {
			rb.drop()
			return errors.Wrapf(ErrTransportFailure, "bulk write %d of %d failed: %v", i+1, len(seq), err)
		}
		if count != len(frame) {
			rb.drop()
			return errors.Wrapf(ErrTransportFailure, "short write %d of %d: %d of %d bytes", i+1, len(seq), count, len(frame))
		}
		rb.logger.Debug("frame written", "index", i, "sub", sub, "frame", frame)
	}

	rb.lastMask = mask
	rb.maskApplied = true
	rb.logger.Info("relay mask applied", "mask", mask)

	return nil
}

// LastMask returns the mask last written out in full, if any write completed
// since the session was opened.
func (rb *RelayBoard) LastMask() (RelayMask, bool) {
	return rb.lastMask, rb.maskApplied
}

func (rb *RelayBoard) Connected() bool {
	return rb.connected
}

func (rb *RelayBoard) Close() error {
	if !rb.connected {
		return nil
	}
	rb.drop()
	return nil
}

func (rb *RelayBoard) drop() {
	closeErr := rb.transport.Close()
	if closeErr != nil {
		rb.logger.Warn("transport close failed", "err", closeErr)
	}
	rb.connected = false
	// the board may have taken any prefix of the aborted program, so the
	// applied mask is no longer known
	rb.maskApplied = false
}
