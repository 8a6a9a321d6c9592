package drivers

import (
	"fmt"

	"github.com/pkg/errors"
)

// RelayMask holds the desired state of the whole bank, bit 0 = relay 1,
// bit set = relay energized.
type RelayMask uint8

const RelayCount = 8

// Sub-command bytes understood by the board firmware.
const (
	subFrameStart   = 0x00
	subRelayOnHigh  = 0x20
	subRelayOnPulse = 0x28
	subRelayOffLow  = 0x00
	subRelayOffDrop = 0x08
	subFrameEndA    = 0x00
	subFrameEndB    = 0x01
)

const FrameLength = 11

var framePrefix = [5]byte{0xa1, 0x6a, 0x1f, 0x00, 0x10}
var frameSuffix = [5]byte{0x3f, 0x00, 0x00, 0x00, 0x00}

// EncodeFrame builds the 11 byte bulk transfer buffer carrying one sub-command.
func EncodeFrame(sub byte) []byte {
	frame := make([]byte, 0, FrameLength)
	frame = append(frame, framePrefix[:]...)
	frame = append(frame, sub)
	frame = append(frame, frameSuffix[:]...)
	return frame
}

// SequenceFor returns the full sub-command program for one mask. The firmware
// has no partial update command, so every call re-sends all eight relays:
// a frame start, three sub-commands per relay from relay 8 down to relay 1
// (the order the firmware clocks them in), and the two frame end bytes.
func SequenceFor(mask RelayMask) []byte {
	seq := make([]byte, 0, 1+3*RelayCount+2)
	seq = append(seq, subFrameStart)
	for bit := uint(128); bit > 0; bit >>= 1 {
		if uint(mask)&bit != 0 {
			seq = append(seq, subRelayOnHigh, subRelayOnPulse, subRelayOnHigh)
		} else {
			seq = append(seq, subRelayOffLow, subRelayOffDrop, subRelayOffLow)
		}
	}
	seq = append(seq, subFrameEndA, subFrameEndB)
	return seq
}

func (m RelayMask) String() string {
	return fmt.Sprintf("%08b", uint8(m))
}

// On reports the desired state of one relay, numbered 1 to 8.
func (m RelayMask) On(relay uint) bool {
	if relay < 1 || relay > RelayCount {
		return false
	}
	return m&(1<<(relay-1)) != 0
}

func (m RelayMask) Set(relay uint, on bool) RelayMask {
	if relay < 1 || relay > RelayCount {
		return m
	}
	if on {
		return m | 1<<(relay-1)
	}
	return m &^ (1 << (relay - 1))
}

// MaskFromRelays builds a mask from a list of relay numbers, all listed relays
// on and the rest off. Numbers outside 1..8 are rejected.
func MaskFromRelays(relays []int) (mask RelayMask, err error) {
	for _, relay := range relays {
		if relay < 1 || relay > RelayCount {
			err = errors.Errorf("invalid relay number %d, valid numbers are 1-%d", relay, RelayCount)
			return
		}
		mask |= 1 << (relay - 1)
	}

	return
}
