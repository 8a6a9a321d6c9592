package drivers

import (
	"bytes"
	"testing"
)

func assertBytes(t testing.TB, got, want []byte) {
	t.Helper()

	if !bytes.Equal(got, want) {
		t.Errorf("got % 02x want % 02x", got, want)
	}
}

func TestEncodeFrame(t *testing.T) {
	for _, sub := range []byte{0x00, 0x01, 0x08, 0x20, 0x28, 0xff} {
		frame := EncodeFrame(sub)

		if len(frame) != FrameLength {
			t.Fatalf("frame length = %d, want %d", len(frame), FrameLength)
		}
		want := []byte{0xa1, 0x6a, 0x1f, 0x00, 0x10, sub, 0x3f, 0x00, 0x00, 0x00, 0x00}
		assertBytes(t, frame, want)
	}
}

func TestSequenceForLengthAndMarkers(t *testing.T) {
	for mask := 0; mask <= 0xff; mask++ {
		seq := SequenceFor(RelayMask(mask))

		if len(seq) != 27 {
			t.Fatalf("mask %08b: sequence length = %d, want 27", mask, len(seq))
		}
		if seq[0] != 0x00 {
			t.Errorf("mask %08b: sequence starts with %02x, want frame start", mask, seq[0])
		}
		if seq[25] != 0x00 || seq[26] != 0x01 {
			t.Errorf("mask %08b: sequence ends with % 02x, want 00 01", mask, seq[25:])
		}
	}
}

func TestSequenceForBitGroups(t *testing.T) {
	onGroup := []byte{0x20, 0x28, 0x20}
	offGroup := []byte{0x00, 0x08, 0x00}

	for mask := 0; mask <= 0xff; mask++ {
		seq := SequenceFor(RelayMask(mask))

		// relay 8 (bit 7) comes first on the wire
		for bit := 0; bit < 8; bit++ {
			group := seq[1+3*(7-bit) : 1+3*(7-bit)+3]
			if mask&(1<<bit) != 0 {
				assertBytes(t, group, onGroup)
			} else {
				assertBytes(t, group, offGroup)
			}
		}
	}
}

func TestMaskFromRelays(t *testing.T) {
	mask, err := MaskFromRelays([]int{1, 5, 7})
	if err != nil {
		t.Fatalf("MaskFromRelays returned err: %v", err)
	}
	if mask != 0b01000101 {
		t.Errorf("got mask %08b want 01000101", uint8(mask))
	}

	mask, err = MaskFromRelays(nil)
	if err != nil || mask != 0 {
		t.Errorf("empty list: got mask %08b err %v", uint8(mask), err)
	}

	_, err = MaskFromRelays([]int{1, 9})
	if err == nil {
		t.Error("expected error for relay number 9")
	}
	_, err = MaskFromRelays([]int{0})
	if err == nil {
		t.Error("expected error for relay number 0")
	}
}

func TestMaskOnSet(t *testing.T) {
	var mask RelayMask

	mask = mask.Set(3, true)
	if !mask.On(3) {
		t.Error("relay 3 should be on")
	}
	if mask != 0b00000100 {
		t.Errorf("got mask %08b want 00000100", uint8(mask))
	}

	mask = mask.Set(3, false)
	if mask != 0 {
		t.Errorf("got mask %08b want all off", uint8(mask))
	}

	// out of range numbers leave the mask alone
	mask = mask.Set(9, true)
	mask = mask.Set(0, true)
	if mask != 0 {
		t.Errorf("got mask %08b want all off", uint8(mask))
	}
	if mask.On(0) || mask.On(9) {
		t.Error("out of range relay reported on")
	}
}
