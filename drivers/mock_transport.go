package drivers

import (
	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
)

// MockTransport stands in for the usb board: it records every written frame
// and can be scripted to fail. Used by tests and by the fake-board mode.
type MockTransport struct {
	Frames [][]byte

	OpenErr      error
	FailAtFrame  int // fail the write with this index (counted since Open), -1 disables
	ShortAtFrame int // report a short write at this index, -1 disables

	opened     bool
	OpenCount  int
	CloseCount int

	logger *log.Logger
}

func NewMockTransport(logger *log.Logger) *MockTransport {
	return &MockTransport{
		FailAtFrame:  -1,
		ShortAtFrame: -1,
		logger:       logger,
	}
}

func (mt *MockTransport) Open() error {
	if mt.OpenErr != nil {
		return mt.OpenErr
	}
	mt.opened = true
	mt.OpenCount++
	return nil
}

func (mt *MockTransport) BulkWrite(buf []byte) (int, error) {
	if !mt.opened {
		return 0, errors.New("mock transport not open")
	}

	index := len(mt.Frames)
	if index == mt.FailAtFrame {
		mt.FailAtFrame = -1
		return 0, errors.New("scripted write failure")
	}

	written := make([]byte, len(buf))
	copy(written, buf)
	mt.Frames = append(mt.Frames, written)

	if mt.logger != nil {
		mt.logger.Debug("mock bulk write", "frame", index, "bytes", written)
	}

	if index == mt.ShortAtFrame {
		mt.ShortAtFrame = -1
		return len(buf) - 1, nil
	}
	return len(buf), nil
}

func (mt *MockTransport) Close() error {
	mt.opened = false
	mt.CloseCount++
	return nil
}
