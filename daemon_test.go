package usbrelay

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/hubertat/usbrelay/drivers"
)

type watcherStep struct {
	batch []Event
	err   error
}

// scriptedWatcher feeds prepared scans and batches to the daemon loop and
// blocks once the batch script runs out. The last scan result is repeated.
type scriptedWatcher struct {
	scans     [][]string
	steps     []watcherStep
	scanCount int
}

func (sw *scriptedWatcher) Scan() ([]string, error) {
	sw.scanCount++
	if len(sw.scans) > 1 {
		names := sw.scans[0]
		sw.scans = sw.scans[1:]
		return names, nil
	}
	if len(sw.scans) == 1 {
		return sw.scans[0], nil
	}
	return nil, nil
}

func (sw *scriptedWatcher) NextBatch(ctx context.Context) ([]Event, error) {
	if len(sw.steps) == 0 {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	step := sw.steps[0]
	sw.steps = sw.steps[1:]
	return step.batch, step.err
}

func (sw *scriptedWatcher) Close() error {
	return nil
}

// maskFromProgram recovers the relay mask encoded in one 27-frame program.
func maskFromProgram(t testing.TB, frames [][]byte) (mask drivers.RelayMask) {
	t.Helper()

	if len(frames) != 27 {
		t.Fatalf("program has %d frames, want 27", len(frames))
	}
	for bit := uint(0); bit < 8; bit++ {
		if frames[1+3*(7-bit)][5] == 0x20 {
			mask |= 1 << bit
		}
	}
	return
}

func waitForMask(t testing.TB, relay *UsbRelay, want drivers.RelayMask) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if snapshot := relay.statusSnapshot(); snapshot.Mask == uint8(want) && snapshot.Connected {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("daemon never applied mask %08b", uint8(want))
}

func TestRunReconcilesBatches(t *testing.T) {
	relay := testRelay(t)
	watcher := &scriptedWatcher{
		scans: [][]string{{"D_OUT_2", "D_OUT_4", "notes.txt"}},
		steps: []watcherStep{
			{batch: []Event{
				{Kind: Created, Name: "D_OUT_3"},
				{Kind: Created, Name: "D_OUT_7"},
				{Kind: Deleted, Name: "D_OUT_3"},
			}},
		},
	}
	relay.watcher = watcher

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		relay.Run(ctx)
		close(done)
	}()

	waitForMask(t, relay, 0b01001010)
	cancel()
	<-done

	mock := relay.transport.(*drivers.MockTransport)
	if len(mock.Frames) != 54 {
		t.Fatalf("wrote %d frames, want 54 (one apply for the scan, one for the whole batch)", len(mock.Frames))
	}

	if mask := maskFromProgram(t, mock.Frames[:27]); mask != 0b00001010 {
		t.Errorf("initial program mask = %08b, want 00001010", uint8(mask))
	}
	if mask := maskFromProgram(t, mock.Frames[27:]); mask != 0b01001010 {
		t.Errorf("batch program mask = %08b, want 01001010", uint8(mask))
	}

	if watcher.scanCount != 1 {
		t.Errorf("scanned %d times, want 1", watcher.scanCount)
	}
}

func TestRunReconnectsAfterTransportFailure(t *testing.T) {
	relay := testRelay(t)
	mock := relay.transport.(*drivers.MockTransport)
	// fail mid-program during the batch apply (after the 27 scan frames)
	mock.ShortAtFrame = 27 + 14

	relay.watcher = &scriptedWatcher{
		scans: [][]string{
			{"D_OUT_1"},
			{"D_OUT_1", "D_OUT_2"},
		},
		steps: []watcherStep{
			{batch: []Event{{Kind: Created, Name: "D_OUT_2"}}},
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		relay.Run(ctx)
		close(done)
	}()

	// after the failed batch apply the loop reconnects, rescans (now seeing
	// both markers) and applies the full desired state again
	waitForMask(t, relay, 0b00000011)
	cancel()
	<-done

	if mock.OpenCount != 2 {
		t.Errorf("transport opened %d times, want 2", mock.OpenCount)
	}
	if mock.CloseCount < 1 {
		t.Errorf("transport never closed on failure")
	}
}

func TestRunSurvivesWatchError(t *testing.T) {
	relay := testRelay(t)

	relay.watcher = &scriptedWatcher{
		scans: [][]string{{"D_OUT_1"}},
		steps: []watcherStep{
			{err: errors.New("inotify queue overflow")},
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		relay.Run(ctx)
		close(done)
	}()

	// first apply from the scripted scan
	waitForMask(t, relay, 0b00000001)
	// the watch error forces a fresh watcher on the real (empty) control
	// directory, so the resynchronized state is all off
	waitForMask(t, relay, 0)
	cancel()
	<-done

	if _, ok := relay.watcher.(*DirWatcher); !ok {
		t.Errorf("watcher was not recreated after watch error, still %T", relay.watcher)
	}
}
