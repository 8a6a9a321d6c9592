package usbrelay

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/hubertat/usbrelay/drivers"
)

const influxMeasurement = "relay_state"
const influxWriteTimeout = 5 * time.Second

// InfluxRecorder writes one point per applied mask, so relay switching
// history can be charted next to the sensors feeding the same bucket.
type InfluxRecorder struct {
	client influxdb2.Client
	write  api.WriteAPIBlocking

	board  string
	logger *log.Logger
}

func NewInfluxRecorder(url, token, org, bucket, board string, logger *log.Logger) *InfluxRecorder {
	client := influxdb2.NewClient(url, token)

	return &InfluxRecorder{
		client: client,
		write:  client.WriteAPIBlocking(org, bucket),
		board:  board,
		logger: logger,
	}
}

func (ir *InfluxRecorder) RecordMask(mask drivers.RelayMask) {
	fields := map[string]interface{}{
		"mask": int(mask),
	}
	for relay := uint(1); relay <= drivers.RelayCount; relay++ {
		fields[fmt.Sprintf("relay_%d", relay)] = mask.On(relay)
	}

	point := influxdb2.NewPoint(influxMeasurement, map[string]string{"board": ir.board}, fields, time.Now())

	ctx, cancel := context.WithTimeout(context.Background(), influxWriteTimeout)
	defer cancel()

	err := ir.write.WritePoint(ctx, point)
	if err != nil {
		ir.logger.Warn("influx write failed", "err", err)
	}
}

func (ir *InfluxRecorder) Close() {
	ir.client.Close()
}
