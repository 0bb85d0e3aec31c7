package status

import (
	"context"
	"errors"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"flexteleop/config"
	"flexteleop/control"
)

const influxPingTimeout = 5 * time.Second

var ErrInfluxUnavailable = errors.New("influxdb: server unavailable")

// InfluxWriter stores each record as one teleop_command point plus one
// motor_telemetry point per device. Writes are batched by the client.
type InfluxWriter struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	log      Logger
	done     chan struct{}
}

var _ Output = (*InfluxWriter)(nil)

// ConnectInflux pings the server and sets up the non-blocking write API.
// Async write errors are logged through log.
func ConnectInflux(cfg config.InfluxDBConfig, log Logger) (*InfluxWriter, error) {
	if log == nil {
		log = noopLogger{}
	}
	opts := influxdb2.DefaultOptions()
	if cfg.BatchSize > 0 {
		opts.SetBatchSize(uint(cfg.BatchSize))
	}
	if cfg.FlushInterval > 0 {
		opts.SetFlushInterval(uint(cfg.FlushInterval))
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opts)

	ctx, cancel := context.WithTimeout(context.Background(), influxPingTimeout)
	defer cancel()
	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %w", ErrInfluxUnavailable, err)
	}
	if !healthy {
		client.Close()
		return nil, ErrInfluxUnavailable
	}

	w := &InfluxWriter{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		log:      log,
		done:     make(chan struct{}),
	}
	go w.drainErrors()
	return w, nil
}

func (w *InfluxWriter) drainErrors() {
	errs := w.writeAPI.Errors()
	for {
		select {
		case err := <-errs:
			w.log.Warn("influxdb write failed", "err", err)
		case <-w.done:
			return
		}
	}
}

func (w *InfluxWriter) Write(s control.Status) error {
	for _, p := range Points(s) {
		w.writeAPI.WritePoint(p)
	}
	return nil
}

func (w *InfluxWriter) Close() error {
	w.writeAPI.Flush()
	close(w.done)
	w.client.Close()
	return nil
}

// Points converts a record. Unavailable readings are left out of the fields
// rather than written as NaN.
func Points(s control.Status) []*write.Point {
	pts := make([]*write.Point, 0, len(s.Devices)+1)
	pts = append(pts, write.NewPoint(
		"teleop_command",
		map[string]string{"run_id": s.RunID},
		map[string]interface{}{
			"position": s.Command.Position,
			"velocity": s.Command.Velocity,
			"overrun":  s.Overrun,
			"tick":     int64(s.Tick),
		},
		s.At,
	))

	for _, d := range s.Devices {
		fields := map[string]interface{}{
			"setpoint":     d.Setpoint,
			"faults":       int64(d.Faults),
			"heartbeat_ok": d.HeartbeatOK,
		}
		if d.Velocity.OK {
			fields["velocity"] = d.Velocity.Value
		}
		if d.Position.OK {
			fields["position_deg"] = d.Position.Value
		}
		pts = append(pts, write.NewPoint(
			"motor_telemetry",
			map[string]string{
				"run_id":  s.RunID,
				"device":  d.Name,
				"address": d.Address,
				"role":    d.Role,
			},
			fields,
			s.At,
		))
	}
	return pts
}
