package telemetry

import (
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

// Recorder writes operational counters to InfluxDB. All writes are
// asynchronous and must never sit on a transaction path; a nil Recorder is
// valid and drops every measurement.
type Recorder struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
}

// Config holds InfluxDB connection settings
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewRecorder creates a Recorder, or nil when no URL is configured
func NewRecorder(cfg Config) *Recorder {
	if cfg.URL == "" {
		return nil
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &Recorder{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
	}
}

// PayoutTransition counts one payout state transition
func (r *Recorder) PayoutTransition(status, currency string) {
	if r == nil {
		return
	}
	p := influxdb2.NewPoint("payout_transitions",
		map[string]string{"status": status, "currency": currency},
		map[string]interface{}{"count": 1},
		time.Now(),
	)
	r.writeAPI.WritePoint(p)
}

// PlanExecuted counts one executed batch plan and its size
func (r *Recorder) PlanExecuted(currency string, items int) {
	if r == nil {
		return
	}
	p := influxdb2.NewPoint("plans_executed",
		map[string]string{"currency": currency},
		map[string]interface{}{"count": 1, "items": items},
		time.Now(),
	)
	r.writeAPI.WritePoint(p)
}

// WorkerAttempt records one bank connector attempt and its latency
func (r *Recorder) WorkerAttempt(outcome string, elapsed time.Duration) {
	if r == nil {
		return
	}
	p := influxdb2.NewPoint("worker_attempts",
		map[string]string{"outcome": outcome},
		map[string]interface{}{"count": 1, "elapsed_ms": elapsed.Milliseconds()},
		time.Now(),
	)
	r.writeAPI.WritePoint(p)
}

// Close flushes buffered points and closes the client
func (r *Recorder) Close() {
	if r == nil {
		return
	}
	r.writeAPI.Flush()
	r.client.Close()
}
