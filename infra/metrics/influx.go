package metrics

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	coremetrics "github.com/kilianp07/lastmile/core/metrics"
	"github.com/kilianp07/lastmile/infra/logger"
)

// InfluxSink writes dispatch activity to an InfluxDB instance using the official client.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	log      logger.Logger
}

// InfluxConfig holds the connection settings of an InfluxSink.
type InfluxConfig struct {
	URL    string `json:"url"`
	Token  string `json:"token"`
	Org    string `json:"org"`
	Bucket string `json:"bucket"`
}

// NewInfluxSink creates a new sink configured for the given InfluxDB endpoint.
func NewInfluxSink(cfg InfluxConfig) *InfluxSink {
	base := strings.TrimSuffix(cfg.URL, "/api/v2/write")
	client := influxdb2.NewClientWithOptions(base, cfg.Token,
		influxdb2.DefaultOptions().SetHTTPClient(&http.Client{Timeout: 5 * time.Second}))
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		log:      logger.New("influx-sink"),
	}
}

// NewInfluxSinkWithFallback tries to ping the InfluxDB instance and
// returns a NopSink if the health check fails.
func NewInfluxSinkWithFallback(cfg InfluxConfig) coremetrics.Sink {
	sink := NewInfluxSink(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	health, err := sink.client.Health(ctx)
	if err != nil || health.Status != "pass" {
		if err != nil {
			sink.log.Errorf("influx health check error: %v", err)
		} else {
			sink.log.Errorf("influx health status: %s", health.Status)
		}
		sink.client.Close()
		return coremetrics.NopSink{}
	}
	return sink
}

// Close releases the underlying client.
func (s *InfluxSink) Close() { s.client.Close() }

func (s *InfluxSink) write(p *write.Point) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.writeAPI.WritePoint(ctx, p)
}

// RecordOffer writes an offer point.
func (s *InfluxSink) RecordOffer(ev coremetrics.OfferEvent) error {
	p := write.NewPointWithMeasurement("dispatch_offer").
		AddTag("order_id", ev.OrderID).
		AddTag("driver_id", ev.DriverID).
		AddTag("delivered", strconv.FormatBool(ev.Delivered)).
		AddField("attempt", ev.Attempt).
		AddField("index", ev.Index)
	if ev.DistanceKm != nil {
		p = p.AddField("distance_km", round3(*ev.DistanceKm))
	}
	return s.write(p.SetTime(ev.Time))
}

// RecordOutcome writes how an offer ended.
func (s *InfluxSink) RecordOutcome(ev coremetrics.OutcomeEvent) error {
	p := write.NewPointWithMeasurement("dispatch_outcome").
		AddTag("order_id", ev.OrderID).
		AddTag("driver_id", ev.DriverID).
		AddTag("outcome", string(ev.Outcome)).
		AddField("latency_ms", round3(ev.Latency.Seconds()*1000)).
		AddField("reason", ev.Reason).
		SetTime(ev.Time)
	return s.write(p)
}

// RecordCascade writes the summary of a dispatch attempt.
func (s *InfluxSink) RecordCascade(ev coremetrics.CascadeEvent) error {
	p := write.NewPointWithMeasurement("dispatch_cascade").
		AddTag("order_id", ev.OrderID).
		AddTag("result", string(ev.Result)).
		AddField("attempt", ev.Attempt).
		AddField("offers", ev.Offers).
		AddField("duration_s", round3(ev.Duration.Seconds())).
		SetTime(ev.Time)
	return s.write(p)
}

// RecordFleet writes a fleet snapshot.
func (s *InfluxSink) RecordFleet(ev coremetrics.FleetEvent) error {
	p := write.NewPointWithMeasurement("fleet_snapshot").
		AddField("known", ev.Known).
		AddField("online", ev.Online).
		AddField("idle", ev.Idle).
		SetTime(ev.Time)
	return s.write(p)
}

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}
