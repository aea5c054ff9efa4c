package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	coremetrics "github.com/kilianp07/lastmile/core/metrics"
)

type lineServer struct {
	mu     sync.Mutex
	bodies []string
	srv    *httptest.Server
}

func newLineServer(t *testing.T) *lineServer {
	t.Helper()
	ls := &lineServer{}
	ls.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		ls.mu.Lock()
		ls.bodies = append(ls.bodies, strings.TrimSpace(string(data)))
		ls.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(ls.srv.Close)
	return ls
}

func (ls *lineServer) sink() *InfluxSink {
	return NewInfluxSink(InfluxConfig{URL: ls.srv.URL, Token: "token", Org: "org", Bucket: "bucket"})
}

func (ls *lineServer) expect(t *testing.T, p *write.Point) {
	t.Helper()
	ls.mu.Lock()
	defer ls.mu.Unlock()
	exp := strings.TrimSpace(write.PointToLineProtocol(p, time.Nanosecond))
	if len(ls.bodies) != 1 || ls.bodies[0] != exp {
		t.Errorf("unexpected bodies: %#v, want %s", ls.bodies, exp)
	}
}

func TestInfluxSink_RecordOffer(t *testing.T) {
	ls := newLineServer(t)
	now := time.Now()
	dist := 2.12345
	ev := coremetrics.OfferEvent{OrderID: "o1", DriverID: "d2", Attempt: 1, Index: 0, DistanceKm: &dist, Delivered: true, Time: now}
	if err := ls.sink().RecordOffer(ev); err != nil {
		t.Fatalf("record error: %v", err)
	}
	p := write.NewPointWithMeasurement("dispatch_offer").
		AddTag("order_id", "o1").
		AddTag("driver_id", "d2").
		AddTag("delivered", "true").
		AddField("attempt", 1).
		AddField("index", 0).
		AddField("distance_km", 2.123).
		SetTime(now)
	ls.expect(t, p)
}

func TestInfluxSink_RecordOutcome(t *testing.T) {
	ls := newLineServer(t)
	now := time.Now()
	ev := coremetrics.OutcomeEvent{OrderID: "o1", DriverID: "d2", Outcome: coremetrics.OutcomeTimeout, Reason: "timeout", Latency: 30 * time.Second, Time: now}
	if err := ls.sink().RecordOutcome(ev); err != nil {
		t.Fatalf("record: %v", err)
	}
	p := write.NewPointWithMeasurement("dispatch_outcome").
		AddTag("order_id", "o1").
		AddTag("driver_id", "d2").
		AddTag("outcome", "timeout").
		AddField("latency_ms", 30000.0).
		AddField("reason", "timeout").
		SetTime(now)
	ls.expect(t, p)
}

func TestInfluxSink_RecordCascade(t *testing.T) {
	ls := newLineServer(t)
	now := time.Now()
	ev := coremetrics.CascadeEvent{OrderID: "o1", Attempt: 2, Offers: 3, Result: coremetrics.OutcomeExhausted, Duration: 93 * time.Second, Time: now}
	if err := ls.sink().RecordCascade(ev); err != nil {
		t.Fatalf("record: %v", err)
	}
	p := write.NewPointWithMeasurement("dispatch_cascade").
		AddTag("order_id", "o1").
		AddTag("result", "exhausted").
		AddField("attempt", 2).
		AddField("offers", 3).
		AddField("duration_s", 93.0).
		SetTime(now)
	ls.expect(t, p)
}

func TestInfluxSink_RecordFleet(t *testing.T) {
	ls := newLineServer(t)
	now := time.Now()
	if err := ls.sink().RecordFleet(coremetrics.FleetEvent{Known: 5, Online: 3, Idle: 2, Time: now}); err != nil {
		t.Fatalf("record: %v", err)
	}
	p := write.NewPointWithMeasurement("fleet_snapshot").
		AddField("known", 5).
		AddField("online", 3).
		AddField("idle", 2).
		SetTime(now)
	ls.expect(t, p)
}

func TestNewInfluxSinkWithFallback(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			called = true
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
	}))
	defer srv.Close()

	sink := NewInfluxSinkWithFallback(InfluxConfig{
		URL:    srv.URL + "/api/v2/write",
		Token:  "tok",
		Org:    "org",
		Bucket: "bucket",
	})
	if _, ok := sink.(*InfluxSink); ok {
		t.Fatalf("expected NopSink on failing health check")
	}
	if !called {
		t.Fatalf("health endpoint not called")
	}
}
