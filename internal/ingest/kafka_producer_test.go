package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("write without deadline")
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestPublishLocationKeysByDriver(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaProducer{writer: w}
	s := models.LocationSample{DriverID: "D1", RideID: "ride-1", Loc: models.Coord{Lat: 12.97, Lon: 77.59}, RecordedAt: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	if err := p.RecordSample(context.Background(), s); err != nil {
		t.Fatal(err)
	}
	if len(w.msgs) != 1 || string(w.msgs[0].Key) != "D1" {
		t.Fatalf("unexpected messages %+v", w.msgs)
	}
	var got models.LocationSample
	if err := json.Unmarshal(w.msgs[0].Value, &got); err != nil {
		t.Fatal(err)
	}
	if got.RideID != "ride-1" || got.Loc != s.Loc {
		t.Fatalf("unexpected payload %+v", got)
	}
	_ = p.Close()
	if !w.closed {
		t.Fatal("expected writer closed")
	}
}

func TestPublishLocationReturnsWriterError(t *testing.T) {
	p := &KafkaProducer{writer: &fakeWriter{err: errors.New("broker down")}}
	if err := p.PublishLocation(context.Background(), models.LocationSample{DriverID: "D1"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestEventPublisherRedactsCode(t *testing.T) {
	w := &fakeWriter{}
	p := &EventPublisher{writer: w}
	payload := map[string]any{"code": "4821", "ride_id": "ride-1"}
	ev := notify.Event{Kind: notify.OTPReady, Role: notify.RoleRider, RequestID: "req-1", Payload: payload}
	if err := p.Notify(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	if string(w.msgs[0].Key) != "req-1" || string(w.msgs[0].Headers[0].Value) != string(notify.OTPReady) {
		t.Fatalf("unexpected message %+v", w.msgs[0])
	}
	var got notify.Event
	if err := json.Unmarshal(w.msgs[0].Value, &got); err != nil {
		t.Fatal(err)
	}
	if _, ok := got.Payload["code"]; ok {
		t.Fatal("code must not be published")
	}
	if payload["code"] != "4821" {
		t.Fatal("caller payload must be left intact")
	}
}

func TestEventPublisherFallsBackToDriverKey(t *testing.T) {
	w := &fakeWriter{}
	p := &EventPublisher{writer: w}
	_ = p.Notify(context.Background(), notify.Event{Kind: notify.CadenceChanged, DriverID: "D7"})
	if string(w.msgs[0].Key) != "D7" {
		t.Fatalf("expected driver key, got %q", w.msgs[0].Key)
	}
}
