package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// fakeUpdater fails the first fail calls, then succeeds.
type fakeUpdater struct {
	fail  int
	calls int
	last  models.Driver
}

func (f *fakeUpdater) Upsert(_ context.Context, d models.Driver) error {
	f.calls++
	if f.calls <= f.fail {
		return errors.New("redis down")
	}
	f.last = d
	return nil
}

var sample = models.LocationSample{DriverID: "d1", Loc: models.Coord{Lat: 1, Lon: 2}}

func TestUpdateWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeUpdater{fail: 2}
	start := time.Now()
	if err := updateWithRetry(context.Background(), f, sample, 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.calls != 3 || f.last.Loc != sample.Loc {
		t.Fatalf("expected 3 calls ending in the sample, got %d %+v", f.calls, f.last)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatalf("expected doubling backoff between attempts")
	}
}

func TestUpdateWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeUpdater{fail: 5}
	if err := updateWithRetry(context.Background(), f, sample, 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.calls)
	}
}

func TestUpdateWithRetry_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := &fakeUpdater{fail: 5}
	if err := updateWithRetry(ctx, f, sample, 3, time.Hour); err == nil {
		t.Fatal("expected error")
	}
	if f.calls != 1 {
		t.Fatalf("expected no retry after cancel, got %d calls", f.calls)
	}
}

func TestDecodeSample(t *testing.T) {
	if _, err := decodeSample([]byte("{")); err == nil {
		t.Fatal("expected decode error")
	}
	if _, err := decodeSample([]byte(`{"driver_id":"d1","loc":{"lat":95,"lon":0}}`)); err == nil {
		t.Fatal("expected invalid location error")
	}
}

type scriptedReader struct {
	msgs   []kafka.Message
	cancel context.CancelFunc
}

func (r *scriptedReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.msgs) == 0 {
		r.cancel()
		return kafka.Message{}, ctx.Err()
	}
	m := r.msgs[0]
	r.msgs = r.msgs[1:]
	return m, nil
}

func TestConsumeKeepsDriverStatus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	index := geo.NewIndex()
	_ = index.Upsert(ctx, models.Driver{ID: "d1", Status: models.DriverOnRide})

	b, _ := json.Marshal(sample)
	r := &scriptedReader{msgs: []kafka.Message{{Value: []byte("junk")}, {Value: b}}, cancel: cancel}
	consume(ctx, r, index, 3, time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))

	d, err := index.Get(context.Background(), "d1")
	if err != nil {
		t.Fatal(err)
	}
	if d.Loc != sample.Loc || d.Status != models.DriverOnRide {
		t.Fatalf("expected location refreshed and status kept, got %+v", d)
	}
}
