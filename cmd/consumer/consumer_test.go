package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
)

// fakeIndex implements GeoWriter for tests
type fakeIndex struct {
	fail  int // number of times to fail before succeeding
	calls int
	last  geo.DriverPosition
}

func (f *fakeIndex) Upsert(ctx context.Context, p geo.DriverPosition) error {
	f.calls++
	if f.calls <= f.fail {
		return errors.New("redis down")
	}
	f.last = p
	return nil
}

func TestUpdateRedisWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeIndex{fail: 2}
	at := time.Now()
	ev := ingest.LocationEvent{DriverID: "d1", Lat: 45.25, Lon: 19.84, Online: true, At: at}
	ctx := context.Background()
	start := time.Now()
	if err := updateRedisWithRetry(ctx, f, ev, 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.calls != 3 {
		t.Fatalf("expected retries, got %d calls", f.calls)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("expected at least one backoff")
	}
	if f.last.DriverID != "d1" || !f.last.Online || !f.last.At.Equal(at) {
		t.Fatalf("position lost in translation: %+v", f.last)
	}
}

func TestUpdateRedisWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeIndex{fail: 5}
	ev := ingest.LocationEvent{DriverID: "d1", Lat: 45.25, Lon: 19.84, Online: true, At: time.Now()}
	ctx := context.Background()
	if err := updateRedisWithRetry(ctx, f, ev, 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.calls != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", f.calls)
	}
}
