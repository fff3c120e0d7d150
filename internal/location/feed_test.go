package location

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func sampleEvent(travelerID string, lat, lng float64) []byte {
	b, _ := json.Marshal(map[string]any{
		"event_id":    "evt-1",
		"occurred_at": time.Now().UTC(),
		"data": map[string]any{
			"traveler_id": travelerID,
			"lat":         lat,
			"lng":         lng,
			"timestamp":   time.Now().UTC(),
		},
	})
	return b
}

func TestSubscribeReceivesOwnSamplesOnly(t *testing.T) {
	f := NewFeed()
	sub, err := f.Subscribe(context.Background(), "t1")
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	if err := f.HandleEvent(context.Background(), "location.traveler", nil, sampleEvent("t2", 1, 1)); err != nil {
		t.Fatal(err)
	}
	if err := f.HandleEvent(context.Background(), "location.traveler", nil, sampleEvent("t1", 53.9, 27.56)); err != nil {
		t.Fatal(err)
	}

	select {
	case s := <-sub.Updates():
		if s.TravelerID != "t1" || s.Point.Lat != 53.9 {
			t.Fatalf("unexpected sample %+v", s)
		}
	case <-time.After(time.Second):
		t.Fatal("no sample received")
	}
	select {
	case s := <-sub.Updates():
		t.Fatalf("received foreign sample %+v", s)
	default:
	}
}

func TestSamplesArriveInOrder(t *testing.T) {
	f := NewFeed()
	sub, _ := f.Subscribe(context.Background(), "t1")
	defer sub.Unsubscribe()
	for i := 1; i <= 3; i++ {
		_ = f.HandleEvent(context.Background(), "location.traveler", nil, sampleEvent("t1", float64(i), 0))
	}
	for i := 1; i <= 3; i++ {
		select {
		case s := <-sub.Updates():
			if s.Point.Lat != float64(i) {
				t.Fatalf("out of order: expected lat %d, got %f", i, s.Point.Lat)
			}
		case <-time.After(time.Second):
			t.Fatal("missing sample")
		}
	}
}

func TestUnsubscribeClosesStream(t *testing.T) {
	f := NewFeed()
	sub, _ := f.Subscribe(context.Background(), "t1")
	sub.Unsubscribe()
	if _, ok := <-sub.Updates(); ok {
		t.Fatal("expected closed channel")
	}
	if sub.Err() != nil {
		t.Fatalf("clean unsubscribe must not report an error, got %v", sub.Err())
	}
	// Events after unsubscribe must not panic.
	if err := f.HandleEvent(context.Background(), "location.traveler", nil, sampleEvent("t1", 1, 1)); err != nil {
		t.Fatal(err)
	}
}

func TestContextCancelClosesStream(t *testing.T) {
	f := NewFeed()
	ctx, cancel := context.WithCancel(context.Background())
	sub, _ := f.Subscribe(ctx, "t1")
	cancel()
	select {
	case _, ok := <-sub.Updates():
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("stream not closed on context cancel")
	}
}

func TestFailSurfacesError(t *testing.T) {
	f := NewFeed()
	sub, _ := f.Subscribe(context.Background(), "t1")
	cause := errors.New("permission denied")
	f.Fail(cause)
	if _, ok := <-sub.Updates(); ok {
		t.Fatal("expected closed channel")
	}
	if sub.Err() == nil {
		t.Fatal("expected error after feed failure")
	}
	if _, err := f.Subscribe(context.Background(), "t2"); err == nil {
		t.Fatal("failed feed must reject new subscriptions")
	}
}

func TestMalformedEventReturnsError(t *testing.T) {
	f := NewFeed()
	if err := f.HandleEvent(context.Background(), "location.traveler", nil, []byte("{nope")); err == nil {
		t.Fatal("expected parse error")
	}
}
