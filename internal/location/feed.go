// Package location turns the traveler position topic into per-traveler
// subscriptions with explicit cancellation. The trip monitor never polls;
// updates are pushed to it.
package location

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"safewalk/internal/geo"
)

// Sample is one traveler position update.
type Sample struct {
	TravelerID string
	Point      geo.Point
	RecordedAt time.Time
}

// Subscription is a handle to a single traveler's update stream. Updates is
// closed on Unsubscribe, feed failure, or context cancellation; Err reports
// why after close.
type Subscription interface {
	Updates() <-chan Sample
	Err() error
	Unsubscribe()
}

// Provider produces restartable position streams.
type Provider interface {
	Subscribe(ctx context.Context, travelerID string) (Subscription, error)
}

// Feed fans traveler position events out to subscribers. Its HandleEvent is
// wired as a Kafka consumer handler in main.
type Feed struct {
	mu   sync.Mutex
	subs map[string][]*feedSubscription
	err  error
}

func NewFeed() *Feed {
	return &Feed{subs: make(map[string][]*feedSubscription)}
}

// HandleEvent consumes one position event off the location topic and
// dispatches it. Slow subscribers drop samples rather than stall the
// consumer; the next sample supersedes anyway.
func (f *Feed) HandleEvent(ctx context.Context, topic string, key, value []byte) error {
	var envelope struct {
		EventID    string          `json:"event_id"`
		OccurredAt time.Time       `json:"occurred_at"`
		Data       json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(value, &envelope); err != nil {
		return err
	}
	var data struct {
		TravelerID string    `json:"traveler_id"`
		Lat        float64   `json:"lat"`
		Lng        float64   `json:"lng"`
		Timestamp  time.Time `json:"timestamp"`
	}
	if err := json.Unmarshal(envelope.Data, &data); err != nil {
		return err
	}
	sample := Sample{
		TravelerID: data.TravelerID,
		Point:      geo.Point{Lat: data.Lat, Lng: data.Lng},
		RecordedAt: data.Timestamp,
	}

	f.mu.Lock()
	targets := append([]*feedSubscription(nil), f.subs[data.TravelerID]...)
	f.mu.Unlock()
	for _, s := range targets {
		select {
		case s.updates <- sample:
		default:
		}
	}
	return nil
}

// Subscribe registers a stream for one traveler. The stream closes when ctx
// is done or Unsubscribe is called.
func (f *Feed) Subscribe(ctx context.Context, travelerID string) (Subscription, error) {
	f.mu.Lock()
	if f.err != nil {
		err := f.err
		f.mu.Unlock()
		return nil, err
	}
	s := &feedSubscription{
		feed:       f,
		travelerID: travelerID,
		updates:    make(chan Sample, 16),
	}
	f.subs[travelerID] = append(f.subs[travelerID], s)
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.close(ctx.Err())
	}()
	return s, nil
}

// Fail closes every subscription with err. Used when the upstream consumer
// dies or the platform reports a permission error; subscribers surface this
// as a monitor Error state instead of crashing.
func (f *Feed) Fail(err error) {
	f.mu.Lock()
	f.err = err
	var all []*feedSubscription
	for _, list := range f.subs {
		all = append(all, list...)
	}
	f.subs = make(map[string][]*feedSubscription)
	f.mu.Unlock()
	for _, s := range all {
		s.closeOnce(err)
	}
}

type feedSubscription struct {
	feed       *Feed
	travelerID string
	updates    chan Sample

	once sync.Once
	mu   sync.Mutex
	err  error
}

func (s *feedSubscription) Updates() <-chan Sample { return s.updates }

func (s *feedSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *feedSubscription) Unsubscribe() { s.close(nil) }

func (s *feedSubscription) close(err error) {
	s.feed.remove(s)
	s.closeOnce(err)
}

func (s *feedSubscription) closeOnce(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		if err != nil && err != context.Canceled {
			s.err = err
		}
		s.mu.Unlock()
		close(s.updates)
	})
}

func (f *Feed) remove(target *feedSubscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.subs[target.travelerID]
	for i, s := range list {
		if s == target {
			f.subs[target.travelerID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(f.subs[target.travelerID]) == 0 {
		delete(f.subs, target.travelerID)
	}
}
