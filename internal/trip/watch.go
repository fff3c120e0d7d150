package trip

import "safewalk/internal/location"

// Watch pumps a location subscription into the monitor until the stream
// closes. A stream that closes with an error (e.g. permission denied from
// the platform location provider) fails the monitor; a clean close just
// stops watching. Run it as a goroutine and Unsubscribe on trip end.
func (m *Monitor) Watch(sub location.Subscription) {
	for sample := range sub.Updates() {
		m.OnPositionSample(sample.Point)
	}
	if err := sub.Err(); err != nil {
		m.Fail(err)
	}
}
