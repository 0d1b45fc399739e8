// Package tracking is the outbound product-analytics sink. The metrics
// service itself should not feed events back into the event stream it
// measures, so the default sink discards everything; the interface exists so
// a real sink can be swapped in deliberately.
package tracking

import "context"

// Sink receives service-side analytics events.
type Sink interface {
	Track(ctx context.Context, event string, properties map[string]any) error
}

// NullSink discards every event. This is the default: silence here is a
// choice, not a missing integration.
type NullSink struct{}

// Track does nothing.
func (NullSink) Track(ctx context.Context, event string, properties map[string]any) error {
	return nil
}
