// Package stream carries runtime events to external consumers. Emission is
// fire and forget: the manager buffers events on a bounded channel and drops
// on overflow rather than ever blocking the request path.
package stream

import (
	"context"

	"github.com/hone-ai/hone/hone/structs"
)

// Sink is the interface used by the SinkManager to deliver events.
type Sink interface {
	// Send delivers one event. Errors are counted and logged; there is no
	// redelivery.
	Send(ctx context.Context, e *structs.Event) error
}
