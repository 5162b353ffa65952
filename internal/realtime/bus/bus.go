package bus

import (
	"context"

	"github.com/lumenclass/videogen-backend/internal/realtime"
)

// Bus is the cross-instance transport behind the notification broker.
// Publish is fire-and-forget; delivery to subscribers is best-effort and
// unordered across the network hop.
type Bus interface {
	Publish(ctx context.Context, env realtime.Envelope) error

	// StartForwarder subscribes and invokes onMsg for every envelope seen
	// on the transport, including this instance's own publishes.
	StartForwarder(ctx context.Context, onMsg func(env realtime.Envelope)) error

	// Ping reports transport reachability for health derivation.
	Ping(ctx context.Context) error

	Close() error
}
