// Package bus wraps the Redis pub/sub client the gateway publishes
// normalized records to and receives control commands from.
package bus

import "context"

// Publisher emits a payload on a bus channel. Delivery is at-most-once,
// ordered within one channel from one publisher.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Subscriber delivers payloads from a bus channel. The returned channel is
// closed when the context is cancelled or the subscription dies.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}
