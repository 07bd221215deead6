package ports

import "context"

// EventPublisher delivers outbox records to the platform broker.
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, payload []byte, partitionKey string) error
}
