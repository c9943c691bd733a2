package application

import (
	"context"

	relay "robot-relay/internal/relay/domain"
)

// CommandSource is the backend side of the dispatch loop.
type CommandSource interface {
	PendingCommands(ctx context.Context) ([]relay.PendingCommand, error)
	CompleteCommand(ctx context.Context, id string) error
}

// Publisher sends payloads to the broker.
type Publisher interface {
	Publish(ctx context.Context, topic relay.Topic, qos relay.QoS, payload []byte) error
}

// Forwarder is the backend side of the feedback relay loop. Both calls
// report the backend's HTTP status code.
type Forwarder interface {
	CompleteTag(ctx context.Context, tagID string) (int, error)
	PostFeedback(ctx context.Context, fb relay.RobotFeedback) (int, error)
}

// DeadLetterStore records items whose retries were exhausted.
type DeadLetterStore interface {
	RecordFailure(ctx context.Context, letter relay.DeadLetter) error
	ListDeadLetters(ctx context.Context, limit int) ([]relay.DeadLetter, error)
}

// Deduper remembers forwarded deliveries so broker redeliveries can be
// suppressed.
type Deduper interface {
	HasProcessed(ctx context.Context, key string) (bool, error)
	MarkProcessed(ctx context.Context, key string) error
}
