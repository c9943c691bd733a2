package relay

import "time"

// DeadLetterKind names the step whose retries were exhausted.
type DeadLetterKind string

const (
	// DeadLetterPublish: the command could not be published to robots.
	DeadLetterPublish DeadLetterKind = "publish"
	// DeadLetterComplete: the command was published but never marked complete.
	DeadLetterComplete DeadLetterKind = "complete"
	// DeadLetterForward: robot feedback could not be forwarded to the backend.
	DeadLetterForward DeadLetterKind = "forward"
)

// DeadLetter records an item the relay gave up on.
type DeadLetter struct {
	ID         string         `json:"id"`
	Kind       DeadLetterKind `json:"kind"`
	Topic      Topic          `json:"topic"`
	Key        string         `json:"key"`
	Payload    []byte         `json:"payload"`
	Error      string         `json:"error"`
	Attempts   int            `json:"attempts"`
	OccurredAt time.Time      `json:"occurred_at"`
}
