package mqtt

import relay "robot-relay/internal/relay/domain"

// EventKind classifies session events.
type EventKind int

const (
	EventPublish EventKind = iota
	EventConnected
	EventConnectionLost
)

func (k EventKind) String() string {
	switch k {
	case EventPublish:
		return "publish"
	case EventConnected:
		return "connected"
	case EventConnectionLost:
		return "connection_lost"
	}
	return "unknown"
}

// Event is one item of the session's inbound stream.
type Event struct {
	Kind      EventKind
	Topic     relay.Topic
	Payload   []byte
	MessageID uint16
	Duplicate bool
	Err       error
}
