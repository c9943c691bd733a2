package relay

import "errors"

var (
	// ErrInvalidPayload marks an inbound or outbound payload that does not match
	// the {tag_id, floor} schema.
	ErrInvalidPayload = errors.New("relay: invalid payload")
	ErrEmptyTagID     = errors.New("relay: empty tag id")
)
