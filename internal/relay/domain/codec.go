package relay

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// wirePayload keeps presence information so missing fields are rejected
// instead of silently defaulting to zero values.
type wirePayload struct {
	TagID *string          `json:"tag_id"`
	Floor *json.RawMessage `json:"floor"`
}

type wirePending struct {
	ID *string `json:"id"`
	wirePayload
}

// DecodeFeedback strictly decodes an inbound robot payload.
func DecodeFeedback(payload []byte) (RobotFeedback, error) {
	tagID, floor, err := decodeTagFloor(payload)
	if err != nil {
		return RobotFeedback{}, err
	}
	return RobotFeedback{TagID: tagID, Floor: floor}, nil
}

// DecodeCommand strictly decodes an outbound command payload.
func DecodeCommand(payload []byte) (CommandMessage, error) {
	tagID, floor, err := decodeTagFloor(payload)
	if err != nil {
		return CommandMessage{}, err
	}
	return CommandMessage{TagID: tagID, Floor: floor}, nil
}

// DecodePendingCommands strictly decodes the backend's pending command list.
// A null body or an entry missing id, tag_id or floor is rejected.
func DecodePendingCommands(body []byte) ([]PendingCommand, error) {
	var entries []json.RawMessage
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if entries == nil {
		return nil, fmt.Errorf("%w: expected a json array", ErrInvalidPayload)
	}
	cmds := make([]PendingCommand, 0, len(entries))
	for i, entry := range entries {
		var wire wirePending
		if err := json.Unmarshal(entry, &wire); err != nil {
			return nil, fmt.Errorf("%w: command %d: %v", ErrInvalidPayload, i, err)
		}
		if wire.ID == nil {
			return nil, fmt.Errorf("%w: command %d: missing id", ErrInvalidPayload, i)
		}
		tagID, floor, err := wire.tagFloor()
		if err != nil {
			return nil, fmt.Errorf("command %d: %w", i, err)
		}
		cmds = append(cmds, PendingCommand{ID: *wire.ID, TagID: tagID, Floor: floor})
	}
	return cmds, nil
}

// EncodeCommand renders the JSON published on robot/commands.
func EncodeCommand(msg CommandMessage) ([]byte, error) {
	return json.Marshal(msg)
}

// EncodeFeedback renders the JSON body forwarded to the backend.
func EncodeFeedback(fb RobotFeedback) ([]byte, error) {
	return json.Marshal(fb)
}

func decodeTagFloor(payload []byte) (string, int32, error) {
	if len(payload) == 0 {
		return "", 0, fmt.Errorf("%w: empty payload", ErrInvalidPayload)
	}
	var wire wirePayload
	if err := json.Unmarshal(payload, &wire); err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return wire.tagFloor()
}

func (wire wirePayload) tagFloor() (string, int32, error) {
	if wire.TagID == nil {
		return "", 0, fmt.Errorf("%w: missing tag_id", ErrInvalidPayload)
	}
	if wire.Floor == nil {
		return "", 0, fmt.Errorf("%w: missing floor", ErrInvalidPayload)
	}
	floor, err := strconv.ParseInt(string(*wire.Floor), 10, 32)
	if err != nil {
		return "", 0, fmt.Errorf("%w: floor %s is not a 32-bit integer", ErrInvalidPayload, string(*wire.Floor))
	}
	return *wire.TagID, int32(floor), nil
}
