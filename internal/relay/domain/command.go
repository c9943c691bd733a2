package relay

// PendingCommand is a movement command scheduled by the backend and not yet
// reported complete.
type PendingCommand struct {
	ID    string `json:"id"`
	TagID string `json:"tag_id"`
	Floor int32  `json:"floor"`
}

// CommandMessage is the wire projection of a PendingCommand published to robots.
type CommandMessage struct {
	TagID string `json:"tag_id"`
	Floor int32  `json:"floor"`
}

// RobotFeedback is the payload robots publish on the inbound topics.
type RobotFeedback struct {
	TagID string `json:"tag_id"`
	Floor int32  `json:"floor"`
}

// NewCommandMessage projects a pending command onto its outbound message.
func NewCommandMessage(cmd PendingCommand) CommandMessage {
	return CommandMessage{TagID: cmd.TagID, Floor: cmd.Floor}
}
