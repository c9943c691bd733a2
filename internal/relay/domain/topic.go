package relay

// Topic names a broker channel the relay publishes or subscribes to.
type Topic string

const (
	TopicCommands Topic = "robot/commands"
	TopicFeedback Topic = "robot/feedback"
	TopicPut      Topic = "robot/put"
)

// QoS is the MQTT delivery guarantee level.
type QoS byte

const (
	AtMostOnce  QoS = 0
	AtLeastOnce QoS = 1
)

// InboundTopics returns the topics the relay subscribes to, in subscription order.
func InboundTopics() []Topic {
	return []Topic{TopicFeedback, TopicPut}
}

// IsInbound reports whether robots publish on the topic.
func (t Topic) IsInbound() bool {
	switch t {
	case TopicFeedback, TopicPut:
		return true
	}
	return false
}

func (t Topic) String() string { return string(t) }
