package application

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"robot-relay/internal/observability/metrics"
	relay "robot-relay/internal/relay/domain"
	transport "robot-relay/internal/transport/mqtt"
)

// ErrStreamClosed is returned by Relay.Run when the broker event stream ends.
var ErrStreamClosed = errors.New("relay: event stream closed")

// feedbackRoute forwards one decoded feedback message to the backend and
// returns the backend status code.
type feedbackRoute func(ctx context.Context, fb relay.RobotFeedback) (int, error)

// Relay drains the broker event stream and forwards robot messages to the
// backend according to its topic routing table.
type Relay struct {
	events      <-chan transport.Event
	forwarder   Forwarder
	deadLetters DeadLetterStore
	deduper     Deduper
	retry       RetryPolicy
	logger      *log.Logger
	routes      map[relay.Topic]feedbackRoute
}

// RelayOption configures the relay.
type RelayOption func(*Relay)

// WithRelayRetry sets the per-message forward retry policy.
func WithRelayRetry(policy RetryPolicy) RelayOption {
	return func(r *Relay) {
		r.retry = policy
	}
}

// WithRelayDeadLetters records forwards whose retries were exhausted.
func WithRelayDeadLetters(store DeadLetterStore) RelayOption {
	return func(r *Relay) {
		r.deadLetters = store
	}
}

// WithDeduper enables suppression of DUP-flagged redeliveries.
func WithDeduper(deduper Deduper) RelayOption {
	return func(r *Relay) {
		r.deduper = deduper
	}
}

// WithRelayLogger overrides the logger.
func WithRelayLogger(logger *log.Logger) RelayOption {
	return func(r *Relay) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRelay constructs the feedback relay loop.
func NewRelay(events <-chan transport.Event, forwarder Forwarder, opts ...RelayOption) (*Relay, error) {
	if events == nil {
		return nil, errors.New("relay: nil event stream")
	}
	if forwarder == nil {
		return nil, errors.New("relay: nil forwarder")
	}
	r := &Relay{
		events:    events,
		forwarder: forwarder,
		retry:     DefaultRetryPolicy(),
		logger:    log.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.routes = map[relay.Topic]feedbackRoute{
		relay.TopicPut:      r.forwardPut,
		relay.TopicFeedback: r.forwardFeedback,
	}
	return r, nil
}

// Run consumes events until ctx is cancelled or the stream closes. A single
// message's failure never stops the loop.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Printf("relay loop started")
	for {
		select {
		case <-ctx.Done():
			r.logger.Printf("relay loop stopped")
			return nil
		case ev, ok := <-r.events:
			if !ok {
				return ErrStreamClosed
			}
			r.handle(ctx, ev)
		}
	}
}

func (r *Relay) handle(ctx context.Context, ev transport.Event) {
	switch ev.Kind {
	case transport.EventPublish:
	case transport.EventConnected:
		metrics.SetBrokerConnected(true)
		return
	case transport.EventConnectionLost:
		metrics.SetBrokerConnected(false)
		return
	default:
		return
	}

	topic := ev.Topic.String()
	metrics.IncInbound(topic)
	r.logger.Printf("relay received: topic=%s payload=%s", topic, ev.Payload)

	fb, err := relay.DecodeFeedback(ev.Payload)
	if err != nil {
		metrics.IncDecodeError(topic)
		r.logger.Printf("relay drop: topic=%s err=%v", topic, err)
		return
	}

	route, ok := r.routes[ev.Topic]
	if !ok {
		return
	}

	key := deliveryKey(ev)
	// Only a redelivery carries DUP; a fresh publish with the same body is a
	// new message and is always forwarded.
	if r.deduper != nil && ev.Duplicate {
		seen, err := r.deduper.HasProcessed(ctx, key)
		if err != nil {
			r.logger.Printf("relay dedupe lookup error: topic=%s err=%v", topic, err)
		} else if seen {
			metrics.IncDuplicate(topic)
			r.logger.Printf("relay duplicate suppressed: topic=%s msg_id=%d tag=%s", topic, ev.MessageID, fb.TagID)
			return
		}
	}

	start := time.Now()
	var status int
	attempts, err := r.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		status, err = route(ctx, fb)
		return err
	})
	if err != nil {
		metrics.ObserveForward(topic, metrics.ResultError, time.Since(start))
		if ctx.Err() != nil {
			return
		}
		r.logger.Printf("relay forward error: topic=%s tag=%s attempts=%d err=%v", topic, fb.TagID, attempts, err)
		r.recordDeadLetter(ctx, ev, key, attempts, err)
		return
	}
	metrics.ObserveForward(topic, metrics.ResultSuccess, time.Since(start))
	r.logger.Printf("relay forwarded: topic=%s tag=%s floor=%d status=%d", topic, fb.TagID, fb.Floor, status)

	if r.deduper != nil {
		if err := r.deduper.MarkProcessed(ctx, key); err != nil {
			r.logger.Printf("relay dedupe mark error: topic=%s err=%v", topic, err)
		}
	}
}

// forwardPut reports a robot's put completion. The backend is addressed with
// the robot's tag id, not a command id.
func (r *Relay) forwardPut(ctx context.Context, fb relay.RobotFeedback) (int, error) {
	if fb.TagID == "" {
		return 0, Permanent(relay.ErrEmptyTagID)
	}
	return r.forwarder.CompleteTag(ctx, fb.TagID)
}

func (r *Relay) forwardFeedback(ctx context.Context, fb relay.RobotFeedback) (int, error) {
	return r.forwarder.PostFeedback(ctx, fb)
}

func (r *Relay) recordDeadLetter(ctx context.Context, ev transport.Event, key string, attempts int, cause error) {
	metrics.IncDeadLetter(string(relay.DeadLetterForward))
	if r.deadLetters == nil {
		return
	}
	letter := relay.DeadLetter{
		ID:         uuid.NewString(),
		Kind:       relay.DeadLetterForward,
		Topic:      ev.Topic,
		Key:        key,
		Payload:    ev.Payload,
		Error:      cause.Error(),
		Attempts:   attempts,
		OccurredAt: time.Now().UTC(),
	}
	if err := r.deadLetters.RecordFailure(ctx, letter); err != nil {
		r.logger.Printf("relay dead letter store error: topic=%s err=%v", ev.Topic, err)
	}
}

// deliveryKey identifies one broker delivery. The packet id alone is reused
// by the broker, so the payload digest is part of the key.
func deliveryKey(ev transport.Event) string {
	sum := sha256.Sum256(ev.Payload)
	return fmt.Sprintf("%s:%d:%s", ev.Topic, ev.MessageID, hex.EncodeToString(sum[:16]))
}
