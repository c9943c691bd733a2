package application

import (
	"bytes"
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"testing"
	"time"

	relay "robot-relay/internal/relay/domain"
	"robot-relay/internal/relay/infrastructure/memory"
	transport "robot-relay/internal/transport/mqtt"
)

func publishEvent(topic relay.Topic, payload string) transport.Event {
	return transport.Event{Kind: transport.EventPublish, Topic: topic, Payload: []byte(payload)}
}

func runRelay(t *testing.T, fb *fakeBackend, events []transport.Event, opts ...RelayOption) error {
	t.Helper()
	stream := make(chan transport.Event, len(events))
	for _, ev := range events {
		stream <- ev
	}
	close(stream)

	base := []RelayOption{WithRelayRetry(RetryPolicy{MaxAttempts: 1})}
	r, err := NewRelay(stream, fb.client(t), append(base, opts...)...)
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}
	return r.Run(context.Background())
}

func TestRelay_FeedbackTopicPostsExactBody(t *testing.T) {
	fb := newFakeBackend(t, "[]")
	err := runRelay(t, fb, []transport.Event{publishEvent(relay.TopicFeedback, `{"tag_id":"T1","floor":3}`)})
	if !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("expected ErrStreamClosed, got %v", err)
	}

	calls := fb.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected exactly one backend call, got %+v", calls)
	}
	if calls[0].Method != http.MethodPost || calls[0].Path != "/robot/feedback" {
		t.Fatalf("unexpected call: %+v", calls[0])
	}
	if calls[0].Body != `{"tag_id":"T1","floor":3}` {
		t.Fatalf("unexpected body: %s", calls[0].Body)
	}
}

func TestRelay_PutTopicCompletesByTagID(t *testing.T) {
	fb := newFakeBackend(t, "[]")
	_ = runRelay(t, fb, []transport.Event{publishEvent(relay.TopicPut, `{"tag_id":"T2","floor":1}`)})

	calls := fb.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected exactly one backend call, got %+v", calls)
	}
	if calls[0].Method != http.MethodPost || calls[0].Path != "/commands/T2/complete" {
		t.Fatalf("unexpected call: %+v", calls[0])
	}
	if len(fb.callsTo(http.MethodPost, "/robot/feedback")) != 0 {
		t.Fatalf("expected no feedback posts")
	}
}

func TestRelay_MalformedPayloadDroppedAndLoopContinues(t *testing.T) {
	fb := newFakeBackend(t, "[]")
	events := []transport.Event{
		publishEvent(relay.TopicFeedback, `{"tag_id":"T1"}`),
		publishEvent(relay.TopicPut, `{"tag_id":"T1"}`),
		publishEvent(relay.TopicPut, `not json`),
		publishEvent(relay.TopicFeedback, `{"tag_id":"T3","floor":2}`),
	}
	_ = runRelay(t, fb, events)

	calls := fb.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected only the valid message forwarded, got %+v", calls)
	}
	if calls[0].Path != "/robot/feedback" || calls[0].Body != `{"tag_id":"T3","floor":2}` {
		t.Fatalf("unexpected call: %+v", calls[0])
	}
}

func TestRelay_IgnoresNonPublishEventsAndUnknownTopics(t *testing.T) {
	fb := newFakeBackend(t, "[]")
	events := []transport.Event{
		{Kind: transport.EventConnected},
		{Kind: transport.EventConnectionLost, Err: errors.New("blip")},
		publishEvent("robot/status", `{"tag_id":"T1","floor":1}`),
		publishEvent(relay.TopicCommands, `{"tag_id":"T1","floor":1}`),
	}
	_ = runRelay(t, fb, events)
	if calls := fb.Calls(); len(calls) != 0 {
		t.Fatalf("expected no backend calls, got %+v", calls)
	}
}

func TestRelay_ForwardFailureDoesNotStopLoop(t *testing.T) {
	fb := newFakeBackend(t, "[]")
	fb.failFor("/robot/feedback", http.StatusServiceUnavailable, 1)
	dead := &recordingDeadLetters{}
	events := []transport.Event{
		publishEvent(relay.TopicFeedback, `{"tag_id":"T1","floor":1}`),
		publishEvent(relay.TopicFeedback, `{"tag_id":"T2","floor":2}`),
	}
	_ = runRelay(t, fb, events, WithRelayDeadLetters(dead))

	calls := fb.callsTo(http.MethodPost, "/robot/feedback")
	if len(calls) != 2 {
		t.Fatalf("expected both messages attempted, got %+v", calls)
	}
	letters, _ := dead.ListDeadLetters(context.Background(), 0)
	if len(letters) != 1 || letters[0].Kind != relay.DeadLetterForward || letters[0].Topic != relay.TopicFeedback {
		t.Fatalf("unexpected dead letters: %+v", letters)
	}
	if string(letters[0].Payload) != `{"tag_id":"T1","floor":1}` {
		t.Fatalf("unexpected dead letter payload: %s", letters[0].Payload)
	}
}

func TestRelay_RetriesTransientForward(t *testing.T) {
	fb := newFakeBackend(t, "[]")
	fb.failFor("/commands/T5/complete", http.StatusBadGateway, 2)
	events := []transport.Event{publishEvent(relay.TopicPut, `{"tag_id":"T5","floor":0}`)}
	_ = runRelay(t, fb, events, WithRelayRetry(RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond}))

	if got := len(fb.callsTo(http.MethodPost, "/commands/T5/complete")); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestRelay_NotFoundIsNotRetried(t *testing.T) {
	fb := newFakeBackend(t, "[]")
	fb.failFor("/commands/T6/complete", http.StatusNotFound, 5)
	events := []transport.Event{publishEvent(relay.TopicPut, `{"tag_id":"T6","floor":0}`)}
	_ = runRelay(t, fb, events, WithRelayRetry(RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond}))

	if got := len(fb.callsTo(http.MethodPost, "/commands/T6/complete")); got != 1 {
		t.Fatalf("expected a single attempt, got %d", got)
	}
}

func TestRelay_EmptyTagOnPutIsNotForwarded(t *testing.T) {
	fb := newFakeBackend(t, "[]")
	_ = runRelay(t, fb, []transport.Event{publishEvent(relay.TopicPut, `{"tag_id":"","floor":1}`)})
	if calls := fb.Calls(); len(calls) != 0 {
		t.Fatalf("expected no backend calls, got %+v", calls)
	}
}

func TestRelay_SuccessLogIncludesBackendStatus(t *testing.T) {
	fb := newFakeBackend(t, "[]")
	var buf bytes.Buffer
	logger := log.New(&buf, "", 0)
	_ = runRelay(t, fb, []transport.Event{publishEvent(relay.TopicPut, `{"tag_id":"T5","floor":4}`)}, WithRelayLogger(logger))

	if !strings.Contains(buf.String(), "relay forwarded: topic=robot/put tag=T5 floor=4 status=200") {
		t.Fatalf("expected status in success log, got:\n%s", buf.String())
	}
}

func TestRelay_DeduperSuppressesRedelivery(t *testing.T) {
	fb := newFakeBackend(t, "[]")
	payload := []byte(`{"tag_id":"T2","floor":1}`)
	events := []transport.Event{
		{Kind: transport.EventPublish, Topic: relay.TopicPut, Payload: payload, MessageID: 3},
		{Kind: transport.EventPublish, Topic: relay.TopicPut, Payload: payload, MessageID: 3, Duplicate: true},
		{Kind: transport.EventPublish, Topic: relay.TopicFeedback, Payload: payload, MessageID: 3, Duplicate: true},
	}
	_ = runRelay(t, fb, events, WithDeduper(memory.NewDeduper(time.Minute)))

	if got := len(fb.callsTo(http.MethodPost, "/commands/T2/complete")); got != 1 {
		t.Fatalf("expected one completion, got %d", got)
	}
	if got := len(fb.callsTo(http.MethodPost, "/robot/feedback")); got != 1 {
		t.Fatalf("expected feedback on a different topic to pass, got %d", got)
	}
}

func TestRelay_DeduperForwardsFreshIdenticalMessages(t *testing.T) {
	fb := newFakeBackend(t, "[]")
	payload := []byte(`{"tag_id":"T2","floor":1}`)
	events := []transport.Event{
		{Kind: transport.EventPublish, Topic: relay.TopicPut, Payload: payload, MessageID: 1},
		{Kind: transport.EventPublish, Topic: relay.TopicPut, Payload: payload, MessageID: 7},
	}
	_ = runRelay(t, fb, events, WithDeduper(memory.NewDeduper(time.Minute)))

	if got := len(fb.callsTo(http.MethodPost, "/commands/T2/complete")); got != 2 {
		t.Fatalf("expected both fresh deliveries forwarded, got %d", got)
	}
}

func TestRelay_DeduperForwardsUnseenRedelivery(t *testing.T) {
	fb := newFakeBackend(t, "[]")
	events := []transport.Event{
		{Kind: transport.EventPublish, Topic: relay.TopicPut, Payload: []byte(`{"tag_id":"T4","floor":2}`), MessageID: 9, Duplicate: true},
	}
	_ = runRelay(t, fb, events, WithDeduper(memory.NewDeduper(time.Minute)))

	if got := len(fb.callsTo(http.MethodPost, "/commands/T4/complete")); got != 1 {
		t.Fatalf("expected a redelivery never forwarded before to pass, got %d", got)
	}
}

func TestRelay_WithoutDeduperForwardsDuplicates(t *testing.T) {
	fb := newFakeBackend(t, "[]")
	events := []transport.Event{
		publishEvent(relay.TopicPut, `{"tag_id":"T2","floor":1}`),
		publishEvent(relay.TopicPut, `{"tag_id":"T2","floor":1}`),
	}
	_ = runRelay(t, fb, events)
	if got := len(fb.callsTo(http.MethodPost, "/commands/T2/complete")); got != 2 {
		t.Fatalf("expected duplicates forwarded, got %d", got)
	}
}

func TestRelay_RunStopsOnCancel(t *testing.T) {
	fb := newFakeBackend(t, "[]")
	stream := make(chan transport.Event)
	r, err := NewRelay(stream, fb.client(t))
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil on cancel, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("relay did not stop")
	}
}
