package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	relay "robot-relay/internal/relay/domain"
)

type fakeToken struct {
	err  error
	done chan struct{}
}

func completedToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func pendingToken() *fakeToken {
	return &fakeToken{done: make(chan struct{})}
}

func (t *fakeToken) Wait() bool                     { <-t.done; return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return t.Wait() }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type published struct {
	topic   string
	qos     byte
	payload []byte
}

type fakeClient struct {
	mu           sync.Mutex
	publishErr   error
	publishToken paho.Token
	published    []published
	subscribed   []string
	handlers     map[string]paho.MessageHandler
	disconnected bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{handlers: map[string]paho.MessageHandler{}}
}

func (c *fakeClient) Connect() paho.Token { return completedToken(nil) }

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
}

func (c *fakeClient) Publish(topic string, qos byte, _ bool, payload interface{}) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, published{topic: topic, qos: qos, payload: payload.([]byte)})
	if c.publishToken != nil {
		return c.publishToken
	}
	return completedToken(c.publishErr)
}

func (c *fakeClient) Subscribe(topic string, _ byte, callback paho.MessageHandler) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed = append(c.subscribed, topic)
	c.handlers[topic] = callback
	return completedToken(nil)
}

func (c *fakeClient) IsConnectionOpen() bool { return true }

func (c *fakeClient) deliver(topic string, payload []byte, duplicate bool) {
	c.mu.Lock()
	handler := c.handlers[topic]
	c.mu.Unlock()
	handler(nil, fakeMessage{topic: topic, payload: payload, duplicate: duplicate})
}

type fakeMessage struct {
	topic     string
	payload   []byte
	duplicate bool
}

func (m fakeMessage) Duplicate() bool   { return m.duplicate }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 42 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func newTestSession(client *fakeClient, autoReconnect bool) *Session {
	s := newSession(withDefaults(Config{AutoReconnect: autoReconnect}), nil)
	s.client = client
	return s
}

func TestSubscribeRoutesMessagesToEvents(t *testing.T) {
	client := newFakeClient()
	s := newTestSession(client, true)
	defer s.Close()

	if err := s.Subscribe(context.Background(), relay.TopicFeedback, relay.AtLeastOnce); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	payload := []byte(`{"tag_id":"T1","floor":3}`)
	client.deliver(string(relay.TopicFeedback), payload, true)
	payload[0] = 'X'

	select {
	case ev := <-s.Events():
		if ev.Kind != EventPublish || ev.Topic != relay.TopicFeedback {
			t.Fatalf("unexpected event: %+v", ev)
		}
		if string(ev.Payload) != `{"tag_id":"T1","floor":3}` {
			t.Fatalf("payload not copied: %s", ev.Payload)
		}
		if !ev.Duplicate || ev.MessageID != 42 {
			t.Fatalf("expected duplicate flag and message id, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for event")
	}
}

func TestPublishPassesQoSAndPayload(t *testing.T) {
	client := newFakeClient()
	s := newTestSession(client, true)
	defer s.Close()

	if err := s.Publish(context.Background(), relay.TopicCommands, relay.AtLeastOnce, []byte(`{}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(client.published) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(client.published))
	}
	got := client.published[0]
	if got.topic != "robot/commands" || got.qos != 1 || string(got.payload) != `{}` {
		t.Fatalf("unexpected publish: %+v", got)
	}
}

func TestPublishErrorIsWrapped(t *testing.T) {
	client := newFakeClient()
	client.publishErr = errors.New("not connected")
	s := newTestSession(client, true)
	defer s.Close()

	err := s.Publish(context.Background(), relay.TopicCommands, relay.AtLeastOnce, []byte(`{}`))
	if err == nil || !errors.Is(err, client.publishErr) {
		t.Fatalf("expected wrapped publish error, got %v", err)
	}
}

func TestPublishObservesContext(t *testing.T) {
	client := newFakeClient()
	client.publishToken = pendingToken()
	s := newTestSession(client, true)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Publish(ctx, relay.TopicCommands, relay.AtLeastOnce, []byte(`{}`))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestPublishAppliesPerCallTimeout(t *testing.T) {
	client := newFakeClient()
	client.publishToken = pendingToken()
	s := newSession(withDefaults(Config{AutoReconnect: true, PublishTimeout: 20 * time.Millisecond}), nil)
	s.client = client
	defer s.Close()

	start := time.Now()
	err := s.Publish(context.Background(), relay.TopicCommands, relay.AtLeastOnce, []byte(`{}`))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("publish took %s", elapsed)
	}
}

func TestMessageHandlerDoesNotWaitForConsumer(t *testing.T) {
	client := newFakeClient()
	s := newTestSession(client, true)
	defer s.Close()

	if err := s.Subscribe(context.Background(), relay.TopicFeedback, relay.AtLeastOnce); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	const total = 5 * defaultEventBuffer
	delivered := make(chan struct{})
	go func() {
		defer close(delivered)
		for i := 0; i < total; i++ {
			client.deliver(string(relay.TopicFeedback), []byte(fmt.Sprintf(`{"tag_id":"T%d","floor":1}`, i)), false)
		}
	}()
	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatalf("message handler blocked with no consumer")
	}

	if err := s.Publish(context.Background(), relay.TopicCommands, relay.AtLeastOnce, []byte(`{}`)); err != nil {
		t.Fatalf("publish during backlog: %v", err)
	}

	for i := 0; i < total; i++ {
		select {
		case ev := <-s.Events():
			want := fmt.Sprintf(`{"tag_id":"T%d","floor":1}`, i)
			if string(ev.Payload) != want {
				t.Fatalf("event %d: expected %s, got %s", i, want, ev.Payload)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestCloseDropsBacklog(t *testing.T) {
	client := newFakeClient()
	s := newTestSession(client, true)
	if err := s.Subscribe(context.Background(), relay.TopicPut, relay.AtLeastOnce); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	for i := 0; i < 3*defaultEventBuffer; i++ {
		client.deliver(string(relay.TopicPut), []byte(`{"tag_id":"T1","floor":1}`), false)
	}
	s.Close()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-s.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("stream not closed after Close")
		}
	}
}

func TestConnectionLostWithoutReconnectClosesStream(t *testing.T) {
	client := newFakeClient()
	s := newTestSession(client, false)

	lost := errors.New("broker gone")
	go s.onConnectionLost(nil, lost)

	ev, ok := <-s.Events()
	if !ok || ev.Kind != EventConnectionLost || !errors.Is(ev.Err, lost) {
		t.Fatalf("expected connection lost event, got %+v ok=%t", ev, ok)
	}
	select {
	case _, ok := <-s.Events():
		if ok {
			t.Fatalf("expected closed stream")
		}
	case <-time.After(time.Second):
		t.Fatalf("stream not closed")
	}
	if err := s.Publish(context.Background(), relay.TopicCommands, relay.AtLeastOnce, nil); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}

func TestOnConnectResubscribes(t *testing.T) {
	client := newFakeClient()
	s := newTestSession(client, true)
	defer s.Close()

	for _, topic := range relay.InboundTopics() {
		if err := s.Subscribe(context.Background(), topic, relay.AtLeastOnce); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}
	s.onConnect(nil)

	if len(client.subscribed) != 4 {
		t.Fatalf("expected 4 subscribe calls, got %v", client.subscribed)
	}
	if client.subscribed[2] != "robot/feedback" || client.subscribed[3] != "robot/put" {
		t.Fatalf("unexpected resubscribe order: %v", client.subscribed)
	}
	ev := <-s.Events()
	if ev.Kind != EventConnected {
		t.Fatalf("expected connected event, got %s", ev.Kind)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	client := newFakeClient()
	s := newTestSession(client, true)
	s.Close()
	s.Close()
	if !client.disconnected {
		t.Fatalf("expected disconnect")
	}
	if _, ok := <-s.Events(); ok {
		t.Fatalf("expected closed stream")
	}
}

func TestConnectValidatesConfig(t *testing.T) {
	if _, err := Connect(context.Background(), Config{ClientID: "x"}, nil); !errors.Is(err, ErrEmptyBroker) {
		t.Fatalf("expected ErrEmptyBroker, got %v", err)
	}
	if _, err := Connect(context.Background(), Config{BrokerURL: "tcp://127.0.0.1:1883"}, nil); !errors.Is(err, ErrEmptyClientID) {
		t.Fatalf("expected ErrEmptyClientID, got %v", err)
	}
}
