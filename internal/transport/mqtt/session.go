package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	relay "robot-relay/internal/relay/domain"
)

const (
	defaultKeepAlive      = 5 * time.Second
	defaultConnectTimeout = 10 * time.Second
	defaultEventBuffer    = 10
	defaultPublishTimeout = 10 * time.Second
	disconnectQuiesceMS   = 250
)

var (
	ErrSessionClosed = errors.New("mqtt: session closed")
	ErrEmptyBroker   = errors.New("mqtt: empty broker url")
	ErrEmptyClientID = errors.New("mqtt: empty client id")
)

// Config describes the broker connection.
type Config struct {
	BrokerURL      string
	ClientID       string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	Username       string
	Password       string
	AutoReconnect  bool
	CleanSession   bool
	EventBuffer    int
	// PublishTimeout bounds each Publish call on top of the caller's context.
	PublishTimeout time.Duration
}

// pahoClient is the subset of paho.Client the session relies on.
type pahoClient interface {
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
	IsConnectionOpen() bool
}

type subscription struct {
	topic relay.Topic
	qos   relay.QoS
}

// Session holds one broker connection. Publish is safe for concurrent use;
// Events must be drained by a single consumer.
//
// Paho callbacks only append to an unbounded backlog, and a pump goroutine
// moves the backlog into events. A slow consumer therefore never holds up
// the paho router, which also handles PUBACK and PINGRESP.
type Session struct {
	client         pahoClient
	logger         *log.Logger
	autoReconnect  bool
	publishTimeout time.Duration

	events chan Event
	done   chan struct{} // closed once the stream stops accepting events
	stop   chan struct{} // closed by Close; the pump drops any backlog

	backlogMu     sync.Mutex
	backlog       []Event
	backlogClosed bool
	wake          chan struct{}

	closeOnce sync.Once
	doneOnce  sync.Once

	subsMu sync.Mutex
	subs   []subscription
}

// Connect dials the broker and returns a ready session.
func Connect(ctx context.Context, cfg Config, logger *log.Logger) (*Session, error) {
	if cfg.BrokerURL == "" {
		return nil, ErrEmptyBroker
	}
	if cfg.ClientID == "" {
		return nil, ErrEmptyClientID
	}
	cfg = withDefaults(cfg)
	s := newSession(cfg, logger)

	opts := paho.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetKeepAlive(cfg.KeepAlive).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetAutoReconnect(cfg.AutoReconnect).
		SetCleanSession(cfg.CleanSession).
		// handleMessage never blocks, so in-order delivery cannot stall the router.
		SetOrderMatters(true).
		SetOnConnectHandler(s.onConnect).
		SetConnectionLostHandler(s.onConnectionLost).
		SetReconnectingHandler(func(_ paho.Client, _ *paho.ClientOptions) {
			s.logger.Printf("mqtt reconnecting: broker=%s", cfg.BrokerURL)
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	s.client = paho.NewClient(opts)

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := waitToken(connectCtx, s.client.Connect()); err != nil {
		s.closeStream()
		return nil, fmt.Errorf("mqtt: connect %s: %w", cfg.BrokerURL, err)
	}
	s.logger.Printf("mqtt connected: broker=%s client_id=%s keepalive=%s", cfg.BrokerURL, cfg.ClientID, cfg.KeepAlive)
	return s, nil
}

func withDefaults(cfg Config) Config {
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = defaultKeepAlive
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}
	return cfg
}

func newSession(cfg Config, logger *log.Logger) *Session {
	if logger == nil {
		logger = log.Default()
	}
	s := &Session{
		logger:         logger,
		autoReconnect:  cfg.AutoReconnect,
		publishTimeout: cfg.PublishTimeout,
		events:         make(chan Event, cfg.EventBuffer),
		done:           make(chan struct{}),
		stop:           make(chan struct{}),
		wake:           make(chan struct{}, 1),
	}
	go s.pump()
	return s
}

// Events returns the inbound event stream. It is closed by Close, or after a
// lost connection when auto-reconnect is disabled.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Subscribe registers interest in topic. The subscription is re-applied on
// every reconnect.
func (s *Session) Subscribe(ctx context.Context, topic relay.Topic, qos relay.QoS) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	if err := waitToken(ctx, s.client.Subscribe(string(topic), byte(qos), s.handleMessage)); err != nil {
		return fmt.Errorf("mqtt: subscribe %s: %w", topic, err)
	}
	s.subsMu.Lock()
	s.subs = appendSubscription(s.subs, subscription{topic: topic, qos: qos})
	s.subsMu.Unlock()
	s.logger.Printf("mqtt subscribed: topic=%s qos=%d", topic, qos)
	return nil
}

// Publish sends payload on topic and waits for the broker acknowledgment
// required by qos, for at most the configured publish timeout.
func (s *Session) Publish(ctx context.Context, topic relay.Topic, qos relay.QoS, payload []byte) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	ctx, cancel := context.WithTimeout(ctx, s.publishTimeout)
	defer cancel()
	if err := waitToken(ctx, s.client.Publish(string(topic), byte(qos), false, payload)); err != nil {
		return fmt.Errorf("mqtt: publish %s: %w", topic, err)
	}
	return nil
}

// Connected reports whether the underlying connection is currently open.
func (s *Session) Connected() bool {
	return s.client != nil && s.client.IsConnectionOpen()
}

// Close disconnects from the broker and ends the event stream.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if s.client != nil {
			s.client.Disconnect(disconnectQuiesceMS)
		}
		close(s.stop)
	})
	s.closeStream()
}

func (s *Session) handleMessage(_ paho.Client, msg paho.Message) {
	payload := make([]byte, len(msg.Payload()))
	copy(payload, msg.Payload())
	s.emit(Event{
		Kind:      EventPublish,
		Topic:     relay.Topic(msg.Topic()),
		Payload:   payload,
		MessageID: msg.MessageID(),
		Duplicate: msg.Duplicate(),
	})
}

func (s *Session) onConnect(_ paho.Client) {
	s.subsMu.Lock()
	subs := append([]subscription(nil), s.subs...)
	s.subsMu.Unlock()
	for _, sub := range subs {
		token := s.client.Subscribe(string(sub.topic), byte(sub.qos), s.handleMessage)
		if token.Wait() && token.Error() != nil {
			s.logger.Printf("mqtt resubscribe error: topic=%s err=%v", sub.topic, token.Error())
		}
	}
	s.emit(Event{Kind: EventConnected})
}

func (s *Session) onConnectionLost(_ paho.Client, err error) {
	s.logger.Printf("mqtt connection lost: reconnect=%t err=%v", s.autoReconnect, err)
	s.emit(Event{Kind: EventConnectionLost, Err: err})
	if !s.autoReconnect {
		s.closeStream()
	}
}

// emit queues ev for the consumer and returns at once.
func (s *Session) emit(ev Event) {
	s.backlogMu.Lock()
	if s.backlogClosed {
		s.backlogMu.Unlock()
		return
	}
	s.backlog = append(s.backlog, ev)
	s.backlogMu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pump feeds the backlog into events in arrival order. It closes events once
// the stream is closed and the backlog is flushed, or right away after Close.
func (s *Session) pump() {
	defer close(s.events)
	for {
		s.backlogMu.Lock()
		batch := s.backlog
		s.backlog = nil
		closed := s.backlogClosed
		s.backlogMu.Unlock()

		for _, ev := range batch {
			select {
			case s.events <- ev:
			case <-s.stop:
				return
			}
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		select {
		case <-s.wake:
		case <-s.stop:
			return
		}
	}
}

// closeStream stops accepting events. Events already queued are still
// delivered unless Close has been called.
func (s *Session) closeStream() {
	s.doneOnce.Do(func() { close(s.done) })
	s.backlogMu.Lock()
	s.backlogClosed = true
	s.backlogMu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func appendSubscription(subs []subscription, sub subscription) []subscription {
	for i, existing := range subs {
		if existing.topic == sub.topic {
			subs[i] = sub
			return subs
		}
	}
	return append(subs, sub)
}

func waitToken(ctx context.Context, token paho.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
