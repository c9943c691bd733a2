package application

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"robot-relay/internal/observability/metrics"
	relay "robot-relay/internal/relay/domain"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultCommandDelay = 500 * time.Millisecond
)

// ErrDispatcherStopped is returned to publish requests made after Run exits.
var ErrDispatcherStopped = errors.New("dispatcher: stopped")

// Dispatcher runs the command dispatch loop. It is the only owner of the
// broker publish capability; other components publish through Publish, which
// hands the request to the dispatch goroutine.
type Dispatcher struct {
	source       CommandSource
	publisher    Publisher
	deadLetters  DeadLetterStore
	retry        RetryPolicy
	pollInterval time.Duration
	commandDelay time.Duration
	logger       *log.Logger

	requests chan publishRequest
	stopped  chan struct{}
}

// CycleResult summarizes one dispatch cycle.
type CycleResult struct {
	Fetched   int
	Published int
	Completed int
}

type publishRequest struct {
	ctx     context.Context
	topic   relay.Topic
	qos     relay.QoS
	payload []byte
	reply   chan error
}

// DispatcherOption configures the dispatcher.
type DispatcherOption func(*Dispatcher)

// WithPollInterval sets the pause between cycles.
func WithPollInterval(interval time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if interval > 0 {
			d.pollInterval = interval
		}
	}
}

// WithCommandDelay sets the pause after each dispatched command. Zero disables it.
func WithCommandDelay(delay time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if delay >= 0 {
			d.commandDelay = delay
		}
	}
}

// WithDispatchRetry sets the per-command retry policy.
func WithDispatchRetry(policy RetryPolicy) DispatcherOption {
	return func(d *Dispatcher) {
		d.retry = policy
	}
}

// WithDispatchDeadLetters records exhausted commands.
func WithDispatchDeadLetters(store DeadLetterStore) DispatcherOption {
	return func(d *Dispatcher) {
		d.deadLetters = store
	}
}

// WithDispatchLogger overrides the logger.
func WithDispatchLogger(logger *log.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDispatcher constructs a dispatcher.
func NewDispatcher(source CommandSource, publisher Publisher, opts ...DispatcherOption) (*Dispatcher, error) {
	if source == nil {
		return nil, errors.New("dispatcher: nil command source")
	}
	if publisher == nil {
		return nil, errors.New("dispatcher: nil publisher")
	}
	d := &Dispatcher{
		source:       source,
		publisher:    publisher,
		retry:        DefaultRetryPolicy(),
		pollInterval: defaultPollInterval,
		commandDelay: defaultCommandDelay,
		logger:       log.Default(),
		requests:     make(chan publishRequest),
		stopped:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Run dispatches cycles until ctx is cancelled. A failed cycle is logged and
// the loop moves on to the next interval.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer close(d.stopped)
	d.logger.Printf("dispatch loop started: poll_interval=%s command_delay=%s", d.pollInterval, d.commandDelay)
	for {
		result, err := d.RunCycle(ctx)
		if ctx.Err() != nil {
			d.logger.Printf("dispatch loop stopped")
			return nil
		}
		if err != nil {
			d.logger.Printf("dispatch cycle error: fetched=%d published=%d completed=%d err=%v", result.Fetched, result.Published, result.Completed, err)
		} else if result.Fetched > 0 {
			d.logger.Printf("dispatch cycle done: commands=%d", result.Completed)
		}
		if !d.idle(ctx, d.pollInterval) {
			d.logger.Printf("dispatch loop stopped")
			return nil
		}
	}
}

// RunCycle fetches pending commands and dispatches them in backend order.
// Processing stops at the first command whose publish or completion fails.
func (d *Dispatcher) RunCycle(ctx context.Context) (CycleResult, error) {
	start := time.Now()
	var result CycleResult

	var commands []relay.PendingCommand
	_, err := d.retry.Do(ctx, func(ctx context.Context) error {
		var fetchErr error
		commands, fetchErr = d.source.PendingCommands(ctx)
		return fetchErr
	})
	if err != nil {
		metrics.IncCommandFailure(metrics.StepFetch)
		metrics.ObserveCycle(metrics.ResultError, time.Since(start))
		return result, fmt.Errorf("fetch pending commands: %w", err)
	}
	result.Fetched = len(commands)
	if len(commands) == 0 {
		metrics.ObserveCycle(metrics.ResultEmpty, time.Since(start))
		return result, nil
	}

	for _, cmd := range commands {
		if err := d.dispatchOne(ctx, cmd, &result); err != nil {
			metrics.ObserveCycle(metrics.ResultError, time.Since(start))
			return result, err
		}
		if !d.idle(ctx, d.commandDelay) {
			metrics.ObserveCycle(metrics.ResultError, time.Since(start))
			return result, ctx.Err()
		}
	}
	metrics.ObserveCycle(metrics.ResultSuccess, time.Since(start))
	return result, nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, cmd relay.PendingCommand, result *CycleResult) error {
	payload, err := relay.EncodeCommand(relay.NewCommandMessage(cmd))
	if err != nil {
		return fmt.Errorf("encode command %s: %w", cmd.ID, err)
	}

	d.logger.Printf("dispatch publishing command: id=%s payload=%s", cmd.ID, payload)
	attempts, err := d.retry.Do(ctx, func(ctx context.Context) error {
		return d.publisher.Publish(ctx, relay.TopicCommands, relay.AtLeastOnce, payload)
	})
	if err != nil {
		metrics.IncCommandFailure(metrics.StepPublish)
		d.recordDeadLetter(ctx, relay.DeadLetterPublish, cmd.ID, payload, attempts, err)
		return fmt.Errorf("publish command %s: %w", cmd.ID, err)
	}
	result.Published++
	metrics.IncCommandPublished()

	attempts, err = d.retry.Do(ctx, func(ctx context.Context) error {
		return d.source.CompleteCommand(ctx, cmd.ID)
	})
	if err != nil {
		metrics.IncCommandFailure(metrics.StepComplete)
		d.recordDeadLetter(ctx, relay.DeadLetterComplete, cmd.ID, payload, attempts, err)
		return fmt.Errorf("complete command %s: %w", cmd.ID, err)
	}
	result.Completed++
	metrics.IncCommandCompleted()
	return nil
}

func (d *Dispatcher) recordDeadLetter(ctx context.Context, kind relay.DeadLetterKind, commandID string, payload []byte, attempts int, cause error) {
	if ctx.Err() != nil {
		return
	}
	metrics.IncDeadLetter(string(kind))
	d.logger.Printf("dispatch dead letter: kind=%s command=%s attempts=%d err=%v", kind, commandID, attempts, cause)
	if d.deadLetters == nil {
		return
	}
	letter := relay.DeadLetter{
		ID:         uuid.NewString(),
		Kind:       kind,
		Topic:      relay.TopicCommands,
		Key:        commandID,
		Payload:    payload,
		Error:      cause.Error(),
		Attempts:   attempts,
		OccurredAt: time.Now().UTC(),
	}
	if err := d.deadLetters.RecordFailure(ctx, letter); err != nil {
		d.logger.Printf("dispatch dead letter store error: command=%s err=%v", commandID, err)
	}
}

// Publish asks the dispatch goroutine to publish payload. It blocks until the
// request is served, ctx is done, or the dispatcher has stopped.
func (d *Dispatcher) Publish(ctx context.Context, topic relay.Topic, qos relay.QoS, payload []byte) error {
	req := publishRequest{ctx: ctx, topic: topic, qos: qos, payload: payload, reply: make(chan error, 1)}
	select {
	case d.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-d.stopped:
		return ErrDispatcherStopped
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// idle waits for wait to elapse while serving publish requests. It returns
// false when ctx is done.
func (d *Dispatcher) idle(ctx context.Context, wait time.Duration) bool {
	if wait <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			return true
		case req := <-d.requests:
			req.reply <- d.publisher.Publish(req.ctx, req.topic, req.qos, req.payload)
		case <-ctx.Done():
			return false
		}
	}
}
