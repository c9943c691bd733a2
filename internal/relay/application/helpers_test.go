package application

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"robot-relay/internal/backend"
	relay "robot-relay/internal/relay/domain"
)

type recordedCall struct {
	Method string
	Path   string
	Body   string
}

// fakeBackend serves the command backend surface and records every call.
type fakeBackend struct {
	mu            sync.Mutex
	calls         []recordedCall
	pending       string
	failPaths     map[string]int
	failRemaining map[string]int
	server        *httptest.Server
}

func newFakeBackend(t *testing.T, pending string) *fakeBackend {
	t.Helper()
	fb := &fakeBackend{
		pending:       pending,
		failPaths:     map[string]int{},
		failRemaining: map[string]int{},
	}
	fb.server = httptest.NewServer(http.HandlerFunc(fb.serve))
	t.Cleanup(fb.server.Close)
	return fb
}

// failFor makes the next n calls to path return status.
func (f *fakeBackend) failFor(path string, status, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failPaths[path] = status
	f.failRemaining[path] = n
}

func (f *fakeBackend) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.calls = append(f.calls, recordedCall{Method: r.Method, Path: r.URL.Path, Body: string(body)})
	status, failing := f.failPaths[r.URL.Path]
	if failing && f.failRemaining[r.URL.Path] > 0 {
		f.failRemaining[r.URL.Path]--
		f.mu.Unlock()
		w.WriteHeader(status)
		return
	}
	pending := f.pending
	f.mu.Unlock()

	if r.Method == http.MethodGet && r.URL.Path == "/commands/pending" {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(pending))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (f *fakeBackend) Calls() []recordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedCall(nil), f.calls...)
}

func (f *fakeBackend) callsTo(method, path string) []recordedCall {
	var out []recordedCall
	for _, call := range f.Calls() {
		if call.Method == method && call.Path == path {
			out = append(out, call)
		}
	}
	return out
}

func (f *fakeBackend) client(t *testing.T) *backend.Client {
	t.Helper()
	client, err := backend.NewClient(f.server.URL)
	if err != nil {
		t.Fatalf("backend client: %v", err)
	}
	return client
}

type publishedMessage struct {
	Topic   relay.Topic
	QoS     relay.QoS
	Payload string
}

type fakePublisher struct {
	mu        sync.Mutex
	messages  []publishedMessage
	failures  int
	err       error
	onPublish func()
}

func (p *fakePublisher) Publish(_ context.Context, topic relay.Topic, qos relay.QoS, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.onPublish != nil {
		p.onPublish()
	}
	if p.failures > 0 {
		p.failures--
		return p.err
	}
	p.messages = append(p.messages, publishedMessage{Topic: topic, QoS: qos, Payload: string(payload)})
	return nil
}

func (p *fakePublisher) Messages() []publishedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publishedMessage(nil), p.messages...)
}

type recordingDeadLetters struct {
	mu      sync.Mutex
	letters []relay.DeadLetter
}

func (r *recordingDeadLetters) RecordFailure(_ context.Context, letter relay.DeadLetter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.letters = append(r.letters, letter)
	return nil
}

func (r *recordingDeadLetters) ListDeadLetters(context.Context, int) ([]relay.DeadLetter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]relay.DeadLetter(nil), r.letters...), nil
}
