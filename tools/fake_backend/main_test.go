package main

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"robot-relay/internal/backend"
	relay "robot-relay/internal/relay/domain"
)

func TestFakeBackendServesRelayContract(t *testing.T) {
	fake := newFakeBackend(0, 0, 0, 5, log.New(io.Discard, "", 0))
	srv := httptest.NewServer(fake.routes())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/seed", "application/json", strings.NewReader(`[{"id":"c-1","tag_id":"T1","floor":2}]`))
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	resp.Body.Close()

	client, err := backend.NewClient(srv.URL)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	ctx := context.Background()
	pending, err := client.PendingCommands(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "c-1" || pending[0].Floor != 2 {
		t.Fatalf("unexpected pending: %+v", pending)
	}
	if err := client.CompleteCommand(ctx, "c-1"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := client.PostFeedback(ctx, relay.RobotFeedback{TagID: "T1", Floor: 2}); err != nil {
		t.Fatalf("feedback: %v", err)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.completed["c-1"] != 1 || len(fake.inflight) != 0 {
		t.Fatalf("unexpected completion state: completed=%v inflight=%v", fake.completed, fake.inflight)
	}
	if len(fake.feedback) != 1 || fake.feedback[0].TagID != "T1" {
		t.Fatalf("unexpected feedback: %+v", fake.feedback)
	}
}

func TestFakeBackendGeneratesWhenEmpty(t *testing.T) {
	fake := newFakeBackend(0, 0, 3, 4, log.New(io.Discard, "", 0))
	srv := httptest.NewServer(fake.routes())
	defer srv.Close()

	client, _ := backend.NewClient(srv.URL)
	pending, err := client.PendingCommands(context.Background())
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("expected 3 generated commands, got %d", len(pending))
	}
	for _, cmd := range pending {
		if cmd.ID == "" || cmd.Floor < 0 || cmd.Floor >= 4 {
			t.Fatalf("unexpected generated command: %+v", cmd)
		}
	}
}

func TestFakeBackendFailRate(t *testing.T) {
	fake := newFakeBackend(0, 1, 1, 1, log.New(io.Discard, "", 0))
	srv := httptest.NewServer(fake.routes())
	defer srv.Close()

	client, _ := backend.NewClient(srv.URL)
	_, err := client.PendingCommands(context.Background())
	var statusErr *backend.StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 status error, got %v", err)
	}
}
