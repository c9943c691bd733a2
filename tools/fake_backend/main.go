package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	relay "robot-relay/internal/relay/domain"
)

// fakeBackend serves the command backend contract the relay talks to:
// pending commands, completion and robot feedback.
type fakeBackend struct {
	start    time.Time
	latency  time.Duration
	failRate float64
	perPoll  int
	maxFloor int
	rng      *rand.Rand
	logger   *log.Logger

	mu        sync.Mutex
	pending   []relay.PendingCommand
	inflight  map[string]relay.PendingCommand
	completed map[string]int64
	feedback  []relay.RobotFeedback
	byPath    map[string]int64

	totalCalls int64
}

func main() {
	addr := getenvDefault("FAKE_BACKEND_ADDR", ":3000")
	latencyMs := getenvIntDefault("FAKE_BACKEND_LATENCY_MS", 0)
	failRate := getenvFloatDefault("FAKE_BACKEND_FAIL_RATE", 0)
	perPoll := getenvIntDefault("FAKE_BACKEND_COMMANDS_PER_POLL", 1)
	maxFloor := getenvIntDefault("FAKE_BACKEND_MAX_FLOOR", 10)

	srv := newFakeBackend(time.Duration(latencyMs)*time.Millisecond, failRate, perPoll, maxFloor, log.Default())

	log.Printf("fake command backend listening on %s", addr)
	if err := http.ListenAndServe(addr, srv.routes()); err != nil {
		log.Fatal(err)
	}
}

func newFakeBackend(latency time.Duration, failRate float64, perPoll, maxFloor int, logger *log.Logger) *fakeBackend {
	if maxFloor <= 0 {
		maxFloor = 1
	}
	return &fakeBackend{
		start:     time.Now().UTC(),
		latency:   latency,
		failRate:  failRate,
		perPoll:   perPoll,
		maxFloor:  maxFloor,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:    logger,
		inflight:  make(map[string]relay.PendingCommand),
		completed: make(map[string]int64),
		byPath:    make(map[string]int64),
	}
}

func (s *fakeBackend) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/commands/pending", s.handlePending)
	mux.HandleFunc("/commands/", s.handleComplete)
	mux.HandleFunc("/robot/feedback", s.handleFeedback)
	mux.HandleFunc("/seed", s.handleSeed)
	return mux
}

func (s *fakeBackend) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *fakeBackend) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload := map[string]any{
		"started_at": s.start.Format(time.RFC3339),
		"total":      atomic.LoadInt64(&s.totalCalls),
		"by_path":    s.byPath,
		"pending":    len(s.pending),
		"inflight":   len(s.inflight),
		"completed":  len(s.completed),
		"feedback":   len(s.feedback),
	}
	writeJSON(w, payload)
}

// handlePending returns queued commands, generating perPoll new ones when
// nothing was seeded.
func (s *fakeBackend) handlePending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	if s.simulate(w, r) {
		return
	}
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	if len(batch) == 0 {
		for i := 0; i < s.perPoll; i++ {
			batch = append(batch, s.generateLocked())
		}
	}
	for _, cmd := range batch {
		s.inflight[cmd.ID] = cmd
	}
	s.mu.Unlock()
	if batch == nil {
		batch = []relay.PendingCommand{}
	}
	writeJSON(w, batch)
}

func (s *fakeBackend) handleComplete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, "/complete") {
		http.NotFound(w, r)
		return
	}
	id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/commands/"), "/complete")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	if s.simulate(w, r) {
		return
	}
	s.mu.Lock()
	delete(s.inflight, id)
	s.completed[id]++
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (s *fakeBackend) handleFeedback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}
	fb, err := relay.DecodeFeedback(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if s.simulate(w, r) {
		return
	}
	s.mu.Lock()
	s.feedback = append(s.feedback, fb)
	s.mu.Unlock()
	s.logger.Printf("feedback received: tag=%s floor=%d", fb.TagID, fb.Floor)
	w.WriteHeader(http.StatusOK)
}

// handleSeed queues explicit commands: POST [{"id":"..","tag_id":"..","floor":1}].
func (s *fakeBackend) handleSeed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var cmds []relay.PendingCommand
	if err := json.NewDecoder(r.Body).Decode(&cmds); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	for _, cmd := range cmds {
		if cmd.ID == "" {
			cmd.ID = uuid.NewString()
		}
		s.pending = append(s.pending, cmd)
	}
	queued := len(s.pending)
	s.mu.Unlock()
	writeJSON(w, map[string]any{"queued": queued})
}

// simulate applies latency and random failures; it reports whether the
// response has already been written.
func (s *fakeBackend) simulate(w http.ResponseWriter, r *http.Request) bool {
	atomic.AddInt64(&s.totalCalls, 1)
	s.mu.Lock()
	s.byPath[r.Method+" "+r.URL.Path]++
	fail := s.failRate > 0 && s.rng.Float64() < s.failRate
	s.mu.Unlock()
	if s.latency > 0 {
		time.Sleep(s.latency)
	}
	if fail {
		http.Error(w, "fake backend failure", http.StatusServiceUnavailable)
		return true
	}
	return false
}

func (s *fakeBackend) generateLocked() relay.PendingCommand {
	return relay.PendingCommand{
		ID:    uuid.NewString(),
		TagID: fmt.Sprintf("TAG-%04d", s.rng.Intn(10000)),
		Floor: int32(s.rng.Intn(s.maxFloor)),
	}
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvFloatDefault(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
