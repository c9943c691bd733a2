package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"robot-relay/internal/audit"
	"robot-relay/internal/auth"
	relay "robot-relay/internal/relay/domain"
	"robot-relay/internal/relay/interfaces"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
	maxCommandBody   = 4096
)

// DeadLetterLister reads recorded dead letters.
type DeadLetterLister interface {
	ListDeadLetters(ctx context.Context, limit int) ([]relay.DeadLetter, error)
}

// Publisher hands a payload to the dispatch loop for publishing.
type Publisher interface {
	Publish(ctx context.Context, topic relay.Topic, qos relay.QoS, payload []byte) error
}

// Handler provides the relay ops endpoints.
type Handler struct {
	deadLetters DeadLetterLister
	publisher   Publisher
	auditLogger audit.Logger
	clientIP    *audit.ClientIPResolver
	logger      *log.Logger
	now         func() time.Time
}

// HandlerOption configures the handler.
type HandlerOption func(*Handler)

// WithClientIPResolver sets how audit entries pick the caller address. The
// default records the direct peer and ignores forwarding headers.
func WithClientIPResolver(resolver *audit.ClientIPResolver) HandlerOption {
	return func(h *Handler) {
		h.clientIP = resolver
	}
}

// NewHandler constructs a handler.
func NewHandler(deadLetters DeadLetterLister, publisher Publisher, auditLogger audit.Logger, logger *log.Logger, opts ...HandlerOption) (*Handler, error) {
	if deadLetters == nil {
		return nil, errors.New("relay handler: nil dead letter store")
	}
	if publisher == nil {
		return nil, errors.New("relay handler: nil publisher")
	}
	if logger == nil {
		logger = log.Default()
	}
	h := &Handler{
		deadLetters: deadLetters,
		publisher:   publisher,
		auditLogger: auditLogger,
		logger:      logger,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Register mounts the handler routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/deadletters", h.handleListDeadLetters)
	mux.HandleFunc("/api/v1/deadletters/export", h.handleExportDeadLetters)
	mux.HandleFunc("/api/v1/robot/commands", h.handlePublishCommand)
}

// handleListDeadLetters serves GET /api/v1/deadletters?limit=.
func (h *Handler) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	letters, err := h.deadLetters.ListDeadLetters(r.Context(), limit)
	if err != nil {
		h.logger.Printf("dead letter list error: err=%v", err)
		http.Error(w, "list dead letters failed", http.StatusInternalServerError)
		return
	}
	if letters == nil {
		letters = []relay.DeadLetter{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(letters)
}

// handleExportDeadLetters serves GET /api/v1/deadletters/export?format=xlsx|pdf.
func (h *Handler) handleExportDeadLetters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "xlsx"
	}
	if format != "xlsx" && format != "pdf" {
		http.Error(w, "format must be xlsx or pdf", http.StatusBadRequest)
		return
	}

	letters, err := h.deadLetters.ListDeadLetters(r.Context(), limit)
	if err != nil {
		h.logger.Printf("dead letter export error: err=%v", err)
		http.Error(w, "list dead letters failed", http.StatusInternalServerError)
		return
	}

	now := h.now()
	var (
		data        []byte
		contentType string
	)
	switch format {
	case "pdf":
		data, err = interfaces.BuildDeadLetterPDF(letters, now)
		contentType = "application/pdf"
	default:
		data, err = interfaces.BuildDeadLetterXLSX(letters, now)
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	if err != nil {
		h.logger.Printf("dead letter render error: format=%s err=%v", format, err)
		http.Error(w, "export failed", http.StatusInternalServerError)
		return
	}
	filename := "dead-letters-" + now.UTC().Format("20060102T150405Z") + "." + format
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	_, _ = w.Write(data)
}

type publishResponse struct {
	Topic  relay.Topic `json:"topic"`
	TagID  string      `json:"tag_id"`
	Floor  int32       `json:"floor"`
	Status string      `json:"status"`
}

// handlePublishCommand serves POST /api/v1/robot/commands. The body is a
// command message that goes to robots through the dispatch loop.
func (h *Handler) handlePublishCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBody+1))
	if err != nil {
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}
	if len(body) > maxCommandBody {
		http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
		return
	}
	msg, err := relay.DecodeCommand(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if msg.TagID == "" {
		http.Error(w, relay.ErrEmptyTagID.Error(), http.StatusBadRequest)
		return
	}
	payload, err := relay.EncodeCommand(msg)
	if err != nil {
		http.Error(w, "encode command failed", http.StatusInternalServerError)
		return
	}

	if err := h.publisher.Publish(r.Context(), relay.TopicCommands, relay.AtLeastOnce, payload); err != nil {
		h.logger.Printf("manual publish error: tag=%s err=%v", msg.TagID, err)
		http.Error(w, "publish failed", http.StatusServiceUnavailable)
		return
	}
	h.logAudit(r, payload)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(publishResponse{
		Topic:  relay.TopicCommands,
		TagID:  msg.TagID,
		Floor:  msg.Floor,
		Status: "published",
	})
}

func (h *Handler) logAudit(r *http.Request, payload []byte) {
	if h.auditLogger == nil {
		return
	}
	err := h.auditLogger.Log(r.Context(), audit.Entry{
		Actor:         auth.SubjectFromContext(r.Context()),
		Role:          string(auth.RoleFromContext(r.Context())),
		Action:        "command.publish",
		Topic:         relay.TopicCommands.String(),
		PayloadDigest: audit.Digest(payload),
		IP:            h.clientIP.Resolve(r),
		UserAgent:     r.UserAgent(),
	})
	if err != nil {
		h.logger.Printf("audit log error: action=command.publish err=%v", err)
	}
}

func parseLimit(r *http.Request) (int, error) {
	value := r.URL.Query().Get("limit")
	if value == "" {
		return defaultListLimit, nil
	}
	limit, err := strconv.Atoi(value)
	if err != nil || limit <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit, nil
}
