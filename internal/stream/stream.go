// Package stream serves step snapshots of a run over WebSocket.
package stream

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/signalsfoundry/nanoswarm/internal/logging"
	"github.com/signalsfoundry/nanoswarm/kb"
	"github.com/signalsfoundry/nanoswarm/model"
)

// Route is the ServeMux pattern the handler expects.
const Route = "GET /ws/runs/{id}"

// Message types sent to clients.
const (
	MessageSnapshot = "snapshot"
	MessageFinished = "finished"
)

// Message is one frame of the stream.
type Message struct {
	Type     string              `json:"type"`
	RunID    string              `json:"run_id"`
	Index    int                 `json:"index"`
	Snapshot *model.StepSnapshot `json:"snapshot,omitempty"`
	Status   kb.RunStatus        `json:"status,omitempty"`
	Error    string              `json:"error,omitempty"`
}

const defaultWriteTimeout = 10 * time.Second

// Handler replays the recorded snapshots of a run and then pushes new ones
// as they are appended, until the run finishes or the client goes away.
// The optional "from" query parameter skips already-seen snapshots.
type Handler struct {
	store        *kb.KnowledgeBase
	log          logging.Logger
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
}

type Option func(*Handler)

func WithLogger(l logging.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithCheckOrigin overrides the same-origin check performed on upgrade.
func WithCheckOrigin(fn func(*http.Request) bool) Option {
	return func(h *Handler) { h.upgrader.CheckOrigin = fn }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.writeTimeout = d
		}
	}
}

func NewHandler(store *kb.KnowledgeBase, opts ...Option) *Handler {
	h := &Handler{
		store: store,
		log:   logging.Noop(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		writeTimeout: defaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		id = strings.Trim(strings.TrimPrefix(r.URL.Path, "/ws/runs/"), "/")
	}
	from := 0
	if raw := r.URL.Query().Get("from"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "from must be a non-negative integer", http.StatusBadRequest)
			return
		}
		from = n
	}
	if _, _, err := h.store.SnapshotsSince(id, 0); err != nil {
		if errors.Is(err, kb.ErrRunNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		h.log.Warn(r.Context(), "websocket upgrade failed", logging.String("run_id", id), logging.Err(err))
		return
	}
	defer conn.Close()

	ctx, log := logging.WithRunLogger(r.Context(), h.log, id)
	if err := h.stream(ctx, conn, id, from); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
			log.Warn(ctx, "snapshot stream ended", logging.Err(err))
		}
	}
}

func (h *Handler) stream(ctx context.Context, conn *websocket.Conn, id string, next int) error {
	wake := make(chan struct{}, 1)
	unsubscribe := h.store.Subscribe(func(ev kb.Event) {
		if ev.RunID != id {
			return
		}
		select {
		case wake <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	// Control frames are only processed while reading.
	gone := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				gone <- err
				return
			}
		}
	}()

	for {
		snaps, status, err := h.store.SnapshotsSince(id, next)
		if err != nil {
			return err
		}
		for i := range snaps {
			if err := h.write(conn, Message{Type: MessageSnapshot, RunID: id, Index: next, Snapshot: &snaps[i]}); err != nil {
				return err
			}
			next++
		}
		if status.Finished() {
			msg := Message{Type: MessageFinished, RunID: id, Index: next, Status: status}
			if rec, err := h.store.GetRun(id); err == nil {
				msg.Error = rec.Error
			}
			if err := h.write(conn, msg); err != nil {
				return err
			}
			deadline := time.Now().Add(h.writeTimeout)
			return conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(status)), deadline)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-gone:
			return err
		case <-wake:
		}
	}
}

func (h *Handler) write(conn *websocket.Conn, msg Message) error {
	if err := conn.SetWriteDeadline(time.Now().Add(h.writeTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}
