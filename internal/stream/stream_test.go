package stream

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/signalsfoundry/nanoswarm/kb"
	"github.com/signalsfoundry/nanoswarm/model"
)

func newStreamServer(t *testing.T, store *kb.KnowledgeBase) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle(Route, NewHandler(store))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial(%s): %v", path, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	return msg
}

func registerWithSnapshots(t *testing.T, store *kb.KnowledgeBase, id string, n int) {
	t.Helper()
	if err := store.RegisterRun(id, model.DefaultSimulationConfig()); err != nil {
		t.Fatalf("RegisterRun: %v", err)
	}
	for step := 1; step <= n; step++ {
		if err := store.AppendSnapshot(id, model.StepSnapshot{Step: step}); err != nil {
			t.Fatalf("AppendSnapshot: %v", err)
		}
	}
}

func TestStreamReplaysThenFollowsRun(t *testing.T) {
	store := kb.NewKnowledgeBase()
	registerWithSnapshots(t, store, "r1", 2)
	srv := newStreamServer(t, store)
	conn := dial(t, srv, "/ws/runs/r1")

	for want := 1; want <= 2; want++ {
		msg := readMessage(t, conn)
		if msg.Type != MessageSnapshot || msg.RunID != "r1" || msg.Snapshot == nil || msg.Snapshot.Step != want {
			t.Fatalf("replayed message = %+v, want snapshot step %d", msg, want)
		}
	}

	if err := store.AppendSnapshot("r1", model.StepSnapshot{Step: 3}); err != nil {
		t.Fatalf("AppendSnapshot: %v", err)
	}
	msg := readMessage(t, conn)
	if msg.Type != MessageSnapshot || msg.Index != 2 || msg.Snapshot.Step != 3 {
		t.Fatalf("live message = %+v, want step 3 at index 2", msg)
	}

	if err := store.CompleteRun("r1", &model.RunResult{RunID: "r1"}); err != nil {
		t.Fatalf("CompleteRun: %v", err)
	}
	msg = readMessage(t, conn)
	if msg.Type != MessageFinished || msg.Status != kb.StatusCompleted || msg.Index != 3 {
		t.Fatalf("final message = %+v, want finished/completed", msg)
	}

	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("ReadMessage after finish error = %v, want normal close", err)
	}
}

func TestStreamFinishedRunWithOffset(t *testing.T) {
	store := kb.NewKnowledgeBase()
	registerWithSnapshots(t, store, "r2", 4)
	if err := store.FailRun("r2", errors.New("boom")); err != nil {
		t.Fatalf("FailRun: %v", err)
	}
	srv := newStreamServer(t, store)
	conn := dial(t, srv, "/ws/runs/r2?from=3")

	msg := readMessage(t, conn)
	if msg.Type != MessageSnapshot || msg.Snapshot.Step != 4 {
		t.Fatalf("first message = %+v, want step 4", msg)
	}
	msg = readMessage(t, conn)
	if msg.Type != MessageFinished || msg.Status != kb.StatusFailed || !strings.Contains(msg.Error, "boom") {
		t.Fatalf("final message = %+v, want failed with cause", msg)
	}
}

func TestStreamRejectsBadRequests(t *testing.T) {
	store := kb.NewKnowledgeBase()
	registerWithSnapshots(t, store, "r3", 1)
	srv := newStreamServer(t, store)
	base := "ws" + strings.TrimPrefix(srv.URL, "http")

	cases := []struct {
		path string
		want int
	}{
		{"/ws/runs/missing", http.StatusNotFound},
		{"/ws/runs/r3?from=-1", http.StatusBadRequest},
		{"/ws/runs/r3?from=abc", http.StatusBadRequest},
	}
	for _, tc := range cases {
		conn, resp, err := websocket.DefaultDialer.Dial(base+tc.path, nil)
		if err == nil {
			_ = conn.Close()
			t.Fatalf("Dial(%s) succeeded, want status %d", tc.path, tc.want)
		}
		if resp == nil || resp.StatusCode != tc.want {
			t.Fatalf("Dial(%s) response = %v, want status %d", tc.path, resp, tc.want)
		}
	}
}
