package events

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus(quietLogger())
	a, cancelA := bus.Subscribe(4)
	b, cancelB := bus.Subscribe(4)
	defer cancelB()

	bus.Publish(Outcome{Kind: KindUpdate, Library: "users/1", Success: true})

	for name, ch := range map[string]<-chan Outcome{"a": a, "b": b} {
		select {
		case o := <-ch:
			if o.Kind != KindUpdate || o.Library != "users/1" || o.Timestamp.IsZero() {
				t.Errorf("subscriber %s got %+v", name, o)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %s received nothing", name)
		}
	}

	cancelA()
	cancelA()
	if _, ok := <-a; ok {
		t.Error("cancelled subscription should be closed")
	}

	bus.Publish(Outcome{Kind: KindWrite})
	if o := <-b; o.Kind != KindWrite {
		t.Errorf("b got %+v", o)
	}
}

func TestBus_FullSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus(quietLogger())
	ch, cancel := bus.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(Outcome{Kind: KindUpdate})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	if len(ch) != 1 {
		t.Errorf("buffered = %d, want 1", len(ch))
	}
}

func TestBus_Close(t *testing.T) {
	bus := NewBus(quietLogger())
	ch, _ := bus.Subscribe(1)
	bus.Close()
	bus.Close()

	if _, ok := <-ch; ok {
		t.Error("channel should be closed after Close")
	}
	bus.Publish(Outcome{Kind: KindUpdate})

	late, _ := bus.Subscribe(1)
	if _, ok := <-late; ok {
		t.Error("subscription after Close should be closed")
	}
}

func TestRecorder(t *testing.T) {
	var r Recorder
	if _, ok := r.Last(); ok {
		t.Error("Last() on empty recorder should be false")
	}
	r.Publish(Outcome{Kind: KindTagsDeleted})
	r.Publish(Outcome{Kind: KindTagsModified})
	if got := r.Outcomes(); len(got) != 2 {
		t.Errorf("Outcomes() = %d, want 2", len(got))
	}
	if last, _ := r.Last(); last.Kind != KindTagsModified {
		t.Errorf("Last() = %+v", last)
	}
}

func startServer(t *testing.T) *Server {
	t.Helper()
	server := NewServer(&ServerConfig{Addr: "127.0.0.1:0", Recent: 2, Logger: quietLogger()})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { _ = server.Stop() })
	return server
}

func dial(t *testing.T, server *Server) (*websocket.Conn, []Outcome) {
	t.Helper()
	return dialPath(t, server, "/ws")
}

func dialPath(t *testing.T, server *Server, path string) (*websocket.Conn, []Outcome) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+server.Addr()+path, nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read hello message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	if msg.Type != MessageTypeHello {
		t.Fatalf("first message type = %s, want %s", msg.Type, MessageTypeHello)
	}
	var recent []Outcome
	if err := json.Unmarshal(msg.Data, &recent); err != nil {
		t.Fatalf("Failed to unmarshal replay: %v", err)
	}
	return conn, recent
}

func TestServer_StreamsOutcomes(t *testing.T) {
	server := startServer(t)
	bus := NewBus(quietLogger())
	server.Attach(bus)

	conn, recent := dial(t, server)
	if len(recent) != 0 {
		t.Errorf("replay = %+v, want empty", recent)
	}
	waitFor(t, "client registration", func() bool { return server.ClientCount() == 1 })

	bus.Publish(Outcome{Kind: KindTagsDeleted, Library: "groups/2", Success: true,
		Args: map[string]any{"tags": []string{"systems"}}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read outcome: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	if msg.Type != MessageTypeOutcome {
		t.Fatalf("message type = %s, want outcome", msg.Type)
	}
	var o Outcome
	if err := json.Unmarshal(msg.Data, &o); err != nil {
		t.Fatalf("Failed to unmarshal outcome: %v", err)
	}
	if o.Kind != KindTagsDeleted || o.Library != "groups/2" || !o.Success {
		t.Errorf("outcome = %+v", o)
	}
}

func TestServer_ReplaysRecent(t *testing.T) {
	server := startServer(t)
	server.Publish(Outcome{Kind: KindUpdate, Library: "users/1"})
	server.Publish(Outcome{Kind: KindWrite, Library: "users/1"})
	server.Publish(Outcome{Kind: KindTagsModified, Library: "users/1"})

	_, recent := dial(t, server)
	if len(recent) != 2 {
		t.Fatalf("replay has %d outcomes, want 2", len(recent))
	}
	if recent[0].Kind != KindWrite || recent[1].Kind != KindTagsModified {
		t.Errorf("replay = %+v", recent)
	}
}

func TestServer_Health(t *testing.T) {
	server := startServer(t)

	resp, err := http.Get("http://" + server.Addr() + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode health: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("health = %v", body)
	}
}

func TestServer_ClientDisconnect(t *testing.T) {
	server := startServer(t)
	conn, _ := dial(t, server)
	waitFor(t, "client registration", func() bool { return server.ClientCount() == 1 })

	conn.Close(websocket.StatusNormalClosure, "bye")
	waitFor(t, "client removal", func() bool { return server.ClientCount() == 0 })
}

func TestServer_LibraryFilter(t *testing.T) {
	server := startServer(t)
	server.Publish(Outcome{Kind: KindUpdate, Library: "users/1"})
	server.Publish(Outcome{Kind: KindUpdate, Library: "groups/2"})

	conn, recent := dialPath(t, server, "/ws?library=groups/2")
	if len(recent) != 1 || recent[0].Library != "groups/2" {
		t.Fatalf("replay = %+v, want only groups/2", recent)
	}
	waitFor(t, "client registration", func() bool { return server.ClientCount() == 1 })

	server.Publish(Outcome{Kind: KindWrite, Library: "users/1"})
	server.Publish(Outcome{Kind: KindWrite, Library: "groups/2"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read outcome: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	var o Outcome
	if err := json.Unmarshal(msg.Data, &o); err != nil {
		t.Fatalf("Failed to unmarshal outcome: %v", err)
	}
	if o.Library != "groups/2" || o.Kind != KindWrite {
		t.Errorf("outcome = %+v, want groups/2 write", o)
	}

	// The replay buffer holds two outcomes across all libraries.
	if got := server.Recent("users/1"); len(got) != 1 || got[0].Kind != KindWrite {
		t.Errorf("Recent(users/1) = %+v, want the users/1 write", got)
	}
}

func TestServer_StopWhileClientsConnect(t *testing.T) {
	server := startServer(t)
	dial(t, server)
	waitFor(t, "client registration", func() bool { return server.ClientCount() == 1 })

	dialing := make(chan struct{})
	go func() {
		defer close(dialing)
		for i := 0; i < 20; i++ {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			conn, _, err := websocket.Dial(ctx, "ws://"+server.Addr()+"/ws", nil)
			cancel()
			if err != nil {
				return
			}
			conn.Close(websocket.StatusNormalClosure, "")
		}
	}()

	stopped := make(chan error, 1)
	go func() { stopped <- server.Stop() }()
	select {
	case <-stopped:
	case <-time.After(10 * time.Second):
		t.Fatal("Stop did not return")
	}
	<-dialing

	rec := httptest.NewRecorder()
	server.handleStream(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("stream after Stop = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	if n := server.ClientCount(); n != 0 {
		t.Errorf("ClientCount() = %d after Stop, want 0", n)
	}
}
