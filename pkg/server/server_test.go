package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/evalbridge/evalbridge/pkg/protocol"
)

// syncBuffer is an output sink safe for concurrent writes from transport
// goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startTestServer(t *testing.T, mutate func(*Config)) *Server {
	t.Helper()
	cfg := &Config{
		Host:          "127.0.0.1",
		Port:          -1, // OS-assigned
		EvalTimeout:   2 * time.Second,
		DefaultOutput: io.Discard,
	}
	if mutate != nil {
		mutate(cfg)
	}
	srv := New(cfg, WithLogger(testLogger()))
	if err := srv.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { srv.Stop() })
	return srv
}

func dialClient(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()
	url := "ws://" + srv.Addr() + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readClientMessage(t *testing.T, conn *websocket.Conn) *protocol.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("client decode: %v", err)
	}
	return msg
}

func sendClientMessage(t *testing.T, conn *websocket.Conn, msg *protocol.Message) {
	t.Helper()
	data, err := msg.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("client write: %v", err)
	}
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// echoClient answers every eval-js with reply(code) until the connection
// closes.
func echoClient(conn *websocket.Conn, reply func(code string) string) {
	for {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil || msg.Op != protocol.OpEvalJS {
			continue
		}
		out, err := protocol.Result(msg.ID, reply(msg.Code)).Encode()
		if err != nil {
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, out); err != nil {
			return
		}
	}
}

func TestStartStopLifecycle(t *testing.T) {
	srv := startTestServer(t, nil)

	if !srv.Running() {
		t.Error("Running() = false after Start")
	}
	if err := srv.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v, want ErrAlreadyStarted", err)
	}

	if err := srv.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if srv.Running() {
		t.Error("Running() = true after Stop")
	}
	if err := srv.Stop(); err != nil {
		t.Errorf("Stop() on stopped server error = %v, want nil no-op", err)
	}
}

func TestFirstClientFulfillsStarted(t *testing.T) {
	srv := startTestServer(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := srv.WaitForStart(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitForStart() with no client = %v, want deadline exceeded", err)
	}

	dialClient(t, srv)

	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	if err := srv.WaitForStart(ctx2); err != nil {
		t.Errorf("WaitForStart() after connect error = %v", err)
	}
}

func TestEvaluateRoundTrip(t *testing.T) {
	srv := startTestServer(t, nil)
	conn := dialClient(t, srv)
	waitFor(t, func() bool { return len(srv.Clients()) == 1 }, "client registration")

	done := make(chan struct{})
	go func() {
		defer close(done)
		msg := readClientMessage(t, conn)
		if msg.Op != protocol.OpEvalJS {
			t.Errorf("client received op %q, want eval-js", msg.Op)
		}
		if msg.Code != "1+1" {
			t.Errorf("client received code %q, want 1+1", msg.Code)
		}
		if msg.Session != "sess" {
			t.Errorf("client received session %q, want sess", msg.Session)
		}
		if msg.ID == "" {
			t.Error("eval-js carries no correlation id")
		}
		sendClientMessage(t, conn, protocol.Result(msg.ID, "2"))
	}()

	value, err := srv.Evaluate(context.Background(), "sess", "1+1")
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if value != "2" {
		t.Errorf("Evaluate() = %q, want 2", value)
	}
	<-done
}

func TestEvaluateNoClientConnected(t *testing.T) {
	srv := startTestServer(t, nil)

	_, err := srv.Evaluate(context.Background(), "sess", "1+1")
	if !errors.Is(err, ErrNoClientConnected) {
		t.Errorf("Evaluate() error = %v, want ErrNoClientConnected", err)
	}
}

func TestEvaluateTimeout(t *testing.T) {
	srv := startTestServer(t, func(c *Config) {
		c.EvalTimeout = 100 * time.Millisecond
	})
	dialClient(t, srv) // connected but never replies
	waitFor(t, func() bool { return len(srv.Clients()) == 1 }, "client registration")

	_, err := srv.Evaluate(context.Background(), "sess", "while(true){}")
	if !errors.Is(err, ErrEvaluationTimeout) {
		t.Errorf("Evaluate() error = %v, want ErrEvaluationTimeout", err)
	}
}

func TestEvaluateContextCanceled(t *testing.T) {
	srv := startTestServer(t, nil)
	dialClient(t, srv)
	waitFor(t, func() bool { return len(srv.Clients()) == 1 }, "client registration")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := srv.Evaluate(ctx, "sess", "1+1")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Evaluate() error = %v, want context.Canceled", err)
	}
}

func TestReadyReleasesPendingEvaluation(t *testing.T) {
	srv := startTestServer(t, nil)
	conn := dialClient(t, srv)
	waitFor(t, func() bool { return len(srv.Clients()) == 1 }, "client registration")

	go func() {
		// Read the eval, then announce a fresh environment instead of
		// answering (a page reload).
		readClientMessage(t, conn)
		sendClientMessage(t, conn, protocol.Ready())
	}()

	value, err := srv.Evaluate(context.Background(), "sess", "location.reload()")
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if value != protocol.ReadyValue {
		t.Errorf("Evaluate() = %q, want ready sentinel %q", value, protocol.ReadyValue)
	}
}

func TestStaleResultDoesNotDisturbNextEvaluation(t *testing.T) {
	srv := startTestServer(t, nil)
	conn := dialClient(t, srv)
	waitFor(t, func() bool { return len(srv.Clients()) == 1 }, "client registration")

	sendClientMessage(t, conn, protocol.Result("no-such-request", "ghost"))

	go echoClient(conn, func(code string) string { return "2" })
	value, err := srv.Evaluate(context.Background(), "sess", "1+1")
	if err != nil {
		t.Fatalf("Evaluate() after stale result error = %v", err)
	}
	if value != "2" {
		t.Errorf("Evaluate() = %q, want 2", value)
	}
}

func TestUnknownTagAndMalformedFramesAreDropped(t *testing.T) {
	srv := startTestServer(t, nil)
	conn := dialClient(t, srv)
	waitFor(t, func() bool { return len(srv.Clients()) == 1 }, "client registration")

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"op":"shutdown"}`)); err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`not json`)); err != nil {
		t.Fatal(err)
	}

	// The malformed frame gets an error report; the connection survives both.
	msg := readClientMessage(t, conn)
	if msg.Op != protocol.OpError {
		t.Errorf("client received op %q, want error report", msg.Op)
	}

	go echoClient(conn, func(string) string { return "ok" })
	if _, err := srv.Evaluate(context.Background(), "sess", "1"); err != nil {
		t.Errorf("Evaluate() after bad frames error = %v", err)
	}
}

func TestBindTargetsOnlySelectedClient(t *testing.T) {
	srv := startTestServer(t, nil)
	connA := dialClient(t, srv)
	waitFor(t, func() bool { return len(srv.Clients()) == 1 }, "client A registration")
	connB := dialClient(t, srv)
	waitFor(t, func() bool { return len(srv.Clients()) == 2 }, "client B registration")

	srv.Bind("sess", 2)
	go echoClient(connB, func(string) string { return "from-b" })

	value, err := srv.Evaluate(context.Background(), "sess", "x")
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if value != "from-b" {
		t.Errorf("Evaluate() = %q, want from-b", value)
	}

	// Client A must have seen nothing.
	connA.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	if _, _, err := connA.ReadMessage(); err == nil {
		t.Error("client A received a message despite session bound to B")
	}
}

func TestDisconnectRebindsSession(t *testing.T) {
	srv := startTestServer(t, nil)
	connA := dialClient(t, srv)
	waitFor(t, func() bool { return len(srv.Clients()) == 1 }, "client A registration")
	connB := dialClient(t, srv)
	waitFor(t, func() bool { return len(srv.Clients()) == 2 }, "client B registration")

	srv.Bind("sess", 1)
	connA.Close()
	waitFor(t, func() bool { return len(srv.Clients()) == 1 }, "client A removal")

	go echoClient(connB, func(string) string { return "from-b" })
	value, err := srv.Evaluate(context.Background(), "sess", "x")
	if err != nil {
		t.Fatalf("Evaluate() after rebind error = %v", err)
	}
	if value != "from-b" {
		t.Errorf("Evaluate() = %q, want from-b (rebound to client 2)", value)
	}
}

func TestDisconnectFailsInFlightEvaluation(t *testing.T) {
	srv := startTestServer(t, nil)
	conn := dialClient(t, srv)
	waitFor(t, func() bool { return len(srv.Clients()) == 1 }, "client registration")

	errCh := make(chan error, 1)
	go func() {
		_, err := srv.Evaluate(context.Background(), "sess", "1+1")
		errCh <- err
	}()

	// Wait until the eval reaches the client, then vanish.
	readClientMessage(t, conn)
	conn.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClientDisconnected) {
			t.Errorf("Evaluate() error = %v, want ErrClientDisconnected", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Evaluate() still blocked after client disconnect")
	}
}

func TestPrintRoutedOnlyToBoundSession(t *testing.T) {
	srv := startTestServer(t, nil)
	connA := dialClient(t, srv)
	waitFor(t, func() bool { return len(srv.Clients()) == 1 }, "client A registration")
	connB := dialClient(t, srv)
	waitFor(t, func() bool { return len(srv.Clients()) == 2 }, "client B registration")

	sink := &syncBuffer{}
	srv.SetOutput("sess", sink)
	srv.Bind("sess", 1)

	sendClientMessage(t, connA, protocol.Print("hello from A\n", "sess"))
	waitFor(t, func() bool { return strings.Contains(sink.String(), "hello from A") }, "print delivery")

	// Client B is not the session's target: its print for "sess" must not
	// leak into the sink.
	sendClientMessage(t, connB, protocol.Print("leak from B\n", "sess"))
	time.Sleep(150 * time.Millisecond)
	if strings.Contains(sink.String(), "leak from B") {
		t.Error("print from non-bound client leaked into session sink")
	}
}

func TestConnectAnnouncement(t *testing.T) {
	out := &syncBuffer{}
	srv := startTestServer(t, func(c *Config) {
		c.DefaultOutput = out
	})
	dialClient(t, srv)

	waitFor(t, func() bool { return strings.Contains(out.String(), "Client 1 connected") }, "connect announcement")
}

func TestStopStartResetsState(t *testing.T) {
	srv := startTestServer(t, nil)
	dialClient(t, srv)
	waitFor(t, func() bool { return len(srv.Clients()) == 1 }, "client registration")

	if err := srv.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("restart error = %v", err)
	}
	if got := srv.Clients(); len(got) != 0 {
		t.Errorf("clients after restart = %v, want none", got)
	}

	// Ids restart at 1 with no residue from the previous run.
	dialClient(t, srv)
	waitFor(t, func() bool {
		ids := srv.Clients()
		return len(ids) == 1 && ids[0] == 1
	}, "fresh client id 1")
}

func TestStopFailsPendingEvaluations(t *testing.T) {
	srv := startTestServer(t, nil)
	conn := dialClient(t, srv)
	waitFor(t, func() bool { return len(srv.Clients()) == 1 }, "client registration")

	errCh := make(chan error, 1)
	go func() {
		_, err := srv.Evaluate(context.Background(), "sess", "1+1")
		errCh <- err
	}()
	readClientMessage(t, conn)

	srv.Stop()
	select {
	case err := <-errCh:
		// The waiter is released either by the explicit stop sweep or by
		// the client teardown racing ahead of it.
		if !errors.Is(err, ErrServerStopped) && !errors.Is(err, ErrClientDisconnected) {
			t.Errorf("Evaluate() error = %v, want ErrServerStopped or ErrClientDisconnected", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Evaluate() still blocked after Stop")
	}
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	srv := startTestServer(t, nil)
	dialClient(t, srv)
	waitFor(t, func() bool { return len(srv.Clients()) == 1 }, "client registration")

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", srv.Addr()))
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/healthz status = %d, want 200", resp.StatusCode)
	}

	resp, err = http.Get(fmt.Sprintf("http://%s/metrics", srv.Addr()))
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(body), "evalbridge_clients_connected") {
		t.Error("/metrics missing evalbridge_clients_connected")
	}
}

func TestConcurrentSessionsEvaluateIndependently(t *testing.T) {
	srv := startTestServer(t, nil)
	connA := dialClient(t, srv)
	waitFor(t, func() bool { return len(srv.Clients()) == 1 }, "client A registration")
	connB := dialClient(t, srv)
	waitFor(t, func() bool { return len(srv.Clients()) == 2 }, "client B registration")

	srv.Bind("sess-a", 1)
	srv.Bind("sess-b", 2)
	go echoClient(connA, func(code string) string { return "a:" + code })
	go echoClient(connB, func(code string) string { return "b:" + code })

	var wg sync.WaitGroup
	results := make([]string, 2)
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		results[0], errs[0] = srv.Evaluate(context.Background(), "sess-a", "1")
	}()
	go func() {
		defer wg.Done()
		results[1], errs[1] = srv.Evaluate(context.Background(), "sess-b", "2")
	}()
	wg.Wait()

	if errs[0] != nil || errs[1] != nil {
		t.Fatalf("Evaluate() errors = %v, %v", errs[0], errs[1])
	}
	if results[0] != "a:1" || results[1] != "b:2" {
		t.Errorf("results = %q, %q; want a:1, b:2", results[0], results[1])
	}
}
