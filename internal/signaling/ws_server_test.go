package signaling

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/duocall/signaling-relay/internal/metrics"
)

func newSignalTestServer(t *testing.T, sweepInterval time.Duration) *httptest.Server {
	t.Helper()
	s := NewServer(Config{
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:       metrics.New(),
		SweepInterval: sweepInterval,
	})
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	t.Cleanup(func() {
		cancel()
		s.Close()
		ts.Close()
	})
	return ts
}

func dialSignal(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/signal"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendText(t *testing.T, conn *websocket.Conn, text string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		t.Fatalf("write %q: %v", text, err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) (map[string]any, string) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode %q: %v", data, err)
	}
	return msg, string(data)
}

func TestSignalCreateJoinRelayFlow(t *testing.T) {
	ts := newSignalTestServer(t, 0)

	caller := dialSignal(t, ts)
	sendText(t, caller, `{"type":"create-room","roomId":"abc123"}`)
	joined, _ := readFrame(t, caller)
	if joined["type"] != "joined" || joined["isInitiator"] != true {
		t.Fatalf("creator joined=%v", joined)
	}

	callee := dialSignal(t, ts)
	sendText(t, callee, `{"type":"join","roomId":"abc123"}`)
	joined, _ = readFrame(t, callee)
	if joined["type"] != "joined" || joined["isInitiator"] != false {
		t.Fatalf("callee joined=%v", joined)
	}

	for name, conn := range map[string]*websocket.Conn{"caller": caller, "callee": callee} {
		ready, _ := readFrame(t, conn)
		if ready["type"] != "ready" {
			t.Fatalf("%s expected ready, got %v", name, ready)
		}
	}

	offer := `{"type":"offer","offer":{"type":"offer","sdp":"v=0\r\n"}}`
	sendText(t, caller, offer)
	_, raw := readFrame(t, callee)
	if raw != offer {
		t.Fatalf("relayed offer=%q, want verbatim %q", raw, offer)
	}

	answer := `{"type":"answer","answer":{"type":"answer","sdp":"v=0\r\n"}}`
	sendText(t, callee, answer)
	_, raw = readFrame(t, caller)
	if raw != answer {
		t.Fatalf("relayed answer=%q, want verbatim %q", raw, answer)
	}

	// Third connection bounces off the full room but stays connected.
	third := dialSignal(t, ts)
	sendText(t, third, `{"type":"join","roomId":"abc123"}`)
	msg, _ := readFrame(t, third)
	if msg["type"] != "error" || msg["message"] != "Room is full" {
		t.Fatalf("third join reply=%v", msg)
	}
	sendText(t, third, `{"type":"create-room","roomId":"other"}`)
	msg, _ = readFrame(t, third)
	if msg["type"] != "joined" {
		t.Fatalf("rejected peer could not create a fresh room: %v", msg)
	}
}

func TestSignalPeerDisconnectedOnClose(t *testing.T) {
	ts := newSignalTestServer(t, 0)

	caller := dialSignal(t, ts)
	sendText(t, caller, `{"type":"create-room","roomId":"abc123"}`)
	readFrame(t, caller)

	callee := dialSignal(t, ts)
	sendText(t, callee, `{"type":"join","roomId":"abc123"}`)
	readFrame(t, callee) // joined
	readFrame(t, caller) // ready
	readFrame(t, callee) // ready

	callee.Close()

	msg, _ := readFrame(t, caller)
	if msg["type"] != "peer-disconnected" {
		t.Fatalf("caller got %v, want peer-disconnected", msg)
	}
}

func TestSignalMalformedFramesKeepConnectionOpen(t *testing.T) {
	ts := newSignalTestServer(t, 0)
	conn := dialSignal(t, ts)

	sendText(t, conn, `this is not json`)
	sendText(t, conn, `{"type":"teleport"}`)
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}); err != nil {
		t.Fatalf("write binary: %v", err)
	}

	// The connection must still work after all three drops.
	sendText(t, conn, `{"type":"create-room","roomId":"abc123"}`)
	msg, _ := readFrame(t, conn)
	if msg["type"] != "joined" {
		t.Fatalf("got %v after dropped frames, want joined", msg)
	}
}

func TestCheckRoom(t *testing.T) {
	ts := newSignalTestServer(t, 0)

	get := func(path string) (int, map[string]any) {
		t.Helper()
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		defer resp.Body.Close()
		var body map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		return resp.StatusCode, body
	}

	if status, _ := get("/check-room"); status != http.StatusBadRequest {
		t.Fatalf("missing roomId status=%d, want 400", status)
	}

	if _, body := get("/check-room?roomId=abc123"); body["exists"] != false {
		t.Fatalf("unknown room body=%v, want exists false", body)
	}

	conn := dialSignal(t, ts)
	sendText(t, conn, `{"type":"create-room","roomId":"abc123"}`)
	readFrame(t, conn)

	if _, body := get("/check-room?roomId=abc123"); body["exists"] != true {
		t.Fatalf("created room body=%v, want exists true", body)
	}

	conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, body := get("/check-room?roomId=abc123"); body["exists"] == false {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("room still valid after last member disconnected")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSweepClosesSilentPeer(t *testing.T) {
	ts := newSignalTestServer(t, 100*time.Millisecond)

	conn := dialSignal(t, ts)
	// Swallow pings so the server sees a peer that never acknowledges.
	conn.SetPingHandler(func(string) error { return nil })

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			t.Fatalf("connection still open after liveness sweeps")
		}
		return
	}
}

func TestRateLimitedFramesDroppedConnectionSurvives(t *testing.T) {
	m := metrics.New()
	s := NewServer(Config{
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:           m,
		MessagesPerSecond: 2,
	})
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		s.Close()
		ts.Close()
	})

	conn := dialSignal(t, ts)
	for i := 0; i < 10; i++ {
		sendText(t, conn, `{"type":"check-peer"}`)
	}

	deadline := time.Now().Add(2 * time.Second)
	for m.Get(metrics.DropRateLimited) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("burst of 10 frames at 2/s never incremented drop_rate_limited")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Throttled frames are dropped, not fatal. Once the bucket refills the
	// connection processes messages again.
	time.Sleep(700 * time.Millisecond)
	sendText(t, conn, `{"type":"create-room","roomId":"abc123"}`)
	msg, _ := readFrame(t, conn)
	if msg["type"] != "joined" {
		t.Fatalf("got %v after rate-limited burst, want joined", msg)
	}
}

func TestOversizedFrameClosesConnection(t *testing.T) {
	s := NewServer(Config{
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:         metrics.New(),
		MaxMessageBytes: 256,
	})
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		s.Close()
		ts.Close()
	})

	conn := dialSignal(t, ts)
	sendText(t, conn, `{"type":"offer","offer":"`+strings.Repeat("x", 1024)+`"}`)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("read succeeded after oversized frame")
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		t.Fatalf("connection still open after oversized frame")
	}
}

func TestPongKeepsPeerAlive(t *testing.T) {
	ts := newSignalTestServer(t, 100*time.Millisecond)

	conn := dialSignal(t, ts)
	sendText(t, conn, `{"type":"create-room","roomId":"abc123"}`)
	readFrame(t, conn)

	// The default ping handler answers every probe while the read below is
	// blocked. Surviving six sweep intervals means the pongs were counted.
	_ = conn.SetReadDeadline(time.Now().Add(600 * time.Millisecond))
	_, _, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("unexpected frame while idle")
	}
	if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
		t.Fatalf("connection closed during sweeps: %v", err)
	}
}
