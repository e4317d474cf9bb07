package signaling

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pranitnpatil/webx/internal/session"
)

func newTestServer(t *testing.T) (*httptest.Server, *testEnv) {
	t.Helper()
	env := newTestEnv(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer(ServerConfig{
		ReadLimitBytes: 64 * 1024,
		PongTimeout:    5 * time.Second,
		WriteTimeout:   time.Second,
	}, env.coord, logger)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return ts, env
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readReply(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return m
}

func TestServerRegisterRoundTrip(t *testing.T) {
	ts, _ := newTestServer(t)
	conn := dialWS(t, ts)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"id":"register","name":"alice"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	reply := readReply(t, conn)
	if reply["id"] != "registered" {
		t.Fatalf("reply id=%v, want registered", reply["id"])
	}
	if reply["sessionId"] == "" {
		t.Fatalf("registered reply missing session id: %v", reply)
	}
}

func TestServerMalformedMessageKeepsConnection(t *testing.T) {
	ts, _ := newTestServer(t)
	conn := dialWS(t, ts)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"id":"register","bogus":1}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	reply := readReply(t, conn)
	if reply["id"] != "error" {
		t.Fatalf("reply id=%v, want error", reply["id"])
	}

	// The connection survives a bad message.
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"id":"register","name":"alice"}`)); err != nil {
		t.Fatalf("write after error: %v", err)
	}
	if reply := readReply(t, conn); reply["id"] != "registered" {
		t.Fatalf("reply id=%v, want registered", reply["id"])
	}
}

func TestServerBinaryMessageCloses(t *testing.T) {
	ts, _ := newTestServer(t)
	conn := dialWS(t, ts)

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0x01}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected close after binary frame")
	}
}

func TestServerDisconnectCleansUp(t *testing.T) {
	ts, env := newTestServer(t)
	conn := dialWS(t, ts)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"id":"register","name":"alice"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	readReply(t, conn)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"id":"joinRoom","roomName":"r1","userName":"alice","videoflag":true,"audioflag":true}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	readReply(t, conn)

	conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := env.coord.rooms.Get("r1"); !ok && env.coord.registry.Len() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, ok := env.coord.rooms.Get("r1"); ok {
		t.Fatalf("room still registered after disconnect")
	}
	if n := env.coord.registry.Len(); n != 0 {
		t.Fatalf("registry len=%d after disconnect, want 0", n)
	}
}

func TestServerTwoClientsSeeEachOther(t *testing.T) {
	ts, _ := newTestServer(t)
	alice := dialWS(t, ts)
	bob := dialWS(t, ts)

	if err := alice.WriteMessage(websocket.TextMessage, []byte(`{"id":"register","name":"alice"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	aliceReg := readReply(t, alice)
	if err := alice.WriteMessage(websocket.TextMessage, []byte(`{"id":"joinRoom","roomName":"r1","userName":"alice","videoflag":true,"audioflag":true}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	readReply(t, alice)

	if err := bob.WriteMessage(websocket.TextMessage, []byte(`{"id":"register","name":"bob"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	readReply(t, bob)
	if err := bob.WriteMessage(websocket.TextMessage, []byte(`{"id":"joinRoom","roomName":"r1","userName":"bob","videoflag":true,"audioflag":true}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	bobReply := readReply(t, bob)
	if bobReply["id"] != "existingParticipants" {
		t.Fatalf("bob reply id=%v, want existingParticipants", bobReply["id"])
	}
	ids, _ := bobReply["data"].([]any)
	if len(ids) != 1 || ids[0] != aliceReg["sessionId"] {
		t.Fatalf("bob existing ids=%v, want [%v]", ids, aliceReg["sessionId"])
	}

	aliceNotice := readReply(t, alice)
	if aliceNotice["id"] != "newParticipantArrived" || aliceNotice["name"] != "bob" {
		t.Fatalf("alice notice=%v", aliceNotice)
	}
}

// Guard against accidental interface drift between the transport sender and
// the session contract.
var _ session.Sender = (*wsClient)(nil)
