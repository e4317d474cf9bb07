package kurento

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/pranitnpatil/webx/internal/relay"
)

// fakeKurento is a minimal Kurento JSON-RPC server for tests.
type fakeKurento struct {
	t *testing.T

	mu       sync.Mutex
	conn     *websocket.Conn
	nextID   int
	requests []rpcRequest

	// failOps maps method or "invoke:<operation>" to an error message.
	failOps map[string]string
}

func newFakeKurento(t *testing.T) (*fakeKurento, string) {
	t.Helper()
	fk := &fakeKurento{t: t, failOps: make(map[string]string)}
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fk.mu.Lock()
		fk.conn = conn
		fk.mu.Unlock()
		fk.serve(conn)
	}))
	t.Cleanup(srv.Close)
	return fk, "ws" + strings.TrimPrefix(srv.URL, "http") + "/kurento"
}

func (fk *fakeKurento) serve(conn *websocket.Conn) {
	for {
		var req rpcRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		fk.mu.Lock()
		fk.requests = append(fk.requests, req)
		fk.nextID++
		objectID := fmt.Sprintf("object-%d", fk.nextID)

		failKey := req.Method
		if req.Method == methodInvoke {
			var p invokeParams
			_ = json.Unmarshal(req.Params, &p)
			failKey = "invoke:" + p.Operation
		}
		failMsg, fail := fk.failOps[failKey]
		fk.mu.Unlock()

		var resp rpcEnvelope
		resp.JSONRPC = "2.0"
		resp.ID = &req.ID
		if fail {
			resp.Error = &rpcError{Code: 40001, Message: failMsg}
		} else {
			switch req.Method {
			case methodCreate:
				raw, _ := json.Marshal(createResult{Value: objectID, SessionID: "sess-1"})
				resp.Result = raw
			case methodInvoke:
				var p invokeParams
				_ = json.Unmarshal(req.Params, &p)
				if p.Operation == "processOffer" {
					raw, _ := json.Marshal(valueResult{Value: json.RawMessage(`"v=0 answer"`)})
					resp.Result = raw
				} else {
					resp.Result = json.RawMessage(`{}`)
				}
			default:
				resp.Result = json.RawMessage(`{}`)
			}
		}
		if err := conn.WriteJSON(resp); err != nil {
			return
		}
	}
}

// emitCandidate pushes an OnIceCandidate event for objectID.
func (fk *fakeKurento) emitCandidate(objectID, candidate string) {
	fk.mu.Lock()
	conn := fk.conn
	fk.mu.Unlock()
	if conn == nil {
		fk.t.Fatalf("no connection to emit on")
	}
	params, _ := json.Marshal(map[string]any{
		"value": map[string]any{
			"object": objectID,
			"type":   eventOnIceCandidate,
			"data": map[string]any{
				"candidate": iceCandidate{Candidate: candidate, SDPMid: "0"},
			},
		},
	})
	ev := rpcEnvelope{JSONRPC: "2.0", Method: methodOnEvent, Params: params}
	if err := conn.WriteJSON(ev); err != nil {
		fk.t.Fatalf("emit: %v", err)
	}
}

func (fk *fakeKurento) operations() []string {
	fk.mu.Lock()
	defer fk.mu.Unlock()
	var out []string
	for _, req := range fk.requests {
		if req.Method == methodInvoke {
			var p invokeParams
			_ = json.Unmarshal(req.Params, &p)
			out = append(out, "invoke:"+p.Operation)
		} else {
			out = append(out, req.Method)
		}
	}
	return out
}

func TestClientCreatesPipelineAndEndpoint(t *testing.T) {
	fk, url := newFakeKurento(t)
	c := NewClient(url, 2*time.Second, nil)
	defer c.Close()

	pipeline, err := c.CreatePipeline(context.Background())
	if err != nil {
		t.Fatalf("CreatePipeline: %v", err)
	}
	ep, err := pipeline.CreateEndpoint(context.Background())
	if err != nil {
		t.Fatalf("CreateEndpoint: %v", err)
	}
	if ep.ID() == "" {
		t.Fatalf("endpoint has empty id")
	}

	ops := fk.operations()
	want := []string{methodCreate, methodCreate, methodSubscribe}
	if len(ops) != len(want) {
		t.Fatalf("operations=%v, want %v", ops, want)
	}
	for i := range want {
		if ops[i] != want[i] {
			t.Fatalf("operations=%v, want %v", ops, want)
		}
	}
}

func TestClientProcessOfferAndConnect(t *testing.T) {
	_, url := newFakeKurento(t)
	c := NewClient(url, 2*time.Second, nil)
	defer c.Close()

	pipeline, err := c.CreatePipeline(context.Background())
	if err != nil {
		t.Fatalf("CreatePipeline: %v", err)
	}
	src, err := pipeline.CreateEndpoint(context.Background())
	if err != nil {
		t.Fatalf("CreateEndpoint: %v", err)
	}
	sink, err := pipeline.CreateEndpoint(context.Background())
	if err != nil {
		t.Fatalf("CreateEndpoint: %v", err)
	}

	answer, err := src.ProcessOffer(context.Background(), "v=0 offer")
	if err != nil {
		t.Fatalf("ProcessOffer: %v", err)
	}
	if answer != "v=0 answer" {
		t.Fatalf("answer=%q", answer)
	}
	if err := src.ConnectTo(context.Background(), sink); err != nil {
		t.Fatalf("ConnectTo: %v", err)
	}
}

func TestClientDeliversCandidateEvents(t *testing.T) {
	fk, url := newFakeKurento(t)
	c := NewClient(url, 2*time.Second, nil)
	defer c.Close()

	pipeline, err := c.CreatePipeline(context.Background())
	if err != nil {
		t.Fatalf("CreatePipeline: %v", err)
	}
	ep, err := pipeline.CreateEndpoint(context.Background())
	if err != nil {
		t.Fatalf("CreateEndpoint: %v", err)
	}

	got := make(chan webrtc.ICECandidateInit, 1)
	ep.OnCandidate(func(cand webrtc.ICECandidateInit) {
		got <- cand
	})

	fk.emitCandidate(ep.ID(), "candidate:1 1 UDP 1 10.0.0.1 40000 typ host")

	select {
	case cand := <-got:
		if !strings.HasPrefix(cand.Candidate, "candidate:1") {
			t.Fatalf("candidate=%q", cand.Candidate)
		}
		if cand.SDPMid == nil || *cand.SDPMid != "0" {
			t.Fatalf("sdpMid not preserved: %+v", cand)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("candidate event not delivered")
	}
}

func TestClientUnreachableServerNamesAddress(t *testing.T) {
	c := NewClient("ws://127.0.0.1:1/kurento", 200*time.Millisecond, nil)
	defer c.Close()

	_, err := c.CreatePipeline(context.Background())
	if !errors.Is(err, relay.ErrUnavailable) {
		t.Fatalf("err=%v, want ErrUnavailable", err)
	}
	if !strings.Contains(err.Error(), "ws://127.0.0.1:1/kurento") {
		t.Fatalf("error does not name the relay address: %v", err)
	}
}

func TestClientProcessOfferFailureIsNegotiationError(t *testing.T) {
	fk, url := newFakeKurento(t)
	fk.mu.Lock()
	fk.failOps["invoke:processOffer"] = "SDP parse error"
	fk.mu.Unlock()

	c := NewClient(url, 2*time.Second, nil)
	defer c.Close()

	pipeline, err := c.CreatePipeline(context.Background())
	if err != nil {
		t.Fatalf("CreatePipeline: %v", err)
	}
	ep, err := pipeline.CreateEndpoint(context.Background())
	if err != nil {
		t.Fatalf("CreateEndpoint: %v", err)
	}

	if _, err := ep.ProcessOffer(context.Background(), "garbage"); !errors.Is(err, relay.ErrNegotiationFailed) {
		t.Fatalf("ProcessOffer err=%v, want ErrNegotiationFailed", err)
	}
}

func TestPipelineReleaseIsIdempotent(t *testing.T) {
	fk, url := newFakeKurento(t)
	c := NewClient(url, 2*time.Second, nil)
	defer c.Close()

	pipeline, err := c.CreatePipeline(context.Background())
	if err != nil {
		t.Fatalf("CreatePipeline: %v", err)
	}
	if err := pipeline.Release(context.Background()); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := pipeline.Release(context.Background()); err != nil {
		t.Fatalf("Release (repeat): %v", err)
	}

	releases := 0
	for _, op := range fk.operations() {
		if op == methodRelease {
			releases++
		}
	}
	if releases != 1 {
		t.Fatalf("release rpcs=%d, want 1", releases)
	}
}
