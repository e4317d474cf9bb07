package protocol

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestParseInboundAcceptsEachKind(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want Inbound
	}{
		{
			"register",
			`{"id":"register","name":"alice"}`,
			Register{Name: "alice"},
		},
		{
			"joinRoom",
			`{"id":"joinRoom","roomName":"r1","userName":"alice","videoflag":true,"audioflag":false}`,
			JoinRoom{RoomName: "r1", DisplayName: "alice", Video: true},
		},
		{
			"receiveVideoFrom",
			`{"id":"receiveVideoFrom","sender":"p-2","sdpOffer":"v=0"}`,
			ReceiveVideoFrom{Sender: "p-2", SDPOffer: "v=0"},
		},
		{
			"leaveRoom",
			`{"id":"leaveRoom"}`,
			LeaveRoom{},
		},
		{
			"call",
			`{"id":"call","to":"bob","from":"alice"}`,
			Call{To: "bob", From: "alice"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseInbound([]byte(tc.raw))
			if err != nil {
				t.Fatalf("ParseInbound: %v", err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("ParseInbound=%#v, want %#v", got, tc.want)
			}
		})
	}
}

func TestParseInboundCandidate(t *testing.T) {
	raw := `{"id":"onIceCandidate","sender":"p-1","candidate":{"candidate":"candidate:1 1 UDP 1 10.0.0.1 40000 typ host","sdpMid":"0","sdpMLineIndex":0}}`
	got, err := ParseInbound([]byte(raw))
	if err != nil {
		t.Fatalf("ParseInbound: %v", err)
	}
	msg, ok := got.(OnIceCandidate)
	if !ok {
		t.Fatalf("ParseInbound returned %T, want OnIceCandidate", got)
	}
	if msg.Sender != "p-1" {
		t.Fatalf("Sender=%q, want p-1", msg.Sender)
	}
	if msg.Candidate.SDPMid == nil || *msg.Candidate.SDPMid != "0" {
		t.Fatalf("SDPMid not preserved: %+v", msg.Candidate)
	}
}

func TestParseInboundRejects(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"unknown kind", `{"id":"shareScreen"}`},
		{"not json", `register`},
		{"unknown field", `{"id":"register","name":"a","admin":true}`},
		{"trailing data", `{"id":"leaveRoom"}{}`},
		{"register without name", `{"id":"register"}`},
		{"join without room", `{"id":"joinRoom","userName":"a"}`},
		{"offer without sdp", `{"id":"receiveVideoFrom","sender":"p-2"}`},
		{"call without to", `{"id":"call","from":"alice"}`},
		{"candidate without body", `{"id":"onIceCandidate","sender":"p-1"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseInbound([]byte(tc.raw)); !errors.Is(err, ErrInvalidMessage) {
				t.Fatalf("ParseInbound err=%v, want ErrInvalidMessage", err)
			}
		})
	}
}

func TestMarshalOutboundTagsMessages(t *testing.T) {
	raw, err := MarshalOutbound(NewParticipantArrived{NewUserID: "p-2", Name: "bob"})
	if err != nil {
		t.Fatalf("MarshalOutbound: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("Unmarshal(%s): %v", raw, err)
	}
	if decoded["id"] != "newParticipantArrived" {
		t.Fatalf("id=%v, want newParticipantArrived", decoded["id"])
	}
	if decoded["new_user_id"] != "p-2" || decoded["name"] != "bob" {
		t.Fatalf("body not flattened into envelope: %s", raw)
	}
}

func TestMarshalOutboundEmptyParticipantLists(t *testing.T) {
	raw, err := MarshalOutbound(ExistingParticipants{RoomName: "r1"})
	if err != nil {
		t.Fatalf("MarshalOutbound: %v", err)
	}
	s := string(raw)
	if strings.Contains(s, "null") {
		t.Fatalf("empty lists must encode as arrays, got %s", s)
	}
}
