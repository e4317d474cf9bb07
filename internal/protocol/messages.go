// Package protocol models the signaling wire protocol.
//
// Inbound and outbound messages are closed tagged-variant types: adding a new
// kind means adding a type and extending the exhaustive switches here, which
// the compiler then checks at every dispatch site.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"
)

var ErrInvalidMessage = errors.New("invalid message")

const (
	kindRegister         = "register"
	kindJoinRoom         = "joinRoom"
	kindReceiveVideoFrom = "receiveVideoFrom"
	kindLeaveRoom        = "leaveRoom"
	kindCall             = "call"
	kindOnIceCandidate   = "onIceCandidate"

	kindRegistered          = "registered"
	kindExisting            = "existingParticipants"
	kindNewParticipant      = "newParticipantArrived"
	kindParticipantLeft     = "participantLeft"
	kindReceiveVideoAnswer  = "receiveVideoAnswer"
	kindIceCandidate        = "iceCandidate"
	kindIncomingCall        = "incomingCall"
	kindCallResponse        = "callResponse"
	kindError               = "error"
)

// Inbound is a message received from a client.
type Inbound interface{ isInbound() }

type Register struct {
	Name string
}

type JoinRoom struct {
	RoomName    string
	DisplayName string
	Video       bool
	Audio       bool
}

// ReceiveVideoFrom asks the server to negotiate media from Sender into the
// requesting participant. Sender equal to the requester's own id negotiates
// the outgoing direction.
type ReceiveVideoFrom struct {
	Sender   string
	SDPOffer string
}

type LeaveRoom struct{}

type Call struct {
	To   string
	From string
}

type OnIceCandidate struct {
	Sender    string
	Candidate webrtc.ICECandidateInit
}

func (Register) isInbound()         {}
func (JoinRoom) isInbound()         {}
func (ReceiveVideoFrom) isInbound() {}
func (LeaveRoom) isInbound()        {}
func (Call) isInbound()             {}
func (OnIceCandidate) isInbound()   {}

// Outbound is a message sent to a client.
type Outbound interface{ isOutbound() }

type Registered struct {
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

type ExistingParticipants struct {
	Data     []string `json:"data"`
	Names    []string `json:"name"`
	Video    bool     `json:"video"`
	Audio    bool     `json:"audio"`
	RoomName string   `json:"roomName"`
}

type NewParticipantArrived struct {
	NewUserID string `json:"new_user_id"`
	Name      string `json:"name"`
}

type ParticipantLeft struct {
	SessionID string `json:"sessionId"`
}

type ReceiveVideoAnswer struct {
	SessionID string `json:"sessionId"`
	SDPAnswer string `json:"sdpAnswer"`
}

type IceCandidate struct {
	SessionID string                  `json:"sessionId"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

type IncomingCall struct {
	From     string `json:"from"`
	RoomName string `json:"roomName"`
}

type CallResponse struct {
	Response string `json:"response"`
	Message  string `json:"message"`
}

type ErrorMessage struct {
	Message string `json:"message"`
}

func (Registered) isOutbound()            {}
func (ExistingParticipants) isOutbound()  {}
func (NewParticipantArrived) isOutbound() {}
func (ParticipantLeft) isOutbound()       {}
func (ReceiveVideoAnswer) isOutbound()    {}
func (IceCandidate) isOutbound()          {}
func (IncomingCall) isOutbound()          {}
func (CallResponse) isOutbound()          {}
func (ErrorMessage) isOutbound()          {}

// MarshalOutbound encodes msg with its "id" tag.
func MarshalOutbound(msg Outbound) ([]byte, error) {
	switch m := msg.(type) {
	case Registered:
		return tagged(kindRegistered, m)
	case ExistingParticipants:
		// nil slices must encode as [], not null; clients index into them.
		if m.Data == nil {
			m.Data = []string{}
		}
		if m.Names == nil {
			m.Names = []string{}
		}
		return tagged(kindExisting, m)
	case NewParticipantArrived:
		return tagged(kindNewParticipant, m)
	case ParticipantLeft:
		return tagged(kindParticipantLeft, m)
	case ReceiveVideoAnswer:
		return tagged(kindReceiveVideoAnswer, m)
	case IceCandidate:
		return tagged(kindIceCandidate, m)
	case IncomingCall:
		return tagged(kindIncomingCall, m)
	case CallResponse:
		return tagged(kindCallResponse, m)
	case ErrorMessage:
		return tagged(kindError, m)
	default:
		return nil, fmt.Errorf("unknown outbound message type %T", msg)
	}
}

func tagged(kind string, body any) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	out.WriteString(`{"id":`)
	idRaw, err := json.Marshal(kind)
	if err != nil {
		return nil, err
	}
	out.Write(idRaw)
	if !bytes.Equal(raw, []byte("{}")) {
		out.WriteByte(',')
		out.Write(raw[1 : len(raw)-1])
		out.WriteByte('}')
		return out.Bytes(), nil
	}
	out.WriteByte('}')
	return out.Bytes(), nil
}

// ParseInbound decodes and validates one client message. Unknown kinds,
// unknown fields and trailing data are all rejected.
func ParseInbound(data []byte) (Inbound, error) {
	var envelope struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	switch envelope.ID {
	case kindRegister:
		var wire struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		}
		if err := strictDecode(data, &wire); err != nil {
			return nil, err
		}
		if wire.Name == "" {
			return nil, fmt.Errorf("%w: register missing name", ErrInvalidMessage)
		}
		return Register{Name: wire.Name}, nil

	case kindJoinRoom:
		var wire struct {
			ID        string `json:"id"`
			RoomName  string `json:"roomName"`
			UserName  string `json:"userName"`
			VideoFlag bool   `json:"videoflag"`
			AudioFlag bool   `json:"audioflag"`
		}
		if err := strictDecode(data, &wire); err != nil {
			return nil, err
		}
		if wire.RoomName == "" {
			return nil, fmt.Errorf("%w: joinRoom missing roomName", ErrInvalidMessage)
		}
		return JoinRoom{
			RoomName:    wire.RoomName,
			DisplayName: wire.UserName,
			Video:       wire.VideoFlag,
			Audio:       wire.AudioFlag,
		}, nil

	case kindReceiveVideoFrom:
		var wire struct {
			ID       string `json:"id"`
			Sender   string `json:"sender"`
			SDPOffer string `json:"sdpOffer"`
		}
		if err := strictDecode(data, &wire); err != nil {
			return nil, err
		}
		if wire.Sender == "" {
			return nil, fmt.Errorf("%w: receiveVideoFrom missing sender", ErrInvalidMessage)
		}
		if wire.SDPOffer == "" {
			return nil, fmt.Errorf("%w: receiveVideoFrom missing sdpOffer", ErrInvalidMessage)
		}
		return ReceiveVideoFrom{Sender: wire.Sender, SDPOffer: wire.SDPOffer}, nil

	case kindLeaveRoom:
		var wire struct {
			ID string `json:"id"`
		}
		if err := strictDecode(data, &wire); err != nil {
			return nil, err
		}
		return LeaveRoom{}, nil

	case kindCall:
		var wire struct {
			ID   string `json:"id"`
			To   string `json:"to"`
			From string `json:"from"`
		}
		if err := strictDecode(data, &wire); err != nil {
			return nil, err
		}
		if wire.To == "" || wire.From == "" {
			return nil, fmt.Errorf("%w: call missing to/from", ErrInvalidMessage)
		}
		return Call{To: wire.To, From: wire.From}, nil

	case kindOnIceCandidate:
		var wire struct {
			ID        string                  `json:"id"`
			Sender    string                  `json:"sender"`
			Candidate webrtc.ICECandidateInit `json:"candidate"`
		}
		if err := strictDecode(data, &wire); err != nil {
			return nil, err
		}
		if wire.Sender == "" {
			return nil, fmt.Errorf("%w: onIceCandidate missing sender", ErrInvalidMessage)
		}
		if wire.Candidate.Candidate == "" {
			return nil, fmt.Errorf("%w: onIceCandidate missing candidate", ErrInvalidMessage)
		}
		return OnIceCandidate{Sender: wire.Sender, Candidate: wire.Candidate}, nil

	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidMessage, envelope.ID)
	}
}

func strictDecode(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("%w: unexpected trailing data", ErrInvalidMessage)
	}
	return nil
}
