package signaling

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/healthkiosk/telehealth-signaling/internal/auth"
)

// Client to relay events.
const (
	EventAuth         = "auth"
	EventJoinRoom     = "join-room"
	EventCallUser     = "call-user"
	EventCallAccepted = "call-accepted"
	EventICECandidate = "ice-candidate"
	EventEndCall      = "end-call"
)

// Relay to client events. call-accepted and ice-candidate reuse the inbound
// names.
const (
	EventJoinedRoom      = "joined-room"
	EventUserJoined      = "user-joined"
	EventIncomingCall    = "incoming-call"
	EventCallEnded       = "call-ended"
	EventUserUnavailable = "user-unavailable"
	EventError           = "error"

	// Consultation lifecycle notifications, pushed through Relay.Notify.
	EventConsultationRequested = "consultation-requested"
	EventConsultationUpdated   = "consultation-updated"
)

var ErrInvalidEvent = errors.New("invalid event")

// Event is one frame on the wire: {"event": Name, "data": Data}.
type Event struct {
	Name string
	Data any
}

// SessionDescription is the wire form of an RTCSessionDescriptionInit.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func (d SessionDescription) validate(wantType string) error {
	if d.Type != wantType {
		return fmt.Errorf("%w: description type %q, want %q", ErrInvalidEvent, d.Type, wantType)
	}
	if strings.TrimSpace(d.SDP) == "" {
		return fmt.Errorf("%w: empty sdp", ErrInvalidEvent)
	}
	return nil
}

func (d SessionDescription) ToPion() (webrtc.SessionDescription, error) {
	t := webrtc.NewSDPType(d.Type)
	if t == webrtc.SDPTypeUnknown {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: unknown sdp type %q", ErrInvalidEvent, d.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: d.SDP}, nil
}

func SessionDescriptionFromPion(d webrtc.SessionDescription) SessionDescription {
	return SessionDescription{Type: d.Type.String(), SDP: d.SDP}
}

// Candidate is the wire form of an RTCIceCandidateInit. An empty Candidate
// string is the end-of-candidates marker.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func CandidateFromPion(c webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// Message is a validated client to relay event.
type Message interface {
	EventName() string
	validate() error
}

type JoinRoom struct {
	RoomID string `json:"roomId"`
	// UserID may be omitted on authenticated connections.
	UserID string `json:"userId,omitempty"`
}

type CallUser struct {
	UserID string              `json:"userId"`
	Offer  *SessionDescription `json:"offer"`
}

type CallAccepted struct {
	UserID string              `json:"userId"`
	Ans    *SessionDescription `json:"ans"`
}

type ICECandidate struct {
	UserID    string     `json:"userId"`
	Candidate *Candidate `json:"candidate"`
}

type EndCall struct {
	To string `json:"to"`
}

func (JoinRoom) EventName() string     { return EventJoinRoom }
func (CallUser) EventName() string     { return EventCallUser }
func (CallAccepted) EventName() string { return EventCallAccepted }
func (ICECandidate) EventName() string { return EventICECandidate }
func (EndCall) EventName() string      { return EventEndCall }

func (m JoinRoom) validate() error {
	if strings.TrimSpace(m.RoomID) == "" {
		return fmt.Errorf("%w: roomId is required", ErrInvalidEvent)
	}
	return nil
}

func (m CallUser) validate() error {
	if err := requireTarget(m.UserID); err != nil {
		return err
	}
	if m.Offer == nil {
		return fmt.Errorf("%w: offer is required", ErrInvalidEvent)
	}
	return m.Offer.validate("offer")
}

func (m CallAccepted) validate() error {
	if err := requireTarget(m.UserID); err != nil {
		return err
	}
	if m.Ans == nil {
		return fmt.Errorf("%w: ans is required", ErrInvalidEvent)
	}
	return m.Ans.validate("answer")
}

func (m ICECandidate) validate() error {
	if err := requireTarget(m.UserID); err != nil {
		return err
	}
	if m.Candidate == nil {
		return fmt.Errorf("%w: candidate is required", ErrInvalidEvent)
	}
	return nil
}

func (m EndCall) validate() error {
	if strings.TrimSpace(m.To) == "" {
		return fmt.Errorf("%w: to is required", ErrInvalidEvent)
	}
	return nil
}

func requireTarget(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: userId is required", ErrInvalidEvent)
	}
	return nil
}

// ParseClientMessage decodes and validates an inbound envelope.
func ParseClientMessage(env Envelope) (Message, error) {
	var msg Message
	switch env.Name {
	case EventJoinRoom:
		var m JoinRoom
		if err := env.Decode(&m); err != nil {
			return nil, err
		}
		msg = m
	case EventCallUser:
		var m CallUser
		if err := env.Decode(&m); err != nil {
			return nil, err
		}
		msg = m
	case EventCallAccepted:
		var m CallAccepted
		if err := env.Decode(&m); err != nil {
			return nil, err
		}
		msg = m
	case EventICECandidate:
		var m ICECandidate
		if err := env.Decode(&m); err != nil {
			return nil, err
		}
		msg = m
	case EventEndCall:
		var m EndCall
		if err := env.Decode(&m); err != nil {
			return nil, err
		}
		msg = m
	default:
		return nil, fmt.Errorf("%w: unknown event %q", ErrInvalidEvent, env.Name)
	}
	if err := msg.validate(); err != nil {
		return nil, err
	}
	return msg, nil
}

// ParseAuthMessage decodes the first-message auth event.
func ParseAuthMessage(env Envelope) (auth.WireAuthMessage, error) {
	if env.Name != EventAuth {
		return auth.WireAuthMessage{}, fmt.Errorf("%w: expected %q, got %q", ErrInvalidEvent, EventAuth, env.Name)
	}
	var m auth.WireAuthMessage
	if err := env.Decode(&m); err != nil {
		return auth.WireAuthMessage{}, err
	}
	return m, nil
}

// Relay to client payloads.

type JoinedRoom struct {
	RoomID string `json:"roomId"`
}

type UserJoined struct {
	UserID string `json:"userId"`
}

type IncomingCall struct {
	From  string             `json:"from"`
	Offer SessionDescription `json:"offer"`
}

type CallAnswered struct {
	Ans SessionDescription `json:"ans"`
}

type RemoteCandidate struct {
	Candidate Candidate `json:"candidate"`
}

type UserUnavailable struct {
	UserID string `json:"userId"`
}

type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes carried by EventError.
const (
	ErrorCodeInvalidEvent     = "invalid_event"
	ErrorCodeIdentityMismatch = "identity_mismatch"
	ErrorCodeNotJoined        = "not_joined"
	ErrorCodeUnauthorized     = "unauthorized"
)

func errorEvent(code, message string) Event {
	return Event{Name: EventError, Data: ErrorInfo{Code: code, Message: message}}
}

// ServerMessage is a decoded relay to client event. Data holds one of the
// payload types above, or nil for call-ended. Unrecognized event names
// (server-originated notifications) are returned with Data nil and Raw set so
// callers can decode them into their own types.
type ServerMessage struct {
	Name string
	Data any
	Raw  Envelope
}

func ParseServerMessage(env Envelope) (ServerMessage, error) {
	out := ServerMessage{Name: env.Name, Raw: env}
	var err error
	switch env.Name {
	case EventJoinedRoom:
		var m JoinedRoom
		err = env.Decode(&m)
		out.Data = m
	case EventUserJoined:
		var m UserJoined
		err = env.Decode(&m)
		out.Data = m
	case EventIncomingCall:
		var m IncomingCall
		if err = env.Decode(&m); err == nil {
			err = m.Offer.validate("offer")
		}
		out.Data = m
	case EventCallAccepted:
		var m CallAnswered
		err = env.Decode(&m)
		out.Data = m
	case EventICECandidate:
		var m RemoteCandidate
		err = env.Decode(&m)
		out.Data = m
	case EventUserUnavailable:
		var m UserUnavailable
		err = env.Decode(&m)
		out.Data = m
	case EventError:
		var m ErrorInfo
		err = env.Decode(&m)
		out.Data = m
	case EventCallEnded:
	}
	if err != nil {
		return ServerMessage{}, err
	}
	return out, nil
}
