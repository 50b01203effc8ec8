package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"
)

// Type tags an Envelope. The relay routes point-to-point tags (offer, answer,
// ice) by the To field and broadcasts the rest room-wide.
type Type string

const (
	TypeJoin        Type = "join"
	TypeUsersInRoom Type = "users-in-room"
	TypeOffer       Type = "offer"
	TypeAnswer      Type = "answer"
	TypeICE         Type = "ice"
	TypeEnd         Type = "end"
	TypeStatus      Type = "status"
)

// SDP is the JSON shape of a session description as browsers serialize it.
type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromDescription(desc webrtc.SessionDescription) SDP {
	return SDP{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SDP) ToDescription() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

// Candidate is the JSON shape of an ICE candidate as browsers serialize it.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromInit(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToInit() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// Envelope is the tagged union carried over the relay. Exactly the fields
// that apply to Type may be set; Validate enforces this on both ends.
//
// Muted/CameraOff are pointers so a partial status from an older sender is
// distinguishable from an explicit false.
type Envelope struct {
	Type Type   `json:"type"`
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`

	Users     []string   `json:"users,omitempty"`
	Offer     *SDP       `json:"offer,omitempty"`
	Answer    *SDP       `json:"answer,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`
	EndedBy   string     `json:"endedBy,omitempty"`
	Muted     *bool      `json:"muted,omitempty"`
	CameraOff *bool      `json:"cameraOff,omitempty"`
}

func NewJoin(from string) Envelope {
	return Envelope{Type: TypeJoin, From: from}
}

func NewUsersInRoom(users []string) Envelope {
	if users == nil {
		users = []string{}
	}
	return Envelope{Type: TypeUsersInRoom, Users: users}
}

func NewOffer(from, to string, desc webrtc.SessionDescription) Envelope {
	s := SDPFromDescription(desc)
	return Envelope{Type: TypeOffer, From: from, To: to, Offer: &s}
}

func NewAnswer(from, to string, desc webrtc.SessionDescription) Envelope {
	s := SDPFromDescription(desc)
	return Envelope{Type: TypeAnswer, From: from, To: to, Answer: &s}
}

func NewICE(from, to string, init webrtc.ICECandidateInit) Envelope {
	c := CandidateFromInit(init)
	return Envelope{Type: TypeICE, From: from, To: to, Candidate: &c}
}

func NewEnd(endedBy, to string) Envelope {
	return Envelope{Type: TypeEnd, To: to, EndedBy: endedBy}
}

// NewStatus always carries the complete local status so a lost or reordered
// earlier update can never leave a receiver with a stale field.
func NewStatus(from string, muted, cameraOff bool) Envelope {
	m, c := muted, cameraOff
	return Envelope{Type: TypeStatus, From: from, Muted: &m, CameraOff: &c}
}

// Parse decodes and validates a single envelope. Unknown fields and trailing
// data are rejected.
func Parse(data []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, err
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Envelope{}, fmt.Errorf("unexpected trailing data")
	}
	return env, nil
}

func (e Envelope) Encode() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

func (e Envelope) Validate() error {
	switch e.Type {
	case TypeJoin:
		if e.From == "" {
			return fmt.Errorf("join envelope missing from")
		}
		if e.To != "" || e.Users != nil || e.Offer != nil || e.Answer != nil || e.Candidate != nil || e.EndedBy != "" || e.Muted != nil || e.CameraOff != nil {
			return fmt.Errorf("join envelope has unexpected fields")
		}
	case TypeUsersInRoom:
		if e.Users == nil {
			return fmt.Errorf("users-in-room envelope missing users")
		}
		if e.From != "" || e.To != "" || e.Offer != nil || e.Answer != nil || e.Candidate != nil || e.EndedBy != "" || e.Muted != nil || e.CameraOff != nil {
			return fmt.Errorf("users-in-room envelope has unexpected fields")
		}
	case TypeOffer:
		if e.From == "" || e.To == "" {
			return fmt.Errorf("offer envelope missing from/to")
		}
		if e.Offer == nil {
			return fmt.Errorf("offer envelope missing offer")
		}
		if e.Offer.Type != "offer" {
			return fmt.Errorf("offer envelope has sdp type %q", e.Offer.Type)
		}
		if e.Users != nil || e.Answer != nil || e.Candidate != nil || e.EndedBy != "" || e.Muted != nil || e.CameraOff != nil {
			return fmt.Errorf("offer envelope has unexpected fields")
		}
	case TypeAnswer:
		if e.From == "" || e.To == "" {
			return fmt.Errorf("answer envelope missing from/to")
		}
		if e.Answer == nil {
			return fmt.Errorf("answer envelope missing answer")
		}
		if e.Answer.Type != "answer" {
			return fmt.Errorf("answer envelope has sdp type %q", e.Answer.Type)
		}
		if e.Users != nil || e.Offer != nil || e.Candidate != nil || e.EndedBy != "" || e.Muted != nil || e.CameraOff != nil {
			return fmt.Errorf("answer envelope has unexpected fields")
		}
	case TypeICE:
		if e.From == "" || e.To == "" {
			return fmt.Errorf("ice envelope missing from/to")
		}
		if e.Candidate == nil {
			return fmt.Errorf("ice envelope missing candidate")
		}
		if e.Users != nil || e.Offer != nil || e.Answer != nil || e.EndedBy != "" || e.Muted != nil || e.CameraOff != nil {
			return fmt.Errorf("ice envelope has unexpected fields")
		}
	case TypeEnd:
		if e.EndedBy == "" {
			return fmt.Errorf("end envelope missing endedBy")
		}
		if e.From != "" || e.Users != nil || e.Offer != nil || e.Answer != nil || e.Candidate != nil || e.Muted != nil || e.CameraOff != nil {
			return fmt.Errorf("end envelope has unexpected fields")
		}
	case TypeStatus:
		if e.From == "" {
			return fmt.Errorf("status envelope missing from")
		}
		if e.To != "" || e.Users != nil || e.Offer != nil || e.Answer != nil || e.Candidate != nil || e.EndedBy != "" {
			return fmt.Errorf("status envelope has unexpected fields")
		}
	default:
		return fmt.Errorf("unsupported envelope type %q", e.Type)
	}
	return nil
}
