package signaling

import (
	"encoding/json"
	"fmt"
)

// Kind is the wire "type" discriminator of a signaling message.
type Kind string

// Client-to-server kinds.
const (
	KindCreateRoom   Kind = "create-room"
	KindJoin         Kind = "join"
	KindOffer        Kind = "offer"
	KindAnswer       Kind = "answer"
	KindICECandidate Kind = "ice-candidate"
	KindRestart      Kind = "restart"
	KindCheckPeer    Kind = "check-peer"
	KindPeerReady    Kind = "peer-ready"
	KindMuteStatus   Kind = "mute-status"
)

// Server-to-client kinds.
const (
	KindJoined           Kind = "joined"
	KindReady            Kind = "ready"
	KindPeerDisconnected Kind = "peer-disconnected"
	KindError            Kind = "error"
)

// Envelope is the decoded header of an inbound message. Payload fields of the
// relayed kinds stay opaque: the broker forwards the original frame bytes
// untouched, so unknown fields are deliberately tolerated here.
type Envelope struct {
	Type    Kind   `json:"type"`
	RoomID  string `json:"roomId,omitempty"`
	IsMuted *bool  `json:"isMuted,omitempty"`

	raw []byte
}

// Raw returns the exact bytes the envelope was parsed from.
func (e Envelope) Raw() []byte { return e.raw }

func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if err := env.validate(); err != nil {
		return Envelope{}, err
	}
	env.raw = data
	return env, nil
}

func (e Envelope) validate() error {
	switch e.Type {
	case KindCreateRoom, KindJoin:
		if e.RoomID == "" {
			return fmt.Errorf("%s message missing roomId", e.Type)
		}
	case KindMuteStatus:
		if e.IsMuted == nil {
			return fmt.Errorf("mute-status message missing isMuted")
		}
	case KindOffer, KindAnswer, KindICECandidate, KindRestart, KindCheckPeer, KindPeerReady:
		// Opaque relay payloads; nothing to check.
	default:
		return fmt.Errorf("unsupported message kind %q", e.Type)
	}
	return nil
}

type joinedMessage struct {
	Type        Kind   `json:"type"`
	RoomID      string `json:"roomId"`
	IsInitiator bool   `json:"isInitiator"`
}

type bareMessage struct {
	Type Kind `json:"type"`
}

type errorMessage struct {
	Type     Kind   `json:"type"`
	Message  string `json:"message"`
	Redirect bool   `json:"redirect,omitempty"`
}

type muteStatusMessage struct {
	Type    Kind `json:"type"`
	IsMuted bool `json:"isMuted"`
}

func encodeJoined(roomID string, isInitiator bool) []byte {
	return mustEncode(joinedMessage{Type: KindJoined, RoomID: roomID, IsInitiator: isInitiator})
}

func encodeReady() []byte {
	return mustEncode(bareMessage{Type: KindReady})
}

func encodePeerDisconnected() []byte {
	return mustEncode(bareMessage{Type: KindPeerDisconnected})
}

func encodeError(message string, redirect bool) []byte {
	return mustEncode(errorMessage{Type: KindError, Message: message, Redirect: redirect})
}

func encodeMuteStatus(isMuted bool) []byte {
	return mustEncode(muteStatusMessage{Type: KindMuteStatus, IsMuted: isMuted})
}

func mustEncode(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// All outbound message types marshal unconditionally.
		panic(err)
	}
	return data
}
