package model

import (
	"encoding/json"
)

type SignalKind string

const (
	SignalKindOffer     SignalKind = "offer"
	SignalKindAnswer    SignalKind = "answer"
	SignalKindCandidate SignalKind = "candidate"
)

// SessionDescription mirrors the browser RTCSessionDescriptionInit.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate mirrors the browser RTCIceCandidateInit.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// SignalPayload is a tagged variant: Description is set for offers and answers,
// Candidate is set for candidates. Any other Kind is unknown to this version.
type SignalPayload struct {
	Kind        SignalKind          `json:"type"`
	Description *SessionDescription `json:"description,omitempty"`
	Candidate   *ICECandidate       `json:"candidate,omitempty"`
}

func OfferPayload(desc SessionDescription) SignalPayload {
	return SignalPayload{Kind: SignalKindOffer, Description: &desc}
}

func AnswerPayload(desc SessionDescription) SignalPayload {
	return SignalPayload{Kind: SignalKindAnswer, Description: &desc}
}

func CandidatePayload(c ICECandidate) SignalPayload {
	return SignalPayload{Kind: SignalKindCandidate, Candidate: &c}
}

func ParseSignalPayload(raw json.RawMessage) (SignalPayload, error) {
	var p SignalPayload
	err := json.Unmarshal(raw, &p)
	return p, err
}
