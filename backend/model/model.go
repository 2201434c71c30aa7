package model

import (
	"encoding/json"
)

type PeerID string

// Identity is self-declared by a peer before it joins and never changes afterwards.
type Identity struct {
	Username string `json:"username"`
	Color    string `json:"color"`
}

type Vec2 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Movement is the replicated part of a peer record.
// Velocity components are -1, 0 or 1.
type Movement struct {
	Position Vec2 `json:"position"`
	Velocity Vec2 `json:"velocity"`
}

type PeerRecord struct {
	ID PeerID `json:"id"`
	Identity
	Movement Movement `json:"movement"`
}

type Roster map[PeerID]PeerRecord

// Announcement types.
const (
	AnnouncementTypeWelcome          = "welcome"
	AnnouncementTypeReady            = "ready"
	AnnouncementTypeRosterSnapshot   = "rosterSnapshot"
	AnnouncementTypeMovementChange   = "movementChange"
	AnnouncementTypeSignal           = "signal"
	AnnouncementTypePeerDisconnected = "peerDisconnected"
)

type Announcement struct {
	DST     PeerID          `json:"dst,omitempty"`
	SRC     PeerID          `json:"src,omitempty"` // for inbound messages server re-assigns this based on websocket session
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewAnnouncement marshals payload into a new announcement of the given type.
func NewAnnouncement(typ string, payload any) (Announcement, error) {
	ann := Announcement{Type: typ}
	if payload == nil {
		return ann, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return ann, err
	}
	ann.Payload = b
	return ann, nil
}

// Decode unmarshals announcement payload into v.
func (ann Announcement) Decode(v any) error {
	return json.Unmarshal(ann.Payload, v)
}

type Welcome struct {
	ID PeerID `json:"id"`
}

type PeerMovement struct {
	ID       PeerID   `json:"id"`
	Movement Movement `json:"movement"`
}

type PeerDisconnected struct {
	ID PeerID `json:"id"`
}

// OutboundSignal is sent by a client to the hub.
type OutboundSignal struct {
	Target  PeerID          `json:"target"`
	Payload json.RawMessage `json:"payload"`
}

// InboundSignal is delivered by the hub to the signal target.
type InboundSignal struct {
	Sender  PeerRecord      `json:"sender"`
	Payload json.RawMessage `json:"payload"`
}

type Wire struct {
	RX chan Announcement
	TX chan Announcement
}

const defaultWireTXBuffer = 64

func NewWire() Wire {
	return Wire{
		RX: make(chan Announcement),
		TX: make(chan Announcement, defaultWireTXBuffer),
	}
}
