package room

import (
	"encoding/json"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/adwski/proximity-chat/backend/client/movement"
	"github.com/adwski/proximity-chat/backend/client/negotiator"
	"github.com/adwski/proximity-chat/backend/model"
	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
)

type sentSignal struct {
	target  model.PeerID
	payload model.SignalPayload
}

type fakeSignaler struct {
	mx        sync.Mutex
	ready     []model.Identity
	movements []model.Movement
	signals   []sentSignal
}

func (f *fakeSignaler) Ready(identity model.Identity) error {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.ready = append(f.ready, identity)
	return nil
}

func (f *fakeSignaler) SendMovement(m model.Movement) error {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.movements = append(f.movements, m)
	return nil
}

func (f *fakeSignaler) SendSignal(target model.PeerID, payload model.SignalPayload) error {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.signals = append(f.signals, sentSignal{target: target, payload: payload})
	return nil
}

func (f *fakeSignaler) signalsTo(target model.PeerID) []model.SignalKind {
	f.mx.Lock()
	defer f.mx.Unlock()
	var kinds []model.SignalKind
	for _, s := range f.signals {
		if s.target == target {
			kinds = append(kinds, s.payload.Kind)
		}
	}
	return kinds
}

type fakeConn struct {
	events negotiator.Events
	closed bool
}

func (c *fakeConn) CreateOffer() (model.SessionDescription, error) {
	return model.SessionDescription{Type: "offer", SDP: "offer-sdp"}, nil
}

func (c *fakeConn) CreateAnswer() (model.SessionDescription, error) {
	return model.SessionDescription{Type: "answer", SDP: "answer-sdp"}, nil
}

func (c *fakeConn) SetLocalDescription(model.SessionDescription) error  { return nil }
func (c *fakeConn) SetRemoteDescription(model.SessionDescription) error { return nil }
func (c *fakeConn) AddICECandidate(model.ICECandidate) error            { return nil }

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

type fakeFactory struct {
	mx    sync.Mutex
	conns map[model.PeerID][]*fakeConn
}

func (f *fakeFactory) New(id model.PeerID, events negotiator.Events) (negotiator.PeerConnection, error) {
	f.mx.Lock()
	defer f.mx.Unlock()
	c := &fakeConn{events: events}
	f.conns[id] = append(f.conns[id], c)
	return c, nil
}

func (f *fakeFactory) last(id model.PeerID) *fakeConn {
	f.mx.Lock()
	defer f.mx.Unlock()
	conns := f.conns[id]
	if len(conns) == 0 {
		return nil
	}
	return conns[len(conns)-1]
}

type fakeSink struct {
	mx   sync.Mutex
	gain float64
}

func (s *fakeSink) SetGain(g float64) {
	s.mx.Lock()
	s.gain = g
	s.mx.Unlock()
}

func (s *fakeSink) Gain() float64 {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.gain
}

func (s *fakeSink) Close() error { return nil }

type harness struct {
	room     *Room
	signaler *fakeSignaler
	factory  *fakeFactory
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zerolog.Nop()
	h := &harness{
		signaler: &fakeSignaler{},
		factory:  &fakeFactory{conns: make(map[model.PeerID][]*fakeConn)},
	}
	h.room = New(Config{
		Logger:             &logger,
		Identity:           model.Identity{Username: "me", Color: "hsl(1,60%,65%)"},
		Signaler:           h.signaler,
		Factory:            h.factory.New,
		NegotiationTimeout: time.Minute,
		ProximityFactor:    5,
		Speed:              100,
		Bounds:             movement.Bounds{Width: 1000, Height: 1000},
		Framerate:          60,
	})
	t.Cleanup(h.room.Close)
	return h
}

func announce(t *testing.T, typ string, payload any) model.Announcement {
	t.Helper()
	ann, err := model.NewAnnouncement(typ, payload)
	if err != nil {
		t.Fatalf("encode %s: %v", typ, err)
	}
	return ann
}

func (h *harness) handle(t *testing.T, typ string, payload any) {
	t.Helper()
	if err := h.room.Handle(announce(t, typ, payload)); err != nil {
		t.Fatalf("handle %s: %v", typ, err)
	}
}

func (h *harness) join(t *testing.T, id model.PeerID, roster model.Roster) {
	t.Helper()
	h.handle(t, model.AnnouncementTypeWelcome, model.Welcome{ID: id})
	h.handle(t, model.AnnouncementTypeRosterSnapshot, roster)
}

func signalFrom(t *testing.T, sender model.PeerRecord, payload model.SignalPayload) model.InboundSignal {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	return model.InboundSignal{Sender: sender, Payload: raw}
}

func record(id model.PeerID, name string, x, y float64) model.PeerRecord {
	return model.PeerRecord{
		ID:       id,
		Identity: model.Identity{Username: name},
		Movement: model.Movement{Position: model.Vec2{X: x, Y: y}},
	}
}

func TestRoom_WelcomeSendsReady(t *testing.T) {
	h := newHarness(t)
	h.handle(t, model.AnnouncementTypeWelcome, model.Welcome{ID: "p-me"})

	if h.room.LocalID() != "p-me" {
		t.Fatalf("unexpected local id %q", h.room.LocalID())
	}
	if len(h.signaler.ready) != 1 || h.signaler.ready[0].Username != "me" {
		t.Fatalf("expected single ready with identity, got %s", spew.Sdump(h.signaler.ready))
	}
}

func TestRoom_SnapshotInitiatesWithEveryPeer(t *testing.T) {
	h := newHarness(t)
	h.join(t, "p-me", model.Roster{
		"p-a": record("p-a", "a", 10, 10),
		"p-b": record("p-b", "b", 20, 20),
	})

	peers := h.room.Peers()
	if len(peers) != 2 {
		t.Fatalf("expected 2 peers, got %s", spew.Sdump(peers))
	}
	for _, id := range []model.PeerID{"p-a", "p-b"} {
		kinds := h.signaler.signalsTo(id)
		if len(kinds) != 1 || kinds[0] != model.SignalKindOffer {
			t.Fatalf("expected single offer to %s, got %v", id, kinds)
		}
		if peers[id].State != negotiator.StateOfferSent {
			t.Fatalf("peer %s in state %s", id, peers[id].State)
		}
	}
}

func TestRoom_SignalCreatesSessionLazily(t *testing.T) {
	h := newHarness(t)
	h.join(t, "p-me", model.Roster{})

	newcomer := record("p-new", "newcomer", 5, 5)
	offer := model.OfferPayload(model.SessionDescription{Type: "offer", SDP: "remote"})
	h.handle(t, model.AnnouncementTypeSignal, signalFrom(t, newcomer, offer))

	kinds := h.signaler.signalsTo("p-new")
	if len(kinds) != 1 || kinds[0] != model.SignalKindAnswer {
		t.Fatalf("expected answer to newcomer, got %v", kinds)
	}
	p, ok := h.room.Peers()["p-new"]
	if !ok || p.Username != "newcomer" || p.State != negotiator.StateAnswered {
		t.Fatalf("unexpected projection %s", spew.Sdump(h.room.Peers()))
	}
}

func TestRoom_ConnectedPeerIsMixed(t *testing.T) {
	h := newHarness(t)
	h.join(t, "p-me", model.Roster{"p-a": record("p-a", "a", 100, 0)})

	answer := model.AnswerPayload(model.SessionDescription{Type: "answer", SDP: "remote"})
	h.handle(t, model.AnnouncementTypeSignal, signalFrom(t, record("p-a", "a", 100, 0), answer))

	sink := &fakeSink{}
	h.factory.last("p-a").events.OnTrack(sink)
	if st := h.room.Peers()["p-a"].State; st != negotiator.StateConnected {
		t.Fatalf("expected connected, got %s", st)
	}

	h.room.Tick(time.Millisecond)
	// distance 100 with factor 5 gives 80% volume
	if g := sink.Gain(); math.Abs(g-0.8) > 1e-9 {
		t.Fatalf("unexpected gain %v", g)
	}
	if lvl := h.room.Peers()["p-a"].Level; math.Abs(lvl.LineOpacity-0.8) > 1e-9 {
		t.Fatalf("unexpected level %+v", lvl)
	}

	// remote moves away, gain goes down on the next frames
	h.handle(t, model.AnnouncementTypeMovementChange, model.PeerMovement{
		ID: "p-a",
		Movement: model.Movement{
			Position: model.Vec2{X: 100, Y: 0},
			Velocity: model.Vec2{X: 1},
		},
	})
	h.room.Tick(time.Second)
	if g := sink.Gain(); g >= 0.8 {
		t.Fatalf("gain must decrease as peer moves away, got %v", g)
	}
}

func TestRoom_LocalMovementIsPublished(t *testing.T) {
	h := newHarness(t)
	h.join(t, "p-me", model.Roster{})

	h.room.Press(movement.Right)
	h.room.Tick(time.Second)
	h.room.Release(movement.Right)

	if len(h.signaler.movements) != 2 {
		t.Fatalf("expected publish on press and release, got %s", spew.Sdump(h.signaler.movements))
	}
	if x := h.room.Local().Position.X; math.Abs(x-100) > 1e-9 {
		t.Fatalf("expected to move by speed*dt, got %v", x)
	}
}

func TestRoom_MovementOfUnknownPeerIgnored(t *testing.T) {
	h := newHarness(t)
	h.join(t, "p-me", model.Roster{})

	h.handle(t, model.AnnouncementTypeMovementChange, model.PeerMovement{
		ID:       "p-ghost",
		Movement: model.Movement{Position: model.Vec2{X: 1, Y: 1}},
	})
	if len(h.room.Peers()) != 0 {
		t.Fatalf("unknown peer must not appear, got %s", spew.Sdump(h.room.Peers()))
	}
}

func TestRoom_PeerDisconnected(t *testing.T) {
	h := newHarness(t)
	h.join(t, "p-me", model.Roster{"p-a": record("p-a", "a", 1, 1)})
	conn := h.factory.last("p-a")

	h.handle(t, model.AnnouncementTypePeerDisconnected, model.PeerDisconnected{ID: "p-a"})
	if !conn.closed {
		t.Fatal("connection must be closed on disconnect")
	}
	if len(h.room.Peers()) != 0 {
		t.Fatalf("peer must be removed, got %s", spew.Sdump(h.room.Peers()))
	}

	// late signal of departed peer
	offer := model.OfferPayload(model.SessionDescription{Type: "offer", SDP: "late"})
	h.handle(t, model.AnnouncementTypeSignal, signalFrom(t, record("p-a", "a", 1, 1), offer))
	if len(h.room.Peers()) != 0 || h.factory.last("p-a") != conn {
		t.Fatal("late signal must not revive departed peer")
	}

	// unknown ids are no-op
	h.handle(t, model.AnnouncementTypePeerDisconnected, model.PeerDisconnected{ID: "p-ghost"})
}

func TestRoom_FailedSessionIsReplaced(t *testing.T) {
	h := newHarness(t)
	h.join(t, "p-me", model.Roster{"p-a": record("p-a", "a", 1, 1)})
	first := h.factory.last("p-a")

	first.events.OnFailed(negotiator.ErrConnection)
	if !first.closed {
		t.Fatal("failed connection must be closed")
	}

	offer := model.OfferPayload(model.SessionDescription{Type: "offer", SDP: "retry"})
	h.handle(t, model.AnnouncementTypeSignal, signalFrom(t, record("p-a", "a", 1, 1), offer))
	if h.factory.last("p-a") == first {
		t.Fatal("new signal after failure must start a fresh negotiation")
	}
	if st := h.room.Peers()["p-a"].State; st != negotiator.StateAnswered {
		t.Fatalf("expected answered, got %s", st)
	}
}

func TestRoom_UnknownAnnouncementIgnored(t *testing.T) {
	h := newHarness(t)
	if err := h.room.Handle(model.Announcement{Type: "somethingNew"}); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestRoom_StaleConnectedSessionIsNotMixed(t *testing.T) {
	h := newHarness(t)
	h.join(t, "p-me", model.Roster{"p-a": record("p-a", "a", 1, 1)})

	h.room.mx.Lock()
	stale := h.room.sessions["p-a"]
	h.room.mx.Unlock()

	// teardown wins the race against the connected callback
	h.handle(t, model.AnnouncementTypePeerDisconnected, model.PeerDisconnected{ID: "p-a"})
	h.room.sessionConnected("p-a", &stale, &fakeSink{})

	if h.room.mixer.Attached("p-a") {
		t.Fatal("sink of departed peer must not be attached")
	}
}

func TestRoom_CurrentConnectedSessionIsMixed(t *testing.T) {
	h := newHarness(t)
	h.join(t, "p-me", model.Roster{"p-a": record("p-a", "a", 1, 1)})

	h.room.mx.Lock()
	current := h.room.sessions["p-a"]
	h.room.mx.Unlock()

	h.room.sessionConnected("p-a", &current, &fakeSink{})
	if !h.room.mixer.Attached("p-a") {
		t.Fatal("sink of current session must be attached")
	}
}
