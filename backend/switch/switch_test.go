package _switch

import (
	"context"
	"errors"
	"testing"

	"github.com/adwski/proximity-chat/backend/model"
	"github.com/rs/zerolog"
)

func newTestSwitch() *Switch {
	logger := zerolog.Nop()
	return NewSwitch(&logger)
}

func drain(tx chan model.Announcement) []model.Announcement {
	var out []model.Announcement
	for {
		select {
		case ann := <-tx:
			out = append(out, ann)
		default:
			return out
		}
	}
}

func TestSwitch_ConnectTwice(t *testing.T) {
	sw := newTestSwitch()
	if err := sw.Connect("a", model.NewWire()); err != nil {
		t.Fatal(err)
	}
	if err := sw.Connect("a", model.NewWire()); !errors.Is(err, ErrEndpointExists) {
		t.Errorf("expected ErrEndpointExists, got %v", err)
	}
}

func TestSwitch_Forward(t *testing.T) {
	sw := newTestSwitch()
	a, b := model.NewWire(), model.NewWire()
	_ = sw.Connect("a", a)
	_ = sw.Connect("b", b)

	ok := sw.Forward(context.Background(), model.Announcement{SRC: "a", DST: "b", Type: model.AnnouncementTypeSignal})
	if !ok {
		t.Fatal("expected announce to be forwarded")
	}
	if got := drain(b.TX); len(got) != 1 || got[0].SRC != "a" {
		t.Errorf("unexpected delivery to b: %+v", got)
	}
	if got := drain(a.TX); len(got) != 0 {
		t.Errorf("sender must not receive its own announce: %+v", got)
	}
}

func TestSwitch_ForwardMissingTargetIsDropped(t *testing.T) {
	sw := newTestSwitch()
	a := model.NewWire()
	_ = sw.Connect("a", a)

	if sw.Forward(context.Background(), model.Announcement{SRC: "a", DST: "gone", Type: model.AnnouncementTypeSignal}) {
		t.Error("forward to missing endpoint must report not sent")
	}
	if sw.Forward(context.Background(), model.Announcement{SRC: "a", Type: model.AnnouncementTypeSignal}) {
		t.Error("forward without dst must report not sent")
	}
}

func TestSwitch_BroadcastExcludesSource(t *testing.T) {
	sw := newTestSwitch()
	wires := map[model.PeerID]model.Wire{
		"a": model.NewWire(),
		"b": model.NewWire(),
		"c": model.NewWire(),
	}
	for id, w := range wires {
		_ = sw.Connect(id, w)
	}

	if !sw.Broadcast(context.Background(), model.Announcement{SRC: "a", DST: "b", Type: model.AnnouncementTypeMovementChange}) {
		t.Fatal("expected broadcast to reach someone")
	}
	if got := drain(wires["a"].TX); len(got) != 0 {
		t.Errorf("source received its own broadcast: %+v", got)
	}
	for _, id := range []model.PeerID{"b", "c"} {
		got := drain(wires[id].TX)
		if len(got) != 1 {
			t.Fatalf("%s: expected one announce, got %d", id, len(got))
		}
		if got[0].DST != id {
			t.Errorf("%s: expected dst to be rewritten, got %q", id, got[0].DST)
		}
	}
}

func TestSwitch_Disconnect(t *testing.T) {
	sw := newTestSwitch()
	a := model.NewWire()
	_ = sw.Connect("a", a)
	if !sw.Has("a") {
		t.Fatal("connected endpoint is not reported")
	}

	if !sw.Disconnect("a") {
		t.Error("expected first disconnect to report presence")
	}
	if sw.Disconnect("a") {
		t.Error("expected second disconnect to be a no-op")
	}
	if sw.Has("a") {
		t.Error("disconnected endpoint is still reported")
	}
	if sw.Connected() != 0 {
		t.Errorf("expected no endpoints, got %d", sw.Connected())
	}
}
