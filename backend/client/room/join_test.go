package room_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/adwski/proximity-chat/backend/client/movement"
	"github.com/adwski/proximity-chat/backend/client/negotiator"
	"github.com/adwski/proximity-chat/backend/client/room"
	"github.com/adwski/proximity-chat/backend/client/rtc"
	"github.com/adwski/proximity-chat/backend/client/signaling"
	"github.com/adwski/proximity-chat/backend/model"
	wsserver "github.com/adwski/proximity-chat/backend/server/websocket"
	"github.com/adwski/proximity-chat/backend/service"
	"github.com/adwski/proximity-chat/backend/storage/memory"
	sw "github.com/adwski/proximity-chat/backend/switch"
	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func startHub(t *testing.T) (*service.Service, string) {
	t.Helper()
	logger := zerolog.Nop()
	svc := service.NewService(service.Config{
		RosterStore: memory.NewRosterStore(),
		Switch:      sw.NewSwitch(&logger),
		Logger:      &logger,
	})
	srv := wsserver.NewServer(wsserver.Config{
		Logger:           &logger,
		SignalingService: svc,
	})
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)
	return svc, "ws" + strings.TrimPrefix(ts.URL, "http") + "/signal"
}

func startPeer(t *testing.T, url, name string) *room.Room {
	t.Helper()
	logger := zerolog.Nop()

	capture, err := rtc.NewSilenceCapture(name)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	factory, err := rtc.NewFactory(rtc.Config{
		Logger:     &logger,
		LocalTrack: capture.Track(),
		Renderer:   rtc.NewMeter(&logger).Render,
	})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer dialCancel()
	client, err := signaling.Dial(dialCtx, signaling.Config{Logger: &logger, URL: url})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	r := room.New(room.Config{
		Logger:             &logger,
		Identity:           model.Identity{Username: name},
		Signaler:           client,
		Factory:            factory.New,
		NegotiationTimeout: 10 * time.Second,
		ProximityFactor:    5,
		Speed:              100,
		Bounds:             movement.Bounds{Width: 1000, Height: 1000},
		Framerate:          60,
	})

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return capture.Run(gctx) })
	g.Go(func() error { return r.Run(gctx, client.Incoming()) })
	t.Cleanup(func() {
		cancel()
		_ = client.Close()
		_ = g.Wait()
	})
	return r
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func connectedAtFullVolume(r *room.Room) bool {
	peers := r.Peers()
	if len(peers) != 1 {
		return false
	}
	for _, p := range peers {
		return p.State == negotiator.StateConnected && p.Level.Gain == 1
	}
	return false
}

func TestRoom_JoinOrderConnectsBothSides(t *testing.T) {
	svc, url := startHub(t)

	alice := startPeer(t, url, "alice")
	waitFor(t, "alice in roster", func() bool { return len(svc.Roster()) == 1 })

	bob := startPeer(t, url, "bob")
	waitFor(t, "bob in roster", func() bool { return len(svc.Roster()) == 2 })

	waitFor(t, "both sides connected", func() bool {
		return connectedAtFullVolume(alice) && connectedAtFullVolume(bob)
	})

	ap, bp := alice.Peers(), bob.Peers()
	if ap[bob.LocalID()].Username != "bob" || bp[alice.LocalID()].Username != "alice" {
		t.Fatalf("unexpected projections alice=%s bob=%s", spew.Sdump(ap), spew.Sdump(bp))
	}
}
