package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/adwski/proximity-chat/backend/client/movement"
	"github.com/adwski/proximity-chat/backend/client/room"
	"github.com/adwski/proximity-chat/backend/client/rtc"
	"github.com/adwski/proximity-chat/backend/client/signaling"
	"github.com/adwski/proximity-chat/backend/client/status"
	"github.com/adwski/proximity-chat/backend/config"
	"github.com/adwski/proximity-chat/backend/model"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
)

func run(
	ctx context.Context,
	cfg *config.Peer,
	statusInterval time.Duration,
	logger zerolog.Logger,
	in io.Reader,
	out io.Writer,
) error {
	identity := model.Identity{Username: cfg.Username, Color: cfg.Color}

	capture, err := rtc.NewSilenceCapture(cfg.Username)
	if err != nil {
		return err
	}
	meter := rtc.NewMeter(&logger)
	factory, err := rtc.NewFactory(rtc.Config{
		Logger:     &logger,
		ICEServers: cfg.STUNServers,
		LocalTrack: capture.Track(),
		Renderer:   meter.Render,
	})
	if err != nil {
		return err
	}

	client, err := signaling.Dial(ctx, signaling.Config{
		Logger: &logger,
		URL:    cfg.HubURL,
	})
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := client.Close(); closeErr != nil {
			logger.Debug().Err(closeErr).Msg("hub connection close error")
		}
	}()

	r := room.New(room.Config{
		Logger:             &logger,
		Identity:           identity,
		Signaler:           client,
		Factory:            factory.New,
		NegotiationTimeout: cfg.NegotiationTimeout,
		ProximityFactor:    cfg.ProximityFactor,
		Speed:              cfg.Speed,
		Bounds:             movement.Bounds{Width: cfg.FieldWidth, Height: cfg.FieldHeight},
		Framerate:          cfg.Framerate,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	printStatus := func() {
		local := model.PeerRecord{ID: r.LocalID(), Identity: identity, Movement: r.Local()}
		_, _ = fmt.Fprintln(out, status.View(local, r.Peers()))

		var packets uint64
		readings := meter.Readings()
		for _, rd := range readings {
			packets += rd.Packets
		}
		_, _ = fmt.Fprintf(out, "received %d audio packets from %d peers\n", packets, len(readings))
	}

	// stdin reads can not be interrupted, so reader is not part of the group
	go func() {
		if cmdErr := readCommands(in, out, r, printStatus); cmdErr != nil {
			logger.Error().Err(cmdErr).Msg("command input failed")
		}
		cancel()
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return capture.Run(gctx)
	})
	g.Go(func() error {
		return r.Run(gctx, client.Incoming())
	})
	if statusInterval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(statusInterval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					printStatus()
				}
			}
		})
	}

	logger.Info().
		Str("hub", cfg.HubURL).
		Str("username", cfg.Username).
		Msg("peer started")
	return g.Wait()
}

// Steering is what stdin commands act upon.
type Steering interface {
	Press(movement.Direction)
	Release(movement.Direction)
}

// readCommands applies stdin commands until input ends or quit is received.
func readCommands(in io.Reader, out io.Writer, s Steering, printStatus func()) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		quit, err := applyCommand(line, s, printStatus)
		if err != nil {
			_, _ = fmt.Fprintln(out, err)
			continue
		}
		if quit {
			return nil
		}
	}
	return scanner.Err()
}

func applyCommand(line string, s Steering, printStatus func()) (bool, error) {
	fields := strings.Fields(strings.ToLower(line))
	switch {
	case len(fields) == 1 && fields[0] == "status":
		printStatus()
		return false, nil
	case len(fields) == 1 && fields[0] == "quit":
		return true, nil
	case len(fields) == 2 && (fields[0] == "press" || fields[0] == "release"):
		d, err := movement.ParseDirection(fields[1])
		if err != nil {
			return false, fmt.Errorf("%w: %q", err, fields[1])
		}
		if fields[0] == "press" {
			s.Press(d)
		} else {
			s.Release(d)
		}
		return false, nil
	}
	return false, fmt.Errorf("%w: %q", ErrUnknownCommand, line)
}
