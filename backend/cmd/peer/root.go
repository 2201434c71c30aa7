package main

import (
	"errors"
	"os"
	"time"

	"github.com/adwski/proximity-chat/backend/config"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const (
	defaultStatusInterval = 5 * time.Second
)

var (
	ErrNoUsername = errors.New("username is required")
)

type options struct {
	configFile     string
	hubURL         string
	username       string
	color          string
	logLevel       string
	stun           []string
	proximity      float64
	speed          float64
	width          float64
	height         float64
	framerate      int
	timeout        time.Duration
	statusInterval time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "peer",
		Short: "Headless proximity chat participant",
		Long: `Joins proximity chat room through the signaling hub, negotiates audio with every
other participant and scales their volume by distance.

Avatar is steered with commands on stdin:
  press left|right|up|down
  release left|right|up|down
  status
  quit`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.resolve(cmd)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, opts.statusInterval, logger, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	opts.bind(cmd)
	return cmd
}

func (o *options) bind(cmd *cobra.Command) {
	defaults := config.DefaultPeer()
	fs := cmd.Flags()
	fs.StringVarP(&o.configFile, "config", "c", "", "YAML config file")
	fs.StringVar(&o.hubURL, "hub-url", defaults.HubURL, "signaling hub websocket url")
	fs.StringVarP(&o.username, "username", "u", "", "display name")
	fs.StringVar(&o.color, "color", "", "avatar color, random if empty")
	fs.StringVarP(&o.logLevel, "log-level", "l", defaults.LogLevel, "log level")
	fs.StringSliceVar(&o.stun, "stun", defaults.STUNServers, "STUN server urls")
	fs.Float64Var(&o.proximity, "proximity", defaults.ProximityFactor, "distance units per percent of volume lost")
	fs.Float64Var(&o.speed, "speed", defaults.Speed, "avatar speed in units per second")
	fs.Float64Var(&o.width, "width", defaults.FieldWidth, "field width")
	fs.Float64Var(&o.height, "height", defaults.FieldHeight, "field height")
	fs.IntVar(&o.framerate, "framerate", defaults.Framerate, "movement and mixing updates per second")
	fs.DurationVar(&o.timeout, "negotiation-timeout", defaults.NegotiationTimeout, "time to establish audio with a peer")
	fs.DurationVar(&o.statusInterval, "status-interval", defaultStatusInterval, "status print interval, 0 disables")
}

// resolve merges configuration sources: defaults, .env and config file, environment, explicit flags.
func (o *options) resolve(cmd *cobra.Command) (*config.Peer, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, err
	}

	var (
		cfg = config.LoadPeer()
		err error
	)
	if o.configFile != "" {
		if cfg, err = config.LoadPeerFile(o.configFile); err != nil {
			return nil, err
		}
	}

	fs := cmd.Flags()
	if fs.Changed("hub-url") {
		cfg.HubURL = o.hubURL
	}
	if fs.Changed("username") {
		cfg.Username = o.username
	}
	if fs.Changed("color") {
		cfg.Color = o.color
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = o.logLevel
	}
	if fs.Changed("stun") {
		cfg.STUNServers = o.stun
	}
	if fs.Changed("proximity") {
		cfg.ProximityFactor = o.proximity
	}
	if fs.Changed("speed") {
		cfg.Speed = o.speed
	}
	if fs.Changed("width") {
		cfg.FieldWidth = o.width
	}
	if fs.Changed("height") {
		cfg.FieldHeight = o.height
	}
	if fs.Changed("framerate") {
		cfg.Framerate = o.framerate
	}
	if fs.Changed("negotiation-timeout") {
		cfg.NegotiationTimeout = o.timeout
	}

	if cfg.Username == "" {
		return nil, ErrNoUsername
	}
	if cfg.Color == "" {
		cfg.Color = config.RandomColor()
	}
	return cfg, nil
}

// newLogger writes human readable logs to terminal and JSON otherwise.
func newLogger(level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Logger{}, err
	}
	var logger zerolog.Logger
	if term.IsTerminal(int(os.Stderr.Fd())) {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.With().Timestamp().Logger().Level(lvl), nil
}
