package config

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var ErrConfigFile = errors.New("unable to load config file")

// Hub holds signaling hub configuration.
type Hub struct {
	APIListenAddr  string
	WSListenAddr   string
	LogLevel       string
	AllowedOrigins []string
	RateLimit      float64
	RateBurst      int
	MaxMessageSize int64
}

// Peer holds participant configuration.
type Peer struct {
	HubURL             string        `yaml:"hub_url"`
	Username           string        `yaml:"username"`
	Color              string        `yaml:"color"`
	LogLevel           string        `yaml:"log_level"`
	STUNServers        []string      `yaml:"stun_servers"`
	ProximityFactor    float64       `yaml:"proximity_factor"`
	Speed              float64       `yaml:"speed"`
	FieldWidth         float64       `yaml:"field_width"`
	FieldHeight        float64       `yaml:"field_height"`
	Framerate          int           `yaml:"framerate"`
	NegotiationTimeout time.Duration `yaml:"negotiation_timeout"`
}

func DefaultHub() *Hub {
	return &Hub{
		APIListenAddr:  ":8080",
		WSListenAddr:   ":8888",
		LogLevel:       "debug",
		RateLimit:      50,
		RateBurst:      100,
		MaxMessageSize: 16384,
	}
}

func DefaultPeer() *Peer {
	return &Peer{
		HubURL:             "ws://localhost:8888/signal",
		Color:              RandomColor(),
		LogLevel:           "info",
		STUNServers:        []string{"stun:stun.l.google.com:19302"},
		ProximityFactor:    5,
		Speed:              150,
		FieldWidth:         1280,
		FieldHeight:        720,
		Framerate:          60,
		NegotiationTimeout: 30 * time.Second,
	}
}

// RandomColor returns avatar color in the same form the login page produced.
func RandomColor() string {
	return fmt.Sprintf("hsl(%d,60%%,65%%)", rand.IntN(360))
}

// LoadDotEnv loads .env file into process environment. Missing file is not an error.
func LoadDotEnv(filenames ...string) error {
	err := godotenv.Load(filenames...)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// LoadHub returns hub configuration with environment overrides applied.
func LoadHub() *Hub {
	cfg := DefaultHub()

	setString(&cfg.APIListenAddr, "HUB_API_ADDR")
	setString(&cfg.WSListenAddr, "HUB_WS_ADDR")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setList(&cfg.AllowedOrigins, "ALLOWED_ORIGINS")
	setFloat(&cfg.RateLimit, "HUB_RATE_LIMIT")
	setInt(&cfg.RateBurst, "HUB_RATE_BURST")

	if v := os.Getenv("HUB_MAX_MESSAGE_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.MaxMessageSize = n
		}
	}
	return cfg
}

// LoadPeer returns peer configuration with environment overrides applied.
func LoadPeer() *Peer {
	cfg := DefaultPeer()
	cfg.applyEnv()
	return cfg
}

// LoadPeerFile reads YAML config file on top of defaults, environment still takes precedence.
func LoadPeerFile(path string) (*Peer, error) {
	cfg := DefaultPeer()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Join(ErrConfigFile, err)
	}
	if err = yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Join(ErrConfigFile, err)
	}
	cfg.applyEnv()
	return cfg, nil
}

func (cfg *Peer) applyEnv() {
	setString(&cfg.HubURL, "HUB_URL")
	setString(&cfg.Username, "PEER_USERNAME")
	setString(&cfg.Color, "PEER_COLOR")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setList(&cfg.STUNServers, "STUN_SERVERS")
	setFloat(&cfg.ProximityFactor, "PROXIMITY_FACTOR")
	setFloat(&cfg.Speed, "MOVE_SPEED")
	setFloat(&cfg.FieldWidth, "FIELD_WIDTH")
	setFloat(&cfg.FieldHeight, "FIELD_HEIGHT")
	setInt(&cfg.Framerate, "FRAMERATE")

	if v := os.Getenv("NEGOTIATION_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.NegotiationTimeout = d
		}
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			*dst = f
		}
	}
}

func setList(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = ParseList(v)
	}
}

// ParseList splits comma-separated values dropping empty items.
func ParseList(s string) []string {
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
