// Package config holds the station configuration: which link to use, the
// tunnel tuning and the client and server mode settings. It is read from a
// TOML file and may be overridden by CLI flags.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/1ureka/dmrtunnel/internal/protocol"
	"github.com/1ureka/dmrtunnel/internal/tunnel"
)

// LinkType selects the link backend.
type LinkType string

const (
	LinkUDP       LinkType = "udp"
	LinkWebSocket LinkType = "websocket"
	LinkWebRTC    LinkType = "webrtc"
	LinkRF95      LinkType = "rf95"
	LinkKISS      LinkType = "kiss"
)

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("invalid configuration")

// Duration is a time.Duration written as a Go duration string ("100ms").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config is the complete station configuration.
type Config struct {
	Link    LinkConfig    `toml:"link"`
	Tunnel  TunnelConfig  `toml:"tunnel"`
	Client  ClientConfig  `toml:"client"`
	Server  ServerConfig  `toml:"server"`
	Logging LoggingConfig `toml:"logging"`
	Status  StatusConfig  `toml:"status"`
}

// LinkConfig describes the radio link. Which fields matter depends on Type.
type LinkConfig struct {
	Type LinkType `toml:"type"`

	// udp: the radio's data port as seen from this host.
	Local        string `toml:"local"`
	Peer         string `toml:"peer"`
	PeerRadioID  uint32 `toml:"peer-radio-id"` // DMR id of the far radio; overrides Peer
	SubnetPrefix int    `toml:"subnet-prefix"` // first octet of radio IPs, from the codeplug
	RadioPort    int    `toml:"radio-port"`

	// websocket and webrtc: listen on Listen or connect to URL.
	Listen     string   `toml:"listen"`
	URL        string   `toml:"url"` // may carry ?pin=
	PIN        string   `toml:"pin"` // required from peers when listening
	ICEServers []string `toml:"ice-servers"`

	// rf95 and kiss: serial modem.
	Device    string  `toml:"device"`
	Baud      int     `toml:"baud"`
	Frequency float64 `toml:"frequency"` // MHz, rf95 only

	MTU int `toml:"mtu"`
}

type TunnelConfig struct {
	MaxPayload    int      `toml:"max-payload"` // datagram size including the header
	RateInterval  Duration `toml:"rate-interval"`
	Window        int      `toml:"window"`
	PacketTimeout Duration `toml:"packet-timeout"`
	MaxRetries    int      `toml:"max-retries"`
	Acknowledge   bool     `toml:"acknowledge"`
	IdleTimeout   Duration `toml:"idle-timeout"`
}

type ClientConfig struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
}

type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Destination string   `toml:"destination"`
	DialTimeout Duration `toml:"dial-timeout"`
}

type LoggingConfig struct {
	Level         string   `toml:"level"`
	StatsInterval Duration `toml:"stats-interval"`
}

type StatusConfig struct {
	Listen string `toml:"listen"` // empty disables the status endpoint
}

// Default returns the configuration of a station that is both client and
// server on a DMR radio at 127.0.0.1:3007.
func Default() *Config {
	return &Config{
		Link: LinkConfig{
			Type:         LinkUDP,
			Local:        "0.0.0.0:3007",
			Peer:         "127.0.0.1:3007",
			SubnetPrefix: 10,
			RadioPort:    3007,
			Baud:         9600,
		},
		Tunnel: TunnelConfig{
			MaxPayload:    tunnel.DefaultMaxDatagram,
			RateInterval:  Duration{tunnel.DefaultRateInterval},
			Window:        tunnel.DefaultWindowSize,
			PacketTimeout: Duration{tunnel.DefaultPacketTimeout},
			MaxRetries:    tunnel.DefaultMaxRetries,
			Acknowledge:   true,
		},
		Client: ClientConfig{
			Enabled: true,
			Listen:  "0.0.0.0:8000",
		},
		Server: ServerConfig{
			Enabled:     true,
			Destination: "127.0.0.1:80",
			DialTimeout: Duration{tunnel.DefaultDialTimeout},
		},
		Logging: LoggingConfig{
			Level:         "info",
			StatsInterval: Duration{10 * time.Second},
		},
	}
}

// Load reads path on top of the defaults. Keys missing from the file keep
// their default values; unknown keys are an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("%w: unknown keys in %s: %s", ErrInvalid, path, strings.Join(keys, ", "))
	}
	return cfg, nil
}

// Validate checks the configuration for values the tunnel cannot run with.
func (c *Config) Validate() error {
	t := c.Tunnel
	switch {
	case t.Window < 1 || t.Window > tunnel.MaxWindowSize:
		return fmt.Errorf("%w: tunnel.window must be 1..%d", ErrInvalid, tunnel.MaxWindowSize)
	case t.MaxRetries < 0:
		return fmt.Errorf("%w: tunnel.max-retries must not be negative", ErrInvalid)
	case t.PacketTimeout.Duration <= 0:
		return fmt.Errorf("%w: tunnel.packet-timeout must be positive", ErrInvalid)
	case t.RateInterval.Duration < 0:
		return fmt.Errorf("%w: tunnel.rate-interval must not be negative", ErrInvalid)
	case t.IdleTimeout.Duration < 0:
		return fmt.Errorf("%w: tunnel.idle-timeout must not be negative", ErrInvalid)
	case t.MaxPayload <= protocol.HeaderSize:
		return fmt.Errorf("%w: tunnel.max-payload must exceed the %d byte header", ErrInvalid, protocol.HeaderSize)
	}

	if !c.Client.Enabled && !c.Server.Enabled {
		return fmt.Errorf("%w: neither client nor server mode is enabled", ErrInvalid)
	}
	if c.Client.Enabled && c.Client.Listen == "" {
		return fmt.Errorf("%w: client.listen is empty", ErrInvalid)
	}
	if c.Server.Enabled && c.Server.Destination == "" {
		return fmt.Errorf("%w: server.destination is empty", ErrInvalid)
	}

	l := c.Link
	switch l.Type {
	case LinkUDP:
		if l.Local == "" || (l.Peer == "" && l.PeerRadioID == 0) {
			return fmt.Errorf("%w: udp link needs link.local and link.peer or link.peer-radio-id", ErrInvalid)
		}
		if l.PeerRadioID != 0 && (l.SubnetPrefix < 1 || l.SubnetPrefix > 255) {
			return fmt.Errorf("%w: link.subnet-prefix must be 1..255", ErrInvalid)
		}
	case LinkWebSocket, LinkWebRTC:
		if (l.Listen == "") == (l.URL == "") {
			return fmt.Errorf("%w: %s link needs exactly one of link.listen and link.url", ErrInvalid, l.Type)
		}
	case LinkRF95:
		if l.Device == "" {
			return fmt.Errorf("%w: rf95 link needs link.device", ErrInvalid)
		}
	case LinkKISS:
		if l.Device == "" || l.Baud <= 0 {
			return fmt.Errorf("%w: kiss link needs link.device and link.baud", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown link type %q", ErrInvalid, l.Type)
	}

	return nil
}

// RadioIP derives the IP address of a DMR radio from its radio id: the
// codeplug subnet prefix followed by the three low bytes of the id.
func RadioIP(prefix int, radioID uint32) net.IP {
	return net.IPv4(byte(prefix), byte(radioID>>16), byte(radioID>>8), byte(radioID))
}

// PeerAddr returns the UDP address of the far radio, derived from its DMR id
// when one is configured.
func (l *LinkConfig) PeerAddr() string {
	if l.PeerRadioID == 0 {
		return l.Peer
	}
	return net.JoinHostPort(RadioIP(l.SubnetPrefix, l.PeerRadioID).String(), strconv.Itoa(l.RadioPort))
}

// TunnelOptions converts the configuration into engine options.
func (c *Config) TunnelOptions() tunnel.Options {
	opts := tunnel.DefaultOptions()
	opts.WindowSize = c.Tunnel.Window
	opts.PacketTimeout = c.Tunnel.PacketTimeout.Duration
	opts.MaxRetries = c.Tunnel.MaxRetries
	opts.RateInterval = c.Tunnel.RateInterval.Duration
	opts.MaxDatagram = c.Tunnel.MaxPayload
	opts.Acknowledge = c.Tunnel.Acknowledge
	opts.IdleTimeout = c.Tunnel.IdleTimeout.Duration
	opts.ServerMode = c.Server.Enabled
	opts.Destination = c.Server.Destination
	if c.Server.DialTimeout.Duration > 0 {
		opts.DialTimeout = c.Server.DialTimeout.Duration
	}
	return opts
}
