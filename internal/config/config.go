// Package config holds the process-wide Config surface (spec.md §6) plus
// functional options for constructing one, in the style of
// actorutil.ActorConfig.
package config

import (
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/stagecraft/stagert/internal/stage"
)

// ServerType distinguishes a play-facing node from an API-facing one
// (spec.md §6); both run the same Dispatcher/Stage core. No transport
// consults it: an API node accepts client sessions on whichever client
// transports it enables, exactly as a play node does.
type ServerType uint8

const (
	ServerTypePlay ServerType = iota
	ServerTypeAPI
)

func (t ServerType) String() string {
	switch t {
	case ServerTypePlay:
		return "play"
	case ServerTypeAPI:
		return "api"
	default:
		return "unknown"
	}
}

// Defaults mirrored from spec.md §6's table.
const (
	DefaultRequestTimeout  = 5 * time.Second
	DefaultMinTaskPoolSize = 2
	DefaultMaxTaskPoolSize = 64
	DefaultMaxPacketSize   = 2 << 20 // 2 MiB
	DefaultHeartbeatTimeout = 30 * time.Second
)

// Config is the concrete, process-wide configuration surface every
// stagert node builds at startup (spec.md §6).
type Config struct {
	// ServerType selects play vs api node behavior.
	ServerType ServerType

	// ServiceID identifies this node's service group. No package reads
	// it: sender.SendToService resolves group members through a
	// sender.ServiceRegistry instead.
	ServiceID uint16

	// ServerID is this node's peer-mesh identity, used as the "from"
	// field on outbound server-to-server packets.
	ServerID string

	// RequestTimeout holds a request timeout value. No package reads
	// it: every RequestTo* method takes its timeout as an explicit
	// argument.
	RequestTimeout time.Duration

	// AuthenticateMessageID is the only msg_id a pre-auth session may
	// send (session.Config.AuthMessageID).
	AuthenticateMessageID string

	// DefaultStageType, if set, lets sessions lazily get_or_create
	// their target stage on first authentication.
	DefaultStageType fn.Option[string]

	// MinTaskPoolSize / MaxTaskPoolSize hold worker pool bounds. No
	// package reads them: worker.NewComputePool and worker.NewIOPool
	// take no size arguments and size themselves.
	MinTaskPoolSize int
	MaxTaskPoolSize int

	// MaxPacketSize caps a single inbound frame's length field (every
	// byte after the 4-byte length prefix); the wire codec rejects
	// anything larger before it reaches a stage.
	MaxPacketSize uint32

	// HeartbeatTimeout holds a session idle deadline. No transport
	// reads it: transport/tcp sets no read deadline and transport/ws
	// uses its own fixed pong deadline.
	HeartbeatTimeout time.Duration

	// SelectionPolicy holds a service-group addressing policy. No
	// package reads it: SendToService/RequestToService take the policy
	// as an explicit argument on every call.
	SelectionPolicy stage.ServicePolicy
}

// DefaultConfig returns a Config with sensible defaults, mirroring the
// naming of actorutil's ActorConfig defaults.
func DefaultConfig() Config {
	return Config{
		ServerType:            ServerTypePlay,
		RequestTimeout:        DefaultRequestTimeout,
		AuthenticateMessageID: "Authenticate",
		MinTaskPoolSize:       DefaultMinTaskPoolSize,
		MaxTaskPoolSize:       DefaultMaxTaskPoolSize,
		MaxPacketSize:         DefaultMaxPacketSize,
		HeartbeatTimeout:      DefaultHeartbeatTimeout,
		SelectionPolicy:       stage.PolicyRoundRobin,
	}
}

// Option mutates a Config during construction.
type Option func(*Config)

// New builds a Config starting from DefaultConfig and applying opts in
// order.
func New(opts ...Option) Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func WithServerType(t ServerType) Option {
	return func(c *Config) { c.ServerType = t }
}

func WithServiceID(id uint16) Option {
	return func(c *Config) { c.ServiceID = id }
}

func WithServerID(id string) Option {
	return func(c *Config) { c.ServerID = id }
}

func WithRequestTimeout(d time.Duration) Option {
	return func(c *Config) { c.RequestTimeout = d }
}

func WithAuthenticateMessageID(msgID string) Option {
	return func(c *Config) { c.AuthenticateMessageID = msgID }
}

func WithDefaultStageType(stageType string) Option {
	return func(c *Config) { c.DefaultStageType = fn.Some(stageType) }
}

func WithTaskPoolBounds(min, max int) Option {
	return func(c *Config) {
		c.MinTaskPoolSize = min
		c.MaxTaskPoolSize = max
	}
}

func WithMaxPacketSize(size uint32) Option {
	return func(c *Config) { c.MaxPacketSize = size }
}

func WithHeartbeatTimeout(d time.Duration) Option {
	return func(c *Config) { c.HeartbeatTimeout = d }
}

func WithSelectionPolicy(p stage.ServicePolicy) Option {
	return func(c *Config) { c.SelectionPolicy = p }
}
