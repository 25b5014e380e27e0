package ipc

import (
	"path/filepath"
	"time"

	"github.com/clusterlabs/cibd/toml"
)

const (
	// DefaultSocketDir holds the sockets of every named endpoint.
	DefaultSocketDir = "/var/run/cibd"

	// DefaultName is the endpoint clients connect to unless told otherwise.
	DefaultName = "cib_rw"

	// DefaultAdminGroup members are trusted like root.
	DefaultAdminGroup = "haclient"

	// DefaultAuthTimeout bounds the wait for a new client's register
	// request.
	DefaultAuthTimeout = 10 * time.Second

	// DefaultWatermark is the notification backlog a client may build up
	// before it is disconnected.
	DefaultWatermark = 500
)

// Config holds the local client listener settings.
type Config struct {
	SocketDir    string        `toml:"socket-dir"`
	Name         string        `toml:"name"`
	AdminGroup   string        `toml:"admin-group"`
	AuthTimeout  toml.Duration `toml:"auth-timeout"`
	MaxFrameSize toml.Size     `toml:"max-frame-size"`
	Watermark    int           `toml:"notify-watermark"`
}

// NewConfig returns a Config with defaults.
func NewConfig() Config {
	return Config{
		SocketDir:    DefaultSocketDir,
		Name:         DefaultName,
		AdminGroup:   DefaultAdminGroup,
		AuthTimeout:  toml.Duration(DefaultAuthTimeout),
		MaxFrameSize: toml.Size(DefaultMaxFrameSize),
		Watermark:    DefaultWatermark,
	}
}

// WithDefaults returns a copy of c with unset fields defaulted.
func (c Config) WithDefaults() Config {
	d := c
	if d.SocketDir == "" {
		d.SocketDir = DefaultSocketDir
	}
	if d.Name == "" {
		d.Name = DefaultName
	}
	if d.AuthTimeout <= 0 {
		d.AuthTimeout = toml.Duration(DefaultAuthTimeout)
	}
	if d.MaxFrameSize == 0 {
		d.MaxFrameSize = toml.Size(DefaultMaxFrameSize)
	}
	if d.Watermark <= 0 {
		d.Watermark = DefaultWatermark
	}
	return d
}

// SocketPath returns the socket of the endpoint called name in dir.
func SocketPath(dir, name string) string {
	if dir == "" {
		dir = DefaultSocketDir
	}
	if name == "" {
		name = DefaultName
	}
	return filepath.Join(dir, name+".sock")
}

// Path returns the socket path c listens on.
func (c Config) Path() string { return SocketPath(c.SocketDir, c.Name) }
