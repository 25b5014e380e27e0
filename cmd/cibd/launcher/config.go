package launcher

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"

	"github.com/clusterlabs/cibd/ipc"
	"github.com/clusterlabs/cibd/logger"
	"github.com/clusterlabs/cibd/server"
	itoml "github.com/clusterlabs/cibd/toml"
)

const (
	DefaultDataDir         = "/var/lib/pacemaker/cib"
	DefaultHTTPBindAddress = ":7440"
	DefaultAlertQueue      = 64
)

// NodeConfig is the [node] section.
type NodeConfig struct {
	Name       string `toml:"name"`
	ID         uint32 `toml:"id"`
	DataDir    string `toml:"data-dir"`
	StandAlone bool   `toml:"stand-alone"`
}

// ClusterConfig is the [cluster] section. Peers maps every other node's
// name to the websocket URL of its cluster endpoint.
type ClusterConfig struct {
	Peers             map[string]string `toml:"peers"`
	Expected          int               `toml:"expected-votes"`
	MaxPayload        itoml.Size        `toml:"max-payload"`
	ReconnectInterval itoml.Duration    `toml:"reconnect-interval"`
}

// CIBConfig is the [cib] section.
type CIBConfig struct {
	SchemaFile         string         `toml:"schema-file"`
	Tracing            bool           `toml:"tracing"`
	CallbackTimeout    itoml.Duration `toml:"callback-timeout"`
	CheckpointUpdates  int            `toml:"checkpoint-updates"`
	CheckpointInterval itoml.Duration `toml:"checkpoint-interval"`
	ArchiveKeep        int            `toml:"archive-keep"`
	ShutdownTimeout    itoml.Duration `toml:"shutdown-timeout"`
	ResyncInterval     itoml.Duration `toml:"resync-interval"`
	JoinWindow         itoml.Duration `toml:"join-window"`
}

// AlertsConfig is the [alerts] section.
type AlertsConfig struct {
	QueueSize int `toml:"queue-size"`
}

// Config is the daemon configuration file.
type Config struct {
	HTTPBindAddress string `toml:"http-bind-address"`

	Node    NodeConfig     `toml:"node"`
	Cluster ClusterConfig  `toml:"cluster"`
	CIB     CIBConfig      `toml:"cib"`
	IPC     ipc.Config     `toml:"ipc"`
	Alerts  AlertsConfig   `toml:"alerts"`
	Logging logger.Config  `toml:"logging"`
}

// NewConfig returns a Config with defaults.
func NewConfig() *Config {
	host, _ := os.Hostname()
	return &Config{
		HTTPBindAddress: DefaultHTTPBindAddress,
		Node: NodeConfig{
			Name:    host,
			DataDir: DefaultDataDir,
		},
		CIB: CIBConfig{
			CallbackTimeout:    itoml.Duration(server.DefaultCallbackTimeout),
			CheckpointUpdates:  server.DefaultCheckpointUpdates,
			CheckpointInterval: itoml.Duration(server.DefaultCheckpointInterval),
			ArchiveKeep:        server.DefaultArchiveKeep,
			ShutdownTimeout:    itoml.Duration(server.DefaultShutdownTimeout),
			ResyncInterval:     itoml.Duration(server.DefaultResyncInterval),
			JoinWindow:         itoml.Duration(server.DefaultJoinWindow),
		},
		IPC:     ipc.NewConfig(),
		Alerts:  AlertsConfig{QueueSize: DefaultAlertQueue},
		Logging: logger.NewConfig(),
	}
}

// FromTomlFile loads the config from a TOML file.
func (c *Config) FromTomlFile(fpath string) error {
	bs, err := os.ReadFile(fpath)
	if err != nil {
		return err
	}
	return c.FromToml(string(bs))
}

// FromToml loads the config from TOML.
func (c *Config) FromToml(input string) error {
	_, err := toml.Decode(input, c)
	return err
}

// Validate returns every problem found in the config.
func (c *Config) Validate() error {
	var result *multierror.Error
	if c.Node.Name == "" {
		result = multierror.Append(result, fmt.Errorf("node.name must be set"))
	}
	if c.Node.DataDir == "" {
		result = multierror.Append(result, fmt.Errorf("node.data-dir must be set"))
	}
	if !c.Node.StandAlone {
		if _, ok := c.Cluster.Peers[c.Node.Name]; ok {
			result = multierror.Append(result, fmt.Errorf("cluster.peers must not list the local node %q", c.Node.Name))
		}
		if c.Cluster.Expected < 0 {
			result = multierror.Append(result, fmt.Errorf("cluster.expected-votes must not be negative"))
		}
	}
	if c.Alerts.QueueSize <= 0 {
		result = multierror.Append(result, fmt.Errorf("alerts.queue-size must be positive"))
	}
	return result.ErrorOrNil()
}

// ServerConfig returns the settings of the CIB server.
func (c *Config) ServerConfig() server.Config {
	return server.Config{
		StandAlone:         c.Node.StandAlone,
		Tracing:            c.CIB.Tracing,
		CallbackTimeout:    time.Duration(c.CIB.CallbackTimeout),
		CheckpointUpdates:  c.CIB.CheckpointUpdates,
		CheckpointInterval: time.Duration(c.CIB.CheckpointInterval),
		ArchiveKeep:        c.CIB.ArchiveKeep,
		ShutdownTimeout:    time.Duration(c.CIB.ShutdownTimeout),
		ResyncInterval:     time.Duration(c.CIB.ResyncInterval),
		JoinWindow:         time.Duration(c.CIB.JoinWindow),
	}
}

// parsePeers reads name=url pairs.
func parsePeers(pairs []string) (map[string]string, error) {
	peers := make(map[string]string, len(pairs))
	for _, p := range pairs {
		name, url, ok := strings.Cut(p, "=")
		if !ok || name == "" || url == "" {
			return nil, fmt.Errorf("invalid peer %q, want name=url", p)
		}
		peers[name] = url
	}
	return peers, nil
}

func peerNames(peers map[string]string) []string {
	names := make([]string, 0, len(peers))
	for n := range peers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
