package discovery

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"

	"github.com/thinker0/go.zkdiscovery/pkg/serversets"
	"github.com/thinker0/go.zkdiscovery/pkg/zkconn"
)

// ErrNoHosts is returned when discovery is enabled without ensemble hosts.
var ErrNoHosts = errors.New("discovery: no zookeeper hosts were supplied")

// Value formats of member znodes.
const (
	FormatPlain   = "plain"
	FormatFinagle = "finagle"
)

// Config of the zookeeper discovery.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// Hosts of the ensemble, each entry may itself be a comma separated list.
	Hosts []string `yaml:"hosts"`

	// Path is the group every node registers under.
	Path string `yaml:"path"`

	// Hostname overrides the advertised address of this node.
	Hostname string `yaml:"hostname"`

	// NodeName is the human readable node name the member id is derived
	// from. The local host name is used when empty.
	NodeName string `yaml:"node_name"`

	// BindAddress is the ip:port the host server is listening on.
	BindAddress string `yaml:"bind_address"`

	SessionTimeout time.Duration `yaml:"session_timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// VerifyInterval is the period of the registration check, zero disables it.
	VerifyInterval time.Duration `yaml:"verify_interval"`

	ValueFormat string `yaml:"value_format"`
}

// DefaultConfig returns a disabled configuration with every other field set
// to its default.
func DefaultConfig() Config {
	return Config{
		Path:           serversets.BaseDirectory,
		SessionTimeout: zkconn.DefaultSessionTimeout,
		ConnectTimeout: zkconn.DefaultConnectTimeout,
		VerifyInterval: 10 * time.Second,
		ValueFormat:    FormatPlain,
	}
}

// Servers flattens Hosts into the ensemble server list.
func (c Config) Servers() []string {
	return zkconn.ParseServers(strings.Join(c.Hosts, ","))
}

// Validate reports every problem of an enabled configuration at once.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	var err error
	if len(c.Servers()) == 0 {
		err = multierr.Append(err, ErrNoHosts)
	}
	if !strings.HasPrefix(c.Path, "/") {
		err = multierr.Append(err, fmt.Errorf("discovery: path %q must begin with '/'", c.Path))
	}
	if c.SessionTimeout <= 0 {
		err = multierr.Append(err, fmt.Errorf("discovery: session_timeout must be positive, got %s", c.SessionTimeout))
	}
	if c.ConnectTimeout <= 0 {
		err = multierr.Append(err, fmt.Errorf("discovery: connect_timeout must be positive, got %s", c.ConnectTimeout))
	}
	if c.VerifyInterval < 0 {
		err = multierr.Append(err, fmt.Errorf("discovery: verify_interval must not be negative, got %s", c.VerifyInterval))
	}
	if _, ferr := deserializer(c.ValueFormat); ferr != nil {
		err = multierr.Append(err, ferr)
	}
	return err
}

func deserializer(format string) (serversets.Deserializer[string], error) {
	switch format {
	case "", FormatPlain:
		return serversets.String, nil
	case FormatFinagle:
		return serversets.Finagle, nil
	}
	return nil, fmt.Errorf("discovery: unknown value_format %q, want %s or %s", format, FormatPlain, FormatFinagle)
}
