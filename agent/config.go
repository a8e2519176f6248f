// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"perun.network/perun-icp-agent/poll"
)

// Defaults of the Config.
const (
	DefaultHost          = "https://icp-api.io"
	DefaultIngressExpiry = 5 * time.Minute
	DefaultClockDrift    = 60 * time.Second
)

// Config configures an Agent.
type Config struct {
	// Host is the URL of the replica.
	Host string `yaml:"host"`
	// IngressExpiry is how long after creation a request expires. It
	// applies to calls, queries and read_state alike.
	IngressExpiry time.Duration `yaml:"ingress_expiry"`
	// ClockDrift is subtracted from the expiry to tolerate a local clock
	// that runs ahead of the replica.
	ClockDrift time.Duration `yaml:"clock_drift"`
	// FetchRootKey fetches the root key from the replica on New. Only use
	// it for local replicas.
	FetchRootKey bool `yaml:"fetch_root_key"`
	// CertificateMaxAge rejects certificates whose time is further from
	// the local clock. Zero disables the check.
	CertificateMaxAge time.Duration `yaml:"certificate_max_age"`
	// Poll is the policy of update calls.
	Poll poll.Policy `yaml:"poll"`
}

// DefaultConfig returns the configuration of the IC mainnet.
func DefaultConfig() Config {
	return Config{
		Host:          DefaultHost,
		IngressExpiry: DefaultIngressExpiry,
		ClockDrift:    DefaultClockDrift,
		Poll:          poll.DefaultPolicy(),
	}
}

// withDefaults fills in unset fields.
func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.IngressExpiry <= 0 {
		c.IngressExpiry = DefaultIngressExpiry
	}
	if c.ClockDrift < 0 || c.ClockDrift >= c.IngressExpiry {
		c.ClockDrift = 0
	}
	c.Poll = c.Poll.WithDefaults()
	return c
}

// LoadConfig reads a YAML configuration file. Missing fields take their
// defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "reading config")
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "parsing config %s", path)
	}
	return cfg.withDefaults(), nil
}
