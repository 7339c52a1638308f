package config

import "time"

const (
	DefaultNATSHost = "localhost"
	DefaultNATSPort = "4222"

	DefaultRequestTimeout = 10 * time.Second
	DefaultDrainTimeout   = 30 * time.Second
	DefaultReconnectWait  = 2 * time.Second
	DefaultPingInterval   = 2 * time.Minute
	DefaultMaxReconnects  = -1
	DefaultMaxPingsOut    = 2
)

// NATSConfig is read with the NATS_ prefix. URL wins over Host and Port.
type NATSConfig struct {
	URL           string        `json:"url"            env:"URL"`
	Host          string        `json:"host"           env:"HOST"`
	Port          string        `json:"port"           env:"PORT"`
	MaxReconnects int           `json:"max_reconnects" env:"MAX_RECONNECTS"` // -1 retries forever
	ReconnectWait time.Duration `json:"reconnect_wait" env:"RECONNECT_WAIT"`
	DrainTimeout  time.Duration `json:"drain_timeout"  env:"DRAIN_TIMEOUT"`
	PingInterval  time.Duration `json:"ping_interval"  env:"PING_INTERVAL"`
	MaxPingsOut   int           `json:"max_pings_out"  env:"MAX_PINGS_OUT"`
	ClientName    string        `json:"client_name"    env:"CLIENT_NAME"`
}

func defaultNATS(client string) NATSConfig {
	return NATSConfig{
		Host:          DefaultNATSHost,
		Port:          DefaultNATSPort,
		MaxReconnects: DefaultMaxReconnects,
		ReconnectWait: DefaultReconnectWait,
		DrainTimeout:  DefaultDrainTimeout,
		PingInterval:  DefaultPingInterval,
		MaxPingsOut:   DefaultMaxPingsOut,
		ClientName:    client,
	}
}

// jetstreamx.Config
func (c *Config) Endpoint() string                 { return c.NATS.URL }
func (c *Config) NATSMaxReconnects() int           { return c.NATS.MaxReconnects }
func (c *Config) NATSReconnectWait() time.Duration { return c.NATS.ReconnectWait }
func (c *Config) NATSDrainTimeout() time.Duration  { return c.NATS.DrainTimeout }
func (c *Config) NATSPingInterval() time.Duration  { return c.NATS.PingInterval }
func (c *Config) NATSMaxPingsOut() int             { return c.NATS.MaxPingsOut }
func (c *Config) NATSClientName() string           { return c.NATS.ClientName }
