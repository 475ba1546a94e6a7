// Package config loads the process configuration of flowrpc components from YAML and the environment.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dermesser/flowrpc"
	"github.com/dermesser/flowrpc/log"
	"github.com/dermesser/flowrpc/metrics"
	"github.com/dermesser/flowrpc/valve"

	"github.com/juju/errors"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// EnvPrefix prefixes every environment override, e.g. FLOWRPC_PROTOCOL_VERSION=1.
const EnvPrefix = "FLOWRPC"

// Config is the root configuration.
type Config struct {
	// "0" (legacy headers) or "1" (oxid headers)
	ProtocolVersion string `mapstructure:"protocol_version"`

	Log        log.Config       `mapstructure:"log"`
	HTTPMaster HTTPMasterConfig `mapstructure:"http_master"`
	Valve      ValveConfig      `mapstructure:"valve"`
	Server     ServerConfig     `mapstructure:"server"`
	ZMQ        ZMQConfig        `mapstructure:"zmq"`
}

type HTTPMasterConfig struct {
	// Endpoint URIs; "{signature}" is replaced by the routine signature.
	Endpoints    []string      `mapstructure:"endpoints"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	CallTimeout  time.Duration `mapstructure:"call_timeout"`
}

// ValveConfig configures admission control. A capacity of 0 disables it.
type ValveConfig struct {
	Capacity    int64         `mapstructure:"capacity"`
	Policy      string        `mapstructure:"policy"`
	BoundedWait time.Duration `mapstructure:"bounded_wait"`
}

type ServerConfig struct {
	ComponentID string `mapstructure:"component_id"`
	Workers     int    `mapstructure:"workers"`
	// Reply destination used when a request carries none.
	ReplyTo string `mapstructure:"reply_to"`
	// Advertised in terminal signals if set.
	HTTPAddress string `mapstructure:"http_address"`
	// Listen address of the HTTP endpoint; empty disables it.
	Listen string `mapstructure:"listen"`
}

type ZMQConfig struct {
	PublisherEndpoint  string `mapstructure:"publisher_endpoint"`
	SubscriberEndpoint string `mapstructure:"subscriber_endpoint"`
	RequestDestination string `mapstructure:"request_destination"`
	// Directory holding the CURVE key files; empty means no encryption.
	KeyDir string `mapstructure:"key_dir"`
}

// Default returns the configuration used for every key that is neither in the file nor in the environment.
func Default() *Config {
	return &Config{
		ProtocolVersion: flowrpc.ProtocolLegacy,
		Log: log.Config{
			Level:   "warn",
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: log.RotationConfig{
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		HTTPMaster: HTTPMasterConfig{
			ReadTimeout:  20 * time.Second,
			WriteTimeout: 20 * time.Second,
			CallTimeout:  180 * time.Second,
		},
		Valve: ValveConfig{
			Policy: valve.Block.String(),
		},
		Server: ServerConfig{
			Workers: 4,
		},
		ZMQ: ZMQConfig{
			PublisherEndpoint:  "tcp://*:5670",
			SubscriberEndpoint: "tcp://localhost:5670",
			RequestDestination: "flowrpc.requests",
		},
	}
}

/*
Load reads the configuration from path, or if path is empty from $FLOWRPC_CONFIG or a file
named flowrpc.yaml in the working directory, ./configs or ~/.flowrpc. A missing file is not an
error. Environment variables override the file: the key log.level is read from FLOWRPC_LOG_LEVEL.
*/
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v, cfg)

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("flowrpc")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".flowrpc"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Annotate(err, "read config")
		}
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Annotate(err, "decode config")
	}
	if err := cfg.validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return cfg, nil
}

// Every key needs a default, or viper does not look it up in the environment.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("protocol_version", cfg.ProtocolVersion)

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)

	v.SetDefault("http_master.endpoints", cfg.HTTPMaster.Endpoints)
	v.SetDefault("http_master.read_timeout", cfg.HTTPMaster.ReadTimeout)
	v.SetDefault("http_master.write_timeout", cfg.HTTPMaster.WriteTimeout)
	v.SetDefault("http_master.call_timeout", cfg.HTTPMaster.CallTimeout)

	v.SetDefault("valve.capacity", cfg.Valve.Capacity)
	v.SetDefault("valve.policy", cfg.Valve.Policy)
	v.SetDefault("valve.bounded_wait", cfg.Valve.BoundedWait)

	v.SetDefault("server.component_id", cfg.Server.ComponentID)
	v.SetDefault("server.workers", cfg.Server.Workers)
	v.SetDefault("server.reply_to", cfg.Server.ReplyTo)
	v.SetDefault("server.http_address", cfg.Server.HTTPAddress)
	v.SetDefault("server.listen", cfg.Server.Listen)

	v.SetDefault("zmq.publisher_endpoint", cfg.ZMQ.PublisherEndpoint)
	v.SetDefault("zmq.subscriber_endpoint", cfg.ZMQ.SubscriberEndpoint)
	v.SetDefault("zmq.request_destination", cfg.ZMQ.RequestDestination)
	v.SetDefault("zmq.key_dir", cfg.ZMQ.KeyDir)
}

func (c *Config) validate() error {
	switch strings.TrimSpace(c.ProtocolVersion) {
	case flowrpc.ProtocolLegacy, flowrpc.ProtocolOxid:
	default:
		return errors.NotValidf("protocol_version %q", c.ProtocolVersion)
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return errors.Trace(err)
	}
	if _, err := valve.ParsePolicy(c.Valve.Policy); err != nil {
		return errors.Trace(err)
	}
	if c.Valve.Capacity < 0 {
		return errors.NotValidf("valve.capacity %d", c.Valve.Capacity)
	}
	if c.Server.Workers <= 0 {
		c.Server.Workers = 1
	}
	return nil
}

// Protocol returns the header scheme selected by ProtocolVersion.
func (c *Config) Protocol() flowrpc.Protocol {
	return flowrpc.ProtocolFor(c.ProtocolVersion)
}

func (c *Config) HTTPMasterTimeouts() (read, write, call time.Duration) {
	return c.HTTPMaster.ReadTimeout, c.HTTPMaster.WriteTimeout, c.HTTPMaster.CallTimeout
}

// NewValve builds the configured valve, or returns nil if the capacity is 0.
func (c *Config) NewValve(logger *zap.Logger, m metrics.Measurer) (*valve.Valve, error) {
	if c.Valve.Capacity == 0 {
		return nil, nil
	}
	policy, err := valve.ParsePolicy(c.Valve.Policy)
	if err != nil {
		return nil, errors.Trace(err)
	}
	opts := []valve.Option{valve.WithPolicy(policy), valve.WithMeasurer(m)}
	if policy == valve.BoundedWait {
		opts = append(opts, valve.WithBoundedWait(c.Valve.BoundedWait))
	}
	if logger != nil {
		opts = append(opts, valve.WithLogger(logger))
	}
	return valve.New(c.Valve.Capacity, opts...)
}
