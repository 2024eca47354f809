package cli

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/bulkop/internal/connpool"
	"github.com/ChuLiYu/bulkop/internal/metrics"
	"github.com/ChuLiYu/bulkop/internal/monitor"
	"github.com/ChuLiYu/bulkop/internal/objstore"
	"github.com/ChuLiYu/bulkop/internal/operation"
)

// Config represents the complete agent configuration
// Maps config file fields through YAML tags
type Config struct {
	Server struct {
		Listen         string `yaml:"listen"`
		MetricsAddress string `yaml:"metrics_address"` // empty disables the endpoint
		Password       string `yaml:"password"`        // required of callers when set
	} `yaml:"server"`

	Engine struct {
		WorkerCount        int           `yaml:"worker_count"`
		MaxOperations      int           `yaml:"max_operations"`
		QueueSize          int           `yaml:"queue_size"`
		ConnectionPoolSize int           `yaml:"connection_pool_size"`
		RefreshInterval    time.Duration `yaml:"refresh_interval"`
		ProgressInterval   time.Duration `yaml:"progress_interval"`
		TransferBufferSize int           `yaml:"transfer_buffer_size"`
		ProbeBufferSize    int           `yaml:"probe_buffer_size"` // gRPC buffers of pooled connections
	} `yaml:"engine"`

	// Remote is the agent that clients talk to and that jobs connect to.
	// Port 0 makes a serving agent connect to itself.
	Remote struct {
		Host      string `yaml:"host"`
		Port      int    `yaml:"port"`
		User      string `yaml:"user"`
		Zone      string `yaml:"zone"`
		ProxyUser string `yaml:"proxy_user"`
		ProxyZone string `yaml:"proxy_zone"`
		Password  string `yaml:"password"`
	} `yaml:"remote"`

	Catalog struct {
		Path string `yaml:"path"`
	} `yaml:"catalog"`

	Storage struct {
		Root string `yaml:"root"`
	} `yaml:"storage"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Validate fills defaults and rejects negative sizes.
func (c *Config) Validate() error {
	positive := map[string]int{
		"engine.worker_count":         c.Engine.WorkerCount,
		"engine.max_operations":       c.Engine.MaxOperations,
		"engine.queue_size":           c.Engine.QueueSize,
		"engine.connection_pool_size": c.Engine.ConnectionPoolSize,
		"engine.transfer_buffer_size": c.Engine.TransferBufferSize,
		"engine.probe_buffer_size":    c.Engine.ProbeBufferSize,
		"remote.port":                 c.Remote.Port,
	}
	for name, v := range positive {
		if v < 0 {
			return fmt.Errorf("%s must not be negative, got %d", name, v)
		}
	}
	if c.Engine.RefreshInterval < 0 || c.Engine.ProgressInterval < 0 {
		return fmt.Errorf("engine intervals must not be negative")
	}

	if c.Server.Listen == "" {
		c.Server.Listen = "127.0.0.1:1247"
	}
	if c.Engine.WorkerCount == 0 {
		c.Engine.WorkerCount = 8
	}
	if c.Engine.MaxOperations == 0 {
		c.Engine.MaxOperations = 4
	}
	if c.Engine.QueueSize == 0 {
		c.Engine.QueueSize = 1024
	}
	if c.Engine.ConnectionPoolSize == 0 {
		c.Engine.ConnectionPoolSize = 4
	}
	if c.Engine.RefreshInterval == 0 {
		c.Engine.RefreshInterval = connpool.DefaultRefreshInterval
	}
	if c.Engine.ProgressInterval == 0 {
		c.Engine.ProgressInterval = monitor.DefaultInterval
	}
	if c.Engine.TransferBufferSize == 0 {
		c.Engine.TransferBufferSize = objstore.DefaultBufferSize
	}
	if c.Engine.ProbeBufferSize == 0 {
		c.Engine.ProbeBufferSize = 32 << 10
	}
	if c.Remote.Host == "" {
		c.Remote.Host = "127.0.0.1"
	}
	if c.Remote.User == "" {
		c.Remote.User = "rods"
	}
	if c.Remote.Zone == "" {
		c.Remote.Zone = "tempZone"
	}
	if c.Catalog.Path == "" {
		c.Catalog.Path = "bulkop.db"
	}
	if c.Storage.Root == "" {
		c.Storage.Root = "vault"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	return nil
}

// Endpoint is the remote agent with the configured identity.
func (c *Config) Endpoint() connpool.Endpoint {
	return connpool.Endpoint{
		Host:      c.Remote.Host,
		Port:      c.Remote.Port,
		User:      c.Remote.User,
		Zone:      c.Remote.Zone,
		ProxyUser: c.Remote.ProxyUser,
		ProxyZone: c.Remote.ProxyZone,
		Password:  c.Remote.Password,
	}
}

// controllerConfig maps the engine section; conns carries the endpoint and
// factory chosen by the caller.
func (c *Config) controllerConfig(conns connpool.Options, m *metrics.Collector) operation.Config {
	conns.Size = c.Engine.ConnectionPoolSize
	conns.RefreshInterval = c.Engine.RefreshInterval
	return operation.Config{
		Workers:          c.Engine.WorkerCount,
		QueueSize:        c.Engine.QueueSize,
		MaxOperations:    c.Engine.MaxOperations,
		ProgressInterval: c.Engine.ProgressInterval,
		Connections:      conns,
		Metrics:          m,
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}
