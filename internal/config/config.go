// Package config 加载 fleet-controller 的配置。
//
// 配置文件路径来自 --config 或 ETHOSFLEET_CONFIG，没有自动查找。
// 未写在文件里的字段使用 Default() 的值，命令行 flag 最后覆盖。
package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"ethosfleet/pkg/model"
)

// EnvConfig 指定配置文件路径的环境变量
const EnvConfig = "ETHOSFLEET_CONFIG"

type Config struct {
	Fleet    FleetConfig    `yaml:"fleet"`
	Health   HealthConfig   `yaml:"health"`
	Balancer BalancerConfig `yaml:"balancer"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Admin    AdminConfig    `yaml:"admin"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
	Store    StoreConfig    `yaml:"store"`
	Events   EventsConfig   `yaml:"events"`
	Log      LogConfig      `yaml:"log"`
}

type FleetConfig struct {
	Target           int           `yaml:"target"`
	ResyncInterval   time.Duration `yaml:"resync_interval"`
	ProvisionTimeout time.Duration `yaml:"provision_timeout"`
	TerminateTimeout time.Duration `yaml:"terminate_timeout"`
	ProvisionRate    float64       `yaml:"provision_rate"`
	ProvisionBurst   int           `yaml:"provision_burst"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
	DrainOnShutdown  bool          `yaml:"drain_on_shutdown"`
}

type HealthConfig struct {
	ProbeInterval        time.Duration `yaml:"probe_interval"`
	ProbeTimeout         time.Duration `yaml:"probe_timeout"`
	DegradationThreshold int           `yaml:"degradation_threshold"`
	RecoveryThreshold    int           `yaml:"recovery_threshold"`
}

type BalancerConfig struct {
	Interval       time.Duration `yaml:"interval"`
	OverloadFactor float64       `yaml:"overload_factor"`
	MigrateTimeout time.Duration `yaml:"migrate_timeout"`
	History        int           `yaml:"history"`
}

type MetricsConfig struct {
	ExportInterval time.Duration `yaml:"export_interval"`
}

type AdminConfig struct {
	Addr string `yaml:"addr"` // 空字符串表示不启动管理接口
}

// RuntimeConfig Kind 取值 docker 或 sim
type RuntimeConfig struct {
	Kind   string       `yaml:"kind"`
	Docker DockerConfig `yaml:"docker"`
}

type DockerConfig struct {
	Host          string  `yaml:"host"`
	Image         string  `yaml:"image"`
	ContainerPort int     `yaml:"container_port"`
	DataDir       string  `yaml:"data_dir"`
	BaseConfig    string  `yaml:"base_config"` // 节点基础配置 JSON 路径
	BasePort      int     `yaml:"base_port"`
	Network       string  `yaml:"network"`
	MigratePath   string  `yaml:"migrate_path"`
	CPUs          float64 `yaml:"cpus"`
	MemoryMB      int64   `yaml:"memory_mb"`
}

type StoreConfig struct {
	EtcdEndpoints []string      `yaml:"etcd_endpoints"`
	Prefix        string        `yaml:"prefix"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
}

type EventsConfig struct {
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json 或 console
}

// Default 返回默认配置
func Default() Config {
	return Config{
		Fleet: FleetConfig{
			Target:           3,
			ResyncInterval:   30 * time.Second,
			ProvisionTimeout: 2 * time.Minute,
			TerminateTimeout: 30 * time.Second,
			ProvisionRate:    1,
			ProvisionBurst:   3,
			ShutdownTimeout:  time.Minute,
		},
		Health: HealthConfig{
			ProbeInterval:        60 * time.Second,
			ProbeTimeout:         5 * time.Second,
			DegradationThreshold: 3,
			RecoveryThreshold:    5,
		},
		Balancer: BalancerConfig{
			Interval:       5 * time.Minute,
			OverloadFactor: 1.2,
			MigrateTimeout: 30 * time.Second,
			History:        100,
		},
		Metrics: MetricsConfig{ExportInterval: 15 * time.Second},
		Admin:   AdminConfig{Addr: ":8000"},
		Runtime: RuntimeConfig{
			Kind: "docker",
			Docker: DockerConfig{
				Image:         "gaianet/node:latest",
				ContainerPort: 8080,
				DataDir:       "/tmp/gaianet",
				BasePort:      8080,
			},
		},
		Store: StoreConfig{
			Prefix:      "/ethosfleet",
			DialTimeout: 5 * time.Second,
		},
		Events: EventsConfig{SubjectPrefix: "ethosfleet.events"},
		Log:    LogConfig{Level: "info", Format: "json"},
	}
}

// Load 读取 path 指向的 YAML 文件，覆盖在默认值之上并校验
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "read config")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, cfg.Validate()
}

// Path 返回配置文件路径：flag 优先，其次环境变量
func Path(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return os.Getenv(EnvConfig)
}

// Validate 检查参数之间的约束
func (c Config) Validate() error {
	switch {
	case c.Fleet.Target < 0:
		return errors.Errorf("fleet.target must be >= 0, got %d", c.Fleet.Target)
	case c.Fleet.ProvisionTimeout <= 0 || c.Fleet.TerminateTimeout <= 0 || c.Fleet.ShutdownTimeout <= 0:
		return errors.New("fleet timeouts must be positive")
	case c.Health.ProbeInterval <= 0 || c.Health.ProbeTimeout <= 0:
		return errors.New("health.probe_interval and health.probe_timeout must be positive")
	case c.Health.DegradationThreshold < 1:
		return errors.Errorf("health.degradation_threshold must be >= 1, got %d", c.Health.DegradationThreshold)
	case c.Health.DegradationThreshold > c.Health.RecoveryThreshold:
		return errors.Errorf("health.degradation_threshold (%d) must not exceed health.recovery_threshold (%d)",
			c.Health.DegradationThreshold, c.Health.RecoveryThreshold)
	case c.Balancer.Interval <= c.Health.ProbeInterval:
		return errors.Errorf("balancer.interval (%s) must be larger than health.probe_interval (%s)",
			c.Balancer.Interval, c.Health.ProbeInterval)
	case c.Balancer.OverloadFactor < 1:
		return errors.Errorf("balancer.overload_factor must be >= 1, got %g", c.Balancer.OverloadFactor)
	case c.Metrics.ExportInterval <= 0:
		return errors.New("metrics.export_interval must be positive")
	case c.Runtime.Kind != "docker" && c.Runtime.Kind != "sim":
		return errors.Errorf("runtime.kind must be docker or sim, got %q", c.Runtime.Kind)
	}
	return nil
}

// Capacity 把 cpus / memory_mb 转成节点容量提示
func (d DockerConfig) Capacity() model.Resource {
	return model.Resource{
		MilliCPU: int64(d.CPUs * 1000),
		Memory:   d.MemoryMB * 1024 * 1024,
	}
}

// LoadBaseConfig 读取节点基础配置文档，未配置时返回空文档
func (d DockerConfig) LoadBaseConfig() (map[string]interface{}, error) {
	if d.BaseConfig == "" {
		return map[string]interface{}{}, nil
	}
	data, err := os.ReadFile(d.BaseConfig)
	if err != nil {
		return nil, errors.Wrap(err, "read base node config")
	}
	doc := map[string]interface{}{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrapf(err, "parse base node config %s", d.BaseConfig)
	}
	return doc, nil
}
