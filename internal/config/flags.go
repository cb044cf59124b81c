package config

import (
	"github.com/spf13/pflag"
)

// Flags 命令行覆盖项。只有显式传入的 flag 才会覆盖文件里的值
type Flags struct {
	ConfigPath string
	Console    bool

	fs        *pflag.FlagSet
	target    int
	runtime   string
	adminAddr string
	logLevel  string
	drain     bool
}

// RegisterFlags 在 fs 上注册 fleet-controller 的 flag
func RegisterFlags(fs *pflag.FlagSet) *Flags {
	f := &Flags{fs: fs}
	fs.StringVar(&f.ConfigPath, "config", "", "path to the YAML config file (or "+EnvConfig+")")
	fs.BoolVar(&f.Console, "console", false, "read status/scale/quit commands from stdin")
	fs.IntVar(&f.target, "target", 0, "initial fleet size")
	fs.StringVar(&f.runtime, "runtime", "", "node runtime: docker or sim")
	fs.StringVar(&f.adminAddr, "admin-addr", "", "admin HTTP listen address")
	fs.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn, error")
	fs.BoolVar(&f.drain, "drain-on-shutdown", false, "scale the fleet to zero before exiting")
	return f
}

// Load 按 flag / 环境变量定位配置文件，加载后应用 flag 覆盖并重新校验
func (f *Flags) Load() (Config, error) {
	cfg, err := Load(Path(f.ConfigPath))
	if err != nil {
		return cfg, err
	}
	f.Apply(&cfg)
	return cfg, cfg.Validate()
}

// Apply 把显式设置过的 flag 写入 cfg
func (f *Flags) Apply(cfg *Config) {
	if f.fs.Changed("target") {
		cfg.Fleet.Target = f.target
	}
	if f.fs.Changed("runtime") {
		cfg.Runtime.Kind = f.runtime
	}
	if f.fs.Changed("admin-addr") {
		cfg.Admin.Addr = f.adminAddr
	}
	if f.fs.Changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if f.fs.Changed("drain-on-shutdown") {
		cfg.Fleet.DrainOnShutdown = f.drain
	}
}
