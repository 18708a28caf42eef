package config

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// Backend names accepted by isolation.backend
const (
	BackendAuto      = "auto"
	BackendNamespace = "namespace"
	BackendJail      = "jail"
	BackendDryRun    = "dryrun"
)

// TargetBinaryEnv carries the absolute path of the binary to stage into the
// sandbox root.
const TargetBinaryEnv = "ISOLATE_TARGET_BINARY"

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Isolation IsolationConfig `mapstructure:"isolation"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds configuration of the inspection MCP server
type ServerConfig struct {
	Transport string `mapstructure:"transport"`
	HTTPPort  int    `mapstructure:"http_port"`
}

// IsolationConfig holds the host-side knobs of the isolation context
type IsolationConfig struct {
	Backend string `mapstructure:"backend"`

	// RootBase is the directory under which sandbox roots are created.
	RootBase string `mapstructure:"root_base"`

	// NamePrefix and UserPrefix are combined with the pid to name the
	// sandbox and the synthesized account.
	NamePrefix string `mapstructure:"name_prefix"`
	UserPrefix string `mapstructure:"user_prefix"`

	UserShell string `mapstructure:"user_shell"`
	UserHome  string `mapstructure:"user_home"`

	WorkspaceMount string   `mapstructure:"workspace_mount"`
	LibraryPath    string   `mapstructure:"library_path"`
	SearchPath     string   `mapstructure:"search_path"`
	SystemMounts   []string `mapstructure:"system_mounts"`

	// CgroupRoot is the cgroup v2 directory holding per-sandbox groups (linux).
	CgroupRoot string `mapstructure:"cgroup_root"`

	// StrictNetwork turns unenforceable network rules into a setup failure.
	StrictNetwork bool `mapstructure:"strict_network"`
	// Seccomp filters mount, namespace and module syscalls after the drop (linux).
	Seccomp bool `mapstructure:"seccomp"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

func defaultSystemMounts() []string {
	switch runtime.GOOS {
	case "freebsd":
		return []string{"/lib", "/libexec", "/usr/lib", "/usr/local/lib"}
	default:
		return []string{"/lib", "/lib64", "/usr/lib", "/usr/lib64", "/usr/local/lib"}
	}
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.transport", "stdio")
	v.SetDefault("server.http_port", 8080)

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "warn")

	v.SetDefault("isolation.backend", BackendAuto)
	v.SetDefault("isolation.root_base", "/tmp")
	v.SetDefault("isolation.name_prefix", "isolate")
	v.SetDefault("isolation.user_prefix", "app")
	v.SetDefault("isolation.user_shell", "/usr/sbin/nologin")
	v.SetDefault("isolation.user_home", "/tmp")
	v.SetDefault("isolation.workspace_mount", "/workspace")
	v.SetDefault("isolation.library_path", "/lib:/usr/lib:/usr/local/lib")
	v.SetDefault("isolation.search_path", "/bin:/usr/bin")
	v.SetDefault("isolation.system_mounts", defaultSystemMounts())
	v.SetDefault("isolation.cgroup_root", "/sys/fs/cgroup/isolate")
	v.SetDefault("isolation.strict_network", false)
	v.SetDefault("isolation.seccomp", true)
}

// New loads and validates the application configuration from the global
// viper instance. Command-line flags bound to viper take precedence over the
// config file, ISOLATE_* environment variables over both.
func New() (*Config, error) {
	return Load(viper.GetViper())
}

// Load reads configuration from v.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	if v.ConfigFileUsed() == "" {
		v.SetConfigName("isolate")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/isolate")
	}

	v.SetEnvPrefix("ISOLATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

// validate ensures the configuration is valid
func (c *Config) validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	switch c.Isolation.Backend {
	case BackendAuto, BackendNamespace, BackendJail, BackendDryRun:
	default:
		return fmt.Errorf("unsupported isolation.backend: %s", c.Isolation.Backend)
	}

	absolute := map[string]string{
		"isolation.root_base":       c.Isolation.RootBase,
		"isolation.workspace_mount": c.Isolation.WorkspaceMount,
		"isolation.user_home":       c.Isolation.UserHome,
		"isolation.cgroup_root":     c.Isolation.CgroupRoot,
	}
	for key, path := range absolute {
		if !filepath.IsAbs(path) {
			return fmt.Errorf("%s must be an absolute path, got: %q", key, path)
		}
	}

	for _, m := range c.Isolation.SystemMounts {
		if !filepath.IsAbs(m) {
			return fmt.Errorf("isolation.system_mounts entries must be absolute, got: %q", m)
		}
	}

	if c.Isolation.NamePrefix == "" || c.Isolation.UserPrefix == "" {
		return fmt.Errorf("isolation.name_prefix and isolation.user_prefix must not be empty")
	}

	return nil
}
