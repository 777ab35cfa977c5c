package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/saker-ai/avatar-runtime/internal/logger"
)

// Defaults for the viewer block. Out-of-range values read from disk or the
// environment are normalized back to these at load time.
const (
	DefaultMaxLoadedModels         = 3
	DefaultTextureCacheMB          = 100
	DefaultIdleUnloadSeconds       = 300
	DefaultIdleSweepSeconds        = 60
	DefaultIdleAnimationIntervalMS = 10000
	DefaultRecoveryCheckIntervalMS = 30000

	defaultPort = 8120
)

// ServerConfig carries the listen address parts. An explicit top-level
// http_addr wins over host/port.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// ViewerConfig bounds the shared viewer state and its background cadences.
type ViewerConfig struct {
	MaxLoadedModels         int  `mapstructure:"max_loaded_models"`
	TextureCacheMB          int  `mapstructure:"texture_cache_mb"`
	IdleUnloadSeconds       int  `mapstructure:"idle_unload_seconds"`
	IdleSweepSeconds        int  `mapstructure:"idle_sweep_seconds"`
	EnableAutoIdleAnimation bool `mapstructure:"enable_auto_idle_animation"`
	IdleAnimationIntervalMS int  `mapstructure:"idle_animation_interval_ms"`
	RecoveryCheckIntervalMS int  `mapstructure:"recovery_check_interval_ms"`
}

// TextureCacheBytes converts the configured megabyte budget.
func (v ViewerConfig) TextureCacheBytes() int64 {
	return int64(v.TextureCacheMB) << 20
}

// IdleUnload is how long a model may sit unbound before the sweep unloads
// it. Zero disables idle unloading.
func (v ViewerConfig) IdleUnload() time.Duration {
	return time.Duration(v.IdleUnloadSeconds) * time.Second
}

// IdleSweep is the cadence of the pool sweep job.
func (v ViewerConfig) IdleSweep() time.Duration {
	return time.Duration(v.IdleSweepSeconds) * time.Second
}

// IdleAnimationInterval is the pause between auto-idle clips.
func (v ViewerConfig) IdleAnimationInterval() time.Duration {
	return time.Duration(v.IdleAnimationIntervalMS) * time.Millisecond
}

// RecoveryCheckInterval is the cadence of scheduled surface health checks.
func (v ViewerConfig) RecoveryCheckInterval() time.Duration {
	return time.Duration(v.RecoveryCheckIntervalMS) * time.Millisecond
}

// Config is the root configuration, read from conf.yaml and AVR_ env vars.
type Config struct {
	RootDir       string        `mapstructure:"-"`
	HTTPAddr      string        `mapstructure:"http_addr"`
	ModelsDir     string        `mapstructure:"models_dir"`
	ModelDictPath string        `mapstructure:"model_dict_path"`
	ProfilesDir   string        `mapstructure:"profiles_dir"`
	TLSCertPath   string        `mapstructure:"tls_cert_path"`
	TLSKeyPath    string        `mapstructure:"tls_key_path"`
	TLSRequired   bool          `mapstructure:"tls_required"`
	TLSDisable    bool          `mapstructure:"tls_disable"`
	Server        ServerConfig  `mapstructure:"server"`
	Viewer        ViewerConfig  `mapstructure:"viewer"`
	Log           logger.Config `mapstructure:"log"`
}

// Load reads conf.yaml from the resolved root directory. A missing file is
// fine; defaults and AVR_ environment overrides still apply.
func Load() (Config, error) {
	rootDir, err := resolveRootDir()
	if err != nil {
		return Config{}, err
	}

	v := newViper()
	v.SetConfigName("conf")
	v.SetConfigType("yaml")
	v.AddConfigPath(rootDir)

	if err := v.MergeInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, err
		}
	}

	return finish(v, rootDir)
}

// LoadConfig reads the named config file. An empty path falls back to Load.
func LoadConfig(configPath string) (Config, error) {
	path := strings.TrimSpace(configPath)
	if path == "" {
		return Load()
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, err
	}

	rootDir := strings.TrimSpace(os.Getenv("AVR_ROOT_DIR"))
	if rootDir == "" {
		rootDir = filepath.Dir(absPath)
		if filepath.Base(rootDir) == "config" {
			rootDir = filepath.Dir(rootDir)
		}
	}

	v := newViper()
	v.SetConfigFile(absPath)
	if err := v.MergeInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", absPath, err)
	}

	return finish(v, rootDir)
}

func newViper() *viper.Viper {
	v := viper.New()

	v.SetDefault("http_addr", "")
	v.SetDefault("models_dir", "")
	v.SetDefault("model_dict_path", "")
	v.SetDefault("profiles_dir", "")
	v.SetDefault("tls_required", false)
	v.SetDefault("tls_disable", false)
	v.SetDefault("tls_cert_path", "")
	v.SetDefault("tls_key_path", "")
	v.SetDefault("viewer.max_loaded_models", DefaultMaxLoadedModels)
	v.SetDefault("viewer.texture_cache_mb", DefaultTextureCacheMB)
	v.SetDefault("viewer.idle_unload_seconds", DefaultIdleUnloadSeconds)
	v.SetDefault("viewer.idle_sweep_seconds", DefaultIdleSweepSeconds)
	v.SetDefault("viewer.enable_auto_idle_animation", true)
	v.SetDefault("viewer.idle_animation_interval_ms", DefaultIdleAnimationIntervalMS)
	v.SetDefault("viewer.recovery_check_interval_ms", DefaultRecoveryCheckIntervalMS)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.stdout", true)
	v.SetDefault("log.file.enabled", true)
	v.SetDefault("log.file.path", "./data/logs")
	v.SetDefault("log.file.name", "avatar-runtime.log")
	v.SetDefault("log.file.max_size_mb", 100)
	v.SetDefault("log.file.max_backups", 5)
	v.SetDefault("log.file.max_age_days", 30)
	v.SetDefault("log.file.compress", true)

	v.SetEnvPrefix("avr")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

func finish(v *viper.Viper, rootDir string) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	cfg.RootDir = rootDir
	deriveHTTPAddr(&cfg)
	derivePaths(&cfg)
	normalizeViewer(&cfg.Viewer)

	return cfg, nil
}

func deriveHTTPAddr(cfg *Config) {
	if cfg.HTTPAddr != "" {
		return
	}
	host := cfg.Server.Host
	port := cfg.Server.Port
	if port == 0 {
		port = defaultPort
	}
	if host == "" {
		cfg.HTTPAddr = fmt.Sprintf(":%d", port)
		return
	}
	cfg.HTTPAddr = net.JoinHostPort(host, strconv.Itoa(port))
}

func resolveRootDir() (string, error) {
	if root := strings.TrimSpace(os.Getenv("AVR_ROOT_DIR")); root != "" {
		return filepath.Abs(root)
	}

	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	dir := wd
	for i := 0; i < 6; i++ {
		if fileExists(filepath.Join(dir, "conf.yaml")) {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return wd, nil
}

func derivePaths(cfg *Config) {
	cfg.ModelsDir = resolvePath(cfg.RootDir, cfg.ModelsDir, "models")
	cfg.ModelDictPath = resolvePath(cfg.RootDir, cfg.ModelDictPath, "model_dict.json")
	cfg.ProfilesDir = resolvePath(cfg.RootDir, cfg.ProfilesDir, "profiles")
	cfg.TLSCertPath = resolvePath(cfg.RootDir, cfg.TLSCertPath, filepath.Join("certs", "server.crt"))
	cfg.TLSKeyPath = resolvePath(cfg.RootDir, cfg.TLSKeyPath, filepath.Join("certs", "server.key"))
}

// normalizeViewer rescues values that would make the viewer misbehave. Zero
// idle_unload_seconds stays, meaning idle unloading is off.
func normalizeViewer(v *ViewerConfig) {
	if v.MaxLoadedModels <= 0 {
		v.MaxLoadedModels = DefaultMaxLoadedModels
	}
	if v.TextureCacheMB <= 0 {
		v.TextureCacheMB = DefaultTextureCacheMB
	}
	if v.IdleUnloadSeconds < 0 {
		v.IdleUnloadSeconds = DefaultIdleUnloadSeconds
	}
	if v.IdleSweepSeconds <= 0 {
		v.IdleSweepSeconds = DefaultIdleSweepSeconds
	}
	if v.IdleAnimationIntervalMS <= 0 {
		v.IdleAnimationIntervalMS = DefaultIdleAnimationIntervalMS
	}
	if v.RecoveryCheckIntervalMS <= 0 {
		v.RecoveryCheckIntervalMS = DefaultRecoveryCheckIntervalMS
	}
}

func resolvePath(rootDir string, configured string, fallback string) string {
	path := strings.TrimSpace(configured)
	if path == "" {
		path = fallback
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(rootDir, path)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
