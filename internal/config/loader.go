package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, interpolates, defaults and validates the configuration at configPath.
// A .env file next to the config is loaded first if present; variables already
// set in the environment win.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	dotenv := filepath.Join(filepath.Dir(absPath), ".env")
	if err := godotenv.Load(dotenv); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", dotenv, err)
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, err
	}
	cfg.SourcePath = absPath

	cfg = applyConfigDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	interpolated := interpolateEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &cfg, nil
}

// applyConfigDefaults merges default values into config where not explicitly set.
func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}
	if cfg.Logging.TaskLogDir == "" {
		cfg.Logging.TaskLogDir = defaults.Logging.TaskLogDir
	}

	mq := &cfg.RabbitMQ
	if mq.Host == "" {
		mq.Host = defaults.RabbitMQ.Host
	}
	if mq.TaskPrefetch <= 0 {
		mq.TaskPrefetch = defaults.RabbitMQ.TaskPrefetch
	}
	if mq.ModelPrefetch <= 0 {
		mq.ModelPrefetch = defaults.RabbitMQ.ModelPrefetch
	}
	if mq.UnityPrefetch <= 0 {
		mq.UnityPrefetch = defaults.RabbitMQ.UnityPrefetch
	}
	if mq.MaxRetries == nil {
		retries := defaultMaxRetries
		mq.MaxRetries = &retries
	}
	if mq.RetryDelay <= 0 {
		mq.RetryDelay = defaults.RabbitMQ.RetryDelay
	}

	if cfg.Bouncer.SoftFailCodes == nil {
		cfg.Bouncer.SoftFailCodes = defaults.Bouncer.SoftFailCodes
	}
	if cfg.Bouncer.Timeout <= 0 {
		cfg.Bouncer.Timeout = defaults.Bouncer.Timeout
	}
	if cfg.Bouncer.ToyDir == "" {
		cfg.Bouncer.ToyDir = defaults.Bouncer.ToyDir
	}

	pm := &cfg.ProcessMonitoring
	if pm.MemoryInterval <= 0 {
		pm.MemoryInterval = defaults.ProcessMonitoring.MemoryInterval
	}
	if pm.Sink == "" {
		pm.Sink = defaults.ProcessMonitoring.Sink
	}
	if pm.SQLitePath == "" {
		pm.SQLitePath = defaults.ProcessMonitoring.SQLitePath
	}
	if pm.RedisKey == "" {
		pm.RedisKey = defaults.ProcessMonitoring.RedisKey
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}
	return cfg
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.Umask != "" {
		if _, err := ParseUmask(cfg.Service.Umask); err != nil {
			return fmt.Errorf("service.umask: %w", err)
		}
	}

	if cfg.RabbitMQ.CallbackQueue == "" {
		return fmt.Errorf("rabbitmq.callback_queue is required")
	}
	if cfg.RabbitMQ.WorkerQueue == "" && cfg.RabbitMQ.ModelQueue == "" && !cfg.RabbitMQ.ConsumeUnity {
		return fmt.Errorf("at least one of rabbitmq.worker_queue, model_queue or consume_unity is required")
	}
	if cfg.RabbitMQ.ConsumeUnity && cfg.RabbitMQ.UnityQueue == "" {
		return fmt.Errorf("rabbitmq.unity_queue is required when rabbitmq.consume_unity is set")
	}
	if cfg.RabbitMQ.Retries() < 0 {
		return fmt.Errorf("rabbitmq.max_retries must not be negative (got %d)", cfg.RabbitMQ.Retries())
	}
	if err := unresolved("rabbitmq.host", cfg.RabbitMQ.Host); err != nil {
		return err
	}

	if cfg.Bouncer.Path == "" {
		return fmt.Errorf("bouncer.path is required")
	}
	if err := unresolved("bouncer.password", cfg.Bouncer.Password); err != nil {
		return err
	}

	if cfg.Unity != nil && cfg.Unity.Project != "" && cfg.Unity.BatPath == "" {
		return fmt.Errorf("unity.bat_path is required when unity.project is set")
	}
	if cfg.RabbitMQ.ConsumeUnity && (cfg.Unity == nil || cfg.Unity.BatPath == "") {
		return fmt.Errorf("unity.bat_path is required when rabbitmq.consume_unity is set")
	}

	switch cfg.ProcessMonitoring.Sink {
	case "log", "sqlite":
	case "redis":
		if cfg.ProcessMonitoring.RedisAddr == "" {
			return fmt.Errorf("process_monitoring.redis_addr is required for the redis sink")
		}
	default:
		return fmt.Errorf("process_monitoring.sink must be one of: log, sqlite, redis (got %q)", cfg.ProcessMonitoring.Sink)
	}

	if cfg.Artifacts.Enabled && (cfg.Artifacts.Endpoint == "" || cfg.Artifacts.Bucket == "") {
		return fmt.Errorf("artifacts.endpoint and artifacts.bucket are required when artifacts are enabled")
	}
	return nil
}

func unresolved(field, value string) error {
	if m := envVarPattern.FindStringSubmatch(value); len(m) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, m[1])
	}
	return nil
}

// ParseUmask parses an octal umask string such as "0002".
func ParseUmask(s string) (int, error) {
	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid octal value %q", s)
	}
	if v > 0o777 {
		return 0, fmt.Errorf("value %q out of range", s)
	}
	return int(v), nil
}
