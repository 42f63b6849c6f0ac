package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	goruntime "runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/wasm-watchdog/pkg/log"
)

// ModeWasm is the only operational mode this watchdog serves
const ModeWasm = "wasm"

// knownModes are the modes of the FaaS watchdog family; all but wasm are
// rejected with a clearer message than an unknown mode.
var knownModes = []string{"streaming", "serializing", "http", "static", ModeWasm}

// Config holds every watchdog setting
type Config struct {
	Port                int           `yaml:"port"`
	MetricsPort         int           `yaml:"metrics_port"`
	ReadTimeout         time.Duration `yaml:"read_timeout"`
	WriteTimeout        time.Duration `yaml:"write_timeout"`
	ExecTimeout         time.Duration `yaml:"exec_timeout"`
	HealthcheckInterval time.Duration `yaml:"healthcheck_interval"`

	Mode            string `yaml:"mode"`
	FunctionProcess string `yaml:"function_process"`
	ContentType     string `yaml:"content_type"`
	MaxInflight     int    `yaml:"max_inflight"`
	MaxBodyBytes    int64  `yaml:"max_body_bytes"`
	BufferHTTP      bool   `yaml:"buffer_http"`
	PrefixLogs      bool   `yaml:"prefix_logs"`
	LogBufferSize   int    `yaml:"log_buffer_size"`
	SuppressLock    bool   `yaml:"suppress_lock"`

	MinScale       int           `yaml:"min_scale"`
	MaxScale       int           `yaml:"max_scale"`
	IdleGrace      time.Duration `yaml:"idle_grace"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`

	WasmRoot         string `yaml:"wasm_root"`
	WasmCacheDir     string `yaml:"wasm_cache_dir"`
	WasmCTarget      string `yaml:"wasm_c_target"`
	WasmCCPUFeatures string `yaml:"wasm_c_cpu_features"`
	MemoryLimitPages uint32 `yaml:"memory_limit_pages"`

	UseCUDA    bool          `yaml:"use_cuda"`
	GPUTimeout time.Duration `yaml:"gpu_timeout"`

	StateDir       string  `yaml:"state_dir"`
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Port:           8080,
		MetricsPort:    8081,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Mode:           ModeWasm,
		ContentType:    "application/octet-stream",
		PrefixLogs:     true,
		LogBufferSize:  65536,
		MaxBodyBytes:   32 << 20,
		MinScale:       1,
		MaxScale:       goruntime.NumCPU(),
		IdleGrace:      30 * time.Second,
		AcquireTimeout: 10 * time.Second,
		WasmRoot:       "/",
		GPUTimeout:     10 * time.Second,
		RateLimitBurst: 100,
		LogLevel:       "info",
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path and the process environment, in that order, and validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.ApplyEnv(os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides settings from environment variables named after the
// config keys. Unparseable values are ignored with a warning.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	e := envReader{lookup: lookup}

	e.int(&c.Port, "port")
	e.int(&c.MetricsPort, "metrics_port")
	e.duration(&c.ReadTimeout, "read_timeout")
	e.duration(&c.WriteTimeout, "write_timeout")
	e.duration(&c.ExecTimeout, "exec_timeout")
	e.duration(&c.HealthcheckInterval, "healthcheck_interval")

	e.string(&c.Mode, "mode")
	e.string(&c.FunctionProcess, "fprocess")
	e.string(&c.FunctionProcess, "function_process")
	e.string(&c.ContentType, "content_type")
	e.int(&c.MaxInflight, "max_inflight")
	e.int64(&c.MaxBodyBytes, "max_body_bytes")
	e.bool(&c.BufferHTTP, "http_buffer_req_body")
	e.bool(&c.BufferHTTP, "buffer_http")
	e.bool(&c.PrefixLogs, "prefix_logs")
	e.int(&c.LogBufferSize, "log_buffer_size")
	e.bool(&c.SuppressLock, "suppress_lock")

	e.int(&c.MinScale, "min_scale")
	e.int(&c.MaxScale, "max_scale")
	e.duration(&c.IdleGrace, "idle_grace")
	e.duration(&c.AcquireTimeout, "acquire_timeout")

	e.string(&c.WasmRoot, "wasm_root")
	e.string(&c.WasmCacheDir, "wasm_cache_dir")
	e.string(&c.WasmCTarget, "wasm_c_target")
	e.string(&c.WasmCCPUFeatures, "wasm_c_cpu_features")
	e.uint32(&c.MemoryLimitPages, "memory_limit_pages")

	e.bool(&c.UseCUDA, "use_cuda")
	e.duration(&c.GPUTimeout, "gpu_timeout")

	e.string(&c.StateDir, "state_dir")
	e.float(&c.RateLimitRPS, "rate_limit_rps")
	e.int(&c.RateLimitBurst, "rate_limit_burst")

	e.string(&c.LogLevel, "log_level")
	e.bool(&c.LogJSON, "log_json")
}

// Validate checks the configuration and fills derived defaults
func (c *Config) Validate() error {
	if c.WriteTimeout <= 0 {
		return errors.New("HTTP write timeout must be over 0s")
	}
	if c.HealthcheckInterval <= 0 {
		c.HealthcheckInterval = c.WriteTimeout
	}

	if err := validateMode(c.Mode); err != nil {
		return err
	}
	if strings.TrimSpace(c.FunctionProcess) == "" {
		return errors.New(`please provide a "function_process" or "fprocess" environmental variable for your function`)
	}

	for name, port := range map[string]int{"port": c.Port, "metrics_port": c.MetricsPort} {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("invalid %s: %d", name, port)
		}
	}
	if c.Port == c.MetricsPort {
		return fmt.Errorf("port and metrics_port must differ (both %d)", c.Port)
	}

	if c.MinScale < 1 {
		return fmt.Errorf("min_scale must be at least 1: %d", c.MinScale)
	}
	if c.MaxScale < 1 {
		return fmt.Errorf("max_scale must be at least 1: %d", c.MaxScale)
	}
	if c.MinScale > c.MaxScale {
		return fmt.Errorf("min_scale (%d) can not be greater than max_scale (%d)", c.MinScale, c.MaxScale)
	}

	if c.MaxInflight < 0 {
		return fmt.Errorf("max_inflight can not be negative: %d", c.MaxInflight)
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("max_body_bytes must be positive: %d", c.MaxBodyBytes)
	}
	if c.ExecTimeout < 0 || c.IdleGrace < 0 {
		return errors.New("timeouts can not be negative")
	}
	if c.AcquireTimeout <= 0 {
		return fmt.Errorf("acquire_timeout must be over 0s: %s", c.AcquireTimeout)
	}
	if c.GPUTimeout <= 0 {
		return fmt.Errorf("gpu_timeout must be over 0s: %s", c.GPUTimeout)
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return errors.New("rate limit can not be negative")
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst == 0 {
		return errors.New("rate_limit_burst must be positive when rate_limit_rps is set")
	}
	return nil
}

func validateMode(mode string) error {
	if mode == ModeWasm {
		return nil
	}
	for _, m := range knownModes {
		if m == mode {
			return fmt.Errorf("watchdog mode %q is not supported, only %q is served", mode, ModeWasm)
		}
	}
	return fmt.Errorf("unknown watchdog mode: %q, available modes are [%s]", mode, strings.Join(knownModes, ","))
}

// FunctionCommand splits function_process into the module path and its
// arguments
func (c *Config) FunctionCommand() (string, []string) {
	fields := strings.Fields(c.FunctionProcess)
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], fields[1:]
}

// FunctionName is the module file name without directory or extension
func (c *Config) FunctionName() string {
	path, _ := c.FunctionCommand()
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// envReader applies typed environment overrides
type envReader struct {
	lookup func(string) (string, bool)
}

func (e envReader) get(key string) (string, bool) {
	v, ok := e.lookup(key)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (e envReader) warn(key, value string, err error) {
	log.Logger.Warn().Err(err).Str("key", key).Str("value", value).Msg("Ignoring invalid environment value")
}

func (e envReader) string(dst *string, key string) {
	if v, ok := e.get(key); ok && v != "" {
		*dst = v
	}
}

func (e envReader) int(dst *int, key string) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.warn(key, v, err)
		return
	}
	*dst = n
}

func (e envReader) int64(dst *int64, key string) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		e.warn(key, v, err)
		return
	}
	*dst = n
}

func (e envReader) uint32(dst *uint32, key string) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		e.warn(key, v, err)
		return
	}
	*dst = uint32(n)
}

func (e envReader) float(dst *float64, key string) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.warn(key, v, err)
		return
	}
	*dst = f
}

func (e envReader) bool(dst *bool, key string) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.warn(key, v, err)
		return
	}
	*dst = b
}

// duration accepts a Go duration ("1m30s") or a plain number of seconds
func (e envReader) duration(dst *time.Duration, key string) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	d, err := ParseDuration(v)
	if err != nil {
		e.warn(key, v, err)
		return
	}
	*dst = d
}

// ParseDuration parses a Go duration or a whole number of seconds
func ParseDuration(s string) (time.Duration, error) {
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(s)
}
