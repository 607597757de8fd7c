package config

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Upstream is one inference server the gateway fronts, together with the
// rejection log that server writes.
type Upstream struct {
	Name         string `yaml:"name" validate:"required"`
	URL          string `yaml:"url" validate:"required,url"`
	RejectionLog string `yaml:"rejection_log" validate:"required"`
	ListenAddr   string `yaml:"listen_addr" validate:"required"`
	OutputDir    string `yaml:"output_dir"`
	// OutputPath, when set, overrides the timestamped artifact name.
	OutputPath string `yaml:"output_path"`
}

type Config struct {
	// HTTP Configuration
	HTTPAddr     string
	MaxBodyBytes int64 `validate:"gt=0"`
	TaskIDHeader string

	// Upstream Configuration
	Upstreams       []Upstream `validate:"required,min=1,unique=Name,dive"`
	UpstreamsFile   string
	UpstreamTimeout time.Duration `validate:"gt=0"`

	// Log Matching Configuration
	SettleQuiet time.Duration `validate:"gte=0"`
	SettleMax   time.Duration `validate:"gt=0"`

	// Output Configuration
	OutputDir    string `validate:"required"`
	OutputPath   string
	SaveCombined bool

	// Database Configuration
	DBPath string `validate:"required"`

	// NATS Configuration (disabled when NatsURL is empty)
	NatsURL           string
	TraceSubject      string        `validate:"required"`
	HeartbeatInterval time.Duration `validate:"gt=0"`

	LogLevel string `validate:"oneof=debug info warn error"`
}

type upstreamsFile struct {
	Upstreams []Upstream `yaml:"upstreams"`
}

var validate = validator.New()

func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := loadDotEnv(envFile); err != nil {
			slog.Warn("Could not load env file", "file", envFile, "error", err)
		} else {
			slog.Info("Environment loaded", "file", envFile)
		}
	}

	cfg := &Config{
		HTTPAddr:          getEnv("HTTP_ADDR", ":8081"),
		MaxBodyBytes:      getEnvInt64("MAX_BODY_BYTES", 32<<20),
		TaskIDHeader:      getEnv("TASK_ID_HEADER", "X-Task-Id"),
		UpstreamsFile:     getEnv("UPSTREAMS_FILE", ""),
		UpstreamTimeout:   getEnvDuration("UPSTREAM_TIMEOUT", "5m"),
		SettleQuiet:       getEnvDuration("LOG_SETTLE_QUIET", "50ms"),
		SettleMax:         getEnvDuration("LOG_SETTLE_MAX", "2s"),
		OutputDir:         getEnv("OUTPUT_DIR", "data/traces"),
		OutputPath:        getEnv("OUTPUT_PATH", ""),
		SaveCombined:      getEnvBool("SAVE_COMBINED", true),
		DBPath:            getEnv("DB_PATH", "data/tracer.sqlite"),
		NatsURL:           getEnv("NATS_URL", ""),
		TraceSubject:      getEnv("TRACE_SUBJECT", "grammar.trace"),
		HeartbeatInterval: getEnvDuration("HEARTBEAT_INTERVAL", "30s"),
		LogLevel:          strings.ToLower(getEnv("LOG_LEVEL", "info")),
	}

	if cfg.UpstreamsFile != "" {
		upstreams, err := loadUpstreams(cfg.UpstreamsFile)
		if err != nil {
			return nil, err
		}
		cfg.Upstreams = upstreams
	} else {
		cfg.Upstreams = []Upstream{{
			Name:         getEnv("UPSTREAM_NAME", "default"),
			URL:          getEnv("UPSTREAM_URL", "http://127.0.0.1:8080"),
			RejectionLog: getEnv("REJECTION_LOG", "data/rejection_log.json"),
			ListenAddr:   cfg.HTTPAddr,
			OutputPath:   cfg.OutputPath,
		}}
	}
	for i := range cfg.Upstreams {
		if cfg.Upstreams[i].OutputDir == "" {
			cfg.Upstreams[i].OutputDir = cfg.OutputDir
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and that no two upstreams share a
// listen address.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	seen := make(map[string]string, len(c.Upstreams))
	for _, u := range c.Upstreams {
		if other, ok := seen[u.ListenAddr]; ok {
			return fmt.Errorf("invalid config: upstreams %q and %q both listen on %s", other, u.Name, u.ListenAddr)
		}
		seen[u.ListenAddr] = u.Name
	}
	return nil
}

// SlogLevel maps LogLevel to a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func loadUpstreams(path string) ([]Upstream, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read upstreams file: %w", err)
	}
	var file upstreamsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse upstreams file %s: %w", path, err)
	}
	return file.Upstreams, nil
}

func loadDotEnv(filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) == 2 {
			key := strings.TrimSpace(parts[0])
			value := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
			os.Setenv(key, value)
		}
	}
	return scanner.Err()
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDuration(key, defaultVal string) time.Duration {
	val := getEnv(key, defaultVal)
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	d, _ := time.ParseDuration(defaultVal)
	return d
}
