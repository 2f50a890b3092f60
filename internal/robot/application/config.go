package application

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"ot2-driver/internal/robot/infrastructure/ot2api"
)

// Config defines driver configuration.
type Config struct {
	IP                   string  `yaml:"ip"`
	Port                 int     `yaml:"port"`
	Retries              int     `yaml:"retries"`
	BackoffFactor        float64 `yaml:"backoff_factor"`
	RetriableStatusCodes []int   `yaml:"retriable_status_codes"`
	PollIntervalSeconds  float64 `yaml:"poll_interval_s"`
	ProtocolVersion      string  `yaml:"protocol_version"`
	RequestTimeoutS      float64 `yaml:"request_timeout_s"`
	UploadTimeoutS       float64 `yaml:"upload_timeout_s"`
	ProtocolDir          string  `yaml:"protocol_dir"`
}

// DefaultConfig returns the documented defaults with no robot address.
func DefaultConfig() Config {
	return Config{
		Port:                ot2api.DefaultPort,
		Retries:             5,
		BackoffFactor:       1.0,
		PollIntervalSeconds: 1.0,
		ProtocolVersion:     ot2api.DefaultVersion,
		RequestTimeoutS:     ot2api.DefaultRequestTimeout.Seconds(),
		UploadTimeoutS:      ot2api.DefaultUploadTimeout.Seconds(),
		ProtocolDir:         "protocols",
	}
}

// LoadConfig loads config from yaml or env and validates it.
func LoadConfig() (Config, error) {
	cfg, err := LoadConfigUnvalidated()
	if err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadConfigUnvalidated loads config from env and the optional OT2_CONFIG
// yaml file without validating it, so callers can apply overrides first.
func LoadConfigUnvalidated() (Config, error) {
	cfg := DefaultConfig()
	cfg.IP = os.Getenv("OT2_HOST")
	cfg.Port = getenvIntDefault("OT2_PORT", cfg.Port)
	cfg.Retries = getenvIntDefault("OT2_RETRIES", cfg.Retries)
	cfg.BackoffFactor = getenvFloatDefault("OT2_BACKOFF_FACTOR", cfg.BackoffFactor)
	cfg.PollIntervalSeconds = getenvFloatDefault("OT2_POLL_INTERVAL_S", cfg.PollIntervalSeconds)
	cfg.ProtocolDir = getenvDefault("OT2_PROTOCOL_DIR", cfg.ProtocolDir)
	codes, err := parseStatusCodes(os.Getenv("OT2_RETRIABLE_STATUS_CODES"))
	if err != nil {
		return cfg, err
	}
	cfg.RetriableStatusCodes = codes

	if path := os.Getenv("OT2_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

// Validate checks the settings needed to reach a robot.
func (c Config) Validate() error {
	if c.IP == "" {
		return errors.New("config: robot ip required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	if c.Retries < 0 {
		return errors.New("config: retries must be >= 0")
	}
	if c.BackoffFactor < 0 {
		return errors.New("config: backoff_factor must be >= 0")
	}
	if c.PollIntervalSeconds <= 0 {
		return errors.New("config: poll_interval_s must be > 0")
	}
	return nil
}

// BaseURL returns the robot base URL.
func (c Config) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", c.IP, c.Port)
}

// PollInterval returns the wait-loop poll interval.
func (c Config) PollInterval() time.Duration {
	return seconds(c.PollIntervalSeconds, time.Second)
}

// TransportConfig converts the driver config into transport settings.
func (c Config) TransportConfig() ot2api.Config {
	return ot2api.Config{
		BaseURL:              c.BaseURL(),
		ProtocolVersion:      c.ProtocolVersion,
		Retries:              c.Retries,
		BackoffFactor:        c.BackoffFactor,
		RetriableStatusCodes: append([]int(nil), c.RetriableStatusCodes...),
		RequestTimeout:       seconds(c.RequestTimeoutS, ot2api.DefaultRequestTimeout),
		UploadTimeout:        seconds(c.UploadTimeoutS, ot2api.DefaultUploadTimeout),
	}
}

func seconds(value float64, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return time.Duration(value * float64(time.Second))
}

func parseStatusCodes(value string) ([]int, error) {
	var codes []int
	for _, part := range splitCSV(value) {
		code, err := strconv.Atoi(part)
		if err != nil || code < 100 || code > 599 {
			return nil, fmt.Errorf("config: invalid status code %q", part)
		}
		codes = append(codes, code)
	}
	return codes, nil
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvFloatDefault(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitCSV(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	var result []string
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			result = append(result, part)
		}
	}
	return result
}
