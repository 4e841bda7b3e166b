package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"periscope/internal/models"
)

// Stream setting bounds. Out-of-range values are clamped, never rejected.
const (
	FpsMin     = 1
	FpsMax     = 30
	QualityMin = 20
	QualityMax = 90
)

// Config holds all application configuration
type Config struct {
	Port       string
	WorkerKey  string // shared secret for the control plane and socket
	StorageDir string // root for downloads/ and shots/

	SessionTTL     time.Duration
	ReaperInterval time.Duration

	// Navigation policy
	NavAllowlist     []string // empty = unrestricted
	NavAllowlistFile string   // optional, hot-reloaded
	RespectRobots    bool

	// Stream defaults
	StreamFps     int
	StreamQuality int

	// Dispatch timeouts
	ActionTimeout time.Duration
	WaitTimeout   time.Duration

	DisableEvaluate bool

	DeviceFile     string
	AllowedOrigins string
	PublicBaseURL  string // used to build wsUrl in session/create responses
}

// Load loads configuration from environment variables with defaults
func Load() *Config {
	return &Config{
		Port:       getEnv("PORT", "8080"),
		WorkerKey:  getEnv("WORKER_KEY", ""),
		StorageDir: getEnv("STORAGE_DIR", "./data"),

		SessionTTL:     time.Duration(getIntEnv("SESSION_TTL_MS", 30*60*1000)) * time.Millisecond,
		ReaperInterval: time.Duration(getIntEnv("REAPER_INTERVAL_MS", 30*1000)) * time.Millisecond,

		NavAllowlist:     splitCSV(getEnv("NAV_ALLOWLIST", "")),
		NavAllowlistFile: getEnv("NAV_ALLOWLIST_FILE", ""),
		RespectRobots:    getBoolEnv("RESPECT_ROBOTS", false),

		StreamFps:     clamp(getIntEnv("STREAM_FPS_DEFAULT", 5), FpsMin, FpsMax),
		StreamQuality: clamp(getIntEnv("STREAM_QUALITY_DEFAULT", 50), QualityMin, QualityMax),

		ActionTimeout: time.Duration(getIntEnv("ACTION_TIMEOUT_MS", 30*1000)) * time.Millisecond,
		WaitTimeout:   time.Duration(getIntEnv("WAIT_TIMEOUT_MS", 8*1000)) * time.Millisecond,

		DisableEvaluate: getBoolEnv("DISABLE_EVALUATE", false),

		DeviceFile:     getEnv("DEVICE_FILE", ""),
		AllowedOrigins: getEnv("ALLOWED_ORIGINS", ""),
		PublicBaseURL:  getEnv("PUBLIC_BASE_URL", ""),
	}
}

// ClampFps bounds a requested stream fps to the legal range.
func ClampFps(fps int) int { return clamp(fps, FpsMin, FpsMax) }

// ClampQuality bounds a requested stream quality to the legal range.
func ClampQuality(q int) int { return clamp(q, QualityMin, QualityMax) }

// DevicePreset is one named viewport/userAgent combination from the
// device file, selectable via the session create request's "device" field.
type DevicePreset struct {
	Viewport  models.Viewport `yaml:"viewport"`
	UserAgent string          `yaml:"userAgent"`
	Locale    string          `yaml:"locale"`
}

// LoadDevices loads device presets from a YAML file.
func LoadDevices(filePath string) (map[string]DevicePreset, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read device file: %w", err)
	}

	var devices map[string]DevicePreset
	if err := yaml.Unmarshal(data, &devices); err != nil {
		return nil, fmt.Errorf("failed to parse device YAML: %w", err)
	}

	return devices, nil
}

func splitCSV(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}
