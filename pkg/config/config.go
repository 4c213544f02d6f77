// Package config provides environment-based configuration for the build service.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Dispatch modes.
const (
	DispatchModeQueue  = "queue"
	DispatchModeDirect = "direct"
)

// Config holds all configuration for the build service.
type Config struct {
	// Database configuration
	DatabaseDSN string

	// LogLevel is one of debug, info, warn, error.
	LogLevel string

	// Authentication
	JWTSecret         string
	JWTExpiry         time.Duration
	JWTIssuer         string
	BuildWebhookToken string

	// Server configuration
	APIPort int
	APIHost string

	// Graceful shutdown timeout
	ShutdownTimeout time.Duration

	// Registry data
	PluginRegistryPath string
	HardwareListPath   string
	// ArchHierarchyPath overrides the embedded parent map when set.
	ArchHierarchyPath string

	Artifacts ArtifactConfig
	GitHub    GitHubConfig

	// DispatchMode selects between enqueueing dispatches for cmd/worker
	// and calling GitHub inline.
	DispatchMode string

	Worker WorkerConfig
}

// ArtifactConfig holds download URL settings.
type ArtifactConfig struct {
	BaseURL       string
	SigningSecret string
	URLExpiry     time.Duration
	Product       string
}

// GitHubConfig holds workflow dispatch settings. Either Token or the three
// App fields must be set.
type GitHubConfig struct {
	APIBaseURL     string
	Token          string
	AppID          int64
	AppPrivateKey  string
	InstallationID int64
	Repository     string
	Workflow       string
	Ref            string
	CallbackURL    string
}

// WorkerConfig holds dispatch worker configuration.
type WorkerConfig struct {
	Concurrency  int
	PollInterval time.Duration
	MaxRetries   int
	// StaleTimeout is how long a claimed job may stay processing before
	// another worker reclaims it.
	StaleTimeout time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := LoadWithDefaults()
	cfg.JWTSecret = getEnv("JWT_SECRET", "")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that required configuration values are set.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters")
	}
	if c.BuildWebhookToken == "" {
		return fmt.Errorf("BUILD_WEBHOOK_TOKEN is required")
	}
	if c.PluginRegistryPath == "" {
		return fmt.Errorf("PLUGIN_REGISTRY_PATH is required")
	}
	if c.HardwareListPath == "" {
		return fmt.Errorf("HARDWARE_LIST_PATH is required")
	}
	if c.Artifacts.SigningSecret == "" {
		return fmt.Errorf("ARTIFACT_SIGNING_SECRET is required")
	}
	switch c.DispatchMode {
	case DispatchModeQueue, DispatchModeDirect:
	default:
		return fmt.Errorf("DISPATCH_MODE must be %q or %q, got %q", DispatchModeQueue, DispatchModeDirect, c.DispatchMode)
	}
	return nil
}

// ValidateDispatch checks that the GitHub dispatch settings are complete.
// Processes that call GitHub refuse to start without them.
func (c *Config) ValidateDispatch() error {
	gh := c.GitHub
	if gh.Repository == "" {
		return fmt.Errorf("GITHUB_REPOSITORY is required")
	}
	if gh.Workflow == "" {
		return fmt.Errorf("GITHUB_WORKFLOW is required")
	}
	if gh.Token != "" {
		return nil
	}
	if gh.AppID == 0 || gh.AppPrivateKey == "" || gh.InstallationID == 0 {
		return fmt.Errorf("GITHUB_TOKEN or GITHUB_APP_ID, GITHUB_APP_PRIVATE_KEY and GITHUB_APP_INSTALLATION_ID are required")
	}
	return nil
}

// LoadWithDefaults loads configuration with defaults for development.
// It does not validate required fields, useful for testing.
func LoadWithDefaults() *Config {
	return &Config{
		DatabaseDSN:        getEnv("DATABASE_URL", "postgres://localhost:5432/firmware?sslmode=disable"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		JWTSecret:          getEnv("JWT_SECRET", "development-secret-key-min-32-chars"),
		JWTExpiry:          getDurationEnv("JWT_EXPIRY", 24*time.Hour),
		JWTIssuer:          getEnv("JWT_ISSUER", "firmware-builder"),
		BuildWebhookToken:  getEnv("BUILD_WEBHOOK_TOKEN", ""),
		APIPort:            getIntEnv("API_PORT", 8080),
		APIHost:            getEnv("API_HOST", "0.0.0.0"),
		ShutdownTimeout:    getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		PluginRegistryPath: getEnv("PLUGIN_REGISTRY_PATH", ""),
		HardwareListPath:   getEnv("HARDWARE_LIST_PATH", ""),
		ArchHierarchyPath:  getEnv("ARCH_HIERARCHY_PATH", ""),
		Artifacts: ArtifactConfig{
			BaseURL:       getEnv("ARTIFACT_BASE_URL", "http://localhost:8081/artifacts"),
			SigningSecret: getEnv("ARTIFACT_SIGNING_SECRET", ""),
			URLExpiry:     getDurationEnv("ARTIFACT_URL_EXPIRY", 15*time.Minute),
			Product:       getEnv("ARTIFACT_PRODUCT", "meshtastic"),
		},
		GitHub: GitHubConfig{
			APIBaseURL:     getEnv("GITHUB_API_URL", "https://api.github.com"),
			Token:          getEnv("GITHUB_TOKEN", ""),
			AppID:          getInt64Env("GITHUB_APP_ID", 0),
			AppPrivateKey:  getEnv("GITHUB_APP_PRIVATE_KEY", ""),
			InstallationID: getInt64Env("GITHUB_APP_INSTALLATION_ID", 0),
			Repository:     getEnv("GITHUB_REPOSITORY", ""),
			Workflow:       getEnv("GITHUB_WORKFLOW", "build.yml"),
			Ref:            getEnv("GITHUB_REF", "main"),
			CallbackURL:    getEnv("CALLBACK_URL", ""),
		},
		DispatchMode: getEnv("DISPATCH_MODE", DispatchModeQueue),
		Worker: WorkerConfig{
			Concurrency:  getIntEnv("WORKER_CONCURRENCY", 4),
			PollInterval: getDurationEnv("WORKER_POLL_INTERVAL", time.Second),
			MaxRetries:   getIntEnv("WORKER_MAX_RETRIES", 3),
			StaleTimeout: getDurationEnv("WORKER_STALE_TIMEOUT", 10*time.Minute),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getInt64Env(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
