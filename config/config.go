// Package config holds the typed quarry configuration, loaded with Viper.
package config

// Config is the root quarry configuration.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Server    ServerConfig    `mapstructure:"server"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Providers ProvidersConfig `mapstructure:"providers"`
}

// DatabaseConfig configures the SQLite database backing the job store and
// work queue.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig configures the operational HTTP surface.
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// WorkerConfig configures the scheduler loop.
type WorkerConfig struct {
	// PollIntervalMS is how long a worker sleeps when the queue is empty or
	// paused (default: 5000).
	PollIntervalMS int `mapstructure:"poll_interval_ms"`
	// MaxRetries bounds attempts per work item; the MaxRetries-th
	// consecutive failure is terminal (default: 3).
	MaxRetries int `mapstructure:"max_retries"`
	// RetryBaseDelayMS seeds the exponential backoff score offset
	// (default: 5000).
	RetryBaseDelayMS int `mapstructure:"retry_base_delay_ms"`
	// StuckAfterMinutes is the in-flight claim age after which an item is
	// considered orphaned by a dead worker (default: 60).
	StuckAfterMinutes int `mapstructure:"stuck_after_minutes"`
	// MaxCallsPerMinute rate-limits processing collaborator calls.
	// Zero disables the gate.
	MaxCallsPerMinute int `mapstructure:"max_calls_per_minute"`
}

// ProvidersConfig configures the external extraction and processing services.
type ProvidersConfig struct {
	ExtractionURL            string  `mapstructure:"extraction_url"`
	ExtractionTimeoutMinutes int     `mapstructure:"extraction_timeout_minutes"`
	ProcessingURL            string  `mapstructure:"processing_url"`
	ProcessingAPIKey         string  `mapstructure:"processing_api_key"`
	Model                    string  `mapstructure:"model"`
	Temperature              float64 `mapstructure:"temperature"`
}
