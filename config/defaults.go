package config

import "github.com/spf13/viper"

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "quarry.db")

	// Server defaults
	v.SetDefault("server.port", 8480)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:5173"})

	// Worker defaults
	v.SetDefault("worker.poll_interval_ms", 5000)
	v.SetDefault("worker.max_retries", 3)
	v.SetDefault("worker.retry_base_delay_ms", 5000)
	v.SetDefault("worker.stuck_after_minutes", 60)
	v.SetDefault("worker.max_calls_per_minute", 0) // disabled unless set

	// Provider defaults
	v.SetDefault("providers.extraction_url", "http://localhost:8470")
	v.SetDefault("providers.extraction_timeout_minutes", 30) // large PDFs take a while
	v.SetDefault("providers.processing_url", "https://api.openai.com/v1")
	v.SetDefault("providers.model", "gpt-4o-mini")
	v.SetDefault("providers.temperature", 0.2)
}
