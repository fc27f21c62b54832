package config

import "time"

// AgentConfig holds runtime configuration for the device agent.
type AgentConfig struct {
	Environment        string
	Addr               string
	BackendURL         string
	BackendTimeout     time.Duration
	StoreDriver        string
	StorePath          string
	StoreSecret        string
	DatabaseURL        string
	MigrationsDir      string
	APIToken           string
	DeviceID           string
	DeviceToken        string
	ShiftRefreshEvery  time.Duration
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// LoadAgentConfig constructs an AgentConfig from environment variables.
func LoadAgentConfig() AgentConfig {
	return AgentConfig{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               GetString("AGENT_ADDR", ":4600"),
		BackendURL:         GetString("BACKEND_URL", "https://api.kantinekoning.com"),
		BackendTimeout:     time.Duration(GetInt("BACKEND_TIMEOUT_SECONDS", 15)) * time.Second,
		StoreDriver:        GetString("STORE_DRIVER", "file"),
		StorePath:          GetString("STORE_PATH", "enrollments.dat"),
		StoreSecret:        GetString("STORE_SECRET", "kantine-koning-device"),
		DatabaseURL:        GetString("DATABASE_URL", ""),
		MigrationsDir:      GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		APIToken:           GetString("AGENT_API_TOKEN", ""),
		DeviceID:           GetString("DEVICE_ID", ""),
		DeviceToken:        GetString("DEVICE_TOKEN", ""),
		ShiftRefreshEvery:  time.Duration(GetInt("SHIFT_REFRESH_SECONDS", 300)) * time.Second,
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}
