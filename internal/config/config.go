package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the process configuration, read from the environment.
type Config struct {
	// Store connections
	StateStoreURL string // Postgres DSN
	QueueURL      string // Redis address host:port
	QueueToken    string // Redis password

	// Listen ports
	Port            string // API listen port
	WorkerEventPort string // event-bus (NATS) port

	// Secrets
	SessionSecret string
	EncryptionKey string // 32 bytes, AES-256-CBC for SMTP passwords at rest

	// CORS
	FrontendOrigin string

	// Engine tunables
	PollInterval      time.Duration // queue poll sleep when empty
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	AutoFailMaxAge    time.Duration
	AutoFailGrace     time.Duration
	ScratchDir        string // script executor working directory
}

// Load reads configuration from the environment, loading a .env file
// first when present.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		StateStoreURL:     getEnv("STATE_STORE_URL", "host=localhost port=5432 user=canopy password=canopy_dev dbname=canopy sslmode=disable"),
		QueueURL:          getEnv("QUEUE_URL", "localhost:6379"),
		QueueToken:        getEnv("QUEUE_TOKEN", ""),
		Port:              getEnv("PORT", "8080"),
		WorkerEventPort:   getEnv("WORKER_EVENT_PORT", "4222"),
		SessionSecret:     getEnv("SESSION_SECRET", ""),
		EncryptionKey:     getEnv("ENCRYPTION_KEY", ""),
		FrontendOrigin:    getEnv("FRONTEND_ORIGIN", "http://localhost:3000"),
		PollInterval:      getDuration("POLL_INTERVAL", time.Second),
		HeartbeatInterval: getDuration("HEARTBEAT_INTERVAL", 5*time.Second),
		HeartbeatTimeout:  getDuration("HEARTBEAT_TIMEOUT", 15*time.Second),
		AutoFailMaxAge:    getDuration("AUTO_FAIL_MAX_AGE", 60*time.Minute),
		AutoFailGrace:     getDuration("AUTO_FAIL_GRACE", 10*time.Minute),
		ScratchDir:        getEnv("SCRATCH_DIR", os.TempDir()),
	}
}

// EventBusURL returns the NATS URL derived from the event port.
func (c *Config) EventBusURL() string {
	return fmt.Sprintf("nats://localhost:%s", c.WorkerEventPort)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
