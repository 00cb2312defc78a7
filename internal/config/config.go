package config

import (
	"io"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

type Config struct {
	Port    string
	GinMode string

	// Research engine collaborator
	ResearchEngineWSURL    string // ws:// or wss:// endpoint of the research engine
	ResearchTimeoutMinutes int    // how long the synchronous path waits for a report

	// Chat (engine conversational capability)
	ChatAPIURL string
	ChatAPIKey string
	ChatModel  string

	// Vector store persistence
	VectorDBEnabled    bool
	VectorDBURL        string
	VectorDBCollection string
	EmbeddingAPIURL    string
	EmbeddingAPIKey    string
	EmbeddingModel     string
	CacheDir           string // fallback cache for reports that failed to persist

	// Report archive (optional, disabled when DATABASE_URL is empty)
	DatabaseURL string

	// Database Connection Pool
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxIdleTime int // in minutes
	DBConnMaxLifetime int // in minutes

	// Job cache
	JobTTLMinutes          int    // idle terminal jobs older than this are evicted
	FailureCooldownSeconds int    // failed jobs are re-runnable after this
	EvictionSchedule       string // cron spec for the eviction sweep

	// Websocket
	ConnSendBufferSize int // outbound queue capacity per connection

	// Distributed cancel (optional, disabled when NATS_URL is empty)
	NatsURL string

	// Server
	ServerShutdownTimeoutSeconds int

	// CORS
	CORSAllowedOrigins string

	// Logging
	LogLevel  string
	LogFormat string
}

var AppConfig *Config

func LoadConfig() {
	// Load .env file if it exists
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	AppConfig = &Config{
		Port:    getEnvOrDefault("PORT", "8080"),
		GinMode: getEnvOrDefault("GIN_MODE", "release"),

		// Research engine
		ResearchEngineWSURL:    getEnvOrDefault("RESEARCH_ENGINE_WS_URL", "ws://localhost:8000/ws"),
		ResearchTimeoutMinutes: getEnvAsInt("RESEARCH_TIMEOUT_MINUTES", 15),

		// Chat
		ChatAPIURL: getEnvOrDefault("CHAT_API_URL", "https://api.openai.com/v1"),
		ChatAPIKey: getEnvOrDefault("CHAT_API_KEY", ""),
		ChatModel:  getEnvOrDefault("CHAT_MODEL", "gpt-4o-mini"),

		// Vector store
		VectorDBEnabled:    getEnvOrDefault("VECTOR_DB_ENABLED", "true") == "true",
		VectorDBURL:        getEnvOrDefault("VECTOR_DB_URL", "http://localhost:8001"),
		VectorDBCollection: getEnvOrDefault("VECTOR_DB_COLLECTION", "academic_research"),
		EmbeddingAPIURL:    getEnvOrDefault("EMBEDDING_API_URL", "https://api.openai.com/v1"),
		EmbeddingAPIKey:    getEnvOrDefault("EMBEDDING_API_KEY", ""),
		EmbeddingModel:     getEnvOrDefault("EMBEDDING_MODEL", "text-embedding-3-small"),
		CacheDir:           getEnvOrDefault("CACHE_DIR", "./cache"),

		// Report archive
		DatabaseURL: getEnvOrDefault("DATABASE_URL", ""),

		// Database Connection Pool
		DBMaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 15),
		DBMaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxIdleTime: getEnvAsInt("DB_CONN_MAX_IDLE_TIME_MINUTES", 1),
		DBConnMaxLifetime: getEnvAsInt("DB_CONN_MAX_LIFETIME_MINUTES", 30),

		// Job cache
		JobTTLMinutes:          getEnvAsInt("JOB_TTL_MINUTES", 30),
		FailureCooldownSeconds: getEnvAsInt("FAILURE_COOLDOWN_SECONDS", 30),
		EvictionSchedule:       getEnvOrDefault("EVICTION_SCHEDULE", "@every 1m"),

		// Websocket
		ConnSendBufferSize: getEnvAsInt("CONN_SEND_BUFFER_SIZE", 64),

		// Distributed cancel
		NatsURL: getEnvOrDefault("NATS_URL", ""),

		// Server
		ServerShutdownTimeoutSeconds: getEnvAsInt("SERVER_SHUTDOWN_TIMEOUT_SECONDS", 30),

		// CORS
		CORSAllowedOrigins: getEnvOrDefault("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),

		// Logging
		LogLevel:  getEnvOrDefault("LOG_LEVEL", "debug"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", "text"),
	}

	// Optional settings file. Environment variables win for everything the file
	// does not set; the file is mainly useful for local development overrides.
	configFilePath := getEnvOrDefault("CONFIG_FILE", "config.yaml")
	configFile, err := os.Open(configFilePath)
	if err == nil {
		defer configFile.Close()
		log.Printf("Loading config file: %v", configFilePath)
		if err := LoadConfigFile(configFile, AppConfig); err != nil {
			log.Fatalf("Failed to load config file: %v", err)
		}
	}

	if AppConfig.ChatAPIKey == "" {
		log.Println("Warning: Chat API key is missing. Please set CHAT_API_KEY environment variable.")
	}

	if AppConfig.VectorDBEnabled && AppConfig.EmbeddingAPIKey == "" {
		log.Println("Warning: Embedding API key is missing. Reports will not be persisted to the vector store.")
	}

	if AppConfig.DatabaseURL == "" {
		log.Println("Report archive disabled (DATABASE_URL not set)")
	}

	if AppConfig.NatsURL == "" {
		log.Println("Distributed cancel disabled (NATS_URL not set)")
	}
}

// ResearchTimeout returns the synchronous research wait as a duration.
func (c *Config) ResearchTimeout() time.Duration {
	return time.Duration(c.ResearchTimeoutMinutes) * time.Minute
}

// JobTTL returns the terminal job retention as a duration.
func (c *Config) JobTTL() time.Duration {
	return time.Duration(c.JobTTLMinutes) * time.Minute
}

// FailureCooldown returns the failed-job cooldown as a duration.
func (c *Config) FailureCooldown() time.Duration {
	return time.Duration(c.FailureCooldownSeconds) * time.Second
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as int, using default %d: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func LoadConfigFile(reader io.Reader, config *Config) error {
	decoder := yaml.NewDecoder(reader)

	if err := decoder.Decode(config); err != nil {
		return err
	}

	return nil
}
