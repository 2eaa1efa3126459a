package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/viper"
)

type Config struct {
	Server        ServerConfig        `json:"server"`
	Database      DatabaseConfig      `json:"database"`
	Redis         RedisConfig         `json:"redis"`
	Pipeline      PipelineConfig      `json:"pipeline"`
	Transcription TranscriptionConfig `json:"transcription"`
	OpenAI        OpenAIConfig        `json:"openai"`
	Speaker       SpeakerConfig       `json:"speaker"`
}

type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"sslmode"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// PipelineConfig holds the session/conversation engine tunables. Test
// environments override these with seconds-scale values; production values
// are expected to be much larger.
type PipelineConfig struct {
	SpeechThresholdWords int     `json:"speech_threshold_words"`
	InactivityTimeoutSec float64 `json:"inactivity_timeout_sec"`
	ChunkSeconds         float64 `json:"chunk_seconds"`
	ChunkWriteRetries    int     `json:"chunk_write_retries"`
	SessionGraceSec      float64 `json:"session_grace_sec"`
	AlwaysPersistDefault bool    `json:"always_persist_default"`
	WorkerCount          int     `json:"worker_count"`
}

type TranscriptionConfig struct {
	Provider   string `json:"provider"` // "deepgram" or "stub"
	APIKey     string `json:"api_key,omitempty"`
	BaseURL    string `json:"base_url,omitempty"`
	Model      string `json:"model"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

type OpenAIConfig struct {
	APIKey  string `json:"api_key,omitempty"`
	BaseURL string `json:"base_url,omitempty"`
	Model   string `json:"model"`
}

type SpeakerConfig struct {
	BaseURL string `json:"base_url,omitempty"`
	Enabled bool   `json:"enabled"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("json")

	// Add config paths
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Check for user config directory
	homeDir, err := os.UserHomeDir()
	if err == nil {
		viper.AddConfigPath(filepath.Join(homeDir, ".chronicle"))
	}

	// Set defaults
	viper.SetDefault("server.port", 8000)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "chronicle")
	viper.SetDefault("database.database", "chronicle")
	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("pipeline.speech_threshold_words", 5)
	viper.SetDefault("pipeline.inactivity_timeout_sec", 90.0)
	viper.SetDefault("pipeline.chunk_seconds", 30.0)
	viper.SetDefault("pipeline.chunk_write_retries", 3)
	viper.SetDefault("pipeline.session_grace_sec", 60.0)
	viper.SetDefault("pipeline.always_persist_default", true)
	viper.SetDefault("pipeline.worker_count", 4)
	viper.SetDefault("transcription.provider", "deepgram")
	viper.SetDefault("transcription.model", "nova-2")
	viper.SetDefault("transcription.sample_rate", 16000)
	viper.SetDefault("transcription.channels", 1)
	viper.SetDefault("openai.model", "gpt-4o-mini")

	// Read config
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			cfg := defaultConfig()
			loadEnvOverrides(cfg)
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	loadEnvOverrides(&cfg)

	return &cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8000,
		},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "chronicle",
			Password: "",
			Database: "chronicle",
			SSLMode:  "disable",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Pipeline: PipelineConfig{
			SpeechThresholdWords: 5,
			InactivityTimeoutSec: 90.0,
			ChunkSeconds:         30.0,
			ChunkWriteRetries:    3,
			SessionGraceSec:      60.0,
			AlwaysPersistDefault: true,
			WorkerCount:          4,
		},
		Transcription: TranscriptionConfig{
			Provider:   "deepgram",
			Model:      "nova-2",
			SampleRate: 16000,
			Channels:   1,
		},
		OpenAI: OpenAIConfig{
			Model: "gpt-4o-mini",
		},
	}
}

func loadEnvOverrides(cfg *Config) {
	if port := os.Getenv("CHRONICLE_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if host := os.Getenv("CHRONICLE_HOST"); host != "" {
		cfg.Server.Host = host
	}

	// Database overrides
	if dbHost := os.Getenv("POSTGRES_HOST"); dbHost != "" {
		cfg.Database.Host = dbHost
	}
	if dbPort := os.Getenv("POSTGRES_PORT"); dbPort != "" {
		if port, err := strconv.Atoi(dbPort); err == nil {
			cfg.Database.Port = port
		}
	}
	if dbUser := os.Getenv("POSTGRES_USER"); dbUser != "" {
		cfg.Database.User = dbUser
	}
	if dbPass := os.Getenv("POSTGRES_PASSWORD"); dbPass != "" {
		cfg.Database.Password = dbPass
	}
	if dbName := os.Getenv("POSTGRES_DB"); dbName != "" {
		cfg.Database.Database = dbName
	}

	// Redis overrides
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if pass := os.Getenv("REDIS_PASSWORD"); pass != "" {
		cfg.Redis.Password = pass
	}

	// Pipeline overrides, used by test environments to shrink timeouts
	if v := os.Getenv("CHRONICLE_INACTIVITY_TIMEOUT_SEC"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Pipeline.InactivityTimeoutSec = f
		}
	}
	if v := os.Getenv("CHRONICLE_SPEECH_THRESHOLD_WORDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pipeline.SpeechThresholdWords = n
		}
	}

	// Provider credentials
	if key := os.Getenv("DEEPGRAM_API_KEY"); key != "" {
		cfg.Transcription.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		cfg.OpenAI.APIKey = key
	}
	if url := os.Getenv("SPEAKER_SERVICE_URL"); url != "" {
		cfg.Speaker.BaseURL = url
		cfg.Speaker.Enabled = true
	}
}

func (c *Config) Save() error {
	return viper.WriteConfig()
}
