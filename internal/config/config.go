// Package config loads service configuration from an optional YAML file,
// an optional .env file and the environment, in increasing precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds all service configuration.
type Config struct {
	Service       ServiceConfig       `yaml:"service"`
	Store         StoreConfig         `yaml:"store"`
	Retry         RetryConfig         `yaml:"retry"`
	History       HistoryConfig       `yaml:"history"`
	Download      DownloadConfig      `yaml:"download"`
	STT           STTConfig           `yaml:"stt"`
	Kafka         KafkaConfig         `yaml:"kafka"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServiceConfig holds listener and identity settings.
type ServiceConfig struct {
	HTTPPort  string `yaml:"http_port"`
	GRPCPort  string `yaml:"grpc_port"`
	ClientURL string `yaml:"client_url"` // allowed WebSocket origin, empty = any
	Principal string `yaml:"principal"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver string `yaml:"driver"` // memory, sqlite
	DSN    string `yaml:"dsn"`
}

// RetryConfig holds backoff settings per upstream.
type RetryConfig struct {
	DownloadMaxRetries   int           `yaml:"download_max_retries"`
	DownloadBaseDelay    time.Duration `yaml:"download_base_delay"`
	TranscribeMaxRetries int           `yaml:"transcribe_max_retries"`
	TranscribeBaseDelay  time.Duration `yaml:"transcribe_base_delay"`
}

// HistoryConfig holds the trailing window for history queries.
type HistoryConfig struct {
	Window time.Duration `yaml:"window"`
}

// DownloadConfig selects how audio is fetched.
type DownloadConfig struct {
	Mode          string        `yaml:"mode"` // mock, http
	Timeout       time.Duration `yaml:"timeout"`
	MaxConcurrent int           `yaml:"max_concurrent"`
}

// STTConfig holds speech-to-text upstream settings.
type STTConfig struct {
	LanguageCode  string `yaml:"language_code"`
	AzureKey      string `yaml:"azure_key"`
	AzureRegion   string `yaml:"azure_region"`
	GoogleEnabled bool   `yaml:"google_enabled"`
	SampleRateHz  int32  `yaml:"sample_rate_hz"`
	AudioEncoding string `yaml:"audio_encoding"`
}

// KafkaConfig holds event publishing settings.
type KafkaConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Brokers      []string `yaml:"brokers"`
	TopicPartial string   `yaml:"topic_partial"`
	TopicFinal   string   `yaml:"topic_final"`
	TopicBatch   string   `yaml:"topic_batch"`
	Principal    string   `yaml:"principal"`
}

// ObservabilityConfig holds logging and metrics settings.
type ObservabilityConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			HTTPPort:  "4000",
			GRPCPort:  "50051",
			Principal: "svc-transcription",
		},
		Store: StoreConfig{
			Driver: "sqlite",
			DSN:    "transcriptions.sqlite",
		},
		Retry: RetryConfig{
			DownloadMaxRetries:   3,
			DownloadBaseDelay:    200 * time.Millisecond,
			TranscribeMaxRetries: 3,
			TranscribeBaseDelay:  300 * time.Millisecond,
		},
		History: HistoryConfig{
			Window: 30 * 24 * time.Hour,
		},
		Download: DownloadConfig{
			Mode:          "mock",
			Timeout:       30 * time.Second,
			MaxConcurrent: 10,
		},
		STT: STTConfig{
			LanguageCode:  "en-US",
			SampleRateHz:  8000,
			AudioEncoding: "LINEAR16",
		},
		Kafka: KafkaConfig{
			Brokers:      []string{"localhost:9092"},
			TopicPartial: "transcription.realtime.partial",
			TopicFinal:   "transcription.realtime.final",
			TopicBatch:   "transcription.batch.created",
		},
		Observability: ObservabilityConfig{
			LogLevel:    "info",
			LogFormat:   "json",
			MetricsAddr: ":9090",
		},
	}
}

// Load builds the configuration. CONFIG_FILE, when set, names a YAML file
// applied over the defaults; a .env file in the working directory is loaded
// into the environment if present; environment variables win. Unparseable
// values keep the previous value.
func Load() *Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("Failed to load .env file")
	}

	cfg := Defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Ignoring config file")
		}
	}
	cfg.applyEnv()
	return cfg
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Service.HTTPPort = envOrDefault("PORT", c.Service.HTTPPort)
	c.Service.GRPCPort = envOrDefault("GRPC_PORT", c.Service.GRPCPort)
	c.Service.ClientURL = envOrDefault("CLIENT_URL", c.Service.ClientURL)
	c.Service.Principal = envOrDefault("SERVICE_PRINCIPAL", c.Service.Principal)

	c.Store.Driver = envOrDefault("STORE_DRIVER", c.Store.Driver)
	c.Store.DSN = envOrDefault("STORE_DSN", c.Store.DSN)

	c.Retry.DownloadMaxRetries = envOrDefaultInt("DOWNLOAD_MAX_RETRIES", c.Retry.DownloadMaxRetries)
	c.Retry.DownloadBaseDelay = envOrDefaultDuration("DOWNLOAD_BASE_DELAY", c.Retry.DownloadBaseDelay)
	c.Retry.TranscribeMaxRetries = envOrDefaultInt("TRANSCRIBE_MAX_RETRIES", c.Retry.TranscribeMaxRetries)
	c.Retry.TranscribeBaseDelay = envOrDefaultDuration("TRANSCRIBE_BASE_DELAY", c.Retry.TranscribeBaseDelay)

	c.History.Window = envOrDefaultDuration("HISTORY_WINDOW", c.History.Window)

	c.Download.Mode = envOrDefault("DOWNLOAD_MODE", c.Download.Mode)
	c.Download.Timeout = envOrDefaultDuration("DOWNLOAD_TIMEOUT", c.Download.Timeout)
	c.Download.MaxConcurrent = envOrDefaultInt("DOWNLOAD_MAX_CONCURRENT", c.Download.MaxConcurrent)

	c.STT.LanguageCode = envOrDefault("STT_LANGUAGE_CODE", c.STT.LanguageCode)
	c.STT.AzureKey = envOrDefault("AZURE_SPEECH_KEY", c.STT.AzureKey)
	c.STT.AzureRegion = envOrDefault("AZURE_SPEECH_REGION", c.STT.AzureRegion)
	c.STT.GoogleEnabled = envOrDefaultBool("GOOGLE_STT_ENABLED", c.STT.GoogleEnabled)
	c.STT.SampleRateHz = int32(envOrDefaultInt("STT_SAMPLE_RATE_HZ", int(c.STT.SampleRateHz)))
	c.STT.AudioEncoding = envOrDefault("STT_AUDIO_ENCODING", c.STT.AudioEncoding)

	c.Kafka.Enabled = envOrDefaultBool("KAFKA_ENABLED", c.Kafka.Enabled)
	c.Kafka.Brokers = envOrDefaultList("KAFKA_BROKERS", c.Kafka.Brokers)
	c.Kafka.TopicPartial = envOrDefault("KAFKA_TOPIC_PARTIAL", c.Kafka.TopicPartial)
	c.Kafka.TopicFinal = envOrDefault("KAFKA_TOPIC_FINAL", c.Kafka.TopicFinal)
	c.Kafka.TopicBatch = envOrDefault("KAFKA_TOPIC_BATCH", c.Kafka.TopicBatch)
	c.Kafka.Principal = envOrDefault("KAFKA_PRINCIPAL", c.Kafka.Principal)
	if c.Kafka.Principal == "" {
		c.Kafka.Principal = c.Service.Principal
	}

	c.Observability.LogLevel = envOrDefault("LOG_LEVEL", c.Observability.LogLevel)
	c.Observability.LogFormat = envOrDefault("LOG_FORMAT", c.Observability.LogFormat)
	c.Observability.MetricsAddr = envOrDefault("METRICS_ADDR", c.Observability.MetricsAddr)
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("store config: unknown driver %q", c.Store.Driver)
	}
	if c.Store.Driver == "sqlite" && c.Store.DSN == "" {
		return fmt.Errorf("store config: dsn is required for sqlite")
	}
	switch c.Download.Mode {
	case "mock", "http":
	default:
		return fmt.Errorf("download config: unknown mode %q", c.Download.Mode)
	}
	if c.Retry.DownloadMaxRetries < 0 || c.Retry.TranscribeMaxRetries < 0 {
		return fmt.Errorf("retry config: max retries must not be negative")
	}
	if c.History.Window <= 0 {
		return fmt.Errorf("history config: window must be positive, got %v", c.History.Window)
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka config: brokers are required when enabled")
	}
	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envOrDefaultBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envOrDefaultList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
