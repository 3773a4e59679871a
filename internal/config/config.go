// Package config loads service configuration from the environment.
package config

import (
	"os"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"live-transcription-service/internal/apperr"
)

// Config is the complete service configuration.
type Config struct {
	Service       ServiceConfig
	STT           STTConfig
	Audio         AudioConfig
	Translator    TranslatorConfig
	Corrector     CorrectorConfig
	Session       SessionConfig
	Speakers      SpeakersConfig
	Kafka         KafkaConfig
	Storage       StorageConfig
	Observability ObservabilityConfig
}

// ServiceConfig holds listener addresses and identity.
type ServiceConfig struct {
	Principal   string `validate:"required"`
	Environment string
	GRPCPort    string `validate:"required,numeric"`
	HTTPAddr    string `validate:"required"`
	MetricsAddr string `validate:"required"`
}

// STTConfig selects and configures the recognition backend.
type STTConfig struct {
	Provider       string `validate:"oneof=mock google deepgram"`
	LanguageCode   string `validate:"required"`
	InterimResults bool
	Diarize        bool
	PhraseHints    []string
	Model          string

	GoogleCredentialsFile string
	GoogleEndpoint        string
	GoogleMaxSpeakers     int `validate:"min=1,max=10"`

	DeepgramAPIKey string `validate:"required_if=Provider deepgram"`
	DeepgramURL    string
}

// AudioConfig selects the capture source.
type AudioConfig struct {
	Source        string `validate:"oneof=device fake"`
	DeviceID      string
	CaptureRateHz int `validate:"min=8000"`
	FakeLoop      bool
}

// TranslatorConfig configures the translation backend.
type TranslatorConfig struct {
	Enabled         bool
	Endpoint        string
	Key             string `validate:"required_if=Enabled true"`
	Region          string `validate:"required_if=Enabled true"`
	TargetLanguages []string
	Timeout         time.Duration
}

// CorrectorConfig configures the proofreading backend.
type CorrectorConfig struct {
	Enabled   bool
	Endpoint  string `validate:"required_if=Enabled true,omitempty,url"`
	APIKey    string
	BatchSize int `validate:"min=1"`
	Every     int `validate:"min=0"`
	Timeout   time.Duration
}

// SessionConfig holds lifecycle timeouts.
type SessionConfig struct {
	FlushTimeout time.Duration
	DrainTimeout time.Duration
	StoreTimeout time.Duration
	AutoStart    bool
}

// SpeakersConfig selects where speaker labels are persisted.
type SpeakersConfig struct {
	Store          string `validate:"oneof=memory redis sqlite"`
	RedisAddr      string `validate:"required_if=Store redis"`
	RedisPassword  string
	RedisDB        int `validate:"min=0"`
	RedisKeyPrefix string
	SQLitePath     string `validate:"required_if=Store sqlite"`
}

// KafkaConfig configures the live transcript feed.
type KafkaConfig struct {
	Enabled         bool
	Brokers         []string `validate:"required_if=Enabled true"`
	TopicInterim    string
	TopicSegment    string
	TopicTranscript string
	Principal       string
}

// StorageConfig selects the finalized transcript sink.
type StorageConfig struct {
	Sink             string `validate:"oneof=log kafka s3"`
	S3Bucket         string `validate:"required_if=Sink s3"`
	S3Prefix         string
	S3Region         string
	S3Endpoint       string
	S3AccessKey      string
	S3SecretKey      string
	S3ForcePathStyle bool
}

// ObservabilityConfig holds logging, error reporting and tracing settings.
type ObservabilityConfig struct {
	LogLevel       string `validate:"oneof=debug info warn error"`
	LogFormat      string `validate:"oneof=json console"`
	SentryDSN      string
	TracingEnabled bool
	OTLPEndpoint   string `validate:"required_if=TracingEnabled true"`
}

// Load reads configuration from the environment. Variables from an env file
// (ENV_FILE, default ".env") are applied first without overriding the
// process environment. Unparseable values fall back to defaults.
func Load() *Config {
	loadEnvFile(envOrDefault("ENV_FILE", ".env"))

	principal := envOrDefault("SERVICE_PRINCIPAL", "svc-live-transcription")

	return &Config{
		Service: ServiceConfig{
			Principal:   principal,
			Environment: envOrDefault("ENV", "prod"),
			GRPCPort:    envOrDefault("GRPC_PORT", "50051"),
			HTTPAddr:    envOrDefault("HTTP_ADDR", ":8080"),
			MetricsAddr: envOrDefault("METRICS_ADDR", ":9090"),
		},
		STT: STTConfig{
			Provider:              envOrDefault("STT_PROVIDER", "mock"),
			LanguageCode:          envOrDefault("STT_LANGUAGE_CODE", "en-US"),
			InterimResults:        envOrDefaultBool("STT_INTERIM_RESULTS", true),
			Diarize:               envOrDefaultBool("STT_DIARIZE", true),
			PhraseHints:           envOrDefaultList("STT_PHRASE_HINTS", nil),
			Model:                 os.Getenv("STT_MODEL"),
			GoogleCredentialsFile: os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"),
			GoogleEndpoint:        os.Getenv("STT_GOOGLE_ENDPOINT"),
			GoogleMaxSpeakers:     envOrDefaultInt("STT_GOOGLE_MAX_SPEAKERS", 6),
			DeepgramAPIKey:        os.Getenv("DEEPGRAM_API_KEY"),
			DeepgramURL:           os.Getenv("DEEPGRAM_URL"),
		},
		Audio: AudioConfig{
			Source:        envOrDefault("AUDIO_SOURCE", "device"),
			DeviceID:      os.Getenv("AUDIO_DEVICE_ID"),
			CaptureRateHz: envOrDefaultInt("AUDIO_CAPTURE_RATE_HZ", 48000),
			FakeLoop:      envOrDefaultBool("AUDIO_FAKE_LOOP", true),
		},
		Translator: TranslatorConfig{
			Enabled:         envOrDefaultBool("TRANSLATOR_ENABLED", false),
			Endpoint:        os.Getenv("TRANSLATOR_ENDPOINT"),
			Key:             os.Getenv("TRANSLATOR_KEY"),
			Region:          os.Getenv("TRANSLATOR_REGION"),
			TargetLanguages: envOrDefaultList("TRANSLATOR_TARGET_LANGUAGES", nil),
			Timeout:         envOrDefaultDuration("TRANSLATOR_TIMEOUT", 20*time.Second),
		},
		Corrector: CorrectorConfig{
			Enabled:   envOrDefaultBool("CORRECTOR_ENABLED", false),
			Endpoint:  os.Getenv("CORRECTOR_ENDPOINT"),
			APIKey:    os.Getenv("CORRECTOR_API_KEY"),
			BatchSize: envOrDefaultInt("CORRECTOR_BATCH_SIZE", 20),
			Every:     envOrDefaultInt("CORRECTOR_EVERY", 5),
			Timeout:   envOrDefaultDuration("CORRECTOR_TIMEOUT", 20*time.Second),
		},
		Session: SessionConfig{
			FlushTimeout: envOrDefaultDuration("SESSION_FLUSH_TIMEOUT", 2*time.Second),
			DrainTimeout: envOrDefaultDuration("SESSION_DRAIN_TIMEOUT", 5*time.Second),
			StoreTimeout: envOrDefaultDuration("SESSION_STORE_TIMEOUT", 30*time.Second),
			AutoStart:    envOrDefaultBool("SESSION_AUTO_START", false),
		},
		Speakers: SpeakersConfig{
			Store:          envOrDefault("SPEAKER_STORE", "memory"),
			RedisAddr:      os.Getenv("REDIS_ADDR"),
			RedisPassword:  os.Getenv("REDIS_PASSWORD"),
			RedisDB:        envOrDefaultInt("REDIS_DB", 0),
			RedisKeyPrefix: envOrDefault("REDIS_KEY_PREFIX", "speaker-label"),
			SQLitePath:     os.Getenv("SPEAKER_SQLITE_PATH"),
		},
		Kafka: KafkaConfig{
			Enabled:         envOrDefaultBool("KAFKA_ENABLED", false),
			Brokers:         envOrDefaultList("KAFKA_BROKERS", nil),
			TopicInterim:    envOrDefault("KAFKA_TOPIC_INTERIM", "transcript.interim"),
			TopicSegment:    envOrDefault("KAFKA_TOPIC_SEGMENT", "transcript.segment"),
			TopicTranscript: envOrDefault("KAFKA_TOPIC_TRANSCRIPT", "transcript.final"),
			Principal:       envOrDefault("KAFKA_PRINCIPAL", principal),
		},
		Storage: StorageConfig{
			Sink:             envOrDefault("STORAGE_SINK", "log"),
			S3Bucket:         os.Getenv("S3_BUCKET"),
			S3Prefix:         envOrDefault("S3_PREFIX", "transcripts"),
			S3Region:         envOrDefault("S3_REGION", "us-east-1"),
			S3Endpoint:       os.Getenv("S3_ENDPOINT"),
			S3AccessKey:      os.Getenv("S3_ACCESS_KEY"),
			S3SecretKey:      os.Getenv("S3_SECRET_KEY"),
			S3ForcePathStyle: envOrDefaultBool("S3_FORCE_PATH_STYLE", false),
		},
		Observability: ObservabilityConfig{
			LogLevel:       strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
			LogFormat:      envOrDefault("LOG_FORMAT", "json"),
			SentryDSN:      os.Getenv("SENTRY_DSN"),
			TracingEnabled: envOrDefaultBool("TRACING_ENABLED", false),
			OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		},
	}
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks the configuration and returns a CONFIGURATION error
// naming every invalid field.
func (c *Config) Validate() error {
	err := getValidator().Struct(c)
	if err == nil {
		return nil
	}

	validationErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return apperr.Configuration("config.validate", err.Error())
	}

	messages := make([]string, 0, len(validationErrors))
	for _, e := range validationErrors {
		messages = append(messages, e.Namespace()+": "+describe(e))
	}
	return apperr.Configuration("config.validate", strings.Join(messages, "; "))
}

func describe(e validator.FieldError) string {
	switch e.Tag() {
	case "required", "required_if":
		return "is required"
	case "oneof":
		return "must be one of: " + e.Param()
	case "min":
		return "must be at least " + e.Param()
	case "max":
		return "must be at most " + e.Param()
	case "url":
		return "must be a valid URL"
	case "numeric":
		return "must be numeric"
	default:
		if e.Kind() == reflect.Slice {
			return "is invalid list"
		}
		return "is invalid"
	}
}

func loadEnvFile(path string) {
	if _, err := os.Stat(path); err != nil {
		return
	}
	if err := godotenv.Load(path); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Failed to load env file")
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envOrDefaultBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// envOrDefaultList splits a comma-separated value, dropping empty items.
func envOrDefaultList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
