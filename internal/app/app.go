package app

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"live-transcription-service/internal/apperr"
	"live-transcription-service/internal/config"
	"live-transcription-service/internal/events"
	"live-transcription-service/internal/observability"
	"live-transcription-service/internal/observability/logging"
	"live-transcription-service/internal/service/audio"
	"live-transcription-service/internal/service/enrich"
	"live-transcription-service/internal/service/session"
	"live-transcription-service/internal/service/speaker"
	"live-transcription-service/internal/service/stt"
	"live-transcription-service/internal/service/stt/deepgram"
	"live-transcription-service/internal/service/stt/google"
	"live-transcription-service/internal/service/stt/mock"
	"live-transcription-service/internal/storage"
)

// Application holds process-wide state for the service.
type Application struct {
	StartupTime time.Time
	Logger      zerolog.Logger
	Cfg         *config.Config

	Session   *session.Controller
	Publisher *events.Publisher
	Live      *events.Hub

	closers []io.Closer
	tracer  *sdktrace.TracerProvider
	ready   atomic.Bool
}

// New builds the recognition backend, capture source, label store, enrichment
// clients and sinks named by cfg and wires them into a session controller.
func New(ctx context.Context, cfg *config.Config) (*Application, error) {
	a := &Application{Cfg: cfg}
	a.setupLogger()

	appLogger := a.Logger.With().
		Str("method", "New").
		Logger()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Observability.TracingEnabled {
		tp, err := observability.InitTracer(ctx, observability.TracerConfig{
			ServiceName: cfg.Service.Principal,
			Environment: cfg.Service.Environment,
			Endpoint:    cfg.Observability.OTLPEndpoint,
			Insecure:    cfg.Service.Environment == "dev",
			SampleRate:  1,
		})
		if err != nil {
			return nil, fmt.Errorf("init tracer: %w", err)
		}
		a.tracer = tp
	}

	backend, err := newBackend(cfg.STT)
	if err != nil {
		a.closeAll()
		return nil, err
	}

	labels, err := a.newLabelStore(ctx, cfg.Speakers)
	if err != nil {
		a.closeAll()
		return nil, err
	}

	a.Publisher = events.New(&events.Config{
		Enabled:         cfg.Kafka.Enabled,
		Brokers:         cfg.Kafka.Brokers,
		TopicInterim:    cfg.Kafka.TopicInterim,
		TopicSegment:    cfg.Kafka.TopicSegment,
		TopicTranscript: cfg.Kafka.TopicTranscript,
		Principal:       cfg.Kafka.Principal,
	})

	sink, err := a.newSink(ctx, cfg.Storage)
	if err != nil {
		a.closeAll()
		return nil, err
	}

	deps := session.Deps{
		Backend: backend,
		Capture: newCapture(cfg.Audio),
		Labels:  labels,
		Sink:    sink,
	}
	a.Live = events.NewHub()
	deps.Feed = a.Live
	if cfg.Kafka.Enabled {
		deps.Feed = events.Feeds{a.Live, a.Publisher}
	}
	if cfg.Translator.Enabled {
		deps.Translator = enrich.NewHTTPTranslator(enrich.TranslatorConfig{
			Endpoint: cfg.Translator.Endpoint,
			Key:      cfg.Translator.Key,
			Region:   cfg.Translator.Region,
			Timeout:  cfg.Translator.Timeout,
		})
	}
	if cfg.Corrector.Enabled {
		deps.Corrector = enrich.NewHTTPCorrector(enrich.CorrectorConfig{
			Endpoint: cfg.Corrector.Endpoint,
			APIKey:   cfg.Corrector.APIKey,
			Timeout:  cfg.Corrector.Timeout,
		})
	}

	opts := session.DefaultOptions()
	opts.Language = cfg.STT.LanguageCode
	opts.InterimResults = cfg.STT.InterimResults
	opts.Diarize = cfg.STT.Diarize
	opts.PhraseHints = cfg.STT.PhraseHints
	opts.TranslateTo = cfg.Translator.TargetLanguages
	opts.CorrectBatch = cfg.Corrector.BatchSize
	opts.FlushTimeout = cfg.Session.FlushTimeout
	opts.DrainTimeout = cfg.Session.DrainTimeout
	opts.StoreTimeout = cfg.Session.StoreTimeout
	opts.EnrichTimeout = max(cfg.Translator.Timeout, cfg.Corrector.Timeout)
	if cfg.Corrector.Enabled {
		opts.CorrectEvery = cfg.Corrector.Every
	}
	opts.OnError = a.reportError

	a.Session, err = session.New(deps, opts)
	if err != nil {
		a.closeAll()
		return nil, err
	}

	appLogger.Info().
		Str("sttProvider", backend.Name()).
		Str("audioSource", cfg.Audio.Source).
		Str("speakerStore", cfg.Speakers.Store).
		Str("sink", sink.Name()).
		Bool("translator", cfg.Translator.Enabled).
		Bool("corrector", cfg.Corrector.Enabled).
		Msg("Live transcription application created")
	return a, nil
}

// setupLogger configures zerolog for the service.
func (a *Application) setupLogger() {
	logging.Init(logging.Config{
		Level:  a.Cfg.Observability.LogLevel,
		Format: a.Cfg.Observability.LogFormat,
	})
	a.Logger = logging.WithComponent("application")

	a.Logger.Info().
		Str("logLevel", zerolog.GlobalLevel().String()).
		Str("environment", a.Cfg.Service.Environment).
		Msg("Logger setup completed")
}

func newBackend(cfg config.STTConfig) (stt.Backend, error) {
	switch cfg.Provider {
	case "google":
		gc := google.DefaultConfig()
		gc.CredentialsFile = cfg.GoogleCredentialsFile
		gc.Endpoint = cfg.GoogleEndpoint
		gc.MaxSpeakers = int32(cfg.GoogleMaxSpeakers)
		if cfg.Model != "" {
			gc.Model = cfg.Model
		}
		return google.New(gc), nil
	case "deepgram":
		dc := deepgram.DefaultConfig()
		dc.APIKey = cfg.DeepgramAPIKey
		if cfg.DeepgramURL != "" {
			dc.URL = cfg.DeepgramURL
		}
		if cfg.Model != "" {
			dc.Model = cfg.Model
		}
		return deepgram.New(dc), nil
	case "mock", "":
		return mock.New(mock.Config{Loop: true, FramesPerStep: 2}), nil
	default:
		return nil, apperr.Configuration("app.backend", fmt.Sprintf("unknown STT provider %q", cfg.Provider))
	}
}

// newCapture returns the opener used for every pipeline. The fake source
// paces a quiet tone in real time so the mock backend behaves like a call.
func newCapture(cfg config.AudioConfig) func() (audio.CaptureDevice, error) {
	if cfg.Source == "fake" {
		rate := cfg.CaptureRateHz
		return func() (audio.CaptureDevice, error) {
			return &audio.FakeCapture{
				Samples:   audio.Tone(220, 0.1, rate, 2*time.Second),
				Rate:      rate,
				ChunkSize: rate / 100,
				Interval:  10 * time.Millisecond,
				Loop:      cfg.FakeLoop,
			}, nil
		}
	}
	return func() (audio.CaptureDevice, error) {
		return audio.NewDeviceCapture(audio.CaptureConfig{
			SampleRate: cfg.CaptureRateHz,
			DeviceID:   cfg.DeviceID,
		})
	}
}

func (a *Application) newLabelStore(ctx context.Context, cfg config.SpeakersConfig) (speaker.LabelStore, error) {
	switch cfg.Store {
	case "redis":
		client, err := speaker.DialRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client)
		return speaker.NewRedisStore(client, cfg.RedisKeyPrefix), nil
	case "sqlite":
		store, err := speaker.OpenSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store)
		return store, nil
	default:
		return speaker.NewMemoryStore(), nil
	}
}

func (a *Application) newSink(ctx context.Context, cfg config.StorageConfig) (storage.Sink, error) {
	switch cfg.Sink {
	case "kafka":
		return a.Publisher, nil
	case "s3":
		return storage.NewS3Sink(ctx, storage.S3Config{
			Bucket:         cfg.S3Bucket,
			Prefix:         cfg.S3Prefix,
			Region:         cfg.S3Region,
			Endpoint:       cfg.S3Endpoint,
			AccessKey:      cfg.S3AccessKey,
			SecretKey:      cfg.S3SecretKey,
			ForcePathStyle: cfg.S3ForcePathStyle,
		})
	default:
		return storage.NewLogSink(), nil
	}
}

// reportError runs on the controller goroutine for every fatal session
// error. Without a Sentry DSN the capture is a no-op.
func (a *Application) reportError(err error) {
	a.Logger.Error().
		Err(err).
		Str("method", "reportError").
		Msg("Recording failed")
	sentry.CaptureException(err)
}

// Start performs any startup work required before serving traffic.
func (a *Application) Start() error {
	startLogger := a.Logger.With().
		Str("method", "Start").
		Logger()

	a.StartupTime = time.Now().UTC()
	a.ready.Store(true)
	startLogger.Info().
		Time("startupTime", a.StartupTime).
		Msg("Live transcription service starting")

	if a.Cfg.Session.AutoStart {
		go func() {
			if err := a.Session.Start(context.Background()); err != nil {
				startLogger.Error().Err(err).Msg("Auto start failed")
			}
		}()
	}
	return nil
}

// Ready reports whether control requests are accepted.
func (a *Application) Ready() bool {
	return a.ready.Load()
}

// Shutdown stops an open recording so its transcript reaches the sink, then
// releases every resource.
func (a *Application) Shutdown(ctx context.Context) {
	shutdownLogger := a.Logger.With().
		Str("method", "Shutdown").
		Logger()

	shutdownLogger.Info().Msg("Live transcription service shutting down")
	a.ready.Store(false)

	if a.Session != nil {
		if a.Session.State() != session.StateIdle {
			if err := a.Session.Stop(ctx); err != nil {
				shutdownLogger.Warn().Err(err).Msg("Stop on shutdown failed")
			}
		}
		a.Session.Close()
	}
	a.closeAll()

	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			shutdownLogger.Warn().Err(err).Msg("Tracer shutdown failed")
		}
	}
}

func (a *Application) closeAll() {
	if a.Live != nil {
		_ = a.Live.Close()
	}
	if a.Publisher != nil {
		if err := a.Publisher.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close publisher")
		}
		a.Publisher = nil
	}
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close resource")
		}
	}
	a.closers = nil
}
