package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	grpcapi "realtime-transcription-service/internal/api/grpc"
	"realtime-transcription-service/internal/api/ws"
	"realtime-transcription-service/internal/config"
	"realtime-transcription-service/internal/events"
	httpapi "realtime-transcription-service/internal/http"
	"realtime-transcription-service/internal/observability"
	"realtime-transcription-service/internal/observability/logging"
	"realtime-transcription-service/internal/observability/metrics"
	"realtime-transcription-service/internal/retry"
	"realtime-transcription-service/internal/schema"
	"realtime-transcription-service/internal/service/download"
	"realtime-transcription-service/internal/service/session"
	"realtime-transcription-service/internal/service/stt"
	"realtime-transcription-service/internal/service/stt/azure"
	"realtime-transcription-service/internal/service/stt/google"
	"realtime-transcription-service/internal/service/stt/mock"
	"realtime-transcription-service/internal/service/transcription"
	"realtime-transcription-service/internal/store"
)

const (
	healthInterval  = 10 * time.Second
	shutdownTimeout = 10 * time.Second
)

// Application holds process-wide state for the service.
type Application struct {
	StartupTime time.Time
	Logger      zerolog.Logger
	Cfg         *config.Config

	Metrics   *metrics.Metrics
	Store     store.Store
	Publisher *events.Publisher
	Hub       *ws.Hub
	Registry  *session.Registry
	Gateway   *transcription.Gateway

	gatherer prometheus.Gatherer
	google   *google.Adapter
	handler  http.Handler

	httpServer *http.Server
	grpcServer *grpcapi.Server
	obsServer  *observability.Server

	shutdownOnce sync.Once
	shutdownErr  error
}

// Option configures an Application.
type Option func(*Application)

// WithRegistry registers metrics on reg and serves them from it instead of
// the default Prometheus registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(a *Application) {
		a.Metrics = metrics.NewMetrics(reg)
		a.gatherer = reg
	}
}

// New constructs every component from cfg. Nothing listens until Run.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Application, error) {
	a := &Application{
		Cfg:     cfg,
		Logger:  logging.WithComponent("application"),
		Metrics: metrics.DefaultMetrics,
	}
	for _, opt := range opts {
		opt(a)
	}

	st, err := openStore(cfg.Store)
	if err != nil {
		return nil, err
	}
	a.Store = st

	a.Publisher = events.New(&events.Config{
		Enabled:      cfg.Kafka.Enabled,
		Brokers:      cfg.Kafka.Brokers,
		TopicPartial: cfg.Kafka.TopicPartial,
		TopicFinal:   cfg.Kafka.TopicFinal,
		TopicBatch:   cfg.Kafka.TopicBatch,
		Principal:    cfg.Kafka.Principal,
	}, events.WithMetrics(a.Metrics))

	a.Hub = ws.NewHub(cfg.Service.ClientURL)
	a.Registry = session.NewRegistry(st, mock.DefaultVocabulary,
		session.Fanout{a.Hub, events.NewSessionSink(a.Publisher)},
		session.WithMetrics(a.Metrics),
	)

	var fetcher download.Fetcher = download.MockFetcher{}
	if cfg.Download.Mode == "http" {
		fetcher = download.NewHTTPFetcher(download.HTTPConfig{
			Timeout:       cfg.Download.Timeout,
			MaxConcurrent: cfg.Download.MaxConcurrent,
		})
	}
	downloads := download.New(fetcher,
		retry.Policy{MaxRetries: cfg.Retry.DownloadMaxRetries, BaseDelay: cfg.Retry.DownloadBaseDelay},
		download.WithMetrics(a.Metrics),
	)

	a.Gateway = transcription.New(st, downloads,
		transcription.WithPolicy(retry.Policy{MaxRetries: cfg.Retry.TranscribeMaxRetries, BaseDelay: cfg.Retry.TranscribeBaseDelay}),
		transcription.WithPublisher(a.Publisher),
		transcription.WithHistoryWindow(cfg.History.Window),
		transcription.WithMetrics(a.Metrics),
	)

	az := azure.New(azure.Config{
		Key:      cfg.STT.AzureKey,
		Region:   cfg.STT.AzureRegion,
		Language: cfg.STT.LanguageCode,
	})
	if !az.Configured() {
		a.Logger.Info().Msg("Azure credentials not set, azure transcriptions return mock text")
	}

	var googleSTT stt.Transcriber
	if cfg.STT.GoogleEnabled {
		g, err := google.New(ctx, google.Config{
			LanguageCode:  cfg.STT.LanguageCode,
			SampleRateHz:  cfg.STT.SampleRateHz,
			AudioEncoding: cfg.STT.AudioEncoding,
		})
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("create google stt client: %w", err)
		}
		a.google = g
		googleSTT = g
	}

	a.handler = httpapi.NewRouter(httpapi.Dependencies{
		Transcriptions: a.Gateway,
		Validator:      schema.New(cfg.STT.LanguageCode),
		Local:          mock.NewTranscriber(),
		Azure:          az,
		Google:         googleSTT,
		Realtime:       a.Hub.Handler(a.Registry),
		Ready:          st.Ping,
		AllowedOrigin:  cfg.Service.ClientURL,
		Metrics:        a.Metrics,
	})

	a.httpServer = &http.Server{
		Addr:              ":" + cfg.Service.HTTPPort,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.grpcServer = grpcapi.New(":"+cfg.Service.GRPCPort, a.Metrics)
	a.obsServer = observability.NewServer(cfg.Observability.MetricsAddr, a.gatherer, st.Ping)

	a.Logger.Info().
		Str("store", cfg.Store.Driver).
		Str("download", cfg.Download.Mode).
		Bool("kafka", a.Publisher.Enabled()).
		Bool("google", googleSTT != nil).
		Msg("Realtime transcription service application created")
	return a, nil
}

func openStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemoryStore(), nil
	case "sqlite":
		st, err := store.OpenSQLite(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// Handler returns the HTTP handler serving the REST API and the WebSocket.
func (a *Application) Handler() http.Handler {
	return a.handler
}

// Run serves HTTP, gRPC and metrics until ctx is done or a server fails,
// then shuts everything down.
func (a *Application) Run(ctx context.Context) error {
	httpLis, err := net.Listen("tcp", a.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen http: %w", err)
	}
	grpcLis, err := net.Listen("tcp", a.grpcServer.Addr())
	if err != nil {
		httpLis.Close()
		return fmt.Errorf("listen grpc: %w", err)
	}

	a.StartupTime = time.Now().UTC()
	a.Logger.Info().
		Time("startupTime", a.StartupTime).
		Str("http", httpLis.Addr().String()).
		Str("grpc", grpcLis.Addr().String()).
		Msg("Realtime transcription service starting")

	a.obsServer.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.httpServer.Serve(httpLis); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := a.grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		a.grpcServer.Watch(gctx, healthInterval, a.Store.Ping)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.Shutdown(sctx)
	})

	return g.Wait()
}

// Shutdown closes client sockets, discards the sessions they leave behind,
// stops every server and releases the store and publisher. It is safe to
// call more than once.
func (a *Application) Shutdown(ctx context.Context) error {
	a.shutdownOnce.Do(func() {
		a.Logger.Info().Msg("Realtime transcription service shutting down")

		a.Hub.Shutdown()
		if n := a.Registry.Shutdown(ctx); n > 0 {
			a.Logger.Info().Int("discarded", n).Msg("Discarded active sessions")
		}

		var errs []error
		if err := a.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		a.grpcServer.Shutdown(ctx)
		if err := a.obsServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("observability shutdown: %w", err))
		}
		if err := a.Publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close publisher: %w", err))
		}
		if a.google != nil {
			if err := a.google.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close google stt: %w", err))
			}
		}
		if err := a.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
		a.shutdownErr = errors.Join(errs...)
	})
	return a.shutdownErr
}
