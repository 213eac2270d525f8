package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/your-org/cricket/internal/analysis"
	"github.com/your-org/cricket/internal/api"
	"github.com/your-org/cricket/internal/api/ws"
	"github.com/your-org/cricket/internal/auth"
	"github.com/your-org/cricket/internal/classifier"
	"github.com/your-org/cricket/internal/config"
	"github.com/your-org/cricket/internal/ingest"
	"github.com/your-org/cricket/internal/models"
	"github.com/your-org/cricket/internal/notify"
	"github.com/your-org/cricket/internal/observability"
	"github.com/your-org/cricket/internal/queue"
	"github.com/your-org/cricket/internal/storage"
	"github.com/your-org/cricket/internal/upload"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	envFile := flag.String("env-file", ".env", "optional dotenv file loaded before the config")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load %s: %v\n", *envFile, err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	observability.SetupLogger(cfg.Logging.Level, cfg.Logging.Format)

	if err := run(cfg); err != nil {
		slog.Error("api server failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	slog.Info("starting cricket API service", "port", cfg.Server.Port, "db", cfg.Database.Driver, "classifier", cfg.Classifier.Backend)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	cls, closeCls, err := newClassifier(cfg.Classifier)
	if err != nil {
		return err
	}
	defer closeCls()

	receiver := upload.NewReceiver(cfg.Uploads.Dir, cfg.Uploads.MaxBytes)
	svc := analysis.NewService(receiver, classifier.Instrumented{Classifier: cls}, store)
	svc.Frames = ingest.NewFrameExtractor(cfg.Video.FFmpegPath)
	svc.Video = analysis.VideoOptions{
		FPS:        cfg.Video.FPS,
		FrameWidth: cfg.Video.FrameWidth,
		MaxFrames:  cfg.Video.MaxFrames,
	}

	var minioStore *storage.MinIOStore
	if cfg.MinIO.Enabled {
		minioStore, err = storage.NewMinIOStore(cfg.MinIO)
		if err != nil {
			return fmt.Errorf("connect to minio: %w", err)
		}
		if err := minioStore.EnsureBucket(ctx); err != nil {
			slog.Warn("ensure minio bucket", "error", err)
		}
		svc.Archive = minioStore
	}

	hub := ws.NewHub()
	go hub.Run(ctx)

	var producer *queue.Producer
	if cfg.NATS.URL != "" {
		producer, err = queue.NewProducer(cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("connect to nats: %w", err)
		}
		defer producer.Close()

		if err := producer.EnsureStreams(ctx); err != nil {
			slog.Warn("ensure nats streams", "error", err)
		}
		svc.Publisher = producer

		consumer, err := queue.NewConsumer(cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("create detection consumer: %w", err)
		}
		defer consumer.Close()

		// Ephemeral, so each replica sees every event.
		err = consumer.ConsumeDetections(ctx, "", func(ctx context.Context, event models.DetectionEvent) error {
			return hub.PublishDetection(ctx, event)
		})
		if err != nil {
			slog.Warn("start detection consumer", "error", err)
		}
	} else {
		svc.Publisher = hub
	}

	mailer, err := newMailer(cfg.Mail)
	if err != nil {
		return err
	}
	authSvc := auth.NewService(store, mailer, auth.Config{
		JWTSecret:                cfg.Auth.JWTSecret,
		SessionTTL:               cfg.Auth.SessionTTL,
		ResetTTL:                 cfg.Auth.ResetTTL,
		ResetURLBase:             cfg.Auth.ResetURLBase,
		BcryptCost:               cfg.Auth.BcryptCost,
		HideUnknownResetAccounts: cfg.Auth.HideUnknownResetAccounts,
	})

	sweeper := upload.NewSweeper(cfg.Uploads.Dir, cfg.Uploads.Retention, cfg.Uploads.SweepInterval)
	if sweeper.Enabled() {
		go sweeper.Run(ctx)
	}

	router := api.NewRouter(api.RouterConfig{
		Analysis:    svc,
		Store:       store,
		Auth:        authSvc,
		RateLimiter: auth.NewRateLimiter(cfg.Server.AuthRateLimit, cfg.Server.AuthRateBurst),
		Hub:         hub,
		MinIO:       minioStore,
		Producer:    producer,
		CORSOrigins: cfg.Server.CORSOrigins,
	})

	// The classifier may take a while; writes get a generous budget.
	writeTimeout := 2 * time.Minute
	if cfg.Classifier.Timeout > 0 {
		writeTimeout = cfg.Classifier.Timeout + 30*time.Second
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: writeTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	}

	slog.Info("shutting down API server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("API server stopped")
	return nil
}

// newClassifier builds the configured backend. The returned func releases
// backend resources.
func newClassifier(cfg config.ClassifierConfig) (classifier.Classifier, func(), error) {
	switch cfg.Backend {
	case config.BackendHTTP:
		return classifier.NewHTTPClassifier(cfg.URL, cfg.Timeout), func() {}, nil
	case config.BackendONNX:
		destroy, err := classifier.InitRuntime(cfg.ONNX.LibraryPath)
		if err != nil {
			return nil, nil, err
		}
		cls, err := classifier.NewONNXClassifier(classifier.ONNXOptions{
			ModelPath:  cfg.ONNX.ModelPath,
			InputName:  cfg.ONNX.InputName,
			OutputName: cfg.ONNX.OutputName,
			InputSize:  cfg.ONNX.InputSize,
			Labels:     cfg.ONNX.Labels,
		})
		if err != nil {
			destroy()
			return nil, nil, err
		}
		slog.Info("onnx classifier ready", "model", cfg.ONNX.ModelPath)
		return cls, func() {
			cls.Close()
			destroy()
		}, nil
	default:
		return classifier.NewProcessClassifier(cfg.Command, cfg.Args, cfg.Timeout), func() {}, nil
	}
}

func newMailer(cfg config.MailConfig) (notify.Mailer, error) {
	if cfg.URL == "" {
		slog.Warn("mail.url not set, password reset links are only logged")
		return notify.LogMailer{}, nil
	}
	m, err := notify.NewShoutrrrMailer(cfg.URL, cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("create mailer: %w", err)
	}
	return m, nil
}
