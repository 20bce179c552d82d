package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"traffic-violation-service/internal/capture"
	"traffic-violation-service/internal/config"
	"traffic-violation-service/internal/db"
	"traffic-violation-service/internal/detection"
	"traffic-violation-service/internal/evaluator"
	apihttp "traffic-violation-service/internal/http"
	"traffic-violation-service/internal/lanes"
	"traffic-violation-service/internal/logger"
	"traffic-violation-service/internal/notify"
	"traffic-violation-service/internal/ocr"
	"traffic-violation-service/internal/pipeline"
	"traffic-violation-service/internal/repository"
	"traffic-violation-service/internal/service"
	"traffic-violation-service/internal/session"
	"traffic-violation-service/internal/sink"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("service stopped with error")
	}
	log.Info().Msg("service stopped")
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	taxonomy, err := cfg.Taxonomy.BuildTaxonomy()
	if err != nil {
		return err
	}

	laneStore := lanes.NewStore(cfg.Lanes.Path, log.With().Str("component", "lanes").Logger())
	if err := laneStore.LoadFile(); err != nil {
		log.Warn().Err(err).Str("path", cfg.Lanes.Path).Msg("lane configuration not loaded, no violations until one is saved")
	}

	detector, err := detection.NewYOLODetector(detection.YOLOConfig{
		ModelPath:      cfg.Detector.ModelPath,
		InputSize:      cfg.Detector.InputSize,
		ScoreThreshold: float32(cfg.Detector.ScoreThreshold),
		NMSThreshold:   float32(cfg.Detector.NMSThreshold),
		Backend:        cfg.Detector.Backend,
	}, log.With().Str("component", "detector").Logger())
	if err != nil {
		return err
	}
	defer detector.Close()

	engine, err := newOCREngine(ctx, cfg.OCR)
	if err != nil {
		return err
	}
	components := pipeline.Components{
		Detector:     detector,
		Lanes:        laneStore,
		Taxonomy:     taxonomy,
		Evaluator:    evaluator.New(taxonomy, cfg.Storage.FramesDir),
		FrameTimeout: cfg.Session.FrameTimeout,
	}
	if engine != nil {
		defer engine.Close()
		components.Plates = ocr.NewPlateReader(engine, cfg.OCR.Concurrency, log.With().Str("component", "ocr").Logger())
	}
	pipe := pipeline.New(components, log.With().Str("component", "pipeline").Logger())

	hub := notify.NewHub(log.With().Str("component", "websocket").Logger())
	go hub.Run(ctx)
	observers := []sink.Observer{hub}

	if cfg.Redis.Enabled {
		client, err := notify.ConnectRedis(ctx, notify.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, log)
		if err != nil {
			log.Warn().Err(err).Msg("redis unreachable, violation events may not be published")
		}
		defer client.Close()
		observers = append(observers, notify.NewRedisPublisher(client, cfg.Redis.Channel))
	}

	var violationService *service.ViolationService
	if cfg.Database.Enabled {
		gdb, err := db.Open(ctx, cfg.Database.DSN, log)
		if err != nil {
			return err
		}
		defer db.Close(gdb)

		repo := repository.NewViolationRepository(gdb)
		violationService = service.NewViolationService(repo, cfg.Camera.ID, log.With().Str("component", "violations").Logger())
		observers = append(observers, violationService)

		if cfg.Retention.Days > 0 && cfg.Retention.Interval > 0 {
			go startRetentionJob(ctx, violationService, cfg.Retention, log)
		}
	}

	snapshots := sink.NewSnapshotWriter()
	if cfg.Storage.S3Bucket != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Storage.AWSRegion))
		if err != nil {
			return fmt.Errorf("load aws config: %w", err)
		}
		snapshots.WithBucket(s3.NewFromConfig(awsCfg), cfg.Storage.S3Bucket)
	}
	violationSink := sink.New(sink.NewLedger(cfg.Storage.LedgerPath), snapshots, log.With().Str("component", "sink").Logger(), observers...)

	sess := session.New(capture.Open, pipe, violationSink, session.Config{
		SkipFailedFrames: cfg.Session.SkipFailedFrames,
	}, log.With().Str("component", "session").Logger())
	presenter := session.NewPresenter(log.With().Str("component", "presenter").Logger())
	go presenter.Run(ctx, sess)

	if cfg.Camera.AutoStart {
		spec := capture.Spec{Kind: capture.KindCamera, Device: cfg.Camera.Device}
		if err := sess.Start(spec); err != nil {
			log.Error().Err(err).Str("source", spec.String()).Msg("camera auto-start failed")
		}
	}

	handler := apihttp.NewHandler(violationService, sess, laneStore, presenter, hub, log)
	router := apihttp.NewRouter(handler, cfg.Server, log)

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown")
	}
	if err := sess.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("session did not stop in time")
	}
	return nil
}

func newOCREngine(ctx context.Context, cfg config.OCRConfig) (ocr.Engine, error) {
	switch cfg.Engine {
	case "tesseract":
		return ocr.NewTesseractEngine(ocr.TesseractConfig{
			Language:  cfg.Language,
			Whitelist: cfg.Whitelist,
			Workers:   cfg.Concurrency,
		})
	case "rekognition":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return ocr.NewRekognitionEngineFromConfig(awsCfg), nil
	default:
		return nil, nil
	}
}

func startRetentionJob(ctx context.Context, svc *service.ViolationService, cfg config.RetentionConfig, log zerolog.Logger) {
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			jobCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			if _, err := svc.CleanupOldViolations(jobCtx, cfg.Days); err != nil {
				log.Error().Err(err).Msg("retention cleanup failed")
			}
			cancel()
		}
	}
}
