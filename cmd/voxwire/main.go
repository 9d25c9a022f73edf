package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/voxwire/voxwire/adapters/mic"
	"github.com/voxwire/voxwire/adapters/speaker"
	"github.com/voxwire/voxwire/domain/entities"
	"github.com/voxwire/voxwire/internal/capture"
	"github.com/voxwire/voxwire/internal/config"
	"github.com/voxwire/voxwire/internal/playback"
	"github.com/voxwire/voxwire/internal/session"
)

func main() {
	// Initialize logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	voiceSession := entities.NewSession()

	// Initialize device adapters
	microphone := mic.NewMalgoMicrophone(logger)
	playbackDevice := speaker.NewOtoSpeaker(logger)

	// Initialize session services
	controller := session.NewController(voiceSession, session.Config{
		ServerURL:   cfg.ServerURL,
		SampleRate:  cfg.SampleRate,
		FrameSize:   cfg.FrameSize,
		BackoffBase: cfg.BackoffBase,
		BackoffMax:  cfg.BackoffMax,
		TokenSecret: cfg.TokenSecret,
	}, logger)

	engine := playback.NewEngine(voiceSession, playbackDevice, controller, cfg.FallbackMargin, logger)

	pipeline := capture.NewPipeline(voiceSession, microphone, controller, engine, capture.Config{
		SampleRate:    cfg.SampleRate,
		FrameSize:     cfg.FrameSize,
		BargeInRMS:    cfg.BargeInRMS,
		BargeInFrames: cfg.BargeInFrames,
	}, logger)

	router := session.NewRouter(voiceSession, engine, controller, logger)
	controller.SetHandler(router)
	controller.Bind(engine, pipeline)

	ctx := context.Background()

	if err := controller.Connect(ctx); err != nil {
		// The controller keeps retrying with backoff; starting capture now
		// means frames flow the moment the channel opens.
		logger.Warn("Initial connection failed, retrying in background", zap.Error(err))
	}

	if err := pipeline.Start(ctx); err != nil {
		logger.Fatal("Failed to start microphone capture", zap.Error(err))
	}

	logger.Info("Voice session started",
		zap.String("sessionID", voiceSession.ID),
		zap.String("server", cfg.ServerURL),
		zap.Int("sampleRate", cfg.SampleRate))

	go func() {
		for msg := range router.RemoteErrors {
			logger.Error("Remote pipeline error", zap.String("message", msg))
		}
	}()

	// Wait for interrupt signal to gracefully end the session
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Session is shutting down...")

	controller.Disconnect()
	if err := engine.Close(); err != nil {
		logger.Warn("Failed to release playback device", zap.Error(err))
	}

	logger.Info("Session exited")
}
