package main

import (
	"context"
	"fmt"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/xaenox/somm-bot/internal/admission"
	"github.com/xaenox/somm-bot/internal/api"
	"github.com/xaenox/somm-bot/internal/bot"
	"github.com/xaenox/somm-bot/internal/chat"
	"github.com/xaenox/somm-bot/internal/provider"
	"github.com/xaenox/somm-bot/internal/storage"
	"github.com/xaenox/somm-bot/internal/tokens"
	"github.com/xaenox/somm-bot/pkg/config"
)

type surfaces struct {
	api  bool
	bot  bool
	port int
}

func run(ctx context.Context, configPath string, s surfaces) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// Load configuration
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Error("Failed to load config", zap.Error(err), zap.String("path", configPath))
		return err
	}
	if s.bot {
		err = cfg.ValidateBot()
	} else {
		err = cfg.Validate()
	}
	if err != nil {
		logger.Error("Invalid configuration", zap.Error(err))
		return err
	}
	if s.port > 0 {
		cfg.Server.Port = s.port
	}

	store, err := newStorage(cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize storage", zap.Error(err))
		return err
	}
	defer store.Close()

	svc, err := newService(ctx, cfg, store, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	var tg *bot.Bot
	if s.bot {
		tg, err = bot.New(cfg.Telegram.Token, svc, logger)
		if err != nil {
			logger.Error("Failed to create bot", zap.Error(err))
			return err
		}
	}

	var (
		wg   sync.WaitGroup
		errs = make(chan error, 2)
	)
	if s.api {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- api.Start(ctx, api.StartOpts{Service: svc, Port: cfg.Server.Port, Logger: logger})
		}()
	}
	if tg != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- tg.Start(ctx)
		}()
	}

	// The first surface to fail stops the others.
	go func() {
		wg.Wait()
		close(errs)
	}()
	var firstErr error
	for err := range errs {
		if err != nil && firstErr == nil {
			firstErr = err
			logger.Error("Surface stopped", zap.Error(err))
			stop()
		}
	}
	logger.Info("Shutting down")
	return firstErr
}

// newStorage opens the persistence backend named by storage.driver.
func newStorage(cfg *config.Config, logger *zap.Logger) (storage.Storage, error) {
	switch cfg.Storage.Driver {
	case "memory":
		logger.Info("Using in-memory storage")
		return storage.NewMemoryStorage(logger), nil
	case "file":
		logger.Info("Using file storage", zap.String("path", cfg.Storage.Path))
		return storage.NewFileStorage(cfg.Storage.Path, logger)
	case "sqlite":
		logger.Info("Using SQLite storage", zap.String("path", cfg.Storage.Path))
		return storage.NewSQLiteStorage(cfg.Storage.Path, logger)
	case "postgres":
		logger.Info("Using PostgreSQL storage", zap.String("host", cfg.Database.Host))
		return storage.NewPostgresStorage(storage.DatabaseConfig{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			DBName:   cfg.Database.DBName,
			SSLMode:  cfg.Database.SSLMode,
		}, logger)
	default:
		return nil, &config.ConfigError{Field: "storage.driver", Reason: fmt.Sprintf("unknown driver %q", cfg.Storage.Driver)}
	}
}

// newService wires the tokenizer, admission limits and provider into the
// conversation service.
func newService(ctx context.Context, cfg *config.Config, store storage.Storage, logger *zap.Logger) (*chat.Service, error) {
	calc := tokens.NewCalculator(
		tokens.NewTiktokenCounter(cfg.Budget.Encoding, logger),
		tokens.WithImageTiles(cfg.Budget.ImageTileBytes, cfg.Budget.ImageTileTokens),
	)
	controller := admission.NewController(calc, admission.Limits{
		ImageCeiling:        cfg.Budget.ImageCeiling,
		MaxCompletionTokens: cfg.Budget.MaxCompletionTokens,
		ReserveBuffer:       cfg.Budget.ReserveBuffer,
		WarnRatio:           cfg.Budget.WarnRatio,
	}, provider.SystemPrompt, provider.AnalysisPrompt)

	llm := provider.NewOpenAI(provider.OpenAIConfig{
		APIKey:            cfg.OpenAI.APIKey,
		BaseURL:           cfg.OpenAI.BaseURL,
		Model:             cfg.OpenAI.Model,
		VisionModel:       cfg.OpenAI.VisionModel,
		Temperature:       cfg.OpenAI.Temperature,
		AnalysisMaxTokens: cfg.OpenAI.AnalysisMaxTokens,
	}, logger)

	return chat.NewService(ctx, chat.Options{
		Provider:   llm,
		Store:      store,
		Calculator: calc,
		Controller: controller,
		TokenLimit: cfg.Budget.TokenLimit,
		Logger:     logger,
	})
}
