package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"alin-engine/api"
	"alin-engine/app"
	"alin-engine/cache"
	"alin-engine/config"
	"alin-engine/database"
	"alin-engine/handlers"
	"alin-engine/llm"
	"alin-engine/notifications"
	"alin-engine/realtime"
	"alin-engine/websocket"

	"go.uber.org/zap"
)

// App is the long-running engine process
type App struct {
	config         *config.Config
	logger         *zap.Logger
	db             *database.Database
	redis          *cache.RedisClient
	engine         *app.Engine
	scheduler      *app.Scheduler
	handlerManager *handlers.HandlerManager
	webhookManager *notifications.WebhookManager
	broker         *realtime.Broker
	hub            *websocket.Hub
}

// NewApp creates a new application instance
func NewApp(cfg *config.Config, logger *zap.Logger) *App {
	return &App{
		config: cfg,
		logger: logger,
	}
}

// Start wires every component, serves until SIGINT/SIGTERM, then shuts down
func (a *App) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Database connection
	engine, err := a.connect()
	if err != nil {
		return err
	}
	a.engine = engine

	var wg sync.WaitGroup
	goRun := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	// 2. Live feed
	a.broker = realtime.NewBroker(a.logger)
	a.hub = websocket.NewHub(a.logger)
	goRun(func() { a.broker.Run(ctx) })
	a.engine.SetEventPublisher(realtime.Fanout{a.broker, a.hub})

	// 3. Review webhooks
	a.webhookManager = notifications.NewWebhookManager(a.config.WebhookURLs, a.redis, a.logger)
	a.engine.SetReviewNotifier(a.webhookManager)

	// 4. LLM gene drafter
	if a.config.LLM.Enabled {
		client := llm.NewClient(a.config.LLM.Endpoint, a.config.LLM.APIKey, a.config.LLM.Model)
		drafts := cache.NewDraftCache(a.redis, 24*time.Hour)
		a.engine.SetGeneDrafter(llm.NewDrafter(client, drafts, a.logger))
		a.logger.Info("LLM gene drafting enabled", zap.String("model", a.config.LLM.Model))
	} else {
		a.logger.Info("LLM gene drafting disabled, using templates")
	}

	// 5. Vocabulary hot reload
	if path := a.config.Engine.VocabularyPath; path != "" {
		watcher, err := config.NewVocabularyWatcher(path, a.engine.SetVocabulary, a.logger.Named("vocabulary"))
		if err != nil {
			a.logger.Warn("vocabulary watcher disabled", zap.String("path", path), zap.Error(err))
		} else {
			goRun(func() { watcher.Run(ctx) })
		}
	}

	// 6. Cross-process cache invalidation
	listener, err := database.NewInvalidationListener(a.config.DSN(), a.logger.Named("invalidation"))
	if err != nil {
		a.logger.Warn("invalidation listener disabled, caches expire by TTL only", zap.Error(err))
	} else {
		goRun(func() { listener.Run(ctx, a.engine.Origin(), a.engine.HandleInvalidation) })
	}

	// 7. Lifecycle scheduler
	a.scheduler = app.NewScheduler(a.engine)
	goRun(func() { a.scheduler.Start(ctx) })

	// 8. Capture dispatcher
	a.handlerManager = handlers.NewHandlerManager(a.logger)
	a.handlerManager.RegisterHandler(handlers.NewTurnHandler(a.engine))
	a.handlerManager.RegisterHandler(handlers.NewFeedbackHandler(a.engine))

	// 9. API server
	apiServer := api.NewServer(a.engine, a.scheduler, a.handlerManager, a.broker, a.hub, a.logger)
	serveErr := make(chan error, 1)
	goRun(func() { serveErr <- apiServer.Start(ctx, a.config.ListenPort) })

	// 10. Wait for interrupt or a server failure
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	var runErr error
	select {
	case <-interrupt:
		a.logger.Info("shutdown signal received, initiating graceful shutdown")
	case runErr = <-serveErr:
		a.logger.Error("API server failed", zap.Error(runErr))
	}
	cancel()
	a.hub.Close()

	if err := a.gracefulShutdown(&wg); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// connect opens the store, the optional Redis tier and the engine
func (a *App) connect() (*app.Engine, error) {
	a.logger.Info("connecting to database", zap.String("host", a.config.DatabaseHost), zap.String("name", a.config.DatabaseName))
	db, err := database.Connect(a.config.DSN())
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	if err := db.InitSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("schema initialization failed: %w", err)
	}
	a.db = db

	a.redis = cache.NewRedisClient(a.config.RedisHost, a.config.RedisPort, a.config.RedisPassword, a.logger)

	vocab := config.DefaultVocabulary()
	if path := a.config.Engine.VocabularyPath; path != "" {
		loaded, err := config.LoadVocabulary(path)
		if err != nil {
			a.logger.Warn("vocabulary load failed, using built-in", zap.String("path", path), zap.Error(err))
		} else {
			vocab = loaded
		}
	}
	return app.NewEngine(db, a.redis, a.config.Engine, vocab, a.logger), nil
}

// gracefulShutdown waits for background work with a timeout, then closes
// connections
func (a *App) gracefulShutdown(wg *sync.WaitGroup) error {
	shutdownComplete := make(chan struct{})
	go func() {
		wg.Wait()
		a.handlerManager.Wait()
		a.engine.Wait()
		a.webhookManager.Wait()
		close(shutdownComplete)
	}()

	var err error
	select {
	case <-shutdownComplete:
	case <-time.After(15 * time.Second):
		a.logger.Warn("shutdown timeout exceeded, closing connections anyway")
		err = fmt.Errorf("shutdown timeout")
	}

	a.closeStores()
	if err == nil {
		a.logger.Info("graceful shutdown completed")
	}
	return err
}

func (a *App) closeStores() {
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("error closing database", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("error closing redis", zap.Error(err))
		}
	}
}
