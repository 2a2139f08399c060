package application

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/llmtap/llmtap/internal/domain/entity"
	"github.com/llmtap/llmtap/internal/domain/service"
	"github.com/llmtap/llmtap/internal/infrastructure/config"
	"github.com/llmtap/llmtap/internal/infrastructure/eventbus"
	"github.com/llmtap/llmtap/internal/infrastructure/persistence"
	"github.com/llmtap/llmtap/internal/infrastructure/provider"
	"github.com/llmtap/llmtap/internal/infrastructure/proxy"
	httpServer "github.com/llmtap/llmtap/internal/interfaces/http"
	"github.com/llmtap/llmtap/internal/interfaces/http/handlers"
	"github.com/llmtap/llmtap/internal/interfaces/websocket"
	"github.com/llmtap/llmtap/pkg/safego"
)

// Version is the build version reported by /_interceptor/health and the
// version command.
const Version = "0.3.0"

// App is the dependency container: storage, proxy pipeline, event bus, live
// feed and the HTTP listener.
type App struct {
	config *config.Config
	logger *zap.Logger

	db   *gorm.DB
	bus  *eventbus.InMemoryBus
	hub  *websocket.Hub
	http *httpServer.Server

	hubCancel context.CancelFunc

	mu      sync.Mutex
	started bool
	stopped bool
}

// NewApp wires every component. Nothing is listening until Start.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	db, err := persistence.OpenDB(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	threader := service.NewThreadingEngine(logger)
	repo := persistence.NewGormInteractionRepository(db, threader, cfg.StoreStreamChunks, logger)

	registry := provider.NewRegistry(provider.Upstreams{
		OpenAIBaseURL:    cfg.OpenAIBaseURL,
		AnthropicBaseURL: cfg.AnthropicBaseURL,
		OllamaBaseURL:    cfg.OllamaBaseURL,
	})

	bus := eventbus.NewInMemoryBus(logger, 256)
	hub := websocket.NewHub(logger)

	// Every persisted interaction flows through the bus; the hub relays a
	// trimmed summary to live-feed subscribers.
	bus.Subscribe(eventbus.EventTypeInteractionSaved, func(ctx context.Context, event eventbus.Event) {
		interaction, ok := event.Payload().(*entity.Interaction)
		if !ok {
			return
		}
		hub.Broadcast("interaction", interaction.Summary())
	})

	listener := func(interaction *entity.Interaction) {
		bus.Publish(context.Background(), eventbus.NewEvent(eventbus.EventTypeInteractionSaved, interaction))
	}

	client := proxy.NewUpstreamClient()
	proxyHandler := proxy.NewHandler(cfg, registry, repo, client, bus, listener, logger)
	introspection := handlers.NewIntrospectionHandler(repo, hub, Version, logger)

	server := httpServer.NewServer(httpServer.Config{
		Host:    cfg.Host,
		Port:    cfg.Port,
		Verbose: cfg.Verbose,
	}, proxyHandler, introspection, logger)

	return &App{
		config: cfg,
		logger: logger,
		db:     db,
		bus:    bus,
		hub:    hub,
		http:   server,
	}, nil
}

// Start launches the live-feed hub and the HTTP listener. Safe to call once.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return nil
	}
	a.started = true

	hubCtx, cancel := context.WithCancel(context.Background())
	a.hubCancel = cancel
	safego.Go(a.logger, "live-feed-hub", func() { a.hub.Run(hubCtx) })

	if err := a.http.Start(ctx); err != nil {
		return fmt.Errorf("start http server: %w", err)
	}

	a.logger.Info("Interceptor started",
		zap.String("host", a.config.Host),
		zap.Int("port", a.config.Port),
		zap.String("db_path", a.config.DBPath),
	)
	return nil
}

// Stop shuts everything down in reverse order. Idempotent.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return nil
	}
	a.stopped = true

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := a.http.Stop(shutdownCtx); err != nil {
		a.logger.Warn("HTTP shutdown error", zap.Error(err))
	}
	if a.hubCancel != nil {
		a.hubCancel()
	}
	a.bus.Close()

	if err := persistence.CloseDB(a.db); err != nil {
		a.logger.Warn("Database close error", zap.Error(err))
	}

	a.logger.Info("Interceptor stopped")
	return nil
}
