package main

import (
	"context"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"open3/internal/auth"
	"open3/internal/config"
	chatSvc "open3/internal/domain/services/chat"
	"open3/internal/handler"
	"open3/internal/middleware"
	"open3/internal/repository/localstore"
	"open3/internal/repository/postgres"
	postgresChat "open3/internal/repository/postgres/chat"
	chatService "open3/internal/service/chat"
	"open3/internal/service/llm/catalog"
	"open3/internal/service/llm/providers/lorem"
	"open3/internal/service/llm/providers/openrouter"

	"github.com/joho/godotenv"
	"github.com/rs/cors"
)

func main() {
	// Load .env file (silently ignore if it doesn't exist - for production)
	_ = godotenv.Load()

	// Load configuration
	cfg := config.Load()

	// Setup structured logging
	logLevel := slog.LevelInfo
	if cfg.Environment == "dev" {
		logLevel = slog.LevelDebug
	}

	var logOut io.Writer = os.Stdout
	if cfg.Debug {
		// Keep a few recent log files around for post-mortem debugging.
		logFile, err := config.SetupLogFile("logs", 5)
		if err != nil {
			log.Printf("warning: file logging disabled: %v", err)
		} else {
			defer logFile.Close()
			logOut = io.MultiWriter(os.Stdout, logFile)
		}
	}

	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("server starting",
		"environment", cfg.Environment,
		"port", cfg.Port,
		"table_prefix", cfg.TablePrefix,
	)

	// Create JWT verifier for authentication
	jwtVerifier, err := auth.NewJWTVerifier(cfg.JWKSURL, logger)
	if err != nil {
		log.Fatalf("Failed to create JWT verifier: %v", err)
	}
	defer jwtVerifier.Close()

	// Create pgx connection pool for the authenticated record store
	ctx := context.Background()
	pool, err := postgres.CreateConnectionPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to create connection pool: %v", err)
	}
	defer pool.Close()

	logger.Info("database connected",
		"max_conns", 25,
		"min_conns", 5,
	)

	// Remote repositories
	tables := postgres.NewTableNames(cfg.TablePrefix)
	repoConfig := &postgres.RepositoryConfig{
		Pool:   pool,
		Tables: tables,
		Logger: logger,
	}
	remoteConversations := postgresChat.NewConversationRepository(repoConfig)
	remoteMessages := postgresChat.NewMessageRepository(repoConfig)

	// Local store for anonymous conversations
	localStore, err := localstore.Open(cfg.LocalStorePath, logger)
	if err != nil {
		log.Fatalf("Failed to open local store: %v", err)
	}
	defer localStore.Close()
	localChat := localstore.NewChatStore(localStore, logger)

	// Model catalog
	registry, err := catalog.NewRegistry()
	if err != nil {
		log.Fatalf("Failed to load model catalog: %v", err)
	}

	// Completion provider
	var provider chatSvc.CompletionProvider
	switch cfg.Provider {
	case "lorem":
		provider = lorem.NewProvider()
		logger.Warn("using lorem completion provider (offline development only)")
	default:
		provider = openrouter.NewClient(cfg.OpenRouterAPIKey)
	}

	// One beacon shared by both engines: a conversation streams at most once
	// regardless of which store it lives in.
	beacon := chatService.NewBeacon()

	remoteEngine := chatService.NewEngine(&chatService.EngineConfig{
		Conversations: remoteConversations,
		Messages:      remoteMessages,
		Provider:      provider,
		Catalog:       registry,
		Beacon:        beacon,
		Logger:        logger,
		StreamTimeout: cfg.StreamTimeout,
		Tx:            postgres.NewTransactionManager(pool),
	})
	localEngine := chatService.NewEngine(&chatService.EngineConfig{
		Conversations: localChat,
		Messages:      localChat,
		Provider:      provider,
		Catalog:       registry,
		Beacon:        beacon,
		Logger:        logger,
		StreamTimeout: cfg.StreamTimeout,
	})

	remoteBackend := &handler.Backend{
		Engine:        remoteEngine,
		Conversations: chatService.NewConversations(remoteConversations, remoteMessages, logger),
	}
	localBackend := &handler.Backend{
		Engine:        localEngine,
		Conversations: chatService.NewConversations(localChat, localChat, logger),
	}

	// Handlers
	chatHandler := handler.NewChatHandler(remoteBackend, localBackend, logger)
	streamHandler := handler.NewStreamHandler(beacon, logger)
	modelsHandler := handler.NewModelsHandler(registry)

	logger.Info("services initialized")

	// Create HTTP router (Go 1.22+ enhanced patterns)
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// Conversation routes
	mux.HandleFunc("POST /api/conversations", chatHandler.CreateConversation)
	mux.HandleFunc("GET /api/conversations", chatHandler.ListConversations)
	mux.HandleFunc("GET /api/conversations/{id}", chatHandler.GetConversation)
	mux.HandleFunc("PATCH /api/conversations/{id}", chatHandler.RenameConversation)
	mux.HandleFunc("DELETE /api/conversations/{id}", chatHandler.DeleteConversation)

	// Message routes
	mux.HandleFunc("GET /api/conversations/{id}/messages", chatHandler.ListMessages)
	mux.HandleFunc("POST /api/conversations/{id}/messages", chatHandler.Submit)
	mux.HandleFunc("POST /api/messages/{id}/regenerate", chatHandler.Regenerate)
	mux.HandleFunc("POST /api/messages/{id}/edit", chatHandler.Edit)
	mux.HandleFunc("DELETE /api/messages/{id}", chatHandler.DeleteMessage)

	// Branching and stream lifecycle
	mux.HandleFunc("POST /api/conversations/{id}/branch", chatHandler.Branch)
	mux.HandleFunc("POST /api/conversations/{id}/interrupt", chatHandler.Interrupt)
	mux.HandleFunc("POST /api/conversations/{id}/recover", chatHandler.Recover)

	// Streaming routes
	mux.HandleFunc("GET /api/conversations/{id}/stream", streamHandler.Watch) // SSE

	// Model catalog
	mux.HandleFunc("GET /api/models", modelsHandler.ListModels)

	// Build middleware chain
	var httpHandler http.Handler = mux

	// Apply middleware in reverse order (they wrap each other)
	// Order: CORS → Recovery → Auth → Routes
	httpHandler = middleware.Auth(jwtVerifier, logger)(httpHandler)
	httpHandler = middleware.Recovery(logger)(httpHandler)

	// CORS - Must be before auth to handle OPTIONS pre-flight requests
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   strings.Split(cfg.CORSOrigins, ","),
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Origin", "Content-Type", "Accept", "Authorization", "Last-Event-ID", "X-Provider-Key"},
		AllowCredentials: true,
	})
	httpHandler = corsHandler.Handler(httpHandler)

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      httpHandler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // Disabled to allow long-lived SSE streams
		IdleTimeout:  60 * time.Second,
	}

	// Start server
	logger.Info("server listening", "port", cfg.Port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Failed to start server: %v", err)
	}
}
