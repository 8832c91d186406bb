package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/umar/guestchat/internal/auth"
	"github.com/umar/guestchat/internal/chat"
	"github.com/umar/guestchat/internal/config"
	"github.com/umar/guestchat/internal/database"
	"github.com/umar/guestchat/internal/fanout"
	"github.com/umar/guestchat/internal/handlers"
	"github.com/umar/guestchat/internal/jobs"
	"github.com/umar/guestchat/internal/middleware"
	"github.com/umar/guestchat/internal/pipeline"
	"github.com/umar/guestchat/internal/presence"
	redisc "github.com/umar/guestchat/internal/redis"
	"github.com/umar/guestchat/internal/registry"
)

const streamMaxLen = 100000

func newJobSink(cfg config.Config, client *redis.Client) (jobs.Sink, error) {
	switch cfg.JobsBackend {
	case "kafka":
		sink, err := jobs.NewKafkaSink(cfg.KafkaBrokers, jobs.NewKafkaConfig())
		if err != nil {
			return nil, err
		}
		return sink, nil
	case "none":
		return jobs.Nop{}, nil
	default:
		return jobs.NewStreamSink(client, streamMaxLen), nil
	}
}

func main() {
	cfg := config.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	slog.Info("starting chat server", "jobs_backend", cfg.JobsBackend)

	// Initialize database
	db, err := database.InitDB(cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to init database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("connected to PostgreSQL")

	migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), time.Minute)
	err = database.RunMigrations(migrateCtx, db)
	cancelMigrate()
	if err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	slog.Info("database migrations complete")

	// Initialize Redis
	redisClient, err := redisc.InitRedis(cfg.RedisURL)
	if err != nil {
		slog.Error("failed to init Redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()
	slog.Info("connected to Redis")

	store := database.NewStore(db, cfg.StoreTimeout)

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	hub := fanout.NewHub(redisc.NewPubSub(redisClient))
	if err := hub.Listen(hubCtx); err != nil {
		slog.Error("failed to subscribe to broadcast channels", "error", err)
		os.Exit(1)
	}

	sink, err := newJobSink(cfg, redisClient)
	if err != nil {
		slog.Error("failed to init job sink", "backend", cfg.JobsBackend, "error", err)
		os.Exit(1)
	}
	dispatcher := jobs.NewDispatcher(sink, jobs.DispatcherConfig{
		Workers: cfg.JobWorkers,
		Buffer:  cfg.JobBuffer,
	})
	if err := dispatcher.Start(); err != nil {
		slog.Error("failed to start job dispatcher", "error", err)
		os.Exit(1)
	}

	conns := registry.New()
	engine := presence.NewEngine(redisc.NewPresenceStore(redisClient, cfg.StoreTimeout), conns, hub, cfg.PresenceNameTTL)
	messages := pipeline.New(store, hub, dispatcher)
	tokens := auth.NewTokenService(cfg.JWTSecret, cfg.JWTIssuer, cfg.GuestTTL)
	guestLimiter := redisc.NewWindowLimiter(redisClient, "ratelimit:guest:", cfg.GuestPerMinute, time.Minute)

	gateway := chat.NewGateway(tokens, conns, engine, messages, hub, chat.Options{
		CORSOrigin:     cfg.CORSOrigin,
		MaxMessageSize: cfg.MaxMessageSize,
		EventTimeout:   cfg.EventTimeout,
		EventRate:      cfg.EventRate,
		EventBurst:     cfg.EventBurst,
	})

	// Set up router
	router := mux.NewRouter()
	router.Use(middleware.Logging)
	router.Use(middleware.CORS(cfg.CORSOrigin))

	// Public routes
	router.HandleFunc("/health", handlers.Health(map[string]handlers.Check{
		"postgres": store.Ping,
		"redis": func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		},
	})).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/auth/guest", auth.GuestHandler(tokens, guestLimiter)).Methods("POST", "OPTIONS")

	// WebSocket
	router.HandleFunc("/ws", gateway.ServeWS).Methods("GET")

	// Protected routes
	protected := router.PathPrefix("/api").Subrouter()
	protected.Use(auth.JWTMiddleware(tokens))

	protected.HandleFunc("/auth/me", auth.MeHandler()).Methods("GET")
	protected.HandleFunc("/rooms", handlers.ListRooms(store)).Methods("GET")
	protected.HandleFunc("/rooms", handlers.CreateRoom(store, hub)).Methods("POST")
	protected.HandleFunc("/rooms/{id}", handlers.GetRoom(store)).Methods("GET")
	protected.HandleFunc("/rooms/{id}/messages", handlers.GetMessages(store)).Methods("GET")
	protected.HandleFunc("/messages/{id}", handlers.UpdateMessage(messages)).Methods("PUT")
	protected.HandleFunc("/messages/{id}", handlers.DeleteMessage(messages)).Methods("DELETE")
	protected.HandleFunc("/users/online", handlers.OnlineUsers(engine)).Methods("GET")

	// HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return hub.Run(hubCtx)
	})
	g.Go(func() error {
		slog.Info("server listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down", "connections", gateway.Connections())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		// Connections release their presence through the hub and Redis, so
		// both must outlive the gateway.
		errs := []error{
			gateway.Shutdown(shutdownCtx),
			srv.Shutdown(shutdownCtx),
		}
		stopHub()
		errs = append(errs, dispatcher.Stop(shutdownCtx))
		if dropped := dispatcher.Dropped(); dropped > 0 {
			slog.Warn("background jobs dropped", "count", dropped)
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		slog.Error("forced shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("server stopped gracefully")
}
