package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go-messenger/internal/broker"
	"go-messenger/internal/chat"
	"go-messenger/internal/config"
	"go-messenger/internal/db"
	"go-messenger/internal/logger"
	"go-messenger/internal/metrics"
	myMiddleware "go-messenger/internal/middleware"
	"go-messenger/internal/user"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Config & Flags
	addr := flag.String("addr", "", "http service address (overrides ADDR)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Addr = *addr
	}

	log := logger.New(cfg.ServiceName, cfg.LogLevel)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to Database
	database, err := db.NewDatabase(cfg.DSN)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer database.Close()
	log.Info("connected to PostgreSQL")

	if err := database.AutoMigrate(ctx); err != nil {
		return err
	}
	log.Info("database schema initialized")

	// 3. Connect to the message bus
	bus, err := openBroker(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer bus.Close()
	log.Info("broker ready", zap.String("broker", cfg.Broker))

	m := metrics.New(prometheus.DefaultRegisterer)

	// 4. User feature
	userService := user.NewService(user.NewRepository(database.Conn), cfg.JWTSecret)
	userHandler := user.NewHandler(userService, log.Named("user"))
	authMiddleware := myMiddleware.NewAuthMiddleware(userService)

	// 5. Chat feature
	chatRepo := chat.NewRepository(database.Conn)
	chatService := chat.NewService(chatRepo, bus, log.Named("chat"), m)
	streamer := chat.NewStreamer(chatRepo, bus, log.Named("stream"), m)
	chatHandler := chat.NewHandler(chatService, streamer, log.Named("chat"), cfg.WSPingPeriod)

	// 6. Routes
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Public Routes
	r.Post("/register", userHandler.Register)
	r.Post("/login", userHandler.Login)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/readyz", readiness(log, database, bus))
	r.Handle("/metrics", promhttp.Handler())

	// Protected Routes (Require JWT)
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/api/users/search", userHandler.SearchUsers)
		chatHandler.Routes(r)
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		// Streams outlive Shutdown since they are hijacked; cancel them with ctx.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server starting", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openBroker(ctx context.Context, cfg config.Config, log *zap.Logger) (broker.Broker, error) {
	brokerLog := log.Named("broker")

	switch cfg.Broker {
	case config.BrokerNATS:
		b, err := broker.DialNATS(cfg.NATSURL, brokerLog, cfg.BrokerBuffer)
		if err != nil {
			return nil, fmt.Errorf("connect to NATS: %w", err)
		}
		return b, nil
	case config.BrokerMemory:
		log.Warn("in-process broker; live delivery is limited to this instance")
		return broker.NewMemory(cfg.BrokerBuffer), nil
	default:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		b := broker.NewRedis(client, brokerLog, cfg.BrokerBuffer)
		if err := b.Ping(ctx); err != nil {
			// Writes still land in PostgreSQL while Redis is down.
			log.Warn("redis unreachable, live delivery degraded", zap.Error(err))
		}
		return b, nil
	}
}

type pinger interface {
	Ping(ctx context.Context) error
}

func readiness(log *zap.Logger, deps ...pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		for _, d := range deps {
			if err := d.Ping(ctx); err != nil {
				log.Warn("not ready", zap.Error(err))
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	}
}
