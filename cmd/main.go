package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/fjod/go_cart/marketplace/internal/cache"
	"github.com/fjod/go_cart/marketplace/internal/cart"
	"github.com/fjod/go_cart/marketplace/internal/config"
	opsgrpc "github.com/fjod/go_cart/marketplace/internal/grpc"
	h "github.com/fjod/go_cart/marketplace/internal/http"
	"github.com/fjod/go_cart/marketplace/internal/inventory"
	"github.com/fjod/go_cart/marketplace/internal/logger"
	"github.com/fjod/go_cart/marketplace/internal/poller"
	"github.com/fjod/go_cart/marketplace/internal/publisher"
	"github.com/fjod/go_cart/marketplace/internal/repository"
	"github.com/fjod/go_cart/marketplace/internal/service"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)

	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("marketplace stopped with error", slog.Any("error", err))
		os.Exit(1)
	}
	log.Info("marketplace stopped")
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	checks := make(map[string]h.HealthCheck)

	// Database: catalog, ledger, outbox and (in sql mode) stock
	repo, err := openRepository(cfg)
	if err != nil {
		return err
	}
	defer repo.Close()
	if err := repo.RunMigrations(cfg.DialectMigrationsPath()); err != nil {
		return err
	}
	checks["database"] = repo.Ping

	// Inventory. Only the sql backend shares a transaction with the ledger.
	var (
		stock inventory.Store
		tx    service.Transactor
	)
	switch cfg.InventoryBackend {
	case config.InventoryMemory:
		products, err := repo.ListProducts(ctx)
		if err != nil {
			return fmt.Errorf("load catalog: %w", err)
		}
		mem := inventory.NewMemoryStore()
		if err := mem.Seed(products); err != nil {
			return fmt.Errorf("seed inventory: %w", err)
		}
		log.Info("in-memory inventory seeded", slog.Int("products", len(products)))
		stock = mem
	default:
		stock = repo
		tx = repo
	}

	// Cart storage
	var cartRepo cart.Repository
	switch cfg.CartStore {
	case config.CartStoreMemory:
		cartRepo = cart.NewMemoryRepository()
	default:
		db, err := cart.OpenMongo(ctx, cart.MongoOptions{URI: cfg.MongoURI, Database: cfg.MongoDBName})
		if err != nil {
			return err
		}
		defer func() {
			disconnectCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			_ = db.Client().Disconnect(disconnectCtx)
		}()
		mongoRepo := cart.NewMongoRepository(db, cfg.CartTTL)
		if err := mongoRepo.CreateIndexes(ctx); err != nil {
			return fmt.Errorf("create cart indexes: %w", err)
		}
		cartRepo = mongoRepo
		checks["mongodb"] = func(ctx context.Context) error { return db.Client().Ping(ctx, nil) }
	}

	var cartCache cache.CartCache = cache.NopCache{}
	if cfg.CartCacheEnabled {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			// Carts still work without the cache.
			log.Warn("redis unavailable, continuing with cache misses", slog.Any("error", err))
		}
		cartCache = cache.NewRedisCache(client, cfg.CartTTL)
		checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	}

	carts := cart.NewService(cartRepo, cartCache, repo, stock, log)
	checkout := service.NewCheckoutService(service.CheckoutDeps{
		Carts:      carts,
		Ledger:     repo,
		Stock:      stock,
		Transactor: tx,
		Fees:       cfg.DeliveryFees,
		Logger:     log,
	})
	orders := service.NewOrderService(service.OrderDeps{
		Ledger:     repo,
		Stock:      stock,
		Transactor: tx,
		Logger:     log,
	})

	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	// Order events
	broker, err := openBroker(cfg, log)
	if err != nil {
		return err
	}
	if broker != nil {
		outbox := publisher.NewOutboxPoller(repo, broker, log)
		defer outbox.Close()
		g.Go(func() error {
			outbox.Run(gctx)
			return nil
		})
	}
	if cfg.Broker == config.BrokerKafka {
		cleaner := poller.NewPoller(carts, log, cfg.OrderEventsTopic, cfg.KafkaBrokers...)
		defer cleaner.Close()
		g.Go(func() error {
			cleaner.Run(gctx)
			return nil
		})
	}

	// HTTP
	router := h.NewRouter(h.Handlers{
		Cart:     h.NewCartHandler(carts, cfg.RequestTimeout),
		Checkout: h.NewCheckoutHandler(checkout, cfg.RequestTimeout),
		Orders:   h.NewOrdersHandler(orders, cfg.RequestTimeout),
		Products: h.NewProductHandler(stock, cfg.RequestTimeout),
		Health:   h.NewHealthHandler(checks),
	}, h.RouterConfig{
		RequestTimeout:     cfg.RequestTimeout,
		MaxRequestBodySize: cfg.MaxRequestBodySize,
		Limiter:            h.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
	})
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}
	g.Go(func() error {
		log.Info("marketplace HTTP server starting", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	// gRPC health + reflection
	ops := opsgrpc.NewOpsServer(checks, 10*time.Second, log)
	g.Go(func() error {
		return ops.Serve(gctx, lis)
	})

	return g.Wait()
}

func openRepository(cfg *config.Config) (*repository.Repository, error) {
	if cfg.DBDriver == string(repository.DialectSQLite) {
		return repository.NewSQLiteRepository(cfg.SQLitePath)
	}
	return repository.NewRepository(&cfg.DB)
}

// openBroker returns nil when event publishing is switched off.
func openBroker(cfg *config.Config, log *slog.Logger) (publisher.Broker, error) {
	switch cfg.Broker {
	case config.BrokerKafka:
		return publisher.NewKafkaBroker(cfg.OrderEventsTopic, cfg.KafkaBrokers...), nil
	case config.BrokerRabbitMQ:
		pool, err := publisher.NewChannelPool(cfg.RabbitMQURL, cfg.RabbitMQQueue, cfg.RabbitMQPoolSize, log)
		if err != nil {
			return nil, fmt.Errorf("connect rabbitmq: %w", err)
		}
		return publisher.NewRabbitMQBroker(pool, cfg.RabbitMQQueue), nil
	default:
		log.Info("order event publishing disabled")
		return nil, nil
	}
}
