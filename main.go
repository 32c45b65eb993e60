package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"socialchat/chat"
	"socialchat/config"
	"socialchat/database"
	"socialchat/events"
	"socialchat/handlers"
	"socialchat/logger"
	"socialchat/metrics"
	"socialchat/middleware"
	"socialchat/push"
	"socialchat/routes"
	"socialchat/store"
	"socialchat/users"
	"socialchat/websocket"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

func main() {
	configPath := flag.String("config", "config.yaml", "optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{Development: cfg.Log.Development, Level: cfg.Log.Level})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Infow("starting chat server", "store", cfg.Store.Driver, "port", cfg.Server.Port)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ===== PERSISTENCE =====
	var (
		st   store.Store
		dir  users.Directory
		subs push.SubscriptionStore
		db   *database.DB
	)
	switch cfg.Store.Driver {
	case "memory":
		log.Warn("using in-memory store: data is lost on restart")
		st = store.NewMemoryStore()
		dir = users.OpenDirectory{}
		subs = push.NewMemorySubscriptions()
	default:
		db, err = database.Connect(ctx, cfg.Mongo.URI, cfg.Mongo.Database, log)
		if err != nil {
			log.Fatalw("failed to connect to mongodb", "error", err)
		}
		ictx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err = db.EnsureIndexes(ictx)
		cancel()
		if err != nil {
			log.Fatalw("failed to create indexes", "error", err)
		}
		st = store.NewMongoStore(db.Client, db.Conversations, db.Messages, cfg.Mongo.Transactions)
		dir = users.NewMongoDirectory(db.Users)
		subs = push.NewMongoSubscriptions(db.PushSubs)
		if !cfg.Mongo.Transactions {
			log.Warn("mongodb transactions disabled: sends use compensating deletes")
		}
	}

	// ===== REALTIME =====
	var (
		rdb         *redis.Client
		managerOpts []websocket.ManagerOption
	)
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pctx).Err()
		cancel()
		if err != nil {
			log.Fatalw("failed to reach redis", "addr", cfg.Redis.Addr, "error", err)
		}
		managerOpts = append(managerOpts, websocket.WithRedis(rdb, cfg.Redis.Channel))
		log.Infow("redis fan-out enabled", "addr", cfg.Redis.Addr, "channel", cfg.Redis.Channel)
	}
	manager := websocket.NewManager(log, managerOpts...)
	go func() {
		if err := manager.Run(ctx); err != nil {
			log.Errorw("realtime relay stopped", "error", err)
		}
	}()

	// ===== NOTIFIERS =====
	notifiers := chat.Notifiers{manager}

	var publisher *events.Publisher
	if len(cfg.Kafka.Brokers) > 0 {
		publisher = events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
		notifiers = append(notifiers, publisher)
		log.Infow("kafka events enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}

	var pusher *push.Notifier
	if cfg.Push.VAPIDPrivateKey != "" && cfg.Push.VAPIDPublicKey != "" {
		pusher = push.NewNotifier(subs, manager, dir, push.Config{
			VAPIDPublicKey:  cfg.Push.VAPIDPublicKey,
			VAPIDPrivateKey: cfg.Push.VAPIDPrivateKey,
			Subscriber:      cfg.Push.Subscriber,
		}, log)
		notifiers = append(notifiers, pusher)
	} else {
		log.Warn("VAPID keys not set: web push disabled (run cmd/vapidgen)")
	}

	svc := chat.NewService(st, dir, log,
		chat.WithNotifier(notifiers),
		chat.WithPeerVerification(cfg.Users.VerifyPeers),
	)

	// ===== HTTP =====
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	verifier := middleware.NewVerifier(cfg.JWT.Secret)
	router := routes.SetupRouter(routes.Deps{
		Conversations: handlers.NewConversationHandler(svc, cfg.RequestTimeout),
		Users:         handlers.NewUserHandler(dir, manager, cfg.RequestTimeout, log),
		Push:          handlers.NewPushHandler(subs, cfg.Push.VAPIDPublicKey, cfg.RequestTimeout, log),
		Realtime: websocket.NewHandler(manager, verifier, websocket.HandlerConfig{
			AllowAnonymousJoin: cfg.Realtime.AllowAnonymousJoin,
			InboundPerSecond:   cfg.Realtime.InboundPerSecond,
			AllowOrigins:       cfg.Server.AllowOrigins,
		}, log),
		Verifier:     verifier,
		RateLimiter:  middleware.NewIPRateLimiter(cfg.Server.RateLimitPerMinute),
		AllowOrigins: cfg.Server.AllowOrigins,
		Log:          log,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Infow("server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalw("server error", "error", err)
		}
	}()

	// ===== GRACEFUL SHUTDOWN =====
	<-ctx.Done()
	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warnw("forced shutdown", "error", err)
	}
	if pusher != nil {
		pusher.Wait()
	}
	if publisher != nil {
		if err := publisher.Close(); err != nil {
			log.Warnw("close kafka writer", "error", err)
		}
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	if err := db.Disconnect(shutdownCtx); err != nil {
		log.Warnw("disconnect mongodb", "error", err)
	}
	log.Info("server stopped")
}
