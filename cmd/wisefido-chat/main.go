package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wisefido-chat/common/database"
	"wisefido-chat/common/logger"
	"wisefido-chat/common/mqtt"
	commonredis "wisefido-chat/common/redis"
	"wisefido-chat/internal/blob"
	"wisefido-chat/internal/config"
	"wisefido-chat/internal/domain"
	httpapi "wisefido-chat/internal/http"
	"wisefido-chat/internal/realtime"
	"wisefido-chat/internal/repository"
	"wisefido-chat/internal/service"
	"wisefido-chat/internal/store"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

// repos the four chat repositories plus the feed, whichever backend serves them
type repos struct {
	operators     repository.OperatorsRepository
	rooms         repository.RoomsRepository
	participants  repository.ParticipantsRepository
	messages      repository.MessagesRepository
	notifications repository.NotificationsRepository
}

func main() {
	configPath := pflag.String("config", os.Getenv("CHAT_CONFIG"), "path to a YAML config file (env overrides still apply)")
	httpAddr := pflag.String("http-addr", "", "listen address, overrides http.addr")
	pflag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *httpAddr != "" {
		cfg.HTTP.Addr = *httpAddr
	}

	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "wisefido-chat")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, r := openStore(ctx, cfg, log)
	if db != nil {
		defer database.Close(db)
	}

	var rdb *redis.Client
	client := commonredis.NewRedisClient(&cfg.Redis)
	if err := commonredis.Ping(ctx, client); err != nil {
		log.Warn("Redis unavailable, idempotency and audit stay in-process", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		_ = client.Close()
	} else {
		rdb = client
		defer rdb.Close()
	}

	var kv store.KV = store.NewMemoryKV()
	var audit service.AuditSink = service.NewLogAuditSink(log)
	if rdb != nil {
		kv = store.NewRedisKV(rdb)
		if cfg.Chat.AuditStream != "" {
			audit = service.NewStreamAuditSink(rdb, cfg.Chat.AuditStream, cfg.Chat.AuditStreamLimit, log)
		}
	}

	bus, disconnect, err := openBus(ctx, cfg, rdb, log)
	if err != nil {
		log.Fatal("Failed to start delivery bus", zap.String("backend", cfg.Chat.PushBackend), zap.Error(err))
	}
	defer disconnect()
	defer bus.Close()

	storage := blob.NewHTTPStorage(cfg.Blob, log)
	if !storage.Configured() {
		log.Warn("Attachment storage not configured, uploads will be rejected")
	}

	rooms := service.NewRoomService(r.rooms, r.participants, r.messages, r.operators, audit, log)
	locks := service.NewRoomLocks()
	messages := service.NewMessageService(r.messages, kv, bus, locks, storage, cfg.Chat.IdempotencyTTL, log)
	reads := service.NewReadStateService(r.rooms, r.participants, r.messages, bus, locks, log)
	notifications := service.NewNotificationService(r.notifications, r.messages, r.participants, r.operators, bus, locks,
		cfg.Chat.PreviewRunes, cfg.Chat.FeedLimit, log)

	chat := httpapi.NewChatHandler(
		service.NewSessionResolver(r.operators),
		rooms, messages, reads, notifications, bus,
		httpapi.ChatHandlerOptions{
			MaxBodyBytes:     cfg.Chat.MaxBodyBytes,
			MaxUploadBytes:   cfg.Chat.MaxUploadBytes,
			WebsocketOrigins: cfg.HTTP.WebsocketOrigins,
		},
		log,
	)

	router := httpapi.NewRouter(log)
	router.RegisterHealth()
	router.RegisterChatRoutes(chat)

	srv := service.NewServer(cfg.HTTP.Addr, router, log)

	errCh := make(chan error, 1)
	go func() {
		log.Info("wisefido-chat listening",
			zap.String("addr", cfg.HTTP.Addr),
			zap.String("push_backend", cfg.Chat.PushBackend),
			zap.Bool("db", db != nil),
			zap.Bool("redis", rdb != nil),
		)
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("Shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			log.Error("HTTP server stopped", zap.Error(err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Error("Graceful shutdown failed", zap.Error(err))
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Load(), nil
	}
	return config.LoadFile(path)
}

// openStore Postgres when enabled and reachable, otherwise an in-memory store
// seeded with one SuperAdmin so the console is usable in development.
func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (*sql.DB, repos) {
	if cfg.DBEnabled {
		db, err := database.NewPostgresDB(&cfg.Database)
		if err == nil && cfg.AutoMigrate {
			if err = repository.EnsureSchema(ctx, db); err != nil {
				_ = database.Close(db)
			}
		}
		if err == nil {
			log.Info("Using PostgreSQL chat store", zap.String("host", cfg.Database.Host), zap.String("database", cfg.Database.Database))
			return db, repos{
				operators:     repository.NewPostgresOperatorsRepository(db),
				rooms:         repository.NewPostgresRoomsRepository(db),
				participants:  repository.NewPostgresParticipantsRepository(db),
				messages:      repository.NewPostgresMessagesRepository(db),
				notifications: repository.NewPostgresNotificationsRepository(db),
			}
		}
		log.Warn("PostgreSQL unavailable, falling back to in-memory chat store", zap.Error(err))
	}

	mem := repository.NewMemoryChatStore()
	seed := getEnv("CHAT_SEED_OPERATOR", "op-admin")
	mem.UpsertOperator(domain.Operator{OperatorID: seed, Username: "admin", Role: domain.RoleSuperAdmin, Active: true})
	log.Info("Using in-memory chat store", zap.String("seed_operator", seed))
	return nil, repos{operators: mem, rooms: mem, participants: mem, messages: mem, notifications: mem}
}

// openBus picks the backplane; disconnect releases the broker connection after bus.Close
func openBus(ctx context.Context, cfg *config.Config, rdb *redis.Client, log *zap.Logger) (bus realtime.Bus, disconnect func(), err error) {
	hub := realtime.NewHub()
	noop := func() {}
	switch cfg.Chat.PushBackend {
	case "", config.PushLocal:
		return hub, noop, nil
	case config.PushRedis:
		if rdb == nil {
			log.Warn("Redis push backend requested but Redis is down, delivering in-process only")
			return hub, noop, nil
		}
		bus, err = realtime.NewRedisBus(ctx, rdb, hub, log)
		return bus, noop, err
	case config.PushMQTT:
		client, err := mqtt.NewClient(&cfg.MQTT, log)
		if err != nil {
			return nil, nil, err
		}
		bus, err := realtime.NewMQTTBus(client, hub, log)
		if err != nil {
			client.Disconnect()
			return nil, nil, err
		}
		return bus, client.Disconnect, nil
	case config.PushNATS:
		nc, err := realtime.ConnectNATS(cfg.NATS.URL, cfg.NATS.Name, log)
		if err != nil {
			return nil, nil, err
		}
		bus, err := realtime.NewNATSBus(nc, hub, log)
		if err != nil {
			nc.Close()
			return nil, nil, err
		}
		return bus, nc.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown push backend %q", cfg.Chat.PushBackend)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
