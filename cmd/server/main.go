package main

import (
	"context"
	"github.com/caarlos0/env/v6"
	"go.uber.org/zap"
	"log"
	"net/http"
	"realtime-chat/internal/chat"
	"realtime-chat/internal/media"
	"realtime-chat/internal/notify"
	"realtime-chat/internal/presence"
	"realtime-chat/internal/realtime"
	"realtime-chat/internal/server"
	"realtime-chat/internal/storage"
	"realtime-chat/internal/storage/memstore"
	"time"
)

// appConfig selects backends and tunes the chat core
type appConfig struct {
	StorageBackend  string        `env:"STORAGE_BACKEND" envDefault:"postgres"`
	NotifyBackend   string        `env:"NOTIFY_BACKEND" envDefault:"none"`
	DispatchTimeout time.Duration `env:"DISPATCH_TIMEOUT" envDefault:"10s"`
	BcryptCost      int           `env:"BCRYPT_COST" envDefault:"10"`
}

type repository interface {
	chat.Repository
	presence.Persister
}

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("zap.NewDevelopment: %v", err)
	}
	defer logger.Sync()

	sugar := logger.Sugar()
	sugar.Info("Application is starting")

	appCfg := appConfig{}
	if err := env.Parse(&appCfg); err != nil {
		sugar.Fatalf("Cannot parse app config: %v", err)
	}

	srvCfg := server.EnvConfig{}
	if err := env.Parse(&srvCfg); err != nil {
		sugar.Fatalf("Cannot parse server config: %v", err)
	}

	var afterShutdown []server.Option

	// storage
	var repo repository
	switch appCfg.StorageBackend {
	case "memory":
		sugar.Warn("Using in-memory storage, data is lost on restart")
		repo = memstore.New()
	case "postgres":
		dbCfg := storage.Config{}
		if err := env.Parse(&dbCfg); err != nil {
			sugar.Fatalf("Cannot parse storage config: %v", err)
		}

		if err := storage.Migrate(dbCfg); err != nil {
			sugar.Fatalf("Cannot migrate database: %v", err)
		}

		store, err := storage.New(context.Background(), sugar, dbCfg, storage.ConnectionTimeout(30*time.Second))
		if err != nil {
			sugar.Fatalf("Cannot create Store instance: %v", err)
		}
		afterShutdown = append(afterShutdown, server.RegisterAfterShutdown(func() {
			sugar.Info("Closing store")
			store.Close()
			sugar.Info("Store is closed")
		}))
		repo = store
	default:
		sugar.Fatalf("Unknown STORAGE_BACKEND %q", appCfg.StorageBackend)
	}

	// notifications
	var notifier notify.Notifier = notify.Discard{}
	switch appCfg.NotifyBackend {
	case "none":
	case "novu":
		novuCfg := notify.NovuConfig{}
		if err := env.Parse(&novuCfg); err != nil {
			sugar.Fatalf("Cannot parse Novu config: %v", err)
		}
		n, err := notify.NewNovu(novuCfg, &http.Client{Timeout: novuCfg.Timeout})
		if err != nil {
			sugar.Fatalf("Cannot create Novu client: %v", err)
		}
		notifier = n
	case "nats":
		natsCfg := notify.NATSConfig{}
		if err := env.Parse(&natsCfg); err != nil {
			sugar.Fatalf("Cannot parse NATS config: %v", err)
		}
		n, err := notify.NewNATS(sugar, natsCfg)
		if err != nil {
			sugar.Fatalf("Cannot connect to NATS: %v", err)
		}
		afterShutdown = append(afterShutdown, server.RegisterAfterShutdown(func() {
			if err := n.Close(); err != nil {
				sugar.Errorf("Closing NATS connection: %v", err)
			}
		}))
		notifier = n
	default:
		sugar.Fatalf("Unknown NOTIFY_BACKEND %q", appCfg.NotifyBackend)
	}

	// media
	mediaCfg := media.CloudinaryConfig{}
	if err := env.Parse(&mediaCfg); err != nil {
		sugar.Fatalf("Cannot parse Cloudinary config: %v", err)
	}
	var assets chat.AssetStore = media.Discard{}
	if mediaCfg.Enabled() {
		cld, err := media.NewCloudinary(mediaCfg)
		if err != nil {
			sugar.Fatalf("Cannot create Cloudinary client: %v", err)
		}
		assets = cld
	} else {
		sugar.Info("Cloudinary is not configured, assets will not be deleted")
	}

	dispatcher := notify.NewDispatcher(sugar, appCfg.DispatchTimeout)
	router := realtime.NewRouter(sugar)
	registry := presence.NewRegistry(sugar, repo)
	service := chat.NewService(sugar, repo, router, notifier, dispatcher, assets, chat.BcryptCost(appCfg.BcryptCost))
	gateway := realtime.NewGateway(sugar, router, registry, service)

	serverOpts := []server.Option{
		server.WithEnvConfig(srvCfg),
		server.ReadTimeout(5 * time.Second),
		server.TimeoutHandler(10*time.Second, "Request timed out"),
		server.WithStream("/ws", gateway),
		// hijacked websockets outlive http.Server.Shutdown; their disconnections
		// still write presence and may queue notifications
		server.RegisterAfterShutdown(gateway.Close),
		// pending notifications are flushed before storage and brokers are closed
		server.RegisterAfterShutdown(func() {
			sugar.Info("Waiting for pending notifications")
			dispatcher.Wait()
		}),
	}
	serverOpts = append(serverOpts, afterShutdown...)

	srv, err := server.NewServer(sugar, service, server.NewAuthenticator(srvCfg.JWTSecret, repo), serverOpts...)
	if err != nil {
		sugar.Fatalf("Cannot create Server instance: %v", err)
	}

	if err := srv.Start(); err != nil {
		sugar.Fatalf("Cannot start http srv: %v", err)
	}
}
