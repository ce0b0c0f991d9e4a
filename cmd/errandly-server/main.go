package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	server "github.com/errandly/errandly/internal"
	"github.com/errandly/errandly/internal/config"
	"github.com/errandly/errandly/internal/docstore"
	"github.com/errandly/errandly/internal/eventbus"
	"github.com/errandly/errandly/internal/geoindex"
	"github.com/errandly/errandly/internal/identity"
	"github.com/errandly/errandly/internal/notify"
	"github.com/errandly/errandly/internal/push"
	"github.com/errandly/errandly/internal/task"
	"github.com/errandly/errandly/internal/user"
	"github.com/errandly/errandly/pkg/clog"
	"github.com/errandly/errandly/pkg/storage"
)

func main() {
	env, err := config.LoadEnv()
	if err != nil {
		slog.Error("failed to load env", "error", err)
		os.Exit(1)
	}

	// Setup logger
	level := env.SlogLevel()
	var handler slog.Handler
	if env.Env == "local" {
		handler = clog.NewHTTPTextHandler(os.Stderr, clog.WithLevel(level))
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(clog.NewAttributesHandler(handler)))

	// Setup storage
	var blobs storage.Storage
	switch env.StorageEnv.Type {
	case "s3":
		blobs, err = storage.NewS3Storage(context.Background(), env.StorageEnv.S3Bucket, env.StorageEnv.S3Prefix, env.StorageEnv.S3Region)
		if err != nil {
			slog.Error("failed to create S3 storage", "error", err)
			os.Exit(1)
		}
	default:
		blobs, err = storage.NewLocalStorage(env.StorageEnv.BaseDir)
		if err != nil {
			slog.Error("failed to create local storage", "error", err)
			os.Exit(1)
		}
	}

	// Setup event bus
	bus, err := eventbus.New()
	if err != nil {
		slog.Error("failed to create event bus", "error", err)
		os.Exit(1)
	}

	// Setup document store
	store, err := docstore.New(
		[]docstore.Descriptor{
			task.Docs.Descriptor(),
			user.Docs.Descriptor(),
		},
		docstore.WithChangeBus(bus),
		docstore.WithPersistence(blobs),
	)
	if err != nil {
		slog.Error("failed to create document store", "error", err)
		os.Exit(1)
	}
	if err := store.Load(context.Background()); err != nil {
		slog.Error("failed to load persisted documents", "error", err)
		os.Exit(1)
	}

	// Setup geo index, fed by task change events
	index := geoindex.New()
	task.NewGeoSyncer(index).Register(bus)

	// Setup push dispatcher
	vapidEnv := config.VAPIDEnvFromEnv(env)
	var dispatcher push.Dispatcher
	if wp := push.NewWebPushDispatcher(vapidEnv); wp.Configured() {
		dispatcher = wp
	} else {
		slog.Warn("VAPID keys not configured, push notifications will only be logged")
		dispatcher = &push.LogDispatcher{}
	}
	notify.New(store, dispatcher, env.NotifyEnv.RadiusKm).Register(bus)

	// Setup servers
	coordinator := task.NewCoordinator(store)
	resolver := identity.NewResolver(env.AuthEnv.JWTSecret)
	taskServer := task.NewServer(coordinator, store, index)
	userServer := user.NewServer(store)
	srv := server.NewServer(config.BaseEnvFromEnv(env), resolver, taskServer, userServer)

	// Graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	go func() {
		if err := bus.Run(ctx); err != nil {
			slog.Error("event bus error", "error", err)
			cancel()
		}
	}()
	// Subscribers must be running before requests mutate the store.
	<-bus.Running()

	// Warm the geo index from persisted pending tasks.
	for _, t := range task.Docs.All(store) {
		if t.Status == task.StatusPending && t.Location != nil {
			index.Set(t.ID, *t.Location)
		}
	}

	go func() {
		if err := srv.ListenAndServe(ctx); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	if err := bus.Close(); err != nil {
		slog.Error("event bus close error", "error", err)
	}
}
