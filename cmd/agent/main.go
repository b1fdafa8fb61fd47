package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/swiftdrop/driverlink/internal/chat"
	"github.com/swiftdrop/driverlink/internal/config"
	"github.com/swiftdrop/driverlink/internal/domain"
	"github.com/swiftdrop/driverlink/internal/identity"
	"github.com/swiftdrop/driverlink/internal/location"
	"github.com/swiftdrop/driverlink/internal/progress"
	"github.com/swiftdrop/driverlink/internal/socket"
	"github.com/swiftdrop/driverlink/internal/state"
	"github.com/swiftdrop/driverlink/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Fatal("no .env file: ", err)
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		return
	}

	id, err := identity.FromToken(cfg.Auth.Token, cfg.Auth.JWTSecret)
	if err != nil {
		slog.Error("Failed to derive identity from token", "error", err)
		return
	}

	kv := store.NewRedisKV(cfg.Redis.Addr())
	slog.Info("Redis inited")

	db, err := sqlx.Connect("postgres", cfg.Database.DSN())
	if err != nil {
		log.Fatal(err)
	}
	slog.Info("Database inited")

	goose.SetBaseFS(store.MigrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		slog.Error("Failed to set dialect (migrations)", "error", err)
		return
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		slog.Error("Failed to migrate up", "error", err)
		return
	}
	slog.Info("Migrations completed")

	archive := store.NewArchive(db)
	bus := state.NewBus(128)

	reconnect := socket.ReconnectPolicy{
		Interval:    cfg.Socket.ReconnectInterval,
		MaxAttempts: cfg.Socket.MaxReconnectAttempts,
	}
	newManager := func(path string) *socket.Manager {
		return socket.NewManager(socket.Config{
			BaseURL:          cfg.Socket.BaseURL,
			Path:             path,
			Reconnect:        reconnect,
			HandshakeTimeout: cfg.Socket.HandshakeTimeout,
		})
	}

	orderMgr := newManager(cfg.Socket.OrderEventsPath)
	locationMgr := newManager(cfg.Socket.LocationPath)
	chatMgr := newManager(cfg.Socket.ChatPath)
	managers := []*socket.Manager{orderMgr, locationMgr, chatMgr}

	sequencer := progress.NewSequencer(orderMgr, bus, kv, cfg.Progress.AckTimeout, cfg.Progress.RatingCooldown)
	adapter := chat.NewAdapter(chatMgr, bus, kv, archive, cfg.Chat.HistoryTimeout)
	scheduler := location.NewScheduler(
		locationMgr,
		location.NewHTTPProvider(cfg.Location.ProviderURL),
		sequencer,
		cfg.Location.EmitInterval,
	)
	sequencer.OnCommit(scheduler.Kick)

	monitor := socket.NewProbeMonitor(cfg.Socket.ProbeAddr, cfg.Socket.ProbeInterval)
	socket.BindMonitor(monitor, managers...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, m := range managers {
		if err := m.Initialize(ctx, id); err != nil {
			slog.Error("Initial socket connect failed, waiting for reachability", "error", err)
		}
	}

	if err := sequencer.Restore(ctx); err != nil {
		slog.Warn("No progress snapshot restored", "error", err)
	}
	if err := adapter.Restore(ctx); err != nil && err != domain.ErrNotFound {
		slog.Warn("No chat session restored", "error", err)
	}

	go scheduler.Run(ctx)
	go presenceLoop(ctx, kv, id.DriverID, orderMgr)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	cancel()
	sequencer.Close()
	monitor.Close()
	for _, m := range managers {
		if err := m.Close(); err != nil {
			slog.Warn("Socket teardown error", "error", err)
		}
	}
	bus.Close()
	db.Close()
	kv.Close()

	slog.Info("Agent exited")
}

// presenceLoop refreshes the driver's presence key while any channel is
// live, so dashboards can tell a running agent from a dead one.
func presenceLoop(ctx context.Context, kv store.KV, driverID string, mgr *socket.Manager) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !mgr.IsConnected() {
				continue
			}
			if err := kv.Set(ctx, store.PresenceKey(driverID), "online", 90*time.Second); err != nil {
				slog.Error("Failed to refresh presence", "error", err)
			}
		}
	}
}
