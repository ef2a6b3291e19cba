package main

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/speedfog/racing-core/internal/auth"
	"github.com/speedfog/racing-core/internal/config"
	"github.com/speedfog/racing-core/internal/domain"
	"github.com/speedfog/racing-core/internal/metrics"
	"github.com/speedfog/racing-core/internal/modsession"
	"github.com/speedfog/racing-core/internal/monitor"
	"github.com/speedfog/racing-core/internal/notify"
	"github.com/speedfog/racing-core/internal/race"
	"github.com/speedfog/racing-core/internal/room"
	"github.com/speedfog/racing-core/internal/seed"
	"github.com/speedfog/racing-core/internal/spectator"
	"github.com/speedfog/racing-core/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, relying on process environment")
	}

	cfg := config.Get()
	port := cfg.GetPort()

	ctx := context.Background()

	st, err := store.Open(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("store: open failed: %v", err)
	}
	defer st.Close()

	if cfg.Database.BootstrapDDL {
		if err := st.Bootstrap(ctx); err != nil {
			log.Fatalf("store: bootstrap failed: %v", err)
		}
	}

	m := metrics.New()

	// Redis wiring — cross-process mod presence (I7) and the seed-pool SPOP
	// optimization, with graceful fallback to single-instance behavior when
	// disabled or unreachable.
	var presence room.Presence = room.NewNoopPresence()
	var seedPool seed.Pool = seed.NewNoopPool()
	if cfg.Redis.Enabled {
		if p, err := room.NewRedisPresence(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB); err != nil {
			slog.Warn("redis presence unavailable, falling back to single-instance mode", "addr", cfg.Redis.Addr, "error", err)
		} else {
			presence = p
			seedPool = seed.NewRedisPool(redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}))
			slog.Info("redis presence wired for cross-process mod tracking", "addr", cfg.Redis.Addr)
		}
	} else {
		slog.Info("redis disabled, running single-instance room presence and seed pool")
	}

	rooms := room.NewRegistry(cfg.Room.SendTimeout(), presence, m, slog.Default())

	notifier := notify.NewDispatcher(cfg.Notify.WorkerCount, cfg.Notify.DeliveryTimeout(), slog.Default())
	defer notifier.Shutdown()

	seeds := seed.New(st, seedPool, slog.Default())

	noSubscribers := func(context.Context, string) []notify.Subscriber { return nil }
	ctrl := race.New(st, rooms, notifier, noSubscribers, seeds, m, slog.Default())

	mon := monitor.New(st, ctrl, cfg.Monitor, m, slog.Default())
	mon.Start(ctx)
	defer mon.Stop()

	router := mux.NewRouter()

	router.HandleFunc("/health", handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	router.HandleFunc("/ws/mod/{race_id}", func(w http.ResponseWriter, r *http.Request) {
		raceID := mux.Vars(r)["race_id"]
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("mod websocket upgrade failed", "error", err)
			return
		}
		session := modsession.New(raceID, conn, st, rooms, ctrl, cfg.Room, m, slog.Default())
		session.Run(r.Context())
	}).Methods(http.MethodGet)

	// Organizer-triggered seed operations (C8, spec.md §4.8) — reroll picks a
	// fresh seed for a SETUP race, discard_pool retires a whole pool so it
	// can never be reused by a later reroll (I2).
	router.HandleFunc("/races/{race_id}/seed/reroll", func(w http.ResponseWriter, r *http.Request) {
		raceID := mux.Vars(r)["race_id"]
		newSeed, err := ctrl.Reroll(r.Context(), raceID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"seed_id": newSeed.ID, "number": newSeed.Number})
	}).Methods(http.MethodPost)

	router.HandleFunc("/seed-pools/{pool}/discard", func(w http.ResponseWriter, r *http.Request) {
		pool := mux.Vars(r)["pool"]
		if err := ctrl.DiscardPool(r.Context(), pool); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodPost)

	router.HandleFunc("/ws/race/{race_id}", func(w http.ResponseWriter, r *http.Request) {
		raceID := mux.Vars(r)["race_id"]
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("spectator websocket upgrade failed", "error", err)
			return
		}
		session := spectator.New(raceID, conn, st, rooms, cfg.Room, resolveSpectatorIdentity(st), slog.Default())
		session.Run(r.Context())
	}).Methods(http.MethodGet)

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout(),
		WriteTimeout: cfg.Server.WriteTimeout(),
		IdleTimeout:  cfg.Server.IdleTimeout(),
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("shutdown signal received, closing rooms and draining connections")

		// Supplemented feature: graceful shutdown closes every live room with
		// code 1001 before the HTTP server itself stops accepting.
		rooms.CloseAll(1001, "server shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("speedfog racing core starting", "port", port, "env", cfg.Server.Env)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server failed: %v", err)
	}
	slog.Info("server stopped")
}

// resolveSpectatorIdentity adapts auth.Verify into spectator.IdentityResolver.
func resolveSpectatorIdentity(st *store.Store) spectator.IdentityResolver {
	return func(ctx context.Context, token string) (spectator.Identity, bool) {
		user, err := auth.Verify(ctx, token, func(ctx context.Context, userID string) (*domain.User, error) {
			return st.GetUser(ctx, userID)
		})
		if err != nil {
			return spectator.Identity{}, false
		}
		return spectator.Identity{UserID: user.ID, Role: user.Role}, true
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
