package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/support-desk/internal/api"
	"github.com/whisper/support-desk/internal/config"
	"github.com/whisper/support-desk/internal/escalation"
	"github.com/whisper/support-desk/internal/hub"
	"github.com/whisper/support-desk/internal/messaging"
	"github.com/whisper/support-desk/internal/metrics"
	"github.com/whisper/support-desk/internal/presence"
	"github.com/whisper/support-desk/internal/ratelimit"
	"github.com/whisper/support-desk/internal/session"
	"github.com/whisper/support-desk/internal/ws"
)

// deps are the backing services, chosen by STORE_DRIVER.
type deps struct {
	store     session.Store
	presence  presence.Tracker
	limiter   ratelimit.Checker
	publisher messaging.Publisher
	closers   []func() error
}

func (d *deps) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			log.Printf("close error: %v", err)
		}
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	d, err := connect(cfg)
	if err != nil {
		log.Fatalf("%v", err)
	}

	h := hub.New(d.store, d.presence, d.limiter, d.publisher)
	ctrl := escalation.NewController(d.store, d.presence, h, d.publisher)

	serverConfig := ws.DefaultServerConfig()
	serverConfig.ListenAddr = cfg.ListenAddr
	serverConfig.WorkerPoolSize = cfg.WorkerPoolSize
	serverConfig.MaxConnections = cfg.MaxConnections
	serverConfig.ReadTimeout = cfg.ReadTimeout
	serverConfig.WriteTimeout = cfg.WriteTimeout

	server, err := ws.NewServer(serverConfig, ws.NewMessageDispatcher(h).Dispatch)
	if err != nil {
		log.Fatalf("failed to create server: %v", err)
	}
	server.SetConnectLimiter(d.limiter)
	server.SetOnDisconnect(func(c *ws.Connection) {
		h.Disconnect(c.ID)
	})
	api.NewHandler(h, ctrl, d.store, d.presence, d.limiter).Register(server)
	if err := metrics.RegisterSessionCollector(sessionCounter(d.store), statusLabels()...); err != nil {
		log.Fatalf("failed to register session metrics: %v", err)
	}
	server.Handle("GET /metrics", metrics.Handler())

	log.Printf("Support desk server starting")
	log.Printf("  listen_addr:      %s", cfg.ListenAddr)
	log.Printf("  worker_pool:      %d", cfg.WorkerPoolSize)
	log.Printf("  max_connections:  %d", cfg.MaxConnections)
	log.Printf("  read_timeout:     %s", cfg.ReadTimeout)
	log.Printf("  write_timeout:    %s", cfg.WriteTimeout)
	log.Printf("  store_driver:     %s", cfg.StoreDriver)
	log.Printf("  redis_addr:       %s", cfg.RedisAddr)
	log.Printf("  nats_url:         %s", cfg.NATSURL)
	log.Printf("  presence_stale:   %s", cfg.PresenceStaleThreshold)
	log.Printf("  server_name:      %s", cfg.ServerName)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Printf("shutdown error: %v", err)
		}
	}()

	if err := server.Start(); err != nil {
		d.close()
		log.Fatalf("server error: %v", err)
	}
	<-stopped
	d.close()
}

// connect opens the configured backends. In memory mode everything stays
// in-process and NATS is optional; in postgres mode Redis, Postgres and
// NATS are all required.
func connect(cfg config.Config) (*deps, error) {
	d := &deps{}
	presenceConfig := presence.DefaultConfig()
	presenceConfig.StaleThreshold = cfg.PresenceStaleThreshold

	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "supportd-" + cfg.ServerName
	natsClient, natsErr := messaging.NewNATSClient(natsConfig)
	if natsErr == nil {
		d.publisher = messaging.NewEventPublisher(natsClient)
		d.closers = append(d.closers, func() error { natsClient.Close(); return nil })
	}

	if cfg.StoreDriver == config.DriverMemory {
		if natsErr != nil {
			log.Printf("NATS unavailable (%v), events will be dropped", natsErr)
			d.publisher = messaging.Discard{}
		}
		d.store = session.NewMemoryStore()
		d.presence = presence.NewMemoryTracker(presenceConfig)
		d.limiter = ratelimit.NewMemoryLimiter()
		return d, nil
	}

	if natsErr != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", natsErr)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		d.close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	d.closers = append(d.closers, rdb.Close)
	d.presence = presence.NewRedisTracker(rdb, presenceConfig)
	d.limiter = ratelimit.NewLimiter(rdb)

	store, err := session.OpenPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		d.close()
		return nil, err
	}
	d.closers = append(d.closers, store.Close)
	d.store = store
	return d, nil
}

// sessionCounter feeds the support_sessions gauge from the store.
func sessionCounter(store session.Store) metrics.SessionCounter {
	return func(ctx context.Context) (map[string]int, error) {
		counts, err := session.CountByStatus(ctx, store)
		if err != nil {
			return nil, err
		}
		out := make(map[string]int, len(counts))
		for status, n := range counts {
			out[string(status)] = n
		}
		return out, nil
	}
}

func statusLabels() []string {
	out := make([]string, 0, len(session.Statuses))
	for _, s := range session.Statuses {
		out = append(out, string(s))
	}
	return out
}
