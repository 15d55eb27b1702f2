// Package main implements the scribe broker, the real-time collaboration
// service that connects document editors to the editing backend.
//
// The broker fans applied operations and room events out to connected
// clients, tracks who is editing what, and coordinates with its sibling
// instances exclusively through the redis backplane.
//
// Architecture:
//
//	┌──────────────────────────────────────────┐
//	│                Broker                    │
//	├──────────────────────────────────────────┤
//	│  HTTP API:                               │
//	│    /socket        - Websocket sessions   │
//	│    /health        - Liveness (probes)    │
//	│    /status        - Deployment status    │
//	│    /admin/*       - Operational controls │
//	├──────────────────────────────────────────┤
//	│  Components:                             │
//	│    Tracker        - Connected sessions   │
//	│    Room registry  - Local membership     │
//	│    LoadBalancer   - editor-events relay  │
//	│    DocRelay       - applied-ops relay    │
//	│    Controller     - Session operations   │
//	│    Drainer        - Graceful migration   │
//	└──────────────────────────────────────────┘
//
// Configuration: YAML file via -config, overridden by SCRIBE_* environment
// variables (see internal/config).
//
// Example usage:
//
//	# Start against local redis and backends
//	./broker
//
//	# Drain the instance at 10 clients/second
//	curl -X POST 'localhost:3026/admin/drain?rate=10'
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"

	"github.com/dreamware/scribe/internal/backend"
	"github.com/dreamware/scribe/internal/backplane"
	"github.com/dreamware/scribe/internal/channel"
	"github.com/dreamware/scribe/internal/config"
	"github.com/dreamware/scribe/internal/controller"
	"github.com/dreamware/scribe/internal/drain"
	"github.com/dreamware/scribe/internal/health"
	"github.com/dreamware/scribe/internal/presence"
	"github.com/dreamware/scribe/internal/relay"
	"github.com/dreamware/scribe/internal/room"
	"github.com/dreamware/scribe/internal/sequence"
	"github.com/dreamware/scribe/internal/session"
)

// logFatal is a variable to allow mocking log.Fatal in tests.
var logFatal = log.Fatalf

// broker bundles the wired components behind the HTTP handlers.
type broker struct {
	cfg      config.Config
	tracker  *session.Tracker
	rooms    *room.Registry
	lb       *relay.LoadBalancer
	docRelay *relay.DocRelay
	ctrl     *controller.Controller
	drainer  *drain.Drainer
	health   *health.Registry
	status   *statusMonitor
}

func main() {
	configPath := flag.String("config", os.Getenv("SCRIBE_CONFIG"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logFatal("loading config: %v", err)
	}

	ctx := context.Background()

	conns := make([]backplane.Conn, 0, len(cfg.RedisAddrs))
	for i, addr := range cfg.RedisAddrs {
		conn := backplane.NewRedisConn("redis-"+strconv.Itoa(i), addr)
		if err := conn.Ping(ctx); err != nil {
			logFatal("backplane redis %s unreachable: %v", addr, err)
		}
		conns = append(conns, conn)
	}
	pool := backplane.NewPool(conns...)

	presenceClient := redis.NewClient(&redis.Options{Addr: cfg.PresenceRedisAddr})
	if err := presenceClient.Ping(ctx).Err(); err != nil {
		logFatal("presence redis %s unreachable: %v", cfg.PresenceRedisAddr, err)
	}

	tracker := session.NewTracker()
	rooms := room.NewRegistry()
	channels := channel.NewManager(cfg.PerEntityChannels)
	checker := sequence.NewChecker(cfg.SequenceStaleness.Std())
	healthReg := health.NewRegistry(cfg.HealthCheckTimeout.Std())

	lb := relay.NewLoadBalancer(pool, channels, rooms, tracker, checker, healthReg, cfg.RestrictedMessagePassList)
	docRelay := relay.NewDocRelay(pool, channels, rooms, checker, healthReg)
	rooms.AddListener(lb)
	rooms.AddListener(docRelay)
	if err := lb.Listen(ctx); err != nil {
		logFatal("starting editor-events relay: %v", err)
	}
	if err := docRelay.Listen(ctx); err != nil {
		logFatal("starting applied-ops relay: %v", err)
	}

	ctrl := controller.New(
		controller.Config{
			FlushIfEmptyDelay:  cfg.FlushIfEmptyDelay.Std(),
			ClientRefreshDelay: cfg.ClientRefreshDelay.Std(),
		},
		backend.NewWebAPI(cfg.WebAPIURL),
		backend.NewDocUpdater(cfg.DocUpdaterURL, cfg.MaxUpdateSize),
		presence.NewStore(presenceClient),
		rooms,
		lb,
	)

	b := &broker{
		cfg:      cfg,
		tracker:  tracker,
		rooms:    rooms,
		lb:       lb,
		docRelay: docRelay,
		ctrl:     ctrl,
		drainer:  drain.NewDrainer(tracker),
		health:   healthReg,
		status:   newStatusMonitor(cfg.StatusFile, cfg.StatusFileInterval.Std()),
	}
	b.status.start()
	defer b.status.stop()

	// Periodic backplane round-trip probes feeding /health.
	probeTicker := time.NewTicker(cfg.HealthCheckInterval.Std())
	defer probeTicker.Stop()
	go func() {
		for range probeTicker.C {
			lb.CheckHealth(ctx)
			docRelay.CheckHealth(ctx)
		}
	}()

	r := mux.NewRouter()
	r.HandleFunc("/socket", b.handleSocket)
	r.HandleFunc("/health", b.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", b.handleStatus).Methods(http.MethodGet)
	admin := r.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/clients", b.handleClients).Methods(http.MethodGet)
	admin.HandleFunc("/room/{id}/message", b.handleRoomMessage).Methods(http.MethodPost)
	admin.HandleFunc("/drain", b.handleDrain).Methods(http.MethodPost)
	admin.HandleFunc("/client/{publicID}/disconnect", b.handleDisconnectClient).Methods(http.MethodPost)

	s := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("broker listening on %s", cfg.ListenAddr)
		if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logFatal("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	// Ask connected clients to move before the listener goes away.
	log.Printf("shutdown requested, draining %d clients", tracker.Count())
	b.drainer.Start(float64(tracker.Count()) / 10)
	if done := b.drainer.Done(); done != nil {
		select {
		case <-done:
		case <-time.After(15 * time.Second):
			log.Printf("drain timed out, shutting down anyway")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}
	healthReg.Stop()
	for _, conn := range conns {
		conn.Close()
	}
	log.Println("broker stopped")
}
