package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/asadovsky/nodelist/server/hub"
	"github.com/asadovsky/nodelist/server/list"
	"github.com/asadovsky/nodelist/server/store/memstore"
	"github.com/asadovsky/nodelist/server/store/mongodb"
)

var (
	port        = flag.Int("port", 4000, "service listen port")
	mongoAddr   = flag.String("mongo-addr", "", "MongoDB host:port seed list; empty serves from the in-memory store")
	mongoDb     = flag.String("mongo-db", "nodelist", "MongoDB database name")
	replicaSet  = flag.String("mongo-replica-set", "rs0", "MongoDB replica set name; transactions require one")
	origin      = flag.String("origin", "*", "allowed websocket origin, or * for any")
	maxAttempts = flag.Int("max-attempts", 10, "optimistic retry attempts per mutation")
	logLevel    = zap.LevelFlag("log-level", zapcore.InfoLevel, "minimum log level")
)

func main() {
	flag.Parse()

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(*logLevel)
	logger, err := cfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store list.Store
	if *mongoAddr == "" {
		logger.Info("no storage address configured, using in-memory store")
		store = memstore.New()
	} else {
		st, err := mongodb.Dial(ctx, mongodb.Options{
			Addr:       *mongoAddr,
			Database:   *mongoDb,
			ReplicaSet: *replicaSet,
		}, logger)
		if err != nil {
			logger.Fatal("failed to dial storage", zap.Error(err))
		}
		defer func() {
			if err := st.Close(context.Background()); err != nil {
				logger.Warn("storage disconnect failed", zap.Error(err))
			}
		}()
		store = st
	}

	engine := list.NewEngine(store, list.RetryOptions{MaxAttempts: *maxAttempts})
	h := hub.New(engine, *origin, logger)

	mux := http.NewServeMux()
	mux.Handle("/", h)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if p, ok := store.(interface{ Ping(context.Context) error }); ok {
			if err := p.Ping(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{Addr: fmt.Sprintf(":%d", *port), Handler: mux}
	logger.Info("serving",
		zap.Int("port", *port),
		zap.String("mongoAddr", *mongoAddr),
		zap.String("origin", *origin),
		zap.Int("maxAttempts", *maxAttempts))

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		logger.Fatal("server failed", zap.Error(err))
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown failed", zap.Error(err))
		}
	}
}
