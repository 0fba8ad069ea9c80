package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/julienschmidt/httprouter"

	"github.com/pulsechat/pulse/chat"
	"github.com/pulsechat/pulse/handlers"
	"github.com/pulsechat/pulse/internal"
	"github.com/pulsechat/pulse/pkg/ticket"
	"github.com/pulsechat/pulse/storage"
	"github.com/pulsechat/pulse/storage/badgerstore"
	"github.com/pulsechat/pulse/storage/redisstore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := internal.Load()
	if err != nil {
		return err
	}
	log := cfg.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store storage.Store
	switch cfg.StoreBackend {
	case "badger":
		db, err := badger.Open(badger.DefaultOptions(cfg.BadgerFilepath).WithLogger(nil))
		if err != nil {
			return fmt.Errorf("open badger at %s: %w", cfg.BadgerFilepath, err)
		}
		defer db.Close()
		store = badgerstore.New(db, log)
	case "redis":
		rdb, err := redisstore.NewClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return fmt.Errorf("dial redis at %s: %w", cfg.RedisAddr, err)
		}
		defer rdb.Close()
		store = redisstore.New(rdb, log)
	default:
		return fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}

	issuer := ticket.New([]byte(cfg.TicketSecret), cfg.TicketDuration)
	engine := chat.NewEngine(log, store, issuer)

	router := httprouter.New()
	handlers.New(log, store, engine, issuer).Register(router)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", srv.Addr, "store", cfg.StoreBackend)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
	}
	return nil
}
