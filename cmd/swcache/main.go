package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"swcache/internal/swcache"
)

func main() {
	configPath := pflag.StringP("config", "c", getenvDefault("SWCACHE_CONFIG", "/swcache.yaml"), "path to swcache.yaml")
	verbose := pflag.BoolP("verbose", "v", false, "verbose output")
	pflag.Parse()

	cfg, err := swcache.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	setupLogging(cfg.Logging.Level, *verbose)

	if err := run(cfg); err != nil {
		log.Fatal(err)
	}
}

// run serves until SIGINT or SIGTERM. The store is closed on every return.
func run(cfg swcache.Config) error {
	svc, err := swcache.NewService(cfg)
	if err != nil {
		return errors.Wrap(err, "init service")
	}
	defer svc.Close()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", addr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Without an installed version requests pass straight through, so a
	// failed install is retried until it succeeds or we are stopped.
	go func() {
		backoff := time.Second
		for {
			err := svc.Start(ctx)
			if err == nil || ctx.Err() != nil {
				return
			}
			log.WithError(err).Warnf("start failed, retrying in %s", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < time.Minute {
				backoff *= 2
			}
		}
	}()

	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.WithFields(log.Fields{
			"addr":    addr,
			"origin":  cfg.Server.Origin,
			"version": cfg.Version,
		}).Info("swcache listening")
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("server error")
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("shutdown")
	}
	return nil
}

func setupLogging(level string, verbose bool) {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05.000000"})
	lvl, err := log.ParseLevel(level)
	if err != nil {
		log.WithError(err).Warn("unknown log level, using info")
		lvl = log.InfoLevel
	}
	if verbose {
		lvl = log.DebugLevel
	}
	log.SetLevel(lvl)
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
