package main

import (
	"context"
	"flag"
	"fmt"
	golog "log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/gops/agent"
	"github.com/nicolagi/depot/depot"
	"github.com/nicolagi/depot/server"
	"github.com/nicolagi/depot/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func main() {
	defaultConfigFile := os.ExpandEnv("$HOME/lib/depot/depot.config")
	configFile := flag.String("config", defaultConfigFile, "location of configuration file")
	envFile := flag.String("env", ".env", "location of optional file of environment variables")
	flag.Parse()

	if err := loadEnv(*envFile); err != nil {
		log.WithFields(log.Fields{
			"err":  err,
			"path": *envFile,
		}).Fatal("Could not load environment file")
	}

	opts, err := loadConfig(*configFile)
	if err != nil {
		log.WithFields(log.Fields{
			"err":  err,
			"path": *configFile,
		}).Fatal("Could not load configuration")
	}
	opts.applyDefaultsForMissingProperties()

	if opts.Debug {
		log.SetLevel(log.DebugLevel)
	}

	cleanup := redirectLogging(opts)
	defer cleanup()

	if !opts.DisableGops {
		if err := agent.Listen(agent.Options{
			ShutdownCleanup: true,
		}); err != nil {
			log.WithField("err", err).Warn("Could not start gops agent")
		} else {
			defer agent.Close()
		}
	}

	to, err := opts.timeouts()
	if err != nil {
		log.WithField("err", err).Fatal("Invalid configuration")
	}

	sc := opts.storageConfig()
	store, closeStore, err := storage.Open(sc)
	if err != nil {
		log.WithField("err", err).Fatal("Could not set up storage")
	}
	defer func() {
		if err := closeStore(); err != nil {
			log.WithField("err", err).Warn("Could not close storage cleanly")
		}
	}()
	log.WithField("type", sc.Kind).Info("Storage ready")

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	srv := server.New(
		depot.NewService(store, depot.WithLogger(log.WithField("storage", sc.Kind))),
		server.WithAddress(opts.Address),
		server.WithTimeouts(to.readHeader, to.idle),
		server.WithRateLimit(opts.RateLimit.RPS, opts.RateLimit.Burst),
		server.WithRegistry(registry),
	)
	addr, err := srv.Listen()
	if err != nil {
		log.WithFields(log.Fields{
			"err":  err,
			"addr": opts.Address,
		}).Fatal("Could not listen")
	}
	log.WithField("addr", addr).Info("Listening")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Serve)
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down server")
		sctx, cancel := context.WithTimeout(context.Background(), to.shutdown)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	if err := g.Wait(); err != nil {
		log.WithField("err", err).Error("Server stopped")
	}
}

func redirectLogging(c *config) (cleanup func()) {
	golog.SetOutput(log.StandardLogger().Writer())
	if c.LogPath == "" {
		return func() {}
	}
	pathname := os.ExpandEnv(c.LogPath)
	logger := log.WithField("pathname", pathname)
	f, err := os.OpenFile(pathname, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0600)
	if err != nil {
		logger.WithField("err", err).Fatal("Could not open log file")
	}
	logger.Info("Lines after this one will logged to a file")
	log.SetOutput(f)
	return func() {
		if err := f.Close(); err != nil {
			// Can't use the logger here!
			_, _ = fmt.Fprintf(os.Stderr, "Could not close log file cleanly %q: %v", pathname, err)
		}
	}
}
