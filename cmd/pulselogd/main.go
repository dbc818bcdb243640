package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/pbudner/pulselog/api"
	"github.com/pbudner/pulselog/config"
	"github.com/pbudner/pulselog/encoding"
	"github.com/pbudner/pulselog/pipeline"
	_ "github.com/pbudner/pulselog/pipeline/sources"
	"github.com/pbudner/pulselog/query"
	"github.com/pbudner/pulselog/storage"
	"github.com/pbudner/pulselog/stores"
	"github.com/pbudner/pulselog/utils"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
)

var (
	GitCommit = "live"
	Version   = ""
)

func main() {
	configPath := flag.StringP("config", "c", "config.yaml", "path to the config file")
	flag.Parse()

	cfg, err := config.NewConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	if err := run(cfg); err != nil {
		zap.L().Sugar().Fatalw("pulselog stopped", "error", err)
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	if cfg.Logger.Development {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(cfg.Logger.Level)
	return zapCfg.Build()
}

func run(cfg *config.Config) error {
	log := zap.L().Sugar().With("component", "pulselogd")
	log.Infow("starting pulselog", "version", Version, "build", GitCommit)

	for _, source := range cfg.EnabledSources() {
		if !pipeline.IsRegistered(source.Name) {
			return fmt.Errorf("%w: %s", pipeline.ErrUnknownComponent, source.Name)
		}
	}

	store, err := storage.Open(storage.Options{
		DataDir:     cfg.DataDir,
		RecordWidth: encoding.Width(cfg.RecordWidth),
		IndexWidth:  encoding.Width(cfg.IndexWidth),
		Resolutions: cfg.ResolutionWidths(),
		MaxGap:      cfg.MaxGapWidth(),
	})
	if err != nil {
		return fmt.Errorf("could not open storage: %w", err)
	}
	defer store.Close()

	journalPath := cfg.Database.Path
	if journalPath == "" {
		journalPath = filepath.Join(cfg.DataDir, "sessions")
	}
	sessions, err := stores.NewSessionStore(journalPath)
	if err != nil {
		return fmt.Errorf("could not open session journal: %w", err)
	}
	defer sessions.Close()

	timestampWidth := encoding.Width(cfg.TimestampWidth)
	broadcaster := pipeline.NewBroadcaster(store.RecordWidth(), timestampWidth, cfg.QueueSize)
	defer broadcaster.Close()
	ingester := pipeline.NewIngester(store, broadcaster)
	queries := query.NewEngine(store, cfg.MaxRequestBars, timestampWidth)
	rate := utils.NewRateSampler(func() uint64 {
		return store.Snapshot().Log.Size / uint64(store.RecordWidth())
	}, time.Second)
	defer rate.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wg := &sync.WaitGroup{}
	deps := pipeline.Dependencies{Ingester: ingester, Sessions: sessions}
	for _, source := range cfg.EnabledSources() {
		component, err := pipeline.InstantiateComponent(source.Name, source.Config, deps)
		if err != nil {
			return fmt.Errorf("could not instantiate %s: %w", source.Name, err)
		}
		defer component.Close()

		if l, ok := component.(pipeline.Listener); ok {
			if err := l.Listen(); err != nil {
				return err
			}
		}

		wg.Add(1)
		go component.Run(wg, ctx)
	}

	e := api.NewRouter(api.Options{
		Version:      Version,
		GitCommit:    GitCommit,
		ClientAPIKey: cfg.ClientAPIKey,
		Store:        store,
		Queries:      queries,
		Broadcaster:  broadcaster,
		Sessions:     sessions,
		Rate:         rate,
	})

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("serving http", "listener", cfg.Listener)
		if err := e.Start(cfg.Listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// wait here before closing all workers
	termChan := make(chan os.Signal, 1)
	signal.Notify(termChan, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-termChan:
		log.Info("SIGTERM received, initiating shutdown now")
	case err = <-serverErr:
		log.Errorw("http server failed", "error", err)
	}

	cancel()
	broadcaster.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Warnw("could not shut down http server", "error", err)
	}

	wg.Wait()
	log.Info("pulselog stopped")
	return err
}
