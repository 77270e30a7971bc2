// Command hindsightd runs the capture/extract/index pipeline as a
// long-lived daemon. It records the screen, extracts text, embeds it for
// semantic search and enforces retention until stopped with SIGINT or
// SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/hindsight-sh/hindsight/internal/capture"
	"github.com/hindsight-sh/hindsight/internal/config"
	"github.com/hindsight-sh/hindsight/internal/extract"
	"github.com/hindsight-sh/hindsight/internal/retention"
	"github.com/hindsight-sh/hindsight/internal/search"
	"github.com/hindsight-sh/hindsight/internal/semantic"
	"github.com/hindsight-sh/hindsight/internal/service"
	"github.com/hindsight-sh/hindsight/internal/storage/sqlite"
	"github.com/hindsight-sh/hindsight/internal/summarize"
	"github.com/hindsight-sh/hindsight/internal/vector"
)

func main() {
	configPath := flag.String("config", defaultConfigPath(), "path to config.yaml")
	dataPath := flag.String("data", "", "override storage.data_path")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lmsgprefix)
	log.SetPrefix("hindsightd ")

	if err := run(*configPath, *dataPath); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".hindsight", "config.yaml")
}

func run(configPath, dataOverride string) error {
	// The flag rides the loader's environment override so hot reloads
	// keep it; configs handed out by the manager are never written to.
	if dataOverride != "" {
		os.Setenv("HINDSIGHT_DATA_PATH", dataOverride)
	}
	manager, err := config.NewManager(configPath)
	if err != nil {
		return err
	}
	cfg := manager.Current()
	dataPath := cfg.Storage.DataPath
	if err := os.MkdirAll(dataPath, 0o755); err != nil {
		return fmt.Errorf("cannot create data directory %s: %w", dataPath, err)
	}

	store, err := sqlite.Open(filepath.Join(dataPath, "hindsight.db"))
	if err != nil {
		return err
	}
	defer store.Close()

	frames, err := capture.NewFrameStore(dataPath, cfg.Capture.Format)
	if err != nil {
		return err
	}
	quota, err := capture.NewQuotaGauge(frames)
	if err != nil {
		return err
	}

	var index vector.Index
	switch cfg.Storage.VectorBackend {
	case "postgres":
		index, err = vector.NewPostgresIndex(cfg.Storage.PostgresDSN, cfg.Embeddings.Dimension)
	default:
		index, err = vector.NewSQLiteIndex(store.DB())
	}
	if err != nil {
		return fmt.Errorf("cannot open vector index: %w", err)
	}
	defer index.Close()

	var engine extract.Engine
	switch cfg.Extract.Engine {
	case "local":
		engine = extract.NewLocalEngine(cfg.Extract.LocalCommand)
	default:
		engine = extract.NewVisionEngine(cfg.Extract.BaseURL, cfg.Extract.Model, cfg.Extract.APIKey(), cfg.Extract.Timeout.Std())
	}
	queue := extract.NewQueue(store, engine, frames, extract.Options{
		QueueSize:    cfg.Extract.QueueSize,
		Workers:      cfg.Extract.Workers,
		BatchSize:    cfg.Extract.BatchSize,
		MaxRetries:   cfg.Extract.MaxRetries,
		RateLimitRPM: cfg.Extract.RateLimitRPM,
		HighWater:    cfg.Extract.HighWater,
		BackoffBase:  cfg.Extract.BackoffBase.Std(),
		Timeout:      cfg.Extract.Timeout.Std(),
	})

	scheduler, err := capture.NewScheduler(store, frames, quota,
		capture.NewExecGrabber(), capture.ExecWindowSource{}, capture.ExecActivitySource{},
		queue, service.CaptureOptions(cfg))
	if err != nil {
		return err
	}

	components := service.Components{
		Store:     store,
		Frames:    frames,
		Quota:     quota,
		Scheduler: scheduler,
		Queue:     queue,
	}

	var embedder semantic.Embedder
	if cfg.Embeddings.Enabled {
		switch cfg.Embeddings.Provider {
		case "ollama":
			embedder = semantic.NewOllamaEmbedder(cfg.Embeddings.BaseURL, cfg.Embeddings.Model, 0)
		default:
			embedder = semantic.NewOpenAIEmbedder(cfg.Embeddings.BaseURL, cfg.Embeddings.Model, cfg.Embeddings.APIKey(), 0)
		}
		components.Indexer, err = semantic.NewIndexer(store, index, embedder, semantic.Options{
			PollInterval: cfg.Embeddings.PollInterval.Std(),
			CacheSize:    cfg.Embeddings.CacheSize,
		})
		if err != nil {
			return err
		}
	}

	var reranker search.Reranker
	if cfg.Reranker.Enabled {
		reranker = search.NewHTTPReranker(cfg.Reranker.BaseURL, cfg.Reranker.Model, 0)
	}
	components.Searcher = search.New(store, index, embedder, reranker, search.Options{
		CandidateMultiplier: cfg.Search.CandidateMultiplier,
	})

	var encoder retention.Encoder
	if cfg.Retention.VideoEnabled {
		encoder = &retention.FFmpegEncoder{Path: cfg.Retention.FFmpegPath}
	}
	components.Retention = retention.NewJob(store, index, frames, quota, queue, encoder, retention.Options{
		Days:           cfg.Retention.Days,
		Interval:       cfg.Retention.Interval.Std(),
		VideoEnabled:   cfg.Retention.VideoEnabled,
		VideoAfterDays: cfg.Retention.VideoAfterDays,
		KeepFrames:     cfg.Retention.KeepFrames,
	})

	if cfg.Summarize.Enabled {
		completer := summarize.NewOpenAICompleter(cfg.Extract.BaseURL, cfg.Extract.Model, cfg.Extract.APIKey())
		components.Summarizer = summarize.New(store, completer, summarize.Options{
			Hourly:    cfg.Summarize.Hourly,
			Daily:     cfg.Summarize.Daily,
			MinFrames: cfg.Summarize.MinFrames,
		})
	}

	sup, err := service.New(manager, components)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := manager.Watch(ctx); err != nil && ctx.Err() == nil {
			log.Printf("config watch failed: %v", err)
		}
	}()

	if err := sup.Start(ctx); err != nil {
		return err
	}
	log.Printf("recording to %s (retention %d days)", dataPath, cfg.Retention.Days)

	<-ctx.Done()
	log.Printf("shutting down")
	sup.Stop()
	return nil
}
