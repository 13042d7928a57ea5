package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/obswerk/calib-pipeline/internal/config"
	"github.com/obswerk/calib-pipeline/internal/logging"
	"github.com/obswerk/calib-pipeline/internal/metrics"
	"github.com/obswerk/calib-pipeline/internal/partition"
	"github.com/obswerk/calib-pipeline/internal/pipeline"
	"github.com/obswerk/calib-pipeline/internal/store"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.Printf("[main] calib-pipeline %s (%s)", pipeline.Version, pipeline.GitSHA)

	var (
		configPath = flag.String("config", "", "path to YAML configuration file")
		nightArg   = flag.String("night", "", "night partition to process (YYMMDD)")
		retry      = flag.Bool("retry", false, "run a retry pass over the pending ledger")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[main] failed to load config: %v", err)
	}
	logging.Setup(cfg.Logging)

	if *nightArg == "" && !*retry {
		log.Fatalf("[main] nothing to do: pass -night YYMMDD and/or -retry")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown handler
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-ch
		log.Printf("[shutdown] received signal: %v", sig)
		cancel()
	}()

	if cfg.Metrics.Enabled {
		metrics.Init("")
		go func() {
			if err := metrics.StartServer(cfg.Metrics.Address); err != nil {
				log.Printf("[main] metrics server stopped: %v", err)
			}
		}()
	}

	st, err := store.New(cfg.Storage)
	if err != nil {
		log.Fatalf("[main] failed to create store: %v", err)
	}
	defer st.Close()

	p := pipeline.New(cfg, st, metrics.Get())

	if *nightArg != "" {
		night, err := partition.Parse(*nightArg)
		if err != nil {
			log.Fatalf("[main] bad -night value: %v", err)
		}
		sum, err := p.RunNight(ctx, night)
		if err != nil {
			log.Fatalf("[main] night run failed: %v", err)
		}
		log.Printf("[main] night %s: %d reduced, %d degraded, %d failed, %d pending",
			night, sum.Reduced, sum.Degraded, sum.Failed, sum.Pending)
	}

	if *retry {
		sum, err := p.RetryPass(ctx)
		if err != nil {
			log.Fatalf("[main] retry pass failed: %v", err)
		}
		log.Printf("[main] retry: %d drained, %d expired, %d upgraded, %d still open",
			sum.Drained, sum.Expired, sum.Upgraded, sum.StillOpen)
	}

	log.Println("[main] calib-pipeline stopped cleanly")
}
