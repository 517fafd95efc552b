package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/apptrace/collector/internal/config"
	"github.com/apptrace/collector/internal/interaction"
	"github.com/apptrace/collector/internal/schedule"
	"github.com/apptrace/collector/internal/sink"
	"github.com/apptrace/collector/internal/source"
	"github.com/apptrace/collector/internal/statestore"
	"github.com/apptrace/collector/internal/track"
	"github.com/apptrace/collector/internal/usage"
	"github.com/apptrace/collector/internal/ws"
)

const (
	topicUsageEvent      = "app_usage_event"
	topicUserInteraction = "user_interaction"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if *port > 0 {
		cfg.Server.Port = *port
	}

	store, err := statestore.Open(cfg.Collector.StateDir)
	if err != nil {
		log.Fatalf("Failed to open state store: %v", err)
	}

	key, err := sink.LoadKey(store, cfg.Sink.UserID)
	if err != nil {
		log.Fatalf("Failed to load sink key: %v", err)
	}
	log.Printf("Collecting as user=%s source=%s", key.UserID, key.SourceID)

	spool, err := sink.NewSpool(cfg.Sink.SpoolDir, key, cfg.Sink.BufferSize)
	if err != nil {
		log.Fatalf("Failed to open spool: %v", err)
	}

	trackStore := track.NewStore()
	broadcaster := ws.NewBroadcaster(trackStore, cfg.Collector.BroadcastThrottle, cfg.Collector.SnapshotInterval)

	eventSource := source.NewProcessSource(cfg.Collector.WatchProcesses)
	health := usage.NewSourceHealth(cfg.Collector.HealthFailureThreshold)
	coalescer := usage.NewCoalescer(eventSource, spool, topicUsageEvent, store, health)
	coalescer.SetObserver(func(tr usage.Transition) {
		trackStore.Apply(tr)
		broadcaster.QueueTransition(tr)
	})
	coalescer.SetHealthObserver(broadcaster.BroadcastSourceHealth)

	processor := schedule.NewProcessor("usage", cfg.Collector.CycleInterval, coalescer.ProcessCycle, false)
	coalescer.SetDone(processor.IsDone)
	processor.Start()

	mapper := interaction.NewMapper(store, spool, topicUserInteraction)
	mapper.SetObserver(broadcaster.BroadcastInteraction)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Sink.UploadURL != "" {
		uploader := sink.NewUploader(spool, cfg.Sink.UploadURL, cfg.Sink.UploadInterval)
		go uploader.Start(ctx)
	} else {
		log.Println("No upload endpoint configured; records accumulate in the spool")
	}

	server := ws.NewServer(trackStore, broadcaster, mapper, health, cfg.Server.AllowedOrigins)
	mux := http.NewServeMux()
	server.SetupRoutes(mux)

	// SIGHUP reloads the config file and applies the collector interval
	// to the running processor.
	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	go func() {
		for range hupCh {
			newCfg, err := config.Load(*configPath)
			if err != nil {
				log.Printf("Config reload failed: %v", err)
				continue
			}
			processor.SetInterval(newCfg.Collector.CycleInterval)
			log.Printf("Config reloaded (cycle_interval=%s)", newCfg.Collector.CycleInterval)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down...")
		// Record the shutdown so the next run can infer the boot.
		mapper.HandleSignal(interaction.SignalShutdown)
		processor.Close()
		cancel()
		spool.Close()
		os.Exit(0)
	}()

	if err := ws.ListenAndServe(cfg.Server.Host, cfg.Server.Port, mux); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
