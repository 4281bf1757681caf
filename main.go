package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	appconfig "marketsync/config"
	"marketsync/internal/alert"
	"marketsync/internal/api"
	"marketsync/internal/backup"
	"marketsync/internal/metrics"
	"marketsync/internal/models"
	"marketsync/internal/monitor"
	"marketsync/internal/poller"
	"marketsync/internal/provider"
	"marketsync/internal/retry"
	"marketsync/internal/sink"
	"marketsync/internal/source"
	"marketsync/internal/store"
	"marketsync/internal/stream"
	"marketsync/internal/supervisor"
	"marketsync/internal/syncer"
	"marketsync/logger"
)

// knownCompanies is the built-in symbol metadata. Symbols outside this map are
// still synced, they just carry the Unknown placeholder.
var knownCompanies = map[string]models.Company{
	"PKN": {Name: "PKN Orlen", Sector: "Energy"},
	"KGH": {Name: "KGHM Polska Miedz", Sector: "Mining"},
	"PKO": {Name: "PKO Bank Polski", Sector: "Banking"},
	"PZU": {Name: "PZU", Sector: "Insurance"},
	"CDR": {Name: "CD Projekt", Sector: "Gaming"},
	"ALE": {Name: "Allegro", Sector: "E-commerce"},
}

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := appconfig.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Marketsync.Name,
		"version": cfg.Marketsync.Version,
	}).Info("starting marketsync")

	metrics.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.NewStore(cfg.Storage.DataDir, cfg.Storage.HistoryLimit)
	if err != nil {
		log.WithError(err).Error("failed to open monitoring store")
		os.Exit(1)
	}
	defer st.Close()

	src, err := source.NewSource(cfg.Source)
	if err != nil {
		log.WithError(err).Error("failed to create clickhouse source")
		os.Exit(1)
	}
	defer src.Close()

	sinkClient := sink.NewClient(cfg.Sink)

	dispatcher := alert.NewDispatcher(st, buildAlertChannels(ctx, cfg, log))
	defer dispatcher.Close()

	// Reconnects get a larger attempt budget than a single batch upload.
	reconnectPolicy := retry.FromConfig(cfg.Sync.Retry)
	reconnectPolicy.MaxAttempts = 10
	sourceSup := supervisor.NewSupervisor("clickhouse", func(ctx context.Context) error {
		return src.Ping(ctx)
	}, reconnectPolicy)
	sinkSup := supervisor.NewSupervisor("sink_api", func(ctx context.Context) error {
		return sinkClient.Authenticate(ctx)
	}, reconnectPolicy)
	for _, sup := range []*supervisor.Supervisor{sourceSup, sinkSup} {
		sup.OnFailed(func(name string, err error) {
			dispatcher.Raise(ctx, models.SeverityCritical, name,
				"endpoint permanently failed after exhausting reconnect attempts: "+err.Error())
		})
	}

	// Give a freshly deployed sink a moment to come up before the supervisors
	// start counting attempts.
	if err := sinkClient.WaitReady(ctx, cfg.Sink.RequestTimeout); err != nil {
		log.WithError(err).Warn("record sink not ready yet, supervisor will keep retrying")
	}

	// Initial connections go through the supervisors so a flaky start is
	// handled by the same backoff loop as a mid-run disconnect.
	for _, sup := range []*supervisor.Supervisor{sourceSup, sinkSup} {
		if err := sup.Connect(ctx); err != nil {
			log.WithError(err).Warn("initial connection failed, entering reconnect loop")
			go sup.NotifyDisconnect(ctx, err)
		}
	}

	resolver := syncer.NewCompanyResolver(knownCompanies)
	pipeline := syncer.NewPipeline(src, sinkClient, st, resolver, cfg.Sync)
	scheduler := syncer.NewScheduler(pipeline, cfg.Sync.Tables, cfg.Sync.PollInterval)
	if err := scheduler.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start sync scheduler")
		os.Exit(1)
	}

	var hub *stream.Hub
	if cfg.Stream.Enabled {
		hub = stream.NewHub(cfg.Stream)
		if err := hub.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start stream hub")
			os.Exit(1)
		}
	}

	var livePoller *poller.Poller
	if providers := buildProviders(cfg.Providers); len(providers) > 0 {
		var broadcaster poller.Broadcaster
		if hub != nil {
			broadcaster = hub
		}
		// Live ticks land in the first configured collection.
		livePoller = poller.NewPoller(providers, pipeline, broadcaster,
			cfg.Sync.Tables[0].Collection, cfg.Sync.PollInterval)
		if err := livePoller.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start provider poller")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("no live providers enabled; skipping poller")
	}

	sampler := monitor.NewResourceSampler(cfg.Monitor.HistoryLimit, cfg.Monitor.SampleInterval, cfg.Monitor.Resources.DiskPath)
	checker := monitor.NewIntegrityChecker(src, sinkClient, cfg.Monitor.QualityFloor)
	mon := monitor.NewMonitor(cfg.Monitor, cfg.Sync.Tables,
		buildProbes(src, sinkClient, hub, cfg.Sync.Tables[0].Collection),
		checker, sampler, st, dispatcher)
	if err := mon.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start health monitor")
		os.Exit(1)
	}

	backupMgr, err := backup.NewManager(cfg.Backup, cfg.Sync.Tables, src, sinkClient, st, dispatcher)
	if err != nil {
		log.WithError(err).Error("failed to create backup manager")
		os.Exit(1)
	}
	if err := backupMgr.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start backup manager")
		os.Exit(1)
	}

	apiErr := make(chan error, 1)
	var streamMount api.StreamMount
	if hub != nil {
		streamMount = hub
	}
	apiServer := api.NewServer(cfg.API, cfg.Marketsync.Name, cfg.Marketsync.Version,
		st, scheduler, backupMgr, streamMount, sampler)
	if apiServer != nil {
		go func() { apiErr <- apiServer.Run(ctx) }()
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
	case err := <-apiErr:
		log.WithError(err).Error("monitoring api failed")
	}

	log.Info("starting graceful shutdown")
	cancel()

	done := make(chan struct{})
	go func() {
		backupMgr.Stop()
		mon.Stop()
		sampler.Stop()
		if livePoller != nil {
			livePoller.Stop()
		}
		if hub != nil {
			hub.Stop()
		}
		scheduler.Stop()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("marketsync stopped")
}

func buildAlertChannels(ctx context.Context, cfg *appconfig.Config, log *logger.Log) []alert.Channel {
	var channels []alert.Channel
	if cfg.Alerts.Email.Enabled {
		channels = append(channels, alert.NewEmailChannel(cfg.Alerts.Email))
	}
	if cfg.Alerts.Webhook.Enabled {
		channels = append(channels, alert.NewWebhookChannel(cfg.Alerts.Webhook))
	}
	if cfg.Alerts.CloudWatch.Enabled {
		cw, err := alert.NewCloudWatchChannel(ctx, cfg.Alerts.CloudWatch)
		if err != nil {
			log.WithError(err).Warn("cloudwatch alert channel unavailable")
		} else {
			channels = append(channels, cw)
		}
	}
	return channels
}

func buildProviders(cfg appconfig.ProvidersConfig) []provider.Provider {
	var providers []provider.Provider
	if cfg.Binance.Enabled {
		providers = append(providers, provider.NewBinanceProvider(cfg.Binance))
	}
	if cfg.Bybit.Enabled {
		providers = append(providers, provider.NewBybitProvider(cfg.Bybit))
	}
	return providers
}

func buildProbes(src *source.Source, sinkClient *sink.Client, hub *stream.Hub, collection string) []monitor.Probe {
	probes := []monitor.Probe{
		{
			Component: "clickhouse",
			Check: func(ctx context.Context) (map[string]interface{}, error) {
				return nil, src.Ping(ctx)
			},
		},
		{
			Component: "sink_api",
			Check: func(ctx context.Context) (map[string]interface{}, error) {
				n, err := sinkClient.CountRecords(ctx, collection)
				if err != nil {
					return nil, err
				}
				return map[string]interface{}{"records": n}, nil
			},
		},
	}
	if hub != nil {
		probes = append(probes, monitor.Probe{
			Component: "stream_hub",
			Check: func(ctx context.Context) (map[string]interface{}, error) {
				return map[string]interface{}{"subscribers": hub.SubscriberCount()}, nil
			},
		})
	}
	return probes
}
