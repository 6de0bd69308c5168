package cmd

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/irfnriza/flowin-swm-server/api"
	"github.com/irfnriza/flowin-swm-server/config"
	"github.com/irfnriza/flowin-swm-server/internal/jobs"
	"github.com/irfnriza/flowin-swm-server/internal/messaging"
	"github.com/irfnriza/flowin-swm-server/internal/metrics"
	"github.com/irfnriza/flowin-swm-server/internal/mqttingest"
	"github.com/irfnriza/flowin-swm-server/internal/search"
	"github.com/irfnriza/flowin-swm-server/internal/service"
	"github.com/irfnriza/flowin-swm-server/internal/tracing"

	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	// Serve command flags
	disableNewRelic bool
	disableMQTT     bool
	serverPort      int
	gracefulTimeout int
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server",
	Long: `Starts the telemetry API server and, when enabled, the MQTT ingestion
subscriber and the background stats job.

It will gracefully shut down on receiving SIGINT or SIGTERM signals.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := startServer(); err != nil {
			log.Fatalf("Server error: %v", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&disableNewRelic, "disable-newrelic", false, "Disable New Relic monitoring")
	serveCmd.Flags().BoolVar(&disableMQTT, "disable-mqtt", false, "Disable MQTT ingestion even if configured")
	serveCmd.Flags().IntVar(&serverPort, "port", 0, "Server port (overrides config file)")
	serveCmd.Flags().IntVar(&gracefulTimeout, "graceful-timeout", 30, "Graceful shutdown timeout in seconds")
}

// startServer wires every component and blocks until a shutdown signal
func startServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if serverPort > 0 {
		cfg.Server.Port = serverPort
	}
	if disableNewRelic {
		cfg.NewRelic.Enabled = false
	}

	log.WithFields(logrus.Fields{
		"port":             cfg.Server.Port,
		"storage_driver":   cfg.Storage.Driver,
		"mqtt_enabled":     cfg.MQTT.Enabled && !disableMQTT,
		"newrelic_enabled": cfg.NewRelic.Enabled,
	}).Info("Initializing service components...")

	repo, err := openRepository(cfg)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("Closing store...")
		if err := repo.Close(); err != nil {
			log.WithError(err).Error("Error closing store")
		}
	}()

	redisClient := openCache(cfg.Redis)
	defer redisClient.Close()

	msgClient, err := messaging.NewServiceBusClient(cfg.ServiceBus, "flowin-server", log)
	if err != nil {
		return err
	}
	defer msgClient.Close()

	indexer, err := search.NewIndexer(cfg.Elastic)
	if err != nil {
		return err
	}

	var nrApp *newrelic.Application
	if cfg.NewRelic.Enabled {
		nrApp, err = tracing.InitNewRelic(cfg.NewRelic)
		if err != nil {
			log.Warnf("Failed to initialize New Relic: %v", err)
		} else {
			defer nrApp.Shutdown(5 * time.Second)
		}
	}

	collector := metrics.NewCollector()

	svc, err := service.NewService(service.ServiceConfig{
		Repository:      repo,
		Cache:           redisClient,
		CacheTTL:        cfg.Redis.TTL,
		MessagingClient: msgClient,
		Indexer:         indexer,
		Metrics:         collector,
		Logger:          log,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.MQTT.Enabled && !disableMQTT {
		subscriber, err := startSubscriber(cfg, svc)
		if err != nil {
			return err
		}
		defer subscriber.Stop()
	}

	scheduler, err := jobs.NewScheduler(svc, collector, log, cfg.Jobs.StatsInterval)
	if err != nil {
		return err
	}
	scheduler.Start()
	defer func() {
		if err := scheduler.Shutdown(); err != nil {
			log.WithError(err).Warn("Scheduler shutdown error")
		}
	}()

	g, ctx := errgroup.WithContext(ctx)

	server := api.NewServer(cfg, log, nrApp, svc, collector)
	g.Go(func() error {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info("Shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(gracefulTimeout)*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}

	log.Info("Server shutdown complete")
	return nil
}

func startSubscriber(cfg *config.Config, svc service.Service) (*mqttingest.Subscriber, error) {
	log.WithField("broker", cfg.MQTT.Broker).Info("Connecting to MQTT broker...")
	client, err := mqttingest.Connect(cfg.MQTT, cfg.MQTT.ClientID)
	if err != nil {
		return nil, err
	}

	subscriber, err := mqttingest.NewSubscriber(mqttingest.SubscriberConfig{
		Client:         client,
		Service:        svc,
		Logger:         log,
		Topic:          cfg.MQTT.Topic,
		QOS:            byte(cfg.MQTT.QOS),
		RequestTimeout: cfg.Server.RequestTimeout,
	})
	if err != nil {
		client.Disconnect(250)
		return nil, err
	}

	if err := subscriber.Start(); err != nil {
		client.Disconnect(250)
		return nil, err
	}
	return subscriber, nil
}

