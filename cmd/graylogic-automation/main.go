// Gray Logic Automation - rule engine service.
//
// This is the main entry point for the automation service. It loads rules
// from SQLite, listens for MQTT triggers, runs scheduled rules and serves
// the REST/WebSocket API used to manage them.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/nerrad567/gray-logic-automation/migrations"

	"github.com/nerrad567/gray-logic-automation/internal/api"
	"github.com/nerrad567/gray-logic-automation/internal/audit"
	"github.com/nerrad567/gray-logic-automation/internal/automation"
	"github.com/nerrad567/gray-logic-automation/internal/automation/actions"
	"github.com/nerrad567/gray-logic-automation/internal/automation/triggers"
	"github.com/nerrad567/gray-logic-automation/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-automation/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-automation/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-automation/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-automation/internal/infrastructure/metrics"
	"github.com/nerrad567/gray-logic-automation/internal/infrastructure/mqtt"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// It returns nil on a clean shutdown.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting Gray Logic Automation",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded", "path", configPath, "level", cfg.Logging.Level)

	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log.Component("mqtt"))
	mqttClient.SetOnConnect(func() { log.Info("MQTT reconnected") })
	mqttClient.SetOnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) })
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	checks := map[string]api.HealthChecker{
		"database": db,
		"mqtt":     mqttClient,
	}

	// Execution telemetry goes to Prometheus and, when enabled, InfluxDB.
	var recorders []automation.MetricsRecorder
	var promRegistry *metrics.Registry
	if cfg.Metrics.Enabled {
		promRegistry = metrics.NewRegistry()
		recorders = append(recorders, promRegistry)
	}
	if cfg.InfluxDB.Enabled {
		influxClient, influxErr := influxdb.Connect(cfg.InfluxDB)
		if influxErr != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", influxErr)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		recorders = append(recorders, influxClient)
		checks["influxdb"] = influxClient
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	hub := api.NewHub(cfg.WebSocket, log)
	go hub.Run(hubCtx)

	engineLog := log.Component("automation")

	registry := automation.NewHandlerRegistry()
	registry.SetLogger(engineLog)
	registry.SetDefaultTimeout(cfg.Automation.ActionTimeout)
	actions.RegisterDefaults(registry, actions.Deps{
		MQTT:   mqttClient,
		Hub:    hub,
		HTTP:   &http.Client{},
		Logger: engineLog,
	})

	triggerManager := triggers.NewManager(mqttClient, triggers.Config{
		Prefix:    cfg.Automation.TriggerPrefix,
		QoS:       byte(cfg.MQTT.QoS),
		QueueSize: cfg.Automation.TriggerQueueSize,
	}, engineLog)
	defer func() {
		if closeErr := triggerManager.Close(); closeErr != nil {
			log.Warn("error releasing trigger subscriptions", "error", closeErr)
		}
	}()

	engine, err := automation.NewEngine(automation.Deps{
		Repo:     automation.NewSQLiteRepository(db.DB),
		Executor: registry,
		Triggers: triggerManager,
		Hub:      hub,
		MQTT:     mqttClient,
		Metrics:  metrics.NewMulti(recorders...),
		Logger:   engineLog,
		Config: automation.EngineConfig{
			MaxWorkers: cfg.Automation.MaxWorkers,
			MaxBackoff: cfg.Automation.MaxBackoff,
		},
	})
	if err != nil {
		return fmt.Errorf("creating automation engine: %w", err)
	}
	if syncErr := engine.SyncTriggers(ctx); syncErr != nil {
		return fmt.Errorf("synchronising triggers: %w", syncErr)
	}

	schedCtx, stopScheduler := context.WithCancel(ctx)
	defer stopScheduler()
	scheduler := automation.NewScheduler(engine, automation.SchedulerConfig{
		SweepInterval:   cfg.Automation.SweepInterval,
		TriggerInterval: cfg.Automation.TriggerInterval,
		CleanupInterval: cfg.Automation.CleanupInterval,
		RetentionPeriod: cfg.Automation.Retention(),
	})
	go scheduler.Run(schedCtx)

	server, err := api.New(api.Deps{
		Config:      cfg.API,
		WS:          cfg.WebSocket,
		Logger:      log.Component("api"),
		Engine:      engine,
		Triggers:    triggerManager,
		Metrics:     promRegistry,
		MetricsPath: cfg.Metrics.Path,
		Checks:      checks,
		DB:          db,
		Audit:       audit.NewSQLiteRepository(db.DB),
		ExternalHub: hub,
		Version:     version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := server.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	// Stop intake first, then let in-flight executions drain before the
	// connections they use are closed by the deferred calls above.
	if closeErr := server.Close(); closeErr != nil {
		log.Error("error closing API server", "error", closeErr)
	}
	stopScheduler()
	<-scheduler.Done()

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.Automation.ShutdownTimeout)
	defer cancelDrain()
	if closeErr := engine.Close(drainCtx); closeErr != nil {
		log.Warn("executions cancelled at shutdown", "error", closeErr)
	}

	log.Info("Gray Logic Automation stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses GRAYLOGIC_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("GRAYLOGIC_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
