// Shelly Core - multi-generation Shelly device normalisation
//
// This is the main entry point for the Shelly Core service. It discovers
// Shelly devices of all four generations, keeps their state in sync over
// mDNS, CoIoT, WebSocket RPC and polling, and optionally mirrors that
// state to an MQTT broker.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nerrad567/shelly-core/migrations"

	"github.com/nerrad567/shelly-core/internal/api"
	"github.com/nerrad567/shelly-core/internal/auth"
	"github.com/nerrad567/shelly-core/internal/infrastructure/config"
	"github.com/nerrad567/shelly-core/internal/infrastructure/database"
	"github.com/nerrad567/shelly-core/internal/infrastructure/logging"
	"github.com/nerrad567/shelly-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/shelly-core/internal/mirror"
	"github.com/nerrad567/shelly-core/internal/registry"
	"github.com/nerrad567/shelly-core/internal/store"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// configEnv names the environment variable overriding the config path.
const configEnv = "SHELLYCORE_CONFIG"

// healthCheckTimeout bounds the startup health check.
const healthCheckTimeout = 5 * time.Second

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Shelly Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
	db, err := database.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	reg := registry.New(registryOptions(cfg, store.NewSQLiteRepository(db.DB), log))

	// Connect to MQTT broker (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log)
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		mir := mirror.New(mqttClient, mirror.Options{
			Topics: mqttClient.Topics(),
			QoS:    byte(cfg.MQTT.QoS), //nolint:gosec // validated to 0-2
			Lookup: reg.Device,
			Logger: log,
		})
		if startErr := mir.Start(); startErr != nil {
			return fmt.Errorf("starting state mirror: %w", startErr)
		}
		defer func() {
			log.Info("stopping state mirror")
			mir.Stop()
		}()
		reg.Subscribe(mir.Handle)

		// Retained state may be gone after a broker restart
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected, republishing device state")
			mir.Resync(reg.Devices())
		})
	} else {
		log.Info("MQTT disabled")
	}

	if startErr := reg.Start(ctx); startErr != nil {
		reg.Stop()
		return fmt.Errorf("starting registry: %w", startErr)
	}
	defer func() {
		log.Info("stopping registry")
		reg.Stop()
	}()

	addStaticHosts(ctx, reg, cfg.Shelly.Hosts, log)

	// Start the local HTTP API (optional)
	if cfg.API.Enabled {
		apiServer, apiErr := api.New(api.Deps{
			Config:         cfg.API,
			WS:             cfg.WebSocket,
			Logger:         log,
			Registry:       reg,
			CommandTimeout: cfg.GetRequestTimeout(),
			Version:        version,
		})
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if startErr := apiServer.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			if closeErr := apiServer.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("API disabled")
	}

	// Verify all connections are healthy
	hctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	err = healthCheck(hctx, db, mqttClient)
	cancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal", "devices", reg.Len())

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order:
	// 1. API server (if enabled)
	// 2. Registry (devices, transports)
	// 3. State mirror and MQTT (if enabled)
	// 4. Database

	log.Info("Shelly Core stopped")
	return nil
}

// loadConfig loads the configuration file. The default path may be absent,
// in which case defaults and environment overrides are used; a path set
// through SHELLYCORE_CONFIG must exist.
func loadConfig() (*config.Config, string, error) {
	path := getConfigPath()
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && path == defaultConfigPath {
		cfg, err := config.Default()
		return cfg, "(defaults)", err
	}
	cfg, err := config.Load(path)
	return cfg, path, err
}

// getConfigPath returns the configuration file path.
// Checks SHELLYCORE_CONFIG environment variable first, then uses default.
func getConfigPath() string {
	if path := os.Getenv(configEnv); path != "" {
		return path
	}
	return defaultConfigPath
}

// registryOptions maps the configuration onto registry options.
func registryOptions(cfg *config.Config, repo store.Repository, log *logging.Logger) registry.Options {
	return registry.Options{
		Credentials: auth.Credentials{
			Username: cfg.Shelly.Username,
			Password: cfg.Shelly.Password,
		},
		DataPath:          cfg.Shelly.DataPath,
		Interface:         cfg.Shelly.Interface,
		LocalAddress:      cfg.Shelly.Address,
		IPv6:              cfg.Shelly.IPv6,
		EnableMDNS:        cfg.Shelly.EnableMDNS,
		EnableCoIoT:       cfg.Shelly.EnableCoIoT,
		EnableWsServer:    cfg.Shelly.EnableWsServer,
		WsServerPort:      cfg.Shelly.WsServerPort,
		WsPath:            cfg.WebSocket.Path,
		WsMaxMessageSize:  int64(cfg.WebSocket.MaxMessageSize),
		PingInterval:      cfg.GetPingInterval(),
		PongTimeout:       cfg.GetPongTimeout(),
		PollInterval:      cfg.GetPollInterval(),
		RequestTimeout:    cfg.GetRequestTimeout(),
		MDNSQueryInterval: cfg.GetMDNSQueryInterval(),
		Store:             repo,
		Logger:            log,
	}
}

// addStaticHosts adds the configured hosts. Unreachable hosts are logged;
// discovery or a later restart may still find them.
func addStaticHosts(ctx context.Context, reg *registry.Registry, hosts []string, log *logging.Logger) {
	for _, host := range hosts {
		d, err := reg.AddDevice(ctx, host)
		if err != nil {
			log.Warn("adding configured host failed", "host", host, "error", err)
			continue
		}
		log.Info("configured host added", "host", host, "device_id", d.ID())
	}
}

// healthCheck verifies that all critical services are responding.
//
// Parameters:
//   - ctx: Context for timeout
//   - db: Database connection
//   - mqttClient: MQTT client, nil when MQTT is disabled
//
// Returns:
//   - error: nil if all healthy, or first error encountered
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}
	return nil
}
