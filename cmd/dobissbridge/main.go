// Dobiss bridge - Gray Logic protocol bridge for Dobiss CAN relay modules.
//
// The bridge switches Dobiss relays on command from Gray Logic Core over
// MQTT, publishes every relay state it observes on the CAN bus, and polls
// relays so that changes made at wall switches are picked up.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"

	_ "github.com/nerrad567/gray-logic-dobiss/migrations"

	"github.com/nerrad567/gray-logic-dobiss/internal/bridges/dobiss"
	"github.com/nerrad567/gray-logic-dobiss/internal/canbus"
	"github.com/nerrad567/gray-logic-dobiss/internal/device"
	"github.com/nerrad567/gray-logic-dobiss/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-dobiss/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-dobiss/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-dobiss/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-dobiss/internal/infrastructure/mqtt"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	defaultConfigPath = "configs/config.yaml"

	// pruneInterval is how often old state history is deleted.
	pruneInterval = 24 * time.Hour
)

// errBusFailed is returned by run when the CAN transport dies.
var errBusFailed = errors.New("CAN bus failed")

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the application logic, separated from main for testability.
// It returns nil on a clean shutdown.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting Dobiss bridge",
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
	log.Info("configuration loaded", "path", configPath)

	if !cfg.Protocols.Dobiss.Enabled {
		log.Info("Dobiss bridge disabled, nothing to do")
		return nil
	}

	bridgeCfg, err := dobiss.LoadConfig(cfg.Protocols.Dobiss.ConfigFile)
	if err != nil {
		return fmt.Errorf("loading Dobiss bridge config: %w", err)
	}
	bridgeLog := log.WithLevel(bridgeCfg.Logging.Level).With("component", "dobiss")
	log.Info("Dobiss bridge config loaded",
		"path", cfg.Protocols.Dobiss.ConfigFile,
		"lights", len(bridgeCfg.Lights),
		"transport", bridgeCfg.CAN.Transport,
	)

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

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	history := device.NewSQLiteStateHistoryRepository(db.DB)
	if retention := cfg.GetHistoryRetention(); retention > 0 {
		pruneHistory(ctx, history, retention, log)
		go runHistoryPruner(ctx, history, retention, log)
	}

	mqttClient, err := connectMQTT(cfg, bridgeCfg, log)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()

	var metrics dobiss.MetricsWriter
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
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
		metrics = influxClient
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	bus, stopSim, err := openBus(ctx, bridgeCfg, bridgeLog)
	if err != nil {
		return fmt.Errorf("opening CAN bus: %w", err)
	}
	defer func() {
		log.Info("closing CAN bus")
		if closeErr := bus.Close(); closeErr != nil {
			log.Error("error closing CAN bus", "error", closeErr)
		}
		stopSim()
	}()

	bridge, err := dobiss.NewBridge(dobiss.BridgeOptions{
		Config:     bridgeCfg,
		Bus:        bus,
		MQTTClient: &mqttBridgeAdapter{client: mqttClient},
		Store:      &historyStore{repo: history},
		Metrics:    metrics,
		Version:    version,
		Logger:     bridgeLog,
	})
	if err != nil {
		return fmt.Errorf("creating Dobiss bridge: %w", err)
	}
	defer func() {
		log.Info("stopping Dobiss bridge")
		bridge.Stop()
	}()
	if err := bridge.Start(ctx); err != nil {
		return fmt.Errorf("starting Dobiss bridge: %w", err)
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("initialisation complete, waiting for shutdown signal")
	notifySystemd(daemon.SdNotifyReady, log)
	defer notifySystemd(daemon.SdNotifyStopping, log)
	go runWatchdog(ctx, bus, log)

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, cleaning up")
	case <-bus.Done():
		log.Error("CAN bus failed, shutting down", "error", bus.Err())
		return fmt.Errorf("%w: %w", errBusFailed, bus.Err())
	}

	log.Info("Dobiss bridge stopped")
	return nil
}

// getConfigPath returns GRAYLOGIC_CONFIG if set, otherwise the default path.
func getConfigPath() string {
	if path := os.Getenv("GRAYLOGIC_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// connectMQTT connects with the bridge's offline health message as LWT.
func connectMQTT(cfg *config.Config, bridgeCfg *dobiss.Config, log *logging.Logger) (*mqtt.Client, error) {
	lwt, err := json.Marshal(dobiss.NewLWTMessage(bridgeCfg.Bridge.ID))
	if err != nil {
		return nil, fmt.Errorf("building LWT: %w", err)
	}

	client, err := mqtt.Connect(cfg.MQTT, &mqtt.Will{
		Topic:   dobiss.HealthTopic(),
		Payload: lwt,
		QoS:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to MQTT: %w", err)
	}

	client.SetLogger(log.With("component", "mqtt"))
	client.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	client.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)
	return client, nil
}

// openBus opens the configured CAN transport. The virtual transport gets
// an in-process bus with a simulated Dobiss module answering on it. The
// returned stop func shuts the simulator down and is always non-nil.
func openBus(ctx context.Context, cfg *dobiss.Config, log *logging.Logger) (*dobiss.Bus, func(), error) {
	opts := cfg.ToBusOptions()
	opts.Logger = log
	stop := func() {}

	if cfg.CAN.Transport == canbus.TransportVirtual {
		vbus := canbus.NewVirtualBus()
		sim := dobiss.NewSimulator(vbus.Endpoint())
		sim.SetLogger(log.With("component", "simulator"))
		sim.Start()
		stop = sim.Stop
		opts.Port = vbus.Endpoint()
		log.Warn("using virtual CAN bus with simulated relay modules")
	}

	bus, err := dobiss.Open(ctx, opts)
	if err != nil {
		stop()
		return nil, func() {}, err
	}
	return bus, stop, nil
}

// healthCheck verifies all infrastructure connections are healthy.
// influxClient may be nil when InfluxDB is disabled.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}

func pruneHistory(ctx context.Context, repo device.StateHistoryRepository, retention time.Duration, log *logging.Logger) {
	deleted, err := repo.PruneHistory(ctx, retention)
	if err != nil {
		log.Error("state history prune failed", "error", err)
		return
	}
	if deleted > 0 {
		log.Info("state history pruned", "deleted", deleted, "retention", retention)
	}
}

// runHistoryPruner prunes state history once per pruneInterval until ctx ends.
func runHistoryPruner(ctx context.Context, repo device.StateHistoryRepository, retention time.Duration, log *logging.Logger) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruneHistory(ctx, repo, retention, log)
		}
	}
}

// notifySystemd reports state to systemd under a Type=notify unit.
// Without NOTIFY_SOCKET it does nothing.
func notifySystemd(state string, log *logging.Logger) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		log.Warn("systemd notify failed", "state", state, "error", err)
	}
}

// runWatchdog pings the systemd watchdog at half its interval while the
// CAN transport is up. A dead bus stops the pings so systemd restarts us.
func runWatchdog(ctx context.Context, bus interface{ IsConnected() bool }, log *logging.Logger) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if bus.IsConnected() {
				notifySystemd(daemon.SdNotifyWatchdog, log)
			}
		}
	}
}

// mqttBridgeAdapter adapts the infrastructure MQTT client to the bridge's
// MQTTClient interface. The handler signatures differ:
//   - infrastructure mqtt: func(topic string, payload []byte) error
//   - dobiss bridge:       func(topic string, payload []byte)
type mqttBridgeAdapter struct {
	client *mqtt.Client
}

func (a *mqttBridgeAdapter) Publish(topic string, payload []byte, qos byte, retained bool) error {
	return a.client.Publish(topic, payload, qos, retained)
}

func (a *mqttBridgeAdapter) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	return a.client.Subscribe(topic, qos, func(t string, p []byte) error {
		handler(t, p)
		return nil
	})
}

func (a *mqttBridgeAdapter) Unsubscribe(topic string) error {
	return a.client.Unsubscribe(topic)
}

func (a *mqttBridgeAdapter) IsConnected() bool {
	return a.client.IsConnected()
}

// historyStore adapts the SQLite state history to dobiss.StateStore.
type historyStore struct {
	repo device.StateHistoryRepository
}

func (s *historyStore) RecordStateChange(ctx context.Context, deviceID string, state map[string]any, source string) error {
	return s.repo.RecordStateChange(ctx, deviceID, device.State(state), source)
}

func (s *historyStore) LatestStates(ctx context.Context) (map[string]map[string]any, error) {
	states, err := s.repo.LatestStates(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]map[string]any, len(states))
	for id, st := range states {
		out[id] = st
	}
	return out, nil
}

func (s *historyStore) History(ctx context.Context, deviceID string, limit int) ([]dobiss.StateRecord, error) {
	entries, err := s.repo.GetHistory(ctx, deviceID, limit)
	if err != nil {
		return nil, err
	}
	records := make([]dobiss.StateRecord, 0, len(entries))
	for _, e := range entries {
		records = append(records, dobiss.StateRecord{
			State:     e.State,
			Source:    e.Source,
			Timestamp: e.CreatedAt,
		})
	}
	return records, nil
}
