// robotlink server
//
// This is the main entry point for the robot server. It fronts one robot
// controller: requests arrive on the robot's MQTT request topic (or the HTTP
// API) and run through the operation dispatcher. Attribute changes and
// operation lifecycle events go out on the broadcast topic and to the
// WebSocket relay and history sinks. Requests made over HTTP are audited.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	_ "github.com/nerrad567/robotlink/migrations"

	"github.com/nerrad567/robotlink/internal/api"
	"github.com/nerrad567/robotlink/internal/audit"
	"github.com/nerrad567/robotlink/internal/broadcast"
	"github.com/nerrad567/robotlink/internal/device"
	"github.com/nerrad567/robotlink/internal/history"
	"github.com/nerrad567/robotlink/internal/infrastructure/config"
	"github.com/nerrad567/robotlink/internal/infrastructure/database"
	"github.com/nerrad567/robotlink/internal/infrastructure/influxdb"
	"github.com/nerrad567/robotlink/internal/infrastructure/logging"
	"github.com/nerrad567/robotlink/internal/infrastructure/metrics"
	"github.com/nerrad567/robotlink/internal/infrastructure/mqtt"
	"github.com/nerrad567/robotlink/internal/protocol"
	"github.com/nerrad567/robotlink/internal/robot"
	"github.com/nerrad567/robotlink/internal/server"
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

// shutdownTimeout bounds how long running operations get to finish.
const shutdownTimeout = 15 * time.Second

// pruneInterval is how often expired history and audit entries are deleted.
const pruneInterval = 24 * time.Hour

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting robotlink",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version).Robot(cfg.Robot.ID)
	log.Info("configuration loaded",
		"path", configPath,
		"device_mode", cfg.Device.Mode,
	)

	codec, err := protocol.CodecByName(cfg.Transport.Codec)
	if err != nil {
		return fmt.Errorf("selecting codec: %w", err)
	}
	qos := byte(cfg.MQTT.QoS)
	reg := metrics.New()

	// Attribute history and audit trail (optional)
	var (
		historyRepo *history.SQLiteRepository
		auditRepo   *audit.SQLiteRepository
		optional    []probe
	)
	if cfg.NeedsDatabase() {
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
		if err := db.Migrate(ctx); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		log.Info("database ready", "path", db.Path())
		optional = append(optional, probe{"database", db})

		if cfg.History.Enabled {
			historyRepo = history.NewSQLiteRepository(db.DB, cfg.History.DefaultLimit, cfg.History.MaxLimit)
		}
		if cfg.Audit.Enabled {
			auditRepo = audit.NewSQLiteRepository(db.DB)
		}
	}

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
	mqttClient.SetOnConnect(func() {
		reg.MQTTConnected(true)
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		reg.MQTTConnected(false)
		log.Warn("MQTT disconnected", "error", err)
	})
	reg.MQTTConnected(mqttClient.IsConnected())
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	// Numeric telemetry (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		optional = append(optional, probe{"influxdb", influxClient})
		influxClient.SetOnError(func(err error) {
			reg.TelemetryWriteFailed()
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	dev, err := startDevice(ctx, cfg, mqttClient, log)
	if err != nil {
		return err
	}
	defer dev.stop()

	hub := api.NewHub(cfg.WebSocket, log.Component("websocket"))
	hub.SetGauge(reg)

	sd := sinkDeps{mqtt: mqttClient, codec: codec, hub: hub}
	if historyRepo != nil {
		sd.history = historyRepo
	}
	if influxClient != nil {
		sd.influx = influxClient
	}
	sink := buildSink(cfg, sd)

	srv, err := server.New(server.Options{
		Robot:              cfg.Robot.ID,
		Adapter:            dev.robot,
		Sink:               sink,
		BroadcastQueueSize: cfg.Broadcast.QueueSize,
		HeartbeatAttribute: cfg.Broadcast.HeartbeatAttribute,
		RequestQueueSize:   cfg.Transport.RequestQueueSize,
		RequestTimeout:     cfg.GetRequestTimeout(),
		Metrics:            reg,
		OperationTimer:     reg,
	})
	if err != nil {
		return fmt.Errorf("creating robot server: %w", err)
	}
	srv.SetLogger(log.Component("server"))

	if err := robot.Install(srv, dev.robot); err != nil {
		return fmt.Errorf("installing robot operations: %w", err)
	}

	endpoint := server.NewMQTTEndpoint(mqttClient, srv.Loop(), cfg.Robot.ID, codec, qos)
	endpoint.SetLogger(log.Component("endpoint"))
	if err := srv.AddEndpoint(endpoint); err != nil {
		return fmt.Errorf("adding MQTT endpoint: %w", err)
	}

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting robot server: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if stopErr := srv.Stop(stopCtx); stopErr != nil {
			log.Error("error stopping robot server", "error", stopErr)
		}
	}()

	if cfg.API.Enabled {
		deps := api.Deps{
			Config:   cfg.API,
			WS:       cfg.WebSocket,
			Security: cfg.Security,
			History:  cfg.History,
			Logger:   log.Component("api"),
			Robot:    srv,
			MQTT:     mqttClient,
			Metrics:  reg,
			Hub:      hub,
			Version:  version,
		}
		if historyRepo != nil {
			deps.HistoryRepo = historyRepo
		}
		if influxClient != nil {
			deps.Telemetry = influxClient
		}
		if auditRepo != nil {
			deps.Audit = auditRepo
		}
		apiServer, err := api.New(deps)
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
		if err := apiServer.Start(ctx); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
		defer func() {
			if closeErr := apiServer.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	}

	probes := append([]probe{{"robot server", srv}, {"mqtt", mqttClient}}, optional...)
	if err := healthCheck(ctx, probes...); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("initialisation complete, waiting for shutdown signal")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	var jobs []retentionJob
	if historyRepo != nil && cfg.History.RetentionDays > 0 {
		jobs = append(jobs, retentionJob{"history", historyRepo, days(cfg.History.RetentionDays)})
	}
	if auditRepo != nil && cfg.Audit.RetentionDays > 0 {
		jobs = append(jobs, retentionJob{"audit", auditRepo, days(cfg.Audit.RetentionDays)})
	}
	if len(jobs) > 0 {
		g.Go(func() error {
			runRetention(gctx, jobs, pruneInterval, log)
			return nil
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	log.Info("shutdown signal received, cleaning up")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses ROBOTLINK_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("ROBOTLINK_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// runningDevice is the adapter plus whatever must be stopped with it.
type runningDevice struct {
	robot *device.Robot
	stop  func()
}

// startDevice builds the attribute bus for the configured mode. In sim mode
// the simulator is also bridged onto the device topics, so other consumers
// of the broker see the same controller.
func startDevice(ctx context.Context, cfg *config.Config, client device.MQTTClient, log *logging.Logger) (*runningDevice, error) {
	opts := device.Options{
		ProcessDelay: cfg.Device.ProcessDelayDuration(),
		StartTimeout: cfg.Device.StartTimeoutDuration(),
		PollInterval: cfg.Device.PollIntervalDuration(),
	}
	qos := byte(cfg.MQTT.QoS)
	devLog := log.Component("device")

	switch cfg.Device.Mode {
	case config.DeviceModeSim:
		sim := device.NewSimulator(device.SimulatorOptions{
			TaskDuration: time.Duration(cfg.Device.SimulatedTaskDuration) * time.Millisecond,
			Heartbeat:    time.Duration(cfg.Device.Heartbeat) * time.Second,
		})
		sim.Start(ctx)

		bridge := device.NewBridge(client, sim, cfg.Robot.ID, qos)
		bridge.SetLogger(devLog)
		if err := bridge.Start(sim.Values()); err != nil {
			sim.Close()
			return nil, fmt.Errorf("starting simulator bridge: %w", err)
		}
		log.Info("simulated controller started", "robot", cfg.Robot.ID)

		r := device.NewRobot(sim, opts)
		r.SetLogger(devLog)
		return &runningDevice{robot: r, stop: func() {
			if err := bridge.Stop(); err != nil {
				log.Warn("error stopping simulator bridge", "error", err)
			}
			sim.Close()
		}}, nil

	default:
		bus := device.NewMQTTBus(client, cfg.Robot.ID, qos)
		bus.SetLogger(devLog)
		if err := bus.Start(); err != nil {
			return nil, fmt.Errorf("starting device bus: %w", err)
		}
		log.Info("device bus subscribed", "robot", cfg.Robot.ID)

		r := device.NewRobot(bus, opts)
		r.SetLogger(devLog)
		return &runningDevice{robot: r, stop: func() {
			if err := bus.Stop(); err != nil {
				log.Warn("error stopping device bus", "error", err)
			}
		}}, nil
	}
}

// sinkDeps are the broadcast consumers. Only mqtt and codec are required.
type sinkDeps struct {
	mqtt    broadcast.MessagePublisher
	codec   protocol.Codec
	hub     *api.Hub
	history history.Repository
	influx  history.MetricWriter
}

// buildSink fans every broadcast event out to the broker first, then the
// WebSocket relay and the history stores.
func buildSink(cfg *config.Config, d sinkDeps) broadcast.Fanout {
	heartbeat := cfg.Broadcast.HeartbeatAttribute
	sinks := broadcast.Fanout{
		broadcast.NewMQTTSink(d.mqtt, cfg.Robot.ID, d.codec, byte(cfg.MQTT.QoS)),
	}
	if d.hub != nil {
		sinks = append(sinks, d.hub)
	}
	if d.history != nil {
		sinks = append(sinks, history.NewRecorder(d.history, cfg.Robot.ID, heartbeat))
	}
	if d.influx != nil {
		sinks = append(sinks, history.NewTelemetrySink(d.influx, cfg.Robot.ID, heartbeat))
	}
	return sinks
}

// pruner deletes stored entries older than a retention age.
type pruner interface {
	Prune(ctx context.Context, retention time.Duration) (int64, error)
}

type retentionJob struct {
	name      string
	store     pruner
	retention time.Duration
}

func days(n int) time.Duration { return time.Duration(n) * 24 * time.Hour }

// runRetention prunes every store at start and then once per interval until
// ctx ends.
func runRetention(ctx context.Context, jobs []retentionJob, interval time.Duration, log *logging.Logger) {
	prune := func() {
		for _, job := range jobs {
			n, err := job.store.Prune(ctx, job.retention)
			if err != nil {
				if ctx.Err() == nil {
					log.Warn("prune failed", "store", job.name, "error", err)
				}
				continue
			}
			if n > 0 {
				log.Info("expired entries pruned", "store", job.name, "deleted", n)
			}
		}
	}

	prune()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}

// healthChecker is implemented by every component probed at startup.
type healthChecker interface {
	HealthCheck(ctx context.Context) error
}

type probe struct {
	name  string
	check healthChecker
}

// healthCheck runs the probes in order and stops at the first failure.
func healthCheck(ctx context.Context, probes ...probe) error {
	for _, p := range probes {
		if err := p.check.HealthCheck(ctx); err != nil {
			return fmt.Errorf("%s: %w", p.name, err)
		}
	}
	return nil
}
