package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nerrad567/robotlink/internal/client"
	"github.com/nerrad567/robotlink/internal/infrastructure/config"
	"github.com/nerrad567/robotlink/internal/infrastructure/logging"
	"github.com/nerrad567/robotlink/internal/infrastructure/mqtt"
	"github.com/nerrad567/robotlink/internal/protocol"
)

const defaultTimeout = 10 * time.Second

// cliConfig holds the persistent flags shared by every subcommand.
type cliConfig struct {
	configPath string
	broker     string
	robot      string
	codec      string
	timeout    time.Duration
	verbose    bool
}

func newRootCommand() *cobra.Command {
	cfg := &cliConfig{}
	cmd := &cobra.Command{
		Use:           "robotctl",
		Short:         "Drive a robot through a robotlink server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&cfg.configPath, "config", "", "server config file to take broker, robot and codec from")
	flags.StringVar(&cfg.broker, "broker", "", "MQTT broker host:port (overrides config)")
	flags.StringVar(&cfg.robot, "robot", "", "robot id (overrides config)")
	flags.StringVar(&cfg.codec, "codec", "", "wire codec json|cbor (overrides config)")
	flags.DurationVar(&cfg.timeout, "timeout", defaultTimeout, "request round-trip timeout")
	flags.BoolVarP(&cfg.verbose, "verbose", "v", false, "log client activity to stderr")

	cmd.AddCommand(
		newRefreshCommand(cfg),
		newQueryCommand(cfg),
		newSubmitCommand(cfg),
		newWatchCommand(cfg),
		newPresenceCommand(cfg),
		newTokenCommand(cfg),
		newDBCommand(cfg),
		newVersionCommand(),
	)
	return cmd
}

// resolve merges the config file (or built-in defaults) with the flags.
func (c *cliConfig) resolve() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if c.configPath != "" {
		cfg, err = config.Load(c.configPath)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
	} else {
		cfg = config.Default()
	}

	if c.broker != "" {
		host, port, err := parseBroker(c.broker)
		if err != nil {
			return nil, err
		}
		cfg.MQTT.Broker.Host = host
		cfg.MQTT.Broker.Port = port
	}
	if c.robot != "" {
		cfg.Robot.ID = c.robot
	}
	if c.codec != "" {
		cfg.Transport.Codec = c.codec
	}
	// Each invocation is its own broker session.
	cfg.MQTT.Broker.ClientID = "robotctl-" + uuid.NewString()[:8]
	return cfg, nil
}

func (c *cliConfig) logger(w io.Writer) *logging.Logger {
	if !c.verbose {
		return logging.Discard()
	}
	return logging.NewWithWriter(w, config.LoggingConfig{Level: "debug", Format: "text"}, version)
}

// session is one connected client.
type session struct {
	mqtt      *mqtt.Client
	transport *client.MQTTTransport
	client    *client.Client
	robot     string
	log       *logging.Logger
}

// connect dials the broker and builds a started client. The initial
// refresh fills the attribute mirror.
func (c *cliConfig) connect(ctx context.Context, stderr io.Writer) (*session, error) {
	cfg, err := c.resolve()
	if err != nil {
		return nil, err
	}
	codec, err := protocol.CodecByName(cfg.Transport.Codec)
	if err != nil {
		return nil, err
	}
	log := c.logger(stderr)

	mc, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s:%d: %w", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port, err)
	}
	mc.SetLogger(log.Component("mqtt"))

	transport := client.NewMQTTTransport(mc, cfg.Robot.ID, codec, byte(cfg.MQTT.QoS))
	transport.SetLogger(log.Component("transport"))
	cl := client.New(transport, transport, client.Options{})
	cl.SetLogger(log.Component("client"))

	s := &session{mqtt: mc, transport: transport, client: cl, robot: cfg.Robot.ID, log: log}

	startCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := cl.Start(startCtx); err != nil {
		s.close()
		return nil, fmt.Errorf("starting client for %s: %w", cfg.Robot.ID, err)
	}
	log.Debug("client started", "robot", cfg.Robot.ID, "session", transport.Session())
	return s, nil
}

func (s *session) close() {
	if err := s.client.Close(); err != nil {
		s.log.Warn("closing client", "error", err)
	}
	if err := s.transport.Close(); err != nil {
		s.log.Warn("closing transport", "error", err)
	}
	if err := s.mqtt.Close(); err != nil {
		s.log.Warn("closing MQTT", "error", err)
	}
}
