package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/robotlink/internal/infrastructure/config"
)

const (
	defaultConnectTimeout = 10 * time.Second

	// defaultPublishTimeout bounds every broker acknowledgement wait:
	// publish, subscribe and unsubscribe.
	defaultPublishTimeout = 5 * time.Second

	// defaultDisconnectQuiesce is in milliseconds, as paho expects.
	defaultDisconnectQuiesce = 1000

	defaultKeepAlive = 60 * time.Second

	maxQoS = 2
)

// Values of StatusMessage.Status.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Values of StatusMessage.Reason for an offline client.
const (
	ReasonUnexpected = "unexpected_disconnect"
	ReasonShutdown   = "graceful_shutdown"
)

// StatusMessage is the retained payload on robotlink/system/status/{client_id}.
type StatusMessage struct {
	Status    string `json:"status"`
	ClientID  string `json:"client_id"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"`
}

// buildClientOptions translates cfg into paho options.
//
// Sessions are clean, so replies and events are never replayed after a
// reconnect. Ordered delivery keeps each subscription in publish order,
// which the broadcast stream depends on.
func buildClientOptions(cfg config.MQTTConfig) (*pahomqtt.ClientOptions, error) {
	b := cfg.Broker
	scheme := "tcp"
	if b.TLS {
		scheme = "ssl"
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("%s://%s:%d", scheme, b.Host, b.Port)).
		SetClientID(b.ClientID).
		SetCleanSession(true).
		SetOrderMatters(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(defaultConnectTimeout).
		SetKeepAlive(defaultKeepAlive)

	initial := time.Duration(cfg.Reconnect.InitialDelay) * time.Second
	maxDelay := time.Duration(cfg.Reconnect.MaxDelay) * time.Second
	if maxDelay < initial {
		maxDelay = initial
	}
	opts.SetConnectRetryInterval(initial)
	opts.SetMaxReconnectInterval(maxDelay)

	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username)
		opts.SetPassword(cfg.Auth.Password)
	}

	if b.TLS {
		tlsCfg, err := brokerTLS(b.CAFile)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}
	return opts, nil
}

// brokerTLS trusts the system roots, or only caFile when one is given.
func brokerTLS(caFile string) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if caFile == "" {
		return cfg, nil
	}
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("%w: reading broker CA: %w", ErrConnect, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("%w: no certificates in %s", ErrConnect, caFile)
	}
	cfg.RootCAs = pool
	return cfg, nil
}

// configureLWT arms the will: if the connection dies without Close, the
// broker publishes an offline status on the client's retained status topic.
func configureLWT(opts *pahomqtt.ClientOptions, clientID string) {
	opts.SetWill(Topics{}.SystemStatus(clientID), statusPayload(StatusOffline, clientID, ReasonUnexpected), 1, true)
}

func buildOnlinePayload(clientID string) string {
	return statusPayload(StatusOnline, clientID, "")
}

func buildOfflinePayload(clientID string) string {
	return statusPayload(StatusOffline, clientID, ReasonShutdown)
}

func statusPayload(status, clientID, reason string) string {
	data, err := json.Marshal(StatusMessage{
		Status:    status,
		ClientID:  clientID,
		Reason:    reason,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Sprintf(`{"status":%q}`, status)
	}
	return string(data)
}
