package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/robotlink/internal/server"
)

// SystemStatus is the body of GET /status.
type SystemStatus struct {
	Timestamp     string         `json:"timestamp"`
	Version       string         `json:"version"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Server        server.Status  `json:"server"`
	Runtime       RuntimeMetrics `json:"runtime"`
	WebSocket     WSMetrics      `json:"websocket"`
	MQTT          *MQTTMetrics   `json:"mqtt,omitempty"`
	InfluxDB      *InfluxMetrics `json:"influxdb,omitempty"`
	Auth          AuthStatus     `json:"auth"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int    `json:"connected_clients"`
	DroppedEvents    uint64 `json:"dropped_events"`
}

// MQTTMetrics contains MQTT client statistics.
type MQTTMetrics struct {
	Connected     bool     `json:"connected"`
	Subscriptions []string `json:"subscriptions"`
}

// InfluxMetrics is present only when telemetry is enabled.
type InfluxMetrics struct {
	Connected     bool   `json:"connected"`
	WriteFailures uint64 `json:"write_failures"`
}

// AuthStatus reports whether bearer tokens are enforced.
type AuthStatus struct {
	Enabled bool `json:"enabled"`
}

// handleStatus returns the robot server state plus process statistics.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	status := SystemStatus{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Server:        s.robot.Status(),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		WebSocket: WSMetrics{
			ConnectedClients: s.hub.ClientCount(),
			DroppedEvents:    s.hub.Dropped(),
		},
		Auth: AuthStatus{Enabled: s.authEnabled()},
	}

	if s.mqtt != nil {
		status.MQTT = &MQTTMetrics{
			Connected:     s.mqtt.IsConnected(),
			Subscriptions: s.mqtt.Subscriptions(),
		}
	}
	if s.influx != nil {
		status.InfluxDB = &InfluxMetrics{
			Connected:     s.influx.IsConnected(),
			WriteFailures: s.influx.WriteFailures(),
		}
	}

	writeJSON(w, http.StatusOK, status)
}
