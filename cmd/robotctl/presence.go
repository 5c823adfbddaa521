package main

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/robotlink/internal/infrastructure/mqtt"
)

// newPresenceCommand lists the retained status of every robotlink client the
// broker knows about: servers, bridges and other robotctl sessions.
func newPresenceCommand(cfg *cliConfig) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "presence",
		Short: "List online and offline robotlink clients",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resolved, err := cfg.resolve()
			if err != nil {
				return err
			}
			mc, err := mqtt.Connect(resolved.MQTT)
			if err != nil {
				return fmt.Errorf("connecting to %s:%d: %w", resolved.MQTT.Broker.Host, resolved.MQTT.Broker.Port, err)
			}
			defer mc.Close() //nolint:errcheck // CLI exit

			seen := newPresence(mc.ClientID())
			if err := mc.Subscribe(mqtt.Topics{}.AllSystemStatus(), mc.QoS(), seen.add); err != nil {
				return err
			}

			// Retained statuses arrive right after the subscription is acked.
			select {
			case <-time.After(wait):
			case <-cmd.Context().Done():
			}
			return seen.print(cmd.OutOrStdout())
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", time.Second, "how long to collect retained statuses")
	return cmd
}

// presence collects the latest status per client, skipping our own.
type presence struct {
	self string

	mu       sync.Mutex
	statuses map[string]mqtt.StatusMessage
}

func newPresence(self string) *presence {
	return &presence{self: self, statuses: make(map[string]mqtt.StatusMessage)}
}

func (p *presence) add(_ string, payload []byte) error {
	var msg mqtt.StatusMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("decoding status: %w", err)
	}
	if msg.ClientID == "" || msg.ClientID == p.self {
		return nil
	}
	p.mu.Lock()
	p.statuses[msg.ClientID] = msg
	p.mu.Unlock()
	return nil
}

func (p *presence) print(w io.Writer) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]string, 0, len(p.statuses))
	for id := range p.statuses {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		msg := p.statuses[id]
		line := fmt.Sprintf("%s %s %s", id, msg.Status, msg.Timestamp)
		if msg.Reason != "" {
			line += " " + msg.Reason
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}
