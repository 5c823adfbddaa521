package history

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/nerrad567/robotlink/internal/protocol"
)

// Recorder is a broadcast sink writing values events to a Repository.
type Recorder struct {
	repo      Repository
	robot     string
	heartbeat string
}

// NewRecorder creates a recorder for one robot. Values events carrying only
// the heartbeat attribute are skipped.
func NewRecorder(repo Repository, robot, heartbeat string) *Recorder {
	return &Recorder{repo: repo, robot: robot, heartbeat: heartbeat}
}

// Publish implements broadcast.Sink.
func (r *Recorder) Publish(ctx context.Context, ev protocol.Event) error {
	if ev.Type != protocol.EventTypeValues || len(ev.Data) == 0 {
		return nil
	}
	if r.heartbeat != "" && ev.IsHeartbeat(r.heartbeat) {
		return nil
	}

	var errs []error
	for _, name := range sortedKeys(ev.Data) {
		if err := r.repo.Record(ctx, r.robot, name, ev.Data[name]); err != nil {
			errs = append(errs, fmt.Errorf("recording %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
