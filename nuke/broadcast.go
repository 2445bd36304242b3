package nuke

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Subjects for the cross-process destruction protocol. Any process
// sharing the data store subscribes to these and releases its handles.
const (
	SubjectNukeStarting   = "flock.nuke.starting"
	SubjectScannerRelease = "flock.scanner.release"
)

// Broadcaster announces an imminent destruction run to other processes.
// There is no distributed lock: this is a cooperative best-effort signal,
// followed by the orchestrator's grace period.
type Broadcaster interface {
	Announce(ctx context.Context, runID string, source TriggerSource) error
}

// announcement is the wire payload for both subjects.
type announcement struct {
	RunID     string        `json:"run_id"`
	Source    TriggerSource `json:"source"`
	Timestamp int64         `json:"timestamp"`
}

// NATSBroadcaster publishes the destruction protocol over a NATS
// connection shared with the rest of the deployment.
type NATSBroadcaster struct {
	conn *nats.Conn
}

func NewNATSBroadcaster(conn *nats.Conn) *NATSBroadcaster {
	return &NATSBroadcaster{conn: conn}
}

// Announce publishes the starting signal plus the radio-release signal,
// then flushes so the messages are on the wire before the grace period
// starts counting.
func (b *NATSBroadcaster) Announce(ctx context.Context, runID string, source TriggerSource) error {
	payload, err := json.Marshal(announcement{
		RunID:     runID,
		Source:    source,
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		return err
	}

	if err := b.conn.Publish(SubjectNukeStarting, payload); err != nil {
		return err
	}
	if err := b.conn.Publish(SubjectScannerRelease, payload); err != nil {
		return err
	}
	if err := b.conn.FlushWithContext(ctx); err != nil {
		return err
	}

	log.Info().
		Str("run_id", runID).
		Str("source", string(source)).
		Msg("Destruction broadcast published")
	return nil
}
