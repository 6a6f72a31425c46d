// Package audit provides the append-only audit trail for lifecycle
// operations. Appends are fire-and-forget: sink failures are logged and
// never surface to the operation that produced the event.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"vpsforge/internal/logging"
)

// Event is one audit trail entry
type Event struct {
	InstanceID string    `json:"instance_id"`
	Action     string    `json:"action"`
	Outcome    string    `json:"outcome"`
	Detail     string    `json:"detail,omitempty"`
	At         time.Time `json:"at"`
}

// Outcomes recorded in the trail
const (
	OutcomeOK     = "ok"
	OutcomeFailed = "failed"
)

// Sink appends events to the audit trail
type Sink interface {
	Append(ctx context.Context, ev Event)
}

const appendTimeout = 5 * time.Second

// EtcdSink stores events under /audit/<instance>/<timestamp>-<uuid>. It
// shares the etcd connection with the other etcd-backed components.
type EtcdSink struct {
	client *clientv3.Client
}

// NewEtcdSink returns a sink over the given shared etcd connection
func NewEtcdSink(cli *clientv3.Client) *EtcdSink {
	return &EtcdSink{client: cli}
}

// Append writes the event in the background; the caller never waits on it
func (s *EtcdSink) Append(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	go func() {
		appendCtx, cancel := context.WithTimeout(context.Background(), appendTimeout)
		defer cancel()

		data, err := json.Marshal(ev)
		if err != nil {
			logging.Logger().Error("Failed to marshal audit event", zap.Error(err))
			return
		}

		key := fmt.Sprintf("/audit/%s/%d-%s", ev.InstanceID, ev.At.UnixNano(), uuid.NewString())
		if _, err := s.client.Put(appendCtx, key, string(data)); err != nil {
			logging.Logger().Error("Failed to append audit event",
				zap.String("instance_id", ev.InstanceID),
				zap.String("action", ev.Action),
				zap.Error(err),
			)
		}
	}()
}

// LogSink writes events to the application log only, used by memory mode
type LogSink struct{}

// Append logs the event
func (s *LogSink) Append(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	logging.Logger().Info("Audit event",
		zap.String("instance_id", ev.InstanceID),
		zap.String("action", ev.Action),
		zap.String("outcome", ev.Outcome),
		zap.String("detail", logging.Truncate(ev.Detail)),
	)
}
