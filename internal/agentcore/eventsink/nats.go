// Package eventsink implements activities.EventSink over NATS, publishing
// task-status and log-flush notifications so operators can tail a prebuild
// without querying the database directly (§12).
package eventsink

import (
	"encoding/json"
	"log/slog"

	natsClient "github.com/zeitwork/zeitwork/internal/shared/nats"

	"github.com/zeitwork/zeitwork/internal/agentcore/store"
)

// subjectTaskStatusChanged and subjectLogFlushed are the NATS subjects this
// sink publishes to; internal/agentcore.Service's own subscriptions are
// request/reply and never overlap with these fire-and-forget notifications.
const (
	subjectTaskStatusChanged = "agentcore.task_status_changed"
	subjectLogFlushed        = "agentcore.log_flushed"
)

// NatsSink publishes activities.EventSink notifications as JSON messages,
// following internal/shared/nats's Publish idiom. A publish failure is
// logged and dropped: the sink is a side channel, never the system of
// record (the Store write already happened by the time the sink is
// called).
type NatsSink struct {
	client *natsClient.Client
	logger *slog.Logger
}

// New wraps client as an activities.EventSink.
func New(client *natsClient.Client, logger *slog.Logger) *NatsSink {
	return &NatsSink{client: client, logger: logger}
}

type taskStatusChangedEvent struct {
	PrebuildEventID int64             `json:"prebuild_event_id"`
	TaskIdx         int               `json:"task_idx"`
	Status          store.TaskStatus  `json:"status"`
}

type logFlushedEvent struct {
	LogGroupID int64 `json:"log_group_id"`
	Idx        int64 `json:"idx"`
}

func (s *NatsSink) TaskStatusChanged(prebuildEventID int64, taskIdx int, status store.TaskStatus) {
	s.publish(subjectTaskStatusChanged, taskStatusChangedEvent{
		PrebuildEventID: prebuildEventID,
		TaskIdx:         taskIdx,
		Status:          status,
	})
}

func (s *NatsSink) LogFlushed(logGroupID int64, idx int64) {
	s.publish(subjectLogFlushed, logFlushedEvent{LogGroupID: logGroupID, Idx: idx})
}

func (s *NatsSink) publish(subject string, event any) {
	data, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("eventsink: marshal event", "subject", subject, "error", err)
		return
	}
	if err := s.client.Publish(subject, data); err != nil {
		s.logger.Warn("eventsink: publish failed", "subject", subject, "error", err)
	}
}
