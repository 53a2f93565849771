package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"lifequest-live/internal/feed"
	"lifequest-live/internal/observability/metrics"
)

const activityPublishTimeout = 2 * time.Second

// ActivityPublisher forwards realtime activity to the feed queue. Publishing
// is best effort and never fails the operation that produced the event.
type ActivityPublisher struct {
	queue    feed.Queue
	logger   *slog.Logger
	recorder *metrics.Recorder
}

// NewActivityPublisher wraps queue. A nil queue disables publishing.
func NewActivityPublisher(queue feed.Queue, logger *slog.Logger, recorder *metrics.Recorder) *ActivityPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &ActivityPublisher{queue: queue, logger: logger, recorder: recorder}
}

// Publish sends an event of kind with data marshalled as its payload.
func (a *ActivityPublisher) Publish(ctx context.Context, kind feed.Kind, playerID, channelID string, data any) {
	if a == nil || a.queue == nil {
		return
	}
	var raw json.RawMessage
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			a.logger.Warn("failed to encode activity", "kind", kind, "error", err)
			return
		}
		raw = encoded
	}
	event := feed.Event{
		ID:         uuid.NewString(),
		Kind:       kind,
		PlayerID:   playerID,
		ChannelID:  channelID,
		Data:       raw,
		OccurredAt: time.Now().UTC(),
	}
	// Detached from the session so a disconnect does not drop the event.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), activityPublishTimeout)
	defer cancel()
	err := a.queue.Publish(ctx, event)
	if a.recorder != nil {
		a.recorder.ObserveFeedPublish(string(kind), err)
	}
	if err != nil {
		a.logger.Warn("failed to publish activity", "kind", kind, "player_id", playerID, "error", err)
	}
}
