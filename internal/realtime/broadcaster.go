package realtime

import (
	"errors"
	"log/slog"
	"time"

	"lifequest-live/internal/observability/metrics"
)

// Broadcaster fans encoded frames out to sessions. Delivery is best effort:
// a failure for one session is logged and skipped.
type Broadcaster struct {
	registry  *Registry
	directory *Directory
	logger    *slog.Logger
	recorder  *metrics.Recorder
	now       func() time.Time
}

// NewBroadcaster builds a Broadcaster over registry and directory.
func NewBroadcaster(registry *Registry, directory *Directory, logger *slog.Logger, recorder *metrics.Recorder) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		registry:  registry,
		directory: directory,
		logger:    logger,
		recorder:  recorder,
		now:       time.Now,
	}
}

// ToChannel delivers to every current member of channelID and returns the
// number of sessions the frame was queued for.
func (b *Broadcaster) ToChannel(channelID, event string, payload any) int {
	return b.fanOut(b.directory.MembersOf(channelID), event, payload)
}

// ToPlayer delivers to every live session of playerID.
func (b *Broadcaster) ToPlayer(playerID, event string, payload any) int {
	return b.fanOut(b.registry.SessionsFor(playerID), event, payload)
}

// ToAll delivers to every live session.
func (b *Broadcaster) ToAll(event string, payload any) int {
	return b.fanOut(b.registry.All(), event, payload)
}

// ToSession delivers to a single session and reports the failure, if any.
func (b *Broadcaster) ToSession(session *Session, event string, payload any) error {
	frame, err := encodeFrame(event, payload, b.now())
	if err != nil {
		b.logger.Error("failed to encode frame", "event", event, "error", err)
		return newError(KindDelivery, "send", "", "encode failed", err)
	}
	return b.deliver(session, event, frame)
}

func (b *Broadcaster) fanOut(sessions []*Session, event string, payload any) int {
	if len(sessions) == 0 {
		return 0
	}
	frame, err := encodeFrame(event, payload, b.now())
	if err != nil {
		b.logger.Error("failed to encode frame", "event", event, "error", err)
		return 0
	}
	delivered := 0
	for _, session := range sessions {
		if b.deliver(session, event, frame) == nil {
			delivered++
		}
	}
	return delivered
}

func (b *Broadcaster) deliver(session *Session, event string, frame []byte) error {
	err := session.Enqueue(frame)
	if err == nil {
		if b.recorder != nil {
			b.recorder.ObserveDelivery(event)
		}
		return nil
	}
	reason := "closed"
	if errors.Is(err, ErrBufferFull) {
		reason = "buffer_full"
		b.logger.Warn("dropping frame for slow session", "event", event, "session_id", session.ID, "player_id", session.PlayerID)
	} else {
		b.logger.Debug("dropping frame for closed session", "event", event, "session_id", session.ID)
	}
	if b.recorder != nil {
		b.recorder.ObserveDeliveryFailure(event, reason)
	}
	return newError(KindDelivery, "send", "", reason, err)
}
