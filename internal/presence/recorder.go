package presence

import (
	"context"
	"log/slog"
	"time"

	"github.com/eleven-am/call-relay/internal/callsession"
)

const recordTimeout = 2 * time.Second

// Recorder mirrors session lifecycle into redis. Failures are logged and never
// reach the session.
type Recorder struct {
	store *Store
	log   *slog.Logger
}

func NewRecorder(store *Store, log *slog.Logger) *Recorder {
	return &Recorder{store: store, log: log.With("component", "presence")}
}

func (r *Recorder) SessionStarted(info callsession.Info) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	call := &LiveCall{
		CallID:    info.CallID,
		StreamSID: info.StreamSID,
		AgentID:   info.AgentID,
		ConnID:    info.ConnID,
		State:     info.State.String(),
		StartedAt: info.CreatedAt.UTC(),
	}
	if err := r.store.Announce(ctx, call); err != nil {
		r.log.Warn("failed to announce call", "call_id", info.CallID, "error", err)
	}
	if err := r.store.IncrementMetric(ctx, info.AgentID, FieldCalls, 1); err != nil {
		r.log.Warn("failed to count call", "call_id", info.CallID, "error", err)
	}
	r.publish(ctx, EventSessionStarted, info, "")
}

func (r *Recorder) StateChanged(info callsession.Info, _, to callsession.State) {
	var evType EventType
	switch to {
	case callsession.StateStreaming:
		evType = EventSessionStreaming
	case callsession.StateDraining:
		evType = EventSessionDraining
	default:
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	if err := r.store.Touch(ctx, info.CallID, to.String()); err != nil {
		r.log.Warn("failed to update live call", "call_id", info.CallID, "error", err)
	}
	if to == callsession.StateStreaming {
		if err := r.store.IncrementMetric(ctx, info.AgentID, FieldStreaming, 1); err != nil {
			r.log.Warn("failed to count streaming call", "call_id", info.CallID, "error", err)
		}
	}
	r.publish(ctx, evType, info, "")
}

func (r *Recorder) SessionClosed(info callsession.Info) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	reason := info.CloseReason
	if err := r.store.End(ctx, info.CallID, string(reason)); err != nil {
		r.log.Warn("failed to end live call", "call_id", info.CallID, "error", err)
	}

	fields := map[string]int64{
		FieldInboundBytes:    int64(info.InboundBytes),
		FieldOutboundBytes:   int64(info.OutboundBytes),
		FieldMarks:           int64(info.MarksSent),
		FieldTotalDurationMs: info.LastActivityAt.Sub(info.CreatedAt).Milliseconds(),
		FieldDurationCount:   1,
	}
	evType := EventSessionClosed
	switch {
	case reason.TimedOut():
		fields[FieldTimedOut] = 1
		evType = EventSessionTimedOut
	case reason.Err() != nil:
		fields[FieldErrors] = 1
	default:
		fields[FieldCompleted] = 1
	}
	if err := r.store.IncrementMetrics(ctx, info.AgentID, fields); err != nil {
		r.log.Warn("failed to record call metrics", "call_id", info.CallID, "error", err)
	}
	r.publish(ctx, evType, info, string(reason))
}

func (r *Recorder) Backpressure(info callsession.Info, paused bool) {
	if !paused {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := r.store.IncrementMetric(ctx, info.AgentID, FieldBackpressurePauses, 1); err != nil {
		r.log.Warn("failed to count backpressure", "call_id", info.CallID, "error", err)
	}
}

func (r *Recorder) publish(ctx context.Context, t EventType, info callsession.Info, reason string) {
	ev := Event{
		Type:    t,
		CallID:  info.CallID,
		AgentID: info.AgentID,
		State:   info.State.String(),
		Reason:  reason,
	}
	if err := r.store.Publish(ctx, ev); err != nil {
		r.log.Warn("failed to publish event", "type", t, "call_id", info.CallID, "error", err)
	}
}
