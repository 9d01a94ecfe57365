package callstore

import (
	"context"
	"log/slog"
	"time"

	"github.com/eleven-am/call-relay/internal/callsession"
)

const recordTimeout = 5 * time.Second

// Recorder persists call history from session lifecycle notifications.
type Recorder struct {
	store *Store
	log   *slog.Logger
}

func NewRecorder(store *Store, log *slog.Logger) *Recorder {
	return &Recorder{store: store, log: log.With("component", "callstore")}
}

func recordFromInfo(info callsession.Info) *CallRecord {
	return &CallRecord{
		CallID:         info.CallID,
		StreamSID:      info.StreamSID,
		AgentID:        info.AgentID,
		ConnID:         info.ConnID,
		State:          info.State.String(),
		CloseReason:    string(info.CloseReason),
		InboundFrames:  info.InboundFrames,
		InboundBytes:   info.InboundBytes,
		OutboundFrames: info.OutboundFrames,
		OutboundBytes:  info.OutboundBytes,
		MarksSent:      info.MarksSent,
		DroppedFrames:  info.DroppedFrames,
		StartedAt:      info.CreatedAt.UTC(),
	}
}

func (r *Recorder) SessionStarted(info callsession.Info) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := r.store.Upsert(ctx, recordFromInfo(info)); err != nil {
		r.log.Error("failed to record call", "call_id", info.CallID, "error", err)
	}
}

func (r *Recorder) StateChanged(info callsession.Info, _, to callsession.State) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	var err error
	switch to {
	case callsession.StateStreaming:
		err = r.store.MarkStreaming(ctx, info.CallID, info.LastActivityAt.UTC())
	case callsession.StateDraining:
		err = r.store.UpdateState(ctx, info.CallID, to.String())
	default:
		return
	}
	if err != nil {
		r.log.Warn("failed to update call state", "call_id", info.CallID, "state", to, "error", err)
	}
}

func (r *Recorder) SessionClosed(info callsession.Info) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	rec := recordFromInfo(info)
	ended := info.LastActivityAt.UTC()
	if ended.IsZero() {
		ended = time.Now().UTC()
	}
	rec.EndedAt = &ended
	if err := r.store.Finish(ctx, rec); err != nil {
		r.log.Error("failed to finish call record", "call_id", info.CallID, "error", err)
	}
}

func (r *Recorder) Backpressure(callsession.Info, bool) {}
