package callsession

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/eleven-am/call-relay/internal/frame"
)

func TestSweeper_ClosesIdleSessions(t *testing.T) {
	mock := clock.NewMock()
	obs := &recordingObserver{}
	reg := newTestRegistry(t, testConfig(), defaultBackpressure(), mock, obs)
	sweeper := NewSweeper(reg, testLogger())
	stream := newFakeStream()

	idle, _ := startSession(t, reg, "CA1", newFakeConn(), stream)
	makeStreaming(t, idle, stream)

	busyStream := newFakeStream()
	busy, _ := startSession(t, reg, "CA2", newFakeConn(), busyStream)
	makeStreaming(t, busy, busyStream)

	mock.Add(20 * time.Second)
	if err := busy.HandleFrame(context.Background(), &frame.Frame{Type: frame.TypeAudio, Payload: []byte{1}}); err != nil {
		t.Fatalf("busy frame: %v", err)
	}
	mock.Add(11 * time.Second)

	if n := sweeper.Sweep(); n != 1 {
		t.Fatalf("expected 1 session swept, got %d", n)
	}
	if idle.State() != StateClosed {
		t.Errorf("expected idle session closed, got %s", idle.State())
	}
	reason := idle.Info().CloseReason
	if reason != ReasonIdleTimeout || !errors.Is(reason.Err(), ErrSessionTimedOut) {
		t.Errorf("expected idle timeout, got %s", reason)
	}
	if busy.State() != StateStreaming {
		t.Errorf("expected busy session untouched, got %s", busy.State())
	}

	active := reg.ListActive()
	if len(active) != 1 || active[0].CallID() != "CA2" {
		t.Errorf("expected only CA2 active, got %d sessions", len(active))
	}
	_ = busy.Close(ReasonShutdown)
}

func TestSweeper_ConnectTimeout(t *testing.T) {
	mock := clock.NewMock()
	reg := newTestRegistry(t, testConfig(), defaultBackpressure(), mock, nil)
	sweeper := NewSweeper(reg, testLogger())

	sess, err := reg.Register("CA1", Params{Conn: newFakeConn()})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	mock.Add(5 * time.Second)
	if n := sweeper.Sweep(); n != 0 {
		t.Fatalf("expected nothing swept yet, got %d", n)
	}

	mock.Add(6 * time.Second)
	if n := sweeper.Sweep(); n != 1 {
		t.Fatalf("expected connect timeout sweep, got %d", n)
	}
	if got := sess.Info().CloseReason; got != ReasonConnectTimeout {
		t.Errorf("expected connect_timeout, got %s", got)
	}
}

func TestSweeper_DrainTimeout(t *testing.T) {
	mock := clock.NewMock()
	reg := newTestRegistry(t, testConfig(), defaultBackpressure(), mock, nil)
	sweeper := NewSweeper(reg, testLogger())
	conn := newFakeConn()
	conn.release = make(chan struct{})
	defer close(conn.release)
	stream := newFakeStream()

	sess, _ := startSession(t, reg, "CA1", conn, stream)
	makeStreaming(t, sess, stream)
	stream.events <- synthesisAudio(10)
	waitFor(t, "writer blocked", func() bool { return conn.Attempts() == 1 })

	sess.BeginDrain(ReasonCallEnded)
	mock.Add(6 * time.Second)

	if n := sweeper.Sweep(); n != 1 {
		t.Fatalf("expected stuck drain swept, got %d", n)
	}
	if got := sess.Info().CloseReason; got != ReasonDrainTimeout {
		t.Errorf("expected drain_timeout, got %s", got)
	}
}

func TestSweeper_StartStop(t *testing.T) {
	mock := clock.NewMock()
	reg := newTestRegistry(t, testConfig(), defaultBackpressure(), mock, nil)
	sweeper := NewSweeper(reg, testLogger())

	sess, err := reg.Register("CA1", Params{Conn: newFakeConn()})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	sweeper.Start()
	sweeper.Start()
	mock.Add(15 * time.Second)

	waitClosed(t, sess)
	if reg.Count() != 0 {
		t.Errorf("expected empty registry, got %d", reg.Count())
	}

	sweeper.Stop()
	sweeper.Stop()
}

func TestSweeper_StopWithoutStart(t *testing.T) {
	reg := newTestRegistry(t, testConfig(), defaultBackpressure(), clock.NewMock(), nil)
	NewSweeper(reg, testLogger()).Stop()
}
