package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Elmundo93/aushilf-sync/internal/bus"
	"github.com/Elmundo93/aushilf-sync/internal/remote"
	"github.com/Elmundo93/aushilf-sync/internal/serial"
	"github.com/Elmundo93/aushilf-sync/internal/store"
)

func seedPending(t *testing.T, s *serial.Serializer, clientID string) {
	t.Helper()
	db := s.DB()
	if err := db.UpsertChannel(&store.Channel{ID: "ch1"}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertMessage(&store.Message{
		ClientID: clientID, ChannelID: "ch1", Body: "hello", CreatedAt: 1000, SyncState: store.StatePending,
	}); err != nil {
		t.Fatal(err)
	}
	if err := db.QueueOutbox(&store.OutboxEntry{
		ClientID: clientID, ChannelID: "ch1", Body: "hello", CreatedAt: 1000,
	}); err != nil {
		t.Fatal(err)
	}
}

func TestFlushDeliversPendingEntry(t *testing.T) {
	backend := &fakeBackend{}
	e, s, b := testEngine(t, backend, &fakeConn{online: true}, Options{})
	acks, unsub := b.Subscribe(bus.TopicSendAck, 4)
	defer unsub()

	seedPending(t, s, "c1")

	if err := e.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if backend.sendCalls != 1 {
		t.Errorf("sendCalls = %d, want 1", backend.sendCalls)
	}

	entry, err := s.DB().GetOutbox("c1")
	if err != nil {
		t.Fatal(err)
	}
	if entry != nil {
		t.Errorf("outbox entry survived successful send: %+v", entry)
	}

	m, err := s.DB().GetMessageByClientID("c1")
	if err != nil {
		t.Fatal(err)
	}
	if m == nil || m.SyncState != store.StateSynced || m.ID != "srv-c1" {
		t.Errorf("message = %+v, want synced with server id", m)
	}

	select {
	case <-acks:
	case <-time.After(time.Second):
		t.Error("no send ack published")
	}
}

func TestFlushWithoutClientIDEcho(t *testing.T) {
	backend := &fakeBackend{omitClientID: true}
	e, s, _ := testEngine(t, backend, &fakeConn{online: true}, Options{})

	seedPending(t, s, "c1")

	if err := e.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}

	// The confirmation must land on the pending row, not create a second
	// one keyed by the server id.
	msgs, err := s.DB().ListMessages("ch1", store.MessageCursor{}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d rows after send confirmation, want 1", len(msgs))
	}
	if msgs[0].ClientID != "c1" || msgs[0].ID != "srv-c1" || msgs[0].SyncState != store.StateSynced {
		t.Errorf("row = %+v, want the original row synced with server id", msgs[0])
	}

	entry, err := s.DB().GetOutbox("c1")
	if err != nil {
		t.Fatal(err)
	}
	if entry != nil {
		t.Errorf("outbox entry survived delivery: %+v", entry)
	}
}

func TestFlushFoldsEarlyRealtimeEcho(t *testing.T) {
	backend := &fakeBackend{}
	e, s, _ := testEngine(t, backend, &fakeConn{online: true}, Options{})

	seedPending(t, s, "c1")

	// The change feed delivered the server's copy of this send before the
	// flush confirmation came back; without a client id it was mirrored
	// under the server id alone.
	if err := s.DB().UpsertMessage(&store.Message{
		ID: "srv-c1", ClientID: "srv-c1", ChannelID: "ch1", Body: "hello", CreatedAt: 1000, SyncState: store.StateSynced,
	}); err != nil {
		t.Fatal(err)
	}

	if err := e.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}

	msgs, err := s.DB().ListMessages("ch1", store.MessageCursor{}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d rows, want echo folded into one", len(msgs))
	}
	if msgs[0].ClientID != "c1" || msgs[0].ID != "srv-c1" || msgs[0].SyncState != store.StateSynced {
		t.Errorf("row = %+v", msgs[0])
	}
}

func TestFlushSkipsWhenOffline(t *testing.T) {
	backend := &fakeBackend{}
	e, s, _ := testEngine(t, backend, &fakeConn{online: false}, Options{})

	seedPending(t, s, "c1")

	if err := e.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if backend.sendCalls != 0 {
		t.Errorf("sendCalls = %d while offline, want 0", backend.sendCalls)
	}

	// The retry budget must be untouched.
	entry, err := s.DB().GetOutbox("c1")
	if err != nil {
		t.Fatal(err)
	}
	if entry == nil || entry.Attempts != 0 {
		t.Errorf("entry = %+v, want unconsumed", entry)
	}
}

func TestTransientFailureSchedulesBackoff(t *testing.T) {
	backend := &fakeBackend{sendErr: errors.New("connection reset")}
	e, s, _ := testEngine(t, backend, &fakeConn{online: true}, Options{BackoffBase: time.Minute})

	seedPending(t, s, "c1")

	if err := e.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}

	entry, err := s.DB().GetOutbox("c1")
	if err != nil {
		t.Fatal(err)
	}
	if entry == nil || entry.Attempts != 1 || entry.LastError == "" {
		t.Fatalf("entry = %+v, want one recorded attempt", entry)
	}
	if entry.NextAttemptAt <= time.Now().UnixMilli() {
		t.Errorf("next_attempt_at = %d, want in the future", entry.NextAttemptAt)
	}

	// The entry is not due yet, so an immediate flush must not retry it.
	if err := e.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if backend.sendCalls != 1 {
		t.Errorf("sendCalls = %d, want 1 (backoff not honored)", backend.sendCalls)
	}

	m, err := s.DB().GetMessageByClientID("c1")
	if err != nil {
		t.Fatal(err)
	}
	if m.SyncState != store.StatePending {
		t.Errorf("state = %s, want still pending", m.SyncState)
	}
}

func TestPermanentRejectionParksEntry(t *testing.T) {
	backend := &fakeBackend{sendErr: &remote.PermanentError{Status: 422, Msg: "body too long"}}
	e, s, b := testEngine(t, backend, &fakeConn{online: true}, Options{})
	failed, unsub := b.Subscribe(bus.TopicSendFailed, 4)
	defer unsub()

	seedPending(t, s, "c1")

	if err := e.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if backend.sendCalls != 1 {
		t.Errorf("sendCalls = %d, want 1", backend.sendCalls)
	}

	m, err := s.DB().GetMessageByClientID("c1")
	if err != nil {
		t.Fatal(err)
	}
	if m.SyncState != store.StateFailed {
		t.Errorf("state = %s, want failed", m.SyncState)
	}

	select {
	case <-failed:
	case <-time.After(time.Second):
		t.Error("no send failed event published")
	}

	// Parked entries stay out of every later flush, even the forced one.
	if err := e.FlushAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if backend.sendCalls != 1 {
		t.Errorf("parked entry retried: sendCalls = %d", backend.sendCalls)
	}
}

func TestRetryBudgetExhaustion(t *testing.T) {
	backend := &fakeBackend{sendErr: errors.New("timeout")}
	e, s, _ := testEngine(t, backend, &fakeConn{online: true}, Options{MaxAttempts: 3})

	seedPending(t, s, "c1")

	// FlushAll ignores the backoff schedule, so each call consumes one
	// attempt until the budget runs out.
	for i := 0; i < 5; i++ {
		if err := e.FlushAll(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if backend.sendCalls != 3 {
		t.Errorf("sendCalls = %d, want exactly the budget of 3", backend.sendCalls)
	}

	m, err := s.DB().GetMessageByClientID("c1")
	if err != nil {
		t.Fatal(err)
	}
	if m.SyncState != store.StateFailed {
		t.Errorf("state = %s, want failed after exhaustion", m.SyncState)
	}
	entry, err := s.DB().GetOutbox("c1")
	if err != nil {
		t.Fatal(err)
	}
	if entry == nil || entry.Attempts < 3 {
		t.Errorf("entry = %+v, want parked with full attempts", entry)
	}
}

func TestFlushRecoversAfterRequeue(t *testing.T) {
	backend := &fakeBackend{sendErr: errors.New("timeout")}
	e, s, _ := testEngine(t, backend, &fakeConn{online: true}, Options{MaxAttempts: 1})

	seedPending(t, s, "c1")

	if err := e.FlushAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	m, _ := s.DB().GetMessageByClientID("c1")
	if m.SyncState != store.StateFailed {
		t.Fatalf("state = %s, want failed", m.SyncState)
	}

	// Requeue resets the budget; with the fault cleared, delivery succeeds.
	backend.sendErr = nil
	if err := s.DB().ResetOutbox("c1"); err != nil {
		t.Fatal(err)
	}
	if err := s.DB().MarkMessageState("c1", store.StatePending, ""); err != nil {
		t.Fatal(err)
	}
	if err := e.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}

	m, _ = s.DB().GetMessageByClientID("c1")
	if m.SyncState != store.StateSynced {
		t.Errorf("state = %s, want synced after requeue", m.SyncState)
	}
}

func TestBackoffDelayBounds(t *testing.T) {
	base := 500 * time.Millisecond
	ceil := 30 * time.Second

	for attempt := 0; attempt < 8; attempt++ {
		ideal := float64(base) * pow2(attempt)
		if ideal > float64(ceil) {
			ideal = float64(ceil)
		}
		for i := 0; i < 50; i++ {
			d := backoffDelay(base, 2, attempt, ceil)
			if float64(d) < 0.5*ideal || float64(d) >= 1.5*ideal {
				t.Fatalf("attempt %d: delay %v outside ±50%% of %v", attempt, d, time.Duration(ideal))
			}
		}
	}
}

func pow2(n int) float64 {
	out := 1.0
	for i := 0; i < n; i++ {
		out *= 2
	}
	return out
}
