package fieldsync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

// fakeSender records replayed actions and fails on demand.
type fakeSender struct {
	mu      sync.Mutex
	sent    []QueuedAction
	failFor map[ActionType]error
	started chan struct{} // when set, signalled as a call enters
	block   chan struct{} // when set, every call waits until closed
}

func (f *fakeSender) send(action QueuedAction) error {
	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failFor[action.Type]; err != nil {
		return err
	}
	f.sent = append(f.sent, action)
	return nil
}

func (f *fakeSender) CheckIn(ctx context.Context, a QueuedAction) error          { return f.send(a) }
func (f *fakeSender) AcknowledgeAlert(ctx context.Context, a QueuedAction) error { return f.send(a) }
func (f *fakeSender) RequestReport(ctx context.Context, a QueuedAction) error    { return f.send(a) }
func (f *fakeSender) UpdateSettings(ctx context.Context, a QueuedAction) error   { return f.send(a) }

func (f *fakeSender) sentActions() []QueuedAction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]QueuedAction{}, f.sent...)
}

func newTestQueue(t *testing.T) (*SyncQueue, *Store, *ConnectivityMonitor, *fakeSender) {
	t.Helper()
	store := newTestStore(t)
	monitor := NewConnectivityMonitor(nil)
	sender := &fakeSender{failFor: map[ActionType]error{}}
	queue := NewSyncQueue(store, sender, monitor, nil)
	return queue, store, monitor, sender
}

// ============================================================================
// Drain
// ============================================================================

func TestSyncQueue_DrainReplaysInOrderAndDeletes(t *testing.T) {
	queue, store, _, sender := newTestQueue(t)

	if _, err := queue.Enqueue(ActionCheckIn, json.RawMessage(`{"n":1}`)); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}
	if _, err := queue.Enqueue(ActionRequestReport, json.RawMessage(`{"n":2}`)); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}
	if _, err := queue.Enqueue(ActionUpdateSettings, json.RawMessage(`{"n":3}`)); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}

	if err := queue.Drain(context.Background()); err != nil {
		t.Fatalf("Drain returned error: %v", err)
	}

	sent := sender.sentActions()
	if len(sent) != 3 {
		t.Fatalf("replayed %d actions, want 3", len(sent))
	}
	wantOrder := []ActionType{ActionCheckIn, ActionRequestReport, ActionUpdateSettings}
	for i, a := range sent {
		if a.Type != wantOrder[i] {
			t.Errorf("position %d: replayed %s, want %s", i, a.Type, wantOrder[i])
		}
		if a.ClientRef == "" {
			t.Errorf("position %d: replayed action without client ref", i)
		}
	}
	if got := queue.PendingCount(); got != 0 {
		t.Errorf("pending after drain = %d, want 0", got)
	}
	if got := store.Count(CollectionSyncQueue); got != 0 {
		t.Errorf("stored actions after drain = %d, want 0", got)
	}
}

func TestSyncQueue_DrainOfflineIsNoop(t *testing.T) {
	queue, _, monitor, sender := newTestQueue(t)
	monitor.SetOnline(false)

	if _, err := queue.Enqueue(ActionCheckIn, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}
	if err := queue.Drain(context.Background()); err != nil {
		t.Fatalf("Drain returned error: %v", err)
	}
	if len(sender.sentActions()) != 0 {
		t.Error("offline drain must not replay actions")
	}
	if got := queue.PendingCount(); got != 1 {
		t.Errorf("pending after offline drain = %d, want 1", got)
	}
}

func TestSyncQueue_FailedReplayStaysQueuedWithRetryBumped(t *testing.T) {
	queue, store, _, sender := newTestQueue(t)
	sender.failFor[ActionCheckIn] = errors.New("server rejected")

	if _, err := queue.Enqueue(ActionCheckIn, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}
	if _, err := queue.Enqueue(ActionRequestReport, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}

	if err := queue.Drain(context.Background()); err != nil {
		t.Fatalf("Drain returned error: %v", err)
	}

	// The failure did not abort the pass: the second action replayed.
	sent := sender.sentActions()
	if len(sent) != 1 || sent[0].Type != ActionRequestReport {
		t.Fatalf("expected only request_report to replay, got %+v", sent)
	}

	actions, err := store.PendingActions()
	if err != nil {
		t.Fatalf("PendingActions returned error: %v", err)
	}
	if len(actions) != 1 || actions[0].Type != ActionCheckIn {
		t.Fatalf("expected the failed action to remain, got %+v", actions)
	}
	if actions[0].Retries != 1 {
		t.Errorf("retries = %d, want exactly 1 after one failed pass", actions[0].Retries)
	}
}

func TestSyncQueue_UnknownActionTypeRetainedWithoutRetryBump(t *testing.T) {
	queue, store, _, _ := newTestQueue(t)

	if _, err := store.EnqueueAction(ActionType("future_thing"), []byte(`{}`)); err != nil {
		t.Fatalf("EnqueueAction returned error: %v", err)
	}
	if err := queue.Drain(context.Background()); err != nil {
		t.Fatalf("Drain returned error: %v", err)
	}

	actions, err := store.PendingActions()
	if err != nil {
		t.Fatalf("PendingActions returned error: %v", err)
	}
	if len(actions) != 1 {
		t.Fatalf("unknown-type action was dropped, want it retained")
	}
	if actions[0].Retries != 0 {
		t.Errorf("retries = %d, want 0 for an unknown type", actions[0].Retries)
	}
}

func TestSyncQueue_DrainIsSingleFlight(t *testing.T) {
	queue, _, _, sender := newTestQueue(t)
	sender.started = make(chan struct{}, 1)
	sender.block = make(chan struct{})

	if _, err := queue.Enqueue(ActionCheckIn, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- queue.Drain(context.Background()) }()

	// Wait until the first drain is inside the sender, then race a second.
	select {
	case <-sender.started:
	case <-time.After(2 * time.Second):
		t.Fatal("first drain never reached the sender")
	}

	if err := queue.Drain(context.Background()); err != nil {
		t.Fatalf("concurrent Drain returned error: %v", err)
	}
	if len(sender.sentActions()) != 0 {
		t.Fatal("second drain replayed while first was in flight")
	}

	close(sender.block)
	if err := <-done; err != nil {
		t.Fatalf("first Drain returned error: %v", err)
	}
	if got := len(sender.sentActions()); got != 1 {
		t.Errorf("action replayed %d times, want exactly 1", got)
	}
}

func TestSyncQueue_OnlineTransitionTriggersDrain(t *testing.T) {
	queue, _, monitor, sender := newTestQueue(t)
	monitor.SetOnline(false)

	if _, err := queue.Enqueue(ActionCheckIn, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}

	monitor.SetOnline(true)

	deadline := time.After(2 * time.Second)
	for len(sender.sentActions()) != 1 {
		select {
		case <-deadline:
			t.Fatal("online transition did not trigger a drain")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	if got := queue.PendingCount(); got != 0 {
		t.Errorf("pending after transition drain = %d, want 0", got)
	}
}
