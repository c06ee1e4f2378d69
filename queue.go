package fieldsync

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
)

// ============================================================================
// SyncQueue
// ============================================================================

// ActionSender is the network call abstraction the queue replays actions
// through. *Client implements it. The action's ClientRef travels with each
// call so the server can deduplicate a replay that already landed.
type ActionSender interface {
	CheckIn(ctx context.Context, action QueuedAction) error
	AcknowledgeAlert(ctx context.Context, action QueuedAction) error
	RequestReport(ctx context.Context, action QueuedAction) error
	UpdateSettings(ctx context.Context, action QueuedAction) error
}

// SyncQueue guarantees that a mutating action attempted while disconnected
// is not lost, and is replayed exactly once under normal conditions
// (at-least-once under failure, never lost).
//
// Actions replay strictly in enqueue order. A failed replay leaves the
// action in place with its retry counter bumped; the next drain is triggered
// by the next online transition or an explicit Drain call. No backoff is
// applied within a single drain pass.
type SyncQueue struct {
	store  *Store
	sender ActionSender
	logger *log.Logger

	mu       sync.Mutex
	draining bool
	online   func() bool
}

// NewSyncQueue wires a queue to its store, sender, and connectivity monitor.
// An offline-to-online transition triggers exactly one drain. logger may be
// nil.
func NewSyncQueue(store *Store, sender ActionSender, monitor *ConnectivityMonitor, logger *log.Logger) *SyncQueue {
	if logger == nil {
		logger = discardLogger()
	}
	q := &SyncQueue{
		store:  store,
		sender: sender,
		logger: logger,
		online: monitor.Online,
	}
	monitor.Subscribe(func(online bool) {
		if online {
			go q.Drain(context.Background())
		}
	})
	return q
}

// Enqueue appends an action and returns its assigned key. It never fails
// due to connectivity, only when the store itself is unavailable.
func (q *SyncQueue) Enqueue(actionType ActionType, payload json.RawMessage) (int64, error) {
	return q.store.EnqueueAction(actionType, payload)
}

// PendingCount reports how many actions await replay.
func (q *SyncQueue) PendingCount() int {
	return q.store.Count(CollectionSyncQueue)
}

// Drain replays all pending actions in insertion order. It is a no-op while
// offline or while another drain is in flight (single-flight: a concurrent
// call returns immediately). Per-action failures are absorbed, leaving the
// action queued with retries incremented, and never abort the pass. The
// returned error is non-nil only when the queue itself cannot be read.
func (q *SyncQueue) Drain(ctx context.Context) error {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return nil
	}
	q.draining = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
	}()

	if !q.online() {
		return nil
	}

	actions, err := q.store.PendingActions()
	if err != nil {
		return err
	}

	for _, action := range actions {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := q.dispatch(ctx, action)
		if err == nil {
			if derr := q.store.DeleteAction(action.ID); derr != nil {
				q.logger.Printf("sync: deleting replayed action %d: %v", action.ID, derr)
			}
			continue
		}
		if errors.Is(err, ErrUnknownActionType) {
			// Never silently discard a user action: leave it queued for a
			// future client version that understands the type.
			q.logger.Printf("sync: action %d has unknown type %q, keeping", action.ID, action.Type)
			continue
		}
		q.logger.Printf("sync: replaying action %d (%s) failed: %v", action.ID, action.Type, err)
		if berr := q.store.BumpActionRetry(action.ID); berr != nil {
			q.logger.Printf("sync: bumping retries for action %d: %v", action.ID, berr)
		}
	}
	return nil
}

func (q *SyncQueue) dispatch(ctx context.Context, action QueuedAction) error {
	switch action.Type {
	case ActionCheckIn:
		return q.sender.CheckIn(ctx, action)
	case ActionAcknowledgeAlert:
		return q.sender.AcknowledgeAlert(ctx, action)
	case ActionRequestReport:
		return q.sender.RequestReport(ctx, action)
	case ActionUpdateSettings:
		return q.sender.UpdateSettings(ctx, action)
	default:
		return ErrUnknownActionType
	}
}
