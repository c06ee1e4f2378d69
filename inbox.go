package fieldsync

import (
	"context"
	"encoding/json"
	"log"
	"time"
)

// ============================================================================
// AlertInbox
// ============================================================================

// AlertInbox is the store-backed record of delivered alerts and their
// acknowledgment state, independent of how the alert arrived (network read
// or push delivery).
type AlertInbox struct {
	store  *Store
	queue  *SyncQueue
	logger *log.Logger
}

// NewAlertInbox wires an inbox to its store and sync queue. logger may be
// nil.
func NewAlertInbox(store *Store, queue *SyncQueue, logger *log.Logger) *AlertInbox {
	if logger == nil {
		logger = discardLogger()
	}
	return &AlertInbox{store: store, queue: queue, logger: logger}
}

// Record persists a delivered alert. The store assigns its key and stamps
// the delivery timestamp; the record starts unacknowledged.
func (in *AlertInbox) Record(payload json.RawMessage) (*AlertRecord, error) {
	return in.store.InsertAlert(payload)
}

// Acknowledge marks one alert acknowledged locally and queues the server
// acknowledgment for replay. The local mutation happens first so the UI
// reflects the ack even fully offline; the queued action carries it to the
// server when connectivity allows.
func (in *AlertInbox) Acknowledge(ctx context.Context, id int64) error {
	if err := in.store.AcknowledgeAlert(id); err != nil {
		return err
	}

	payload, err := json.Marshal(map[string]any{
		"alert_id":        id,
		"acknowledged_at": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	if _, err := in.queue.Enqueue(ActionAcknowledgeAlert, payload); err != nil {
		return err
	}
	go func() {
		if err := in.queue.Drain(context.Background()); err != nil {
			in.logger.Printf("inbox: drain after ack: %v", err)
		}
	}()
	return nil
}

// Unacknowledged returns pending alerts, newest first.
func (in *AlertInbox) Unacknowledged() ([]AlertRecord, error) {
	return in.store.UnacknowledgedAlerts()
}

// All returns delivered alerts, newest first, capped at limit (0 = no cap).
func (in *AlertInbox) All(limit int) ([]AlertRecord, error) {
	return in.store.Alerts(limit)
}
