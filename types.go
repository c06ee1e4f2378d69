package fieldsync

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error body returned by the intel API.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// ============================================================================
// Cached Records
// ============================================================================

// CachedEvent is a timestamped intelligence record cached locally for
// offline access. At most one record exists per ID; a later put with the
// same ID silently supersedes the earlier one.
type CachedEvent struct {
	ID          string          `json:"id"`
	Region      string          `json:"region"`
	Category    string          `json:"category"`
	ThreatLevel string          `json:"threat_level"`
	FetchedAt   time.Time       `json:"fetched_at"`
	Payload     json.RawMessage `json:"payload,omitempty"`

	// CachedAt is stamped by the store on every put.
	CachedAt time.Time `json:"cached_at,omitempty"`
}

// CachedReport is a generated analyst report cached locally.
type CachedReport struct {
	ID          string          `json:"id"`
	Region      string          `json:"region"`
	ReportType  string          `json:"report_type"`
	GeneratedAt time.Time       `json:"generated_at"`
	Payload     json.RawMessage `json:"payload,omitempty"`

	CachedAt time.Time `json:"cached_at,omitempty"`
}

// AlertRecord is a delivered alert and its acknowledgment state. Records are
// created on delivery (network or push), acknowledged at most once, and never
// deleted automatically.
type AlertRecord struct {
	ID             int64           `json:"id"`
	Payload        json.RawMessage `json:"payload"`
	Timestamp      time.Time       `json:"timestamp"`
	Acknowledged   bool            `json:"acknowledged"`
	AcknowledgedAt *time.Time      `json:"acknowledged_at,omitempty"`
}

// ActionType identifies the kind of a queued offline action.
type ActionType string

const (
	ActionCheckIn          ActionType = "check_in"
	ActionAcknowledgeAlert ActionType = "acknowledge_alert"
	ActionRequestReport    ActionType = "request_report"
	ActionUpdateSettings   ActionType = "update_settings"
)

// QueuedAction is a mutation recorded while disconnected (or after a failed
// write), replayed in enqueue order once connectivity resumes. It is deleted
// only after its replay succeeds.
type QueuedAction struct {
	ID        int64           `json:"id"`
	ClientRef string          `json:"client_ref"`
	Type      ActionType      `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	Retries   int             `json:"retries"`
}

// Setting is a small persisted scalar (last check-in time, language, ...),
// overwritten in place.
type Setting struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ============================================================================
// Read Results
// ============================================================================

// ResultSource tells the caller where a read was served from.
type ResultSource string

const (
	SourceNetwork ResultSource = "network"
	SourceCache   ResultSource = "cache"
	SourceNone    ResultSource = "none"
)

// EventsResult is the outcome of a CacheManager event read.
type EventsResult struct {
	Events []CachedEvent `json:"events"`
	Source ResultSource  `json:"source"`
}

// ReportsResult is the outcome of a CacheManager report read.
type ReportsResult struct {
	Reports []CachedReport `json:"reports"`
	Source  ResultSource   `json:"source"`
}

// EventFilter narrows a local event read. Zero fields match everything.
type EventFilter struct {
	Region      string
	Category    string
	ThreatLevel string
	// Contains is a substring match against the enrichment payload.
	Contains string
	// Limit caps the result; 0 means no cap.
	Limit int
}

// ============================================================================
// Push Channel Wire Format
// ============================================================================

// Push message types delivered over the realtime channel.
const (
	MsgConnectionAck   = "connection:ack"
	MsgEventNew        = "event:new"
	MsgEventUpdate     = "event:update"
	MsgAlertTriggered  = "alert:triggered"
	MsgReportGenerated = "report:generated"
	MsgHeartbeat       = "heartbeat"
	MsgError           = "error"
)

// Outbound control message types.
const (
	CmdSubscribe   = "subscribe"
	CmdUnsubscribe = "unsubscribe"
	CmdPing        = "ping"
)

// PushEnvelope is the wire format for inbound push messages.
type PushEnvelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	ClientID  string          `json:"client_id,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// PushCommand is a client-to-server control message.
type PushCommand struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// SubscriptionFilter narrows which push messages the server delivers.
type SubscriptionFilter struct {
	Regions        []string `json:"regions,omitempty"`
	Categories     []string `json:"categories,omitempty"`
	MinThreatLevel string   `json:"min_threat_level,omitempty"`
}

// ============================================================================
// API Response Envelopes
// ============================================================================

type eventsResponse struct {
	Events []CachedEvent `json:"events"`
	Error  *APIError     `json:"error,omitempty"`
}

type reportsResponse struct {
	Reports []CachedReport `json:"reports"`
	Error   *APIError      `json:"error,omitempty"`
}
