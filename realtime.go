package fieldsync

import (
	"context"
	"encoding/json"
	"log"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Connection State
// ============================================================================

// ConnectionState is the push channel's lifecycle state. It is owned
// exclusively by RealtimeChannel; other components only observe it.
type ConnectionState string

const (
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateReconnecting ConnectionState = "reconnecting"
	StateError        ConnectionState = "error"
)

// ============================================================================
// Configuration
// ============================================================================

// ChannelConfig configures the push channel. The reconnect ceiling and
// delays are configuration, not behavior: deployments tune them per link
// quality.
type ChannelConfig struct {
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	HTTPClient           *http.Client
	Logger               *log.Logger
}

func (c *ChannelConfig) defaults() {
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = discardLogger()
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
}

func newReconnector(cfg *ChannelConfig) *reconnector {
	return &reconnector{
		baseDelay:   cfg.ReconnectBaseDelay,
		maxDelay:    cfg.ReconnectMaxDelay,
		maxAttempts: cfg.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.attempt < r.maxAttempts
}

// nextDelay grows exponentially with the attempt count, with jitter bounded
// by half the base delay, capped at maxDelay. Successive delays are
// monotonically non-decreasing.
func (r *reconnector) nextDelay() time.Duration {
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
}

// exhaust forces the attempt counter past the ceiling, suppressing any
// further auto-reconnect.
func (r *reconnector) exhaust() {
	r.attempt = r.maxAttempts
}

// ============================================================================
// RealtimeChannel
// ============================================================================

// LiveIngestor receives push-delivered events and reports.
// *CacheManager implements it.
type LiveIngestor interface {
	IngestLiveEvent(ev CachedEvent) error
	IngestLiveReport(r CachedReport) error
}

// AlertRecorder receives push-delivered alerts. *AlertInbox implements it.
type AlertRecorder interface {
	Record(payload json.RawMessage) (*AlertRecord, error)
}

// RealtimeChannel manages one persistent push connection: lifecycle,
// heartbeat liveness, reconnection with bounded backoff, subscription
// re-assertion, and typed dispatch into the cache and the alert inbox.
//
// Transport failures never reach subscribers as errors; they are absorbed
// into state transitions observable through OnStateChange.
type RealtimeChannel struct {
	url    string
	cfg    *ChannelConfig
	cache  LiveIngestor
	inbox  AlertRecorder
	logger *log.Logger

	mu             sync.Mutex
	state          ConnectionState
	conn           *websocket.Conn
	clientID       string
	filter         *SubscriptionFilter
	recon          *reconnector
	cancelFn       context.CancelFunc
	reconnectTimer *time.Timer
	lastHeartbeat  time.Time
	closed         bool
	stateSubs      []func(ConnectionState)
}

// NewRealtimeChannel creates a channel for the push endpoint at url.
// cfg may be nil for defaults.
func NewRealtimeChannel(url string, cache LiveIngestor, inbox AlertRecorder, cfg *ChannelConfig) *RealtimeChannel {
	var c ChannelConfig
	if cfg != nil {
		c = *cfg
	}
	c.defaults()
	return &RealtimeChannel{
		url:    url,
		cfg:    &c,
		cache:  cache,
		inbox:  inbox,
		logger: c.Logger,
		state:  StateDisconnected,
		recon:  newReconnector(&c),
	}
}

// State returns the current connection state.
func (rc *RealtimeChannel) State() ConnectionState {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.state
}

// ClientID returns the session identifier from the last connection ack.
func (rc *RealtimeChannel) ClientID() string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.clientID
}

// LastHeartbeat returns when the server last confirmed liveness.
func (rc *RealtimeChannel) LastHeartbeat() time.Time {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.lastHeartbeat
}

// OnStateChange registers a state observer, called synchronously on every
// transition.
func (rc *RealtimeChannel) OnStateChange(fn func(ConnectionState)) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.stateSubs = append(rc.stateSubs, fn)
}

func (rc *RealtimeChannel) setState(s ConnectionState) {
	rc.mu.Lock()
	if rc.state == s {
		rc.mu.Unlock()
		return
	}
	rc.state = s
	subs := append([]func(ConnectionState){}, rc.stateSubs...)
	rc.mu.Unlock()

	for _, fn := range subs {
		fn(s)
	}
}

// Connect establishes the push connection. On success the channel reaches
// StateConnected and starts its read and heartbeat loops; the server's
// connection ack then records the session ID and re-applies any remembered
// subscription filter. Returns ErrChannelClosed after Disconnect.
func (rc *RealtimeChannel) Connect(ctx context.Context) error {
	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		return ErrChannelClosed
	}
	if rc.state == StateConnected || rc.state == StateConnecting {
		rc.mu.Unlock()
		return nil
	}
	rc.mu.Unlock()

	rc.setState(StateConnecting)

	conn, _, err := websocket.Dial(ctx, rc.url, &websocket.DialOptions{
		HTTPClient: rc.cfg.HTTPClient,
	})
	if err != nil {
		rc.setState(StateDisconnected)
		return &ChannelError{Op: "dial", Err: err}
	}

	connCtx, cancel := context.WithCancel(context.Background())
	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return ErrChannelClosed
	}
	rc.conn = conn
	rc.cancelFn = cancel
	rc.recon.reset()
	rc.mu.Unlock()

	rc.setState(StateConnected)

	go rc.readLoop(connCtx, conn)
	go rc.heartbeatLoop(connCtx)

	return nil
}

// Disconnect is terminal for the instance: it cancels any pending reconnect
// timer, closes the active connection, forces the attempt counter past the
// ceiling, and settles in StateDisconnected. No auto-reconnect occurs
// afterwards, even if the transport later fires a close event.
func (rc *RealtimeChannel) Disconnect() error {
	rc.mu.Lock()
	rc.closed = true
	if rc.reconnectTimer != nil {
		rc.reconnectTimer.Stop()
		rc.reconnectTimer = nil
	}
	if rc.cancelFn != nil {
		rc.cancelFn()
		rc.cancelFn = nil
	}
	conn := rc.conn
	rc.conn = nil
	rc.recon.exhaust()
	rc.mu.Unlock()

	rc.setState(StateDisconnected)

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Subscribe remembers the filter and, when connected, sends the subscribe
// control message. The remembered filter is automatically re-sent after
// every successful (re)connection, so a transient disconnect never silently
// drops a subscription. Returns ErrNotConnected without blocking when the
// connection is not open; the filter is still remembered.
func (rc *RealtimeChannel) Subscribe(ctx context.Context, filter SubscriptionFilter) error {
	rc.mu.Lock()
	rc.filter = &filter
	rc.mu.Unlock()
	return rc.send(ctx, &PushCommand{Type: CmdSubscribe, Data: filter})
}

// Unsubscribe clears the remembered filter and, when connected, sends the
// unsubscribe control message.
func (rc *RealtimeChannel) Unsubscribe(ctx context.Context) error {
	rc.mu.Lock()
	rc.filter = nil
	rc.mu.Unlock()
	return rc.send(ctx, &PushCommand{Type: CmdUnsubscribe})
}

// Ping sends a best-effort liveness probe; a no-op failure when not
// connected.
func (rc *RealtimeChannel) Ping(ctx context.Context) error {
	return rc.send(ctx, &PushCommand{Type: CmdPing})
}

// send writes a control message. It never blocks waiting for a connection:
// when the connection is not open it fails immediately with
// ErrNotConnected.
func (rc *RealtimeChannel) send(ctx context.Context, cmd *PushCommand) error {
	rc.mu.Lock()
	conn := rc.conn
	rc.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return &ChannelError{Op: "send " + cmd.Type, Err: err}
	}
	return nil
}

// ============================================================================
// Loops
// ============================================================================

func (rc *RealtimeChannel) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			rc.handleConnectionLoss(err)
			return
		}

		var env PushEnvelope
		if jerr := json.Unmarshal(data, &env); jerr != nil {
			rc.logger.Printf("channel: dropping malformed frame: %v", jerr)
			continue
		}
		// Messages dispatch inline, in the order received from the
		// transport: no reordering, no coalescing.
		rc.dispatch(ctx, env)
	}
}

func (rc *RealtimeChannel) dispatch(ctx context.Context, env PushEnvelope) {
	switch env.Type {
	case MsgConnectionAck:
		rc.handleAck(ctx, env)

	case MsgHeartbeat:
		rc.mu.Lock()
		rc.lastHeartbeat = time.Now()
		rc.mu.Unlock()

	case MsgEventNew, MsgEventUpdate:
		var ev CachedEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil || ev.ID == "" {
			rc.logger.Printf("channel: dropping malformed %s payload", env.Type)
			return
		}
		if err := rc.cache.IngestLiveEvent(ev); err != nil {
			rc.logger.Printf("channel: ingesting live event %s: %v", ev.ID, err)
		}

	case MsgAlertTriggered:
		if len(env.Data) == 0 {
			rc.logger.Printf("channel: dropping empty alert payload")
			return
		}
		if _, err := rc.inbox.Record(env.Data); err != nil {
			rc.logger.Printf("channel: recording alert: %v", err)
		}

	case MsgReportGenerated:
		var r CachedReport
		if err := json.Unmarshal(env.Data, &r); err != nil || r.ID == "" {
			rc.logger.Printf("channel: dropping malformed report payload")
			return
		}
		if err := rc.cache.IngestLiveReport(r); err != nil {
			rc.logger.Printf("channel: ingesting live report %s: %v", r.ID, err)
		}

	case MsgError:
		rc.logger.Printf("channel: server error: %s", string(env.Data))

	default:
		rc.logger.Printf("channel: dropping message of unknown type %q", env.Type)
	}
}

func (rc *RealtimeChannel) handleAck(ctx context.Context, env PushEnvelope) {
	clientID := env.ClientID
	if clientID == "" && len(env.Data) > 0 {
		var ack struct {
			ClientID string `json:"client_id"`
		}
		if json.Unmarshal(env.Data, &ack) == nil {
			clientID = ack.ClientID
		}
	}

	rc.mu.Lock()
	rc.clientID = clientID
	rc.lastHeartbeat = time.Now()
	filter := rc.filter
	rc.mu.Unlock()

	// Re-assert the outstanding subscription immediately so a transient
	// disconnect never drops it.
	if filter != nil {
		if err := rc.send(ctx, &PushCommand{Type: CmdSubscribe, Data: *filter}); err != nil {
			rc.logger.Printf("channel: re-subscribing: %v", err)
		}
	}
}

func (rc *RealtimeChannel) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(rc.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if rc.State() != StateConnected {
				return
			}
			if err := rc.Ping(ctx); err != nil {
				rc.mu.Lock()
				conn := rc.conn
				rc.mu.Unlock()
				if conn != nil {
					// Force the read loop to observe the loss.
					conn.Close(websocket.StatusGoingAway, "heartbeat failed")
				}
				return
			}
		}
	}
}

// ============================================================================
// Reconnect machinery
// ============================================================================

func (rc *RealtimeChannel) handleConnectionLoss(cause error) {
	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		return
	}
	rc.conn = nil
	if rc.cancelFn != nil {
		rc.cancelFn()
		rc.cancelFn = nil
	}
	shouldRetry := rc.recon.shouldReconnect()
	rc.mu.Unlock()

	rc.logger.Printf("channel: connection lost: %v", cause)
	rc.setState(StateDisconnected)

	if shouldRetry {
		rc.scheduleReconnect()
	} else {
		rc.setState(StateError)
	}
}

func (rc *RealtimeChannel) scheduleReconnect() {
	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		return
	}
	delay := rc.recon.nextDelay()
	attempt := rc.recon.attempt
	rc.mu.Unlock()

	rc.setState(StateReconnecting)
	rc.logger.Printf("channel: reconnect attempt %d in %s", attempt, delay)

	timer := time.AfterFunc(delay, func() {
		rc.mu.Lock()
		if rc.closed {
			rc.mu.Unlock()
			return
		}
		rc.reconnectTimer = nil
		// Connect's early-return guard checks for these states.
		if rc.state == StateReconnecting {
			rc.state = StateDisconnected
		}
		rc.mu.Unlock()

		err := rc.Connect(context.Background())
		if err == nil {
			return
		}
		rc.mu.Lock()
		shouldRetry := !rc.closed && rc.recon.shouldReconnect()
		rc.mu.Unlock()
		if shouldRetry {
			rc.scheduleReconnect()
		} else {
			rc.setState(StateError)
		}
	})

	rc.mu.Lock()
	if rc.closed {
		timer.Stop()
	} else {
		rc.reconnectTimer = timer
	}
	rc.mu.Unlock()
}
