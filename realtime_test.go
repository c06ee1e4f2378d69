package fieldsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Test Helpers
// ============================================================================

type fakeIngestor struct {
	mu      sync.Mutex
	events  []CachedEvent
	reports []CachedReport
}

func (f *fakeIngestor) IngestLiveEvent(ev CachedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeIngestor) IngestLiveReport(r CachedReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, r)
	return nil
}

func (f *fakeIngestor) eventCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func (f *fakeIngestor) reportCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reports)
}

type fakeRecorder struct {
	mu       sync.Mutex
	payloads []json.RawMessage
}

func (f *fakeRecorder) Record(payload json.RawMessage) (*AlertRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, append(json.RawMessage{}, payload...))
	return &AlertRecord{ID: int64(len(f.payloads))}, nil
}

func (f *fakeRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

// newPushServer runs handler once per websocket connection.
func newPushServer(t *testing.T, handler func(c *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		handler(c)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func sendEnvelope(c *websocket.Conn, env PushEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.Write(context.Background(), websocket.MessageText, data)
}

// readUntilClosed keeps the server side of a connection alive.
func readUntilClosed(c *websocket.Conn) {
	for {
		if _, _, err := c.Read(context.Background()); err != nil {
			return
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func fastChannelConfig() *ChannelConfig {
	return &ChannelConfig{
		MaxReconnectAttempts: 5,
		ReconnectBaseDelay:   5 * time.Millisecond,
		ReconnectMaxDelay:    50 * time.Millisecond,
		HeartbeatInterval:    time.Hour, // keep heartbeats out of these tests
	}
}

// ============================================================================
// Reconnector
// ============================================================================

func TestReconnector_DelaysMonotonicAndCapped(t *testing.T) {
	cfg := &ChannelConfig{
		ReconnectBaseDelay:   100 * time.Millisecond,
		ReconnectMaxDelay:    time.Second,
		MaxReconnectAttempts: 8,
	}
	r := newReconnector(cfg)

	var prev time.Duration
	attempts := 0
	for r.shouldReconnect() {
		d := r.nextDelay()
		if d < cfg.ReconnectBaseDelay {
			t.Errorf("attempt %d: delay %s below base %s", attempts, d, cfg.ReconnectBaseDelay)
		}
		if d < prev {
			t.Errorf("attempt %d: delay %s decreased from %s", attempts, d, prev)
		}
		if d > cfg.ReconnectMaxDelay {
			t.Errorf("attempt %d: delay %s exceeds cap %s", attempts, d, cfg.ReconnectMaxDelay)
		}
		prev = d
		attempts++
	}
	if attempts != cfg.MaxReconnectAttempts {
		t.Fatalf("got %d attempts before exhaustion, want %d", attempts, cfg.MaxReconnectAttempts)
	}
	if prev != cfg.ReconnectMaxDelay {
		t.Errorf("final delay %s, want the cap %s", prev, cfg.ReconnectMaxDelay)
	}

	r.reset()
	if !r.shouldReconnect() {
		t.Error("reset must re-arm the reconnector")
	}
	r.exhaust()
	if r.shouldReconnect() {
		t.Error("exhaust must suppress further reconnects")
	}
}

// ============================================================================
// Connection lifecycle
// ============================================================================

func TestRealtimeChannel_ConnectRecordsAck(t *testing.T) {
	srv := newPushServer(t, func(c *websocket.Conn) {
		sendEnvelope(c, PushEnvelope{Type: MsgConnectionAck, ClientID: "client-7"})
		readUntilClosed(c)
	})

	rc := NewRealtimeChannel(wsURL(srv), &fakeIngestor{}, &fakeRecorder{}, fastChannelConfig())
	defer rc.Disconnect()

	if err := rc.Connect(context.Background()); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	if got := rc.State(); got != StateConnected {
		t.Fatalf("state = %s, want %s", got, StateConnected)
	}

	waitFor(t, "client ID from ack", func() bool { return rc.ClientID() == "client-7" })
	if rc.LastHeartbeat().IsZero() {
		t.Error("ack must stamp liveness")
	}

	// Connecting again while connected is a no-op.
	if err := rc.Connect(context.Background()); err != nil {
		t.Errorf("repeat Connect returned error: %v", err)
	}
}

func TestRealtimeChannel_ConnectFailureLeavesDisconnected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusForbidden)
	}))
	defer srv.Close()

	rc := NewRealtimeChannel(wsURL(srv), &fakeIngestor{}, &fakeRecorder{}, fastChannelConfig())
	err := rc.Connect(context.Background())
	var ce *ChannelError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *ChannelError, got %T: %v", err, err)
	}
	if got := rc.State(); got != StateDisconnected {
		t.Errorf("state after failed dial = %s, want %s", got, StateDisconnected)
	}
}

func TestRealtimeChannel_DisconnectIsTerminal(t *testing.T) {
	srv := newPushServer(t, func(c *websocket.Conn) {
		sendEnvelope(c, PushEnvelope{Type: MsgConnectionAck, ClientID: "client-1"})
		readUntilClosed(c)
	})

	rc := NewRealtimeChannel(wsURL(srv), &fakeIngestor{}, &fakeRecorder{}, fastChannelConfig())
	if err := rc.Connect(context.Background()); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	if err := rc.Disconnect(); err != nil {
		t.Fatalf("Disconnect returned error: %v", err)
	}

	if got := rc.State(); got != StateDisconnected {
		t.Errorf("state = %s, want %s", got, StateDisconnected)
	}
	if err := rc.Connect(context.Background()); !errors.Is(err, ErrChannelClosed) {
		t.Errorf("Connect after Disconnect = %v, want ErrChannelClosed", err)
	}
	if err := rc.Ping(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Ping after Disconnect = %v, want ErrNotConnected", err)
	}

	// No reconnect may fire after a deliberate disconnect.
	time.Sleep(50 * time.Millisecond)
	if got := rc.State(); got != StateDisconnected {
		t.Errorf("state settled at %s, want %s", got, StateDisconnected)
	}
}

// ============================================================================
// Dispatch
// ============================================================================

func TestRealtimeChannel_DispatchesPushMessages(t *testing.T) {
	eventData, _ := json.Marshal(CachedEvent{
		ID: "ev-live", Region: "europe", Category: "security", ThreatLevel: "high",
	})
	reportData, _ := json.Marshal(CachedReport{
		ID: "rep-live", Region: "europe", ReportType: "flash",
	})

	srv := newPushServer(t, func(c *websocket.Conn) {
		sendEnvelope(c, PushEnvelope{Type: MsgConnectionAck, ClientID: "client-1"})
		// Malformed and unknown frames must be dropped without killing
		// the connection.
		c.Write(context.Background(), websocket.MessageText, []byte("not json"))
		sendEnvelope(c, PushEnvelope{Type: "mystery:frame"})
		sendEnvelope(c, PushEnvelope{Type: MsgEventNew, Data: eventData})
		sendEnvelope(c, PushEnvelope{Type: MsgEventUpdate, Data: eventData})
		sendEnvelope(c, PushEnvelope{Type: MsgAlertTriggered, Data: json.RawMessage(`{"severity":"critical"}`)})
		sendEnvelope(c, PushEnvelope{Type: MsgReportGenerated, Data: reportData})
		readUntilClosed(c)
	})

	ingestor := &fakeIngestor{}
	recorder := &fakeRecorder{}
	rc := NewRealtimeChannel(wsURL(srv), ingestor, recorder, fastChannelConfig())
	defer rc.Disconnect()

	if err := rc.Connect(context.Background()); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}

	waitFor(t, "two event ingests", func() bool { return ingestor.eventCount() == 2 })
	waitFor(t, "alert record", func() bool { return recorder.count() == 1 })
	waitFor(t, "report ingest", func() bool { return ingestor.reportCount() == 1 })

	if got := rc.State(); got != StateConnected {
		t.Errorf("state after malformed frames = %s, want %s", got, StateConnected)
	}
	ingestor.mu.Lock()
	if ingestor.events[0].ID != "ev-live" {
		t.Errorf("ingested event ID = %s, want ev-live", ingestor.events[0].ID)
	}
	ingestor.mu.Unlock()
}

// ============================================================================
// Subscriptions and reconnect
// ============================================================================

func TestRealtimeChannel_ResubscribesAfterReconnect(t *testing.T) {
	type received struct {
		conn int32
		cmd  PushCommand
	}
	cmds := make(chan received, 16)
	var connCount int32

	srv := newPushServer(t, func(c *websocket.Conn) {
		n := atomic.AddInt32(&connCount, 1)
		sendEnvelope(c, PushEnvelope{Type: MsgConnectionAck, ClientID: fmt.Sprintf("client-%d", n)})
		for {
			_, data, err := c.Read(context.Background())
			if err != nil {
				return
			}
			var cmd PushCommand
			if json.Unmarshal(data, &cmd) == nil {
				cmds <- received{conn: n, cmd: cmd}
			}
			if n == 1 && cmd.Type == CmdSubscribe {
				// Drop the first connection to force a reconnect.
				c.Close(websocket.StatusGoingAway, "restart")
				return
			}
		}
	})

	rc := NewRealtimeChannel(wsURL(srv), &fakeIngestor{}, &fakeRecorder{}, fastChannelConfig())
	defer rc.Disconnect()

	if err := rc.Connect(context.Background()); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	waitFor(t, "first ack", func() bool { return rc.ClientID() == "client-1" })

	filter := SubscriptionFilter{Regions: []string{"europe"}, MinThreatLevel: "high"}
	if err := rc.Subscribe(context.Background(), filter); err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}

	// First connection sees the explicit subscribe, then drops.
	first := <-cmds
	if first.conn != 1 || first.cmd.Type != CmdSubscribe {
		t.Fatalf("unexpected first command: %+v", first)
	}

	// The channel reconnects on its own and re-asserts the filter without
	// another Subscribe call.
	waitFor(t, "reconnected session", func() bool { return rc.ClientID() == "client-2" })

	select {
	case second := <-cmds:
		if second.conn != 2 || second.cmd.Type != CmdSubscribe {
			t.Fatalf("unexpected command after reconnect: %+v", second)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("subscription was not re-sent after reconnect")
	}
}

func TestRealtimeChannel_SubscribeWhileDisconnectedIsRemembered(t *testing.T) {
	cmds := make(chan PushCommand, 4)
	srv := newPushServer(t, func(c *websocket.Conn) {
		sendEnvelope(c, PushEnvelope{Type: MsgConnectionAck, ClientID: "client-1"})
		for {
			_, data, err := c.Read(context.Background())
			if err != nil {
				return
			}
			var cmd PushCommand
			if json.Unmarshal(data, &cmd) == nil {
				cmds <- cmd
			}
		}
	})

	rc := NewRealtimeChannel(wsURL(srv), &fakeIngestor{}, &fakeRecorder{}, fastChannelConfig())
	defer rc.Disconnect()

	err := rc.Subscribe(context.Background(), SubscriptionFilter{Regions: []string{"africa"}})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Subscribe while disconnected = %v, want ErrNotConnected", err)
	}

	if err := rc.Connect(context.Background()); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}

	// The remembered filter goes out as soon as the ack arrives.
	select {
	case cmd := <-cmds:
		if cmd.Type != CmdSubscribe {
			t.Fatalf("first command = %s, want %s", cmd.Type, CmdSubscribe)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("remembered subscription never sent")
	}
}

func TestRealtimeChannel_ExhaustedReconnectSettlesInError(t *testing.T) {
	srv := newPushServer(t, func(c *websocket.Conn) {
		sendEnvelope(c, PushEnvelope{Type: MsgConnectionAck, ClientID: "client-1"})
		readUntilClosed(c)
	})

	cfg := fastChannelConfig()
	cfg.MaxReconnectAttempts = 2
	rc := NewRealtimeChannel(wsURL(srv), &fakeIngestor{}, &fakeRecorder{}, cfg)
	defer rc.Disconnect()

	var mu sync.Mutex
	var states []ConnectionState
	rc.OnStateChange(func(s ConnectionState) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	if err := rc.Connect(context.Background()); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	waitFor(t, "ack", func() bool { return rc.ClientID() == "client-1" })

	// Take the server away for good; every reconnect attempt must fail.
	srv.Close()

	waitFor(t, "terminal error state", func() bool { return rc.State() == StateError })

	mu.Lock()
	defer mu.Unlock()
	sawReconnecting := false
	for _, s := range states {
		if s == StateReconnecting {
			sawReconnecting = true
		}
	}
	if !sawReconnecting {
		t.Errorf("never observed %s before settling in %s: %v", StateReconnecting, StateError, states)
	}
}
