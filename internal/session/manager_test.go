package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"wabridge/internal/domain"
)

type fakeHandle struct {
	mu           sync.Mutex
	connected    bool
	loggedIn     bool
	phone        string
	disconnected bool
	sentTo       string
	sentBody     string
	sendErr      error
	blockVerify  chan struct{}

	events    chan Event
	closeOnce sync.Once
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{events: make(chan Event, 16)}
}

func (h *fakeHandle) Connect(ctx context.Context) error { return nil }
func (h *fakeHandle) Events() <-chan Event              { return h.events }

func (h *fakeHandle) Connected() bool {
	if h.blockVerify != nil {
		<-h.blockVerify
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connected
}

func (h *fakeHandle) LoggedIn() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loggedIn
}

func (h *fakeHandle) PhoneNumber() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.phone
}

func (h *fakeHandle) Send(ctx context.Context, to, body string) (domain.SendResult, error) {
	h.mu.Lock()
	h.sentTo, h.sentBody = to, body
	err := h.sendErr
	h.mu.Unlock()
	if err != nil {
		return domain.SendResult{}, err
	}
	return domain.SendResult{MessageID: "wamid.1", Timestamp: time.Now()}, nil
}

func (h *fakeHandle) Disconnect() {
	h.mu.Lock()
	h.disconnected = true
	h.mu.Unlock()
	h.closeOnce.Do(func() { close(h.events) })
}

func (h *fakeHandle) setOnline(phone string) {
	h.mu.Lock()
	h.connected, h.loggedIn, h.phone = true, true, phone
	h.mu.Unlock()
}

func (h *fakeHandle) setOffline() {
	h.mu.Lock()
	h.connected, h.loggedIn = false, false
	h.mu.Unlock()
}

func (h *fakeHandle) wasDisconnected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.disconnected
}

type fakeAdapter struct {
	mu      sync.Mutex
	dials   int
	failFor string
	handles []*fakeHandle
	stored  []string
}

func (a *fakeAdapter) Dial(ctx context.Context, id string) (Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dials++
	if a.failFor == id {
		return nil, errors.New("device store unavailable")
	}
	h := newFakeHandle()
	a.handles = append(a.handles, h)
	return h, nil
}

func (a *fakeAdapter) StoredIDs(ctx context.Context) ([]string, error) {
	return a.stored, nil
}

func (a *fakeAdapter) dialCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dials
}

func (a *fakeAdapter) handleAt(i int) *fakeHandle {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.handles[i]
}

type statusNote struct {
	id     string
	status domain.Status
	phone  string
}

type recordingNotifier struct {
	mu       sync.Mutex
	statuses []statusNote
	messages []domain.InboundMessage
}

func (n *recordingNotifier) NotifyStatus(id string, status domain.Status, phone string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statuses = append(n.statuses, statusNote{id, status, phone})
}

func (n *recordingNotifier) NotifyMessage(id, webhookURL string, msg domain.InboundMessage) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, msg)
}

func (n *recordingNotifier) all() []statusNote {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]statusNote(nil), n.statuses...)
}

func (n *recordingNotifier) sawStatus(status domain.Status) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, s := range n.statuses {
		if s.status == status {
			return true
		}
	}
	return false
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *fakeAdapter, *recordingNotifier) {
	t.Helper()
	adapter := &fakeAdapter{}
	notifier := &recordingNotifier{}
	reg := NewRegistry()
	return NewManager(reg, adapter, notifier, nil, cfg), adapter, notifier
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartPairingFlow(t *testing.T) {
	mgr, adapter, notifier := newTestManager(t, Config{})

	snap, err := mgr.Start(context.Background(), "conn-1", "https://example.com/hook")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if snap.Status != domain.StatusConnecting {
		t.Fatalf("status after start = %q, want connecting", snap.Status)
	}

	h := adapter.handleAt(0)
	h.events <- QREvent{Code: "2@abcdef"}
	waitFor(t, "qr_pending", func() bool {
		return mgr.Status("conn-1").Status == domain.StatusQRPending
	})
	if got := mgr.Status("conn-1").QR; got != "2@abcdef" {
		t.Fatalf("qr = %q, want 2@abcdef", got)
	}

	h.events <- AuthenticatedEvent{}
	waitFor(t, "connecting after auth", func() bool {
		s := mgr.Status("conn-1")
		return s.Status == domain.StatusConnecting && s.QR == ""
	})

	h.setOnline("15551234567")
	h.events <- ReadyEvent{Phone: "15551234567"}
	waitFor(t, "connected", func() bool {
		return mgr.Status("conn-1").Status == domain.StatusConnected
	})
	if got := mgr.Status("conn-1").Phone; got != "15551234567" {
		t.Fatalf("phone = %q, want 15551234567", got)
	}
	if !notifier.sawStatus(domain.StatusQRPending) || !notifier.sawStatus(domain.StatusConnected) {
		t.Fatalf("notifier missed status transitions: %+v", notifier.all())
	}
}

func TestStartIsIdempotentWhileActive(t *testing.T) {
	mgr, adapter, _ := newTestManager(t, Config{})

	if _, err := mgr.Start(context.Background(), "conn-1", ""); err != nil {
		t.Fatalf("first start: %v", err)
	}
	h := adapter.handleAt(0)
	h.setOnline("111")
	h.events <- ReadyEvent{Phone: "111"}
	waitFor(t, "connected", func() bool {
		return mgr.Status("conn-1").Status == domain.StatusConnected
	})

	snap, err := mgr.Start(context.Background(), "conn-1", "")
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if snap.Status != domain.StatusConnected {
		t.Fatalf("second start status = %q, want connected", snap.Status)
	}
	if adapter.dialCount() != 1 {
		t.Fatalf("dials = %d, want 1", adapter.dialCount())
	}
}

func TestConcurrentStartsShareOneHandle(t *testing.T) {
	mgr, adapter, _ := newTestManager(t, Config{})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := mgr.Start(context.Background(), "conn-1", ""); err != nil {
				t.Errorf("start: %v", err)
			}
		}()
	}
	wg.Wait()
	if adapter.dialCount() != 1 {
		t.Fatalf("dials = %d, want 1", adapter.dialCount())
	}
}

func TestStalledConnectIsReplaced(t *testing.T) {
	mgr, adapter, _ := newTestManager(t, Config{ConnectGrace: 30 * time.Millisecond})

	if _, err := mgr.Start(context.Background(), "conn-1", ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(60 * time.Millisecond)

	snap, err := mgr.Start(context.Background(), "conn-1", "")
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if snap.Status != domain.StatusConnecting {
		t.Fatalf("status = %q, want connecting", snap.Status)
	}
	if adapter.dialCount() != 2 {
		t.Fatalf("dials = %d, want 2", adapter.dialCount())
	}
	waitFor(t, "stalled handle torn down", adapter.handleAt(0).wasDisconnected)
}

func TestReconnectDialsFresh(t *testing.T) {
	mgr, adapter, _ := newTestManager(t, Config{})

	if _, err := mgr.Start(context.Background(), "conn-1", "https://example.com/hook"); err != nil {
		t.Fatalf("start: %v", err)
	}
	h := adapter.handleAt(0)
	h.setOnline("111")
	h.events <- ReadyEvent{Phone: "111"}
	waitFor(t, "connected", func() bool {
		return mgr.Status("conn-1").Status == domain.StatusConnected
	})

	if err := mgr.Reconnect(context.Background(), "conn-1", ""); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if adapter.dialCount() != 2 {
		t.Fatalf("dials = %d, want 2", adapter.dialCount())
	}
	snap := mgr.Status("conn-1")
	if snap.Status != domain.StatusConnecting {
		t.Fatalf("status = %q, want connecting", snap.Status)
	}
	if snap.WebhookURL != "https://example.com/hook" {
		t.Fatalf("webhook url lost across reconnect: %q", snap.WebhookURL)
	}
	waitFor(t, "old handle torn down", h.wasDisconnected)
}

func TestStaleHandleEventsAreDropped(t *testing.T) {
	mgr, adapter, _ := newTestManager(t, Config{})

	if _, err := mgr.Start(context.Background(), "conn-1", ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	old := adapter.handleAt(0)
	if err := mgr.Reconnect(context.Background(), "conn-1", ""); err != nil {
		t.Fatalf("reconnect: %v", err)
	}

	rec, ok := mgr.reg.Get("conn-1")
	if !ok {
		t.Fatal("record missing")
	}
	mgr.apply(rec, old, ReadyEvent{Phone: "999"})
	snap := mgr.Status("conn-1")
	if snap.Status == domain.StatusConnected || snap.Phone == "999" {
		t.Fatalf("stale event applied: %+v", snap)
	}
}

func TestDisconnectClearsState(t *testing.T) {
	mgr, adapter, notifier := newTestManager(t, Config{})

	if _, err := mgr.Start(context.Background(), "conn-1", ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	h := adapter.handleAt(0)
	h.setOnline("111")
	h.events <- ReadyEvent{Phone: "111"}
	waitFor(t, "connected", func() bool {
		return mgr.Status("conn-1").Status == domain.StatusConnected
	})

	mgr.Disconnect("conn-1")
	snap := mgr.Status("conn-1")
	if snap.Status != domain.StatusDisconnected || snap.Phone != "" || snap.QR != "" {
		t.Fatalf("after disconnect: %+v", snap)
	}
	waitFor(t, "handle torn down", h.wasDisconnected)
	if !notifier.sawStatus(domain.StatusDisconnected) {
		t.Fatal("disconnect not notified")
	}
}

func TestSendRequiresConnected(t *testing.T) {
	mgr, _, _ := newTestManager(t, Config{})
	if _, err := mgr.Send(context.Background(), "conn-1", "5511999998888", "hi"); !errors.Is(err, domain.ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestSendNormalizesDestination(t *testing.T) {
	mgr, adapter, _ := newTestManager(t, Config{})

	if _, err := mgr.Start(context.Background(), "conn-1", ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	h := adapter.handleAt(0)
	h.setOnline("111")
	h.events <- ReadyEvent{Phone: "111"}
	waitFor(t, "connected", func() bool {
		return mgr.Status("conn-1").Status == domain.StatusConnected
	})

	res, err := mgr.Send(context.Background(), "conn-1", "+55 (11) 99999-8888", "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.MessageID == "" {
		t.Fatal("empty message id")
	}
	h.mu.Lock()
	to := h.sentTo
	h.mu.Unlock()
	if to != "5511999998888@s.whatsapp.net" {
		t.Fatalf("destination = %q", to)
	}
}

func TestSendTimeoutKeepsSession(t *testing.T) {
	mgr, adapter, _ := newTestManager(t, Config{})

	if _, err := mgr.Start(context.Background(), "conn-1", ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	h := adapter.handleAt(0)
	h.setOnline("111")
	h.events <- ReadyEvent{Phone: "111"}
	waitFor(t, "connected", func() bool {
		return mgr.Status("conn-1").Status == domain.StatusConnected
	})

	h.mu.Lock()
	h.sendErr = fmt.Errorf("websocket write: %w", context.DeadlineExceeded)
	h.mu.Unlock()
	if _, err := mgr.Send(context.Background(), "conn-1", "111", "hi"); !errors.Is(err, domain.ErrSendTimeout) {
		t.Fatalf("err = %v, want ErrSendTimeout", err)
	}
	if got := mgr.Status("conn-1").Status; got != domain.StatusConnected {
		t.Fatalf("status after timeout = %q, want connected", got)
	}
}

func TestSendFatalErrorForcesDisconnect(t *testing.T) {
	mgr, adapter, notifier := newTestManager(t, Config{})

	if _, err := mgr.Start(context.Background(), "conn-1", ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	h := adapter.handleAt(0)
	h.setOnline("111")
	h.events <- ReadyEvent{Phone: "111"}
	waitFor(t, "connected", func() bool {
		return mgr.Status("conn-1").Status == domain.StatusConnected
	})

	h.mu.Lock()
	h.sendErr = errors.New("websocket: protocol error")
	h.mu.Unlock()
	if _, err := mgr.Send(context.Background(), "conn-1", "111", "hi"); err == nil {
		t.Fatal("want error")
	}
	if got := mgr.Status("conn-1").Status; got != domain.StatusDisconnected {
		t.Fatalf("status after fatal send = %q, want disconnected", got)
	}
	if !notifier.sawStatus(domain.StatusDisconnected) {
		t.Fatal("fatal send not notified")
	}
}

func TestStatusVerifiesLiveness(t *testing.T) {
	mgr, adapter, notifier := newTestManager(t, Config{})

	if _, err := mgr.Start(context.Background(), "conn-1", ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	h := adapter.handleAt(0)
	h.setOnline("111")
	h.events <- ReadyEvent{Phone: "111"}
	waitFor(t, "connected", func() bool {
		return mgr.Status("conn-1").Status == domain.StatusConnected
	})

	h.setOffline()
	snap := mgr.Status("conn-1")
	if snap.Status != domain.StatusDisconnected {
		t.Fatalf("status = %q, want disconnected", snap.Status)
	}
	if !notifier.sawStatus(domain.StatusDisconnected) {
		t.Fatal("forced disconnect not notified")
	}
}

func TestLivenessTimeoutCountsAsDead(t *testing.T) {
	mgr, adapter, _ := newTestManager(t, Config{LivenessTimeout: 30 * time.Millisecond})

	if _, err := mgr.Start(context.Background(), "conn-1", ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	h := adapter.handleAt(0)
	h.setOnline("111")
	h.events <- ReadyEvent{Phone: "111"}
	waitFor(t, "connected", func() bool {
		return mgr.Status("conn-1").Status == domain.StatusConnected
	})

	block := make(chan struct{})
	h.mu.Lock()
	h.blockVerify = block
	h.mu.Unlock()
	defer close(block)

	if got := mgr.Status("conn-1").Status; got != domain.StatusDisconnected {
		t.Fatalf("status = %q, want disconnected", got)
	}
}

func TestKeepAlive(t *testing.T) {
	mgr, adapter, _ := newTestManager(t, Config{})

	if _, _, ok := mgr.KeepAlive("conn-1"); ok {
		t.Fatal("keep-alive on fresh id should fail")
	}

	if _, err := mgr.Start(context.Background(), "conn-1", ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	h := adapter.handleAt(0)
	h.setOnline("111")
	h.events <- ReadyEvent{Phone: "111"}
	waitFor(t, "connected", func() bool {
		return mgr.Status("conn-1").Status == domain.StatusConnected
	})

	_, state, ok := mgr.KeepAlive("conn-1")
	if !ok || state != "CONNECTED" {
		t.Fatalf("keep-alive = %q/%v, want CONNECTED/true", state, ok)
	}

	h.setOffline()
	snap, state, ok := mgr.KeepAlive("conn-1")
	if ok || state != "DISCONNECTED" {
		t.Fatalf("keep-alive = %q/%v, want DISCONNECTED/false", state, ok)
	}
	if snap.Status != domain.StatusDisconnected {
		t.Fatalf("status = %q, want disconnected", snap.Status)
	}
}

func TestInboundMessagesReachNotifier(t *testing.T) {
	mgr, adapter, notifier := newTestManager(t, Config{})

	if _, err := mgr.Start(context.Background(), "conn-1", "https://example.com/hook"); err != nil {
		t.Fatalf("start: %v", err)
	}
	h := adapter.handleAt(0)
	h.setOnline("111")
	h.events <- ReadyEvent{Phone: "111"}
	h.events <- MessageEvent{Message: domain.InboundMessage{From: "222@s.whatsapp.net", Body: "ping"}}

	waitFor(t, "message notified", func() bool {
		notifier.mu.Lock()
		defer notifier.mu.Unlock()
		return len(notifier.messages) == 1
	})
	notifier.mu.Lock()
	got := notifier.messages[0]
	notifier.mu.Unlock()
	if got.Body != "ping" || got.From != "222@s.whatsapp.net" {
		t.Fatalf("message = %+v", got)
	}
}

func TestIdleSweepEvictsOnlyStaleDisconnected(t *testing.T) {
	mgr, adapter, _ := newTestManager(t, Config{IdleTTL: time.Minute})

	if _, err := mgr.Start(context.Background(), "conn-live", ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	h := adapter.handleAt(0)
	h.setOnline("111")
	h.events <- ReadyEvent{Phone: "111"}
	waitFor(t, "connected", func() bool {
		return mgr.Status("conn-live").Status == domain.StatusConnected
	})

	stale := mgr.reg.GetOrCreate("conn-stale")
	stale.mu.Lock()
	stale.lastActivity = time.Now().Add(-2 * time.Minute)
	stale.mu.Unlock()

	live := mgr.reg.GetOrCreate("conn-live")
	live.mu.Lock()
	live.lastActivity = time.Now().Add(-2 * time.Minute)
	live.mu.Unlock()

	mgr.sweepIdle()

	if _, ok := mgr.reg.Get("conn-stale"); ok {
		t.Fatal("stale disconnected record not evicted")
	}
	if _, ok := mgr.reg.Get("conn-live"); !ok {
		t.Fatal("connected record must never be evicted")
	}
}

func TestLookupSurvivesEviction(t *testing.T) {
	mgr, _, _ := newTestManager(t, Config{})

	rec := mgr.reg.GetOrCreate("conn-1")
	rec.mu.Lock()
	mgr.reg.removeLocked(rec)
	rec.mu.Unlock()

	fresh := mgr.lookup("conn-1")
	defer fresh.mu.Unlock()
	if fresh == rec {
		t.Fatal("lookup returned evicted record")
	}
	if fresh.evicted {
		t.Fatal("fresh record marked evicted")
	}
}

func TestSendLivenessFailureForcesDisconnect(t *testing.T) {
	mgr, adapter, notifier := newTestManager(t, Config{})

	if _, err := mgr.Start(context.Background(), "conn-1", ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	h := adapter.handleAt(0)
	h.setOnline("111")
	h.events <- ReadyEvent{Phone: "111"}
	waitFor(t, "connected", func() bool {
		return mgr.Status("conn-1").Status == domain.StatusConnected
	})

	// the stream died silently; only the pre-send verification notices
	h.setOffline()
	_, err := mgr.Send(context.Background(), "conn-1", "5511999998888", "hi")
	if !errors.Is(err, domain.ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
	if !errors.Is(err, domain.ErrLivenessTimeout) {
		t.Fatalf("err = %v, want ErrLivenessTimeout cause", err)
	}
	if got := mgr.Status("conn-1").Status; got != domain.StatusDisconnected {
		t.Fatalf("status after failed pre-send check = %q, want disconnected", got)
	}
	if !notifier.sawStatus(domain.StatusDisconnected) {
		t.Fatal("forced disconnect not notified")
	}
	waitFor(t, "handle torn down", h.wasDisconnected)
}
