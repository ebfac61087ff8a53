package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"wabridge/internal/domain"
	"wabridge/internal/observability"
	"wabridge/internal/util"
)

type Config struct {
	LivenessTimeout time.Duration
	SendTimeout     time.Duration
	ConnectTimeout  time.Duration
	// ConnectGrace bounds how long a connecting/qr_pending attempt blocks a
	// fresh start request before it is considered stalled and torn down.
	ConnectGrace time.Duration
	IdleTTL      time.Duration
}

func (c Config) withDefaults() Config {
	if c.LivenessTimeout <= 0 {
		c.LivenessTimeout = 4 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 60 * time.Second
	}
	if c.ConnectGrace <= 0 {
		c.ConnectGrace = 2 * time.Minute
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = 30 * time.Minute
	}
	return c
}

// Manager owns every state transition. Transitions for one identifier are
// serialized by the record mutex; identifiers never block each other.
type Manager struct {
	reg      *Registry
	adapter  Adapter
	notifier Notifier
	limiter  *rate.Limiter
	cfg      Config
}

func NewManager(reg *Registry, adapter Adapter, notifier Notifier, limiter *rate.Limiter, cfg Config) *Manager {
	return &Manager{
		reg:      reg,
		adapter:  adapter,
		notifier: notifier,
		limiter:  limiter,
		cfg:      cfg.withDefaults(),
	}
}

// lookup returns the live record for id with its mutex held, retrying past
// records the idle sweep removed between map lookup and lock acquisition.
func (m *Manager) lookup(id string) *Record {
	for {
		rec := m.reg.GetOrCreate(id)
		rec.mu.Lock()
		if !rec.evicted {
			return rec
		}
		rec.mu.Unlock()
	}
}

// Start runs the "start requested" transition. A record already
// connecting/qr_pending/connected keeps its handle and is returned unchanged;
// this re-entry guard is what prevents duplicate protocol sessions per
// identifier. A connecting attempt older than ConnectGrace is treated as
// stalled and replaced.
func (m *Manager) Start(ctx context.Context, id, webhookURL string) (Snapshot, error) {
	rec := m.lookup(id)
	defer rec.mu.Unlock()
	rec.touchLocked()
	if webhookURL != "" {
		rec.webhookURL = webhookURL
	}

	switch rec.status {
	case domain.StatusConnected:
		return rec.snapshotLocked(), nil
	case domain.StatusConnecting, domain.StatusQRPending:
		if time.Since(rec.connectingSince) < m.cfg.ConnectGrace {
			return rec.snapshotLocked(), nil
		}
		slog.Warn("session connect stalled, starting over",
			"connection_id", id, "since", rec.connectingSince)
		m.dropHandleLocked(rec, "")
	}
	return m.dialLocked(ctx, rec)
}

// Reconnect tears down any existing handle and dials again with the stored
// webhook URL, relying on persisted pairing material to skip the QR step.
func (m *Manager) Reconnect(ctx context.Context, id, webhookURL string) error {
	rec := m.lookup(id)
	defer rec.mu.Unlock()
	rec.touchLocked()
	if webhookURL != "" {
		rec.webhookURL = webhookURL
	}
	m.dropHandleLocked(rec, "reconnect requested")
	_, err := m.dialLocked(ctx, rec)
	return err
}

// Disconnect tears the handle down and leaves the record disconnected. The
// pairing material stays, so a later reconnect does not re-pair.
func (m *Manager) Disconnect(id string) {
	rec, ok := m.reg.Get(id)
	if !ok {
		return
	}
	rec.mu.Lock()
	rec.touchLocked()
	if rec.status == domain.StatusDisconnected && rec.handle == nil {
		rec.mu.Unlock()
		return
	}
	m.dropHandleLocked(rec, "disconnect requested")
	rec.mu.Unlock()
	m.notifier.NotifyStatus(id, domain.StatusDisconnected, "")
}

// Status returns the current snapshot, verifying liveness first when the
// cached status claims connected.
func (m *Manager) Status(id string) Snapshot {
	rec := m.lookup(id)
	defer rec.mu.Unlock()
	rec.touchLocked()
	if rec.status == domain.StatusConnected && !m.verifyLocked(rec) {
		m.forceDownLocked(rec, "liveness check failed")
	}
	return rec.snapshotLocked()
}

// KeepAlive actively re-verifies connectivity. The second return is the
// engine-level state label, empty when no handle exists; the third reports
// whether the check passed.
func (m *Manager) KeepAlive(id string) (Snapshot, string, bool) {
	rec := m.lookup(id)
	defer rec.mu.Unlock()
	rec.touchLocked()
	if rec.status != domain.StatusConnected || rec.handle == nil {
		return rec.snapshotLocked(), "", false
	}
	if m.verifyLocked(rec) {
		return rec.snapshotLocked(), "CONNECTED", true
	}
	m.forceDownLocked(rec, "keep-alive check failed")
	return rec.snapshotLocked(), "DISCONNECTED", false
}

// Send delivers one message on a connected session. The liveness re-check
// runs first; the send itself happens outside the record lock so a slow
// delivery never blocks other operations on the same identifier.
func (m *Manager) Send(ctx context.Context, id, to, body string) (domain.SendResult, error) {
	rec := m.lookup(id)
	rec.touchLocked()
	if rec.status != domain.StatusConnected || rec.handle == nil {
		rec.mu.Unlock()
		return domain.SendResult{}, domain.ErrNotConnected
	}
	if !m.verifyLocked(rec) {
		m.forceDownLocked(rec, "liveness check failed before send")
		rec.mu.Unlock()
		return domain.SendResult{}, fmt.Errorf("%w: %w", domain.ErrNotConnected, domain.ErrLivenessTimeout)
	}
	h := rec.handle
	rec.mu.Unlock()

	if m.limiter != nil {
		waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := m.limiter.Wait(waitCtx)
		cancel()
		if err != nil {
			observability.Sends.WithLabelValues("rate_limited").Inc()
			return domain.SendResult{}, fmt.Errorf("send rate limited: %w", err)
		}
	}

	sendCtx, cancel := context.WithTimeout(ctx, m.cfg.SendTimeout)
	defer cancel()
	start := time.Now()
	res, err := h.Send(sendCtx, util.NormalizeDestination(to), body)
	observability.SendLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			observability.Sends.WithLabelValues("timeout").Inc()
			return domain.SendResult{}, domain.ErrSendTimeout
		}
		if transportFatal(err) {
			observability.Sends.WithLabelValues("fatal").Inc()
			m.dropIfCurrent(rec, h, "fatal send error: "+err.Error())
			return domain.SendResult{}, err
		}
		observability.Sends.WithLabelValues("error").Inc()
		return domain.SendResult{}, err
	}
	observability.Sends.WithLabelValues("ok").Inc()
	return res, nil
}

// transportFatal matches the engine error substrings that invalidate the
// whole session rather than the single send.
func transportFatal(err error) bool {
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "protocol error") || strings.Contains(s, "session closed")
}

// Shutdown tears down every live handle, best effort.
func (m *Manager) Shutdown() {
	for _, rec := range m.reg.All() {
		rec.mu.Lock()
		if rec.handle != nil {
			rec.handle.Disconnect()
			rec.handle = nil
			rec.status = domain.StatusDisconnected
			rec.qr, rec.phone = "", ""
		}
		rec.mu.Unlock()
	}
}

// dialLocked instantiates a fresh handle for rec; the caller holds rec.mu.
func (m *Manager) dialLocked(ctx context.Context, rec *Record) (Snapshot, error) {
	h, err := m.adapter.Dial(ctx, rec.id)
	if err != nil {
		rec.status = domain.StatusDisconnected
		slog.Error("adapter dial failed", "connection_id", rec.id, "err", err)
		return rec.snapshotLocked(), fmt.Errorf("%w: %v", domain.ErrAdapterInit, err)
	}
	rec.handle = h
	rec.status = domain.StatusConnecting
	rec.qr, rec.phone = "", ""
	rec.connectingSince = time.Now()
	go m.pump(rec, h)
	go m.connect(rec, h)
	return rec.snapshotLocked(), nil
}

func (m *Manager) connect(rec *Record, h Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
	defer cancel()
	if err := h.Connect(ctx); err != nil {
		slog.Error("session connect failed", "connection_id", rec.id, "err", err)
		m.apply(rec, h, DisconnectedEvent{Reason: "connect failed: " + err.Error()})
	}
}

// pump funnels adapter events into the per-record serialization. It exits
// when the handle closes its event stream.
func (m *Manager) pump(rec *Record, h Handle) {
	for ev := range h.Events() {
		m.apply(rec, h, ev)
	}
}

// apply runs one state-machine transition. Events carried by a handle the
// record no longer owns are discarded.
func (m *Manager) apply(rec *Record, h Handle, ev Event) {
	rec.mu.Lock()
	if rec.handle != h {
		rec.mu.Unlock()
		return
	}

	var (
		notifyStatus bool
		msg          *domain.InboundMessage
	)
	switch e := ev.(type) {
	case QREvent:
		rec.status = domain.StatusQRPending
		rec.qr = e.Code
		notifyStatus = true
	case AuthenticatedEvent:
		rec.status = domain.StatusConnecting
		rec.qr = ""
	case ReadyEvent:
		rec.status = domain.StatusConnected
		rec.qr = ""
		rec.phone = e.Phone
		if rec.phone == "" {
			rec.phone = h.PhoneNumber()
		}
		rec.touchLocked()
		notifyStatus = true
	case DisconnectedEvent:
		m.dropHandleLocked(rec, e.Reason)
		notifyStatus = true
	case MessageEvent:
		rec.touchLocked()
		msg = &e.Message
	}
	id := rec.id
	status, phone, webhook := rec.status, rec.phone, rec.webhookURL
	rec.mu.Unlock()

	if notifyStatus {
		m.notifier.NotifyStatus(id, status, phone)
	}
	if msg != nil {
		m.notifier.NotifyMessage(id, webhook, *msg)
	}
}

// verifyLocked races the engine's low-level connectivity answer against the
// liveness timeout. No answer counts as dead.
func (m *Manager) verifyLocked(rec *Record) bool {
	h := rec.handle
	if h == nil {
		return false
	}
	done := make(chan bool, 1)
	go func() { done <- h.Connected() && h.LoggedIn() }()
	select {
	case ok := <-done:
		return ok
	case <-time.After(m.cfg.LivenessTimeout):
		return false
	}
}

// forceDownLocked handles a failed liveness verdict: drop the handle, count
// it, and notify. The caller holds rec.mu.
func (m *Manager) forceDownLocked(rec *Record, reason string) {
	observability.LivenessFailures.Inc()
	m.dropHandleLocked(rec, reason)
	m.notifier.NotifyStatus(rec.id, domain.StatusDisconnected, "")
}

// dropHandleLocked tears down the handle (best effort, off the lock) and
// resets the record to disconnected. phone and qr never survive outside
// their owning states.
func (m *Manager) dropHandleLocked(rec *Record, reason string) {
	if rec.handle != nil {
		go rec.handle.Disconnect()
		rec.handle = nil
	}
	rec.status = domain.StatusDisconnected
	rec.qr, rec.phone = "", ""
	if reason != "" {
		slog.Info("session disconnected", "connection_id", rec.id, "reason", reason)
	}
}

// dropIfCurrent force-disconnects rec only if it still owns h.
func (m *Manager) dropIfCurrent(rec *Record, h Handle, reason string) {
	rec.mu.Lock()
	if rec.handle != h {
		rec.mu.Unlock()
		return
	}
	m.dropHandleLocked(rec, reason)
	rec.mu.Unlock()
	m.notifier.NotifyStatus(rec.id, domain.StatusDisconnected, "")
}
