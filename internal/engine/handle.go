package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"wabridge/internal/domain"
	"wabridge/internal/session"
)

// handle adapts one whatsmeow client to the session.Handle contract,
// translating engine events into the lifecycle event vocabulary.
type handle struct {
	engine *Engine
	connID string
	cli    *whatsmeow.Client

	// lifeCtx spans the handle from Dial to Disconnect. The QR channel hangs
	// off it: whatsmeow closes the channel and disconnects the client when
	// its context ends, so a dial-scoped context would kill the pairing
	// window as soon as the websocket came up.
	lifeCtx context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	closed bool
	events chan session.Event
}

func newHandle(e *Engine, id string, cli *whatsmeow.Client) *handle {
	ctx, cancel := context.WithCancel(context.Background())
	return &handle{
		engine:  e,
		connID:  id,
		cli:     cli,
		lifeCtx: ctx,
		cancel:  cancel,
		events:  make(chan session.Event, eventBuffer),
	}
}

func (h *handle) Connect(ctx context.Context) error {
	if h.cli.Store.ID == nil {
		// unpaired device: the QR channel must be requested before Connect.
		// The user scans long after Connect returns, so the channel gets the
		// handle lifetime, not the dial bound; whatsmeow ends the attempt on
		// its own pairing timeout.
		qrCh, err := h.cli.GetQRChannel(h.lifeCtx)
		if err != nil {
			return err
		}
		go h.forwardQR(qrCh)
	}
	return h.cli.Connect()
}

func (h *handle) forwardQR(qrCh <-chan whatsmeow.QRChannelItem) {
	for item := range qrCh {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			h.emit(session.QREvent{Code: item.Code})
		case whatsmeow.QRChannelSuccess.Event:
			// PairSuccess arrives through the event handler
		default:
			// timeout, err-* and friends all end the pairing attempt
			h.emit(session.DisconnectedEvent{Reason: "pairing " + item.Event})
		}
	}
}

func (h *handle) translate(evt interface{}) {
	switch v := evt.(type) {
	case *events.PairSuccess:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := h.engine.bind(ctx, h.connID, v.ID); err != nil {
			slog.Error("binding paired device failed", "connection_id", h.connID, "err", err)
		}
		cancel()
		h.emit(session.AuthenticatedEvent{})
	case *events.Connected:
		h.emit(session.ReadyEvent{Phone: h.PhoneNumber()})
	case *events.Disconnected:
		h.emit(session.DisconnectedEvent{Reason: "stream disconnected"})
	case *events.LoggedOut:
		h.emit(session.DisconnectedEvent{Reason: "logged out: " + v.Reason.String()})
	case *events.StreamReplaced:
		h.emit(session.DisconnectedEvent{Reason: "stream replaced"})
	case *events.Message:
		if v.Info.IsFromMe {
			return
		}
		typ := v.Info.Type
		if typ == "" {
			typ = "text"
		}
		h.emit(session.MessageEvent{Message: domain.InboundMessage{
			From:      v.Info.Sender.ToNonAD().String(),
			To:        h.ownJID(),
			Body:      messageText(v.Message),
			Timestamp: v.Info.Timestamp,
			Type:      typ,
			HasMedia:  v.Info.MediaType != "",
		}})
	}
}

// emit hands an event to the manager's pump. A full buffer drops the event
// rather than stalling the engine's dispatch loop; the liveness sweep covers
// a dropped disconnect.
func (h *handle) emit(ev session.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	select {
	case h.events <- ev:
	default:
		slog.Warn("session event buffer full, dropping event", "connection_id", h.connID)
	}
}

func (h *handle) Events() <-chan session.Event { return h.events }

func (h *handle) Connected() bool { return h.cli.IsConnected() }
func (h *handle) LoggedIn() bool  { return h.cli.IsLoggedIn() }

func (h *handle) PhoneNumber() string {
	if id := h.cli.Store.ID; id != nil {
		return id.User
	}
	return ""
}

func (h *handle) ownJID() string {
	if id := h.cli.Store.ID; id != nil {
		return id.ToNonAD().String()
	}
	return ""
}

func (h *handle) Send(ctx context.Context, to, body string) (domain.SendResult, error) {
	jid, err := types.ParseJID(to)
	if err != nil {
		return domain.SendResult{}, err
	}
	resp, err := h.cli.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(body)})
	if err != nil {
		return domain.SendResult{}, err
	}
	return domain.SendResult{MessageID: string(resp.ID), Timestamp: resp.Timestamp}, nil
}

func (h *handle) Disconnect() {
	h.cli.RemoveEventHandlers()
	h.cli.Disconnect()
	h.shutdown()
}

// shutdown ends the pairing context and closes the event stream exactly once.
func (h *handle) shutdown() {
	h.cancel()
	h.mu.Lock()
	if !h.closed {
		h.closed = true
		close(h.events)
	}
	h.mu.Unlock()
}

// messageText pulls the human-readable body out of the message variants the
// bridge relays.
func messageText(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if t := msg.GetConversation(); t != "" {
		return t
	}
	if t := msg.GetExtendedTextMessage().GetText(); t != "" {
		return t
	}
	if t := msg.GetImageMessage().GetCaption(); t != "" {
		return t
	}
	if t := msg.GetVideoMessage().GetCaption(); t != "" {
		return t
	}
	return ""
}
