package session

import (
	"context"

	"wabridge/internal/domain"
)

// Adapter is the protocol engine as seen by the lifecycle manager. Dial
// constructs a handle for one connection identifier without connecting it;
// StoredIDs lists identifiers with persisted pairing material.
type Adapter interface {
	Dial(ctx context.Context, id string) (Handle, error)
	StoredIDs(ctx context.Context) ([]string, error)
}

// Handle is one live protocol session. The owning Record holds at most one,
// and the manager is the sole consumer of its event stream.
type Handle interface {
	// Connect starts the session (pairing or resume). Pairing codes and
	// lifecycle changes arrive on Events.
	Connect(ctx context.Context) error
	// Events is closed when the handle is torn down.
	Events() <-chan Event
	// Connected and LoggedIn report the engine's low-level state. They are
	// authoritative over any cached status.
	Connected() bool
	LoggedIn() bool
	PhoneNumber() string
	Send(ctx context.Context, to, body string) (domain.SendResult, error)
	// Disconnect tears the session down, best effort.
	Disconnect()
}

type Event interface{ isEvent() }

// QREvent carries a fresh pairing code.
type QREvent struct{ Code string }

// AuthenticatedEvent fires when pairing completed but the session is not yet
// fully up.
type AuthenticatedEvent struct{}

// ReadyEvent fires when the session is connected and usable. Phone may be
// empty; the manager falls back to the handle's identity.
type ReadyEvent struct{ Phone string }

// DisconnectedEvent fires on any terminal engine condition: stream drop,
// logout, replacement, failed pairing.
type DisconnectedEvent struct{ Reason string }

// MessageEvent carries one inbound message.
type MessageEvent struct{ Message domain.InboundMessage }

func (QREvent) isEvent()            {}
func (AuthenticatedEvent) isEvent() {}
func (ReadyEvent) isEvent()         {}
func (DisconnectedEvent) isEvent()  {}
func (MessageEvent) isEvent()       {}

// Notifier delivers best-effort, fire-and-forget notifications. Failures must
// never propagate back to the lifecycle manager.
type Notifier interface {
	NotifyStatus(id string, status domain.Status, phone string)
	NotifyMessage(id, webhookURL string, msg domain.InboundMessage)
}
