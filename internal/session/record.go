package session

import (
	"sync"
	"time"

	"wabridge/internal/domain"
)

// Record is the single source of truth for one connection identifier. All
// fields behind mu; mutation happens only inside the Manager while holding it.
type Record struct {
	mu sync.Mutex

	id              string
	status          domain.Status
	qr              string
	phone           string
	webhookURL      string
	handle          Handle
	lastActivity    time.Time
	connectingSince time.Time

	// set under both the record and registry locks when the idle sweep
	// removes the record; a looked-up pointer carrying this flag is stale
	evicted bool
}

// Snapshot is a point-in-time copy safe to use outside the record lock.
type Snapshot struct {
	ID           string
	Status       domain.Status
	QR           string
	Phone        string
	WebhookURL   string
	LastActivity time.Time
}

func (s Snapshot) HasQR() bool { return s.QR != "" }

func (r *Record) snapshotLocked() Snapshot {
	return Snapshot{
		ID:           r.id,
		Status:       r.status,
		QR:           r.qr,
		Phone:        r.phone,
		WebhookURL:   r.webhookURL,
		LastActivity: r.lastActivity,
	}
}

func (r *Record) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Record) touchLocked() {
	r.lastActivity = time.Now()
}
