// Package engine wraps whatsmeow behind the session.Adapter contract. It is
// the only code that touches the persisted pairing store; the rest of the
// bridge sees opaque handles and lifecycle events.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"

	"wabridge/internal/session"
)

const eventBuffer = 64

type Engine struct {
	db        *sql.DB
	container *sqlstore.Container
	log       waLog.Logger
}

// New opens the credential store (sqlite3 or postgres) and prepares the
// connection-id binding table. whatsmeow owns its own tables inside the same
// database.
func New(ctx context.Context, driver, dsn string) (*Engine, error) {
	sqlDriver, dialect := driverFor(driver)
	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}
	logger := waLog.Stdout("engine", "WARN", false)
	container := sqlstore.NewWithDB(db, dialect, logger)
	if err := container.Upgrade(ctx); err != nil {
		return nil, fmt.Errorf("sqlstore upgrade: %w", err)
	}
	e := &Engine{db: db, container: container, log: logger}
	if err := e.initSchema(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// driverFor maps a configured driver name onto the registered sql driver and
// the dialect the sqlstore generates SQL for.
func driverFor(driver string) (sqlDriver, dialect string) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres", "postgresql", "pgx":
		return "pgx", "postgres"
	default:
		return "sqlite3", "sqlite3"
	}
}

func (e *Engine) initSchema(ctx context.Context) error {
	_, err := e.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS bridge_connections (
			connection_id TEXT PRIMARY KEY,
			jid           TEXT NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("create bridge_connections: %w", err)
	}
	return nil
}

// Dial builds an unconnected handle for id. A stored device binding resumes
// the existing pairing; otherwise the handle starts a fresh QR pairing on
// Connect.
func (e *Engine) Dial(ctx context.Context, id string) (session.Handle, error) {
	var dev *store.Device
	if jid, ok, err := e.jidFor(ctx, id); err != nil {
		return nil, err
	} else if ok {
		dev, err = e.container.GetDevice(ctx, jid)
		if err != nil {
			return nil, fmt.Errorf("load device for %s: %w", id, err)
		}
	}
	if dev == nil {
		dev = e.container.NewDevice()
	}

	cli := whatsmeow.NewClient(dev, e.log.Sub(id))
	// the lifecycle manager owns reconnection; an engine-level auto-reconnect
	// would create a second live session behind its back
	cli.EnableAutoReconnect = false

	h := newHandle(e, id, cli)
	cli.AddEventHandler(h.translate)
	return h, nil
}

// StoredIDs lists connection identifiers with persisted pairing material,
// for restore-on-boot.
func (e *Engine) StoredIDs(ctx context.Context) ([]string, error) {
	rows, err := e.db.QueryContext(ctx,
		`SELECT connection_id FROM bridge_connections ORDER BY connection_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (e *Engine) jidFor(ctx context.Context, id string) (types.JID, bool, error) {
	var raw string
	err := e.db.QueryRowContext(ctx,
		`SELECT jid FROM bridge_connections WHERE connection_id = $1`, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return types.JID{}, false, nil
	}
	if err != nil {
		return types.JID{}, false, err
	}
	jid, err := types.ParseJID(raw)
	if err != nil {
		return types.JID{}, false, fmt.Errorf("stored jid for %s: %w", id, err)
	}
	return jid, true, nil
}

// bind records the connection-id to device binding once pairing yields a JID.
func (e *Engine) bind(ctx context.Context, id string, jid types.JID) error {
	_, err := e.db.ExecContext(ctx, `
		INSERT INTO bridge_connections (connection_id, jid) VALUES ($1, $2)
		ON CONFLICT (connection_id) DO UPDATE SET jid = excluded.jid`,
		id, jid.ToNonAD().String())
	return err
}

func (e *Engine) Ping(ctx context.Context) error {
	return e.db.PingContext(ctx)
}

func (e *Engine) Close() error {
	return e.db.Close()
}
