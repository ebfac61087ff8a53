package domain

import "errors"

var (
	// ErrConnectionIDRequired is returned when neither connection_id nor the
	// legacy instance_id is present.
	ErrConnectionIDRequired = errors.New("connection_id required")

	// ErrNotConnected rejects operations that require a connected session.
	// HTTP callers receive needs_reconnect:true alongside it.
	ErrNotConnected = errors.New("session not connected")

	// ErrLivenessTimeout marks a connectivity verification that failed or
	// did not answer within its bound; the session is forced to
	// disconnected.
	ErrLivenessTimeout = errors.New("liveness check failed")

	// ErrAdapterInit marks a protocol engine construction/initialize failure.
	ErrAdapterInit = errors.New("adapter init failed")

	// ErrSendTimeout marks a send that exceeded its bound. Session state is
	// left untouched; only transport-fatal errors force a disconnect.
	ErrSendTimeout = errors.New("send timed out")
)
