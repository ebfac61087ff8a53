package httpserver

const (
	ErrInvalidJSON     = "invalid json"
	ErrToMessageNeeded = "to and message required"
)
