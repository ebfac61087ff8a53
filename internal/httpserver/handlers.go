package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"wabridge/internal/domain"
	"wabridge/internal/session"
)

type API struct {
	Mgr *session.Manager
	Reg *session.Registry
}

func (a *API) Register(r *mux.Router) {
	r.HandleFunc("/health", a.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/get-qr", a.handleGetQR).Methods(http.MethodPost)
	r.HandleFunc("/api/status", a.handleStatus).Methods(http.MethodPost)
	r.HandleFunc("/api/disconnect", a.handleDisconnect).Methods(http.MethodPost)
	r.HandleFunc("/api/reconnect", a.handleReconnect).Methods(http.MethodPost)
	r.HandleFunc("/api/send-message", a.handleSendMessage).Methods(http.MethodPost)
	r.HandleFunc("/api/keep-alive", a.handleKeepAlive).Methods(http.MethodPost)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": a.Reg.Len(),
	})
}

func (a *API) handleGetQR(w http.ResponseWriter, r *http.Request) {
	var req domain.SessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrInvalidJSON)
		return
	}
	id := req.ID()
	if id == "" {
		writeError(w, http.StatusBadRequest, domain.ErrConnectionIDRequired.Error())
		return
	}

	snap, err := a.Mgr.Start(r.Context(), id, req.WebhookURL)
	if err != nil {
		slog.Error("session start failed", "connection_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	switch snap.Status {
	case domain.StatusConnected:
		writeJSON(w, http.StatusOK, map[string]any{
			"status":       domain.StatusConnected,
			"phone_number": optString(snap.Phone),
		})
	case domain.StatusQRPending:
		writeJSON(w, http.StatusOK, map[string]any{
			"qr":     snap.QR,
			"status": domain.StatusQRPending,
		})
	default:
		// dial issued but no pairing code yet; callers poll
		writeJSON(w, http.StatusOK, map[string]any{"status": "pending"})
	}
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := a.decodeID(w, r)
	if !ok {
		return
	}
	snap := a.Mgr.Status(id)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       snap.Status,
		"phone_number": optString(snap.Phone),
		"has_qr":       snap.HasQR(),
	})
}

func (a *API) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	id, ok := a.decodeID(w, r)
	if !ok {
		return
	}
	a.Mgr.Disconnect(id)
	writeJSON(w, http.StatusOK, map[string]any{"status": domain.StatusDisconnected})
}

func (a *API) handleReconnect(w http.ResponseWriter, r *http.Request) {
	var req domain.SessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrInvalidJSON)
		return
	}
	id := req.ID()
	if id == "" {
		writeError(w, http.StatusBadRequest, domain.ErrConnectionIDRequired.Error())
		return
	}
	if err := a.Mgr.Reconnect(r.Context(), id, req.WebhookURL); err != nil {
		slog.Error("session reconnect failed", "connection_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "reconnecting"})
}

func (a *API) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req domain.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrInvalidJSON)
		return
	}
	id := req.ID()
	if id == "" {
		writeError(w, http.StatusBadRequest, domain.ErrConnectionIDRequired.Error())
		return
	}
	if req.To == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, ErrToMessageNeeded)
		return
	}

	res, err := a.Mgr.Send(r.Context(), id, req.To, req.Message)
	if err != nil {
		if errors.Is(err, domain.ErrNotConnected) {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":           err.Error(),
				"needs_reconnect": true,
			})
			return
		}
		slog.Error("send failed", "connection_id", id, "to", req.To, "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"messageId": res.MessageID,
		"timestamp": res.Timestamp.Unix(),
	})
}

func (a *API) handleKeepAlive(w http.ResponseWriter, r *http.Request) {
	id, ok := a.decodeID(w, r)
	if !ok {
		return
	}
	snap, state, alive := a.Mgr.KeepAlive(id)
	resp := map[string]any{"status": snap.Status}
	if alive {
		resp["connection_status"] = "ok"
	} else {
		resp["connection_status"] = "failed"
	}
	if state != "" {
		resp["state"] = state
	}
	writeJSON(w, http.StatusOK, resp)
}

// decodeID reads the shared request body and enforces the connection_id
// requirement (legacy instance_id accepted).
func (a *API) decodeID(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req domain.SessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrInvalidJSON)
		return "", false
	}
	id := req.ID()
	if id == "" {
		writeError(w, http.StatusBadRequest, domain.ErrConnectionIDRequired.Error())
		return "", false
	}
	return id, true
}
