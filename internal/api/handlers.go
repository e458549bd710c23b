package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"futures-screener/internal/alert"
	"futures-screener/internal/engine"
)

// Alerts is the engine surface the HTTP and WebSocket handlers drive.
type Alerts interface {
	Subscribe(expr string, userID int64) (engine.AlertInfo, error)
	Unsubscribe(id string, userID int64) error
	UnsubscribeAll(userID int64) int
	ListUser(userID int64) []engine.AlertInfo
	ListAll() []engine.AlertInfo
}

// handlers holds the HTTP handler dependencies.
type handlers struct {
	alerts    Alerts
	push      *AlertHub
	densities *DensityHub
	origins   []string
	logger    *slog.Logger
}

type createRequest struct {
	Expression string `json:"expression"`
	UserID     int64  `json:"user_id"`
}

func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleList returns the caller's subscriptions.
func (h *handlers) handleList(w http.ResponseWriter, r *http.Request) {
	userID, ok := queryUserID(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.alerts.ListUser(userID))
}

// handleListAll returns the system-wide alert inventory.
func (h *handlers) handleListAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.alerts.ListAll())
}

// handleCreate subscribes the user to an expression. A malformed
// expression is the user's mistake: the parser's message goes back with
// a 400 so they can fix the offset it names.
func (h *handlers) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Expression == "" {
		writeError(w, http.StatusBadRequest, "expression is required")
		return
	}

	info, err := h.alerts.Subscribe(req.Expression, req.UserID)
	if err != nil {
		var perr *alert.ParseError
		if errors.As(err, &perr) {
			writeError(w, http.StatusBadRequest, perr.Error())
			return
		}
		h.logger.Error("subscribe failed", "user_id", req.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "subscription failed")
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (h *handlers) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	userID, ok := queryUserID(w, r)
	if !ok {
		return
	}

	switch err := h.alerts.Unsubscribe(id, userID); {
	case errors.Is(err, engine.ErrUnknownAlert):
		writeError(w, http.StatusNotFound, "unknown alert id")
	case errors.Is(err, engine.ErrNotSubscribed):
		writeError(w, http.StatusNotFound, "not subscribed to this alert")
	case err != nil:
		h.logger.Error("unsubscribe failed", "alert_id", id, "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "unsubscribe failed")
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "unsubscribed"})
	}
}

func (h *handlers) handleUnsubscribeAll(w http.ResponseWriter, r *http.Request) {
	userID, ok := queryUserID(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": h.alerts.UnsubscribeAll(userID)})
}

// handleAlertsWS upgrades the connection and attaches it to the push
// hub; the route regex guarantees user_id is numeric.
func (h *handlers) handleAlertsWS(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(mux.Vars(r)["user_id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "user_id must be an integer")
		return
	}
	conn, err := h.upgrader().Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	h.push.attach(userID, conn)
}

// handleDensitiesWS negotiates the wire format and attaches the consumer
// to the density feed.
func (h *handlers) handleDensitiesWS(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	switch format {
	case "":
		format = FormatJSON
	case FormatJSON, FormatMsgpack:
	default:
		writeError(w, http.StatusBadRequest, "format must be json or msgpack")
		return
	}
	conn, err := h.upgrader().Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	h.densities.attach(conn, format, time.Now())
}

func (h *handlers) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r.Header.Get("Origin"), h.origins, r.Host)
		},
	}
}

// isOriginAllowed is the WebSocket origin policy. No Origin header means
// a non-browser client and is allowed. With an allowlist configured, the
// origin must match an entry exactly; otherwise localhost and same-host
// origins pass.
func isOriginAllowed(origin string, allowed []string, reqHost string) bool {
	if origin == "" {
		return true
	}
	if len(allowed) > 0 {
		for _, a := range allowed {
			if origin == a {
				return true
			}
		}
		return false
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return u.Host == reqHost
}

// queryUserID parses the required user_id query parameter, answering the
// request itself when it is missing or malformed.
func queryUserID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "user_id must be an integer")
		return 0, false
	}
	return userID, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
