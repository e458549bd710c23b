package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"futures-screener/internal/alert"
	"futures-screener/internal/config"
	"futures-screener/internal/engine"
	"futures-screener/pkg/types"
)

type fakeAlerts struct {
	subscribeInfo engine.AlertInfo
	subscribeErr  error
	unsubErr      error
	removed       int
	mine          []engine.AlertInfo
	all           []engine.AlertInfo

	gotExpr   string
	gotID     string
	gotUserID int64
}

func (f *fakeAlerts) Subscribe(expr string, userID int64) (engine.AlertInfo, error) {
	f.gotExpr, f.gotUserID = expr, userID
	return f.subscribeInfo, f.subscribeErr
}

func (f *fakeAlerts) Unsubscribe(id string, userID int64) error {
	f.gotID, f.gotUserID = id, userID
	return f.unsubErr
}

func (f *fakeAlerts) UnsubscribeAll(userID int64) int {
	f.gotUserID = userID
	return f.removed
}

func (f *fakeAlerts) ListUser(userID int64) []engine.AlertInfo {
	f.gotUserID = userID
	return f.mine
}

func (f *fakeAlerts) ListAll() []engine.AlertInfo { return f.all }

// fakeSource is a mutable density snapshot provider.
type fakeSource struct {
	mu   sync.Mutex
	snap map[types.LevelKey]types.DensityRecord
}

func newFakeSource() *fakeSource {
	return &fakeSource{snap: make(map[types.LevelKey]types.DensityRecord)}
}

func (f *fakeSource) Snapshot() map[types.LevelKey]types.DensityRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[types.LevelKey]types.DensityRecord, len(f.snap))
	for k, v := range f.snap {
		out[k] = v
	}
	return out
}

func (f *fakeSource) set(rec types.DensityRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap[rec.Key()] = rec
}

func newTestServer(t *testing.T, alerts Alerts, source SnapshotSource) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	if source == nil {
		source = newFakeSource()
	}
	return NewServer(config.ServerConfig{Port: 8080}, alerts, source, logger)
}

func doRequest(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	rec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, req)
	return rec
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body["error"]
}

func TestHealth(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, &fakeAlerts{}, nil)

	rec := doRequest(t, s, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestCreateAlert(t *testing.T) {
	t.Parallel()
	alerts := &fakeAlerts{subscribeInfo: engine.AlertInfo{
		ID:               "00c0ffee00c0ffee",
		Expression:       "price > 5 300",
		SubscribersCount: 1,
		Connected:        true,
	}}
	s := newTestServer(t, alerts, nil)

	rec := doRequest(t, s, http.MethodPost, "/alerts", `{"expression":"price > 5 300","user_id":7}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	if alerts.gotExpr != "price > 5 300" || alerts.gotUserID != 7 {
		t.Errorf("engine got %q for user %d", alerts.gotExpr, alerts.gotUserID)
	}

	var info engine.AlertInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.ID != "00c0ffee00c0ffee" || info.Expression != "price > 5 300" {
		t.Errorf("info = %+v", info)
	}
}

func TestCreateAlertParseError(t *testing.T) {
	t.Parallel()
	perr := &alert.ParseError{Pos: 0, Msg: `unknown module "frob"`}
	s := newTestServer(t, &fakeAlerts{subscribeErr: perr}, nil)

	rec := doRequest(t, s, http.MethodPost, "/alerts", `{"expression":"frob > 5","user_id":7}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if got := errorBody(t, rec); got != perr.Error() {
		t.Errorf("error = %q, want the parser message %q", got, perr.Error())
	}
}

func TestCreateAlertBadRequests(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, &fakeAlerts{}, nil)

	rec := doRequest(t, s, http.MethodPost, "/alerts", `{"expression":`)
	if rec.Code != http.StatusBadRequest || errorBody(t, rec) != "invalid JSON body" {
		t.Errorf("truncated JSON: status %d, error %q", rec.Code, errorBody(t, rec))
	}

	rec = doRequest(t, s, http.MethodPost, "/alerts", `{"user_id":7}`)
	if rec.Code != http.StatusBadRequest || errorBody(t, rec) != "expression is required" {
		t.Errorf("missing expression: status %d, error %q", rec.Code, errorBody(t, rec))
	}
}

func TestListAlerts(t *testing.T) {
	t.Parallel()
	alerts := &fakeAlerts{mine: []engine.AlertInfo{
		{ID: "aaaaaaaaaaaaaaaa", Expression: "oi_sum > 5000000"},
		{ID: "bbbbbbbbbbbbbbbb", Expression: "price > 5 300"},
	}}
	s := newTestServer(t, alerts, nil)

	rec := doRequest(t, s, http.MethodGet, "/alerts?user_id=7", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if alerts.gotUserID != 7 {
		t.Errorf("queried user = %d, want 7", alerts.gotUserID)
	}
	var infos []engine.AlertInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &infos); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(infos) != 2 {
		t.Errorf("returned %d alerts, want 2", len(infos))
	}
}

func TestListAlertsRequiresUserID(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, &fakeAlerts{}, nil)

	rec := doRequest(t, s, http.MethodGet, "/alerts", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if got := errorBody(t, rec); got != "user_id must be an integer" {
		t.Errorf("error = %q", got)
	}
}

func TestListAllAlerts(t *testing.T) {
	t.Parallel()
	alerts := &fakeAlerts{all: []engine.AlertInfo{
		{ID: "aaaaaaaaaaaaaaaa", Expression: "price > 5 300", SubscribersCount: 3},
	}}
	s := newTestServer(t, alerts, nil)

	rec := doRequest(t, s, http.MethodGet, "/alerts/all", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var infos []engine.AlertInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &infos); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(infos) != 1 || infos[0].SubscribersCount != 3 {
		t.Errorf("infos = %+v", infos)
	}
}

func TestUnsubscribeStatuses(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantError  string
	}{
		{"success", nil, http.StatusOK, ""},
		{"unknown id", engine.ErrUnknownAlert, http.StatusNotFound, "unknown alert id"},
		{"not subscribed", engine.ErrNotSubscribed, http.StatusNotFound, "not subscribed to this alert"},
		{"internal", errors.New("boom"), http.StatusInternalServerError, "unsubscribe failed"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			alerts := &fakeAlerts{unsubErr: tt.err}
			s := newTestServer(t, alerts, nil)

			rec := doRequest(t, s, http.MethodDelete, "/alerts/00c0ffee00c0ffee?user_id=7", "")
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if alerts.gotID != "00c0ffee00c0ffee" || alerts.gotUserID != 7 {
				t.Errorf("engine got id %q user %d", alerts.gotID, alerts.gotUserID)
			}
			if tt.wantError != "" {
				if got := errorBody(t, rec); got != tt.wantError {
					t.Errorf("error = %q, want %q", got, tt.wantError)
				}
			}
		})
	}
}

func TestUnsubscribeRouteRequiresHexID(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, &fakeAlerts{}, nil)

	// The route pattern only admits 16 hex characters.
	rec := doRequest(t, s, http.MethodDelete, "/alerts/not-a-valid-id?user_id=7", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 from the router", rec.Code)
	}
}

func TestUnsubscribeAllEndpoint(t *testing.T) {
	t.Parallel()
	alerts := &fakeAlerts{removed: 2}
	s := newTestServer(t, alerts, nil)

	rec := doRequest(t, s, http.MethodDelete, "/alerts?user_id=7", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["removed"] != 2 {
		t.Errorf("removed = %d, want 2", body["removed"])
	}
}

func TestDensityWSRejectsUnknownFormat(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, &fakeAlerts{}, nil)

	rec := doRequest(t, s, http.MethodGet, "/ws/densities?format=xml", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if got := errorBody(t, rec); got != "format must be json or msgpack" {
		t.Errorf("error = %q", got)
	}
}

func TestIsOriginAllowed(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		origin  string
		allowed []string
		host    string
		want    bool
	}{
		{"no origin header", "", nil, "api.example.com", true},
		{"allowlisted", "https://app.example.com", []string{"https://app.example.com"}, "api.example.com", true},
		{"not allowlisted", "https://evil.example.com", []string{"https://app.example.com"}, "api.example.com", false},
		{"allowlist beats localhost", "http://localhost:3000", []string{"https://app.example.com"}, "api.example.com", false},
		{"localhost", "http://localhost:3000", nil, "api.example.com", true},
		{"loopback v4", "http://127.0.0.1:3000", nil, "api.example.com", true},
		{"loopback v6", "http://[::1]:3000", nil, "api.example.com", true},
		{"same host", "https://api.example.com", nil, "api.example.com", true},
		{"cross origin", "https://elsewhere.example.com", nil, "api.example.com", false},
		{"malformed", "://bad", nil, "api.example.com", false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := isOriginAllowed(tt.origin, tt.allowed, tt.host); got != tt.want {
				t.Errorf("isOriginAllowed(%q, %v, %q) = %v, want %v", tt.origin, tt.allowed, tt.host, got, tt.want)
			}
		})
	}
}

func TestEncodeDensityMessage(t *testing.T) {
	t.Parallel()
	msg := densityMessage{
		Type: "snapshot",
		Ts:   time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		Densities: []types.DensityRecord{{
			Symbol:            "BTCUSDT",
			Price:             64000,
			Side:              types.LONG,
			CurrentSizeUSD:    250000,
			MaxSizeUSD:        300000,
			Touched:           true,
			ReductionUSD:      50000,
			PercentFromMarket: -1.5,
		}},
	}

	jsonFrame, err := encodeDensityMessage(FormatJSON, msg)
	if err != nil {
		t.Fatalf("encode json: %v", err)
	}
	var fromJSON densityMessage
	if err := json.Unmarshal(jsonFrame, &fromJSON); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if fromJSON.Type != "snapshot" || len(fromJSON.Densities) != 1 {
		t.Fatalf("json round trip = %+v", fromJSON)
	}
	if got := fromJSON.Densities[0]; got.Symbol != "BTCUSDT" || got.MaxSizeUSD != 300000 || !got.Touched {
		t.Errorf("json record = %+v", got)
	}

	mpFrame, err := encodeDensityMessage(FormatMsgpack, msg)
	if err != nil {
		t.Fatalf("encode msgpack: %v", err)
	}
	var fromMsgpack densityMessage
	if err := msgpack.Unmarshal(mpFrame, &fromMsgpack); err != nil {
		t.Fatalf("decode msgpack: %v", err)
	}
	if fromMsgpack.Type != "snapshot" || len(fromMsgpack.Densities) != 1 {
		t.Fatalf("msgpack round trip = %+v", fromMsgpack)
	}
	if got := fromMsgpack.Densities[0]; got.Price != 64000 || got.ReductionUSD != 50000 {
		t.Errorf("msgpack record = %+v", got)
	}
}
