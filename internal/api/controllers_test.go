package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/moznion/go-optional"

	"signal-engine/internal/balance"
	"signal-engine/internal/coordinator"
	"signal-engine/internal/engine"
	"signal-engine/internal/events"
	"signal-engine/internal/indicators"
	"signal-engine/internal/risk"
	"signal-engine/internal/state"
	"signal-engine/internal/strategy"
	"signal-engine/pkg/db"
	apperrors "signal-engine/pkg/errors"
)

// stubEngine is a minimal in-memory Service. It validates only
// existence so handler mapping and the error envelope can be asserted
// without booting the real engine.
type stubEngine struct {
	mu        sync.Mutex
	sessions  map[string]*engine.SessionStatus
	instances map[string]bool
	nextID    int
	limits    risk.Limits
	prices    map[string]float64

	lastVariant indicators.Variant
	lastWindow  int
	lastLimit   int
}

var _ engine.Service = (*stubEngine)(nil)

func newStubEngine() *stubEngine {
	return &stubEngine{
		sessions:  map[string]*engine.SessionStatus{},
		instances: map[string]bool{},
		limits:    risk.Limits{MaxOrderNotional: 50000, MaxOpenPositions: 4},
		prices:    map[string]float64{"BTC_USDT": 50123.5},
	}
}

func (s *stubEngine) session(id string) (*engine.SessionStatus, error) {
	if sess, ok := s.sessions[id]; ok {
		return sess, nil
	}
	return nil, apperrors.Newf(apperrors.CodeSessionNotFound, "session %s not found", id)
}

func (s *stubEngine) StartSession(ctx context.Context, req engine.StartRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := fmt.Sprintf("sess-%d", s.nextID)
	status := &engine.SessionStatus{
		ID:        id,
		Mode:      req.Mode,
		State:     "running",
		Symbols:   req.Symbols,
		CreatedAt: time.Now(),
	}
	for _, cfg := range req.Strategies {
		instID := id + "/" + cfg.Type + ":" + cfg.Symbol
		s.instances[instID] = true
		status.Instances = append(status.Instances, strategy.Status{
			ID: instID, SessionID: id, Symbol: cfg.Symbol, Type: cfg.Type,
		})
	}
	s.sessions[id] = status
	return id, nil
}

func (s *stubEngine) StopSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.session(id)
	if err != nil {
		return err
	}
	sess.State = "stopped"
	return nil
}

func (s *stubEngine) PauseSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.session(id)
	if err != nil {
		return err
	}
	sess.State = "paused"
	return nil
}

func (s *stubEngine) ResumeSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.session(id)
	if err != nil {
		return err
	}
	sess.State = "running"
	return nil
}

func (s *stubEngine) SessionStatus(ctx context.Context, id string) (*engine.SessionStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.session(id)
	if err != nil {
		return nil, err
	}
	copied := *sess
	return &copied, nil
}

func (s *stubEngine) ListSessions(ctx context.Context) []engine.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]engine.SessionStatus, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, *sess)
	}
	return out
}

func (s *stubEngine) ActivateStrategy(ctx context.Context, sessionID string, cfg strategy.InstanceConfig) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.session(sessionID); err != nil {
		return "", err
	}
	id := sessionID + "/" + cfg.Type + ":" + cfg.Symbol
	s.instances[id] = true
	return id, nil
}

func (s *stubEngine) DeactivateStrategy(ctx context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.instances[instanceID] {
		return apperrors.Newf(apperrors.CodeNotFound, "instance %s not found", instanceID)
	}
	delete(s.instances, instanceID)
	return nil
}

func (s *stubEngine) ResetStrategy(ctx context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.instances[instanceID] {
		return apperrors.Newf(apperrors.CodeNotFound, "instance %s not found", instanceID)
	}
	return nil
}

func (s *stubEngine) IndicatorValue(ctx context.Context, v indicators.Variant, window int) (optional.Option[indicators.Value], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := v.Validate(); err != nil {
		return optional.None[indicators.Value](), apperrors.Wrap(err, apperrors.CodeValidation, "indicator variant")
	}
	s.lastVariant = v
	s.lastWindow = window
	if v.Params["period"] >= 100 {
		return optional.None[indicators.Value](), nil
	}
	return optional.Some(indicators.Value{Value: 101.5, Samples: 3, At: time.Now()}), nil
}

func (s *stubEngine) LastPrice(ctx context.Context, symbol string) (float64, bool) {
	p, ok := s.prices[symbol]
	return p, ok
}

func (s *stubEngine) Positions(ctx context.Context) []state.View {
	return []state.View{{
		Position:  db.Position{Symbol: "BTC_USDT", Qty: 2, EntryPrice: 50000, Status: "open"},
		MarkPrice: 50123.5,
	}}
}

func (s *stubEngine) OrdersBySession(ctx context.Context, sessionID string, limit int) ([]db.Order, error) {
	s.mu.Lock()
	s.lastLimit = limit
	s.mu.Unlock()
	return nil, nil
}

func (s *stubEngine) SignalsBySession(ctx context.Context, sessionID string, limit int) ([]db.Signal, error) {
	s.mu.Lock()
	s.lastLimit = limit
	s.mu.Unlock()
	return nil, nil
}

func (s *stubEngine) FillsBySession(ctx context.Context, sessionID string, limit int) ([]db.Fill, error) {
	s.mu.Lock()
	s.lastLimit = limit
	s.mu.Unlock()
	return nil, nil
}

func (s *stubEngine) RiskLimits(ctx context.Context) risk.Limits {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limits
}

func (s *stubEngine) UpdateRiskLimits(ctx context.Context, lim risk.Limits) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limits = lim
	return nil
}

func (s *stubEngine) RiskMetrics(ctx context.Context) risk.Metrics { return risk.Metrics{} }

func (s *stubEngine) Balance(ctx context.Context) balance.Snapshot {
	return balance.Snapshot{Total: 10000, Available: 9000, Locked: 1000}
}

func (s *stubEngine) ResourceUsage(ctx context.Context) coordinator.Snapshot {
	return coordinator.Snapshot{SlotCapacity: 4}
}

func (s *stubEngine) SystemStatus(ctx context.Context) engine.SystemStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return engine.SystemStatus{Version: "test", Sessions: len(s.sessions)}
}

func newTestAPIServer(t *testing.T) (*httptest.Server, *stubEngine, *events.Bus) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}

	bus := events.NewBus()
	eng := newStubEngine()
	server := NewServer(Config{JWTSecret: "test-secret"}, eng, bus, database, nil)
	ts := httptest.NewServer(server.Handler())

	t.Cleanup(func() {
		ts.Close()
		bus.Close()
		_ = database.Close()
	})
	return ts, eng, bus
}

func doJSONRequest(t *testing.T, client *http.Client, method, url, token string, payload any, out any) int {
	t.Helper()

	var buf bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&buf).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}

	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func registerAndLogin(t *testing.T, client *http.Client, baseURL string) string {
	t.Helper()
	status := doJSONRequest(t, client, http.MethodPost, baseURL+"/api/v1/auth/register", "", map[string]string{
		"email":    "operator@example.com",
		"password": "StrongPass123",
	}, nil)
	if status != http.StatusCreated {
		t.Fatalf("register status=%d", status)
	}

	var loginResp struct {
		Token string `json:"token"`
	}
	status = doJSONRequest(t, client, http.MethodPost, baseURL+"/api/v1/auth/login", "", map[string]string{
		"email":    "operator@example.com",
		"password": "StrongPass123",
	}, &loginResp)
	if status != http.StatusOK || loginResp.Token == "" {
		t.Fatalf("login failed status=%d token=%q", status, loginResp.Token)
	}
	return loginResp.Token
}

func TestAuthFlow(t *testing.T) {
	ts, _, _ := newTestAPIServer(t)
	client := ts.Client()

	var envelope struct {
		Code string `json:"code"`
	}
	status := doJSONRequest(t, client, http.MethodGet, ts.URL+"/api/v1/positions", "", nil, &envelope)
	if status != http.StatusUnauthorized || envelope.Code != "unauthorized" {
		t.Fatalf("expected 401 unauthorized, got status=%d code=%s", status, envelope.Code)
	}

	token := registerAndLogin(t, client, ts.URL)

	status = doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/v1/auth/register", "", map[string]string{
		"email":    "operator@example.com",
		"password": "AnotherPass123",
	}, &envelope)
	if status != http.StatusConflict || envelope.Code != "email_taken" {
		t.Fatalf("expected 409 email_taken, got status=%d code=%s", status, envelope.Code)
	}

	status = doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/v1/auth/login", "", map[string]string{
		"email":    "operator@example.com",
		"password": "WrongPass123",
	}, &envelope)
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad password, got %d", status)
	}

	status = doJSONRequest(t, client, http.MethodGet, ts.URL+"/api/v1/positions", token, nil, nil)
	if status != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", status)
	}
}

func TestStartSessionAndStatus(t *testing.T) {
	ts, eng, _ := newTestAPIServer(t)
	client := ts.Client()
	token := registerAndLogin(t, client, ts.URL)

	var created engine.SessionStatus
	status := doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/v1/sessions", token, map[string]any{
		"mode":    "paper",
		"symbols": []string{"btc_usdt"},
		"strategies": []map[string]any{
			{"type": "ma_cross", "symbol": "btc_usdt", "size": 1.5},
		},
	}, &created)
	if status != http.StatusCreated {
		t.Fatalf("start session status=%d", status)
	}
	if created.ID == "" || created.State != "running" {
		t.Fatalf("unexpected created session: %+v", created)
	}
	if len(eng.sessions[created.ID].Symbols) != 1 || eng.sessions[created.ID].Symbols[0] != "BTC_USDT" {
		t.Fatalf("symbols not uppercased: %+v", eng.sessions[created.ID].Symbols)
	}

	var list struct {
		Count int `json:"count"`
	}
	status = doJSONRequest(t, client, http.MethodGet, ts.URL+"/api/v1/sessions", token, nil, &list)
	if status != http.StatusOK || list.Count != 1 {
		t.Fatalf("list sessions status=%d count=%d", status, list.Count)
	}

	var envelope struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	status = doJSONRequest(t, client, http.MethodGet, ts.URL+"/api/v1/sessions/nope", token, nil, &envelope)
	if status != http.StatusNotFound || envelope.Code != "session_not_found" {
		t.Fatalf("expected 404 session_not_found, got status=%d code=%s", status, envelope.Code)
	}
	if envelope.Message == "" {
		t.Fatalf("expected localized message in envelope")
	}
}

func TestStartSessionValidation(t *testing.T) {
	ts, _, _ := newTestAPIServer(t)
	client := ts.Client()
	token := registerAndLogin(t, client, ts.URL)

	var envelope struct {
		Code string `json:"code"`
	}
	status := doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/v1/sessions", token, map[string]any{
		"mode": "paper",
	}, &envelope)
	if status != http.StatusBadRequest || envelope.Code != "validation_error" {
		t.Fatalf("expected 400 validation_error, got status=%d code=%s", status, envelope.Code)
	}
}

func TestSessionLifecycleRoutes(t *testing.T) {
	ts, eng, _ := newTestAPIServer(t)
	client := ts.Client()
	token := registerAndLogin(t, client, ts.URL)

	var created engine.SessionStatus
	doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/v1/sessions", token, map[string]any{
		"symbols": []string{"BTC_USDT"},
	}, &created)

	base := ts.URL + "/api/v1/sessions/" + created.ID
	if status := doJSONRequest(t, client, http.MethodPost, base+"/pause", token, nil, nil); status != http.StatusOK {
		t.Fatalf("pause status=%d", status)
	}
	if st := eng.sessions[created.ID].State; st != "paused" {
		t.Fatalf("expected paused, got %s", st)
	}
	if status := doJSONRequest(t, client, http.MethodPost, base+"/resume", token, nil, nil); status != http.StatusOK {
		t.Fatalf("resume status=%d", status)
	}
	if status := doJSONRequest(t, client, http.MethodDelete, base, token, nil, nil); status != http.StatusOK {
		t.Fatalf("stop status=%d", status)
	}
	if st := eng.sessions[created.ID].State; st != "stopped" {
		t.Fatalf("expected stopped, got %s", st)
	}
}

// Instance identifiers embed the session prefix, so the route carries
// only the type:symbol suffix and the handler rebuilds the full id.
func TestStrategyRoutesRebuildInstanceID(t *testing.T) {
	ts, eng, _ := newTestAPIServer(t)
	client := ts.Client()
	token := registerAndLogin(t, client, ts.URL)

	var created engine.SessionStatus
	doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/v1/sessions", token, map[string]any{
		"symbols": []string{"BTC_USDT"},
	}, &created)

	var activated struct {
		InstanceID string `json:"instance_id"`
	}
	status := doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/v1/sessions/"+created.ID+"/strategies", token, map[string]any{
		"type": "ma_cross", "symbol": "BTC_USDT", "size": 1.0,
	}, &activated)
	if status != http.StatusCreated {
		t.Fatalf("activate status=%d", status)
	}
	want := created.ID + "/ma_cross:BTC_USDT"
	if activated.InstanceID != want {
		t.Fatalf("instance id = %q, want %q", activated.InstanceID, want)
	}

	delURL := ts.URL + "/api/v1/sessions/" + created.ID + "/strategies/ma_cross:BTC_USDT"
	if status := doJSONRequest(t, client, http.MethodDelete, delURL, token, nil, nil); status != http.StatusOK {
		t.Fatalf("deactivate status=%d", status)
	}
	if eng.instances[want] {
		t.Fatalf("instance %s still registered after deactivate", want)
	}

	var envelope struct {
		Code string `json:"code"`
	}
	resetURL := delURL + "/reset"
	status = doJSONRequest(t, client, http.MethodPost, resetURL, token, nil, &envelope)
	if status != http.StatusNotFound || envelope.Code != "not_found" {
		t.Fatalf("expected 404 not_found after deactivate, got status=%d code=%s", status, envelope.Code)
	}
}

func TestIndicatorQueryParams(t *testing.T) {
	ts, eng, _ := newTestAPIServer(t)
	client := ts.Client()
	token := registerAndLogin(t, client, ts.URL)

	var resp struct {
		Ready bool    `json:"ready"`
		Value float64 `json:"value"`
	}
	url := ts.URL + "/api/v1/indicators/btc_usdt/sma?period=3&window=5"
	if status := doJSONRequest(t, client, http.MethodGet, url, token, nil, &resp); status != http.StatusOK {
		t.Fatalf("indicator status=%d", status)
	}
	if !resp.Ready || resp.Value != 101.5 {
		t.Fatalf("unexpected indicator response: %+v", resp)
	}
	if eng.lastVariant.Symbol != "BTC_USDT" || eng.lastVariant.Kind != indicators.KindSMA {
		t.Fatalf("variant not normalized: %+v", eng.lastVariant)
	}
	if eng.lastVariant.Params["period"] != 3 || eng.lastWindow != 5 {
		t.Fatalf("params not parsed: params=%v window=%d", eng.lastVariant.Params, eng.lastWindow)
	}

	url = ts.URL + "/api/v1/indicators/btc_usdt/sma?period=250"
	if status := doJSONRequest(t, client, http.MethodGet, url, token, nil, &resp); status != http.StatusOK {
		t.Fatalf("cold indicator status=%d", status)
	}
	if resp.Ready {
		t.Fatalf("expected ready=false for cold variant")
	}

	var envelope struct {
		Code string `json:"code"`
	}
	url = ts.URL + "/api/v1/indicators/btc_usdt/sma?period=abc"
	status := doJSONRequest(t, client, http.MethodGet, url, token, nil, &envelope)
	if status != http.StatusBadRequest || envelope.Code != "validation_error" {
		t.Fatalf("expected 400 for non-numeric param, got status=%d code=%s", status, envelope.Code)
	}
}

func TestHistoryLimitClamp(t *testing.T) {
	ts, eng, _ := newTestAPIServer(t)
	client := ts.Client()
	token := registerAndLogin(t, client, ts.URL)

	doJSONRequest(t, client, http.MethodGet, ts.URL+"/api/v1/sessions/sess-1/orders?limit=9999", token, nil, nil)
	if eng.lastLimit != 500 {
		t.Fatalf("limit not clamped, got %d", eng.lastLimit)
	}
	doJSONRequest(t, client, http.MethodGet, ts.URL+"/api/v1/sessions/sess-1/fills", token, nil, nil)
	if eng.lastLimit != 100 {
		t.Fatalf("default limit = %d, want 100", eng.lastLimit)
	}
}

func TestRiskLimitsRoundTrip(t *testing.T) {
	ts, _, _ := newTestAPIServer(t)
	client := ts.Client()
	token := registerAndLogin(t, client, ts.URL)

	payload := map[string]any{
		"min_order_notional": 10,
		"max_order_notional": 25000,
		"max_open_positions": 6,
		"stop_loss_pct":      0.02,
	}
	var updated struct {
		Limits risk.Limits `json:"limits"`
	}
	status := doJSONRequest(t, client, http.MethodPut, ts.URL+"/api/v1/risk/limits", token, payload, &updated)
	if status != http.StatusOK {
		t.Fatalf("update limits status=%d", status)
	}
	if updated.Limits.MaxOrderNotional != 25000 || updated.Limits.MaxOpenPositions != 6 {
		t.Fatalf("limits not applied: %+v", updated.Limits)
	}

	var riskResp struct {
		Limits struct {
			StopLossPct float64 `json:"StopLossPct"`
		} `json:"limits"`
	}
	status = doJSONRequest(t, client, http.MethodGet, ts.URL+"/api/v1/risk", token, nil, &riskResp)
	if status != http.StatusOK {
		t.Fatalf("risk status=%d", status)
	}
	if riskResp.Limits.StopLossPct != 0.02 {
		t.Fatalf("stop loss = %v, want 0.02", riskResp.Limits.StopLossPct)
	}
}

func TestLastPriceRoutes(t *testing.T) {
	ts, _, _ := newTestAPIServer(t)
	client := ts.Client()
	token := registerAndLogin(t, client, ts.URL)

	var priced struct {
		Symbol string  `json:"symbol"`
		Price  float64 `json:"price"`
	}
	status := doJSONRequest(t, client, http.MethodGet, ts.URL+"/api/v1/market/btc_usdt/price", token, nil, &priced)
	if status != http.StatusOK || priced.Price != 50123.5 {
		t.Fatalf("price status=%d resp=%+v", status, priced)
	}

	var envelope struct {
		Code string `json:"code"`
	}
	status = doJSONRequest(t, client, http.MethodGet, ts.URL+"/api/v1/market/XRP_USDT/price", token, nil, &envelope)
	if status != http.StatusNotFound || envelope.Code != "not_found" {
		t.Fatalf("expected 404 not_found, got status=%d code=%s", status, envelope.Code)
	}
}

func TestWebsocketStreamsSelectedTopics(t *testing.T) {
	ts, _, bus := newTestAPIServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?topics=risk_alert"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	deadline := time.Now().Add(3 * time.Second)
	for bus.SubscriberCount(events.EventRiskAlert) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("server never subscribed to risk_alert")
		}
		time.Sleep(5 * time.Millisecond)
	}

	bus.Publish(events.EventRiskAlert, map[string]any{"kind": "drawdown"})

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var frame struct {
		Topic string         `json:"topic"`
		Data  map[string]any `json:"data"`
	}
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if frame.Topic != "risk_alert" || frame.Data["kind"] != "drawdown" {
		t.Fatalf("unexpected frame: %+v", frame)
	}
}

func TestWebsocketRejectsUnknownTopic(t *testing.T) {
	ts, _, _ := newTestAPIServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?topics=nonsense"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var envelope struct {
		Code string `json:"code"`
	}
	if err := conn.ReadJSON(&envelope); err != nil {
		t.Fatalf("read error frame: %v", err)
	}
	if envelope.Code != "validation_error" {
		t.Fatalf("expected validation_error frame, got %+v", envelope)
	}
}
