package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"warm-transfer-platform/internal/agents"
	"warm-transfer-platform/internal/auth"
	"warm-transfer-platform/internal/calls"
	"warm-transfer-platform/internal/config"
	"warm-transfer-platform/internal/gateway"
	"warm-transfer-platform/internal/summary"
	"warm-transfer-platform/internal/transfer"
)

func newTestRouter(t *testing.T) (*gin.Engine, Handlers) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	provider := gateway.NewFake()
	agentSvc := agents.NewService(agents.NewMemoryRepo(), agents.NoopGuard{}, log)
	callSvc := calls.NewService(calls.NewMemoryRepo(), agentSvc, provider, calls.Options{}, log)
	orch := transfer.NewOrchestrator(transfer.NewMemoryRepo(), callSvc, agentSvc, provider,
		summary.Static{}, transfer.Options{}, log)
	mgr, err := auth.NewManager(config.AuthConfig{
		JWTSecret: "secret", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour,
	})
	if err != nil {
		t.Fatalf("auth manager: %v", err)
	}

	h := Handlers{
		Auth:      mgr,
		Agents:    agentSvc,
		Calls:     callSvc,
		Transfers: orch,
		Provider:  provider,
	}

	r := gin.New()
	r.POST("/auth/token", h.IssueToken)
	r.POST("/agents", h.CreateAgent)
	r.GET("/agents", h.ListAgents)
	r.GET("/agents/:agent_id", h.GetAgent)
	r.PATCH("/agents/:agent_id/status", h.SetAgentStatus)
	r.POST("/calls/create", h.CreateCall)
	r.POST("/calls/join", h.JoinCall)
	r.GET("/calls/waiting", h.ListWaitingCalls)
	r.GET("/calls/:call_id", h.GetCall)
	r.PUT("/calls/:call_id/status", h.UpdateCallStatus)
	r.POST("/transfer/initiate", h.InitiateTransfer)
	r.GET("/rooms/:room_id/stats", h.RoomStats)
	return r, h
}

func doJSON(t *testing.T, r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAgentLifecycleOverHTTP(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/agents",
		`{"name":"Ana","email":"ana@example.com","skills":["billing"]}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", w.Code, w.Body.String())
	}
	var created agents.Agent
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Status != agents.StatusAvailable {
		t.Fatalf("created agent = %+v", created)
	}

	if w := doJSON(t, r, http.MethodPost, "/agents",
		`{"name":"Dup","email":"ana@example.com"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("duplicate email status = %d", w.Code)
	}

	w = doJSON(t, r, http.MethodGet, "/agents?status=available", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	if cc := w.Header().Get("Cache-Control"); cc != "no-store" {
		t.Fatalf("Cache-Control = %q, want no-store", cc)
	}

	w = doJSON(t, r, http.MethodPatch, "/agents/"+created.ID+"/status", `{"status":"offline"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("set status = %d, body = %s", w.Code, w.Body.String())
	}
	if w := doJSON(t, r, http.MethodPatch, "/agents/"+created.ID+"/status", `{"status":"asleep"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("bad status code = %d", w.Code)
	}
	if w := doJSON(t, r, http.MethodGet, "/agents/missing", ""); w.Code != http.StatusNotFound {
		t.Fatalf("missing agent status = %d", w.Code)
	}
}

func TestCallFlowOverHTTP(t *testing.T) {
	r, _ := newTestRouter(t)

	// No agents yet, so the call queues.
	w := doJSON(t, r, http.MethodPost, "/calls/create", `{"caller_name":"Caller","reason":"billing"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create call = %d, body = %s", w.Code, w.Body.String())
	}
	var res calls.CreateResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Assigned || res.Call.Status != calls.StatusWaiting || res.Token == "" {
		t.Fatalf("create result = %+v", res)
	}

	w = doJSON(t, r, http.MethodGet, "/calls/waiting", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), res.Call.ID) {
		t.Fatalf("waiting list = %d %s", w.Code, w.Body.String())
	}

	// Illegal transition maps to 409.
	if w := doJSON(t, r, http.MethodPut, "/calls/"+res.Call.ID+"/status", `{"status":"completed"}`); w.Code != http.StatusConflict {
		t.Fatalf("illegal transition status = %d, body = %s", w.Code, w.Body.String())
	}

	// An agent picks the call up through join.
	aw := doJSON(t, r, http.MethodPost, "/agents", `{"name":"Ana","email":"ana@example.com"}`)
	var agent agents.Agent
	if err := json.Unmarshal(aw.Body.Bytes(), &agent); err != nil {
		t.Fatalf("decode agent: %v", err)
	}
	w = doJSON(t, r, http.MethodPost, "/calls/join",
		`{"room_id":"`+res.RoomID+`","participant_identity":"agent_`+agent.ID+`","participant_name":"Ana"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("join = %d, body = %s", w.Code, w.Body.String())
	}
	var join calls.JoinResult
	if err := json.Unmarshal(w.Body.Bytes(), &join); err != nil {
		t.Fatalf("decode join: %v", err)
	}
	if join.Call.Status != calls.StatusActive || join.Token == "" {
		t.Fatalf("join result = %+v", join)
	}

	if w := doJSON(t, r, http.MethodPut, "/calls/"+res.Call.ID+"/status", `{"status":"completed"}`); w.Code != http.StatusOK {
		t.Fatalf("complete = %d, body = %s", w.Code, w.Body.String())
	}
	if w := doJSON(t, r, http.MethodGet, "/rooms/"+res.RoomID+"/stats", ""); w.Code != http.StatusNotFound {
		t.Fatalf("closed room stats = %d", w.Code)
	}
}

func TestWaitingListIncludesStaleByDefault(t *testing.T) {
	gin.SetMode(gin.TestMode)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	provider := gateway.NewFake()
	agentSvc := agents.NewService(agents.NewMemoryRepo(), agents.NoopGuard{}, log)
	callSvc := calls.NewService(calls.NewMemoryRepo(), agentSvc, provider,
		calls.Options{Staleness: time.Nanosecond}, log)
	h := Handlers{Calls: callSvc}
	r := gin.New()
	r.GET("/calls/waiting", h.ListWaitingCalls)

	res, err := callSvc.Create(context.Background(), calls.CreateInput{CallerName: "Caller"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	w := doJSON(t, r, http.MethodGet, "/calls/waiting", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), res.Call.ID) {
		t.Fatalf("default waiting list = %d %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"stale":true`) {
		t.Fatalf("stale marker missing: %s", w.Body.String())
	}

	w = doJSON(t, r, http.MethodGet, "/calls/waiting?include_stale=false", "")
	if strings.Contains(w.Body.String(), res.Call.ID) {
		t.Fatalf("include_stale=false should trim stale calls: %s", w.Body.String())
	}
}

func TestCreateCallSkipsAssignmentWhenAsked(t *testing.T) {
	r, _ := newTestRouter(t)

	aw := doJSON(t, r, http.MethodPost, "/agents", `{"name":"Ana","email":"ana@example.com"}`)
	var agent agents.Agent
	if err := json.Unmarshal(aw.Body.Bytes(), &agent); err != nil {
		t.Fatalf("decode agent: %v", err)
	}

	w := doJSON(t, r, http.MethodPost, "/calls/create", `{"caller_name":"Caller","assign_agent":false}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create call = %d, body = %s", w.Code, w.Body.String())
	}
	var res calls.CreateResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Assigned || res.Call.Status != calls.StatusWaiting {
		t.Fatalf("call should wait for an explicit join, got %+v", res)
	}

	gw := doJSON(t, r, http.MethodGet, "/agents/"+agent.ID, "")
	var got agents.Agent
	if err := json.Unmarshal(gw.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode agent: %v", err)
	}
	if got.Status != agents.StatusAvailable {
		t.Fatalf("agent status = %s, want available", got.Status)
	}
}

func TestIssueTokenOverHTTP(t *testing.T) {
	r, _ := newTestRouter(t)

	aw := doJSON(t, r, http.MethodPost, "/agents", `{"name":"Ana","email":"ana@example.com"}`)
	var agent agents.Agent
	if err := json.Unmarshal(aw.Body.Bytes(), &agent); err != nil {
		t.Fatalf("decode agent: %v", err)
	}

	w := doJSON(t, r, http.MethodPost, "/auth/token", `{"agent_id":"`+agent.ID+`"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("token = %d, body = %s", w.Code, w.Body.String())
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["access_token"] == "" || body["refresh_token"] == "" {
		t.Fatalf("token body = %v", body)
	}

	if w := doJSON(t, r, http.MethodPost, "/auth/token", `{"agent_id":"missing"}`); w.Code != http.StatusNotFound {
		t.Fatalf("unknown agent token = %d", w.Code)
	}
}

func TestTransferConflictOverHTTP(t *testing.T) {
	r, _ := newTestRouter(t)

	aw := doJSON(t, r, http.MethodPost, "/agents", `{"name":"Ana","email":"ana@example.com"}`)
	var agent agents.Agent
	if err := json.Unmarshal(aw.Body.Bytes(), &agent); err != nil {
		t.Fatalf("decode agent: %v", err)
	}
	cw := doJSON(t, r, http.MethodPost, "/calls/create", `{"caller_name":"Caller"}`)
	var res calls.CreateResult
	if err := json.Unmarshal(cw.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode call: %v", err)
	}

	// Self transfer is a validation error.
	w := doJSON(t, r, http.MethodPost, "/transfer/initiate",
		`{"call_id":"`+res.Call.ID+`","from_agent_id":"`+agent.ID+`","to_agent_id":"`+agent.ID+`"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("self transfer = %d, body = %s", w.Code, w.Body.String())
	}
}
