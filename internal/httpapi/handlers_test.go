package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"dialer-platform/internal/auth"
	"dialer-platform/internal/callctl"
	"dialer-platform/internal/config"
	"dialer-platform/internal/gateway"
	"dialer-platform/internal/pbx"

	"github.com/gin-gonic/gin"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubCloud struct{ startErr error }

func (s stubCloud) StartCall(context.Context, string, string) (callctl.CloudCall, error) {
	if s.startErr != nil {
		return callctl.CloudCall{}, s.startErr
	}
	return callctl.CloudCall{CallID: "cv-1"}, nil
}

func (s stubCloud) EndCall(context.Context) error { return nil }

type stubLegacy struct{}

func (stubLegacy) Registered() bool { return false }

func (stubLegacy) MakeCall(context.Context, string) (callctl.LegacySession, error) {
	return nil, errors.New("unreachable")
}

type failingRunner struct{}

func (failingRunner) Run(context.Context, string) (string, error) {
	return "", errors.New("asterisk unreachable")
}

func newHandlers(t *testing.T) Handlers {
	t.Helper()
	mgr, err := auth.NewManager(config.AuthConfig{
		JWTSecret:       "test-secret",
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: time.Hour,
	})
	if err != nil {
		t.Fatalf("auth manager: %v", err)
	}
	return Handlers{
		Auth: mgr,
		Dashboard: config.AuthConfig{
			DashboardUser:     "operator",
			DashboardPassword: "hunter2",
		},
		PBX: pbx.NewService(failingRunner{}, discardLogger()),
		Lines: callctl.NewRegistry(func(line string) *callctl.Orchestrator {
			return callctl.New(stubLegacy{}, stubCloud{}, callctl.Hooks{}, callctl.Options{}, discardLogger())
		}),
		Log: discardLogger(),
	}
}

func newRouter(h Handlers) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/v1/auth/login", h.Login)
	r.GET("/v1/ports", h.ListPorts)
	r.POST("/v1/sms", h.SendSMS)
	r.GET("/v1/sip-users", h.ListSIPUsers)
	r.GET("/v1/lines", h.ListLines)
	r.POST("/v1/lines/:line/start-call", h.StartCall)
	r.POST("/v1/lines/:line/end-call", h.EndCall)
	return r
}

func doJSON(r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestLogin(t *testing.T) {
	r := newRouter(newHandlers(t))

	w := doJSON(r, http.MethodPost, "/v1/auth/login", loginRequest{Username: "operator", Password: "hunter2"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["access_token"] == "" || resp["refresh_token"] == "" {
		t.Fatalf("expected token pair, got %v", resp)
	}

	w = doJSON(r, http.MethodPost, "/v1/auth/login", loginRequest{Username: "operator", Password: "wrong"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestStartCallLifecycle(t *testing.T) {
	r := newRouter(newHandlers(t))

	body := startCallRequest{PhoneNumber: "5551234", LeadID: "lead1"}
	w := doJSON(r, http.MethodPost, "/v1/lines/agent-1/start-call", body)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var sess callctl.Session
	if err := json.Unmarshal(w.Body.Bytes(), &sess); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if sess.ID == "" || !sess.CloudLeg {
		t.Fatalf("unexpected session: %+v", sess)
	}

	// Same line busy, other line free.
	if w := doJSON(r, http.MethodPost, "/v1/lines/agent-1/start-call", body); w.Code != http.StatusConflict {
		t.Fatalf("expected 409 on busy line, got %d", w.Code)
	}
	if w := doJSON(r, http.MethodPost, "/v1/lines/agent-2/start-call", body); w.Code != http.StatusOK {
		t.Fatalf("expected 200 on free line, got %d", w.Code)
	}

	w = doJSON(r, http.MethodPost, "/v1/lines/agent-1/end-call", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var endResp map[string]string
	_ = json.Unmarshal(w.Body.Bytes(), &endResp)
	if endResp["phase"] != string(callctl.PhaseIdle) {
		t.Fatalf("expected idle phase, got %v", endResp)
	}

	// Ending an idle line is a no-op.
	if w := doJSON(r, http.MethodPost, "/v1/lines/agent-1/end-call", nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200 on idle end, got %d", w.Code)
	}
}

func TestStartCallCloudFailure(t *testing.T) {
	h := newHandlers(t)
	h.Lines = callctl.NewRegistry(func(line string) *callctl.Orchestrator {
		return callctl.New(stubLegacy{}, stubCloud{startErr: errors.New("503")}, callctl.Hooks{}, callctl.Options{}, discardLogger())
	})
	r := newRouter(h)

	w := doJSON(r, http.MethodPost, "/v1/lines/agent-1/start-call", startCallRequest{PhoneNumber: "5551234", LeadID: "lead1"})
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d: %s", w.Code, w.Body.String())
	}
}

func TestStartCallValidation(t *testing.T) {
	r := newRouter(newHandlers(t))

	w := doJSON(r, http.MethodPost, "/v1/lines/agent-1/start-call", startCallRequest{PhoneNumber: "5551234"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing lead_id, got %d", w.Code)
	}
}

func TestSendSMSValidation(t *testing.T) {
	r := newRouter(newHandlers(t))

	w := doJSON(r, http.MethodPost, "/v1/sms", sendSMSRequest{PhoneNumber: "5551234"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing message, got %d", w.Code)
	}
	w = doJSON(r, http.MethodPost, "/v1/sms", sendSMSRequest{PhoneNumber: "5551234", Message: "hi", PortIndex: -1})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative port_index, got %d", w.Code)
	}
}

func TestListSIPUsersPBXFailure(t *testing.T) {
	r := newRouter(newHandlers(t))

	w := doJSON(r, http.MethodGet, "/v1/sip-users", nil)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}
}

func TestListPortsFromDevice(t *testing.T) {
	device := http.NewServeMux()
	device.HandleFunc("/goform/IADIdentityAuth", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "JSESSIONID", Value: "tok"})
		w.WriteHeader(http.StatusOK)
	})
	device.HandleFunc("/WebGetPortInfoAll", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]gateway.PortStatus{
			{Port: "1A", Status: "Mobile Registered", Signal: 4, Operator: "TestCell"},
			{Port: "Total"},
		})
	})
	srv := httptest.NewServer(device)
	defer srv.Close()

	h := newHandlers(t)
	h.Gateway = gateway.NewClient(config.GatewayConfig{
		BaseURL:  srv.URL,
		Username: "admin",
		Password: "admin",
		Timeout:  5 * time.Second,
	}, discardLogger())
	r := newRouter(h)

	w := doJSON(r, http.MethodGet, "/v1/ports", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Ports  []gateway.PortStatus `json:"ports"`
		Cached bool                 `json:"cached"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Ports) != 1 {
		t.Fatalf("expected 1 port (Total filtered), got %d", len(resp.Ports))
	}
	if resp.Ports[0].Signal != 80 {
		t.Fatalf("expected signal rescaled to 80, got %d", resp.Ports[0].Signal)
	}
}

func TestDisplaySignal(t *testing.T) {
	cases := []struct{ in, want int }{
		{0, 0}, {3, 60}, {5, 100}, {80, 80}, {100, 100},
	}
	for _, tc := range cases {
		if got := displaySignal(tc.in); got != tc.want {
			t.Fatalf("displaySignal(%d) = %d, want %d", tc.in, got, tc.want)
		}
	}
}
