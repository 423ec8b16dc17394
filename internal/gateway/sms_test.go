package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
)

func TestSendSMS_Success(t *testing.T) {
	d := &fakeDevice{ports: []PortStatus{registeredPort("0")}}
	c, _ := newTestClient(t, d)

	res, err := c.SendSMS(context.Background(), "+91 98765-43210", "hello", 0)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}

	d.mu.Lock()
	form := d.lastForm
	d.mu.Unlock()
	if form["Index1"] != "on" {
		t.Fatalf("expected 1-based Index1 key for port 0, got %v", form)
	}
	if form["Addressee"] != "9876543210" {
		t.Fatalf("expected normalized local number, got %q", form["Addressee"])
	}
	if form["MsgInfo"] != "hello" || form["SendMode"] != "0" || form["ok"] != "Send" {
		t.Fatalf("unexpected form payload: %v", form)
	}
}

func TestSendSMS_PreflightRejectsBusyPort(t *testing.T) {
	busy := registeredPort("2")
	busy.CallStatus = "Active"
	d := &fakeDevice{ports: []PortStatus{registeredPort("0"), busy}}
	c, _ := newTestClient(t, d)

	res, err := c.SendSMS(context.Background(), "9876543210", "hi", 2)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if res.Success {
		t.Fatalf("expected failure for busy port")
	}
	if got := atomic.LoadInt32(&d.smsCalls); got != 0 {
		t.Fatalf("pre-flight rejection must not issue the SMS request, got %d calls", got)
	}
}

func TestSendSMS_PreflightRejectsUnregisteredPort(t *testing.T) {
	down := PortStatus{Port: "1", Status: "No SIM", CallStatus: "Idle"}
	d := &fakeDevice{ports: []PortStatus{down}}
	c, _ := newTestClient(t, d)

	res, err := c.SendSMS(context.Background(), "9876543210", "hi", 1)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if res.Success {
		t.Fatalf("expected failure for unregistered port")
	}
	if atomic.LoadInt32(&d.smsCalls) != 0 {
		t.Fatalf("pre-flight rejection must not issue the SMS request")
	}
}

func TestSendSMS_FailureKeywordClassification(t *testing.T) {
	d := &fakeDevice{
		ports:   []PortStatus{registeredPort("0")},
		smsBody: `<html><head><title>Send Fail</title></head><body>Send Fail: no credit</body></html>`,
	}
	c, _ := newTestClient(t, d)

	res, err := c.SendSMS(context.Background(), "9876543210", "hi", 0)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if res.Success {
		t.Fatalf("expected failure classification")
	}
	if res.Message != "Send Fail (status 200)" {
		t.Fatalf("expected title-derived message, got %q", res.Message)
	}
}

func TestSendSMS_RedirectCountsAsSuccess(t *testing.T) {
	d := &fakeDevice{
		ports:     []PortStatus{registeredPort("0")},
		smsStatus: http.StatusFound,
		smsBody:   "<html>redirecting</html>",
	}
	c, _ := newTestClient(t, d)

	res, err := c.SendSMS(context.Background(), "9876543210", "hi", 0)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !res.Success {
		t.Fatalf("redirect without failure keywords should classify as success, got %+v", res)
	}
}

func TestSendSMS_RecoversExpiredSessionOnce(t *testing.T) {
	// The first send attempt is answered with the login page; the client must
	// re-authenticate once and retry the whole send exactly once.
	d := &fakeDevice{ports: []PortStatus{registeredPort("0")}, expireSmsN: 1}
	c, _ := newTestClient(t, d)

	res, err := c.SendSMS(context.Background(), "9876543210", "hi", 0)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success after single re-auth retry, got %+v", res)
	}
	if got := atomic.LoadInt32(&d.smsCalls); got != 2 {
		t.Fatalf("expected original send + one retry, got %d", got)
	}
}

func TestSendSMS_GivesUpWhenSessionStillRejected(t *testing.T) {
	d := &fakeDevice{ports: []PortStatus{registeredPort("0")}, expireSmsN: 2}
	c, _ := newTestClient(t, d)

	_, err := c.SendSMS(context.Background(), "9876543210", "hi", 0)
	if !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
	}
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired in the give-up error, got %v", err)
	}
	if got := atomic.LoadInt32(&d.smsCalls); got != 2 {
		t.Fatalf("expected original send + one retry, got %d", got)
	}
}

func TestSendSMS_NetworkErrorIsUnavailable(t *testing.T) {
	d := &fakeDevice{}
	c, srv := newTestClient(t, d)
	srv.Close()

	_, err := c.SendSMS(context.Background(), "9876543210", "hi", 0)
	if !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
	}
}

func TestNormalizeNumber(t *testing.T) {
	cases := []struct {
		in, country, want string
	}{
		{"+91 98765-43210", "91", "9876543210"},
		{"(987) 654-3210", "91", "9876543210"},
		{"919876543210", "91", "9876543210"},
		{"9876543210", "91", "9876543210"},
		// Only a full prefixed national number is stripped.
		{"9187654321", "91", "9187654321"},
		{"+1 (212) 555-0100 ", "1", "2125550100"},
		{"912125550100", "", "912125550100"},
	}
	for _, tc := range cases {
		if got := normalizeNumber(tc.in, tc.country); got != tc.want {
			t.Fatalf("normalizeNumber(%q, %q) = %q, want %q", tc.in, tc.country, got, tc.want)
		}
	}
}
