package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"dialer-platform/internal/config"
)

// fakeDevice emulates the gateway's embedded web UI: cookie login, JSON port
// status, HTML everywhere else.
type fakeDevice struct {
	mu          sync.Mutex
	logins      int32
	statusCalls int32
	smsCalls    int32

	loginDelay    time.Duration
	denyLogin     bool
	expireStatusN int32 // serve the login page for the first N status calls
	expireSmsN    int32 // serve the login page for the first N sms calls

	ports []PortStatus

	smsStatus int
	smsBody   string
	lastForm  map[string]string
}

const loginHTML = `<html><head><title>IAD Web</title></head><body>Please login: enLogin.htm</body></html>`

func (d *fakeDevice) cookieValid(r *http.Request) bool {
	return r.Header.Get("Cookie") == fmt.Sprintf("JSESSIONID=tok-%d", atomic.LoadInt32(&d.logins))
}

func (d *fakeDevice) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/goform/IADIdentityAuth", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(d.loginDelay)
		if d.denyLogin {
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprint(w, loginHTML)
			return
		}
		n := atomic.AddInt32(&d.logins, 1)
		http.SetCookie(w, &http.Cookie{Name: "JSESSIONID", Value: fmt.Sprintf("tok-%d", n)})
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html>ok</html>")
	})

	mux.HandleFunc("/WebGetPortInfoAll", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&d.statusCalls, 1)
		if n <= atomic.LoadInt32(&d.expireStatusN) || !d.cookieValid(r) {
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprint(w, loginHTML)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		d.mu.Lock()
		defer d.mu.Unlock()
		rows := append([]PortStatus{}, d.ports...)
		rows = append(rows, PortStatus{Port: "Total", Signal: 0})
		_ = json.NewEncoder(w).Encode(rows)
	})

	mux.HandleFunc("/goform/WIAMsgSend", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&d.smsCalls, 1)
		if n <= atomic.LoadInt32(&d.expireSmsN) || !d.cookieValid(r) {
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprint(w, loginHTML)
			return
		}
		_ = r.ParseForm()
		d.mu.Lock()
		d.lastForm = map[string]string{}
		for k := range r.PostForm {
			d.lastForm[k] = r.PostForm.Get(k)
		}
		d.mu.Unlock()
		status := d.smsStatus
		if status == 0 {
			status = http.StatusOK
		}
		body := d.smsBody
		if body == "" {
			body = "<html><body>Send Success</body></html>"
		}
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	})

	return mux
}

func newTestClient(t *testing.T, d *fakeDevice) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(d.handler())
	t.Cleanup(srv.Close)

	c := NewClient(config.GatewayConfig{
		BaseURL:     srv.URL,
		Username:    "admin",
		Password:    "secret",
		CountryCode: "91",
		Timeout:     5 * time.Second,
	}, nil)
	return c, srv
}

func registeredPort(port string) PortStatus {
	return PortStatus{Port: port, Status: "Mobile Registered", Signal: 4, Operator: "AirTel", CallStatus: "Idle"}
}

func TestPortStatus_FiltersTotalSentinel(t *testing.T) {
	d := &fakeDevice{ports: []PortStatus{registeredPort("0"), registeredPort("1")}}
	c, _ := newTestClient(t, d)

	ports, err := c.PortStatus(context.Background())
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(ports) != 2 {
		t.Fatalf("expected 2 ports after filtering Total, got %d", len(ports))
	}
	for _, p := range ports {
		if p.Port == "Total" {
			t.Fatalf("Total sentinel not filtered")
		}
	}
}

func TestPortStatus_RecoversExpiredSessionOnce(t *testing.T) {
	d := &fakeDevice{ports: []PortStatus{registeredPort("0")}, expireStatusN: 1}
	c, _ := newTestClient(t, d)

	// Seed a stale cookie so the first GET hits the login page.
	c.mu.Lock()
	c.cookie = "JSESSIONID=stale"
	c.mu.Unlock()

	ports, err := c.PortStatus(context.Background())
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(ports) != 1 {
		t.Fatalf("expected the retried JSON result, got %d ports", len(ports))
	}
	if got := atomic.LoadInt32(&d.logins); got != 1 {
		t.Fatalf("expected exactly 1 re-auth, got %d", got)
	}
	if got := atomic.LoadInt32(&d.statusCalls); got != 2 {
		t.Fatalf("expected exactly 2 status calls (original + one retry), got %d", got)
	}
}

func TestPortStatus_GivesUpAfterSecondFailure(t *testing.T) {
	d := &fakeDevice{ports: []PortStatus{registeredPort("0")}, expireStatusN: 10}
	c, _ := newTestClient(t, d)

	_, err := c.PortStatus(context.Background())
	if !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
	}
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired in the give-up error, got %v", err)
	}
	if got := atomic.LoadInt32(&d.statusCalls); got != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", got)
	}
}

func TestAuthenticate_SingleFlight(t *testing.T) {
	d := &fakeDevice{ports: []PortStatus{registeredPort("0")}, loginDelay: 50 * time.Millisecond}
	c, _ := newTestClient(t, d)

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.PortStatus(context.Background())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("unexpected err: %v", err)
		}
	}
	if got := atomic.LoadInt32(&d.logins); got != 1 {
		t.Fatalf("expected a single in-flight login shared by all callers, got %d", got)
	}
}

func TestAuthenticate_NoCookieIsAuthenticationError(t *testing.T) {
	d := &fakeDevice{denyLogin: true}
	c, _ := newTestClient(t, d)

	_, err := c.PortStatus(context.Background())
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
}

func TestPortStatus_NetworkErrorIsUnavailable(t *testing.T) {
	d := &fakeDevice{}
	c, srv := newTestClient(t, d)
	srv.Close()

	_, err := c.PortStatus(context.Background())
	if !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
	}
}

func TestPortStatusByPort(t *testing.T) {
	d := &fakeDevice{ports: []PortStatus{registeredPort("0"), registeredPort("2")}}
	c, _ := newTestClient(t, d)

	p, ok, err := c.PortStatusByPort(context.Background(), "2")
	if err != nil || !ok {
		t.Fatalf("expected port 2, ok=%v err=%v", ok, err)
	}
	if p.Operator != "AirTel" {
		t.Fatalf("unexpected port: %+v", p)
	}

	_, ok, err = c.PortStatusByPort(context.Background(), "7")
	if err != nil || ok {
		t.Fatalf("expected port 7 to be absent")
	}
}

func TestPortStatus_RegistrationState(t *testing.T) {
	cases := []struct {
		status string
		want   RegistrationState
	}{
		{"Mobile Registered", PortRegistered},
		{"No SIM", PortNotRegistered},
		{"", PortUnknown},
	}
	for _, tc := range cases {
		p := PortStatus{Status: tc.status}
		if got := p.RegistrationState(); got != tc.want {
			t.Fatalf("status %q: expected %q, got %q", tc.status, tc.want, got)
		}
	}
}
