package gateway

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"dialer-platform/internal/config"

	"golang.org/x/sync/singleflight"
)

// Device endpoints. The gateway is an embedded web UI, not a REST API: login
// is a form post that answers with a session cookie, and most error responses
// are HTML pages.
const (
	loginPath      = "/goform/IADIdentityAuth"
	portStatusPath = "/WebGetPortInfoAll"
	smsPath        = "/goform/WIAMsgSend"
)

// totalSentinelPort is the aggregate pseudo-row the device appends to the
// port list; it is filtered out before returning.
const totalSentinelPort = "Total"

// Client owns one authenticated cookie session against a multi-SIM voice/SMS
// gateway device.
//
// Session invariants:
//   - at most one login request is in flight at a time (single-flight);
//     concurrent callers share the same attempt
//   - readers observe either the pre-refresh or post-refresh cookie, never a
//     torn value
//   - an expired session is recovered with exactly one re-auth plus one retry
//     per operation; a second failure surfaces ErrGatewayUnavailable
type Client struct {
	baseURL     string
	username    string
	password    string
	countryCode string

	http  *http.Client
	log   *slog.Logger
	clock func() time.Time

	mu       sync.RWMutex
	cookie   string
	issuedAt time.Time

	login singleflight.Group
}

func NewClient(cfg config.GatewayConfig, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	transport := http.DefaultTransport
	if cfg.InsecureTLS {
		// LAN devices ship self-signed certificates.
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		username:    cfg.Username,
		password:    cfg.Password,
		countryCode: cfg.CountryCode,
		http: &http.Client{
			Timeout:   timeout,
			Transport: transport,
			// The device answers logins and sends with redirects; the raw
			// status is needed for outcome classification.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		log:   log,
		clock: time.Now,
	}
}

// authenticate logs in and replaces the cached cookie. Concurrent callers
// share one in-flight attempt so parallel expiries cannot clobber each
// other's cookies.
func (c *Client) authenticate(ctx context.Context) (string, error) {
	v, err, _ := c.login.Do("session", func() (any, error) {
		cookie, err := c.doLogin(ctx)
		if err != nil {
			return "", err
		}
		c.mu.Lock()
		c.cookie = cookie
		c.issuedAt = c.clock().UTC()
		c.mu.Unlock()
		c.log.Info("gateway session established")
		return cookie, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Client) doLogin(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("username", c.username)
	form.Set("password", c.password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+loginPath, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	c.setBrowserHeaders(req)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: login request: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	for _, ck := range resp.Cookies() {
		if ck.Name == "JSESSIONID" && ck.Value != "" {
			return "JSESSIONID=" + ck.Value, nil
		}
	}
	return "", fmt.Errorf("%w: login response carried no session cookie (status %d)", ErrAuthentication, resp.StatusCode)
}

// sessionCookie returns the cached cookie, authenticating first if none
// exists yet.
func (c *Client) sessionCookie(ctx context.Context) (string, error) {
	c.mu.RLock()
	cookie := c.cookie
	c.mu.RUnlock()
	if cookie != "" {
		return cookie, nil
	}
	return c.authenticate(ctx)
}

// setBrowserHeaders mimics the device web UI; some firmwares reject requests
// without Origin/Referer.
func (c *Client) setBrowserHeaders(req *http.Request) {
	req.Header.Set("Origin", c.baseURL)
	req.Header.Set("Referer", c.baseURL+"/enLogin.htm")
	req.Header.Set("User-Agent", "Mozilla/5.0")
}

// httpResult is the decoded half of a device response; enough to classify
// session expiry and send outcomes without re-reading the body.
type httpResult struct {
	status      int
	contentType string
	body        []byte
}

func (r httpResult) bodyString() string { return string(r.body) }

// sessionExpired applies the expiry heuristic for JSON endpoints: the device
// answers expired sessions with its HTML login page or a 401/403.
func (r httpResult) sessionExpired() bool {
	return !strings.Contains(r.contentType, "application/json") ||
		r.status == http.StatusUnauthorized ||
		r.status == http.StatusForbidden
}

func (c *Client) doGet(ctx context.Context, path, cookie string) (httpResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return httpResult{}, err
	}
	req.Header.Set("Cookie", cookie)
	req.Header.Set("Accept", "application/json")
	return c.do(req)
}

func (c *Client) doPostForm(ctx context.Context, path, cookie string, form url.Values) (httpResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return httpResult{}, err
	}
	c.setBrowserHeaders(req)
	req.Header.Set("Referer", c.baseURL+"/enFrame.htm")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Cookie", cookie)
	return c.do(req)
}

func (c *Client) do(req *http.Request) (httpResult, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return httpResult{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return httpResult{}, err
	}
	return httpResult{
		status:      resp.StatusCode,
		contentType: resp.Header.Get("Content-Type"),
		body:        body,
	}, nil
}

// PortStatus queries the status of every SIM port. An expired session is
// re-authenticated once and the query retried exactly once.
func (c *Client) PortStatus(ctx context.Context) ([]PortStatus, error) {
	cookie, err := c.sessionCookie(ctx)
	if err != nil {
		return nil, err
	}

	res, err := c.doGet(ctx, portStatusPath, cookie)
	if err != nil {
		return nil, fmt.Errorf("%w: port status: %v", ErrGatewayUnavailable, err)
	}

	if res.sessionExpired() {
		c.log.Info("gateway session expired, re-authenticating", "status", res.status)
		cookie, err = c.authenticate(ctx)
		if err != nil {
			return nil, err
		}
		res, err = c.doGet(ctx, portStatusPath, cookie)
		if err != nil {
			return nil, fmt.Errorf("%w: port status retry: %v", ErrGatewayUnavailable, err)
		}
		if res.sessionExpired() {
			return nil, fmt.Errorf("%w: %w on port status after re-auth (status %d)", ErrGatewayUnavailable, ErrSessionExpired, res.status)
		}
	}
	if res.status != http.StatusOK {
		return nil, fmt.Errorf("%w: port status returned %d", ErrGatewayUnavailable, res.status)
	}

	var raw []PortStatus
	if err := json.Unmarshal(res.body, &raw); err != nil {
		return nil, fmt.Errorf("%w: port status body is not valid JSON: %v", ErrGatewayUnavailable, err)
	}

	ports := make([]PortStatus, 0, len(raw))
	for _, p := range raw {
		if p.Port == totalSentinelPort {
			continue
		}
		ports = append(ports, p)
	}
	return ports, nil
}

// PortStatusByPort returns the status row for one port, or ok=false when the
// device does not report that port.
func (c *Client) PortStatusByPort(ctx context.Context, port string) (PortStatus, bool, error) {
	ports, err := c.PortStatus(ctx)
	if err != nil {
		return PortStatus{}, false, err
	}
	for _, p := range ports {
		if p.Port == port {
			return p, true, nil
		}
	}
	return PortStatus{}, false, nil
}
