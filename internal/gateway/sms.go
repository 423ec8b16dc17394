package gateway

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// Markers the device's HTML answers carry when the session has lapsed and it
// serves the login page instead of processing the send.
var loginPageMarkers = []string{"login", "IADIdentityAuth", "enLogin.htm"}

// Failure keywords scanned (case-insensitive) in send responses. The device
// answers 200 with an HTML page for both outcomes, so the status code alone
// says nothing.
var failureKeywords = []string{"fail", "error"}

var htmlTitleRe = regexp.MustCompile(`(?i)<title>([^<]+)</title>`)

// SendSMS sends one SMS through a specific SIM port.
//
// The destination is normalized to the local format the device expects:
// whitespace, punctuation and "+" are stripped, and a recognized country-code
// prefix on a prefixed national number is removed. Before any network send
// the port is pre-flight checked: an unregistered or busy port yields a
// descriptive failure without touching the SMS endpoint.
func (c *Client) SendSMS(ctx context.Context, phoneNumber, message string, portIndex int) (SendResult, error) {
	to := normalizeNumber(phoneNumber, c.countryCode)

	port, found, err := c.PortStatusByPort(ctx, strconv.Itoa(portIndex))
	if err != nil {
		return SendResult{}, err
	}
	if found {
		if !port.Registered() {
			return SendResult{
				Success: false,
				Message: fmt.Sprintf("port COM%d is not registered (status %q)", portIndex, port.Status),
			}, nil
		}
		if !port.Idle() {
			return SendResult{
				Success: false,
				Message: fmt.Sprintf("port COM%d is busy (call status %q)", portIndex, port.CallStatus),
			}, nil
		}
	}

	// The device addresses ports with a 1-based checkbox key: Index1 is
	// port 0, Index2 is port 1, and so on.
	form := url.Values{}
	form.Set(fmt.Sprintf("Index%d", portIndex+1), "on")
	form.Set("SendMode", "0")
	form.Set("Addressee", to)
	form.Set("Encoding", "0")
	form.Set("MsgInfo", message)
	form.Set("ok", "Send")

	cookie, err := c.sessionCookie(ctx)
	if err != nil {
		return SendResult{}, err
	}

	res, err := c.doPostForm(ctx, smsPath, cookie, form)
	if err != nil {
		return SendResult{}, fmt.Errorf("%w: sms send to port %d: %v", ErrGatewayUnavailable, portIndex, err)
	}

	if looksLikeLoginPage(res) {
		c.log.Info("gateway session expired during sms send, re-authenticating", "port", portIndex, "status", res.status)
		cookie, err = c.authenticate(ctx)
		if err != nil {
			return SendResult{}, err
		}
		res, err = c.doPostForm(ctx, smsPath, cookie, form)
		if err != nil {
			return SendResult{}, fmt.Errorf("%w: sms send retry to port %d: %v", ErrGatewayUnavailable, portIndex, err)
		}
		if looksLikeLoginPage(res) {
			return SendResult{}, fmt.Errorf("%w: %w on sms send after re-auth (port %d, status %d)", ErrGatewayUnavailable, ErrSessionExpired, portIndex, res.status)
		}
	}

	result := classifySend(res)
	if result.Success {
		c.log.Info("sms sent", "port", portIndex)
	} else {
		c.log.Warn("sms send failed", "port", portIndex, "status", res.status, "message", result.Message)
	}
	return result, nil
}

// classifySend decides the outcome of a send from the status code plus a
// failure-keyword scan of the body. Redirects count as success; the device
// bounces back to its frame page after accepting a message.
func classifySend(res httpResult) SendResult {
	lower := strings.ToLower(res.bodyString())
	failed := false
	for _, kw := range failureKeywords {
		if strings.Contains(lower, kw) {
			failed = true
			break
		}
	}

	if !failed && res.status >= 200 && res.status < 400 {
		return SendResult{Success: true, Message: "SMS sent"}
	}

	msg := "send failed"
	if m := htmlTitleRe.FindSubmatch(res.body); m != nil {
		msg = strings.TrimSpace(string(m[1]))
	}
	return SendResult{Success: false, Message: fmt.Sprintf("%s (status %d)", msg, res.status)}
}

// looksLikeLoginPage applies the SMS-specific expiry heuristic: the JSON
// content-type check alone is useless here because success answers are HTML
// too, so the body is scanned for login-page markers as well.
func looksLikeLoginPage(res httpResult) bool {
	body := strings.ToLower(res.bodyString())
	for _, marker := range loginPageMarkers {
		if strings.Contains(body, strings.ToLower(marker)) {
			return true
		}
	}
	return res.status == 401 || res.status == 403
}

// normalizeNumber strips whitespace, punctuation and "+" and removes a
// recognized country-code prefix when the remainder looks like a prefixed
// national number (country code plus a ten-digit subscriber number).
func normalizeNumber(raw, countryCode string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(raw) {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	n := b.String()

	if countryCode != "" && len(n) == len(countryCode)+10 && strings.HasPrefix(n, countryCode) {
		n = n[len(countryCode):]
	}
	return n
}
