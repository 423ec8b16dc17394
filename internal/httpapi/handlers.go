package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"dialer-platform/internal/auth"
	"dialer-platform/internal/callctl"
	"dialer-platform/internal/calls"
	"dialer-platform/internal/config"
	"dialer-platform/internal/gateway"
	"dialer-platform/internal/pbx"
	"dialer-platform/internal/rbac"
	"dialer-platform/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth      *auth.Manager
	Dashboard config.AuthConfig
	Gateway   *gateway.Client
	PBX       *pbx.Service
	Lines     *callctl.Registry
	Calls     *calls.Store
	Redis     *redis.Client
	Log       *slog.Logger
}

const (
	portsCacheKey = "gateway:ports:v1"
	portsCacheTTL = 5 * time.Second

	// One SMS in flight per port. The TTL releases the slot if the process
	// dies mid-send.
	smsSlotTTL = 30 * time.Second
)

// --- Auth ---

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login checks the shared dashboard credential and issues a JWT pair.
func (h Handlers) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.Username == "" || req.Password == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "username and password required"})
		return
	}

	userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(h.Dashboard.DashboardUser)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(req.Password), []byte(h.Dashboard.DashboardPassword)) == 1
	if !userOK || !passOK {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	pair, err := h.Auth.IssuePair(time.Now(), req.Username, rbac.RoleAdmin)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

// --- Gateway ports ---

// displaySignal rescales bar-count signal readings onto percent. Firmwares
// that already report percent pass through untouched.
func displaySignal(s int) int {
	if s >= 0 && s <= 5 {
		return s * 20
	}
	return s
}

func displayPorts(ports []gateway.PortStatus) []gateway.PortStatus {
	out := make([]gateway.PortStatus, len(ports))
	for i, p := range ports {
		p.Signal = displaySignal(p.Signal)
		out[i] = p
	}
	return out
}

// ListPorts returns SIM port status, cached briefly so dashboard polling
// does not hammer the device.
func (h Handlers) ListPorts(c *gin.Context) {
	ctx := c.Request.Context()

	if h.Redis != nil {
		if cached, err := h.Redis.Get(ctx, portsCacheKey).Bytes(); err == nil {
			var ports []gateway.PortStatus
			if json.Unmarshal(cached, &ports) == nil {
				c.JSON(http.StatusOK, gin.H{"ports": ports, "cached": true})
				return
			}
		}
	}

	raw, err := h.Gateway.PortStatus(ctx)
	if err != nil {
		h.abortGatewayError(c, err)
		return
	}
	ports := displayPorts(raw)

	if h.Redis != nil {
		if data, err := json.Marshal(ports); err == nil {
			if err := h.Redis.Set(ctx, portsCacheKey, data, portsCacheTTL).Err(); err != nil {
				h.Log.Warn("port status cache write failed", "err", err)
			}
		}
	}

	c.JSON(http.StatusOK, gin.H{"ports": ports, "cached": false})
}

func (h Handlers) GetPort(c *gin.Context) {
	port := c.Param("port")
	if port == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "port required"})
		return
	}

	p, ok, err := h.Gateway.PortStatusByPort(c.Request.Context(), port)
	if err != nil {
		h.abortGatewayError(c, err)
		return
	}
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "port " + port + " not found"})
		return
	}
	p.Signal = displaySignal(p.Signal)
	c.JSON(http.StatusOK, p)
}

// --- SMS ---

type sendSMSRequest struct {
	PhoneNumber string `json:"phone_number"`
	Message     string `json:"message"`
	PortIndex   int    `json:"port_index"`
}

// SendSMS sends one SMS through the selected SIM port. A redis slot caps
// sends to one in flight per port.
func (h Handlers) SendSMS(c *gin.Context) {
	var req sendSMSRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.PhoneNumber == "" || req.Message == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "phone_number and message required"})
		return
	}
	if req.PortIndex < 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "port_index must be >= 0"})
		return
	}

	ctx := c.Request.Context()

	if h.Redis != nil {
		slotKey := "sms:port:" + strconv.Itoa(req.PortIndex)
		ok, err := utils.AcquireSlot(ctx, h.Redis, slotKey, 1, smsSlotTTL)
		if err != nil {
			h.Log.Warn("sms slot acquire failed", "port_index", req.PortIndex, "err", err)
		} else if !ok {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "port busy sending"})
			return
		} else {
			defer func() {
				if err := utils.ReleaseSlot(c.Request.Context(), h.Redis, slotKey); err != nil {
					h.Log.Warn("sms slot release failed", "port_index", req.PortIndex, "err", err)
				}
			}()
		}
	}

	res, err := h.Gateway.SendSMS(ctx, req.PhoneNumber, req.Message, req.PortIndex)
	if err != nil {
		h.abortGatewayError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// --- PBX ---

func (h Handlers) ListSIPUsers(c *gin.Context) {
	users, err := h.PBX.SIPUsers(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "pbx query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

func (h Handlers) GetSIPUser(c *gin.Context) {
	username := c.Param("username")
	if username == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "username required"})
		return
	}
	user, ok, err := h.PBX.SIPUser(c.Request.Context(), username)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "pbx query failed"})
		return
	}
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "sip user " + username + " not found"})
		return
	}
	c.JSON(http.StatusOK, user)
}

// --- Calls ---

type startCallRequest struct {
	PhoneNumber string `json:"phone_number"`
	LeadID      string `json:"lead_id"`
}

func (h Handlers) StartCall(c *gin.Context) {
	line := c.Param("line")
	if line == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "line required"})
		return
	}

	var req startCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.PhoneNumber == "" || req.LeadID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "phone_number and lead_id required"})
		return
	}

	ctx := c.Request.Context()
	orch := h.Lines.Line(line)

	// A call torn down by a leg failure or dial timeout has no handler on
	// its teardown path; close its row before opening a new one.
	if h.Calls != nil && orch.Phase() == callctl.PhaseIdle {
		if err := h.Calls.FinishOpenByLine(ctx, line, calls.CallStatusFailed, "not closed by teardown", time.Now().UTC()); err != nil {
			h.Log.Warn("call log reconcile failed", "line", line, "err", err)
		}
	}

	sess, err := orch.StartCall(ctx, req.PhoneNumber, req.LeadID)
	if err != nil {
		switch {
		case errors.Is(err, callctl.ErrAlreadyInCall):
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "line " + line + " already in a call"})
		case errors.Is(err, callctl.ErrCloudLegStart):
			c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		default:
			c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		}
		return
	}

	if h.Calls != nil {
		rec := calls.Call{
			ID:          sess.ID,
			Line:        line,
			LeadID:      sess.LeadID,
			PhoneNumber: sess.PhoneNumber,
			Campaign:    sess.Campaign,
			CloudCallID: sess.CloudCallID,
			LegacyLeg:   sess.LegacyLeg,
			StartedAt:   sess.StartedAt,
		}
		if err := h.Calls.Begin(ctx, rec); err != nil {
			h.Log.Error("call log write failed", "call_id", sess.ID, "err", err)
		}
	}

	c.JSON(http.StatusOK, sess)
}

func (h Handlers) EndCall(c *gin.Context) {
	line := c.Param("line")
	if line == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "line required"})
		return
	}

	ctx := c.Request.Context()
	orch := h.Lines.Line(line)

	snap, active := orch.Snapshot()
	orch.EndCall(ctx)

	if h.Calls != nil {
		now := time.Now().UTC()
		if active {
			if err := h.Calls.Finish(ctx, snap.ID, calls.CallStatusCompleted, "", now); err != nil && !errors.Is(err, calls.ErrNotFound) {
				h.Log.Error("call log finish failed", "call_id", snap.ID, "err", err)
			}
		} else if err := h.Calls.FinishOpenByLine(ctx, line, calls.CallStatusFailed, "not closed by teardown", now); err != nil {
			h.Log.Warn("call log reconcile failed", "line", line, "err", err)
		}
	}

	c.JSON(http.StatusOK, gin.H{"phase": orch.Phase()})
}

func (h Handlers) ListLines(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"lines": h.Lines.Phases()})
}

func (h Handlers) ListCalls(c *gin.Context) {
	if h.Calls == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call log not configured"})
		return
	}
	limit := 100
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	recs, err := h.Calls.Recent(c.Request.Context(), limit)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call log query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"calls": recs})
}

func (h Handlers) abortGatewayError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, gateway.ErrAuthentication):
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "gateway authentication failed"})
	case errors.Is(err, gateway.ErrGatewayUnavailable):
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "gateway unavailable"})
	default:
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "gateway request failed"})
	}
}
