package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"leafclient/backend/domain"
	"leafclient/backend/repository"
	"leafclient/backend/service/applog"
	"leafclient/backend/service/channel"
	"leafclient/backend/service/update"
	"leafclient/backend/service/viewstate"
)

// StateMachine 界面状态机
type StateMachine interface {
	Snapshot() viewstate.Snapshot
	Logs(since int) []string

	RefreshPreferences()
	SetPreferences(ctx context.Context, prefs domain.Preferences) (domain.Preferences, error)

	StartLeaf()
	StopLeaf()
	ReloadLeaf()
	CheckFileChecksum() error

	RefreshOutbounds()
	SetSubgroup(tag string)
	ChangeSelectedOutbound(name string)
	RefreshPings()
	PingOutbound(name string)

	StartLogger()
	StopLogger()
	ClearLogs()

	UpdateSubscription(clientID string)
	ImportOfflineSubscription(path, passphrase string)
	UpdateCustomSubscription(configText string)
	SetPendingImportPath(path string)
	ClearPendingImportPath()
}

// BroadcastHandler 系统广播入口
type BroadcastHandler interface {
	HandleBroadcast(b channel.Broadcast) bool
}

// ConsentGate VPN 授权
type ConsentGate interface {
	Grant()
	Revoke()
	Granted() bool
}

// UpdateTracker 新版本检查
type UpdateTracker interface {
	State() update.State
	Check(ctx context.Context, manual bool) update.State
}

// Deps 路由依赖；Updates/AppLog/Consent 为 nil 时对应接口返回 404
type Deps struct {
	Machine    StateMachine
	Broadcasts BroadcastHandler
	Updates    UpdateTracker
	AppLog     *applog.Session
	Consent    ConsentGate
}

type Router struct {
	machine    StateMachine
	broadcasts BroadcastHandler
	updates    UpdateTracker
	appLog     *applog.Session
	consent    ConsentGate
}

func NewRouter(deps Deps) *gin.Engine {
	r := &Router{
		machine:    deps.Machine,
		broadcasts: deps.Broadcasts,
		updates:    deps.Updates,
		appLog:     deps.AppLog,
		consent:    deps.Consent,
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	r.register(engine)
	return engine
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

func (r *Router) register(engine *gin.Engine) {
	engine.Use(corsMiddleware())

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "timestamp": time.Now()})
	})

	engine.GET("/state", func(c *gin.Context) {
		c.JSON(http.StatusOK, r.machine.Snapshot())
	})

	prefs := engine.Group("/preferences")
	{
		prefs.GET("", r.getPreferences)
		prefs.PUT("", r.putPreferences)
		prefs.POST("/refresh", r.accepted(r.machine.RefreshPreferences))
	}

	leaf := engine.Group("/leaf")
	{
		leaf.POST("/start", r.accepted(r.machine.StartLeaf))
		leaf.POST("/stop", r.accepted(r.machine.StopLeaf))
		leaf.POST("/reload", r.accepted(r.machine.ReloadLeaf))
		leaf.POST("/verify", r.verifyAssets)
	}

	outbounds := engine.Group("/outbounds")
	{
		outbounds.GET("", r.listOutbounds)
		outbounds.POST("/refresh", r.accepted(r.machine.RefreshOutbounds))
		outbounds.PUT("/subgroup", r.setSubgroup)
		outbounds.POST("/select", r.selectOutbound)
		outbounds.POST("/ping", r.accepted(r.machine.RefreshPings))
		outbounds.POST("/:name/ping", r.pingOutbound)
	}

	logger := engine.Group("/logger")
	{
		logger.POST("/start", r.accepted(r.machine.StartLogger))
		logger.POST("/stop", r.accepted(r.machine.StopLogger))
		logger.GET("/logs", r.getEngineLogs)
		logger.DELETE("/logs", r.accepted(r.machine.ClearLogs))
	}

	sub := engine.Group("/subscription")
	{
		sub.POST("/update", r.updateSubscription)
		sub.POST("/import", r.importSubscription)
		sub.POST("/custom", r.customSubscription)
		sub.PUT("/pending", r.setPendingImport)
		sub.DELETE("/pending", r.accepted(r.machine.ClearPendingImportPath))
	}

	engine.POST("/events/broadcast", r.postBroadcast)

	engine.GET("/update", r.getUpdate)
	engine.POST("/update/check", r.checkUpdate)

	engine.GET("/vpn/consent", r.getConsent)
	engine.PUT("/vpn/consent", r.putConsent)

	engine.GET("/app/logs", r.getAppLogs)
}

// accepted 异步操作：状态变化通过 /state 观察
func (r *Router) accepted(fn func()) gin.HandlerFunc {
	return func(c *gin.Context) {
		fn()
		c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
	}
}

func (r *Router) getPreferences(c *gin.Context) {
	c.JSON(http.StatusOK, r.machine.Snapshot().Preferences)
}

func (r *Router) putPreferences(c *gin.Context) {
	var req domain.Preferences
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	saved, err := r.machine.SetPreferences(c.Request.Context(), req)
	if err != nil {
		r.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, saved)
}

func (r *Router) verifyAssets(c *gin.Context) {
	if err := r.machine.CheckFileChecksum(); err != nil {
		r.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (r *Router) listOutbounds(c *gin.Context) {
	snap := r.machine.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"state":           snap.Outbound,
		"group":           snap.CurrentGroup,
		"outbounds":       snap.Outbounds,
		"pings":           snap.Pings,
		"refreshingPings": snap.RefreshingPings,
	})
}

type subgroupRequest struct {
	Tag string `json:"tag"`
}

func (r *Router) setSubgroup(c *gin.Context) {
	var req subgroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	tag := strings.TrimSpace(req.Tag)
	if tag == domain.DefaultGroupTag {
		tag = ""
	}
	r.machine.SetSubgroup(tag)
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

type selectRequest struct {
	Name string `json:"name"`
}

func (r *Router) selectOutbound(c *gin.Context) {
	var req selectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		badRequest(c, errors.New("name is required"))
		return
	}
	r.machine.ChangeSelectedOutbound(name)
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func (r *Router) pingOutbound(c *gin.Context) {
	name := strings.TrimSpace(c.Param("name"))
	if name == "" {
		badRequest(c, errors.New("name is required"))
		return
	}
	r.machine.PingOutbound(name)
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func (r *Router) getEngineLogs(c *gin.Context) {
	since, ok := parseSince(c)
	if !ok {
		return
	}
	lines := r.machine.Logs(int(since))
	snap := r.machine.Snapshot()
	next := since + int64(len(lines))
	if since > int64(snap.LogCount) {
		next = int64(snap.LogCount)
	}
	c.JSON(http.StatusOK, gin.H{
		"state": snap.Logger,
		"lines": lines,
		"next":  next,
	})
}

type updateSubscriptionRequest struct {
	ClientID string `json:"clientId"`
}

func (r *Router) updateSubscription(c *gin.Context) {
	var req updateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if !domain.IsValidClientID(req.ClientID) {
		badRequest(c, errors.New("clientId must be a UUID v4"))
		return
	}
	r.machine.UpdateSubscription(strings.TrimSpace(req.ClientID))
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

type importSubscriptionRequest struct {
	Path       string `json:"path"`
	Passphrase string `json:"passphrase"`
}

// importSubscription path 为空时使用待确认的导入路径
func (r *Router) importSubscription(c *gin.Context) {
	var req importSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	path := strings.TrimSpace(req.Path)
	if path == "" {
		path = r.machine.Snapshot().PendingImportPath
	}
	if path == "" {
		badRequest(c, errors.New("path is required"))
		return
	}
	r.machine.ClearPendingImportPath()
	r.machine.ImportOfflineSubscription(path, req.Passphrase)
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

type customSubscriptionRequest struct {
	Config string `json:"config"`
}

func (r *Router) customSubscription(c *gin.Context) {
	var req customSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if strings.TrimSpace(req.Config) == "" {
		badRequest(c, errors.New("config is required"))
		return
	}
	r.machine.UpdateCustomSubscription(req.Config)
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

type pendingImportRequest struct {
	Path string `json:"path"`
}

func (r *Router) setPendingImport(c *gin.Context) {
	var req pendingImportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if strings.TrimSpace(req.Path) == "" {
		badRequest(c, errors.New("path is required"))
		return
	}
	r.machine.SetPendingImportPath(strings.TrimSpace(req.Path))
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func (r *Router) postBroadcast(c *gin.Context) {
	if r.broadcasts == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "broadcasts are not enabled"})
		return
	}
	var req channel.Broadcast
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if !r.broadcasts.HandleBroadcast(req) {
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func (r *Router) getUpdate(c *gin.Context) {
	if r.updates == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "update check is not configured"})
		return
	}
	c.JSON(http.StatusOK, r.updates.State())
}

func (r *Router) checkUpdate(c *gin.Context) {
	if r.updates == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "update check is not configured"})
		return
	}
	c.JSON(http.StatusOK, r.updates.Check(c.Request.Context(), true))
}

type consentRequest struct {
	Granted bool `json:"granted"`
}

func (r *Router) getConsent(c *gin.Context) {
	if r.consent == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "consent gate is not configured"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"granted": r.consent.Granted()})
}

func (r *Router) putConsent(c *gin.Context) {
	if r.consent == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "consent gate is not configured"})
		return
	}
	var req consentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.Granted {
		r.consent.Grant()
	} else {
		r.consent.Revoke()
	}
	c.JSON(http.StatusOK, gin.H{"granted": r.consent.Granted()})
}

func parseSince(c *gin.Context) (int64, bool) {
	raw := c.Query("since")
	if raw == "" {
		return 0, true
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		badRequest(c, errors.New("invalid 'since' parameter: must be a non-negative integer"))
		return 0, false
	}
	return v, true
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func (r *Router) handleError(c *gin.Context, err error) {
	var ie *domain.IntegrityError
	if errors.As(err, &ie) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":      err.Error(),
			"mismatched": ie.Mismatched,
			"missing":    ie.Missing,
		})
		return
	}

	switch {
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, repository.ErrInvalidData):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrRemoteUnavailable):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrEngineUnreachable):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrIntegrity), errors.Is(err, domain.ErrVerification):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrPermissionDenied):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
