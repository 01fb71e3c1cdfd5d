// Package controlapitest 提供基于 gin 的 Engine 控制面替身。
package controlapitest

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"leafclient/backend/domain"
	"leafclient/backend/service/controlapi"
)

// Engine 可编程的控制面
type Engine struct {
	mu       sync.Mutex
	groups   map[string][]string
	selected map[string]string
	health   map[string]domain.Health
	stall    map[string]chan struct{}
	failSet  map[string]string
	logs     []string
	logsErr  bool
	calls    []string

	server *httptest.Server
}

// New 启动控制面，测试结束时自动关闭
func New(t testing.TB) *Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	e := &Engine{
		groups:   make(map[string][]string),
		selected: make(map[string]string),
		health:   make(map[string]domain.Health),
		stall:    make(map[string]chan struct{}),
		failSet:  make(map[string]string),
	}
	e.server = httptest.NewServer(e.router())
	t.Cleanup(func() {
		e.ReleaseAll()
		e.server.Close()
	})
	return e
}

// Client 指向本控制面的客户端
func (e *Engine) Client() *controlapi.Client {
	return controlapi.NewWithBaseURL(0, e.server.URL, e.server.Client())
}

// URL 控制面地址
func (e *Engine) URL() string { return e.server.URL }

// SetGroup 设置分组成员，第一个成员为默认选择
func (e *Engine) SetGroup(tag string, names ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.groups[tag] = names
	if len(names) > 0 {
		e.selected[tag] = names[0]
	}
}

// SetHealth 设置出站探测结果；tcp/udp 传负数表示缺失
func (e *Engine) SetHealth(name string, tcp, udp int64) {
	var h domain.Health
	if tcp >= 0 {
		h.TCPMillis = &tcp
	}
	if udp >= 0 {
		h.UDPMillis = &udp
	}
	e.mu.Lock()
	e.health[name] = h
	e.mu.Unlock()
}

// Stall 让该出站的探测挂起，直到 Release
func (e *Engine) Stall(name string) {
	e.mu.Lock()
	e.stall[name] = make(chan struct{})
	e.mu.Unlock()
}

// Release 放行被挂起的探测
func (e *Engine) Release(name string) {
	e.mu.Lock()
	ch, ok := e.stall[name]
	delete(e.stall, name)
	e.mu.Unlock()
	if ok {
		close(ch)
	}
}

// ReleaseAll 放行全部挂起的探测
func (e *Engine) ReleaseAll() {
	e.mu.Lock()
	stalls := e.stall
	e.stall = make(map[string]chan struct{})
	e.mu.Unlock()
	for _, ch := range stalls {
		close(ch)
	}
}

// FailSelect 让某个分组的 select 请求返回错误
func (e *Engine) FailSelect(tag, reason string) {
	e.mu.Lock()
	e.failSet[tag] = reason
	e.mu.Unlock()
}

// AppendLogs 追加日志
func (e *Engine) AppendLogs(lines ...string) {
	e.mu.Lock()
	e.logs = append(e.logs, lines...)
	e.mu.Unlock()
}

// FailLogs 切换日志接口是否报错
func (e *Engine) FailLogs(fail bool) {
	e.mu.Lock()
	e.logsErr = fail
	e.mu.Unlock()
}

// Selected 当前分组选择
func (e *Engine) Selected(tag string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.selected[tag]
}

// Calls 已收到的请求，格式为 "<op> <args>"
func (e *Engine) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

func (e *Engine) record(call string) {
	e.mu.Lock()
	e.calls = append(e.calls, call)
	e.mu.Unlock()
}

func (e *Engine) router() *gin.Engine {
	engine := gin.New()
	api := engine.Group("/api/v1/app")
	{
		api.GET("/outbound/selects", e.listOutbounds)
		api.GET("/outbound/selected", e.getSelected)
		api.POST("/outbound/select", e.setSelected)
		api.GET("/outbound/health", e.getHealth)
		api.GET("/logs", e.getLogs)
		api.DELETE("/logs", e.clearLogs)
	}
	return engine
}

func (e *Engine) listOutbounds(c *gin.Context) {
	tag := c.Query("outbound")
	e.record("list " + tag)

	e.mu.Lock()
	names := e.groups[tag]
	selected := e.selected[tag]
	e.mu.Unlock()

	if names == nil {
		c.String(http.StatusNotFound, "unknown outbound group %s", tag)
		return
	}
	out := make([]domain.OutboundInfo, 0, len(names))
	for _, n := range names {
		out = append(out, domain.OutboundInfo{Name: n, IsSelected: n == selected})
	}
	c.JSON(http.StatusOK, out)
}

func (e *Engine) getSelected(c *gin.Context) {
	tag := c.Query("outbound")
	e.mu.Lock()
	selected := e.selected[tag]
	e.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"selected": selected})
}

func (e *Engine) setSelected(c *gin.Context) {
	tag, name := c.Query("outbound"), c.Query("select")
	e.record("select " + tag + " " + name)

	e.mu.Lock()
	reason, fail := e.failSet[tag]
	if !fail {
		e.selected[tag] = name
	}
	e.mu.Unlock()

	if fail {
		c.String(http.StatusInternalServerError, reason)
		return
	}
	c.Status(http.StatusNoContent)
}

func (e *Engine) getHealth(c *gin.Context) {
	name := c.Query("outbound")
	e.record("health " + name)

	e.mu.Lock()
	stall := e.stall[name]
	h := e.health[name]
	e.mu.Unlock()

	if stall != nil {
		select {
		case <-stall:
		case <-c.Request.Context().Done():
			return
		case <-time.After(30 * time.Second):
		}
		e.mu.Lock()
		h = e.health[name]
		e.mu.Unlock()
	}
	c.JSON(http.StatusOK, h)
}

func (e *Engine) getLogs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "200"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	e.record("logs " + strconv.Itoa(limit) + " " + strconv.Itoa(offset))

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.logsErr {
		c.String(http.StatusServiceUnavailable, "log buffer unavailable")
		return
	}
	msgs := []string{}
	if offset < len(e.logs) {
		end := offset + limit
		if end > len(e.logs) {
			end = len(e.logs)
		}
		msgs = append(msgs, e.logs[offset:end]...)
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (e *Engine) clearLogs(c *gin.Context) {
	e.record("clear_logs")
	e.mu.Lock()
	e.logs = nil
	e.mu.Unlock()
	c.Status(http.StatusNoContent)
}
