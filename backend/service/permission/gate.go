// Package permission 在启动 Engine 前检查 VPN 授权。
package permission

import (
	"context"
	"fmt"
	"sync"

	"leafclient/backend/domain"
)

// Gate 记录用户是否已授权建立 VPN，并可选地检查本进程的网络管理能力
type Gate struct {
	mu      sync.Mutex
	granted bool
	probe   func() error
}

// NewGate 创建授权门；checkNetAdmin 为 true 时额外检查 CAP_NET_ADMIN
func NewGate(granted, checkNetAdmin bool) *Gate {
	g := &Gate{granted: granted}
	if checkNetAdmin {
		g.probe = probeNetAdmin
	}
	return g
}

// Grant 用户授权
func (g *Gate) Grant() {
	g.mu.Lock()
	g.granted = true
	g.mu.Unlock()
}

// Revoke 撤销授权
func (g *Gate) Revoke() {
	g.mu.Lock()
	g.granted = false
	g.mu.Unlock()
}

// Granted 是否已授权
func (g *Gate) Granted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.granted
}

// Prepare 未授权时返回 domain.ErrPermissionDenied
func (g *Gate) Prepare(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	granted, probe := g.granted, g.probe
	g.mu.Unlock()

	if !granted {
		return fmt.Errorf("%w: user has not granted vpn consent", domain.ErrPermissionDenied)
	}
	if probe != nil {
		if err := probe(); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrPermissionDenied, err)
		}
	}
	return nil
}
