//go:build !linux

package permission

// 非 Linux 平台由 Engine 宿主自行申请权限
func probeNetAdmin() error { return nil }
