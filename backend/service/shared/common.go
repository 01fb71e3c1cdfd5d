package shared

import (
	"net"
	"net/http"
	"time"
)

// 常量定义
const (
	MaxDownloadSize = 10 << 20 // 10 MiB，订阅与更新元数据都远小于此
	DownloadTimeout = 2 * time.Minute

	// ControlTimeout 本地控制面单次请求超时
	ControlTimeout = 10 * time.Second
)

// HTTP 客户端
var (
	// HTTPClient 默认 HTTP 客户端（遵循环境代理）
	HTTPClient = newHTTPClient(false, DownloadTimeout)

	// HTTPClientDirect 不使用代理的 HTTP 客户端
	HTTPClientDirect = newHTTPClient(true, DownloadTimeout)
)

// NewLoopbackClient 访问 127.0.0.1 控制面的客户端：不走代理，短超时
func NewLoopbackClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = ControlTimeout
	}
	return newHTTPClient(true, timeout)
}

func newHTTPClient(bypassProxy bool, timeout time.Duration) *http.Client {
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 30 * time.Second, KeepAlive: 60 * time.Second}).DialContext,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        16,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 30 * time.Second,
	}
	if bypassProxy {
		tr.Proxy = nil
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: tr,
	}
}
