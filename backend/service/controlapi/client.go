// Package controlapi 是 Engine 本地 HTTP 控制面的无状态客户端。
//
// 客户端绑定到固定端口；apiPort 变化时必须创建新实例，不能原地修改。
// 客户端内部不重试，由调用方决定。
package controlapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"

	"leafclient/backend/domain"
	"leafclient/backend/service/shared"
)

const maxErrorBody = 4 << 10

// Client 控制面客户端
type Client struct {
	port    int
	baseURL string
	http    *http.Client
}

// New 创建绑定到 127.0.0.1:port 的客户端
func New(port int, timeout time.Duration) *Client {
	return NewWithBaseURL(port, fmt.Sprintf("http://127.0.0.1:%d", port), shared.NewLoopbackClient(timeout))
}

// NewWithBaseURL 使用自定义地址（测试中指向 httptest server）
func NewWithBaseURL(port int, baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = shared.NewLoopbackClient(0)
	}
	return &Client{
		port:    port,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}
}

// Port 客户端绑定的端口
func (c *Client) Port() int { return c.port }

// ListOutbounds 列出分组内的出站
func (c *Client) ListOutbounds(ctx context.Context, groupTag string) ([]domain.OutboundInfo, error) {
	var out []domain.OutboundInfo
	q := url.Values{"outbound": {groupTag}}
	if err := c.do(ctx, http.MethodGet, "/api/v1/app/outbound/selects", q, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []domain.OutboundInfo{}
	}
	return out, nil
}

// GetSelected 查询分组当前选择
func (c *Client) GetSelected(ctx context.Context, groupTag string) (string, error) {
	var resp struct {
		Selected string `json:"selected"`
	}
	q := url.Values{"outbound": {groupTag}}
	if err := c.do(ctx, http.MethodGet, "/api/v1/app/outbound/selected", q, &resp); err != nil {
		return "", err
	}
	return resp.Selected, nil
}

// SetSelected 设置分组选择
func (c *Client) SetSelected(ctx context.Context, groupTag, name string) error {
	q := url.Values{"outbound": {groupTag}, "select": {name}}
	return c.do(ctx, http.MethodPost, "/api/v1/app/outbound/select", q, nil)
}

// GetHealth 探测出站健康度；tcp/udp 都缺失表示探测失败而非错误
func (c *Client) GetHealth(ctx context.Context, outbound string) (domain.Health, error) {
	var h domain.Health
	q := url.Values{"outbound": {outbound}}
	if err := c.do(ctx, http.MethodGet, "/api/v1/app/outbound/health", q, &h); err != nil {
		return domain.Health{}, err
	}
	return h, nil
}

// GetLogs 按偏移拉取内存日志
func (c *Client) GetLogs(ctx context.Context, limit, offset int) ([]string, error) {
	var resp struct {
		Messages []string `json:"messages"`
	}
	q := url.Values{
		"limit":  {strconv.Itoa(limit)},
		"offset": {strconv.Itoa(offset)},
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/app/logs", q, &resp); err != nil {
		return nil, err
	}
	if resp.Messages == nil {
		resp.Messages = []string{}
	}
	return resp.Messages, nil
}

// ClearLogs 清空 Engine 内存日志
func (c *Client) ClearLogs(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/app/logs", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if isUnreachable(err) {
			return fmt.Errorf("%w: %s %s: %v", domain.ErrEngineUnreachable, method, path, err)
		}
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		reason := strings.TrimSpace(string(body))
		if reason == "" {
			reason = resp.Status
		}
		return &domain.OperationFailedError{Op: method + " " + path, Reason: reason}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// isUnreachable 连接被拒绝或端口无人监听
func isUnreachable(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	return false
}
