// Package update 查询客户端新版本。
package update

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"leafclient/backend/service/shared"
)

const defaultRetries = 3

// backoffUnit 第 n 次失败后等待 n*backoffUnit
var backoffUnit = 500 * time.Millisecond

// ChangeLogEntry 单语言更新说明
type ChangeLogEntry struct {
	LanguageCode string `json:"languageCode"`
	Text         string `json:"text"`
}

// DownloadSource 下载地址
type DownloadSource struct {
	Type    string `json:"type"`
	URL     string `json:"url"`
	Variant string `json:"variant,omitempty"`
}

// Response 更新查询结果
type Response struct {
	Available           bool             `json:"available"`
	DownloadName        string           `json:"downloadName,omitempty"`
	DownloadDescription string           `json:"downloadDescription,omitempty"`
	LatestVersionName   string           `json:"latestVersionName,omitempty"`
	PublishedDate       string           `json:"publishedDate,omitempty"`
	DownloadSources     []DownloadSource `json:"downloadSources"`
	ChangeLog           []ChangeLogEntry `json:"changeLog"`
}

// Checker 请求 {base}/downloads/android/{arch}/{version}
type Checker struct {
	baseURL string
	arch    string
	version string
	retries int
	client  *http.Client
}

// Options Checker 配置
type Options struct {
	BaseURL string
	Arch    string
	Version string
	Retries int
	Client  *http.Client
}

// NewChecker 创建 Checker；Arch 为空时按运行平台推断
func NewChecker(opts Options) *Checker {
	if opts.Arch == "" {
		opts.Arch = DefaultArch()
	}
	if opts.Retries <= 0 {
		opts.Retries = defaultRetries
	}
	if opts.Client == nil {
		opts.Client = shared.HTTPClient
	}
	return &Checker{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		arch:    opts.Arch,
		version: opts.Version,
		retries: opts.Retries,
		client:  opts.Client,
	}
}

// Version 当前客户端版本
func (c *Checker) Version() string { return c.version }

// DefaultArch 与发布包的 ABI 命名对应
func DefaultArch() string {
	switch runtime.GOARCH {
	case "arm":
		return "armeabi-v7a"
	case "arm64":
		return "arm64-v8a"
	case "386":
		return "x86"
	case "amd64":
		return "x86_64"
	default:
		return "all"
	}
}

// Fetch 查询更新，失败时按线性退避重试
func (c *Checker) Fetch(ctx context.Context) (Response, error) {
	if c.baseURL == "" {
		return Response{}, errors.New("update base url is not configured")
	}
	endpoint := fmt.Sprintf("%s/downloads/android/%s/%s", c.baseURL, url.PathEscape(c.arch), url.PathEscape(c.version))

	var lastErr error
	for attempt := 1; attempt <= c.retries; attempt++ {
		resp, err := c.fetchOnce(ctx, endpoint)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		logrus.Debugf("[Update] attempt %d/%d failed: %v", attempt, c.retries, err)
		if attempt == c.retries {
			break
		}
		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case <-time.After(time.Duration(attempt) * backoffUnit):
		}
	}
	return Response{}, lastErr
}

func (c *Checker) fetchOnce(ctx context.Context, endpoint string) (Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Response{}, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Response{}, &shared.StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
	var out Response
	if err := json.NewDecoder(io.LimitReader(resp.Body, shared.MaxDownloadSize)).Decode(&out); err != nil {
		return Response{}, fmt.Errorf("decode update response: %w", err)
	}
	return out, nil
}

// IsVersionNewer 逐段比较点分数字版本，非数字段按 0 处理
func IsVersionNewer(latest, current string) bool {
	if latest == "" {
		return false
	}
	lp, cp := versionParts(latest), versionParts(current)
	n := len(lp)
	if len(cp) > n {
		n = len(cp)
	}
	for i := 0; i < n; i++ {
		var lv, cv int
		if i < len(lp) {
			lv = lp[i]
		}
		if i < len(cp) {
			cv = cp[i]
		}
		if lv != cv {
			return lv > cv
		}
	}
	return false
}

func versionParts(v string) []int {
	fields := strings.Split(strings.TrimPrefix(strings.TrimSpace(v), "v"), ".")
	out := make([]int, len(fields))
	for i, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil {
			n = 0
		}
		out[i] = n
	}
	return out
}
