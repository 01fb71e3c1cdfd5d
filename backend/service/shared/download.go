package shared

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"
)

// StatusError 非 2xx 响应
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %s", e.Status)
}

// Download 下载结果
type Download struct {
	Body     []byte
	Header   http.Header
	Checksum string // sha256 hex
}

// Fetch 以指定 User-Agent 下载资源，超过 MaxDownloadSize 视为错误。
// 直连失败时回退到走环境代理的客户端。
func Fetch(ctx context.Context, source, userAgent string) (Download, error) {
	if source == "" {
		return Download{}, errors.New("empty source url")
	}

	doRequest := func(client *http.Client) (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
		if err != nil {
			return nil, err
		}
		if userAgent != "" {
			req.Header.Set("User-Agent", userAgent)
		}
		return client.Do(req)
	}

	resp, err := doRequest(HTTPClientDirect)
	if err != nil && ctx.Err() == nil {
		resp, err = doRequest(HTTPClient)
	}
	if err != nil {
		logrus.Warnf("[Download] 请求失败: %s: %v", source, err)
		return Download{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Download{}, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
	if resp.ContentLength > MaxDownloadSize {
		return Download{}, fmt.Errorf("resource exceeds max size of %d bytes", MaxDownloadSize)
	}

	hasher := sha256.New()
	body, err := io.ReadAll(io.TeeReader(io.LimitReader(resp.Body, MaxDownloadSize+1), hasher))
	if err != nil {
		return Download{}, err
	}
	if int64(len(body)) > MaxDownloadSize {
		return Download{}, fmt.Errorf("resource exceeds max size of %d bytes", MaxDownloadSize)
	}

	return Download{
		Body:     body,
		Header:   resp.Header.Clone(),
		Checksum: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}
