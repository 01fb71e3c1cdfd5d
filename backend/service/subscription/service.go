// Package subscription 负责在线订阅、离线订阅包与自定义配置的导入。
package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/jsonc"

	"leafclient/backend/domain"
	"leafclient/backend/persist"
	"leafclient/backend/repository"
	"leafclient/backend/service/shared"
)

// FetchFunc 下载函数（测试可替换）
type FetchFunc func(ctx context.Context, source, userAgent string) (shared.Download, error)

// Service 订阅服务
type Service struct {
	prefs       repository.PreferencesRepository
	profilePath string
	baseURL     string
	fetch       FetchFunc
	now         func() time.Time
}

// Options 订阅服务配置
type Options struct {
	// ProfilePath Engine 配置文件路径
	ProfilePath string
	// BaseURL 订阅服务地址，client ID 拼接在 /sub/ 之后
	BaseURL string
	Fetch   FetchFunc
	Now     func() time.Time
}

// NewService 创建订阅服务
func NewService(prefs repository.PreferencesRepository, opts Options) *Service {
	if opts.Fetch == nil {
		opts.Fetch = shared.Fetch
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		prefs:       prefs,
		profilePath: opts.ProfilePath,
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		fetch:       opts.Fetch,
		now:         opts.Now,
	}
}

// Update 按 client ID 拉取在线订阅
func (s *Service) Update(ctx context.Context, clientID string) (domain.SubscriptionMeta, error) {
	clientID = strings.TrimSpace(clientID)
	if !domain.IsValidClientID(clientID) {
		return domain.SubscriptionMeta{}, fmt.Errorf("%w: client id must be a UUID v4", domain.ErrInvalidInput)
	}
	if s.baseURL == "" {
		return domain.SubscriptionMeta{}, fmt.Errorf("%w: subscription base url is not configured", domain.ErrInvalidInput)
	}

	prefs, err := s.prefs.Get(ctx)
	if err != nil {
		return domain.SubscriptionMeta{}, err
	}

	source := s.baseURL + "/sub/" + url.PathEscape(clientID)
	dl, err := s.fetch(ctx, source, prefs.CustomUserAgent)
	if err != nil {
		return domain.SubscriptionMeta{}, fmt.Errorf("fetch subscription: %w", err)
	}
	config := string(dl.Body)
	if strings.TrimSpace(config) == "" {
		return domain.SubscriptionMeta{}, fmt.Errorf("%w: subscription response is empty", domain.ErrInvalidInput)
	}

	meta := domain.SubscriptionMeta{
		ClientID:       clientID,
		LastUpdateTime: s.now().Unix(),
	}
	if info := parseSubscriptionUserinfo(dl.Header.Get("Subscription-Userinfo")); info.ok {
		meta.Used = info.Used
		meta.Traffic = info.Total
		meta.ExpireTime = info.Expire
	}

	logrus.Infof("[Subscription] fetched profile for %s (sha256 %s, %d bytes)", clientID, dl.Checksum, len(dl.Body))
	return s.apply(ctx, config, meta)
}

// ImportOffline 导入离线订阅包，签名校验通过后才会落盘
func (s *Service) ImportOffline(ctx context.Context, path, passphrase string, keyIDs, verifyingKeys []string) (domain.SubscriptionMeta, error) {
	if strings.TrimSpace(path) == "" {
		return domain.SubscriptionMeta{}, fmt.Errorf("%w: bundle path is empty", domain.ErrInvalidInput)
	}
	info, err := os.Stat(path)
	if err != nil {
		return domain.SubscriptionMeta{}, fmt.Errorf("open bundle: %w", err)
	}
	if info.Size() > maxBundleSize {
		return domain.SubscriptionMeta{}, fmt.Errorf("%w: bundle too large", domain.ErrInvalidInput)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.SubscriptionMeta{}, fmt.Errorf("read bundle: %w", err)
	}

	payload, err := OpenBundle(data, passphrase, keyIDs, verifyingKeys)
	if err != nil {
		logrus.Warnf("[Subscription] offline bundle rejected: %v", err)
		return domain.SubscriptionMeta{}, err
	}

	meta := domain.SubscriptionMeta{
		ClientID:       payload.ClientID,
		LastUpdateTime: s.now().Unix(),
		ExpireTime:     payload.ExpireTime,
		Traffic:        payload.Traffic,
		Used:           payload.Used,
	}
	return s.apply(ctx, payload.Config, meta)
}

// UpdateCustom 应用用户粘贴的自定义配置。JSON 配置允许注释与尾逗号。
func (s *Service) UpdateCustom(ctx context.Context, configText string) (domain.SubscriptionMeta, error) {
	config, err := normalizeCustomConfig(configText)
	if err != nil {
		return domain.SubscriptionMeta{}, err
	}
	meta := domain.SubscriptionMeta{LastUpdateTime: s.now().Unix()}
	return s.apply(ctx, config, meta)
}

func normalizeCustomConfig(text string) (string, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", fmt.Errorf("%w: config is empty", domain.ErrInvalidInput)
	}
	if !strings.HasPrefix(trimmed, "{") {
		// leaf conf 格式原样交给 Engine
		return trimmed + "\n", nil
	}
	normalized := jsonc.ToJSON([]byte(trimmed))
	if !json.Valid(normalized) {
		return "", fmt.Errorf("%w: config is not valid JSON", domain.ErrInvalidInput)
	}
	return string(normalized), nil
}

func (s *Service) apply(ctx context.Context, config string, meta domain.SubscriptionMeta) (domain.SubscriptionMeta, error) {
	if err := ctx.Err(); err != nil {
		return domain.SubscriptionMeta{}, err
	}
	if s.profilePath != "" {
		if err := persist.WriteFileAtomicContext(ctx, s.profilePath, []byte(config)); err != nil {
			return domain.SubscriptionMeta{}, fmt.Errorf("write profile: %w", err)
		}
	}
	// 超时的操作已收到失败回调，不再更新元数据
	if err := ctx.Err(); err != nil {
		return domain.SubscriptionMeta{}, err
	}
	if _, err := s.prefs.UpdateSubscription(ctx, meta); err != nil {
		return domain.SubscriptionMeta{}, err
	}
	return meta, nil
}
