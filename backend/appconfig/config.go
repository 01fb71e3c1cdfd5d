// Package appconfig 加载客户端 YAML 配置。
//
// 配置文件中缺省的字段使用默认值；命令行参数在加载之后覆盖。
package appconfig

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 客户端配置
type Config struct {
	// Addr 本地 HTTP 界面监听地址
	Addr string `yaml:"addr"`
	// StatePath 偏好设置快照
	StatePath string `yaml:"state_path"`
	// LogDir app.log 所在目录
	LogDir string `yaml:"log_dir"`
	// LogRetention 轮转日志保留时长
	LogRetention time.Duration `yaml:"log_retention"`
	LogLevel     string        `yaml:"log_level"`

	Engine       EngineConfig       `yaml:"engine"`
	Assets       AssetsConfig       `yaml:"assets"`
	Subscription SubscriptionConfig `yaml:"subscription"`
	Update       UpdateConfig       `yaml:"update"`
	Timing       TimingConfig       `yaml:"timing"`
	Permission   PermissionConfig   `yaml:"permission"`
}

// EngineConfig Engine 宿主
type EngineConfig struct {
	// Socket Engine 宿主的 unix socket
	Socket       string        `yaml:"socket"`
	SessionLabel string        `yaml:"session_label"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	// ControlTimeout 控制面与 IPC 单次调用超时
	ControlTimeout time.Duration `yaml:"control_timeout"`
}

// AssetsConfig 需要校验的资源
type AssetsConfig struct {
	Dir string `yaml:"dir"`
	// Manifest 校验和清单，为空时跳过校验
	Manifest string `yaml:"manifest"`
}

// SubscriptionConfig 订阅
type SubscriptionConfig struct {
	BaseURL     string `yaml:"base_url"`
	ProfilePath string `yaml:"profile_path"`
	// RefreshInterval 自动刷新周期，0 表示关闭
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	Timeout         time.Duration `yaml:"timeout"`
}

// UpdateConfig 新版本检查
type UpdateConfig struct {
	BaseURL string `yaml:"base_url"`
	// Arch 为空时按运行平台推断
	Arch    string `yaml:"arch"`
	Retries int    `yaml:"retries"`
	// Interval 自动检查周期，0 表示关闭
	Interval time.Duration `yaml:"interval"`
}

// TimingConfig 状态机时间参数
type TimingConfig struct {
	SettleDelay  time.Duration `yaml:"settle_delay"`
	WarmupDelay  time.Duration `yaml:"warmup_delay"`
	LogInterval  time.Duration `yaml:"log_interval"`
	LogBatch     int           `yaml:"log_batch"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
}

// PermissionConfig VPN 授权
type PermissionConfig struct {
	// Granted 启动时视为已授权
	Granted bool `yaml:"granted"`
	// CheckNetAdmin 启动前检查 CAP_NET_ADMIN
	CheckNetAdmin bool `yaml:"check_net_admin"`
}

// Default 默认配置
func Default() Config {
	return Config{
		Addr:         "127.0.0.1:19180",
		StatePath:    "data/state.json",
		LogDir:       "data/logs",
		LogRetention: 7 * 24 * time.Hour,
		LogLevel:     "info",
		Engine: EngineConfig{
			Socket:         "data/engine.sock",
			SessionLabel:   "Leaf VPN",
			DialTimeout:    5 * time.Second,
			ControlTimeout: 10 * time.Second,
		},
		Assets: AssetsConfig{
			Dir: "data/assets",
		},
		Subscription: SubscriptionConfig{
			ProfilePath:     "data/config.conf",
			RefreshInterval: 12 * time.Hour,
			Timeout:         2 * time.Minute,
		},
		Update: UpdateConfig{
			Retries:  3,
			Interval: 24 * time.Hour,
		},
		Timing: TimingConfig{
			SettleDelay:  time.Second,
			WarmupDelay:  3 * time.Second,
			LogInterval:  time.Second,
			LogBatch:     200,
			ProbeTimeout: 5 * time.Second,
		},
		Permission: PermissionConfig{
			Granted: true,
		},
	}
}

// Load 读取配置文件；path 为空或文件不存在时返回默认配置
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := decode(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.fillZero()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// decode 未知字段视为错误
func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// fillZero 显式写成零值的必需字段回退到默认值
func (c *Config) fillZero() {
	def := Default()
	if c.Addr == "" {
		c.Addr = def.Addr
	}
	if c.StatePath == "" {
		c.StatePath = def.StatePath
	}
	if c.LogDir == "" {
		c.LogDir = def.LogDir
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.Engine.SessionLabel == "" {
		c.Engine.SessionLabel = def.Engine.SessionLabel
	}
	if c.Engine.DialTimeout <= 0 {
		c.Engine.DialTimeout = def.Engine.DialTimeout
	}
	if c.Engine.ControlTimeout <= 0 {
		c.Engine.ControlTimeout = def.Engine.ControlTimeout
	}
	if c.Subscription.Timeout <= 0 {
		c.Subscription.Timeout = def.Subscription.Timeout
	}
	if c.Update.Retries <= 0 {
		c.Update.Retries = def.Update.Retries
	}
	t := &c.Timing
	if t.SettleDelay <= 0 {
		t.SettleDelay = def.Timing.SettleDelay
	}
	if t.WarmupDelay <= 0 {
		t.WarmupDelay = def.Timing.WarmupDelay
	}
	if t.LogInterval <= 0 {
		t.LogInterval = def.Timing.LogInterval
	}
	if t.LogBatch <= 0 {
		t.LogBatch = def.Timing.LogBatch
	}
	if t.ProbeTimeout <= 0 {
		t.ProbeTimeout = def.Timing.ProbeTimeout
	}
}

// Validate 检查互相关联的字段
func (c Config) Validate() error {
	if strings.TrimSpace(c.Engine.Socket) == "" {
		return errors.New("engine.socket is required")
	}
	if c.Subscription.RefreshInterval < 0 || c.Update.Interval < 0 {
		return errors.New("intervals must not be negative")
	}
	if c.Assets.Manifest != "" && c.Assets.Dir == "" {
		return errors.New("assets.dir is required when assets.manifest is set")
	}
	return nil
}
