package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mobility-trailblazers/offline-edge/internal/policy"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// 支持的缓存后端。
const (
	StoreBackendMemory = "memory"
	StoreBackendDisk   = "disk"
	StoreBackendSQLite = "sqlite"
)

// DefaultCacheVersion 是当前部署的缓存版本标签；每次发布递增即可触发旧缓存清理。
const DefaultCacheVersion = "mobility-trailblazers-v2"

// DefaultPrecache 返回安装阶段需要预缓存的站点外壳资源。
func DefaultPrecache() []string {
	return []string{
		"/",
		"/favicon.ico",
		"/manifest.json",
		"/android-chrome-192x192.png",
		"/android-chrome-512x512.png",
		"/apple-touch-icon.png",
	}
}

// DefaultNoCachePaths 返回永不写入缓存的路径片段（确认页与 API）。
func DefaultNoCachePaths() []string {
	return policy.DefaultRules().NoCachePaths
}

// DefaultNoCacheOrigins 返回永不写入缓存的第三方主机片段（统计、追踪、挂件）。
func DefaultNoCacheOrigins() []string {
	return policy.DefaultRules().NoCacheOrigins
}

// Rules 把配置中的排除列表转换为缓存策略。
func (c *Config) Rules() policy.Rules {
	return policy.Rules{
		NoCachePaths:   append([]string(nil), c.NoCachePaths...),
		NoCacheOrigins: append([]string(nil), c.NoCacheOrigins...),
	}
}

// Config 是 TOML 文件映射的整体结构，所有字段位于顶层。
type Config struct {
	ListenPort    int    `mapstructure:"ListenPort"`
	LogLevel      string `mapstructure:"LogLevel"`
	LogFilePath   string `mapstructure:"LogFilePath"`
	LogMaxSize    int    `mapstructure:"LogMaxSize"`
	LogMaxBackups int    `mapstructure:"LogMaxBackups"`
	LogCompress   bool   `mapstructure:"LogCompress"`

	// Origin 是被代理站点的根地址，例如 https://mobility-trailblazers.de。
	Origin string `mapstructure:"Origin"`
	// CacheVersion 决定当前唯一有效的缓存命名空间。
	CacheVersion   string   `mapstructure:"CacheVersion"`
	Precache       []string `mapstructure:"Precache"`
	NoCachePaths   []string `mapstructure:"NoCachePaths"`
	NoCacheOrigins []string `mapstructure:"NoCacheOrigins"`

	StoreBackend    string   `mapstructure:"StoreBackend"`
	StoragePath     string   `mapstructure:"StoragePath"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`

	SkipWaitingOnInstall bool   `mapstructure:"SkipWaitingOnInstall"`
	ForwardProxy         bool   `mapstructure:"ForwardProxy"`
	TracingEndpoint      string `mapstructure:"TracingEndpoint"`
}

// RequiresStoragePath 表示当前后端是否需要落盘目录。
func (c *Config) RequiresStoragePath() bool {
	return c.StoreBackend == StoreBackendDisk || c.StoreBackend == StoreBackendSQLite
}

// Summary 输出启动日志使用的概要字段。
func (c *Config) Summary() map[string]interface{} {
	return map[string]interface{}{
		"origin":           c.Origin,
		"cache_version":    c.CacheVersion,
		"store_backend":    c.StoreBackend,
		"precache":         len(c.Precache),
		"no_cache_paths":   len(c.NoCachePaths),
		"no_cache_origins": len(c.NoCacheOrigins),
		"forward_proxy":    c.ForwardProxy,
	}
}
