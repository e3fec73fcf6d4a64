package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// EnvPrefix 是环境变量覆盖配置时使用的前缀，例如 OFFLINE_EDGE_CACHEVERSION。
const EnvPrefix = "OFFLINE_EDGE"

// Load 读取并解析 TOML 配置文件，同时注入默认值、环境变量覆盖与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.RequiresStoragePath() {
		absStorage, err := filepath.Abs(cfg.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("无法解析缓存目录: %w", err)
		}
		cfg.StoragePath = absStorage
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 4321)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("Origin", "")
	v.SetDefault("CacheVersion", DefaultCacheVersion)
	v.SetDefault("Precache", DefaultPrecache())
	v.SetDefault("NoCachePaths", DefaultNoCachePaths())
	v.SetDefault("NoCacheOrigins", DefaultNoCacheOrigins())
	v.SetDefault("StoreBackend", StoreBackendMemory)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("SkipWaitingOnInstall", true)
	v.SetDefault("ForwardProxy", false)
	v.SetDefault("TracingEndpoint", "")
}

func applyDefaults(c *Config) {
	if c.ListenPort == 0 {
		c.ListenPort = 4321
	}
	c.CacheVersion = strings.TrimSpace(c.CacheVersion)
	if c.CacheVersion == "" {
		c.CacheVersion = DefaultCacheVersion
	}
	c.StoreBackend = strings.ToLower(strings.TrimSpace(c.StoreBackend))
	if c.StoreBackend == "" {
		c.StoreBackend = StoreBackendMemory
	}
	if c.UpstreamTimeout.DurationValue() == 0 {
		c.UpstreamTimeout = Duration(30 * time.Second)
	}
	c.Origin = strings.TrimRight(strings.TrimSpace(c.Origin), "/")
	c.Precache = compactList(c.Precache)
	c.NoCachePaths = compactList(c.NoCachePaths)
	c.NoCacheOrigins = compactList(c.NoCacheOrigins)
}

// compactList 去除空白项，保持原有顺序。
func compactList(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
