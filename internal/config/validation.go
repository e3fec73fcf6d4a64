package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
)

var supportedBackends = map[string]struct{}{
	StoreBackendMemory: {},
	StoreBackendDisk:   {},
	StoreBackendSQLite: {},
}

const supportedBackendList = "memory|disk|sqlite"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return newFieldError("ListenPort", "必须在 1-65535")
	}
	if c.LogLevel != "" {
		if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
			return newFieldError("LogLevel", "无法识别的日志级别")
		}
	}
	if err := validateOrigin(c.Origin); err != nil {
		return fmt.Errorf("Origin: %w", err)
	}
	if strings.TrimSpace(c.CacheVersion) == "" {
		return newFieldError("CacheVersion", "不能为空")
	}
	if strings.ContainsAny(c.CacheVersion, `/\`) {
		return newFieldError("CacheVersion", "不允许包含路径分隔符")
	}

	if _, ok := supportedBackends[c.StoreBackend]; !ok {
		return newFieldError("StoreBackend", "仅支持 "+supportedBackendList)
	}
	if c.RequiresStoragePath() && strings.TrimSpace(c.StoragePath) == "" {
		return newFieldError("StoragePath", "disk/sqlite 后端必须设置")
	}
	if c.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("UpstreamTimeout", "必须大于 0")
	}

	for i, entry := range c.Precache {
		if !strings.HasPrefix(entry, "/") {
			return newFieldError(listField("Precache", i), "必须是以 / 开头的站内路径")
		}
	}
	for i, entry := range c.NoCacheOrigins {
		if strings.Contains(entry, "/") {
			return newFieldError(listField("NoCacheOrigins", i), "只允许主机名片段")
		}
	}

	if c.TracingEndpoint != "" {
		if err := validateHTTPURL(c.TracingEndpoint); err != nil {
			return fmt.Errorf("TracingEndpoint: %w", err)
		}
	}

	return nil
}

func validateOrigin(raw string) error {
	if err := validateHTTPURL(raw); err != nil {
		return err
	}
	parsed, _ := url.Parse(raw)
	if parsed.Path != "" && parsed.Path != "/" {
		return errors.New("Origin 不允许包含路径")
	}
	if parsed.RawQuery != "" || parsed.Fragment != "" {
		return errors.New("Origin 不允许包含查询或片段")
	}
	return nil
}

func validateHTTPURL(raw string) error {
	if raw == "" {
		return errors.New("缺少地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("缺少 Host: %s", raw)
	}
	return nil
}
