package proxy

import (
	"errors"
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v3"
)

// resolveTarget 把请求映射到目标地址：默认按路径与查询串拼接到站点源；
// 开启 forward 时，请求行中的绝对 http(s) URI 原样作为目标。
func resolveTarget(origin *url.URL, c fiber.Ctx, forward bool) (*url.URL, error) {
	if forward {
		raw := string(c.Request().Header.RequestURI())
		if isAbsoluteHTTP(raw) {
			target, err := url.Parse(raw)
			if err != nil {
				return nil, err
			}
			if target.Host == "" {
				return nil, errors.New("absolute target without host")
			}
			target.Fragment = ""
			return target, nil
		}
	}

	uri := c.Request().URI()
	relative := &url.URL{Path: requestPath(string(uri.Path()))}
	if query := uri.QueryString(); len(query) > 0 {
		relative.RawQuery = string(query)
	}
	return origin.ResolveReference(relative), nil
}

func requestPath(raw string) string {
	if raw == "" {
		return "/"
	}
	if !strings.HasPrefix(raw, "/") {
		return "/" + raw
	}
	return raw
}

func isAbsoluteHTTP(raw string) bool {
	lower := strings.ToLower(raw)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}
