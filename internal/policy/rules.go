package policy

import (
	"net/http"
	"net/url"
	"strings"
)

// Rules 描述两组永不缓存的模式：站内路径片段与第三方主机片段。
// 两者都按子串包含匹配。
type Rules struct {
	NoCachePaths   []string
	NoCacheOrigins []string
}

// DefaultRules 返回站点上线时使用的排除规则。
func DefaultRules() Rules {
	return Rules{
		NoCachePaths: []string{
			"/danke-nominierung",
			"/danke-newsletter",
			"/api/",
		},
		NoCacheOrigins: []string{
			"google-analytics.com",
			"googletagmanager.com",
			"cloudflareinsights.com",
			"sociablekit.com",
			"tarteaucitron.io",
			"umami.is",
			"web3forms.com",
			"spreadshirtmedia.net",
		},
	}
}

// Reason 标记缓存决策的原因，用于日志字段。
type Reason string

const (
	ReasonOK             Reason = "ok"
	ReasonMethod         Reason = "method"
	ReasonPathExcluded   Reason = "path_excluded"
	ReasonOriginExcluded Reason = "origin_excluded"
	ReasonStatus         Reason = "status"
	ReasonResponseType   Reason = "response_type"
)

// Decision 是一次缓存判定的结果。
type Decision struct {
	Store  bool
	Reason Reason
}

// InScope 仅接受 http/https；扩展或 data: 等内部地址不归控制器处理。
func InScope(u *url.URL) bool {
	if u == nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return scheme == "http" || scheme == "https"
}

// PathExcluded 判断路径是否命中任一路径片段。
func (r Rules) PathExcluded(p string) bool {
	for _, pattern := range r.NoCachePaths {
		if pattern != "" && strings.Contains(p, pattern) {
			return true
		}
	}
	return false
}

// OriginExcluded 判断主机是否命中任一第三方主机片段，忽略大小写与端口。
func (r Rules) OriginExcluded(host string) bool {
	host = strings.ToLower(host)
	for _, pattern := range r.NoCacheOrigins {
		if pattern != "" && strings.Contains(host, strings.ToLower(pattern)) {
			return true
		}
	}
	return false
}

// RequestCacheable 检查请求侧条件：GET、路径未排除、主机未排除。
func (r Rules) RequestCacheable(method string, u *url.URL) (bool, Reason) {
	if !strings.EqualFold(method, http.MethodGet) {
		return false, ReasonMethod
	}
	if u == nil {
		return false, ReasonPathExcluded
	}
	if r.PathExcluded(u.Path) {
		return false, ReasonPathExcluded
	}
	if r.OriginExcluded(u.Hostname()) {
		return false, ReasonOriginExcluded
	}
	return true, ReasonOK
}

// Decide 合并响应侧与请求侧条件，响应侧优先判定。
func (r Rules) Decide(method string, u *url.URL, status int, typ ResponseType) Decision {
	if status != http.StatusOK {
		return Decision{Reason: ReasonStatus}
	}
	if !typ.Readable() {
		return Decision{Reason: ReasonResponseType}
	}
	ok, reason := r.RequestCacheable(method, u)
	return Decision{Store: ok, Reason: reason}
}

// AcceptsHTML 判断 Accept 头是否期望 HTML 文档。
func AcceptsHTML(accept string) bool {
	return strings.Contains(accept, "text/html")
}
