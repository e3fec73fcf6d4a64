package policy

import (
	"net/http"
	"net/url"
	"strings"
)

// ResponseType 对应浏览器 Response.type 的分类。
type ResponseType string

const (
	TypeBasic  ResponseType = "basic"
	TypeCORS   ResponseType = "cors"
	TypeOpaque ResponseType = "opaque"
	TypeError  ResponseType = "error"
)

// Readable 表示页面可读取正文的类型（同源或通过 CORS 放行）。
func (t ResponseType) Readable() bool {
	return t == TypeBasic || t == TypeCORS
}

// ResponseCacheable 要求状态码恰好为 200 且类型可读。
func ResponseCacheable(status int, typ ResponseType) bool {
	return status == http.StatusOK && typ.Readable()
}

// Classify 根据页面源与目标地址判定响应类型：
// 同源为 basic；跨源且 Access-Control-Allow-Origin 为 * 或页面源时为 cors；
// 其余跨源响应为 opaque；status 为 0 时视为 error。
func Classify(page, target *url.URL, status int, header http.Header) ResponseType {
	if status == 0 {
		return TypeError
	}
	if SameOrigin(page, target) {
		return TypeBasic
	}
	allowed := strings.TrimSpace(header.Get("Access-Control-Allow-Origin"))
	if allowed == "*" {
		return TypeCORS
	}
	if allowed != "" && page != nil && strings.EqualFold(allowed, Origin(page)) {
		return TypeCORS
	}
	return TypeOpaque
}

// SameOrigin 比较 scheme、host 与有效端口。
func SameOrigin(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	return Origin(a) == Origin(b)
}

// Origin 返回 scheme://host[:port]，默认端口会被省略。
func Origin(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host += ":" + port
	}
	return scheme + "://" + host
}
