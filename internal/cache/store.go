package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Store 管理按命名空间（缓存版本）隔离的响应条目。
//
// 实现必须满足：
//   - Put 对同一 key 覆盖写入，重复安装不会产生重复条目；
//   - Get 返回的 Entry 与存储内容互不共享底层切片；
//   - Delete 删除整个命名空间并返回其是否存在。
type Store interface {
	// Open 创建（或确认存在）命名空间，对应安装阶段的“打开缓存”。
	Open(ctx context.Context, namespace string) error

	// Get 按 key 读取条目，不存在时返回 ErrNotFound。
	Get(ctx context.Context, namespace, key string) (*Entry, error)

	// Put 写入条目，命名空间不存在时自动创建。
	Put(ctx context.Context, namespace string, entry Entry) error

	// Delete 删除整个命名空间。
	Delete(ctx context.Context, namespace string) (bool, error)

	// ListNamespaces 返回按名称排序的全部命名空间。
	ListNamespaces(ctx context.Context) ([]string, error)

	// Keys 返回命名空间内按字典序排列的条目 key。
	Keys(ctx context.Context, namespace string) ([]string, error)

	Close() error
}

// Entry 表示一次被缓存的响应。
type Entry struct {
	Key      string      `json:"key"`
	Method   string      `json:"method"`
	URL      string      `json:"url"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Type     string      `json:"type"`
	StoredAt time.Time   `json:"stored_at"`
	Body     []byte      `json:"-"`
}

// Clone 返回深拷贝，避免调用方修改存储中的正文或头部。
func (e Entry) Clone() Entry {
	out := e
	out.Header = e.Header.Clone()
	if e.Body != nil {
		out.Body = append([]byte(nil), e.Body...)
	}
	return out
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrNamespaceRequired 表示调用缺少命名空间或命名空间非法。
	ErrNamespaceRequired = errors.New("cache namespace required")
	// ErrKeyRequired 表示写入的条目缺少 key。
	ErrKeyRequired = errors.New("cache key required")
)

// Key 计算请求身份：大写方法 + 空格 + 去除片段的绝对 URL。
func Key(method string, u *url.URL) string {
	if method == "" {
		method = http.MethodGet
	}
	target := ""
	if u != nil {
		clean := *u
		clean.Fragment = ""
		clean.RawFragment = ""
		target = clean.String()
	}
	return strings.ToUpper(method) + " " + target
}

// 支持的后端名称，与配置中的 StoreBackend 对应。
const (
	BackendMemory = "memory"
	BackendDisk   = "disk"
	BackendSQLite = "sqlite"
)

// Open 按后端名称构建 Store；disk 使用 path 作为根目录，sqlite 使用 path/cache.db。
func Open(backend, path string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendDisk:
		return NewFileStore(path)
	case BackendSQLite:
		return OpenSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", backend)
	}
}

func validateNamespace(namespace string) error {
	trimmed := strings.TrimSpace(namespace)
	if trimmed == "" || trimmed != namespace {
		return ErrNamespaceRequired
	}
	if trimmed == "." || trimmed == ".." || strings.ContainsAny(trimmed, `/\`) {
		return fmt.Errorf("%w: invalid namespace %q", ErrNamespaceRequired, namespace)
	}
	return nil
}

func checkContext(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
