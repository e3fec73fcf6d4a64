package cache

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"lukechampine.com/blake3"
)

const (
	bodySuffix = ".body"
	metaSuffix = ".meta.json"
)

// NewFileStore 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。
//
// 磁盘布局：
//
//	<basePath>/<namespace>/<blake3(key)>.body       # 响应正文
//	<basePath>/<namespace>/<blake3(key)>.meta.json  # 状态码、头部、类型等元数据
//
// 元数据文件最后落盘，存在即代表条目完整。
func NewFileStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 避免同一条目并发读写，同时复用 basePath。
type fileStore struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (s *fileStore) Open(ctx context.Context, namespace string) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	dir, err := s.namespaceDir(namespace)
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0o755)
}

func (s *fileStore) Get(ctx context.Context, namespace, key string) (*Entry, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	base, err := s.entryPath(namespace, key)
	if err != nil {
		return nil, err
	}

	unlock := s.lockEntry(base)
	defer unlock()

	rawMeta, err := os.ReadFile(base + metaSuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var entry Entry
	if err := json.Unmarshal(rawMeta, &entry); err != nil {
		return nil, fmt.Errorf("decode cache metadata: %w", err)
	}
	// 摘要碰撞或被替换的文件不应被当作命中。
	if entry.Key != key {
		return nil, ErrNotFound
	}

	body, err := os.ReadFile(base + bodySuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	entry.Body = body
	return &entry, nil
}

func (s *fileStore) Put(ctx context.Context, namespace string, entry Entry) error {
	if entry.Key == "" {
		return ErrKeyRequired
	}

	base, err := s.entryPath(namespace, entry.Key)
	if err != nil {
		return err
	}

	unlock := s.lockEntry(base)
	defer unlock()

	if err := os.MkdirAll(filepath.Dir(base), 0o755); err != nil {
		return err
	}

	if err := writeAtomic(ctx, base+bodySuffix, bytes.NewReader(entry.Body)); err != nil {
		return err
	}

	meta, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache metadata: %w", err)
	}
	return writeAtomic(ctx, base+metaSuffix, bytes.NewReader(meta))
}

func (s *fileStore) Delete(ctx context.Context, namespace string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	dir, err := s.namespaceDir(namespace)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if !info.IsDir() {
		return false, nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return true, err
	}
	return true, nil
}

func (s *fileStore) ListNamespaces(ctx context.Context) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	items, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(items))
	for _, item := range items {
		if item.IsDir() && !strings.HasPrefix(item.Name(), ".") {
			names = append(names, item.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *fileStore) Keys(ctx context.Context, namespace string) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	dir, err := s.namespaceDir(namespace)
	if err != nil {
		return nil, err
	}
	items, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, err
	}
	keys := make([]string, 0, len(items))
	for _, item := range items {
		if item.IsDir() || !strings.HasSuffix(item.Name(), metaSuffix) {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, item.Name()))
		if err != nil {
			continue
		}
		var meta struct {
			Key string `json:"key"`
		}
		if json.Unmarshal(raw, &meta) == nil && meta.Key != "" {
			keys = append(keys, meta.Key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *fileStore) Close() error { return nil }

func (s *fileStore) lockEntry(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func (s *fileStore) namespaceDir(namespace string) (string, error) {
	if err := validateNamespace(namespace); err != nil {
		return "", err
	}
	dir := filepath.Join(s.basePath, namespace)
	if !strings.HasPrefix(dir, s.basePath+string(filepath.Separator)) {
		return "", errors.New("invalid cache path")
	}
	return dir, nil
}

// entryPath 返回不含后缀的条目路径，文件名为 key 的 blake3 摘要。
func (s *fileStore) entryPath(namespace, key string) (string, error) {
	dir, err := s.namespaceDir(namespace)
	if err != nil {
		return "", err
	}
	if key == "" {
		return "", ErrKeyRequired
	}
	sum := blake3.Sum256([]byte(key))
	return filepath.Join(dir, hex.EncodeToString(sum[:])), nil
}

func writeAtomic(ctx context.Context, target string, body io.Reader) error {
	tempFile, err := os.CreateTemp(filepath.Dir(target), ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = copyWithContext(ctx, tempFile, body)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, target); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
