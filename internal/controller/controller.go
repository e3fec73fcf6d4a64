package controller

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mobility-trailblazers/offline-edge/internal/cache"
	"github.com/mobility-trailblazers/offline-edge/internal/logging"
	"github.com/mobility-trailblazers/offline-edge/internal/policy"
)

const tracerName = "github.com/mobility-trailblazers/offline-edge/internal/controller"

// DefaultMaxEntryBytes 限制单个可缓存响应在内存中缓冲的大小，超出部分直接透传给调用方。
const DefaultMaxEntryBytes int64 = 16 << 20

const precacheConcurrency = 4

// Phase 描述控制器生命周期阶段。
type Phase string

const (
	PhaseParsed     Phase = "parsed"
	PhaseInstalling Phase = "installing"
	PhaseInstalled  Phase = "installed"
	PhaseActivating Phase = "activating"
	PhaseActivated  Phase = "activated"
	PhaseRedundant  Phase = "redundant"
)

// Fetcher 发送网络请求，*http.Client 即满足该接口。
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options 汇总构建 Controller 所需的依赖。
type Options struct {
	// Version 是当前唯一有效的缓存命名空间名称。
	Version string
	// Origin 是站点根地址，预缓存路径与外壳文档都相对它解析。
	Origin   *url.URL
	Manifest []string
	Rules    policy.Rules
	Store    cache.Store
	Fetcher  Fetcher
	Logger   *logrus.Logger
	// SkipWaitingOnInstall 为 true 时安装完成即请求接管，不等待旧版本退出。
	SkipWaitingOnInstall bool
	MaxEntryBytes        int64
}

// Controller 持有一个版本化缓存命名空间，并对拦截到的请求执行网络优先策略。
type Controller struct {
	version       string
	origin        *url.URL
	manifest      []string
	rules         policy.Rules
	store         cache.Store
	fetcher       Fetcher
	logger        *logrus.Logger
	skipOnInstall bool
	maxEntryBytes int64

	mu      sync.Mutex
	phase   Phase
	claimed bool

	skipWaiting atomic.Bool
	writes      conc.WaitGroup
}

// InstallReport 记录预缓存结果。
type InstallReport struct {
	Cached  []string
	Skipped []string
}

// ActivateReport 记录激活阶段删除的旧命名空间。
type ActivateReport struct {
	Deleted []string
}

// New 校验依赖并返回处于 parsed 阶段的控制器。
func New(opts Options) (*Controller, error) {
	version := strings.TrimSpace(opts.Version)
	if version == "" {
		return nil, errors.New("cache version is required")
	}
	if opts.Origin == nil || !policy.InScope(opts.Origin) || opts.Origin.Host == "" {
		return nil, errors.New("origin must be an absolute http(s) url")
	}
	if opts.Store == nil {
		return nil, errors.New("cache store is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	maxEntry := opts.MaxEntryBytes
	if maxEntry <= 0 {
		maxEntry = DefaultMaxEntryBytes
	}

	origin := *opts.Origin
	origin.Path = ""
	origin.RawQuery = ""
	origin.Fragment = ""

	return &Controller{
		version:       version,
		origin:        &origin,
		manifest:      append([]string(nil), opts.Manifest...),
		rules:         opts.Rules,
		store:         opts.Store,
		fetcher:       opts.Fetcher,
		logger:        logger,
		skipOnInstall: opts.SkipWaitingOnInstall,
		maxEntryBytes: maxEntry,
		phase:         PhaseParsed,
	}, nil
}

// Version 返回控制器的缓存版本标签。
func (c *Controller) Version() string { return c.version }

// Phase 返回当前生命周期阶段。
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Claimed 表示控制器激活后是否已接管页面。
func (c *Controller) Claimed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.claimed
}

// SkipWaiting 表示控制器是否请求跳过等待阶段。
func (c *Controller) SkipWaiting() bool { return c.skipWaiting.Load() }

// Store 返回底层缓存存储。
func (c *Controller) Store() cache.Store { return c.store }

func (c *Controller) transition(from, to Phase) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != from {
		return fmt.Errorf("%w: %s → %s requires %s", ErrInvalidPhase, c.phase, to, from)
	}
	c.phase = to
	return nil
}

func (c *Controller) setPhase(p Phase) {
	c.mu.Lock()
	c.phase = p
	c.mu.Unlock()
}

func (c *Controller) markRedundant() {
	c.mu.Lock()
	c.phase = PhaseRedundant
	c.claimed = false
	c.mu.Unlock()
	c.logLifecycle("redundant").Debug("controller_redundant")
}

func (c *Controller) logLifecycle(action string) *logrus.Entry {
	return c.logger.WithFields(logging.LifecycleFields(action, c.version, string(c.Phase())))
}

// Install 打开当前命名空间并写入预缓存清单。单个条目失败只记录日志，不阻止安装完成。
func (c *Controller) Install(ctx context.Context) (InstallReport, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "controller.Install", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	span.SetAttributes(attribute.String("cache.version", c.version))

	if err := c.transition(PhaseParsed, PhaseInstalling); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return InstallReport{}, err
	}

	if err := c.store.Open(ctx, c.version); err != nil {
		c.logLifecycle("install").WithError(err).Warn("cache_open_failed")
	} else {
		c.logLifecycle("install").Debug("cache_opened")
	}

	var (
		mu     sync.Mutex
		report InstallReport
	)
	p := pool.New().WithMaxGoroutines(precacheConcurrency)
	for _, rel := range c.manifest {
		rel := rel
		p.Go(func() {
			err := c.precache(ctx, rel)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Skipped = append(report.Skipped, rel)
				c.logLifecycle("install").
					WithError(err).
					WithField("path", rel).
					Warn("precache_skipped")
				return
			}
			report.Cached = append(report.Cached, rel)
		})
	}
	p.Wait()

	if err := ctx.Err(); err != nil {
		c.setPhase(PhaseRedundant)
		span.SetStatus(codes.Error, err.Error())
		return report, err
	}

	c.setPhase(PhaseInstalled)
	if c.skipOnInstall {
		c.skipWaiting.Store(true)
	}
	span.SetAttributes(
		attribute.Int("precache.cached", len(report.Cached)),
		attribute.Int("precache.skipped", len(report.Skipped)),
	)
	c.logLifecycle("install").
		WithFields(logrus.Fields{"cached": len(report.Cached), "skipped": len(report.Skipped)}).
		Info("controller_installed")
	return report, nil
}

func (c *Controller) precache(ctx context.Context, rel string) error {
	target := c.resolve(rel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return err
	}
	resp, err := c.fetcher.Do(req)
	if err != nil {
		return err
	}
	if resp == nil {
		return errors.New("empty response")
	}
	defer resp.Body.Close()

	typ := policy.Classify(c.origin, target, resp.StatusCode, resp.Header)
	if !policy.ResponseCacheable(resp.StatusCode, typ) {
		return fmt.Errorf("unexpected response: status=%d type=%s", resp.StatusCode, typ)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read precache body: %w", err)
	}
	return c.store.Put(ctx, c.version, newEntry(http.MethodGet, target, resp, typ, body))
}

// Activate 删除所有与当前版本不同的命名空间并接管页面。
func (c *Controller) Activate(ctx context.Context) (ActivateReport, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "controller.Activate", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	span.SetAttributes(attribute.String("cache.version", c.version))

	if err := c.transition(PhaseInstalled, PhaseActivating); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return ActivateReport{}, err
	}

	var report ActivateReport
	names, err := c.store.ListNamespaces(ctx)
	if err != nil {
		c.logLifecycle("activate").WithError(err).Warn("cache_list_failed")
	}
	for _, name := range names {
		if name == c.version {
			continue
		}
		if _, err := c.store.Delete(ctx, name); err != nil {
			c.logLifecycle("activate").WithError(err).WithField("namespace", name).Warn("cache_delete_failed")
			continue
		}
		report.Deleted = append(report.Deleted, name)
		c.logLifecycle("activate").WithField("namespace", name).Debug("old_cache_deleted")
	}

	c.mu.Lock()
	c.phase = PhaseActivated
	c.claimed = true
	c.mu.Unlock()

	span.SetAttributes(attribute.Int("cache.deleted", len(report.Deleted)))
	c.logLifecycle("activate").WithField("deleted", report.Deleted).Info("controller_activated")
	return report, nil
}

// Flush 等待所有后台缓存写入完成，写入中的 panic 会被记录而不是向上传播。
func (c *Controller) Flush() {
	if recovered := c.writes.WaitAndRecover(); recovered != nil {
		c.logger.WithFields(logrus.Fields{
			"action":        "cache_put",
			"cache_version": c.version,
		}).Errorf("cache_put_panic: %v", recovered.Value)
	}
}

func (c *Controller) resolve(rel string) *url.URL {
	ref, err := url.Parse(rel)
	if err != nil {
		ref = &url.URL{Path: rel}
	}
	return c.origin.ResolveReference(ref)
}

func (c *Controller) shellURL() *url.URL {
	return c.resolve("/")
}

func newEntry(method string, target *url.URL, resp *http.Response, typ policy.ResponseType, body []byte) cache.Entry {
	return cache.Entry{
		Key:      cache.Key(method, target),
		Method:   strings.ToUpper(method),
		URL:      target.String(),
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Type:     string(typ),
		StoredAt: time.Now().UTC(),
		Body:     append([]byte(nil), body...),
	}
}

// entryResponse 把缓存条目还原为 http.Response，正文为条目字节的独立副本。
func entryResponse(entry *cache.Entry, req *http.Request) *http.Response {
	body := append([]byte(nil), entry.Body...)
	header := entry.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", entry.Status, http.StatusText(entry.Status)),
		StatusCode:    entry.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}
