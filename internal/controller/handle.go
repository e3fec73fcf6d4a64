package controller

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mobility-trailblazers/offline-edge/internal/cache"
	"github.com/mobility-trailblazers/offline-edge/internal/logging"
	"github.com/mobility-trailblazers/offline-edge/internal/policy"
)

// Source 标记响应来自何处。
type Source string

const (
	SourceNetwork     Source = "network"
	SourceCache       Source = "cache"
	SourceShell       Source = "shell"
	SourcePassthrough Source = "passthrough"
)

// Result 是一次拦截的产出。Response 的 Body 由调用方负责关闭。
type Result struct {
	Response *http.Response
	Source   Source
	Type     policy.ResponseType
	// Version 是处理该请求的缓存版本；没有生效控制器时为空。
	Version string
	// Stored 表示该网络响应已被安排写入缓存。
	Stored bool
}

// reasonTooLarge 是正文超过缓冲上限时的决策原因。
const reasonTooLarge = policy.Reason("too_large")

// reasonRedundant 表示控制器已被新版本替换，不再写缓存。
const reasonRedundant = policy.Reason("redundant")

// Handle 执行网络优先策略：先请求网络，成功时按规则写缓存并原样返回；
// 网络失败时先查精确条目，再对 HTML 请求回退站点外壳；都没有时返回 ErrNoResponse。
func (c *Controller) Handle(ctx context.Context, req *http.Request) (*Result, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "controller.Handle", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()
	span.SetAttributes(
		attribute.String("cache.version", c.version),
		attribute.String("http.request.method", req.Method),
		attribute.String("url.full", req.URL.String()),
	)

	if !policy.InScope(req.URL) {
		span.SetAttributes(attribute.String("offline_edge.source", string(SourcePassthrough)))
		resp, err := c.fetcher.Do(req.WithContext(ctx))
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		typ := policy.Classify(c.origin, req.URL, resp.StatusCode, resp.Header)
		return &Result{Response: resp, Source: SourcePassthrough, Type: typ, Version: c.version}, nil
	}

	resp, netErr := c.fetcher.Do(req.WithContext(ctx))
	if netErr != nil || resp == nil {
		result, err := c.fallback(ctx, req, netErr)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		result.Version = c.version
		span.SetAttributes(attribute.String("offline_edge.source", string(result.Source)))
		return result, nil
	}

	result := c.fromNetwork(ctx, req, resp)
	span.SetAttributes(
		attribute.String("offline_edge.source", string(result.Source)),
		attribute.Bool("offline_edge.stored", result.Stored),
	)
	return result, nil
}

func (c *Controller) fromNetwork(ctx context.Context, req *http.Request, resp *http.Response) *Result {
	typ := policy.Classify(c.origin, req.URL, resp.StatusCode, resp.Header)
	result := &Result{Response: resp, Source: SourceNetwork, Type: typ, Version: c.version}

	decision := c.rules.Decide(req.Method, req.URL, resp.StatusCode, typ)
	if !decision.Store {
		c.logRequest(req, SourceNetwork).
			WithField("reason", decision.Reason).
			Debug("cache_skipped")
		return result
	}

	buffered, complete, readErr := readLimited(resp.Body, c.maxEntryBytes)
	switch {
	case readErr != nil:
		resp.Body.Close()
		resp.Body = io.NopCloser(io.MultiReader(bytes.NewReader(buffered), errReader{readErr}))
		c.logRequest(req, SourceNetwork).WithError(readErr).Warn("response_read_failed")
		return result
	case !complete:
		resp.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(buffered), resp.Body), resp.Body}
		c.logRequest(req, SourceNetwork).
			WithField("reason", reasonTooLarge).
			Debug("cache_skipped")
		return result
	}

	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(buffered))
	resp.ContentLength = int64(len(buffered))

	entry := newEntry(req.Method, req.URL, resp, typ, buffered)
	writeCtx := context.WithoutCancel(ctx)

	// 调度与 markRedundant 共用 c.mu，保证已调度的写入都在 Flush 的等待范围内。
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase == PhaseRedundant {
		c.logRequest(req, SourceNetwork).
			WithField("reason", reasonRedundant).
			Debug("cache_skipped")
		return result
	}
	c.writes.Go(func() {
		if c.retired() {
			c.logRequest(req, SourceNetwork).
				WithField("reason", reasonRedundant).
				Debug("cache_skipped")
			return
		}
		if err := c.store.Put(writeCtx, c.version, entry); err != nil {
			c.logRequest(req, SourceNetwork).WithError(err).Error("cache_put_failed")
			return
		}
		c.logRequest(req, SourceNetwork).Debug("cache_put")
	})
	result.Stored = true
	return result
}

func (c *Controller) retired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase == PhaseRedundant
}

func (c *Controller) fallback(ctx context.Context, req *http.Request, netErr error) (*Result, error) {
	if netErr == nil {
		netErr = errors.New("empty network response")
	}
	log := c.logRequest(req, SourceCache).WithField("network_error", netErr.Error())

	if entry := c.lookup(ctx, cache.Key(req.Method, req.URL)); entry != nil {
		log.Info("offline_cache_hit")
		return &Result{Response: entryResponse(entry, req), Source: SourceCache, Type: policy.ResponseType(entry.Type)}, nil
	}

	if policy.AcceptsHTML(req.Header.Get("Accept")) {
		if entry := c.lookup(ctx, cache.Key(http.MethodGet, c.shellURL())); entry != nil {
			log.Info("offline_shell_hit")
			return &Result{Response: entryResponse(entry, req), Source: SourceShell, Type: policy.ResponseType(entry.Type)}, nil
		}
	}

	log.Warn("offline_miss")
	return nil, fmt.Errorf("%w: %v", ErrNoResponse, netErr)
}

func (c *Controller) lookup(ctx context.Context, key string) *cache.Entry {
	entry, err := c.store.Get(ctx, c.version, key)
	switch {
	case err == nil:
		return entry
	case errors.Is(err, cache.ErrNotFound):
		return nil
	default:
		c.logger.WithError(err).WithFields(logrus.Fields{
			"action":        "cache_get",
			"cache_version": c.version,
			"key":           key,
		}).Warn("cache_get_failed")
		return nil
	}
}

func (c *Controller) logRequest(req *http.Request, source Source) *logrus.Entry {
	fields := logging.RequestFields(c.version, req.Method, req.URL.String(), string(source))
	fields["action"] = "intercept"
	return c.logger.WithFields(fields)
}

// readLimited 最多读取 limit 字节；complete 为 false 时 body 仍有剩余内容。
func readLimited(body io.Reader, limit int64) ([]byte, bool, error) {
	buf, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return buf, false, err
	}
	if int64(len(buf)) > limit {
		return buf, false, nil
	}
	return buf, true, nil
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }
