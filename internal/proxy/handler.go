package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/mobility-trailblazers/offline-edge/internal/controller"
	"github.com/mobility-trailblazers/offline-edge/internal/logging"
	"github.com/mobility-trailblazers/offline-edge/internal/server"
)

// HeaderSource 标记响应来自网络、缓存、外壳还是直接透传。
const HeaderSource = "X-Offline-Edge-Source"

// Dispatcher 执行一次拦截，*controller.Registration 即满足该接口。
type Dispatcher interface {
	Handle(ctx context.Context, req *http.Request) (*controller.Result, error)
}

// HandlerOptions 汇总 Handler 的依赖。
type HandlerOptions struct {
	Dispatcher Dispatcher
	Origin     *url.URL
	// ForwardProxy 允许请求行携带绝对 URI，从而让第三方主机也经过同一缓存策略。
	ForwardProxy bool
	Logger       *logrus.Logger
}

// Handler 实现 server.ProxyHandler。
type Handler struct {
	dispatcher Dispatcher
	origin     *url.URL
	forward    bool
	logger     *logrus.Logger
}

// NewHandler 校验依赖并返回 Handler。
func NewHandler(opts HandlerOptions) (*Handler, error) {
	if opts.Dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if opts.Origin == nil || opts.Origin.Host == "" {
		return nil, errors.New("origin is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{
		dispatcher: opts.Dispatcher,
		origin:     opts.Origin,
		forward:    opts.ForwardProxy,
		logger:     logger,
	}, nil
}

// Handle 把 Fiber 请求转换为 http.Request 交给控制器，并把结果写回客户端。
func (h *Handler) Handle(c fiber.Ctx) (err error) {
	requestID := server.RequestID(c)
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = h.respondPanic(c, r, requestID)
		}
	}()

	target, err := resolveTarget(h.origin, c, h.forward)
	if err != nil {
		h.logFailure(c.Method(), "", requestID, "invalid_target", err)
		return writeError(c, fiber.StatusBadRequest, "invalid_target")
	}

	req, err := buildRequest(c, target)
	if err != nil {
		h.logFailure(c.Method(), target.String(), requestID, "invalid_request", err)
		return writeError(c, fiber.StatusBadRequest, "invalid_request")
	}

	result, err := h.dispatcher.Handle(req.Context(), req)
	if err != nil {
		status, code := fiber.StatusBadGateway, "upstream_failed"
		if errors.Is(err, controller.ErrNoResponse) {
			status, code = fiber.StatusGatewayTimeout, "offline_miss"
		}
		h.logFailure(req.Method, target.String(), requestID, code, err)
		return writeError(c, status, code)
	}

	return h.writeResult(c, req, result, requestID, started)
}

func (h *Handler) writeResult(c fiber.Ctx, req *http.Request, result *controller.Result, requestID string, started time.Time) error {
	resp := result.Response
	if resp == nil {
		return writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	if resp.Body != nil {
		defer resp.Body.Close()
	}

	copyResponseHeaders(c, resp.Header)
	c.Set(HeaderSource, string(result.Source))
	c.Status(resp.StatusCode)

	if req.Method == http.MethodHead || resp.Body == nil {
		h.logResult(req, result, requestID, started, nil)
		return nil
	}

	_, err := io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(req, result, requestID, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

func (h *Handler) respondPanic(c fiber.Ctx, recovered interface{}, requestID string) error {
	h.logFailure(c.Method(), c.OriginalURL(), requestID, "handler_panic", fmt.Errorf("panic: %v", recovered))
	return writeError(c, fiber.StatusInternalServerError, "handler_panic")
}

func writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

// buildRequest 复制客户端请求头与正文，去掉逐跳头并补充 X-Forwarded-* 字段。
func buildRequest(c fiber.Ctx, target *url.URL) (*http.Request, error) {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var body io.Reader = http.NoBody
	if raw := c.Body(); len(raw) > 0 {
		body = bytes.NewReader(append([]byte(nil), raw...))
	}

	req, err := http.NewRequestWithContext(ctx, c.Method(), target.String(), body)
	if err != nil {
		return nil, err
	}

	server.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	req.Header.Del("Host")
	req.Header.Del("Accept-Encoding")
	req.Host = target.Host
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", c.Protocol())
	return req, nil
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) {
			continue
		}
		for i, value := range values {
			if i == 0 {
				c.Set(key, value)
				continue
			}
			c.Response().Header.Add(key, value)
		}
	}
}

func (h *Handler) logResult(req *http.Request, result *controller.Result, requestID string, started time.Time, err error) {
	fields := logging.RequestFields(result.Version, req.Method, req.URL.String(), string(result.Source))
	fields["action"] = "proxy"
	fields["status"] = result.Response.StatusCode
	fields["stored"] = result.Stored
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if result.Type != "" {
		fields["response_type"] = string(result.Type)
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

func (h *Handler) logFailure(method, target, requestID, code string, err error) {
	fields := logrus.Fields{
		"action": "proxy",
		"method": method,
		"target": target,
		"error":  code,
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	entry := h.logger.WithFields(fields)
	if err != nil {
		entry = entry.WithField("cause", err.Error())
	}
	if code == "offline_miss" {
		entry.Warn("proxy_offline_miss")
		return
	}
	entry.Error("proxy_failed")
}
