package server

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
)

func TestRouterForwardsRegularPaths(t *testing.T) {
	app, recorder := newTestApp(t)

	resp, err := app.Test(httptest.NewRequest("GET", "http://localhost/jury?year=2025", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 204 status, got %d (body=%s)", resp.StatusCode, string(body))
	}
	if recorder.lastPath != "/jury" {
		t.Fatalf("expected proxy to see /jury, got %q", recorder.lastPath)
	}

	reqID := resp.Header.Get("X-Request-ID")
	if reqID == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
	if recorder.lastRequestID != reqID {
		t.Fatalf("expected handler to see request id %s, got %s", reqID, recorder.lastRequestID)
	}
}

func TestRouterKeepsControlPrefixForOtherRoutes(t *testing.T) {
	app, recorder := newTestApp(t)
	app.Get("/-/ping", func(c fiber.Ctx) error {
		return c.SendString("pong")
	})

	resp, err := app.Test(httptest.NewRequest("GET", "http://localhost/-/ping", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != fiber.StatusOK || string(body) != "pong" {
		t.Fatalf("expected control route response, got %d %s", resp.StatusCode, string(body))
	}
	if recorder.calls != 0 {
		t.Fatalf("control path should not reach proxy handler")
	}
}

func TestRouterRecoversFromPanics(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	app, err := NewApp(AppOptions{
		Logger: logger,
		Proxy: ProxyHandlerFunc(func(fiber.Ctx) error {
			panic("boom")
		}),
	})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}

	resp, err := app.Test(httptest.NewRequest("GET", "http://localhost/", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusInternalServerError {
		t.Fatalf("expected 500 after panic, got %d", resp.StatusCode)
	}
}

func TestNewAppRequiresDependencies(t *testing.T) {
	if _, err := NewApp(AppOptions{Proxy: &proxyRecorder{}}); err == nil {
		t.Fatalf("expected error without logger")
	}
	if _, err := NewApp(AppOptions{Logger: logrus.New()}); err == nil {
		t.Fatalf("expected error without proxy handler")
	}
}

func newTestApp(t *testing.T) (*fiber.App, *proxyRecorder) {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	recorder := &proxyRecorder{}
	app, err := NewApp(AppOptions{
		Logger: logger,
		Proxy:  recorder,
	})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}
	return app, recorder
}

type proxyRecorder struct {
	calls         int
	lastPath      string
	lastRequestID string
}

func (p *proxyRecorder) Handle(c fiber.Ctx) error {
	p.calls++
	p.lastPath = string(c.Request().URI().Path())
	p.lastRequestID = RequestID(c)
	return c.SendStatus(fiber.StatusNoContent)
}
