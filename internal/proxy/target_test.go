package proxy

import (
	"net/url"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
)

func TestResolveTarget(t *testing.T) {
	origin, err := url.Parse("https://mobility-trailblazers.de")
	require.NoError(t, err)

	cases := []struct {
		name    string
		uri     string
		forward bool
		want    string
	}{
		{name: "root", uri: "/", want: "https://mobility-trailblazers.de/"},
		{name: "path and query", uri: "/jury/?year=2025", want: "https://mobility-trailblazers.de/jury/?year=2025"},
		{name: "absolute ignored without forward", uri: "http://cdn.example/lib.js?v=1", want: "https://mobility-trailblazers.de/lib.js?v=1"},
		{name: "absolute with forward", uri: "http://cdn.example/lib.js?v=1", forward: true, want: "http://cdn.example/lib.js?v=1"},
		{name: "relative with forward", uri: "/manifest.json", forward: true, want: "https://mobility-trailblazers.de/manifest.json"},
	}

	app := fiber.New()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := app.AcquireCtx(new(fasthttp.RequestCtx))
			defer app.ReleaseCtx(ctx)
			ctx.Request().SetRequestURI(tc.uri)

			got, err := resolveTarget(origin, ctx, tc.forward)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got.String())
		})
	}
}

func TestRequestPathAddsLeadingSlash(t *testing.T) {
	assert.Equal(t, "/", requestPath(""))
	assert.Equal(t, "/a", requestPath("a"))
	assert.Equal(t, "/de/", requestPath("/de/"))
}
