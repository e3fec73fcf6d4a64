package policy

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestInScope(t *testing.T) {
	cases := map[string]bool{
		"https://site.test/":                    true,
		"http://site.test/jury":                 true,
		"HTTPS://site.test/":                    true,
		"chrome-extension://abcdef/content.js":  false,
		"moz-extension://abcdef/script.js":      false,
		"data:text/plain,hello":                 false,
		"ws://site.test/socket":                 false,
	}
	for raw, want := range cases {
		assert.Equal(t, want, InScope(mustURL(t, raw)), raw)
	}
	assert.False(t, InScope(nil))
}

func TestRequestCacheableDefaults(t *testing.T) {
	rules := DefaultRules()
	cases := []struct {
		name   string
		method string
		url    string
		ok     bool
		reason Reason
	}{
		{"root document", http.MethodGet, "https://site.test/", true, ReasonOK},
		{"jury page", http.MethodGet, "https://site.test/jury/", true, ReasonOK},
		{"nomination thanks", http.MethodGet, "https://site.test/danke-nominierung", false, ReasonPathExcluded},
		{"newsletter thanks", http.MethodGet, "https://site.test/danke-newsletter/", false, ReasonPathExcluded},
		{"api prefix", http.MethodGet, "https://site.test/api/submit", false, ReasonPathExcluded},
		{"api nested keeps substring semantics", http.MethodGet, "https://site.test/de/api/x", false, ReasonPathExcluded},
		{"analytics host", http.MethodGet, "https://www.google-analytics.com/analytics.js", false, ReasonOriginExcluded},
		{"widget host", http.MethodGet, "https://widgets.sociablekit.com/widget.js", false, ReasonOriginExcluded},
		{"uppercase host", http.MethodGet, "https://CDN.Umami.IS/script.js", false, ReasonOriginExcluded},
		{"form api host", http.MethodGet, "https://api.web3forms.com/submit", false, ReasonOriginExcluded},
		{"post", http.MethodPost, "https://site.test/", false, ReasonMethod},
		{"put", http.MethodPut, "https://site.test/", false, ReasonMethod},
		{"delete", http.MethodDelete, "https://site.test/", false, ReasonMethod},
		{"lowercase get", "get", "https://site.test/", true, ReasonOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ok, reason := rules.RequestCacheable(tc.method, mustURL(t, tc.url))
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.reason, reason)
		})
	}
}

func TestDecideChecksResponseFirst(t *testing.T) {
	rules := DefaultRules()
	root := mustURL(t, "https://site.test/")

	assert.Equal(t, Decision{Store: true, Reason: ReasonOK}, rules.Decide(http.MethodGet, root, 200, TypeBasic))
	assert.Equal(t, Decision{Store: true, Reason: ReasonOK}, rules.Decide(http.MethodGet, root, 200, TypeCORS))
	assert.Equal(t, ReasonStatus, rules.Decide(http.MethodGet, root, 404, TypeBasic).Reason)
	assert.Equal(t, ReasonStatus, rules.Decide(http.MethodGet, root, 206, TypeBasic).Reason)
	assert.Equal(t, ReasonResponseType, rules.Decide(http.MethodGet, root, 200, TypeOpaque).Reason)
	assert.Equal(t, ReasonResponseType, rules.Decide(http.MethodGet, root, 200, TypeError).Reason)
	assert.Equal(t, ReasonMethod, rules.Decide(http.MethodPost, root, 200, TypeBasic).Reason)
}

func TestCustomRulesIgnoreEmptyPatterns(t *testing.T) {
	rules := Rules{NoCachePaths: []string{""}, NoCacheOrigins: []string{""}}
	ok, _ := rules.RequestCacheable(http.MethodGet, mustURL(t, "https://site.test/anything"))
	assert.True(t, ok)
}

func TestAcceptsHTML(t *testing.T) {
	assert.True(t, AcceptsHTML("text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"))
	assert.False(t, AcceptsHTML("image/avif,image/webp,*/*"))
	assert.False(t, AcceptsHTML(""))
}
