// Package server hosts the Fiber HTTP service and its middleware chain.
// NewApp attaches panic recovery and request ids, then hands every request
// outside the reserved /-/ prefix to an injected ProxyHandler. The shared
// upstream http.Client and header helpers used by the proxy bridge live here
// as well, so keep exports narrow and accept explicit dependencies.
package server
