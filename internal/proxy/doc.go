// Package proxy bridges Fiber requests into the cache controller: it resolves
// the target URL, builds the outgoing http.Request and writes the controller's
// result back to the client.
package proxy
