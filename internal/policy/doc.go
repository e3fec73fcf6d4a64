// Package policy holds the synchronous caching rules applied to every
// intercepted request: which URLs the controller handles at all, which
// responses are storable, and which requests must never be persisted
// because they target confirmation pages, API endpoints or third-party
// tracking hosts. Nothing here performs I/O.
package policy
