// Package cache defines the versioned response store used by the offline
// controller. A store holds any number of namespaces (one per cache version
// tag); each namespace maps a request identity (method + absolute URL) to a
// stored response with status, headers and body. Three backends share the
// Store contract: an in-memory map for tests and ephemeral deployments, a
// disk layout of StoragePath/<namespace>/<digest>.{body,meta.json} written
// with temp file + rename, and a SQLite table for single-file persistence.
package cache
