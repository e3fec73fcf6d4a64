// Package controller implements the network-first offline cache that fronts
// the Mobility Trailblazers site.
//
// A Controller owns one versioned namespace of a cache.Store and moves
// through explicit lifecycle phases:
//
//	parsed → installing → installed → activating → activated (→ redundant)
//
// Install seeds the namespace with the precache manifest, Activate deletes
// every namespace whose name differs from the controller version, and Handle
// applies the per-request protocol: network first, opportunistic write of
// qualifying 200 responses, exact-match cache fallback when the network
// fails, and the cached root document as the last resort for HTML requests.
//
// A Registration sequences controllers the way a browser sequences service
// worker versions: one install/activate runs at a time, a new version either
// takes over immediately (skip waiting) or waits until it is told to via a
// control Message.
package controller
