// Package locking runs functions with mutual exclusion over string keys.
//
// The transfer manager uses a Group to serialize chunk deliveries for a
// session, so that concurrent inbound requests for the same session are
// applied one at a time.
package locking

// Group is an abstraction for running functions with mutual exclusion
// over sets of keys.
type Group interface {
	// Do runs fn while holding the lock for key and returns fn's error.
	Do(key string, fn func() error) error
}
