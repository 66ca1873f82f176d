// Package integration provides end-to-end tests for kbsync. The tests run the
// full application against an in-process fake of the knowledge-base API and
// cover one-shot runs, target strategies, failure recovery and serve mode.
package integration
