// Package session owns receiver<->tracker session transport helpers.
//
// Ownership boundary:
// - register/register.ack handshake codecs
// - report_blocks, deregister and stop codecs
// - retry/backoff primitives
package session
