// Package protocol owns the command/ack/event envelope and its two wire forms.
//
// Ownership boundary:
// - envelope model and correlation ids
// - versioned (length-prefixed) and legacy (line JSON) codecs
// - typed payloads for the hub/node command set
package protocol
