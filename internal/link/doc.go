// Package link owns one logical hub/node command channel.
//
// Ownership boundary:
// - peer read/write loops, ack correlation, resend and ack replay
// - registration hello exchange and transport security
// - node-side connection manager (backoff, reconnect, rejoin, observers)
//
// Out of scope:
// - command semantics (hub and node packages)
// - session state (capture and hub packages)
package link
