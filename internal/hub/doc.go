// Package hub owns the coordinating side of a capture deployment.
//
// Ownership boundary:
// - node registration, liveness and the per-node command channel
// - session orchestration across nodes (quorum start, stop, rejoin)
// - bulk transfer intake, time-sync responder and admin endpoint
package hub
