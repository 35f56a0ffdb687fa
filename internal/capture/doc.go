// Package capture owns the node-side recording session.
//
// Ownership boundary:
// - capture module interface and registry
// - session state machine (IDLE, PREPARING, RECORDING, STOPPING)
// - session directory layout and metadata.json
package capture
