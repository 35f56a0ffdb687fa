// Package transfer moves a finished session from a node to the hub.
//
// Ownership boundary:
// - session archive packing (tar + zstd, lz4 or gzip)
// - bulk transfer header and raw-byte stream
// - hub-side receiver with size acceptance and manifest.yaml
package transfer
