// Package apps implements an application runtime for LLM hosts: servers
// declare operations and renderable resources, and the runtime handles the
// protocol handshake, per-host capability negotiation, instance lifecycle and
// state, and realtime channels between operation handlers and UI surfaces.
//
// The same registration API serves two deployment shapes. App runs as a
// long-lived process over the HTTP or stdio transport; Serverless processes
// one message per invocation and persists state and bindings through
// pluggable adapters, such as the S3-backed one in stores/s3.
package apps
