// Package toolbus supervises external tool servers as subprocesses and talks
// to them over newline-delimited JSON-RPC 2.0 on stdio. It handles process
// launch and teardown, the capability handshake, request/response
// correlation, retrying failed connections, and heartbeat-based health
// monitoring.
//
// Most callers work through the Hub, which manages a set of named servers
// loaded from a config file. The lower layers are exported for programs that
// need a single connection: StartProcess for the subprocess transport,
// NewSession for the protocol session, and NewManager for retry and
// lifecycle handling.
package toolbus
