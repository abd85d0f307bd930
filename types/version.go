package types

// Version is the canonical project version. The CLI, the initialize
// handshake clientInfo, and release artifacts share this constant.
const Version = "0.3.0"

// ProtocolVersion is the MCP protocol revision the proxy speaks to
// its child servers.
const ProtocolVersion = "2024-11-05"
