// Package mcp implements the Model Context Protocol (MCP) wire layer used by the host: JSON-RPC
// message types, a client Session that keeps serving server-initiated requests while its own
// calls are outstanding, a tool Server, and the stdio, subprocess and SSE transports.
//
// The client side is the part the rest of the module is built on. A Client multiplexes any
// number of concurrent calls over one transport, answers sampling and elicitation requests the
// server sends mid-call, and reports progress and log notifications as they arrive.
package mcp
