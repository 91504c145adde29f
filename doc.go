// Package mcp implements the client side of the Model Context Protocol (MCP): a JSON-RPC 2.0
// engine that connects to an MCP server over a pluggable transport, negotiates the protocol
// version and capabilities, and exchanges requests and notifications in both directions.
//
// A Client correlates every outbound request with its response, serves the requests the
// server sends back (roots, sampling, elicitation) through registered handlers, and keeps
// the session usable with retries, a circuit breaker, periodic health checks and automatic
// reconnection. Transports are provided for stdio streams, child processes, HTTP with
// server-sent events and WebSocket.
package mcp
