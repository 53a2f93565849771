// Package server exposes the realtime hub, health probe and metrics from a
// single HTTP server.
//
// Every route shares one middleware chain: request IDs, request logging,
// metrics, security headers and rate limiting. WebSocket handshakes on /ws are
// additionally throttled per client address.
package server
