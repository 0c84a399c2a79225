// Package server assembles toolgate from its configuration.
//
// New opens the key store, builds the rate limiter, the executor selected by
// executor.type, the gateway, and both HTTP transports. Run listens on
// server.http_addr, or joins a tailnet through tsnet when tailscale.enabled
// is set, and shuts everything down when its context ends.
package server
