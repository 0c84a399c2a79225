// Package ratelimit provides a per-key fixed-window request limiter with
// inactivity-based eviction of idle keys.
package ratelimit
