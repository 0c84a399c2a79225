// Package dedupe remembers idempotency keys for a time window so repeated
// submissions of the same request can be refused.
package dedupe
