// Package permission defines the fixed permission catalog and the bit-set
// representation used to grant permissions to API keys.
package permission
