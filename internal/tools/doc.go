// Package tools defines the static catalog of permission-gated tools and
// validates call parameters against each tool's reflected JSON schema.
package tools
